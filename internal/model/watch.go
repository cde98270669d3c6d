package model

import (
	"fmt"
	"strconv"
	"strings"
)

// WatchKind distinguishes the two families of supervisor watch names.
type WatchKind int

const (
	// WatchInstance names an application-server instance watch.
	WatchInstance WatchKind = iota
	// WatchAPIServer names a per-project API-server sidecar watch.
	WatchAPIServer
)

const (
	instanceWatchPrefix = "instance_"
	apiServerWatchPrefix = "apisrv_"
)

// Watch is the supervisor's name for a managed process, parsed into its
// structured identity. A small grammar ("prefix_body-port") is enough
// here; a regular expression would only obscure it.
type Watch struct {
	Kind WatchKind

	// Populated when Kind == WatchInstance.
	RevisionKey RevisionKey

	// Populated when Kind == WatchAPIServer.
	ProjectID string

	Port int
}

// Name renders the canonical watch name the supervisor tracks this
// process under.
func (w Watch) Name() string {
	switch w.Kind {
	case WatchInstance:
		return fmt.Sprintf("%s%s-%d", instanceWatchPrefix, w.RevisionKey.String(), w.Port)
	case WatchAPIServer:
		return fmt.Sprintf("%s%s-%d", apiServerWatchPrefix, w.ProjectID, w.Port)
	default:
		return ""
	}
}

// NewInstanceWatch builds the watch name for an instance.
func NewInstanceWatch(rk RevisionKey, port int) Watch {
	return Watch{Kind: WatchInstance, RevisionKey: rk, Port: port}
}

// NewAPIServerWatch builds the watch name for a project's API-server
// sidecar.
func NewAPIServerWatch(projectID string, port int) Watch {
	return Watch{Kind: WatchAPIServer, ProjectID: projectID, Port: port}
}

// ParseWatch recovers the structured identity of a watch name produced
// by Name. The port is the component after the last '-'; everything
// between the prefix and that point is the body (a revision key for
// instance watches, a bare project id for API-server watches), since
// project ids and revision ids may themselves contain '-'.
func ParseWatch(name string) (Watch, error) {
	var kind WatchKind
	var body string

	switch {
	case strings.HasPrefix(name, instanceWatchPrefix):
		kind = WatchInstance
		body = strings.TrimPrefix(name, instanceWatchPrefix)
	case strings.HasPrefix(name, apiServerWatchPrefix):
		kind = WatchAPIServer
		body = strings.TrimPrefix(name, apiServerWatchPrefix)
	default:
		return Watch{}, fmt.Errorf("model: watch name %q has no recognized prefix", name)
	}

	idx := strings.LastIndex(body, "-")
	if idx < 0 || idx == len(body)-1 {
		return Watch{}, fmt.Errorf("model: watch name %q has no port suffix", name)
	}
	port, err := strconv.Atoi(body[idx+1:])
	if err != nil {
		return Watch{}, fmt.Errorf("model: watch name %q has non-numeric port: %w", name, err)
	}

	switch kind {
	case WatchInstance:
		rk, err := ParseRevisionKey(body[:idx])
		if err != nil {
			return Watch{}, fmt.Errorf("model: watch name %q: %w", name, err)
		}
		return Watch{Kind: WatchInstance, RevisionKey: rk, Port: port}, nil
	default:
		projectID := body[:idx]
		if projectID == "" {
			return Watch{}, fmt.Errorf("model: watch name %q has empty project id", name)
		}
		return Watch{Kind: WatchAPIServer, ProjectID: projectID, Port: port}, nil
	}
}

// HasInstancePrefix reports whether name names an instance watch,
// without fully parsing it.
func HasInstancePrefix(name string) bool {
	return strings.HasPrefix(name, instanceWatchPrefix)
}

// HasVersionPrefix reports whether an instance watch name belongs to
// the given version key (used by stop_all to select all of a version's
// entries).
func (w Watch) HasVersionPrefix(vk VersionKey) bool {
	return w.Kind == WatchInstance && w.RevisionKey.VersionKey == vk
}
