// Package runtimeconf builds the runtime-specific startCmd and
// environment the lifecycle engine hands to the supervisor, including
// the trusted-app flag and Java WEB-INF discovery each runtime's
// start command needs.
package runtimeconf

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/appscale/aim/internal/aimerr"
	"github.com/appscale/aim/internal/model"
)

// Runtime is one of the application-server front-ends the engine can
// start. Unknown values are rejected with BadConfiguration.
type Runtime string

const (
	Python27 Runtime = "python27"
	Go Runtime = "go"
	Php Runtime = "php"
	Java Runtime = "java"
)

const (
	unpackRoot = "/opt/appscale/apps"
	goSDKRoot = "/opt/appscale/go-sdk"
	phpCGILocation = "/usr/bin/php-cgi"
	pidfileTemplate = "/var/run/appscale/app___%s-%d.pid"
	apiServerPidfileTemplate = "/var/run/appscale/api-server_%s-%d.pid"

	// trustedAppProjectID is the one project allowed the --trusted flag
	// (the dashboard needs broader API access than tenant applications).
	trustedAppProjectID = "appscaledashboard"
	trustedFlag = "--trusted"

	maxWebInfWalkDepth = 8
)

// BuildInput is everything a runtime builder needs beyond the runtime
// tag itself.
type BuildInput struct {
	ProjectID string
	RevisionKey model.RevisionKey
	Port int
	APIServerPort int
	LoginServer string
	PrivateIP string
	MaxMemoryMB int
	EnvVariables map[string]string
}

// BuildResult is the startCmd/env/pidfile the supervisor is configured
// with.
type BuildResult struct {
	StartCmd []string
	Env map[string]string
	Pidfile string
}

// PidfilePath returns the pidfile path an instance's supervisor config
// and the engine's own stop-one termination path both reference.
func PidfilePath(rk model.RevisionKey, port int) string {
	return fmt.Sprintf(pidfileTemplate, rk.String(), port)
}

// APIServerPidfilePath returns the pidfile path an API-server
// sidecar's supervisor config and the pool's own stop termination
// path both reference.
func APIServerPidfilePath(projectID string, port int) string {
	return fmt.Sprintf(apiServerPidfileTemplate, projectID, port)
}

// Build dispatches to the runtime-specific command builder. Runtimes
// python27, go, and php share the Python dev-appserver front-end (go
// additionally sets GOPATH/GOROOT); java uses a Java-specific
// front-end with a heap ceiling of MaxMemoryMB minus 250.
func Build(runtime Runtime, in BuildInput) (BuildResult, error) {
	pidfile := PidfilePath(in.RevisionKey, in.Port)
	env := cloneEnv(in.EnvVariables)

	switch runtime {
	case Python27, Go, Php:
		if runtime == Go {
			env["GOPATH"] = filepath.Join(unpackRoot, in.RevisionKey.String(), "gopath")
			env["GOROOT"] = filepath.Join(goSDKRoot, "goroot")
		}
		for k, v := range pythonFrontEndEnv(in) {
			env[k] = v
		}
		return BuildResult{
			StartCmd: pythonStartCmd(in, pidfile),
			Env: env,
			Pidfile: pidfile,
		}, nil

	case Java:
		maxHeap := in.MaxMemoryMB - 250
		if maxHeap <= 0 {
			return BuildResult{}, aimerr.BadConfigf("Memory must exceed 250MB for Java applications")
		}
		for k, v := range javaFrontEndEnv() {
			env[k] = v
		}
		return BuildResult{
			StartCmd: javaStartCmd(in, pidfile, maxHeap),
			Env: env,
			Pidfile: pidfile,
		}, nil

	default:
		return BuildResult{}, aimerr.BadConfigf("unknown runtime %q for project %s", runtime, in.ProjectID)
	}
}

func pythonStartCmd(in BuildInput, pidfile string) []string {
	sourceDir := filepath.Join(unpackRoot, in.RevisionKey.String(), "app")
	cmd := []string{
		"/usr/bin/python2",
		"/opt/appscale/appserver/dev_appserver.py",
		"--application", in.ProjectID,
		"--port", strconv.Itoa(in.Port),
		"--admin_port", strconv.Itoa(in.Port + 10000),
		"--login_server", in.LoginServer,
		"--skip_sdk_update_check",
		"--nginx_host", in.LoginServer,
		"--require_indexes",
		"--enable_sendmail",
		"--xmpp_path", in.LoginServer,
		"--php_executable_path=" + phpCGILocation,
		sourceDir,
		"--host", in.PrivateIP,
		"--admin_host", in.PrivateIP,
		"--automatic_restart", "no",
		"--pidfile", pidfile,
		"--external_api_port", strconv.Itoa(in.APIServerPort),
	}
	if in.ProjectID == trustedAppProjectID {
		cmd = append(cmd, trustedFlag)
	}
	return cmd
}

func pythonFrontEndEnv(in BuildInput) map[string]string {
	return map[string]string{
		"MY_IP_ADDRESS": in.LoginServer,
		"APPNAME": in.ProjectID,
		"APPSCALE_HOME": "/opt/appscale",
		"PYTHON_LIB": "/opt/appscale/appserver/",
	}
}

func javaStartCmd(in BuildInput, pidfile string, maxHeapMB int) []string {
	revisionBase := filepath.Join(unpackRoot, in.RevisionKey.String())
	webInf := locateWebInf(revisionBase)

	cmd := []string{
		"/opt/appscale/java-appserver/appengine-java-sdk-repacked/bin/dev_appserver.sh",
		fmt.Sprintf("--jvm_flag=-Xmx%dm", maxHeapMB),
		"--jvm_flag=-Djava.security.egd=file:/dev/./urandom",
		"--port=" + strconv.Itoa(in.Port),
		"--address=" + in.PrivateIP,
		"--disable_update_check",
		"--external_api_port=" + strconv.Itoa(in.APIServerPort),
		"--pidfile=" + pidfile,
	}
	if webInf != "" {
		cmd = append(cmd, filepath.Dir(webInf))
	} else {
		cmd = append(cmd, revisionBase)
	}
	return cmd
}

func javaFrontEndEnv() map[string]string {
	return map[string]string{"APPSCALE_HOME": "/opt/appscale"}
}

// locateWebInf walks revisionBase looking for a WEB-INF directory (or,
// failing that, a lib directory two levels below one), bounded to
// maxWebInfWalkDepth so a deeply nested or cyclic source tree can't
// make start() hang. Mirrors locate_dir's preference for the
// shortest matching path.
func locateWebInf(revisionBase string) string {
	var found []string
	baseDepth := strings.Count(filepath.Clean(revisionBase), string(filepath.Separator))

	_ = filepath.WalkDir(revisionBase, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries, keep walking
		}
		if !d.IsDir() {
			return nil
		}
		depth := strings.Count(filepath.Clean(path), string(filepath.Separator)) - baseDepth
		if depth > maxWebInfWalkDepth {
			return filepath.SkipDir
		}
		name := d.Name()
		if name == "WEB-INF" {
			found = append(found, path)
		} else if name == "lib" && depth <= 3 && strings.HasSuffix(filepath.ToSlash(path), "/WEB-INF/lib") {
			found = append(found, filepath.Dir(path)) // record WEB-INF itself, not its lib child
		}
		return nil
	})

	if len(found) == 0 {
		return ""
	}
	shortest := found[0]
	for _, p := range found[1:] {
		if len(p) < len(shortest) {
			shortest = p
		}
	}
	return shortest
}

func cloneEnv(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
