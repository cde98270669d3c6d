// Package model defines the identifiers and node-local entities the
// lifecycle engine reasons about: versions, revisions, instances, and
// the API-server sidecars that front them.
package model

import (
	"fmt"
	"strings"
)

const keySeparator = "_"

// VersionKey identifies a deployed application version as an ordered
// (projectId, serviceId, versionId) triple. It serializes with a single
// separator and round-trips through ParseVersionKey.
type VersionKey struct {
	ProjectID string
	ServiceID string
	VersionID string
}

// String renders the canonical serialized form, e.g. "proj_default_v1".
func (vk VersionKey) String() string {
	return strings.Join([]string{vk.ProjectID, vk.ServiceID, vk.VersionID}, keySeparator)
}

// ParseVersionKey parses the serialized form produced by String.
func ParseVersionKey(s string) (VersionKey, error) {
	parts := strings.SplitN(s, keySeparator, 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return VersionKey{}, fmt.Errorf("model: malformed version key %q", s)
	}
	return VersionKey{ProjectID: parts[0], ServiceID: parts[1], VersionID: parts[2]}, nil
}

// RevisionKey identifies an immutable source snapshot of a Version:
// the VersionKey plus a revision identifier. Different revisions of the
// same version share the VersionKey prefix.
type RevisionKey struct {
	VersionKey
	RevisionID string
}

// String renders the canonical serialized form, e.g. "proj_default_v1_3".
func (rk RevisionKey) String() string {
	return rk.VersionKey.String() + keySeparator + rk.RevisionID
}

// ParseRevisionKey parses the serialized form produced by String. The
// revision id is taken as everything after the third separator, so it
// may itself contain the separator character.
func ParseRevisionKey(s string) (RevisionKey, error) {
	parts := strings.SplitN(s, keySeparator, 4)
	if len(parts) != 4 || parts[0] == "" || parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return RevisionKey{}, fmt.Errorf("model: malformed revision key %q", s)
	}
	return RevisionKey{
		VersionKey: VersionKey{ProjectID: parts[0], ServiceID: parts[1], VersionID: parts[2]},
		RevisionID: parts[3],
	}, nil
}

// Instance is the node-local unit of supervision: one revision running
// on one port. Equality is by (RevisionKey, Port).
type Instance struct {
	RevisionKey RevisionKey
	Port int
}

// VersionKey returns the derived version key of the instance's revision.
func (i Instance) VersionKey() VersionKey {
	return i.RevisionKey.VersionKey
}

// Equal reports whether two instances share a revision key and port.
func (i Instance) Equal(other Instance) bool {
	return i.RevisionKey == other.RevisionKey && i.Port == other.Port
}

// InstanceEntry is the registry projection of an Instance: the path it
// is declared under and the revision id stored as its payload.
type InstanceEntry struct {
	VersionKey VersionKey
	NodeIP string
	Port int
	RevisionID string
}

// RegistryKey returns the coordination-store path this entry lives at,
// relative to the registry root: "{versionKey}/{nodeIp}:{port}".
func (e InstanceEntry) RegistryKey() string {
	return fmt.Sprintf("%s/%s:%d", e.VersionKey.String(), e.NodeIP, e.Port)
}

// APIServer is a per-project sidecar process on a private port. At most
// one exists per project at any time.
type APIServer struct {
	ProjectID string
	Port int
}

// ValidProjectID reports whether s is a legal project identifier:
// lowercase letters, digits, and hyphens, not empty. Checked by hand
// rather than compiled as a regular expression, consistent with this
// package's structured-parsing style for watch names.
func ValidProjectID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return true
}
