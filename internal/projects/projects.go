// Package projects is this node's read-only cache of the scheduler's
// projects model: a YAML manifest per version, published by the
// scheduler into the same coordination store the registry client
// uses. Sync scans the manifest prefix and atomically swaps in a
// fresh cache, the way a node periodically reloads its view of
// cluster-wide declarations.
package projects

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/consul/api"
	"gopkg.in/yaml.v3"

	"github.com/appscale/aim/internal/engine"
	"github.com/appscale/aim/internal/model"
	"github.com/appscale/aim/internal/runtimeconf"
)

const rootKey = "projects"

// Record is the on-the-wire YAML shape of one version's scheduler
// metadata.
type Record struct {
	Runtime runtimeconf.Runtime `yaml:"runtime"`
	RevisionID string `yaml:"revision_id"`
	SourceURL string `yaml:"source_url"`
	InstanceClass string `yaml:"instance_class"`
	MaxMemoryMB int `yaml:"max_memory_mb"`
	Environment map[string]string `yaml:"environment"`
}

func (r Record) toVersionRecord() engine.VersionRecord {
	return engine.VersionRecord{
		Runtime: r.Runtime,
		EnvVariables: r.Environment,
		RevisionID: r.RevisionID,
		SourceURL: r.SourceURL,
		InstanceClass: r.InstanceClass,
		MaxMemoryMB: r.MaxMemoryMB,
	}
}

// kvLister is the subset of *api.KV the cache reads from. Scoped to an
// interface so tests can substitute an in-memory fake.
type kvLister interface {
	List(prefix string, q *api.QueryOptions) (api.KVPairs, *api.QueryMeta, error)
}

// Store is an in-memory cache of version records, refreshed by Sync.
// It implements engine.ProjectsModel.
type Store struct {
	kv kvLister

	mu sync.RWMutex
	records map[string]engine.VersionRecord // keyed by VersionKey.String()
	revisions []model.RevisionKey
}

// New builds a Store over an existing Consul client.
func New(consul *api.Client) *Store {
	return &Store{kv: consul.KV(), records: make(map[string]engine.VersionRecord)}
}

// NewWithStore builds a Store over an arbitrary kvLister, primarily for
// tests.
func NewWithStore(kv kvLister) *Store {
	return &Store{kv: kv, records: make(map[string]engine.VersionRecord)}
}

// Sync lists every "projects/{versionKey}" node, parses its YAML
// payload, and atomically replaces the in-memory cache. Malformed
// entries are skipped rather than aborting the whole sync.
func (s *Store) Sync(ctx context.Context) error {
	pairs, _, err := s.kv.List(rootKey+"/", (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("projects: list: %w", err)
	}

	records := make(map[string]engine.VersionRecord, len(pairs))
	revisions := make([]model.RevisionKey, 0, len(pairs))
	for _, pair := range pairs {
		rel := strings.TrimPrefix(pair.Key, rootKey+"/")
		if rel == "" || len(pair.Value) == 0 {
			continue // the root's own empty-payload marker node
		}
		vk, err := model.ParseVersionKey(rel)
		if err != nil {
			continue
		}

		var rec Record
		if err := yaml.Unmarshal(pair.Value, &rec); err != nil {
			continue
		}

		records[vk.String()] = rec.toVersionRecord()
		revisions = append(revisions, model.RevisionKey{VersionKey: vk, RevisionID: rec.RevisionID})
	}

	s.mu.Lock()
	s.records = records
	s.revisions = revisions
	s.mu.Unlock()
	return nil
}

// Lookup returns the cached version record for vk, if any.
func (s *Store) Lookup(vk model.VersionKey) (engine.VersionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[vk.String()]
	return rec, ok
}

// HasProject reports whether any cached version belongs to projectID.
func (s *Store) HasProject(projectID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key := range s.records {
		vk, err := model.ParseVersionKey(key)
		if err == nil && vk.ProjectID == projectID {
			return true
		}
	}
	return false
}

// DeclaredRevisions returns every revision currently known to the
// scheduler, for the source store's active-set pruning.
func (s *Store) DeclaredRevisions() []model.RevisionKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.RevisionKey, len(s.revisions))
	copy(out, s.revisions)
	return out
}
