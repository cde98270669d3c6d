// Package sourcestore defines the boundary to the source-archive
// fetcher the lifecycle engine depends on (lists source
// archive retrieval as an external collaborator; only the interface
// the engine calls through is in scope here).
package sourcestore

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/appscale/aim/internal/model"
	"github.com/appscale/aim/internal/runtimeconf"
)

// Store ensures a revision's unpacked source is present before the
// engine starts it, and reclaims the source of revisions that are no
// longer active.
type Store interface {
	// Ensure makes the unpacked source for revisionKey available,
	// fetching sourceURL if it is not already present. Called on every
	// start, before Supervisor.start, so it must be idempotent.
	Ensure(ctx context.Context, revisionKey model.RevisionKey, sourceURL string, runtime runtimeconf.Runtime) error

	// CleanOldRevisions removes unpacked source for any revision not in
	// active, where active is the revision components of the node's
	// remaining supervisor entries union the scheduler's declared
	// revisions.
	CleanOldRevisions(ctx context.Context, active []model.RevisionKey) error
}

// LocalStore is the production Store: it assumes sourceURL has
// already been unpacked onto this node's filesystem under root
// (typically by an external fetch step this package does not drive),
// and only tracks presence/absence for idempotent Ensure calls and
// directory reclamation.
type LocalStore struct {
	root string
}

// New builds a LocalStore rooted at the unpacked-source directory.
func New(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) revisionDir(rk model.RevisionKey) string {
	return filepath.Join(s.root, rk.String())
}

// Ensure is a no-op once the revision's directory exists; a missing
// directory is reported rather than fetched, since the archive-fetch
// path itself is out of scope here.
func (s *LocalStore) Ensure(_ context.Context, rk model.RevisionKey, sourceURL string, _ runtimeconf.Runtime) error {
	dir := s.revisionDir(rk)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("sourcestore: revision %s not unpacked at %s (source %s): %w", rk, dir, sourceURL, err)
	}
	return nil
}

// CleanOldRevisions removes the unpacked directory of every revision
// under root that isn't named in active.
func (s *LocalStore) CleanOldRevisions(_ context.Context, active []model.RevisionKey) error {
	keep := make(map[string]bool, len(active))
	for _, rk := range active {
		keep[rk.String()] = true
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sourcestore: list %s: %w", s.root, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || keep[entry.Name()] {
			continue
		}
		path := filepath.Join(s.root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Printf("sourcestore: failed to remove stale revision %s: %v", path, err)
			continue
		}
		log.Printf("sourcestore: removed stale revision %s", path)
	}
	return nil
}
