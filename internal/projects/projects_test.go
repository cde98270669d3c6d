package projects

import (
	"context"
	"sync"
	"testing"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appscale/aim/internal/model"
)

// fakeKV is an in-memory stand-in for *api.KV's List method.
type fakeKV struct {
	mu sync.Mutex
	data map[string][]byte
}

func newFakeKV() *fakeKV { return &fakeKV{data: make(map[string][]byte)} }

func (f *fakeKV) put(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = []byte(value)
}

func (f *fakeKV) List(prefix string, _ *api.QueryOptions) (api.KVPairs, *api.QueryMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out api.KVPairs
	for k, v := range f.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, &api.KVPair{Key: k, Value: v})
		}
	}
	return out, &api.QueryMeta{}, nil
}

const sampleManifest = `
runtime: python27
revision_id: "3"
source_url: gs://bucket/app.tar.gz
instance_class: F2
max_memory_mb: 400
environment:
 FOO: bar
`

func TestSyncPopulatesLookupableRecord(t *testing.T) {
	kv := newFakeKV()
	kv.put("projects/proj_default_v1", sampleManifest)

	s := NewWithStore(kv)
	require.NoError(t, s.Sync(context.Background()))

	rec, ok := s.Lookup(model.VersionKey{ProjectID: "proj", ServiceID: "default", VersionID: "v1"})
	require.True(t, ok)
	assert.EqualValues(t, "python27", rec.Runtime)
	assert.Equal(t, "3", rec.RevisionID)
	assert.Equal(t, "gs://bucket/app.tar.gz", rec.SourceURL)
	assert.Equal(t, 400, rec.MaxMemoryMB)
	assert.Equal(t, "bar", rec.EnvVariables["FOO"])
}

func TestSyncSkipsMalformedYAML(t *testing.T) {
	kv := newFakeKV()
	kv.put("projects/proj_default_v1", "not: [valid yaml")

	s := NewWithStore(kv)
	require.NoError(t, s.Sync(context.Background()))

	_, ok := s.Lookup(model.VersionKey{ProjectID: "proj", ServiceID: "default", VersionID: "v1"})
	assert.False(t, ok)
}

func TestSyncSkipsMarkerNode(t *testing.T) {
	kv := newFakeKV()
	kv.put("projects/", "")
	kv.put("projects/proj_default_v1", sampleManifest)

	s := NewWithStore(kv)
	require.NoError(t, s.Sync(context.Background()))

	assert.Len(t, s.DeclaredRevisions(), 1)
}

func TestHasProjectReflectsCache(t *testing.T) {
	kv := newFakeKV()
	kv.put("projects/proj_default_v1", sampleManifest)

	s := NewWithStore(kv)
	require.NoError(t, s.Sync(context.Background()))

	assert.True(t, s.HasProject("proj"))
	assert.False(t, s.HasProject("other"))
}

func TestSyncReplacesStaleEntries(t *testing.T) {
	kv := newFakeKV()
	kv.put("projects/proj_default_v1", sampleManifest)

	s := NewWithStore(kv)
	require.NoError(t, s.Sync(context.Background()))
	require.True(t, s.HasProject("proj"))

	kv.mu.Lock()
	delete(kv.data, "projects/proj_default_v1")
	kv.mu.Unlock()

	require.NoError(t, s.Sync(context.Background()))
	assert.False(t, s.HasProject("proj"))
	assert.Empty(t, s.DeclaredRevisions())
}
