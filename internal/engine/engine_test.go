package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appscale/aim/internal/model"
	"github.com/appscale/aim/internal/runtimeconf"
	"github.com/appscale/aim/internal/supervisor"
)

// fakeSupervisor is an in-memory stand-in for supervisor.Adapter.
type fakeSupervisor struct {
	mu sync.Mutex
	entries map[string]supervisor.Entry
	started []string
	removed []string
	reloads int
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{entries: make(map[string]supervisor.Entry)}
}

func (f *fakeSupervisor) WriteConfig(_ context.Context, watch model.Watch, _ supervisor.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[watch.Name()] = supervisor.Entry{Watch: watch, State: supervisor.StateStarting}
	return nil
}

func (f *fakeSupervisor) Start(_ context.Context, watch model.Watch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[watch.Name()] = supervisor.Entry{Watch: watch, State: supervisor.StateRunning}
	f.started = append(f.started, watch.Name())
	return nil
}

func (f *fakeSupervisor) Unmonitor(_ context.Context, watch model.Watch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[watch.Name()]
	if !ok {
		return nil
	}
	e.State = supervisor.StateUnmonitored
	f.entries[watch.Name()] = e
	return nil
}

func (f *fakeSupervisor) RemoveConfig(_ context.Context, watch model.Watch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, watch.Name())
	f.removed = append(f.removed, watch.Name())
	return nil
}

func (f *fakeSupervisor) Reload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return nil
}

func (f *fakeSupervisor) Entries(context.Context) ([]supervisor.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]supervisor.Entry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out, nil
}

type fakeRegistry struct {
	mu sync.Mutex
	declared []model.InstanceEntry
	retracted []model.Instance
}

func (f *fakeRegistry) Declare(_ context.Context, e model.InstanceEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared = append(f.declared, e)
	return nil
}

func (f *fakeRegistry) Retract(_ context.Context, vk model.VersionKey, nodeIP string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retracted = append(f.retracted, model.Instance{RevisionKey: model.RevisionKey{VersionKey: vk}, Port: port})
	return nil
}

func (f *fakeRegistry) EnsureVersionPath(context.Context, model.VersionKey) error { return nil }

type fakeAPIServerPool struct {
	mu sync.Mutex
	stopped []string
	port int
}

func (f *fakeAPIServerPool) Ensure(context.Context, string) (int, error) {
	if f.port == 0 {
		return 19999, nil
	}
	return f.port, nil
}

func (f *fakeAPIServerPool) Stop(_ context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, projectID)
	return nil
}

type fakeSourceStore struct {
	mu sync.Mutex
	ensured int
	cleaned []model.RevisionKey
}

func (f *fakeSourceStore) Ensure(context.Context, model.RevisionKey, string, runtimeconf.Runtime) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured++
	return nil
}

func (f *fakeSourceStore) CleanOldRevisions(_ context.Context, active []model.RevisionKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = active
	return nil
}

type fakeProber struct{ ready bool }

func (f *fakeProber) Wait(context.Context, string, int) bool { return f.ready }

type fakeProjects struct {
	records map[string]VersionRecord
	hasProject bool
	declared []model.RevisionKey
}

func (f *fakeProjects) Lookup(vk model.VersionKey) (VersionRecord, bool) {
	r, ok := f.records[vk.String()]
	return r, ok
}

func (f *fakeProjects) HasProject(string) bool { return f.hasProject }

func (f *fakeProjects) DeclaredRevisions() []model.RevisionKey { return f.declared }

type fakeLogRotate struct {
	mu sync.Mutex
	installed map[string]int
	removed []string
}

func newFakeLogRotate() *fakeLogRotate {
	return &fakeLogRotate{installed: make(map[string]int)}
}

func (f *fakeLogRotate) Install(projectID string, size int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed[projectID] = size
	return nil
}

func (f *fakeLogRotate) Remove(projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, projectID)
	return nil
}

type fakeKiller struct {
	mu sync.Mutex
	killed []string
}

func (f *fakeKiller) KillFromPidfile(pidfile string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pidfile)
	return nil
}

func testVK() model.VersionKey {
	return model.VersionKey{ProjectID: "proj", ServiceID: "default", VersionID: "v1"}
}

func newTestEngine(t *testing.T, ready bool) (*Engine, *fakeSupervisor, *fakeRegistry, *fakeAPIServerPool, *fakeSourceStore, *fakeProjects, *fakeLogRotate, *fakeKiller, chan struct{}) {
	t.Helper()
	sup := newFakeSupervisor()
	reg := &fakeRegistry{}
	pool := &fakeAPIServerPool{}
	store := &fakeSourceStore{}
	projects := &fakeProjects{
		records: map[string]VersionRecord{
			testVK().String(): {
				Runtime: runtimeconf.Python27,
				RevisionID: "3",
				SourceURL: "gs://bucket/app.tar.gz",
				MaxMemoryMB: 400,
			},
		},
		hasProject: true,
		declared: []model.RevisionKey{{VersionKey: testVK(), RevisionID: "3"}},
	}
	logs := newFakeLogRotate()
	killer := &fakeKiller{}
	done := make(chan struct{}, 4)

	e := New(Deps{
		NodeIP: "10.0.0.1",
		Registry: reg,
		Supervisor: sup,
		APIServers: pool,
		SourceStore: store,
		Prober: &fakeProber{ready: ready},
		Projects: projects,
		LogRotate: logs,
		Killer: killer,
	}, WithStopGrace(time.Millisecond), WithAsyncDoneHook(func(model.Instance, bool) {
		done <- struct{}{}
	}))

	return e, sup, reg, pool, store, projects, logs, killer, done
}

func TestStartHappyPathDeclaresAfterProbeReady(t *testing.T) {
	e, sup, reg, _, store, _, logs, _, done := newTestEngine(t, true)

	err := e.Start(context.Background(), testVK(), StartRequest{AppPort: 8080, LoginServer: "10.0.0.5"})
	require.NoError(t, err)

	<-done // wait for the async probe+declare task

	assert.Equal(t, 1, store.ensured)
	assert.Contains(t, sup.started, "instance_proj_default_v1_3-8080")
	require.Len(t, reg.declared, 1)
	assert.Equal(t, "3", reg.declared[0].RevisionID)
	assert.True(t, e.IsRunning(testVK(), 8080))
	assert.Equal(t, defaultAppLogSize, logs.installed["proj"])
}

func TestStartDoesNotDeclareWhenProbeTimesOut(t *testing.T) {
	e, _, reg, _, _, _, _, _, done := newTestEngine(t, false)

	err := e.Start(context.Background(), testVK(), StartRequest{AppPort: 8080, LoginServer: "10.0.0.5"})
	require.NoError(t, err)

	<-done
	assert.Empty(t, reg.declared)
	assert.False(t, e.IsRunning(testVK(), 8080))
}

func TestStartRejectsMissingLoginServer(t *testing.T) {
	e, _, _, _, _, _, _, _, _ := newTestEngine(t, true)
	err := e.Start(context.Background(), testVK(), StartRequest{AppPort: 8080})
	require.Error(t, err)
}

func TestStartRejectsUnknownVersion(t *testing.T) {
	e, _, _, _, _, _, _, _, _ := newTestEngine(t, true)
	unknown := model.VersionKey{ProjectID: "other", ServiceID: "default", VersionID: "v1"}
	err := e.Start(context.Background(), unknown, StartRequest{AppPort: 8080, LoginServer: "x"})
	require.Error(t, err)
}

func TestStopOneReturnsNotFoundWhenNoEntry(t *testing.T) {
	e, _, _, _, _, _, _, _, _ := newTestEngine(t, true)
	err := e.StopOne(context.Background(), testVK(), 8080)
	require.Error(t, err)
}

func TestStopOneTearsDownAndSchedulesTermination(t *testing.T) {
	e, sup, reg, pool, store, _, _, killer, done := newTestEngine(t, true)

	require.NoError(t, e.Start(context.Background(), testVK(), StartRequest{AppPort: 8080, LoginServer: "10.0.0.5"}))
	<-done

	require.NoError(t, e.StopOne(context.Background(), testVK(), 8080))

	assert.Len(t, reg.retracted, 1)
	assert.Contains(t, sup.removed, "instance_proj_default_v1_3-8080")
	assert.Equal(t, []string{"proj"}, pool.stopped)
	assert.Equal(t, 1, sup.reloads)
	assert.NotEmpty(t, store.cleaned) // declared revisions still include 3

	require.Eventually(t, func() bool {
		killer.mu.Lock()
		defer killer.mu.Unlock()
		return len(killer.killed) == 1
	}, time.Second, time.Millisecond)
}

func TestStopAllRemovesLogrotateWhenProjectGone(t *testing.T) {
	e, _, _, pool, _, projects, logs, _, done := newTestEngine(t, true)
	projects.hasProject = false

	require.NoError(t, e.Start(context.Background(), testVK(), StartRequest{AppPort: 8080, LoginServer: "10.0.0.5"}))
	<-done

	require.NoError(t, e.StopAll(context.Background(), testVK()))

	// stop_one stops the api server when the project's last instance
	// goes, and stop_all stops it again once no entries remain.
	assert.Equal(t, []string{"proj", "proj"}, pool.stopped)
	assert.Equal(t, []string{"proj"}, logs.removed)
}
