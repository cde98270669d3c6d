// Package engine is the lifecycle engine: the state machine owning
// the correspondence between desired instances, the supervised
// processes on this node, and their registry entries. All mutable
// state lives behind one mutex, and the three verbs — start,
// stop_one, stop_all — dispatch per-runtime behavior through a single
// tagged Runtime value.
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/appscale/aim/internal/aimerr"
	"github.com/appscale/aim/internal/model"
	"github.com/appscale/aim/internal/runtimeconf"
	"github.com/appscale/aim/internal/supervisor"
)

// VersionRecord is the scheduler's view of one deployed version, as
// looked up from its projects model.
type VersionRecord struct {
	Runtime runtimeconf.Runtime
	EnvVariables map[string]string
	RevisionID string
	SourceURL string
	InstanceClass string
	MaxMemoryMB int
}

// ProjectsModel is the scheduler's read-only projects/versions
// model (out of scope beyond this interface).
type ProjectsModel interface {
	// Lookup returns the version record for vk, or ok=false if the
	// scheduler has no such version.
	Lookup(vk model.VersionKey) (VersionRecord, bool)
	// HasProject reports whether projectID still has any version in
	// the scheduler's model (used by stop_all's log-rotation cleanup).
	HasProject(projectID string) bool
	// DeclaredRevisions lists every revision the scheduler currently
	// wants present on disk, independent of what's running locally.
	DeclaredRevisions() []model.RevisionKey
}

// Registry is the subset of the registry client the engine drives.
type Registry interface {
	Declare(ctx context.Context, entry model.InstanceEntry) error
	Retract(ctx context.Context, vk model.VersionKey, nodeIP string, port int) error
	EnsureVersionPath(ctx context.Context, vk model.VersionKey) error
}

// APIServerPool is the subset of the API-server pool the engine drives.
type APIServerPool interface {
	Ensure(ctx context.Context, projectID string) (int, error)
	Stop(ctx context.Context, projectID string) error
}

// SourceStore is the subset of the source store the engine drives.
type SourceStore interface {
	Ensure(ctx context.Context, revisionKey model.RevisionKey, sourceURL string, runtime runtimeconf.Runtime) error
	CleanOldRevisions(ctx context.Context, active []model.RevisionKey) error
}

// HealthProbe is the subset of the health prober the engine drives.
type HealthProbe interface {
	Wait(ctx context.Context, nodeIP string, port int) bool
}

// LogRotateManager installs and removes a project's logrotate config.
type LogRotateManager interface {
	Install(projectID string, logSizeBytes int) error
	Remove(projectID string) error
}

// ProcessKiller terminates a stopped instance's process group once
// its grace deadline elapses.
type ProcessKiller interface {
	KillFromPidfile(pidfile string) error
}

// Metrics is the subset of the metrics collector the engine records
// observations to. Satisfied by internal/metrics.Collector.
type Metrics interface {
	InstanceStarted(projectID string)
	InstanceStartFailed(projectID, kind string)
	InstanceStopped(projectID string)
	ProbeSettled(duration time.Duration, ready bool)
	ProbeTimedOut(projectID string)
}

// noopMetrics discards every observation, so Engine never needs a nil
// check at a call site.
type noopMetrics struct{}

func (noopMetrics) InstanceStarted(string) {}
func (noopMetrics) InstanceStartFailed(string, string) {}
func (noopMetrics) InstanceStopped(string) {}
func (noopMetrics) ProbeSettled(time.Duration, bool) {}
func (noopMetrics) ProbeTimedOut(string) {}

const (
	// dashboardProjectID gets a larger log budget than ordinary apps.
	dashboardProjectID = "appscaledashboard"
	defaultAppLogSize = 10 * 1024 * 1024
	defaultDashboardLogSize = 100 * 1024 * 1024
	defaultStopGrace = 5 * time.Second
)

// Engine is the single owned value that holds all mutable
// lifecycle state.
type Engine struct {
	mu sync.Mutex
	running map[instanceKey]model.Instance

	nodeIP string

	registry Registry
	supervisor supervisor.Adapter
	apiServers APIServerPool
	sourceStore SourceStore
	prober HealthProbe
	projects ProjectsModel
	logRotate LogRotateManager
	killer ProcessKiller
	metrics Metrics

	appLogSize int
	dashboardLogSize int
	stopGrace time.Duration

	workers *errgroup.Group
	onAsyncDone func(instance model.Instance, declared bool) // test hook
}

type instanceKey struct {
	revision model.RevisionKey
	port int
}

// Deps bundles the Engine's collaborators.
type Deps struct {
	NodeIP string
	Registry Registry
	Supervisor supervisor.Adapter
	APIServers APIServerPool
	SourceStore SourceStore
	Prober HealthProbe
	Projects ProjectsModel
	LogRotate LogRotateManager
	Killer ProcessKiller
	Metrics Metrics
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithMaxBackgroundWorkers bounds the engine's async probe/declare
// worker pool (MAX_BACKGROUND_WORKERS).
func WithMaxBackgroundWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers.SetLimit(n)
		}
	}
}

// WithLogSizes overrides the per-project and dashboard log-rotation
// budgets, both in bytes.
func WithLogSizes(appBytes, dashboardBytes int) Option {
	return func(e *Engine) {
		e.appLogSize = appBytes
		e.dashboardLogSize = dashboardBytes
	}
}

// WithStopGrace overrides the grace period between unmonitor and the
// scheduled SIGKILL in stop_one/stop_all.
func WithStopGrace(d time.Duration) Option {
	return func(e *Engine) { e.stopGrace = d }
}

// WithAsyncDoneHook registers a callback invoked after each
// background probe-then-declare task completes, so tests can
// synchronize on the fire-and-forget path instead of sleeping.
func WithAsyncDoneHook(fn func(instance model.Instance, declared bool)) Option {
	return func(e *Engine) { e.onAsyncDone = fn }
}

// New builds an Engine over deps.
func New(deps Deps, opts ...Option) *Engine {
	e := &Engine{
		running: make(map[instanceKey]model.Instance),
		nodeIP: deps.NodeIP,
		registry: deps.Registry,
		supervisor: deps.Supervisor,
		apiServers: deps.APIServers,
		sourceStore: deps.SourceStore,
		prober: deps.Prober,
		projects: deps.Projects,
		logRotate: deps.LogRotate,
		killer: deps.Killer,
		metrics: deps.Metrics,
		appLogSize: defaultAppLogSize,
		dashboardLogSize: defaultDashboardLogSize,
		stopGrace: defaultStopGrace,
		workers: &errgroup.Group{},
	}
	if e.metrics == nil {
		e.metrics = noopMetrics{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Seed registers instances the boot-time reconciler already found
// running, so the engine's runningInstances set reflects reality
// before the HTTP surface starts serving.
func (e *Engine) Seed(instances []model.Instance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, inst := range instances {
		e.running[instanceKeyOf(inst)] = inst
	}
}

// Running returns a snapshot of the engine's runningInstances set.
func (e *Engine) Running() []model.Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Instance, 0, len(e.running))
	for _, inst := range e.running {
		out = append(out, inst)
	}
	return out
}

// IsRunning reports whether (versionKey, port) is currently tracked as
// running — the check the failure detector uses before invoking
// StopOneFromDetector.
func (e *Engine) IsRunning(vk model.VersionKey, port int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, inst := range e.running {
		if key.port == port && inst.RevisionKey.VersionKey == vk {
			return true
		}
	}
	return false
}

func instanceKeyOf(inst model.Instance) instanceKey {
	return instanceKey{revision: inst.RevisionKey, port: inst.Port}
}

func (e *Engine) addRunning(inst model.Instance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running[instanceKeyOf(inst)] = inst
}

func (e *Engine) removeRunning(inst model.Instance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, instanceKeyOf(inst))
}

// StartRequest is the body of the start operation.
type StartRequest struct {
	AppPort int
	LoginServer string
}

// Start implements start(versionKey, {app_port, login_server}).
func (e *Engine) Start(ctx context.Context, vk model.VersionKey, req StartRequest) (err error) {
	defer func() {
		if err != nil {
			e.metrics.InstanceStartFailed(vk.ProjectID, aimerr.KindOf(err).String())
		}
	}()

	if !model.ValidProjectID(vk.ProjectID) {
		return aimerr.BadConfigf("invalid project id %q", vk.ProjectID)
	}
	if req.AppPort <= 0 {
		return aimerr.BadConfigf("app_port is required")
	}
	if req.LoginServer == "" {
		return aimerr.BadConfigf("login_server is required")
	}

	record, ok := e.projects.Lookup(vk)
	if !ok {
		return aimerr.BadConfigf("version %s not found", vk)
	}

	revisionKey := model.RevisionKey{VersionKey: vk, RevisionID: record.RevisionID}

	apiPort, err := e.apiServers.Ensure(ctx, vk.ProjectID)
	if err != nil {
		return aimerr.Wrap(aimerr.Internal, err, "engine: ensure api server for %s", vk.ProjectID)
	}

	if err := e.sourceStore.Ensure(ctx, revisionKey, record.SourceURL, record.Runtime); err != nil {
		return aimerr.Wrap(aimerr.Internal, err, "engine: ensure source for %s", revisionKey)
	}

	built, err := runtimeconf.Build(record.Runtime, runtimeconf.BuildInput{
		ProjectID: vk.ProjectID,
		RevisionKey: revisionKey,
		Port: req.AppPort,
		APIServerPort: apiPort,
		LoginServer: req.LoginServer,
		PrivateIP: e.nodeIP,
		MaxMemoryMB: record.MaxMemoryMB,
		EnvVariables: record.EnvVariables,
	})
	if err != nil {
		return err // already a BadConfiguration *aimerr.Error
	}

	// Registry bookkeeping happens before the supervisor is asked to
	// start anything, so a failure here never leaves an unregistered
	// process running under the supervisor with nothing to clean it up.
	if err := e.registry.EnsureVersionPath(ctx, vk); err != nil {
		return err
	}

	watch := model.NewInstanceWatch(revisionKey, req.AppPort)
	cfg := supervisor.Config{
		StartCmd: built.StartCmd,
		Pidfile: built.Pidfile,
		Port: req.AppPort,
		Env: built.Env,
		MaxMemoryMB: record.MaxMemoryMB,
		KillExceededMemory: true,
		CheckPort: true,
	}
	if err := e.supervisor.WriteConfig(ctx, watch, cfg); err != nil {
		return aimerr.Wrap(aimerr.Internal, err, "engine: write_config for %s", watch.Name())
	}
	if err := e.supervisor.Start(ctx, watch); err != nil {
		return aimerr.Wrap(aimerr.Internal, err, "engine: start %s", watch.Name())
	}

	inst := model.Instance{RevisionKey: revisionKey, Port: req.AppPort}
	e.spawnProbeAndDeclare(inst)

	logSize := e.appLogSize
	if vk.ProjectID == dashboardProjectID {
		logSize = e.dashboardLogSize
	}
	if err := e.logRotate.Install(vk.ProjectID, logSize); err != nil {
		log.Printf("engine: failed to install logrotate config for %s: %v", vk.ProjectID, err)
	}

	e.metrics.InstanceStarted(vk.ProjectID)
	return nil
}

// spawnProbeAndDeclare fires off a health probe in the background,
// then declares the instance and adds it to runningInstances if it
// becomes ready. The HTTP reply is not delayed by this.
func (e *Engine) spawnProbeAndDeclare(inst model.Instance) {
	e.workers.Go(func() error {
		start := time.Now()
		ready := e.prober.Wait(context.Background(), e.nodeIP, inst.Port)
		e.metrics.ProbeSettled(time.Since(start), ready)
		if !ready {
			log.Printf("engine: probe timeout for %s on port %d; leaving to failure detector", inst.RevisionKey, inst.Port)
			e.metrics.ProbeTimedOut(inst.RevisionKey.ProjectID)
			if e.onAsyncDone != nil {
				e.onAsyncDone(inst, false)
			}
			return nil
		}

		entry := model.InstanceEntry{
			VersionKey: inst.RevisionKey.VersionKey,
			NodeIP: e.nodeIP,
			Port: inst.Port,
			RevisionID: inst.RevisionKey.RevisionID,
		}
		if err := e.registry.Declare(context.Background(), entry); err != nil {
			log.Printf("engine: declare %s failed: %v", inst.RevisionKey, err)
		} else {
			e.addRunning(inst)
		}
		if e.onAsyncDone != nil {
			e.onAsyncDone(inst, true)
		}
		return nil
	})
}

// StopOne implements stop_one(versionKey, port).
func (e *Engine) StopOne(ctx context.Context, vk model.VersionKey, port int) error {
	return e.stopOneInternal(ctx, vk, port, false)
}

// StopOneFromDetector is stop_one invoked by the failure detector: a
// redundant call observing the supervisor entry already gone is
// logged and swallowed rather than surfaced as NotFound, since the
// detector tick can race an operator-initiated stop_one of the same
// instance.
func (e *Engine) StopOneFromDetector(ctx context.Context, vk model.VersionKey, port int) error {
	return e.stopOneInternal(ctx, vk, port, true)
}

func (e *Engine) stopOneInternal(ctx context.Context, vk model.VersionKey, port int, fromFailureDetector bool) error {
	if !model.ValidProjectID(vk.ProjectID) {
		return aimerr.BadConfigf("invalid project id %q", vk.ProjectID)
	}

	entries, err := e.supervisor.Entries(ctx)
	if err != nil {
		return aimerr.Wrap(aimerr.Internal, err, "engine: list supervisor entries")
	}

	watch, found := findInstanceWatch(entries, vk, port)
	if !found {
		if fromFailureDetector {
			log.Printf("engine: stop_one(%s, %d) found no matching entry; already gone", vk, port)
			return nil
		}
		return aimerr.New(aimerr.NotFound, "stop_one: no supervisor entry for %s port %d", vk, port)
	}

	inst := model.Instance{RevisionKey: watch.RevisionKey, Port: port}

	if err := e.registry.Retract(ctx, vk, e.nodeIP, port); err != nil {
		log.Printf("engine: retract %s: %v", inst.RevisionKey, err)
	}
	e.removeRunning(inst)

	if err := e.supervisor.Unmonitor(ctx, watch); err != nil && aimerr.KindOf(err) != aimerr.SupervisorAbsent {
		return aimerr.Wrap(aimerr.Internal, err, "engine: unmonitor %s", watch.Name())
	}
	if err := e.supervisor.RemoveConfig(ctx, watch); err != nil && aimerr.KindOf(err) != aimerr.SupervisorAbsent {
		return aimerr.Wrap(aimerr.Internal, err, "engine: remove_config %s", watch.Name())
	}

	pidfile := runtimeconf.PidfilePath(watch.RevisionKey, port)
	e.scheduleTermination(pidfile)
	e.metrics.InstanceStopped(vk.ProjectID)

	remaining := remainingInstanceEntries(entries, vk.ProjectID, watch.Name())
	if len(remaining) == 0 {
		if err := e.apiServers.Stop(ctx, vk.ProjectID); err != nil {
			log.Printf("engine: stop api server for %s: %v", vk.ProjectID, err)
		}
	}

	if err := e.supervisor.Reload(ctx); err != nil {
		log.Printf("engine: reload after stop_one: %v", err)
	}

	active := activeRevisions(remaining, e.projects.DeclaredRevisions())
	if err := e.sourceStore.CleanOldRevisions(ctx, active); err != nil {
		log.Printf("engine: clean old revisions: %v", err)
	}

	return nil
}

// StopAll implements stop_all(versionKey): stop_one for
// every entry whose name begins with instance_{versionKey}, then — if
// no entries remain — stop the api server and, if the project has
// left the scheduler's model entirely, remove its log-rotation file.
func (e *Engine) StopAll(ctx context.Context, vk model.VersionKey) error {
	if !model.ValidProjectID(vk.ProjectID) {
		return aimerr.BadConfigf("invalid project id %q", vk.ProjectID)
	}

	entries, err := e.supervisor.Entries(ctx)
	if err != nil {
		return aimerr.Wrap(aimerr.Internal, err, "engine: list supervisor entries")
	}

	var ports []int
	for _, entry := range entries {
		if entry.Watch.HasVersionPrefix(vk) {
			ports = append(ports, entry.Watch.Port)
		}
	}

	for _, port := range ports {
		if err := e.stopOneInternal(ctx, vk, port, false); err != nil {
			log.Printf("engine: stop_all: stop_one(%s, %d): %v", vk, port, err)
		}
	}

	remaining, err := e.supervisor.Entries(ctx)
	if err != nil {
		return aimerr.Wrap(aimerr.Internal, err, "engine: list supervisor entries after stop_all")
	}
	if len(remainingInstanceEntries(remaining, vk.ProjectID, "")) > 0 {
		return nil // other versions of this project remain, nothing more to do
	}

	if err := e.apiServers.Stop(ctx, vk.ProjectID); err != nil {
		log.Printf("engine: stop api server for %s: %v", vk.ProjectID, err)
	}
	if !e.projects.HasProject(vk.ProjectID) {
		if err := e.logRotate.Remove(vk.ProjectID); err != nil {
			log.Printf("engine: remove logrotate for %s: %v", vk.ProjectID, err)
		}
	}
	return nil
}

// scheduleTermination waits e.stopGrace then kills the process that
// owns pidfile, if it still exists.
func (e *Engine) scheduleTermination(pidfile string) {
	e.workers.Go(func() error {
		timer := time.NewTimer(e.stopGrace)
		defer timer.Stop()
		<-timer.C
		if err := e.killer.KillFromPidfile(pidfile); err != nil {
			log.Printf("engine: terminate %s: %v", pidfile, err)
		}
		return nil
	})
}

func findInstanceWatch(entries []supervisor.Entry, vk model.VersionKey, port int) (model.Watch, bool) {
	for _, e := range entries {
		if e.Watch.Kind == model.WatchInstance && e.Watch.RevisionKey.VersionKey == vk && e.Watch.Port == port {
			return e.Watch, true
		}
	}
	return model.Watch{}, false
}

func remainingInstanceEntries(entries []supervisor.Entry, projectID, excludeWatchName string) []supervisor.Entry {
	var out []supervisor.Entry
	for _, e := range entries {
		if e.Watch.Kind != model.WatchInstance {
			continue
		}
		if e.Watch.Name() == excludeWatchName {
			continue
		}
		if e.Watch.RevisionKey.ProjectID != projectID {
			continue
		}
		out = append(out, e)
	}
	return out
}

func activeRevisions(remaining []supervisor.Entry, declared []model.RevisionKey) []model.RevisionKey {
	seen := make(map[string]bool)
	var out []model.RevisionKey
	for _, e := range remaining {
		rk := e.Watch.RevisionKey
		if !seen[rk.String()] {
			seen[rk.String()] = true
			out = append(out, rk)
		}
	}
	for _, rk := range declared {
		if !seen[rk.String()] {
			seen[rk.String()] = true
			out = append(out, rk)
		}
	}
	return out
}
