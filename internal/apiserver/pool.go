// Package apiserver is a process-wide projectId → port mapping for
// the per-project API-server sidecar, populated by scanning
// supervisor entries on boot and cached in memory from then on.
package apiserver

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/appscale/aim/internal/aimerr"
	"github.com/appscale/aim/internal/model"
	"github.com/appscale/aim/internal/runtimeconf"
	"github.com/appscale/aim/internal/supervisor"
)

// ProcessKiller terminates a stopped API-server sidecar's process
// group once its grace deadline elapses. Satisfied by
// internal/procterm.PidfileKiller.
type ProcessKiller interface {
	KillFromPidfile(pidfile string) error
}

type noopKiller struct{}

func (noopKiller) KillFromPidfile(string) error { return nil }

const defaultStopGrace = 5 * time.Second

// Pool tracks the single API-server sidecar per project and its port,
// drawn downward from a ceiling so instance ports and API-server ports
// never collide (last paragraph).
type Pool struct {
	mu sync.Mutex
	adapter supervisor.Adapter
	ceiling int
	assigned map[string]int // projectId -> port
	killer ProcessKiller
	stopGrace time.Duration
}

// New builds a Pool that assigns ports at or below ceiling. killer may
// be nil, in which case Stop never terminates a lingering process.
func New(adapter supervisor.Adapter, ceiling int, killer ProcessKiller) *Pool {
	if killer == nil {
		killer = noopKiller{}
	}
	return &Pool{
		adapter: adapter,
		ceiling: ceiling,
		assigned: make(map[string]int),
		killer: killer,
		stopGrace: defaultStopGrace,
	}
}

// Ensure returns the existing port for projectID if one is assigned,
// else picks one below the lowest assigned port (the ceiling itself
// when none is assigned), starts the sidecar watch, and caches the
// assignment.
// Failure to start the watch is fatal to the calling request, so it
// is returned rather than retried here.
func (p *Pool) Ensure(ctx context.Context, projectID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port, ok := p.assigned[projectID]; ok {
		return port, nil
	}

	port := p.nextPortLocked()
	watch := model.NewAPIServerWatch(projectID, port)

	cfg := supervisor.Config{
		StartCmd: []string{"appscale-api-server", "--port", strconv.Itoa(port)},
		Pidfile: runtimeconf.APIServerPidfilePath(projectID, port),
		Port: port,
	}
	if err := p.adapter.WriteConfig(ctx, watch, cfg); err != nil {
		return 0, aimerr.Wrap(aimerr.Internal, err, "apiserver: write_config for project %s", projectID)
	}
	if err := p.adapter.Start(ctx, watch); err != nil {
		return 0, aimerr.Wrap(aimerr.Internal, err, "apiserver: start watch for project %s", projectID)
	}

	p.assigned[projectID] = port
	return port, nil
}

// nextPortLocked picks min(ceiling, min(assigned ports) - 1). Callers
// must hold p.mu.
func (p *Pool) nextPortLocked() int {
	if len(p.assigned) == 0 {
		return p.ceiling
	}
	min := p.ceiling
	for _, port := range p.assigned {
		if port < min {
			min = port
		}
	}
	candidate := min - 1
	if candidate > p.ceiling {
		candidate = p.ceiling
	}
	return candidate
}

// Stop tears down the project's API-server watch, if one is assigned,
// in the canonical unmonitor → remove_config → terminate order. The
// mapping is forgotten up front, before any of the teardown calls, so
// a concurrent Ensure for the same project never hands out a port this
// call is in the middle of tearing down.
func (p *Pool) Stop(ctx context.Context, projectID string) error {
	p.mu.Lock()
	port, ok := p.assigned[projectID]
	if ok {
		delete(p.assigned, projectID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	watch := model.NewAPIServerWatch(projectID, port)
	if err := p.adapter.Unmonitor(ctx, watch); err != nil && aimerr.KindOf(err) != aimerr.SupervisorAbsent {
		return aimerr.Wrap(aimerr.Internal, err, "apiserver: unmonitor %s", watch.Name())
	}
	if err := p.adapter.RemoveConfig(ctx, watch); err != nil && aimerr.KindOf(err) != aimerr.SupervisorAbsent {
		return aimerr.Wrap(aimerr.Internal, err, "apiserver: remove_config %s", watch.Name())
	}

	pidfile := runtimeconf.APIServerPidfilePath(projectID, port)
	p.scheduleTermination(pidfile)
	return nil
}

// scheduleTermination waits p.stopGrace then kills the process that
// owns pidfile, if it still exists.
func (p *Pool) scheduleTermination(pidfile string) {
	go func() {
		time.Sleep(p.stopGrace)
		if err := p.killer.KillFromPidfile(pidfile); err != nil {
			log.Printf("apiserver: terminate %s: %v", pidfile, err)
		}
	}()
}

// Discover scans the supervisor's current entries for api-server
// watches and repopulates the projectId→port mapping. Called once at
// boot by the serve command, ahead of the reconciler run and before
// the HTTP surface starts serving.
func (p *Pool) Discover(ctx context.Context) error {
	entries, err := p.adapter.Entries(ctx)
	if err != nil {
		return aimerr.Wrap(aimerr.Internal, err, "apiserver: discover")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		if e.Watch.Kind == model.WatchAPIServer {
			p.assigned[e.Watch.ProjectID] = e.Watch.Port
		}
	}
	return nil
}

// Port returns the currently assigned port for projectID, if any.
func (p *Pool) Port(projectID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	port, ok := p.assigned[projectID]
	return port, ok
}
