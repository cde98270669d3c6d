// Package reconcile runs once at boot, before the HTTP surface starts
// serving: it reconciles the supervisor's view of instance watches,
// the OS process table, and the registry so all three agree on what
// is actually running. Process-table scanning recognizes both
// app-server argv signatures by name and SIGKILLs the whole process
// group for anything the supervisor no longer watches.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/appscale/aim/internal/model"
	"github.com/appscale/aim/internal/procterm"
	"github.com/appscale/aim/internal/supervisor"
)

// javaMainClassSignature and pythonAppserverPath are the two
// runtime-specific argv markers recognizes.
// appsPathPrefix bounds which argument holds the source path a
// revision ID is extracted from.
const (
	javaMainClassSignature = "com.google.appengine.tools.development.devappserver2.StandaloneInstance"
	pythonAppserverPath = "/opt/appscale/appserver/dev_appserver.py"
	appsPathPrefix = "/opt/appscale/apps/"
)

// Registry is the subset of the registry client the reconciler drives.
type Registry interface {
	Reconcile(ctx context.Context, liveSet []model.InstanceEntry) error
}

// Metrics is the subset of the metrics collector the reconciler
// records observations to. Satisfied by internal/metrics.Collector.
type Metrics interface {
	OrphansKilled(n int)
	ReconcileErrored()
}

type noopMetrics struct{}

func (noopMetrics) OrphansKilled(int) {}
func (noopMetrics) ReconcileErrored() {}

// ScannedProcess is one application-server child process found by
// scanning the OS process table.
type ScannedProcess struct {
	PID int
	RevisionKey model.RevisionKey
	Port int
}

// ProcessScanner enumerates application-server child processes
// currently running on this node. Scoped to an interface so tests
// don't need a real /proc filesystem.
type ProcessScanner interface {
	Scan() ([]ScannedProcess, error)
	KillGroup(pid int) error
}

// Reconciler runs the boot-time reconciliation sequence.
type Reconciler struct {
	adapter supervisor.Adapter
	scanner ProcessScanner
	registry Registry
	nodeIP string
	metrics Metrics
}

// New builds a Reconciler. metrics may be nil.
func New(adapter supervisor.Adapter, scanner ProcessScanner, registry Registry, nodeIP string, metrics Metrics) *Reconciler {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Reconciler{adapter: adapter, scanner: scanner, registry: registry, nodeIP: nodeIP, metrics: metrics}
}

// Run executes the six-step boot-time reconciliation and
// returns the monitored instance set it converged on.
func (r *Reconciler) Run(ctx context.Context) ([]model.Instance, error) {
	entries, err := r.adapter.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list supervisor entries: %w", err)
	}

	instanceEntries, removedAny, err := r.removeUnmonitored(ctx, entries)
	if err != nil {
		return nil, err
	}
	if removedAny {
		if err := r.adapter.Reload(ctx); err != nil {
			log.Printf("reconcile: reload after removing unmonitored configs: %v", err)
		}
	}

	monitored := make(map[instanceKey]model.Instance, len(instanceEntries))
	for _, inst := range instanceEntries {
		monitored[keyOf(inst)] = inst
	}

	if err := r.killOrphans(monitored); err != nil {
		log.Printf("reconcile: orphan cleanup: %v", err)
	}

	running := make([]model.Instance, 0, len(monitored))
	for _, inst := range monitored {
		running = append(running, inst)
	}

	liveSet := make([]model.InstanceEntry, 0, len(running))
	for _, inst := range running {
		liveSet = append(liveSet, model.InstanceEntry{
			VersionKey: inst.RevisionKey.VersionKey,
			NodeIP: r.nodeIP,
			Port: inst.Port,
			RevisionID: inst.RevisionKey.RevisionID,
		})
	}
	if err := r.registry.Reconcile(ctx, liveSet); err != nil {
		return nil, fmt.Errorf("reconcile: registry reconcile: %w", err)
	}

	return running, nil
}

// removeUnmonitored implements steps 1-3: partition entries
// by prefix, remove the config of every Unmonitored instance watch,
// and parse the survivors into Instances.
func (r *Reconciler) removeUnmonitored(ctx context.Context, entries []supervisor.Entry) ([]model.Instance, bool, error) {
	var instances []model.Instance
	var removedAny bool

	for _, e := range entries {
		if e.Watch.Kind != model.WatchInstance {
			continue
		}
		if e.State == supervisor.StateUnmonitored {
			if err := r.adapter.RemoveConfig(ctx, e.Watch); err != nil {
				log.Printf("reconcile: remove_config %s: %v", e.Watch.Name(), err)
				continue
			}
			removedAny = true
			continue
		}
		instances = append(instances, model.Instance{RevisionKey: e.Watch.RevisionKey, Port: e.Watch.Port})
	}
	return instances, removedAny, nil
}

type instanceKey struct {
	revision model.RevisionKey
	port int
}

func keyOf(inst model.Instance) instanceKey {
	return instanceKey{revision: inst.RevisionKey, port: inst.Port}
}

// killOrphans scans the process table and SIGKILLs the process group
// of any application-server child whose (revision, port) is not in
// the monitored set.
func (r *Reconciler) killOrphans(monitored map[instanceKey]model.Instance) error {
	procs, err := r.scanner.Scan()
	if err != nil {
		return fmt.Errorf("scan process table: %w", err)
	}

	var merr *multierror.Error
	var killed int
	for _, p := range procs {
		if _, ok := monitored[instanceKey{revision: p.RevisionKey, port: p.Port}]; ok {
			continue
		}
		if err := r.scanner.KillGroup(p.PID); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("kill pid %d: %w", p.PID, err))
			r.metrics.ReconcileErrored()
			continue
		}
		killed++
	}
	if killed > 0 {
		log.Printf("reconcile: killed %d orphaned application-server process group(s)", killed)
		r.metrics.OrphansKilled(killed)
	}
	return merr.ErrorOrNil()
}

// procScanner is the production ProcessScanner, reading Linux's /proc.
type procScanner struct{}

// NewProcScanner builds the default /proc-backed ProcessScanner.
func NewProcScanner() ProcessScanner { return procScanner{} }

func (procScanner) Scan() ([]ScannedProcess, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	var out []ScannedProcess
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		argv, err := readCmdline(pid)
		if err != nil || len(argv) < 2 {
			continue
		}
		if sp, ok := matchJava(pid, argv); ok {
			out = append(out, sp)
			continue
		}
		if sp, ok := matchPython(pid, argv); ok {
			out = append(out, sp)
		}
	}
	return out, nil
}

func (procScanner) KillGroup(pid int) error {
	return procterm.KillProcessGroup(pid)
}

func readCmdline(pid int) ([]string, error) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return nil, err
	}
	raw := strings.Split(strings.TrimRight(string(data), "\x00"), "\x00")
	argv := raw[:0]
	for _, a := range raw {
		if a != "" {
			argv = append(argv, a)
		}
	}
	return argv, nil
}

// matchJava recognizes a Java app-server child: the Java main class
// appears as one argument, and the last argument is the revision's
// source directory, e.g. ".../apps/{revisionKey}/war".
func matchJava(pid int, argv []string) (ScannedProcess, bool) {
	hasClass := false
	for _, a := range argv {
		if a == javaMainClassSignature {
			hasClass = true
			break
		}
	}
	if !hasClass {
		return ScannedProcess{}, false
	}

	lastArg := argv[len(argv)-1]
	parts := strings.Split(filepath.ToSlash(lastArg), "/")
	if len(parts) < 2 {
		return ScannedProcess{}, false
	}
	revisionKeyStr := parts[len(parts)-2]

	port, ok := findFlagValue(argv, "--port=", "")
	if !ok {
		return ScannedProcess{}, false
	}
	return toScannedProcess(pid, revisionKeyStr, port)
}

// matchPython recognizes the Python dev-appserver front-end, which
// also fronts the go and php runtimes.
func matchPython(pid int, argv []string) (ScannedProcess, bool) {
	if argv[1] != pythonAppserverPath {
		return ScannedProcess{}, false
	}

	var sourceArg string
	for _, a := range argv {
		if strings.HasPrefix(a, appsPathPrefix) {
			sourceArg = a
			break
		}
	}
	if sourceArg == "" {
		return ScannedProcess{}, false
	}
	parts := strings.Split(filepath.ToSlash(sourceArg), "/")
	if len(parts) < 2 {
		return ScannedProcess{}, false
	}
	revisionKeyStr := parts[len(parts)-2]

	port, ok := findFlagValue(argv, "--port=", "--port")
	if !ok {
		return ScannedProcess{}, false
	}
	return toScannedProcess(pid, revisionKeyStr, port)
}

// findFlagValue looks for either "{eqPrefix}N" in one argument or, if
// sepFlag is non-empty, "{sepFlag}" "N" as two consecutive arguments.
func findFlagValue(argv []string, eqPrefix, sepFlag string) (string, bool) {
	for _, a := range argv {
		if strings.HasPrefix(a, eqPrefix) {
			return strings.TrimPrefix(a, eqPrefix), true
		}
	}
	if sepFlag == "" {
		return "", false
	}
	for i, a := range argv {
		if a == sepFlag && i+1 < len(argv) {
			return argv[i+1], true
		}
	}
	return "", false
}

func toScannedProcess(pid int, revisionKeyStr, portStr string) (ScannedProcess, bool) {
	rk, err := model.ParseRevisionKey(revisionKeyStr)
	if err != nil {
		return ScannedProcess{}, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ScannedProcess{}, false
	}
	return ScannedProcess{PID: pid, RevisionKey: rk, Port: port}, true
}
