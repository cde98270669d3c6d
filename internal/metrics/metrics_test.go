package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceStartedIncrementsByProject(t *testing.T) {
	c := New("test")
	c.InstanceStarted("proj")
	c.InstanceStarted("proj")
	c.InstanceStarted("other")

	count, err := testutil.GatherAndCount(c.registry, "test_instance_starts_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count) // one series per project_id label value

	expected := `
		# HELP test_instance_starts_total Total number of start requests accepted.
		# TYPE test_instance_starts_total counter
		test_instance_starts_total{project_id="proj"} 2
		test_instance_starts_total{project_id="other"} 1
	`
	assert.NoError(t, testutil.GatherAndCompare(c.registry, strings.NewReader(expected), "test_instance_starts_total"))
}

func TestInstanceStartFailedLabelsByKind(t *testing.T) {
	c := New("test")
	c.InstanceStartFailed("proj", "bad_configuration")

	expected := `
		# HELP test_instance_start_failures_total Total number of start requests rejected, by error kind.
		# TYPE test_instance_start_failures_total counter
		test_instance_start_failures_total{kind="bad_configuration",project_id="proj"} 1
	`
	assert.NoError(t, testutil.GatherAndCompare(c.registry, strings.NewReader(expected), "test_instance_start_failures_total"))
}

func TestProbeSettledObservesByReadiness(t *testing.T) {
	c := New("test")
	c.ProbeSettled(2*time.Second, true)
	c.ProbeSettled(30*time.Second, false)

	count, err := testutil.GatherAndCount(c.registry, "test_health_probe_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRunningGaugeReflectsLastSet(t *testing.T) {
	c := New("test")
	c.SetRunningInstances(4)
	c.SetRunningInstances(2)

	expected := `
		# HELP test_running_instances Current number of instances this node believes are running.
		# TYPE test_running_instances gauge
		test_running_instances 2
	`
	assert.NoError(t, testutil.GatherAndCompare(c.registry, strings.NewReader(expected), "test_running_instances"))
}

func TestOrphansKilledAccumulates(t *testing.T) {
	c := New("test")
	c.OrphansKilled(3)
	c.OrphansKilled(1)

	expected := `
		# HELP test_reconcile_orphans_killed_total Total number of application-server process groups killed during reconciliation.
		# TYPE test_reconcile_orphans_killed_total counter
		test_reconcile_orphans_killed_total 4
	`
	assert.NoError(t, testutil.GatherAndCompare(c.registry, strings.NewReader(expected), "test_reconcile_orphans_killed_total"))
}

func TestDetectorStoppedLabelsByProject(t *testing.T) {
	c := New("test")
	c.DetectorStopped("proj")

	expected := `
		# HELP test_failure_detector_stops_total Total number of instances stopped by the failure detector.
		# TYPE test_failure_detector_stops_total counter
		test_failure_detector_stops_total{project_id="proj"} 1
	`
	assert.NoError(t, testutil.GatherAndCompare(c.registry, strings.NewReader(expected), "test_failure_detector_stops_total"))
}
