package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/devswarm/internal/model"
)

func TestMetrics_Tasks(t *testing.T) {
	m := New()

	m.TaskSettled(model.DeveloperTaskResult{Status: model.TaskSuccess, Duration: 120 * time.Millisecond})
	m.TaskSettled(model.DeveloperTaskResult{Status: model.TaskSuccess, Duration: 80 * time.Millisecond})
	m.TaskSettled(model.DeveloperTaskResult{Status: model.TaskError, Duration: time.Second})
	m.TaskRetried()
	m.TaskRetried()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasks.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.taskRetries))
	assert.Equal(t, 1, testutil.CollectAndCount(m.taskDuration))
}

func TestMetrics_Nodes(t *testing.T) {
	m := New()

	m.NodeSpawned(1)
	m.NodeSpawned(2)
	m.SetActiveNodes(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.nodesSpawned))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.nodesActive))
}

func TestMetrics_Swarm(t *testing.T) {
	m := New()

	m.SwarmSettled(model.SwarmExecutionResult{Status: model.ExecutionPartial, TotalDuration: time.Second, ParallelismVerified: true})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.swarms.WithLabelValues("partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.parallelism))

	m.SwarmSettled(model.SwarmExecutionResult{Status: model.ExecutionFailed})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.parallelism))
}

func TestMetrics_PhaseResolved(t *testing.T) {
	m := New()
	m.PhaseResolved(model.PhaseAnalysis)
	m.PhaseResolved(model.PhaseAnalysis)
	m.PhaseResolved(model.PhaseScrum)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.phaseTransitions.WithLabelValues("analysis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.phaseTransitions.WithLabelValues("scrum")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.phaseCurrent.WithLabelValues("scrum")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.phaseCurrent.WithLabelValues("analysis")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.phaseCurrent.WithLabelValues("finished")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.NodeSpawned(1)
		m.SetActiveNodes(0)
		m.TaskRetried()
		m.LockWaited(time.Millisecond)
		m.TaskSettled(model.DeveloperTaskResult{})
		m.SwarmSettled(model.SwarmExecutionResult{})
		m.PhaseResolved(model.PhaseIdle)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.NodeSpawned(3)
	m.LockWaited(5 * time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "devswarm_swarm_nodes_active 3")
	assert.Contains(t, body, "devswarm_swarm_lock_wait_seconds_count 1")
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
