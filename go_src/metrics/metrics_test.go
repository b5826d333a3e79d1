package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"squareoff/go_src/job_queue"
	"squareoff/go_src/reconcile"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueHooks(t *testing.T) {
	m := New()
	hooks := m.QueueHooks()
	task := job_queue.ExitTask{TaskID: "t1", OrderID: "A1"}

	hooks.OnCompleted(task, job_queue.Done("closed"))
	hooks.OnCompleted(task, job_queue.Done("not open"))
	hooks.OnRetry(task, job_queue.Retry("timeout"), 10*time.Second)
	hooks.OnFailed(task, "attempts exhausted")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ExitTasks.WithLabelValues("done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExitTasks.WithLabelValues("retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExitTasks.WithLabelValues("failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ExitRetryDelay))
}

func TestObserveReconcile(t *testing.T) {
	m := New()
	m.ObserveReconcile(reconcile.Report{Checked: 5, Closed: 2, Failed: 1, Duration: time.Second}, nil)
	m.ObserveReconcile(reconcile.Report{}, errors.New("db down"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileRuns.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileRuns.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReconcileItems.WithLabelValues("closed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ReconcileItems.WithLabelValues("open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileItems.WithLabelValues("error")))
}

func TestObserveScheduled(t *testing.T) {
	m := New()
	m.ObserveScheduled(nil)
	m.ObserveScheduled(errors.New("channel closed"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExitTasksScheduled.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExitTasksScheduled.WithLabelValues("error")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ExitTasks.WithLabelValues("done").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `squareoff_exit_tasks_total{outcome="done"} 1`), body)
}

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.ExitTasks.WithLabelValues("done").Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ExitTasks.WithLabelValues("done")))
}
