package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, c.Registry())
	assert.NotNil(t, c.httpRequestsTotal)
	assert.NotNil(t, c.tasksTotal)
	assert.NotNil(t, c.circuitState)
	assert.NotNil(t, c.bugEventsTotal)

	// private registries never collide
	assert.NotPanics(t, func() { NewCollector("shared", nil) })
	assert.NotPanics(t, func() { NewCollector("shared", nil) })
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordHTTPRequest("GET", "/api/v1/tasks", 200, 100*time.Millisecond)
	c.RecordHTTPRequest("GET", "/api/v1/tasks", 201, 50*time.Millisecond)
	c.RecordHTTPRequest("POST", "/api/v1/tasks", 503, 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/api/v1/tasks", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/api/v1/tasks", "5xx")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.httpRequestDuration))
}

func TestCollector_Tasks(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordTask("video", "completed", "", time.Second)
	c.RecordTask("video", "failed", "TIMEOUT", 30*time.Second)
	c.RecordTask("video", "failed", "TIMEOUT", 30*time.Second)
	c.RecordForward("hive-b", "completed")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksTotal.WithLabelValues("video", "completed", "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.tasksTotal.WithLabelValues("video", "failed", "TIMEOUT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksForwarded.WithLabelValues("hive-b", "completed")))
}

func TestCollector_GaugesReplacePreviousValues(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.SetWorkers(map[string]int{"idle": 2, "busy": 1})
	assert.Equal(t, 2, testutil.CollectAndCount(c.workers))

	c.SetWorkers(map[string]int{"offline": 3})
	assert.Equal(t, 1, testutil.CollectAndCount(c.workers))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.workers.WithLabelValues("offline")))

	c.SetPending(map[string]int{"chat": 4})
	assert.Equal(t, 4.0, testutil.ToFloat64(c.pendingTasks.WithLabelValues("chat")))

	c.SetHives(map[string]int{"reachable": 1, "degraded": 1})
	assert.Equal(t, 2, testutil.CollectAndCount(c.hives))

	c.SetBugPatterns(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(c.bugPatterns))
}

func TestCollector_FuncMetrics(t *testing.T) {
	ns := nextTestNamespace()
	c := NewCollector(ns, zap.NewNop())

	var sent, members float64 = 3, 2
	require.NoError(t, c.CounterFunc("bus_messages_sent_total", "Messages sent", func() float64 { return sent }))
	require.NoError(t, c.GaugeFunc("bus_members", "Joined workers", func() float64 { return members }))
	assert.Error(t, c.CounterFunc("bus_messages_sent_total", "again", func() float64 { return 0 }), "duplicate names are rejected")

	sent = 5
	var buf bytes.Buffer
	require.NoError(t, c.WriteText(&buf))
	assert.Contains(t, buf.String(), ns+"_bus_messages_sent_total 5")
	assert.Contains(t, buf.String(), ns+"_bus_members 2")
}

func TestCollector_ModelsAndCircuits(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordModelCall("claude-sonnet", "gemini-flash", "fallback", 200*time.Millisecond)
	c.RecordCircuitTransition("claude-sonnet", "CLOSED", "OPEN", 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.modelCallsTotal.WithLabelValues("claude-sonnet", "gemini-flash", "fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.circuitTransitions.WithLabelValues("claude-sonnet", "CLOSED", "OPEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.circuitState.WithLabelValues("claude-sonnet")))

	c.RecordCircuitTransition("claude-sonnet", "OPEN", "HALF_OPEN", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.circuitState.WithLabelValues("claude-sonnet")))
}

func TestCollector_WriteText(t *testing.T) {
	ns := nextTestNamespace()
	c := NewCollector(ns, zap.NewNop())
	c.RecordBugEvent("pattern_created", "high")
	c.RecordTask("chat", "completed", "", time.Millisecond)

	var buf bytes.Buffer
	require.NoError(t, c.WriteText(&buf))
	out := buf.String()

	assert.Contains(t, out, "# HELP "+ns+"_bug_events_total Total number of pattern miner events")
	assert.Contains(t, out, "# TYPE "+ns+"_bug_events_total counter")
	assert.Contains(t, out, ns+`_bug_events_total{event="pattern_created",severity="high"} 1`)
	assert.Contains(t, out, "# TYPE "+ns+"_task_duration_seconds histogram")
	assert.Contains(t, out, "go_goroutines")
}

func TestCollector_Handler(t *testing.T) {
	ns := nextTestNamespace()
	c := NewCollector(ns, zap.NewNop())
	c.RecordModelCall("gpt-4o", "gpt-4o", "success", time.Second)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, ns+`_model_calls_total{model="gpt-4o",model_used="gpt-4o",status="success"} 1`), body)
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{429, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, statusCode(tt.code))
		})
	}
}
