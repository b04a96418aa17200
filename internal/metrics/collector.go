package metrics

import (
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
)

// =============================================================================
// Collector
// =============================================================================

// Collector owns a private registry with every hivemind metric.
type Collector struct {
	registry  *prometheus.Registry
	namespace string

	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Tasks
	tasksTotal         *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	tasksForwarded     *prometheus.CounterVec
	workers            *prometheus.GaugeVec
	pendingTasks       *prometheus.GaugeVec
	hives              *prometheus.GaugeVec

	// Models
	modelCallsTotal    *prometheus.CounterVec
	modelCallDuration  *prometheus.HistogramVec
	circuitState       *prometheus.GaugeVec
	circuitTransitions *prometheus.CounterVec

	// Bugs
	bugEventsTotal *prometheus.CounterVec
	bugPatterns    prometheus.Gauge

	logger *zap.Logger
}

// NewCollector creates a collector whose metrics live under namespace. Go
// runtime and process metrics are registered as well.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)
	f := promauto.With(reg)

	c := &Collector{
		registry:  reg,
		namespace: namespace,
		logger:    logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.tasksTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total number of terminal tasks",
		},
		[]string{"capability", "status", "code"},
	)
	c.taskDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from task creation to completion in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"capability"},
	)
	c.tasksForwarded = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_forwarded_total",
			Help:      "Total number of tasks forwarded to peer hives",
		},
		[]string{"hive", "status"},
	)
	c.workers = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Number of registered workers by status",
		},
		[]string{"status"},
	)
	c.pendingTasks = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_tasks",
			Help:      "Number of queued tasks by capability",
		},
		[]string{"capability"},
	)
	c.hives = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hives",
			Help:      "Number of known peer hives by status",
		},
		[]string{"status"},
	)

	c.modelCallsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Total number of model calls",
		},
		[]string{"model", "model_used", "status"},
	)
	c.modelCallDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Model call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)
	c.circuitState = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit state per model (0=closed, 1=open, 2=half_open)",
		},
		[]string{"model"},
	)
	c.circuitTransitions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Total number of circuit state transitions",
		},
		[]string{"model", "from_state", "to_state"},
	)

	c.bugEventsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bug_events_total",
			Help:      "Total number of pattern miner events",
		},
		[]string{"event", "severity"},
	)
	c.bugPatterns = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bug_patterns",
			Help:      "Number of known bug patterns",
		},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(c.logger),
	})
}

// WriteText writes every metric family in the text exposition format.
func (c *Collector) WriteText(w io.Writer) error {
	families, err := c.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HTTP
// =============================================================================

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// Tasks
// =============================================================================

// RecordTask records a terminal task. code is empty for completed tasks.
func (c *Collector) RecordTask(capability, status, code string, duration time.Duration) {
	c.tasksTotal.WithLabelValues(capability, status, code).Inc()
	c.taskDuration.WithLabelValues(capability).Observe(duration.Seconds())
}

// RecordForward records the outcome of a task forwarded to hive.
func (c *Collector) RecordForward(hive, status string) {
	c.tasksForwarded.WithLabelValues(hive, status).Inc()
}

// SetWorkers replaces the worker gauges.
func (c *Collector) SetWorkers(byStatus map[string]int) {
	c.workers.Reset()
	for status, n := range byStatus {
		c.workers.WithLabelValues(status).Set(float64(n))
	}
}

// SetPending replaces the pending queue gauges.
func (c *Collector) SetPending(byCapability map[string]int) {
	c.pendingTasks.Reset()
	for capability, n := range byCapability {
		c.pendingTasks.WithLabelValues(capability).Set(float64(n))
	}
}

// SetHives replaces the peer hive gauges.
func (c *Collector) SetHives(byStatus map[string]int) {
	c.hives.Reset()
	for status, n := range byStatus {
		c.hives.WithLabelValues(status).Set(float64(n))
	}
}

// CounterFunc registers a counter read from fn at scrape time. Components
// that already keep cumulative counts (bus, gateway) are exported this way.
func (c *Collector) CounterFunc(name, help string, fn func() float64) error {
	return c.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// GaugeFunc registers a gauge read from fn at scrape time.
func (c *Collector) GaugeFunc(name, help string, fn func() float64) error {
	return c.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// =============================================================================
// Models
// =============================================================================

// RecordModelCall records a CallModel outcome.
func (c *Collector) RecordModelCall(model, modelUsed, status string, duration time.Duration) {
	c.modelCallsTotal.WithLabelValues(model, modelUsed, status).Inc()
	c.modelCallDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordCircuitTransition records a circuit state change. state is the
// numeric value of the new state.
func (c *Collector) RecordCircuitTransition(model, from, to string, state int) {
	c.circuitTransitions.WithLabelValues(model, from, to).Inc()
	c.circuitState.WithLabelValues(model).Set(float64(state))
}

// =============================================================================
// Bugs
// =============================================================================

// RecordBugEvent counts a pattern miner event.
func (c *Collector) RecordBugEvent(event, severity string) {
	c.bugEventsTotal.WithLabelValues(event, severity).Inc()
}

// SetBugPatterns sets the number of known patterns.
func (c *Collector) SetBugPatterns(n int) {
	c.bugPatterns.Set(float64(n))
}

// =============================================================================
// Helpers
// =============================================================================

func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
