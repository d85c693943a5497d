package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the orchestrator daemon: a
// registry-per-instance, *Vec-per-concern, Record* method
// shape covering dispatch, agent-phase, conflict, and HTTP.
type Metrics struct {
	config   *MetricsConfig
	registry *prometheus.Registry

	dispatchTicks      prometheus.Counter
	dispatchRunning    prometheus.Gauge
	dispatchQueueDepth prometheus.Gauge

	phaseRuns        *prometheus.CounterVec
	phaseDuration    *prometheus.HistogramVec
	phaseResult      *prometheus.CounterVec
	completionRetry  *prometheus.CounterVec

	conflictAnalyses *prometheus.CounterVec
	conflictVerdicts *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics constructs a Metrics instance, or returns (nil, nil) if
// metrics are disabled.
func NewMetrics(cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	cfg.SetDefaults()

	m := &Metrics{config: cfg, registry: prometheus.NewRegistry()}
	m.initDispatchMetrics()
	m.initPhaseMetrics()
	m.initConflictMetrics()
	m.initHTTPMetrics()
	return m, nil
}

func (m *Metrics) initDispatchMetrics() {
	m.dispatchTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: m.config.Namespace,
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Total number of dispatch loop ticks",
	})
	m.dispatchRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: m.config.Namespace,
		Subsystem: "scheduler",
		Name:      "running_agents",
		Help:      "Number of currently running agent phases",
	})
	m.dispatchQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: m.config.Namespace,
		Subsystem: "scheduler",
		Name:      "ready_queue_depth",
		Help:      "Number of READY work units fetched on the last dispatch tick (at most max_agents minus running)",
	})
	m.registry.MustRegister(m.dispatchTicks, m.dispatchRunning, m.dispatchQueueDepth)
}

func (m *Metrics) initPhaseMetrics() {
	m.phaseRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "phase",
			Name:      "runs_total",
			Help:      "Total number of agent phase invocations",
		},
		[]string{"phase"},
	)
	m.phaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Subsystem: "phase",
			Name:      "duration_seconds",
			Help:      "Agent phase run duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 15), // 1s to ~4.5h
		},
		[]string{"phase"},
	)
	m.phaseResult = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "phase",
			Name:      "results_total",
			Help:      "Total number of agent phase results by kind",
		},
		[]string{"phase", "result"},
	)
	m.completionRetry = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "phase",
			Name:      "completion_retries_total",
			Help:      "Total number of completion-verification retries",
		},
		[]string{"chunk"},
	)
	m.registry.MustRegister(m.phaseRuns, m.phaseDuration, m.phaseResult, m.completionRetry)
}

func (m *Metrics) initConflictMetrics() {
	m.conflictAnalyses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "conflict",
			Name:      "analyses_total",
			Help:      "Total number of conflict oracle analyses run",
		},
		[]string{"step"},
	)
	m.conflictVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "conflict",
			Name:      "verdicts_total",
			Help:      "Total number of conflict verdicts by kind",
		},
		[]string{"verdict"},
	)
	m.registry.MustRegister(m.conflictAnalyses, m.conflictVerdicts)
}

func (m *Metrics) initHTTPMetrics() {
	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	m.registry.MustRegister(m.httpRequests, m.httpDuration)
}

// RecordTick increments the dispatch-loop tick counter and sets the
// running-agent and ready-queue gauges for the tick just completed.
func (m *Metrics) RecordTick(running, queueDepth int) {
	if m == nil {
		return
	}
	m.dispatchTicks.Inc()
	m.dispatchRunning.Set(float64(running))
	m.dispatchQueueDepth.Set(float64(queueDepth))
}

// RecordPhaseRun records one agent phase invocation's duration and result.
func (m *Metrics) RecordPhaseRun(phase, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.phaseRuns.WithLabelValues(phase).Inc()
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
	m.phaseResult.WithLabelValues(phase, result).Inc()
}

// RecordCompletionRetry records one completion-verification retry for chunk.
func (m *Metrics) RecordCompletionRetry(chunk string) {
	if m == nil {
		return
	}
	m.completionRetry.WithLabelValues(chunk).Inc()
}

// RecordConflictAnalysis counts one conflict analysis under the given
// step label and counts the verdict it produced.
func (m *Metrics) RecordConflictAnalysis(step, verdict string) {
	if m == nil {
		return
	}
	m.conflictAnalyses.WithLabelValues(step).Inc()
	m.conflictVerdicts.WithLabelValues(verdict).Inc()
}

// RecordHTTPRequest records one completed HTTP request/response.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler exposes the registry for scraping at /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
