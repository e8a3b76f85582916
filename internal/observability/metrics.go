package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	actionDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for advflow.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowTransitionsTotal *prometheus.CounterVec
	WorkflowPausesTotal      *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowLiveInstances    *prometheus.GaugeVec
	WorkflowChainLimitTotal  *prometheus.CounterVec

	// Action metrics
	ActionExecutionsTotal *prometheus.CounterVec
	ActionDuration        *prometheus.HistogramVec

	// Scheduler metrics
	JobsScheduledTotal *prometheus.CounterVec
	JobsProcessedTotal *prometheus.CounterVec

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec

	// Cache metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
	IdempotentReplaysTotal     prometheus.Counter

	// Definition metrics
	DefinitionWritesTotal *prometheus.CounterVec
	TemplateImportsTotal  *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "advflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "advflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "advflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advflow_workflow_starts_total",
			Help: "Total number of workflow starts.",
		}, []string{"definition_id"}),
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advflow_workflow_transitions_total",
			Help: "Total number of transitions taken, by trigger (auto or manual).",
		}, []string{"definition_id", "trigger"}),
		WorkflowPausesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advflow_workflow_pauses_total",
			Help: "Total number of times an instance paused awaiting a decision.",
		}, []string{"definition_id"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advflow_workflow_completions_total",
			Help: "Total number of workflows reaching a terminal status.",
		}, []string{"definition_id", "final_status"}),
		WorkflowLiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "advflow_workflow_live_instances",
			Help: "Number of active or paused workflow instances started by this process.",
		}, []string{"definition_id"}),
		WorkflowChainLimitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advflow_workflow_chain_limit_total",
			Help: "Total number of runs suspended by the auto-advance chain limit.",
		}, []string{"definition_id"}),

		// Actions
		ActionExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advflow_action_executions_total",
			Help: "Total number of action executions by behavior and outcome.",
		}, []string{"behavior", "outcome"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "advflow_action_duration_seconds",
			Help:    "Action execution duration in seconds.",
			Buckets: actionDurationBuckets,
		}, []string{"behavior"}),

		// Scheduler
		JobsScheduledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advflow_jobs_scheduled_total",
			Help: "Total number of jobs scheduled.",
		}, []string{"kind"}),
		JobsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advflow_jobs_processed_total",
			Help: "Total number of jobs processed by outcome.",
		}, []string{"kind", "outcome"}),

		// Notifications
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advflow_notifications_total",
			Help: "Total number of notifications sent.",
		}, []string{"status"}),

		// Cache
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "advflow_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "advflow_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),
		IdempotentReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "advflow_idempotent_replays_total",
			Help: "Total responses replayed from the idempotency store.",
		}),

		// Definitions
		DefinitionWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advflow_definition_writes_total",
			Help: "Total number of definition graph writes.",
		}, []string{"operation", "status"}),
		TemplateImportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advflow_template_imports_total",
			Help: "Total number of template materializations.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "advflow_definitions_loaded",
			Help: "Number of definitions in the store.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.WorkflowStartsTotal,
		m.WorkflowTransitionsTotal,
		m.WorkflowPausesTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowLiveInstances,
		m.WorkflowChainLimitTotal,
		m.ActionExecutionsTotal,
		m.ActionDuration,
		m.JobsScheduledTotal,
		m.JobsProcessedTotal,
		m.NotificationsTotal,
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.IdempotentReplaysTotal,
		m.DefinitionWritesTotal,
		m.TemplateImportsTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---
//
// Every helper is safe to call on a nil *Metrics so components can run
// without a registry in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowStart records a workflow start.
func (m *Metrics) RecordWorkflowStart(definitionID string) {
	if m == nil {
		return
	}
	m.WorkflowStartsTotal.WithLabelValues(definitionID).Inc()
	m.WorkflowLiveInstances.WithLabelValues(definitionID).Inc()
}

// RecordWorkflowTransition records a transition. trigger is "auto" or "manual".
func (m *Metrics) RecordWorkflowTransition(definitionID, trigger string) {
	if m == nil {
		return
	}
	m.WorkflowTransitionsTotal.WithLabelValues(definitionID, trigger).Inc()
}

// RecordWorkflowPause records an instance pausing.
func (m *Metrics) RecordWorkflowPause(definitionID string) {
	if m == nil {
		return
	}
	m.WorkflowPausesTotal.WithLabelValues(definitionID).Inc()
}

// RecordWorkflowCompletion records a workflow reaching a terminal status.
func (m *Metrics) RecordWorkflowCompletion(definitionID, finalStatus string) {
	if m == nil {
		return
	}
	m.WorkflowCompletionsTotal.WithLabelValues(definitionID, finalStatus).Inc()
	m.WorkflowLiveInstances.WithLabelValues(definitionID).Dec()
}

// RecordChainLimit records a run suspended by the chain limit.
func (m *Metrics) RecordChainLimit(definitionID string) {
	if m == nil {
		return
	}
	m.WorkflowChainLimitTotal.WithLabelValues(definitionID).Inc()
}

// RecordActionExecution records one behavior execution. outcome is one of
// "finished", "waiting" or "error".
func (m *Metrics) RecordActionExecution(behavior, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ActionExecutionsTotal.WithLabelValues(behavior, outcome).Inc()
	m.ActionDuration.WithLabelValues(behavior).Observe(duration.Seconds())
}

// RecordJobScheduled records a job handed to the scheduler.
func (m *Metrics) RecordJobScheduled(kind string) {
	if m == nil {
		return
	}
	m.JobsScheduledTotal.WithLabelValues(kind).Inc()
}

// RecordJobProcessed records a job run by the scheduler runner.
func (m *Metrics) RecordJobProcessed(kind, outcome string) {
	if m == nil {
		return
	}
	m.JobsProcessedTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordNotification records a notification send attempt.
func (m *Metrics) RecordNotification(status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(status).Inc()
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	if m == nil {
		return
	}
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	if m == nil {
		return
	}
	m.CapabilityCacheMissesTotal.Inc()
}

// RecordIdempotentReplay records a response served from the idempotency store.
func (m *Metrics) RecordIdempotentReplay() {
	if m == nil {
		return
	}
	m.IdempotentReplaysTotal.Inc()
}

// RecordDefinitionWrite records an authoring operation on a definition.
func (m *Metrics) RecordDefinitionWrite(operation, status string) {
	if m == nil {
		return
	}
	m.DefinitionWritesTotal.WithLabelValues(operation, status).Inc()
}

// RecordTemplateImport records a template materialization.
func (m *Metrics) RecordTemplateImport(status string) {
	if m == nil {
		return
	}
	m.TemplateImportsTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of stored definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
