package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics is the Prometheus metric set for the request lifecycle
// engine. A nil *Metrics is safe to call; every method no-ops.
type Metrics struct {
	requestsAdmitted   *prometheus.CounterVec
	requestsReplayed   prometheus.Counter
	requestsConflicted prometheus.Counter
	policyDenials      prometheus.Counter
	translateErrors    *prometheus.CounterVec
	translateDuration  prometheus.Histogram

	tasksExecuted *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec

	callbacksIngested *prometheus.CounterVec
	callbackErrors    *prometheus.CounterVec
	pollErrors        *prometheus.CounterVec

	tickDuration prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics creates the metric set on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "conduct"
	}
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requestsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_admitted_total",
			Help:      "Requests admitted, by operation.",
		}, []string{"operation"}),
		requestsReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_replayed_total",
			Help:      "Idempotent replays of previously admitted requests.",
		}),
		requestsConflicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_conflicts_total",
			Help:      "Reused idempotency keys with differing fingerprints.",
		}),
		policyDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_denials_total",
			Help:      "Requests denied by the policy gate.",
		}),
		translateErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "translate_errors_total",
			Help:      "Translation failures, by error kind.",
		}, []string{"kind"}),
		translateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "translate_duration_seconds",
			Help:      "Translator latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		tasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_executed_total",
			Help:      "Task executions, by backend and resulting status.",
		}, []string{"backend", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Adapter execute latency, by backend.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		callbacksIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_ingested_total",
			Help:      "Callbacks folded into task results, by backend.",
		}, []string{"backend"}),
		callbackErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_errors_total",
			Help:      "Rejected callbacks, by error kind.",
		}, []string{"kind"}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "checkStatus failures left for retry, by backend.",
		}, []string{"backend"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "runner_tick_duration_seconds",
			Help:      "Runner tick latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.requestsAdmitted, m.requestsReplayed, m.requestsConflicted,
		m.policyDenials, m.translateErrors, m.translateDuration,
		m.tasksExecuted, m.taskDuration,
		m.callbacksIngested, m.callbackErrors, m.pollErrors,
		m.tickDuration,
	)
	return m
}

// RequestAdmitted counts a freshly admitted request.
func (m *Metrics) RequestAdmitted(operation string) {
	if m == nil {
		return
	}
	m.requestsAdmitted.WithLabelValues(operation).Inc()
}

// RequestReplayed counts an idempotent replay.
func (m *Metrics) RequestReplayed() {
	if m == nil {
		return
	}
	m.requestsReplayed.Inc()
}

// IdempotencyConflict counts a rejected key reuse.
func (m *Metrics) IdempotencyConflict() {
	if m == nil {
		return
	}
	m.requestsConflicted.Inc()
}

// PolicyDenied counts a gate denial.
func (m *Metrics) PolicyDenied() {
	if m == nil {
		return
	}
	m.policyDenials.Inc()
}

// TranslateError counts a translation failure by kind.
func (m *Metrics) TranslateError(kind string) {
	if m == nil {
		return
	}
	m.translateErrors.WithLabelValues(kind).Inc()
}

// ObserveTranslate records translator latency.
func (m *Metrics) ObserveTranslate(d time.Duration) {
	if m == nil {
		return
	}
	m.translateDuration.Observe(d.Seconds())
}

// TaskExecuted counts a task execution outcome.
func (m *Metrics) TaskExecuted(backend, status string) {
	if m == nil {
		return
	}
	m.tasksExecuted.WithLabelValues(backend, status).Inc()
}

// ObserveTask records adapter execute latency.
func (m *Metrics) ObserveTask(backend string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// CallbackIngested counts a folded callback.
func (m *Metrics) CallbackIngested(backend string) {
	if m == nil {
		return
	}
	m.callbacksIngested.WithLabelValues(backend).Inc()
}

// CallbackError counts a rejected callback by kind.
func (m *Metrics) CallbackError(kind string) {
	if m == nil {
		return
	}
	m.callbackErrors.WithLabelValues(kind).Inc()
}

// PollError counts a checkStatus failure left for retry.
func (m *Metrics) PollError(backend string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(backend).Inc()
}

// ObserveTick records runner tick latency.
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

// Handler serves the Prometheus exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HistogramSnapshot is a point-in-time histogram view.
type HistogramSnapshot struct {
	Count   uint64            `json:"count"`
	Sum     float64           `json:"sum"`
	Buckets map[string]uint64 `json:"buckets"`
}

// Snapshot renders every counter and histogram in the registry as a
// JSON-friendly structure for the metrics endpoint.
type Snapshot struct {
	Counters   map[string]float64           `json:"counters"`
	Histograms map[string]HistogramSnapshot `json:"histograms"`
}

// Snapshot gathers the registry into counter and histogram maps. Metric
// label sets are flattened into the key.
func (m *Metrics) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{
		Counters:   make(map[string]float64),
		Histograms: make(map[string]HistogramSnapshot),
	}
	if m == nil {
		return snap, nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			key := metricKey(fam.GetName(), metric)
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				snap.Counters[key] = metric.GetCounter().GetValue()
			case dto.MetricType_HISTOGRAM:
				h := metric.GetHistogram()
				buckets := make(map[string]uint64, len(h.GetBucket()))
				for _, b := range h.GetBucket() {
					buckets[fmt.Sprintf("%g", b.GetUpperBound())] = b.GetCumulativeCount()
				}
				snap.Histograms[key] = HistogramSnapshot{
					Count:   h.GetSampleCount(),
					Sum:     h.GetSampleSum(),
					Buckets: buckets,
				}
			}
		}
	}
	return snap, nil
}

func metricKey(name string, metric *dto.Metric) string {
	labels := metric.GetLabel()
	if len(labels) == 0 {
		return name
	}
	key := name
	for _, l := range labels {
		key += fmt.Sprintf("{%s=%s}", l.GetName(), l.GetValue())
	}
	return key
}
