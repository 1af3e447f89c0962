package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "coderoom"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	CodeFindings      *prometheus.CounterVec
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram

	LedgerWrites    *prometheus.CounterVec
	LedgerEvictions prometheus.Counter

	SessionsCreated   *prometheus.CounterVec
	SessionMutations  *prometheus.CounterVec
	SessionsSwept     prometheus.Counter
	OnlineConnections prometheus.Gauge
	BroadcastEvents   *prometheus.CounterVec
	BroadcastDropped  prometheus.Counter

	RequestsInFlight prometheus.Gauge
	QuotaRejections  *prometheus.CounterVec
	Milestones       *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Sandbox runs by outcome (ok, error, timeout).",
		}, []string{"status"}),

		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Wall time of sandbox runs.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}),

		ExecutionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "execution_errors_total",
			Help:      "Rejected or failed runs by error type.",
		}, []string{"type"}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "active_executions",
			Help:      "Runs currently in progress.",
		}),

		CodeFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "code_findings_total",
			Help:      "Advisory code scan findings by pattern.",
		}, []string{"pattern"}),

		CodeSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "code_size_bytes",
			Help:      "Size of submitted code in bytes.",
			Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
		}),

		OutputSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "output_size_bytes",
			Help:      "Size of returned stdout plus stderr in bytes.",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
		}),

		LedgerWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "writes_total",
			Help:      "Ledger writes by result.",
		}, []string{"result"}),

		LedgerEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "evictions_total",
			Help:      "Entries evicted by the per-owner cap.",
		}),

		SessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Sessions created by kind.",
		}, []string{"kind"}),

		SessionMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "mutations_total",
			Help:      "Session mutations by type and result.",
		}, []string{"type", "result"}),

		SessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "swept_total",
			Help:      "Sessions deactivated by the sweeper.",
		}),

		OnlineConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "connections",
			Help:      "Open session connections.",
		}),

		BroadcastEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "events_total",
			Help:      "Events delivered to subscribers by type.",
		}, []string{"type"}),

		BroadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber fell behind.",
		}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed.",
		}),

		QuotaRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "quota_rejections_total",
			Help:      "Requests rejected by per-user quotas, by route.",
		}, []string{"route"}),

		Milestones: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "milestones_total",
			Help:      "First-time user milestones reached.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.CodeFindings,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
		m.LedgerWrites,
		m.LedgerEvictions,
		m.SessionsCreated,
		m.SessionMutations,
		m.SessionsSwept,
		m.OnlineConnections,
		m.BroadcastEvents,
		m.BroadcastDropped,
		m.RequestsInFlight,
		m.QuotaRejections,
		m.Milestones,
	)

	return m
}

// RecordExecution records metrics for a finished run.
func (m *Metrics) RecordExecution(status string, durationSec float64, codeBytes, outputBytes int) {
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.Observe(durationSec)
	m.CodeSizeBytes.Observe(float64(codeBytes))
	m.OutputSizeBytes.Observe(float64(outputBytes))
}

// RecordError records an execution error by type.
func (m *Metrics) RecordError(errType string) {
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordFindings counts advisory scan findings.
func (m *Metrics) RecordFindings(findings []Finding) {
	for _, f := range findings {
		m.CodeFindings.WithLabelValues(f.Pattern).Inc()
	}
}

// RecordMutation counts a session mutation outcome.
func (m *Metrics) RecordMutation(kind, result string) {
	m.SessionMutations.WithLabelValues(kind, result).Inc()
}
