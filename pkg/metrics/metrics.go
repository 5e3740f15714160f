package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lucid-vigil/agentwatch/pkg/detection"
	"github.com/lucid-vigil/agentwatch/pkg/events"
)

const namespace = "agentwatch"

// Metrics holds all the Prometheus metrics for the daemon
type Metrics struct {
	EventsAnalyzed     *prometheus.CounterVec
	Results            *prometheus.CounterVec
	KillChains         *prometheus.CounterVec
	Correlations       *prometheus.CounterVec
	RiskScore          prometheus.Histogram
	AnalysisDuration   prometheus.Histogram
	Sessions           prometheus.Gauge
	DuplicatesDropped  prometheus.Counter
	DispatchDropped    prometheus.Counter
	IngestRejected     prometheus.Counter
	ActionErrors       prometheus.Counter
	SessionsSwept      prometheus.Counter
	ProcessMemoryBytes prometheus.Gauge
}

// NewMetrics registers every metric with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		EventsAnalyzed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_analyzed_total",
			Help:      "Total number of agent events analysed, by event type",
		}, []string{"event_type"}),
		Results: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Total number of analysis results, by risk level",
		}, []string{"level"}),
		KillChains: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kill_chains_total",
			Help:      "Total number of kill chains completed, by chain",
		}, []string{"chain"}),
		Correlations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlations_total",
			Help:      "Total number of correlation rules fired, by rule",
		}, []string{"rule"}),
		RiskScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Distribution of clamped risk scores",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		AnalysisDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Time spent analysing one event",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of sessions with buffered history",
		}),
		DuplicatesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_dropped_total",
			Help:      "Total number of replayed events dropped before analysis",
		}),
		DispatchDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_dropped_total",
			Help:      "Total number of events dropped because a dispatch queue was full",
		}),
		IngestRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rejected_total",
			Help:      "Total number of feed records rejected",
		}),
		ActionErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_errors_total",
			Help:      "Total number of failed alert actions",
		}),
		SessionsSwept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_swept_total",
			Help:      "Total number of idle sessions discarded",
		}),
		ProcessMemoryBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_resident_memory_bytes",
			Help:      "Resident memory of the daemon as last sampled",
		}),
	}
}

// ObserveResult records one analysis.
func (m *Metrics) ObserveResult(ev events.SecurityEvent, result detection.AnalysisResult, took time.Duration) {
	m.EventsAnalyzed.WithLabelValues(string(ev.Type)).Inc()
	m.Results.WithLabelValues(string(result.Level)).Inc()
	for _, name := range result.MatchedKillChains {
		m.KillChains.WithLabelValues(name).Inc()
	}
	for _, name := range result.MatchedCorrelations {
		m.Correlations.WithLabelValues(name).Inc()
	}
	m.RiskScore.Observe(float64(result.Score))
	m.AnalysisDuration.Observe(took.Seconds())
}
