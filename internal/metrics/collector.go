package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the Prometheus metrics for the regulatory engine
type Collector struct {
	EventsProcessed   *prometheus.CounterVec
	EventsDuplicate   prometheus.Counter
	EventsDeadLetter  *prometheus.CounterVec
	EventRetries      prometheus.Counter
	ProcessingLatency prometheus.Histogram

	ReportsRequested   *prometheus.CounterVec
	ReportsCompleted   *prometheus.CounterVec
	ReportDuration     prometheus.Histogram
	ReportTransitions  *prometheus.CounterVec
	ReportsInvalidated prometheus.Counter

	AuditAppends *prometheus.CounterVec
}

// NewCollector creates the metric collectors and registers them with the
// given registerer. Pass prometheus.DefaultRegisterer in production and a
// fresh registry in tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regulatory_events_processed_total",
			Help: "Total number of regulatory events processed, by change type",
		}, []string{"change_type"}),

		EventsDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Name: "regulatory_events_duplicate_total",
			Help: "Total number of duplicate event deliveries absorbed",
		}),

		EventsDeadLetter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regulatory_events_dead_letter_total",
			Help: "Total number of events routed to the dead letter topic, by reason",
		}, []string{"reason"}),

		EventRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "regulatory_event_retries_total",
			Help: "Total number of event processing retries",
		}),

		ProcessingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "regulatory_event_processing_seconds",
			Help:    "Event processing latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),

		ReportsRequested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regulatory_reports_requested_total",
			Help: "Total number of report generation requests, by report type",
		}, []string{"report_type"}),

		ReportsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regulatory_reports_completed_total",
			Help: "Total number of completed report generations, by outcome",
		}, []string{"status"}),

		ReportDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "regulatory_report_generation_seconds",
			Help:    "Report generation duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		ReportTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regulatory_report_transitions_total",
			Help: "Total number of report status transitions",
		}, []string{"from", "to"}),

		ReportsInvalidated: factory.NewCounter(prometheus.CounterOpts{
			Name: "regulatory_reports_invalidated_total",
			Help: "Total number of reports marked stale by rule changes",
		}),

		AuditAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regulatory_audit_appends_total",
			Help: "Total number of audit trail entries appended, by entry type",
		}, []string{"entry_type"}),
	}
}
