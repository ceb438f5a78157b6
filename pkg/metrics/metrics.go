package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Work item metrics
	WorkItemsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coord_work_items_total",
			Help: "Total number of work items by status",
		},
		[]string{"status"},
	)

	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coord_agents_total",
			Help: "Total number of registered agents by status",
		},
		[]string{"status"},
	)

	ClaimConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coord_claim_conflicts_total",
			Help: "Total number of claim attempts rejected as AlreadyClaimed",
		},
	)

	PCSContentionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coord_pcs_contention_total",
			Help: "Total number of PCS lock-contention retries by collection",
		},
		[]string{"collection"},
	)

	PCSMutateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coord_pcs_mutate_duration_seconds",
			Help:    "Time taken for a PCS mutate call in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	// Coordinator operation metrics
	CoordinatorOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coord_coordinator_operation_duration_seconds",
			Help:    "Time taken for a coordinator operation in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CoordinatorOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coord_coordinator_operations_total",
			Help: "Total number of coordinator operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// Reactor metrics
	ReactorStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coord_reactor_step_duration_seconds",
			Help:    "Time taken to run a reactor step in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	ReactorStepRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coord_reactor_step_retries_total",
			Help: "Total number of reactor step retries",
		},
		[]string{"step"},
	)

	ReactorCompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coord_reactor_compensations_total",
			Help: "Total number of step undo/compensate invocations by outcome",
		},
		[]string{"step", "outcome"},
	)

	// Telemetry pipeline metrics
	SpanQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coord_span_queue_depth",
			Help: "Current number of spans buffered in the telemetry queue",
		},
	)

	SpansDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coord_spans_dropped_total",
			Help: "Total number of spans dropped because the queue was full",
		},
	)

	SpansEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coord_spans_emitted_total",
			Help: "Total number of spans written to a sink",
		},
		[]string{"sink", "status"},
	)

	OTLPExportDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coord_otlp_export_duration_seconds",
			Help:    "Time taken to flush a span batch to the OTLP endpoint in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Optimization loop metrics
	OptimizationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coord_optimization_cycles_total",
			Help: "Total number of optimization cycles completed",
		},
	)

	OptimizationCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coord_optimization_cycle_duration_seconds",
			Help:    "Time taken for an optimization cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkItemsCreatedByOptimizer = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coord_optimizer_work_items_created_total",
			Help: "Total number of remedial work items created by the optimization loop",
		},
		[]string{"work_type"},
	)

	AgentsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coord_agents_swept_total",
			Help: "Total number of agent_status entries removed by the TTL sweeper",
		},
	)

	// AI analyzer adapter metrics
	AnalyzerInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coord_analyzer_invocations_total",
			Help: "Total number of external AI analyzer invocations by outcome",
		},
		[]string{"outcome"},
	)

	AnalyzerBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coord_analyzer_breaker_state",
			Help: "Circuit breaker state for the AI analyzer (0=closed, 1=half-open, 2=open)",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WorkItemsTotal,
		AgentsTotal,
		ClaimConflictsTotal,
		PCSContentionTotal,
		PCSMutateDuration,
		CoordinatorOpDuration,
		CoordinatorOpsTotal,
		ReactorStepDuration,
		ReactorStepRetriesTotal,
		ReactorCompensationsTotal,
		SpanQueueDepth,
		SpansDroppedTotal,
		SpansEmittedTotal,
		OTLPExportDuration,
		OptimizationCyclesTotal,
		OptimizationCycleDuration,
		WorkItemsCreatedByOptimizer,
		AgentsSweptTotal,
		AnalyzerInvocationsTotal,
		AnalyzerBreakerState,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
