package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "veritas"
	metricsSubsystem = "pipeline"
)

// Metrics holds the pipeline's prometheus collectors
type Metrics struct {
	// RunsSubmitted counts accepted submissions.
	RunsSubmitted prometheus.Counter

	// RunsFinished counts runs reaching a terminal status.
	// Labels: status (success, failed, cancelled)
	RunsFinished *prometheus.CounterVec

	// ActiveRuns tracks runs currently held by a worker.
	ActiveRuns prometheus.Gauge

	// StepDurationSeconds measures wall time per step.
	// Labels: step, status (success, fail, skipped)
	StepDurationSeconds *prometheus.HistogramVec

	// RepairIterations records iterations_used per run reaching fix_tests.
	RepairIterations prometheus.Histogram

	// ActiveStreams tracks attached stream consumers.
	ActiveStreams prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "runs_submitted_total",
			Help:      "Total number of accepted run submissions",
		}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "runs_finished_total",
			Help:      "Total runs reaching a terminal status",
		}, []string{"status"}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "active_runs",
			Help:      "Number of runs currently executing",
		}),
		StepDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "step_duration_seconds",
			Help:      "Pipeline step duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"step", "status"}),
		RepairIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "repair_iterations",
			Help:      "Test executions used per run, including the first",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 20},
		}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "active_streams",
			Help:      "Number of attached run event streams",
		}),
	}
}
