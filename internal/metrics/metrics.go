package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels writes and activations that went through.
	OutcomeSuccess = "success"
	// OutcomeError labels failed sink writes.
	OutcomeError = "error"
)

var (
	stepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "resolve_sim",
			Name:      "steps_total",
			Help:      "Total number of simulated time steps produced.",
		},
	)

	documentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "resolve_sim",
			Name:      "documents_emitted_total",
			Help:      "Documents acknowledged by the sink, partitioned by category.",
		},
		[]string{"category"},
	)

	sinkWriteSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "resolve_sim",
			Name:      "sink_write_seconds",
			Help:      "Sink batch write latency in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"category", "outcome"},
	)

	sinkRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "resolve_sim",
			Name:      "sink_retries_total",
			Help:      "Sink batch retries, partitioned by category.",
		},
		[]string{"category"},
	)

	scenarioPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "resolve_sim",
			Name:      "scenario_phase",
			Help:      "Current phase ordinal of the active scenario (0 dormant, 5 resolved).",
		},
		[]string{"kind"},
	)

	scenarioMagnitude = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "resolve_sim",
			Name:      "scenario_magnitude",
			Help:      "Current origin distortion magnitude of the active scenario.",
		},
		[]string{"kind"},
	)

	activationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "resolve_sim",
			Name:      "control_operations_total",
			Help:      "Control operations handled, partitioned by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)
)

// Register attaches resolve-sim collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		stepsTotal,
		documentsTotal,
		sinkWriteSeconds,
		sinkRetriesTotal,
		scenarioPhase,
		scenarioMagnitude,
		activationsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveStep counts one produced time step.
func ObserveStep() {
	stepsTotal.Inc()
}

// ObserveDocuments counts acknowledged documents for a category.
func ObserveDocuments(category string, n int) {
	if n <= 0 {
		return
	}
	documentsTotal.WithLabelValues(category).Add(float64(n))
}

// ObserveSinkWrite records a batch write duration and outcome label.
func ObserveSinkWrite(category string, duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	if duration < 0 {
		duration = 0
	}
	sinkWriteSeconds.WithLabelValues(category, label).Observe(duration.Seconds())
}

// ObserveSinkRetry counts one batch retry.
func ObserveSinkRetry(category string) {
	sinkRetriesTotal.WithLabelValues(category).Inc()
}

// SetScenario publishes the phase ordinal and magnitude for kind.
func SetScenario(kind string, phase int, magnitude float64) {
	scenarioPhase.WithLabelValues(kind).Set(float64(phase))
	scenarioMagnitude.WithLabelValues(kind).Set(magnitude)
}

// ObserveControl counts a control operation and its outcome.
func ObserveControl(operation, outcome string) {
	activationsTotal.WithLabelValues(operation, outcome).Inc()
}
