package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every collector of a run. A dedicated registry keeps the
// textfile output free of Go runtime metrics.
var Registry = prometheus.NewRegistry()

var (
	FixturesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bwcgen_fixtures_total",
			Help: "Fixture versions processed, by result (generated, skipped, failed)",
		},
		[]string{"result"},
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bwcgen_step_duration_seconds",
			Help:    "Duration of each workflow step in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"step"},
	)

	ReadinessAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bwcgen_readiness_attempts",
			Help:    "Attempts needed before the node answered cluster health",
			Buckets: prometheus.LinearBuckets(1, 3, 10),
		},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bwcgen_external_commands_total",
			Help: "External commands run, by tool and result",
		},
		[]string{"tool", "result"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bwcgen_http_requests_total",
			Help: "Requests sent to the node, by method and status code",
		},
		[]string{"method", "code"},
	)

	ArchiveBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bwcgen_archive_bytes",
			Help: "Size of the last archive written per version",
		},
		[]string{"version"},
	)
)

func init() {
	Registry.MustRegister(FixturesTotal)
	Registry.MustRegister(StepDuration)
	Registry.MustRegister(ReadinessAttempts)
	Registry.MustRegister(CommandsTotal)
	Registry.MustRegister(HTTPRequestsTotal)
	Registry.MustRegister(ArchiveBytes)
}

// WriteTextfile dumps the registry in the node-exporter textfile format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}

// Timer measures a step and records it into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds into h
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed seconds into the labelled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
