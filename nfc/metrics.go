package nfc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusReporter exports sealed operation records as Prometheus metrics.
// Cancelled operations are counted as operations but never as failures.
type PrometheusReporter struct {
	operations *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewPrometheusReporter registers the engine metrics with reg.
func NewPrometheusReporter(reg prometheus.Registerer) *PrometheusReporter {
	factory := promauto.With(reg)
	return &PrometheusReporter{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nfc_engine",
			Name:      "operations_total",
			Help:      "Tag operations by type and outcome.",
		}, []string{"type", "outcome"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nfc_engine",
			Name:      "operation_failures_total",
			Help:      "Failed tag operations by error category, excluding cancellations.",
		}, []string{"type", "category"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nfc_engine",
			Name:      "operation_duration_seconds",
			Help:      "Tag operation duration from session request to release.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"type"}),
	}
}

func (p *PrometheusReporter) Report(rec OperationRecord) {
	typ := string(rec.Type)
	outcome := "success"
	if !rec.Success {
		outcome = "failure"
		if rec.Error != nil && !rec.Error.Category.IsReportable() {
			outcome = "cancelled"
		}
	}
	p.operations.WithLabelValues(typ, outcome).Inc()
	p.duration.WithLabelValues(typ).Observe(rec.Duration().Seconds())

	if outcome == "failure" {
		category := CategoryUnknown
		if rec.Error != nil {
			category = rec.Error.Category
		}
		p.failures.WithLabelValues(typ, string(category)).Inc()
	}
}
