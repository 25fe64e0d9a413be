package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks detection runs and what they found.
type Metrics struct {
	Findings        *prometheus.CounterVec
	EntriesScanned  prometheus.Counter
	DetectDuration  prometheus.Histogram
	PublishFailures prometheus.Counter
}

func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

func NewWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Findings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_anomaly_findings_total",
			Help: "Anomaly findings, by type and severity",
		}, []string{"type", "severity"}),
		EntriesScanned: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_anomaly_entries_scanned_total",
			Help: "Entries evaluated by the anomaly detector",
		}),
		DetectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_anomaly_detect_duration_seconds",
			Help:    "Duration of one detection run",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_anomaly_publish_failures_total",
			Help: "Findings that could not be handed to the alerting publisher",
		}),
	}
}

func (m *Metrics) IncFinding(findingType, severity string) {
	m.Findings.WithLabelValues(findingType, severity).Inc()
}

// ObserveDetect records a run over n entries started at start.
func (m *Metrics) ObserveDetect(start time.Time, n int) {
	m.EntriesScanned.Add(float64(n))
	m.DetectDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncPublishFailure() {
	m.PublishFailures.Inc()
}
