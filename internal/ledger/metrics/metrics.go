package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Metrics provides observability for the ledger: writes, the spill path,
// sealing and verification.
type Metrics struct {
	EntriesRecorded   *prometheus.CounterVec
	RecordFailures    *prometheus.CounterVec
	RecordRetries     prometheus.Counter
	RecordDuration    prometheus.Histogram
	SpillEnqueued     prometheus.Counter
	SpillDropped      prometheus.Counter
	SpillDrained      prometheus.Counter
	SpillDepth        prometheus.Gauge
	CircuitOpen       prometheus.Gauge
	NotifyFailures    prometheus.Counter
	BlocksSealed      prometheus.Counter
	SealedEntries     prometheus.Histogram
	SealDuration      prometheus.Histogram
	SealConflicts     prometheus.Counter
	Verifications     *prometheus.CounterVec
	VerifyDuration    prometheus.Histogram
	IngestMessages    *prometheus.CounterVec
	StreamPublishFail *prometheus.CounterVec
}

// New registers the ledger metrics with the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the ledger metrics with reg. Tests pass a fresh
// registry so several services can coexist.
func NewWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EntriesRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_entries_recorded_total",
			Help: "Entries appended to the chain, by event category",
		}, []string{"category"}),
		RecordFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_record_failures_total",
			Help: "Record calls that did not append an entry, by reason",
		}, []string{"reason"}),
		RecordRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_record_retries_total",
			Help: "Store write attempts retried after a transient failure",
		}),
		RecordDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_record_duration_seconds",
			Help:    "Duration of Record including retries",
			Buckets: durationBuckets,
		}),
		SpillEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_spill_enqueued_total",
			Help: "Events parked in the spill buffer under the fail-open policy",
		}),
		SpillDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_spill_dropped_total",
			Help: "Events lost because the spill buffer was full",
		}),
		SpillDrained: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_spill_drained_total",
			Help: "Spilled events recorded by the drain worker",
		}),
		SpillDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_spill_depth",
			Help: "Events currently waiting in the spill buffer",
		}),
		CircuitOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_store_circuit_open",
			Help: "1 while the store circuit breaker is open",
		}),
		NotifyFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_notify_failures_total",
			Help: "Security notifications that failed to publish",
		}),
		BlocksSealed: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_blocks_sealed_total",
			Help: "Blocks sealed",
		}),
		SealedEntries: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_block_entries",
			Help:    "Entries per sealed block",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		SealDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_seal_duration_seconds",
			Help:    "Duration of SealBlock",
			Buckets: durationBuckets,
		}),
		SealConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_seal_conflicts_total",
			Help: "Seals rolled back because membership changed underneath them",
		}),
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_verifications_total",
			Help: "Chain verifications, by outcome",
		}, []string{"outcome"}),
		VerifyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_verify_duration_seconds",
			Help:    "Duration of a full chain verification",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_ingest_messages_total",
			Help: "Kafka ingest messages, by outcome",
		}, []string{"outcome"}),
		StreamPublishFail: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_stream_publish_failures_total",
			Help: "Kafka stream publish failures, by topic",
		}, []string{"topic"}),
	}
}

func (m *Metrics) IncEntryRecorded(category string) {
	m.EntriesRecorded.WithLabelValues(category).Inc()
}

func (m *Metrics) IncRecordFailure(reason string) {
	m.RecordFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncRecordRetry() {
	m.RecordRetries.Inc()
}

// ObserveRecord records the duration of a Record call started at start.
func (m *Metrics) ObserveRecord(start time.Time) {
	m.RecordDuration.Observe(time.Since(start).Seconds())
}

// IncSpilled counts one spilled event and whether it displaced an older one.
func (m *Metrics) IncSpilled(dropped bool) {
	m.SpillEnqueued.Inc()
	if dropped {
		m.SpillDropped.Inc()
	}
}

func (m *Metrics) IncSpillDrained() {
	m.SpillDrained.Inc()
}

func (m *Metrics) SetSpillDepth(n int) {
	m.SpillDepth.Set(float64(n))
}

func (m *Metrics) SetCircuitOpen(open bool) {
	if open {
		m.CircuitOpen.Set(1)
		return
	}
	m.CircuitOpen.Set(0)
}

func (m *Metrics) IncNotifyFailure() {
	m.NotifyFailures.Inc()
}

// ObserveSeal records a successful seal of n entries started at start.
func (m *Metrics) ObserveSeal(start time.Time, n int) {
	m.BlocksSealed.Inc()
	m.SealedEntries.Observe(float64(n))
	m.SealDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncSealConflict() {
	m.SealConflicts.Inc()
}

// ObserveVerify records a finished verification started at start.
func (m *Metrics) ObserveVerify(start time.Time, valid bool) {
	outcome := "valid"
	if !valid {
		outcome = "invalid"
	}
	m.Verifications.WithLabelValues(outcome).Inc()
	m.VerifyDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncIngest(outcome string) {
	m.IngestMessages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncStreamPublishFailure(topic string) {
	m.StreamPublishFail.WithLabelValues(topic).Inc()
}
