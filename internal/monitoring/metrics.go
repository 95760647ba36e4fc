package monitoring

import "github.com/prometheus/client_golang/prometheus"

// Prometheus collectors shared across the pipeline. Label cardinality is
// bounded: sources, reasons, kinds, fields, and adapters are all small
// closed sets.
var (
	ParseRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trackfuse_parse_reject_total",
		Help: "Raw records dropped during normalization, by source",
	}, []string{"source"})

	ValidationRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trackfuse_validation_reject_total",
		Help: "Normalized messages dropped by the validator, by reason",
	}, []string{"reason"})

	AnomalyFlags = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trackfuse_anomaly_total",
		Help: "Advisory anomaly flags raised by the validator (messages still ingest)",
	}, []string{"flag"})

	IngestDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trackfuse_ingest_drop_total",
		Help: "Messages dropped oldest-first because the ingest channel was full",
	})

	WindowTrims = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trackfuse_window_trim_total",
		Help: "Messages trimmed from window heads at the per-key capacity",
	})

	KeyEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trackfuse_key_evict_total",
		Help: "Keys evicted LRU when the tracked-key cap was exceeded",
	})

	Publishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trackfuse_publish_total",
		Help: "Fused records published to the realtime channel, by kind",
	}, []string{"kind"})

	Backfills = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trackfuse_backfill_total",
		Help: "Fused records persisted without realtime publish, by kind",
	}, []string{"kind"})

	PublishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trackfuse_publish_fail_total",
		Help: "Realtime publish attempts that exhausted retries, by kind",
	}, []string{"kind"})

	PersistFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trackfuse_persist_fail_total",
		Help: "Historical store writes that failed, by kind",
	}, []string{"kind"})

	Conflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trackfuse_conflict_total",
		Help: "Cross-source numeric disagreements above the spread threshold, by field",
	}, []string{"field"})

	WindowKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trackfuse_window_keys",
		Help: "Keys currently held in the window store",
	})

	FilterStates = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trackfuse_filter_states",
		Help: "Smoother filter states currently retained",
	})

	DirtyKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trackfuse_dirty_keys",
		Help: "Keys awaiting a decide pass",
	})

	IngestQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trackfuse_ingest_queue_depth",
		Help: "Messages buffered in the ingest channel",
	})

	AdapterUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trackfuse_adapter_up",
		Help: "1 while the adapter holds a live upstream connection",
	}, []string{"adapter"})

	AdapterRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trackfuse_adapter_records_total",
		Help: "Raw records received per adapter",
	}, []string{"adapter"})

	AdapterBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trackfuse_adapter_batches_total",
		Help: "Batches received per adapter",
	}, []string{"adapter"})
)

func init() {
	prometheus.MustRegister(
		ParseRejects, ValidationRejects, AnomalyFlags,
		IngestDrops, WindowTrims, KeyEvictions,
		Publishes, Backfills, PublishFailures, PersistFailures, Conflicts,
		WindowKeys, FilterStates, DirtyKeys, IngestQueueDepth,
		AdapterUp, AdapterRecords, AdapterBatches,
	)
}
