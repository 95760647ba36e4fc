// Package redisq consumes named ADSB batches from a Redis list and fans
// each record out to the current-flights hash, the historical store, and
// the realtime aircraft channel, while also feeding the fusion pipeline.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/grafana/dskit/backoff"
	"github.com/samber/lo"
	"go.uber.org/atomic"

	"github.com/banshee-data/trackfuse/internal/fuse"
	"github.com/banshee-data/trackfuse/internal/ingest/adsb"
	"github.com/banshee-data/trackfuse/internal/monitoring"
	"github.com/banshee-data/trackfuse/internal/normalize"
	"github.com/banshee-data/trackfuse/internal/store/live"
	"github.com/banshee-data/trackfuse/internal/track"
)

const (
	adapterName = "redisq"

	// DefaultQueue is the list the upstream collector pushes batches onto.
	DefaultQueue = "adsb:batches"

	DefaultChunkSize   = 10
	DefaultConcurrency = 5

	popTimeout = 5 * time.Second
)

// HistorySink is the slice of the durable store the worker needs.
type HistorySink interface {
	UpsertObject(ctx context.Context, r *track.FusedRecord) error
	UpsertPosition(ctx context.Context, r *track.FusedRecord) error
}

// Config parameterizes the worker.
type Config struct {
	Queue       string
	HashKey     string // current-flights hash; empty gets adsb:current_flights
	HashTTL     time.Duration
	ChunkSize   int
	Concurrency int

	// Upstream, when set, gets each decoded batch echoed back via the
	// external ADSB fetch endpoint. Best-effort.
	Upstream *adsb.Client
}

// Worker drains the batch queue.
type Worker struct {
	cfg     Config
	live    *live.Store
	history HistorySink
	sink    func(*track.NormMsg)
	scorer  *fuse.Scorer
	pool    *pond.WorkerPool
	logf    func(format string, v ...interface{})

	mu        sync.Mutex
	lastBatch time.Time

	batches     atomic.Int64
	records     atomic.Int64
	rejects     atomic.Int64
	persistErrs atomic.Int64
	lastEventMS atomic.Int64
}

// New builds a worker. sink feeds the fusion pipeline and may be nil when
// the worker runs standalone.
func New(cfg Config, lv *live.Store, history HistorySink, scorer *fuse.Scorer, sink func(*track.NormMsg)) *Worker {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.HashKey == "" {
		cfg.HashKey = "adsb:current_flights"
	}
	if cfg.HashTTL <= 0 {
		cfg.HashTTL = 300 * time.Second
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Worker{
		cfg:     cfg,
		live:    lv,
		history: history,
		sink:    sink,
		scorer:  scorer,
		pool:    pond.New(cfg.Concurrency, cfg.Concurrency*cfg.ChunkSize),
		logf:    monitoring.Componentf("RedisQ"),
	}
}

// Run blocks popping batches until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	monitoring.AdapterUp.WithLabelValues(adapterName).Set(1)
	defer monitoring.AdapterUp.WithLabelValues(adapterName).Set(0)
	defer w.pool.StopAndWait()

	bo := backoff.New(ctx, backoff.Config{
		MinBackoff: time.Second,
		MaxBackoff: 10 * time.Second,
	})
	for ctx.Err() == nil {
		if err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logf("queue pop failed: %v; retrying in %s", err, bo.NextDelay())
			bo.Wait()
			continue
		}
		bo.Reset()
	}
}

// RunOnce pops and processes at most one batch. A quiet queue is not an
// error.
func (w *Worker) RunOnce(ctx context.Context) error {
	payload, err := w.live.PopBatch(ctx, w.cfg.Queue, popTimeout)
	if err != nil {
		return err
	}
	if payload == "" {
		return nil
	}
	return w.processBatch(ctx, payload)
}

// processBatch normalizes one named batch and fans its records out in
// chunks with bounded concurrency.
func (w *Worker) processBatch(ctx context.Context, payload string) error {
	var rows []map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &rows); err != nil {
		return errors.New("undecodable batch payload")
	}
	w.batches.Inc()
	monitoring.AdapterBatches.WithLabelValues(adapterName).Inc()
	w.mu.Lock()
	w.lastBatch = time.Now()
	w.mu.Unlock()

	type entry struct {
		msg *track.NormMsg
		raw []byte
	}
	entries := lo.FilterMap(rows, func(row map[string]interface{}, _ int) (entry, bool) {
		canon := adsb.CanonicalizeKeys(row)
		m, rej := normalize.Record(track.SourceADSBExchange, track.KindAircraft, canon)
		if rej != normalize.RejectNone {
			w.rejects.Inc()
			monitoring.ParseRejects.WithLabelValues(track.SourceADSBExchange).Inc()
			return entry{}, false
		}
		raw, err := json.Marshal(canon)
		if err != nil {
			return entry{}, false
		}
		return entry{msg: m, raw: raw}, true
	})

	for _, e := range entries {
		w.records.Inc()
		monitoring.AdapterRecords.WithLabelValues(adapterName).Inc()
		if e.msg.EventTS > w.lastEventMS.Load() {
			w.lastEventMS.Store(e.msg.EventTS)
		}
		if w.sink != nil {
			w.sink(e.msg)
		}
	}

	group := w.pool.Group()
	for _, chunk := range lo.Chunk(entries, w.cfg.ChunkSize) {
		chunk := chunk
		group.Submit(func() {
			for _, e := range chunk {
				w.fanOut(ctx, e.msg, e.raw)
			}
		})
	}
	group.Wait()

	if w.cfg.Upstream != nil && len(rows) > 0 {
		if _, err := w.cfg.Upstream.Fetch(ctx, rows); err != nil {
			w.logf("upstream batch echo failed: %v", err)
		}
	}
	return nil
}

// fanOut pushes one record to the current-flights hash, the historical
// store, and the aircraft channel. Each leg fails independently.
func (w *Worker) fanOut(ctx context.Context, m *track.NormMsg, raw []byte) {
	if err := w.live.UpsertFlightHash(ctx, w.cfg.HashKey, m.Key, raw, w.cfg.HashTTL); err != nil {
		w.persistErrs.Inc()
		w.logf("flight hash upsert failed for %s: %v", m.Key, err)
	}

	rec := w.fusedRecord(m)
	if w.history != nil {
		if err := w.history.UpsertObject(ctx, rec); err != nil {
			w.persistErrs.Inc()
			monitoring.PersistFailures.WithLabelValues(string(rec.Kind)).Inc()
			w.logf("object upsert failed for %s: %v", m.Key, err)
		} else if err := w.history.UpsertPosition(ctx, rec); err != nil {
			w.persistErrs.Inc()
			monitoring.PersistFailures.WithLabelValues(string(rec.Kind)).Inc()
			w.logf("position upsert failed for %s: %v", m.Key, err)
		}
	}

	if err := w.live.PublishFused(ctx, rec); err != nil {
		w.persistErrs.Inc()
		w.logf("realtime publish failed for %s: %v", m.Key, err)
	}
}

func (w *Worker) fusedRecord(m *track.NormMsg) *track.FusedRecord {
	rec := m.Fused()
	if w.scorer != nil {
		rec.Score = w.scorer.Score(m, time.Now())
	}
	return rec
}

// Status is the snapshot surfaced through the orchestrator.
type Status struct {
	Queue       string    `json:"queue"`
	LastBatch   time.Time `json:"last_batch"`
	Batches     int64     `json:"batches"`
	Records     int64     `json:"records"`
	Rejects     int64     `json:"rejects"`
	PersistErrs int64     `json:"persist_errors"`
	LastEventTS int64     `json:"last_event_ts"`
}

// Status returns a point-in-time snapshot.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Queue:       w.cfg.Queue,
		LastBatch:   w.lastBatch,
		Batches:     w.batches.Load(),
		Records:     w.records.Load(),
		Rejects:     w.rejects.Load(),
		PersistErrs: w.persistErrs.Load(),
		LastEventTS: w.lastEventMS.Load(),
	}
}
