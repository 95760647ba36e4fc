package pipeline

import (
	"context"
	"time"

	"github.com/grafana/dskit/backoff"

	"github.com/banshee-data/trackfuse/internal/fuse"
	"github.com/banshee-data/trackfuse/internal/monitoring"
	"github.com/banshee-data/trackfuse/internal/pubsub"
	"github.com/banshee-data/trackfuse/internal/track"
)

// HistorySink is the durable side of the fan-out. *history.Store satisfies
// it; tests substitute stubs.
type HistorySink interface {
	UpsertObject(ctx context.Context, r *track.FusedRecord) error
	UpsertPosition(ctx context.Context, r *track.FusedRecord) error
	MarkPublished(ctx context.Context, kind track.Kind, key string, eventTS int64) error
}

// RealtimeSink is the low-latency side. *live.Store satisfies it.
type RealtimeSink interface {
	PublishFused(ctx context.Context, r *track.FusedRecord) error
}

// PublisherConfig bounds the fan-out behavior.
type PublisherConfig struct {
	// AllowedLateness demotes publishes of events older than this to
	// backfill, even when the decider approved them.
	AllowedLateness time.Duration

	// PublishRetries is how many times a failed realtime publish is
	// retried before it is counted and abandoned.
	PublishRetries int

	// OpTimeout bounds each durable store operation.
	OpTimeout time.Duration
}

// Publisher fans decided records out to the realtime cache, the historical
// store, and the in-process bus, and advances the last-published watermark
// after a successful realtime publish.
type Publisher struct {
	cfg     PublisherConfig
	history HistorySink
	live    RealtimeSink
	windows *fuse.WindowStore
	scorer  *fuse.Scorer
	bus     *pubsub.Bus[*track.FusedRecord]
	logf    func(format string, v ...interface{})
}

// NewPublisher wires a publisher. live and bus may be nil (replay and
// offline backfill run without a realtime side).
func NewPublisher(cfg PublisherConfig, history HistorySink, live RealtimeSink, windows *fuse.WindowStore, scorer *fuse.Scorer, bus *pubsub.Bus[*track.FusedRecord]) *Publisher {
	if cfg.AllowedLateness <= 0 {
		cfg.AllowedLateness = 10 * time.Minute
	}
	if cfg.PublishRetries <= 0 {
		cfg.PublishRetries = 3
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 10 * time.Second
	}
	return &Publisher{
		cfg:     cfg,
		history: history,
		live:    live,
		windows: windows,
		scorer:  scorer,
		bus:     bus,
		logf:    monitoring.Componentf("Publish"),
	}
}

// Outcome reports what Handle did with a decision.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomePublished
	OutcomeBackfilled
	OutcomePublishFailed
)

// Handle fans out one decision. Persistence happens for both publish and
// backfill outcomes; the realtime side and the watermark only move for
// publishes within the lateness cutoff.
func (p *Publisher) Handle(ctx context.Context, dec track.Decision, nowWall time.Time) Outcome {
	if dec.Best == nil {
		return OutcomeNone
	}
	rec := p.fuseRecord(dec.Best, nowWall)

	publish := dec.Publish && !dec.BackfillOnly
	if publish && nowWall.UnixMilli()-rec.EventTS > p.cfg.AllowedLateness.Milliseconds() {
		// The decider can approve a stale merge when no watermark exists
		// yet; it still only backfills.
		publish = false
	}

	p.persist(ctx, rec)

	if !publish {
		monitoring.Backfills.WithLabelValues(string(rec.Kind)).Inc()
		return OutcomeBackfilled
	}

	if p.live != nil {
		if err := p.publishRealtime(ctx, rec); err != nil {
			monitoring.PublishFailures.WithLabelValues(string(rec.Kind)).Inc()
			p.logf("realtime publish failed for %s/%s: %v", rec.Kind, rec.Key, err)
			// The watermark must not advance: the next tick re-decides.
			return OutcomePublishFailed
		}
	}
	if p.bus != nil {
		p.bus.Publish(rec)
	}

	p.markPublished(ctx, rec)
	monitoring.Publishes.WithLabelValues(string(rec.Kind)).Inc()
	return OutcomePublished
}

// fuseRecord shapes a merged message into the published record.
func (p *Publisher) fuseRecord(m *track.NormMsg, nowWall time.Time) *track.FusedRecord {
	return &track.FusedRecord{
		Kind:         m.Kind,
		Key:          m.Key,
		Lat:          m.Lat,
		Lon:          m.Lon,
		EventTS:      m.EventTS,
		Source:       m.Source,
		Score:        p.scorer.Score(m, nowWall),
		Speed:        m.Speed,
		Course:       m.Course,
		Heading:      m.Heading,
		Altitude:     m.Altitude,
		VerticalRate: m.VerticalRate,
		Status:       m.Status,
		MMSI:         m.MMSI,
		IMO:          m.IMO,
		ICAO24:       m.ICAO24,
		Registration: m.Registration,
		Callsign:     m.Callsign,
		Name:         m.Name,
	}
}

// persist upserts the object and position rows. Failures are logged and
// counted; the pipeline keeps going for other keys.
func (p *Publisher) persist(ctx context.Context, rec *track.FusedRecord) {
	if p.history == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, p.cfg.OpTimeout)
	defer cancel()

	if err := p.history.UpsertObject(opCtx, rec); err != nil {
		monitoring.PersistFailures.WithLabelValues(string(rec.Kind)).Inc()
		p.logf("object upsert failed for %s/%s: %v", rec.Kind, rec.Key, err)
		return
	}
	if err := p.history.UpsertPosition(opCtx, rec); err != nil {
		monitoring.PersistFailures.WithLabelValues(string(rec.Kind)).Inc()
		p.logf("position upsert failed for %s/%s: %v", rec.Kind, rec.Key, err)
	}
}

// publishRealtime pushes to the cache with bounded retries.
func (p *Publisher) publishRealtime(ctx context.Context, rec *track.FusedRecord) error {
	bo := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: time.Second,
		MaxRetries: p.cfg.PublishRetries,
	})
	var err error
	for bo.Ongoing() {
		if err = p.live.PublishFused(ctx, rec); err == nil {
			return nil
		}
		bo.Wait()
	}
	if err == nil {
		err = bo.Err()
	}
	return err
}

// markPublished advances both the durable watermark and its in-memory
// mirror. The mirror moves last so a crash between the two re-publishes
// (idempotent downstream) rather than silently skipping.
func (p *Publisher) markPublished(ctx context.Context, rec *track.FusedRecord) {
	if p.history != nil {
		opCtx, cancel := context.WithTimeout(ctx, p.cfg.OpTimeout)
		defer cancel()
		if err := p.history.MarkPublished(opCtx, rec.Kind, rec.Key, rec.EventTS); err != nil {
			p.logf("watermark write failed for %s/%s: %v", rec.Kind, rec.Key, err)
		}
	}
	if p.windows != nil {
		p.windows.MarkPublished(rec.Key, rec.EventTS)
	}
}
