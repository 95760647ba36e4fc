package history

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/trackfuse/internal/monitoring"
	"github.com/banshee-data/trackfuse/internal/timeutil"
)

// SegmentModelVersion tags segment rows with the grouping rules that
// produced them, so a rule change can recompute without ambiguity.
const SegmentModelVersion = "seg-1"

// SegmentWorker periodically groups stored positions into per-object track
// segments: maximal runs of positions with no gap longer than the
// threshold. Designed to run every 15 minutes over the last 20 minutes,
// with overlap so segments extend across runs.
type SegmentWorker struct {
	Store    *Store
	Gap      time.Duration // split threshold between consecutive positions
	Interval time.Duration // run cadence
	Window   time.Duration // lookback per run
	Clock    timeutil.Clock
	stopChan chan struct{}
	logf     func(format string, v ...interface{})
}

// NewSegmentWorker returns a worker with the default cadence.
func NewSegmentWorker(store *Store, gap time.Duration) *SegmentWorker {
	if gap <= 0 {
		gap = 10 * time.Minute
	}
	return &SegmentWorker{
		Store:    store,
		Gap:      gap,
		Interval: 15 * time.Minute,
		Window:   20 * time.Minute,
		Clock:    timeutil.RealClock{},
		stopChan: make(chan struct{}),
		logf:     monitoring.Componentf("Segments"),
	}
}

// Start runs the periodic worker loop in a goroutine.
func (w *SegmentWorker) Start() {
	go func() {
		ticker := w.Clock.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				if err := w.RunOnce(context.Background()); err != nil {
					w.logf("run error: %v", err)
				}
			case <-w.stopChan:
				return
			}
		}
	}()
}

// Stop requests the worker loop to exit.
func (w *SegmentWorker) Stop() {
	close(w.stopChan)
}

// RunOnce summarizes the trailing window ending now.
func (w *SegmentWorker) RunOnce(ctx context.Context) error {
	end := w.Clock.Now().UTC()
	return w.RunRange(ctx, end.Add(-w.Window).UnixMilli(), end.UnixMilli())
}

// RunRange summarizes positions in [startMS, endMS] into track segments.
func (w *SegmentWorker) RunRange(ctx context.Context, startMS, endMS int64) error {
	tx, err := w.Store.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT object_id, kind, event_ts_ms, speed_kn
		FROM positions
		WHERE event_ts_ms BETWEEN ? AND ?
		ORDER BY object_id, event_ts_ms`,
		startMS, endMS,
	)
	if err != nil {
		return err
	}

	type point struct {
		objectID string
		kind     string
		ts       int64
		speed    sql.NullFloat64
	}
	var points []point
	for rows.Next() {
		var p point
		if err := rows.Scan(&p.objectID, &p.kind, &p.ts, &p.speed); err != nil {
			rows.Close()
			return err
		}
		points = append(points, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	type segment struct {
		objectID   string
		kind       string
		startMS    int64
		endMS      int64
		count      int64
		maxSpeed   sql.NullFloat64
		minSpeed   sql.NullFloat64
		speedSum   float64
		speedCount int64
	}

	var segments []segment
	var cur *segment
	gapMS := w.Gap.Milliseconds()
	flush := func() {
		if cur != nil {
			segments = append(segments, *cur)
			cur = nil
		}
	}
	for i := range points {
		p := &points[i]
		if cur == nil || cur.objectID != p.objectID || p.ts-cur.endMS > gapMS {
			flush()
			cur = &segment{objectID: p.objectID, kind: p.kind, startMS: p.ts, endMS: p.ts}
		}
		cur.endMS = p.ts
		cur.count++
		if p.speed.Valid {
			v := p.speed.Float64
			if !cur.maxSpeed.Valid || v > cur.maxSpeed.Float64 {
				cur.maxSpeed = sql.NullFloat64{Float64: v, Valid: true}
			}
			if !cur.minSpeed.Valid || v < cur.minSpeed.Float64 {
				cur.minSpeed = sql.NullFloat64{Float64: v, Valid: true}
			}
			cur.speedSum += v
			cur.speedCount++
		}
	}
	flush()

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO track_segments (segment_key, object_id, kind, start_ms, end_ms, point_count, max_speed_kn, min_speed_kn, avg_speed_kn, model_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, UNIXEPOCH('subsec'), UNIXEPOCH('subsec'))
		ON CONFLICT(segment_key) DO UPDATE SET
			end_ms = excluded.end_ms, point_count = excluded.point_count,
			max_speed_kn = excluded.max_speed_kn, min_speed_kn = excluded.min_speed_kn,
			avg_speed_kn = excluded.avg_speed_kn, model_version = excluded.model_version,
			updated_at = UNIXEPOCH('subsec')`)
	if err != nil {
		return err
	}
	defer upsert.Close()

	for _, seg := range segments {
		var avg sql.NullFloat64
		if seg.speedCount > 0 {
			avg = sql.NullFloat64{Float64: seg.speedSum / float64(seg.speedCount), Valid: true}
		}
		// The key omits end_ms so a segment that grows across worker runs
		// keeps updating the same row.
		key := segmentKey(seg.objectID, seg.startMS)
		if _, err := upsert.ExecContext(ctx, key, seg.objectID, seg.kind,
			seg.startMS, seg.endMS, seg.count, seg.maxSpeed, seg.minSpeed, avg,
			SegmentModelVersion); err != nil {
			return fmt.Errorf("failed to upsert segment %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if len(segments) > 0 {
		w.logf("summarized %d segments from %d positions", len(segments), len(points))
	}
	return nil
}

// SegmentCount reports how many segments an object currently has.
func (s *Store) SegmentCount(ctx context.Context, objectID string) (int, error) {
	var n int
	err := s.QueryRowContext(ctx, `SELECT COUNT(*) FROM track_segments WHERE object_id = ?`, objectID).Scan(&n)
	return n, err
}

// segmentKey derives a stable segment identity from the object and the
// segment's first position.
func segmentKey(objectID string, startMS int64) string {
	h := sha1.Sum([]byte(fmt.Sprintf("%s|%d|%s", objectID, startMS, SegmentModelVersion)))
	return fmt.Sprintf("%x", h)
}
