package fuse

import (
	"time"

	"github.com/banshee-data/trackfuse/internal/track"
)

// DeciderConfig bounds what the decider will publish.
type DeciderConfig struct {
	// AllowedLateness is the realtime cutoff: messages older than this
	// can only backfill history.
	AllowedLateness time.Duration

	// MaxEventAge is the hard sanity gate on event timestamps, applied in
	// both directions.
	MaxEventAge time.Duration
}

// Decider runs the per-key fusion decision: publish realtime, backfill
// history only, or nothing. It reads windows but never mutates them;
// watermark advancement is the publisher's job after a successful fan-out.
type Decider struct {
	cfg    DeciderConfig
	store  *WindowStore
	merger *Merger
}

// NewDecider wires a decider over the window store. Zero config fields
// fall back to 10 min lateness and a 24 h age gate.
func NewDecider(cfg DeciderConfig, store *WindowStore, merger *Merger) *Decider {
	if cfg.AllowedLateness <= 0 {
		cfg.AllowedLateness = 10 * time.Minute
	}
	if cfg.MaxEventAge <= 0 {
		cfg.MaxEventAge = 24 * time.Hour
	}
	return &Decider{cfg: cfg, store: store, merger: merger}
}

// Decide computes the decision for one key at the given wall clock.
// Conflicts observed while merging are returned for observability.
func (d *Decider) Decide(key string, nowWall time.Time) (track.Decision, []Conflict) {
	window, last, hasLast := d.store.Get(key)

	sane := window[:0:0]
	for _, m := range window {
		if d.sane(m, nowWall) {
			sane = append(sane, m)
		}
	}
	if len(sane) == 0 {
		return track.Decision{}, nil
	}

	// Messages both fresh enough for realtime and strictly past the
	// watermark are publishable. Duplicates and equal-timestamp replays
	// fail the strict comparison and fall through to backfill.
	latenessMS := d.cfg.AllowedLateness.Milliseconds()
	nowMS := nowWall.UnixMilli()
	newer := sane[:0:0]
	for _, m := range sane {
		if nowMS-m.EventTS > latenessMS {
			continue
		}
		if hasLast && m.EventTS <= last {
			continue
		}
		newer = append(newer, m)
	}

	if len(newer) > 0 {
		best, conflicts := d.merger.Merge(newer)
		return track.Decision{Best: best, Publish: true}, conflicts
	}

	best, conflicts := d.merger.Merge(sane)
	if best == nil {
		return track.Decision{}, nil
	}
	if hasLast && best.EventTS <= last {
		return track.Decision{Best: best, BackfillOnly: true}, conflicts
	}
	return track.Decision{Best: best, Publish: true}, conflicts
}

// sane applies the validity and event-age gates a message must pass to
// participate in any decision.
func (d *Decider) sane(m *track.NormMsg, nowWall time.Time) bool {
	if m.EventTS <= 0 {
		return false
	}
	if m.Lat < -90 || m.Lat > 90 || m.Lon < -180 || m.Lon > 180 {
		return false
	}
	age := m.AgeAt(nowWall)
	return age <= d.cfg.MaxEventAge && -age <= d.cfg.MaxEventAge
}
