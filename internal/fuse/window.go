package fuse

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/banshee-data/trackfuse/internal/monitoring"
	"github.com/banshee-data/trackfuse/internal/track"
)

// WindowConfig bounds the in-memory state held per tracked object.
type WindowConfig struct {
	// Window is the sliding event-time span kept per key.
	Window time.Duration

	// MaxEventsPerKey caps the per-key buffer; oldest events are trimmed
	// first when the cap is exceeded.
	MaxEventsPerKey int

	// MaxTrackedKeys caps the number of keys held across all shards.
	// Least-recently-seen keys are evicted once the cap is exceeded.
	MaxTrackedKeys int

	// Shards controls lock granularity. Zero means DefaultShards.
	Shards int
}

// DefaultShards is sized so a small worker pool rarely contends on one lock.
const DefaultShards = 16

type windowEntry struct {
	// msgs is ordered by ascending EventTS. Out-of-order arrivals are
	// inserted at the right position so event-time pruning can cut from
	// the head.
	msgs []*track.NormMsg

	lastSeenWall time.Time

	// lastPublishedTS mirrors the durable last-published watermark so the
	// decider never re-publishes an older merge for this key.
	lastPublishedTS int64
	hasPublished    bool

	kind track.Kind
}

type windowShard struct {
	mu      sync.RWMutex
	entries map[string]*windowEntry

	// marks holds last-published watermarks for keys with no live entry:
	// seeded at startup, or left behind when an idle entry is pruned or
	// evicted. A watermark must survive its entry, otherwise a replayed
	// report after one quiet window would be re-published at an event time
	// at or before the one already fanned out.
	marks map[string]int64
}

// WindowStore keeps the recent event-time window for every tracked key.
// All methods are safe for concurrent use.
type WindowStore struct {
	cfg    WindowConfig
	shards []*windowShard

	keyCount atomic.Int64
	msgCount atomic.Int64
}

// NewWindowStore returns an empty store. Zero config fields fall back to
// Window 5m, MaxEventsPerKey 256, MaxTrackedKeys 200000.
func NewWindowStore(cfg WindowConfig) *WindowStore {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.MaxEventsPerKey <= 0 {
		cfg.MaxEventsPerKey = 256
	}
	if cfg.MaxTrackedKeys <= 0 {
		cfg.MaxTrackedKeys = 200000
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	s := &WindowStore{cfg: cfg, shards: make([]*windowShard, cfg.Shards)}
	for i := range s.shards {
		s.shards[i] = &windowShard{
			entries: make(map[string]*windowEntry),
			marks:   make(map[string]int64),
		}
	}
	return s
}

func (s *WindowStore) shard(key string) *windowShard {
	return s.shards[shardIndex(key, len(s.shards))]
}

// Push inserts a normalized message into its key window, prunes events that
// fell out of the sliding window, and trims the buffer to the per-key cap.
// It reports the number of messages dropped by pruning and trimming.
func (s *WindowStore) Push(m *track.NormMsg, nowWall time.Time) int {
	sh := s.shard(m.Key)
	sh.mu.Lock()
	e, ok := sh.entries[m.Key]
	if !ok {
		e = &windowEntry{kind: m.Kind}
		if ts, marked := sh.marks[m.Key]; marked {
			e.lastPublishedTS = ts
			e.hasPublished = true
			delete(sh.marks, m.Key)
		}
		sh.entries[m.Key] = e
		s.keyCount.Inc()
	}
	e.lastSeenWall = nowWall

	// Insert keeping ascending event-time order. Most feeds arrive in
	// order, so scan from the tail.
	i := len(e.msgs)
	for i > 0 && e.msgs[i-1].EventTS > m.EventTS {
		i--
	}
	e.msgs = append(e.msgs, nil)
	copy(e.msgs[i+1:], e.msgs[i:])
	e.msgs[i] = m
	s.msgCount.Inc()

	dropped := s.pruneEntryLocked(e, nowWall)
	if over := len(e.msgs) - s.cfg.MaxEventsPerKey; over > 0 {
		e.msgs = append(e.msgs[:0], e.msgs[over:]...)
		s.msgCount.Sub(int64(over))
		monitoring.WindowTrims.Add(float64(over))
		dropped += over
	}
	sh.mu.Unlock()

	if int(s.keyCount.Load()) > s.cfg.MaxTrackedKeys {
		s.EvictOverCap()
	}
	return dropped
}

// setMarkLocked records a watermark for a key with no entry, keeping the
// larger of the two on collision. The shard lock must be held.
func (sh *windowShard) setMarkLocked(key string, ts int64) {
	if prev, ok := sh.marks[key]; !ok || ts > prev {
		sh.marks[key] = ts
	}
}

// pruneEntryLocked drops events older than the window and returns the count.
// The shard lock must be held.
func (s *WindowStore) pruneEntryLocked(e *windowEntry, nowWall time.Time) int {
	cutoff := nowWall.UnixMilli() - s.cfg.Window.Milliseconds()
	i := 0
	for i < len(e.msgs) && e.msgs[i].EventTS < cutoff {
		i++
	}
	if i == 0 {
		return 0
	}
	e.msgs = append(e.msgs[:0], e.msgs[i:]...)
	s.msgCount.Sub(int64(i))
	return i
}

// Get returns a copy of the key's window in ascending event-time order,
// along with the last-published watermark. Callers must not mutate the
// returned messages.
func (s *WindowStore) Get(key string) (msgs []*track.NormMsg, lastPublished int64, hasPublished bool) {
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[key]
	if !ok {
		if ts, marked := sh.marks[key]; marked {
			return nil, ts, true
		}
		return nil, 0, false
	}
	out := make([]*track.NormMsg, len(e.msgs))
	copy(out, e.msgs)
	return out, e.lastPublishedTS, e.hasPublished
}

// MarkPublished advances the key's last-published watermark. It never moves
// the watermark backwards.
func (s *WindowStore) MarkPublished(key string, eventTS int64) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		sh.setMarkLocked(key, eventTS)
		return
	}
	if !e.hasPublished || eventTS > e.lastPublishedTS {
		e.lastPublishedTS = eventTS
		e.hasPublished = true
	}
}

// SeedLastPublished primes watermarks from the durable store at startup so a
// restart does not re-publish records already fanned out. Seeds live as
// detached watermarks until the key's first message arrives. Should two
// kinds ever share a key, the larger watermark wins: the decider then
// backfills instead of risking a duplicate realtime publish.
func (s *WindowStore) SeedLastPublished(marks map[track.Identity]int64) {
	for id, ts := range marks {
		sh := s.shard(id.Key)
		sh.mu.Lock()
		if e, ok := sh.entries[id.Key]; ok {
			if !e.hasPublished || ts > e.lastPublishedTS {
				e.lastPublishedTS = ts
				e.hasPublished = true
			}
		} else {
			sh.setMarkLocked(id.Key, ts)
		}
		sh.mu.Unlock()
	}
}

// Prune walks every shard dropping expired events and deleting keys whose
// windows emptied. Returns (messages dropped, keys removed).
func (s *WindowStore) Prune(nowWall time.Time) (int, int) {
	var droppedMsgs, droppedKeys int
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			droppedMsgs += s.pruneEntryLocked(e, nowWall)
			if len(e.msgs) == 0 && nowWall.Sub(e.lastSeenWall) > s.cfg.Window {
				if e.hasPublished {
					sh.setMarkLocked(key, e.lastPublishedTS)
				}
				delete(sh.entries, key)
				s.keyCount.Dec()
				droppedKeys++
			}
		}
		sh.mu.Unlock()
	}
	return droppedMsgs, droppedKeys
}

// EvictOverCap removes least-recently-seen keys until the store is back
// under MaxTrackedKeys. Returns the number of keys evicted.
func (s *WindowStore) EvictOverCap() int {
	over := int(s.keyCount.Load()) - s.cfg.MaxTrackedKeys
	if over <= 0 {
		return 0
	}

	type seen struct {
		key   string
		shard int
		wall  time.Time
	}
	all := make([]seen, 0, s.keyCount.Load())
	for i, sh := range s.shards {
		sh.mu.RLock()
		for key, e := range sh.entries {
			all = append(all, seen{key: key, shard: i, wall: e.lastSeenWall})
		}
		sh.mu.RUnlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].wall.Before(all[j].wall) })

	evicted := 0
	for _, v := range all {
		if evicted >= over {
			break
		}
		sh := s.shards[v.shard]
		sh.mu.Lock()
		if e, ok := sh.entries[v.key]; ok {
			if e.hasPublished {
				sh.setMarkLocked(v.key, e.lastPublishedTS)
			}
			s.msgCount.Sub(int64(len(e.msgs)))
			delete(sh.entries, v.key)
			s.keyCount.Dec()
			evicted++
		}
		sh.mu.Unlock()
	}
	if evicted > 0 {
		monitoring.KeyEvictions.Add(float64(evicted))
	}
	return evicted
}

// Keys returns a snapshot of every tracked key.
func (s *WindowStore) Keys() []string {
	out := make([]string, 0, s.keyCount.Load())
	for _, sh := range s.shards {
		sh.mu.RLock()
		for key := range sh.entries {
			out = append(out, key)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Len returns the number of tracked keys.
func (s *WindowStore) Len() int { return int(s.keyCount.Load()) }

// MessageCount returns the number of buffered messages across all keys.
func (s *WindowStore) MessageCount() int { return int(s.msgCount.Load()) }
