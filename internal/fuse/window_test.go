package fuse

import (
	"fmt"
	"testing"
	"time"

	"github.com/banshee-data/trackfuse/internal/track"
)

var testNow = time.Date(2025, 8, 12, 2, 0, 0, 0, time.UTC)

func msgAt(key string, ts time.Time) *track.NormMsg {
	return &track.NormMsg{
		Kind:    track.KindVessel,
		Source:  track.SourceAISStream,
		Key:     key,
		EventTS: ts.UnixMilli(),
		Lat:     10,
		Lon:     20,
	}
}

func TestPushKeepsEventTimeOrder(t *testing.T) {
	s := NewWindowStore(WindowConfig{})

	// Out-of-order arrival: the window must still come back sorted.
	s.Push(msgAt("k", testNow.Add(-1*time.Minute)), testNow)
	s.Push(msgAt("k", testNow.Add(-3*time.Minute)), testNow)
	s.Push(msgAt("k", testNow.Add(-2*time.Minute)), testNow)

	msgs, _, _ := s.Get("k")
	if len(msgs) != 3 {
		t.Fatalf("window size = %d, want 3", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].EventTS > msgs[i].EventTS {
			t.Errorf("window out of order at %d: %d > %d", i, msgs[i-1].EventTS, msgs[i].EventTS)
		}
	}
}

func TestPushPrunesExpiredEvents(t *testing.T) {
	s := NewWindowStore(WindowConfig{Window: 5 * time.Minute})

	s.Push(msgAt("k", testNow.Add(-10*time.Minute)), testNow)
	s.Push(msgAt("k", testNow.Add(-1*time.Minute)), testNow)

	msgs, _, _ := s.Get("k")
	if len(msgs) != 1 {
		t.Fatalf("window size = %d, want 1 (expired event pruned)", len(msgs))
	}
	cutoff := testNow.Add(-5 * time.Minute).UnixMilli()
	if msgs[0].EventTS < cutoff {
		t.Errorf("retained event older than window: %d < %d", msgs[0].EventTS, cutoff)
	}
}

func TestPushTrimsAtPerKeyCap(t *testing.T) {
	s := NewWindowStore(WindowConfig{MaxEventsPerKey: 4})

	for i := 0; i < 10; i++ {
		s.Push(msgAt("k", testNow.Add(time.Duration(i-10)*time.Second)), testNow)
	}
	msgs, _, _ := s.Get("k")
	if len(msgs) != 4 {
		t.Fatalf("window size = %d, want cap 4", len(msgs))
	}
	// The oldest events are the ones trimmed.
	if got, want := msgs[0].EventTS, testNow.Add(-4*time.Second).UnixMilli(); got != want {
		t.Errorf("head after trim = %d, want %d", got, want)
	}
}

func TestMarkPublishedIsMonotone(t *testing.T) {
	s := NewWindowStore(WindowConfig{})
	s.Push(msgAt("k", testNow), testNow)

	s.MarkPublished("k", 1000)
	s.MarkPublished("k", 500) // must not regress
	_, last, has := s.Get("k")
	if !has || last != 1000 {
		t.Errorf("last published = %d (has=%v), want 1000", last, has)
	}
}

func TestSeedLastPublished(t *testing.T) {
	s := NewWindowStore(WindowConfig{})
	s.SeedLastPublished(map[track.Identity]int64{
		{Kind: track.KindVessel, Key: "a"}: 111,
		{Kind: track.KindVessel, Key: "b"}: 222,
	})

	_, last, has := s.Get("a")
	if !has || last != 111 {
		t.Errorf("seeded watermark a = %d (has=%v), want 111", last, has)
	}
	_, last, has = s.Get("b")
	if !has || last != 222 {
		t.Errorf("seeded watermark b = %d (has=%v), want 222", last, has)
	}
	// Seeds do not count as tracked keys until a message arrives.
	if s.Len() != 0 {
		t.Errorf("key count = %d after seeding, want 0", s.Len())
	}
}

func TestPruneKeepsWatermarkForIdleKey(t *testing.T) {
	s := NewWindowStore(WindowConfig{Window: 5 * time.Minute})
	s.SeedLastPublished(map[track.Identity]int64{
		{Kind: track.KindVessel, Key: "k"}: testNow.UnixMilli(),
	})

	// A full window of silence prunes nothing the watermark depends on.
	s.Prune(testNow.Add(5*time.Minute + time.Second))

	_, last, has := s.Get("k")
	if !has || last != testNow.UnixMilli() {
		t.Fatalf("watermark after prune = %d (has=%v), want %d", last, has, testNow.UnixMilli())
	}

	// The key's next report hydrates the new entry with the old watermark.
	s.Push(msgAt("k", testNow.Add(6*time.Minute)), testNow.Add(6*time.Minute))
	msgs, last, has := s.Get("k")
	if len(msgs) != 1 {
		t.Fatalf("window size = %d, want 1", len(msgs))
	}
	if !has || last != testNow.UnixMilli() {
		t.Errorf("watermark after replay = %d (has=%v), want %d", last, has, testNow.UnixMilli())
	}

	// Pruning the idle entry away hands the watermark back to the
	// detached set rather than discarding it.
	_, droppedKeys := s.Prune(testNow.Add(20 * time.Minute))
	if droppedKeys != 1 {
		t.Fatalf("Prune() dropped %d keys, want 1", droppedKeys)
	}
	_, last, has = s.Get("k")
	if !has || last != testNow.UnixMilli() {
		t.Errorf("watermark after entry prune = %d (has=%v), want %d", last, has, testNow.UnixMilli())
	}
}

func TestEvictOverCapKeepsWatermark(t *testing.T) {
	s := NewWindowStore(WindowConfig{MaxTrackedKeys: 2})

	s.Push(msgAt("victim", testNow), testNow)
	s.MarkPublished("victim", testNow.UnixMilli())
	s.Push(msgAt("b", testNow), testNow.Add(time.Second))
	s.Push(msgAt("c", testNow), testNow.Add(2*time.Second))

	if msgs, _, _ := s.Get("victim"); msgs != nil {
		t.Fatal("victim survived eviction; expected LRU removal")
	}
	_, last, has := s.Get("victim")
	if !has || last != testNow.UnixMilli() {
		t.Errorf("watermark after eviction = %d (has=%v), want %d", last, has, testNow.UnixMilli())
	}
}

func TestEvictOverCapDropsLeastRecentlySeen(t *testing.T) {
	s := NewWindowStore(WindowConfig{MaxTrackedKeys: 3})

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("old%d", i)
		s.Push(msgAt(key, testNow), testNow.Add(time.Duration(i)*time.Second))
	}
	// The fourth key pushes the store over the cap; old0 was seen first.
	s.Push(msgAt("fresh", testNow), testNow.Add(time.Minute))

	if s.Len() != 3 {
		t.Fatalf("key count = %d, want 3 after eviction", s.Len())
	}
	if msgs, _, _ := s.Get("old0"); msgs != nil {
		t.Error("old0 survived eviction; expected LRU removal")
	}
	if msgs, _, _ := s.Get("fresh"); msgs == nil {
		t.Error("fresh key evicted; expected retention")
	}
}

func TestPruneRemovesEmptyIdleKeys(t *testing.T) {
	s := NewWindowStore(WindowConfig{Window: time.Minute})
	s.Push(msgAt("k", testNow), testNow)

	later := testNow.Add(10 * time.Minute)
	droppedMsgs, droppedKeys := s.Prune(later)
	if droppedMsgs != 1 || droppedKeys != 1 {
		t.Errorf("Prune() = (%d, %d), want (1, 1)", droppedMsgs, droppedKeys)
	}
	if s.Len() != 0 {
		t.Errorf("key count = %d after prune, want 0", s.Len())
	}
}
