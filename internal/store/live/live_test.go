package live

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/banshee-data/trackfuse/internal/track"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), mr
}

func fusedVessel() *track.FusedRecord {
	return &track.FusedRecord{
		Kind:    track.KindVessel,
		Key:     "123456789",
		MMSI:    "123456789",
		Name:    "EVER GIVEN",
		EventTS: 1754962800000,
		Lat:     31.2,
		Lon:     121.5,
		Source:  "fused",
		Score:   0.91,
	}
}

func TestPublishFusedVessel(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	sub := s.Subscribe(ctx, track.KindVessel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := s.PublishFused(ctx, fusedVessel()); err != nil {
		t.Fatalf("PublishFused() failed: %v", err)
	}

	// Latest-state snapshot with TTL.
	raw, err := mr.Get("vessel:last:123456789")
	if err != nil {
		t.Fatalf("latest-state key missing: %v", err)
	}
	var got track.FusedRecord
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("cached record not JSON: %v", err)
	}
	if got.Lat != 31.2 || got.MMSI != "123456789" {
		t.Errorf("cached record = %+v", got)
	}
	if ttl := mr.TTL("vessel:last:123456789"); ttl <= 0 || ttl > LastTTL {
		t.Errorf("latest-state TTL = %v, want (0, %v]", ttl, LastTTL)
	}

	// Vessel side-indexes.
	if !mr.Exists("ais:vessels:geo") {
		t.Error("geo index not written")
	}
	score, err := mr.ZScore("ais:vessels:active", "123456789")
	if err != nil {
		t.Fatalf("active ranking missing: %v", err)
	}
	if int64(score) != 1754962800000 {
		t.Errorf("active score = %v, want event ts", score)
	}
	if name := mr.HGet("ais:vessel:123456789", "name"); name != "EVER GIVEN" {
		t.Errorf("vessel hash name = %q", name)
	}

	// Pub/sub delivery.
	msg, err := sub.ReceiveTimeout(ctx, time.Second)
	if err != nil {
		t.Fatalf("no pub/sub message: %v", err)
	}
	if m, ok := msg.(*redis.Message); !ok || m.Channel != VesselChannel {
		t.Errorf("unexpected pub/sub message %T %v", msg, msg)
	}
}

func TestPublishFusedAircraftSkipsVesselIndexes(t *testing.T) {
	s, mr := newTestStore(t)

	r := fusedVessel()
	r.Kind = track.KindAircraft
	r.MMSI = ""
	r.ICAO24 = "abcd12"
	r.Key = "abcd12"
	if err := s.PublishFused(context.Background(), r); err != nil {
		t.Fatalf("PublishFused() failed: %v", err)
	}

	if !mr.Exists("aircraft:last:abcd12") {
		t.Error("aircraft latest-state key missing")
	}
	if mr.Exists("ais:vessels:geo") {
		t.Error("aircraft publish wrote the vessel geo index")
	}
}

func TestUpsertFlightHash(t *testing.T) {
	s, mr := newTestStore(t)

	err := s.UpsertFlightHash(context.Background(), "adsb:current_flights", "abcd12", []byte(`{"hex":"abcd12"}`), 300*time.Second)
	if err != nil {
		t.Fatalf("UpsertFlightHash() failed: %v", err)
	}
	if got := mr.HGet("adsb:current_flights", "abcd12"); got != `{"hex":"abcd12"}` {
		t.Errorf("hash field = %q", got)
	}
	if ttl := mr.TTL("adsb:current_flights"); ttl != 300*time.Second {
		t.Errorf("hash TTL = %v, want 300s", ttl)
	}
}

func TestPopBatch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.PushBatch(ctx, "adsb:batches", "batch-1"); err != nil {
		t.Fatalf("PushBatch() failed: %v", err)
	}
	got, err := s.PopBatch(ctx, "adsb:batches", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("PopBatch() failed: %v", err)
	}
	if got != "batch-1" {
		t.Errorf("PopBatch() = %q, want batch-1", got)
	}
}
