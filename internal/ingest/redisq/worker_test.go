package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trackfuse/internal/fuse"
	"github.com/banshee-data/trackfuse/internal/httputil"
	"github.com/banshee-data/trackfuse/internal/ingest/adsb"
	"github.com/banshee-data/trackfuse/internal/store/live"
	"github.com/banshee-data/trackfuse/internal/track"
)

type stubHistory struct {
	mu        sync.Mutex
	objects   []*track.FusedRecord
	positions []*track.FusedRecord
}

func (s *stubHistory) UpsertObject(_ context.Context, r *track.FusedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = append(s.objects, r)
	return nil
}

func (s *stubHistory) UpsertPosition(_ context.Context, r *track.FusedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = append(s.positions, r)
	return nil
}

func testBatch(t *testing.T, n int) string {
	t.Helper()
	nowSec := time.Now().Unix()
	rows := make([]map[string]interface{}, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, map[string]interface{}{
			"Hexident":    fmt.Sprintf("ABC%03d", i),
			"Latitude":    51.5,
			"Longitude":   -0.1,
			"Unixtime":    nowSec,
			"GroundSpeed": 400.0,
		})
	}
	b, err := json.Marshal(rows)
	require.NoError(t, err)
	return string(b)
}

func newTestWorker(t *testing.T) (*Worker, *miniredis.Miniredis, *live.Store, *stubHistory, *[]*track.NormMsg, *sync.Mutex) {
	t.Helper()
	mr := miniredis.RunT(t)
	lv := live.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	h := &stubHistory{}

	var mu sync.Mutex
	var sunk []*track.NormMsg
	w := New(Config{}, lv, h, fuse.NewScorer(nil), func(m *track.NormMsg) {
		mu.Lock()
		sunk = append(sunk, m)
		mu.Unlock()
	})
	return w, mr, lv, h, &sunk, &mu
}

func TestRunOnceFansOutBatch(t *testing.T) {
	w, mr, lv, h, sunk, mu := newTestWorker(t)
	ctx := context.Background()

	sub := lv.Subscribe(ctx, track.KindAircraft)
	defer sub.Close()

	require.NoError(t, lv.PushBatch(ctx, DefaultQueue, testBatch(t, 3)))
	require.NoError(t, w.RunOnce(ctx))

	// (a) current-flights hash with TTL.
	raw := mr.HGet("adsb:current_flights", "abc000")
	require.NotEmpty(t, raw)
	var row map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &row))
	assert.Equal(t, "ABC000", row["Hexident"])
	assert.InDelta(t, 300, mr.TTL("adsb:current_flights").Seconds(), 1)

	// (b) historical upserts, one object and one position per aircraft.
	h.mu.Lock()
	assert.Len(t, h.objects, 3)
	assert.Len(t, h.positions, 3)
	for _, rec := range h.positions {
		assert.Equal(t, track.KindAircraft, rec.Kind)
		assert.Greater(t, rec.Score, 0.0)
	}
	h.mu.Unlock()

	// (c) realtime publish on the aircraft channel.
	msg, err := sub.ReceiveTimeout(ctx, 2*time.Second)
	require.NoError(t, err)
	if _, ok := msg.(*redis.Subscription); ok {
		msg, err = sub.ReceiveTimeout(ctx, 2*time.Second)
		require.NoError(t, err)
	}
	pub, ok := msg.(*redis.Message)
	require.True(t, ok, "expected a published message, got %T", msg)
	assert.Equal(t, live.AircraftChannel, pub.Channel)

	// The fusion pipeline saw every record too.
	mu.Lock()
	assert.Len(t, *sunk, 3)
	mu.Unlock()

	st := w.Status()
	assert.Equal(t, int64(1), st.Batches)
	assert.Equal(t, int64(3), st.Records)
	assert.Equal(t, int64(0), st.PersistErrs)
}

func TestRunOnceChunksLargeBatch(t *testing.T) {
	w, _, lv, h, _, _ := newTestWorker(t)
	ctx := context.Background()

	require.NoError(t, lv.PushBatch(ctx, DefaultQueue, testBatch(t, 25)))
	require.NoError(t, w.RunOnce(ctx))

	h.mu.Lock()
	assert.Len(t, h.positions, 25, "all chunks must complete before RunOnce returns")
	h.mu.Unlock()
	assert.Equal(t, int64(25), w.Status().Records)
}

func TestRunOnceSkipsUnparsableRecords(t *testing.T) {
	w, mr, lv, h, _, _ := newTestWorker(t)
	ctx := context.Background()

	rows := []map[string]interface{}{
		{"Hexident": "ABC123", "Latitude": 51.5, "Longitude": -0.1, "Unixtime": time.Now().Unix()},
		{"Latitude": 51.5, "Longitude": -0.1, "Unixtime": time.Now().Unix()}, // no identifier
	}
	b, err := json.Marshal(rows)
	require.NoError(t, err)
	require.NoError(t, lv.PushBatch(ctx, DefaultQueue, string(b)))
	require.NoError(t, w.RunOnce(ctx))

	h.mu.Lock()
	assert.Len(t, h.positions, 1)
	h.mu.Unlock()
	assert.Equal(t, int64(1), w.Status().Rejects)
	assert.Empty(t, mr.HGet("adsb:current_flights", ""))
}

func TestRunOnceEchoesBatchUpstream(t *testing.T) {
	var mu sync.Mutex
	var gotPath string
	var gotRows []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotRows))
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	mr := miniredis.RunT(t)
	lv := live.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	w := New(Config{
		Upstream: adsb.NewClient(srv.URL, httputil.NewStandardClient(srv.Client())),
	}, lv, &stubHistory{}, fuse.NewScorer(nil), nil)

	ctx := context.Background()
	require.NoError(t, lv.PushBatch(ctx, DefaultQueue, testBatch(t, 2)))
	require.NoError(t, w.RunOnce(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/adsb/fetch", gotPath)
	require.Len(t, gotRows, 2, "the raw batch goes upstream as-is")
	assert.Equal(t, "ABC000", gotRows[0]["Hexident"])
}

func TestRunOnceRejectsGarbagePayload(t *testing.T) {
	w, _, lv, _, _, _ := newTestWorker(t)
	ctx := context.Background()

	require.NoError(t, lv.PushBatch(ctx, DefaultQueue, "not json"))
	assert.Error(t, w.RunOnce(ctx))
}

func TestRunOnceEmptyQueueIsQuiet(t *testing.T) {
	w, _, _, h, _, _ := newTestWorker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// BLPop against an empty queue may surface the context deadline as an
	// error; either way nothing must be processed.
	_ = w.RunOnce(ctx)
	h.mu.Lock()
	assert.Empty(t, h.positions)
	h.mu.Unlock()
}
