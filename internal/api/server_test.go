package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trackfuse/internal/fuse"
	"github.com/banshee-data/trackfuse/internal/pipeline"
	"github.com/banshee-data/trackfuse/internal/pubsub"
	"github.com/banshee-data/trackfuse/internal/store/history"
	"github.com/banshee-data/trackfuse/internal/track"
	"github.com/banshee-data/trackfuse/internal/units"
)

type stubStatus struct{}

func (stubStatus) Status() pipeline.Status {
	return pipeline.Status{Received: 42, Published: 7}
}

func testRecord(key string, ts int64, speedKn float64) *track.FusedRecord {
	return &track.FusedRecord{
		Kind:    track.KindVessel,
		Key:     key,
		MMSI:    key,
		Lat:     10,
		Lon:     20,
		EventTS: ts,
		Source:  track.SourceAISStream,
		Speed:   &speedKn,
		Score:   0.9,
	}
}

func newTestServer(t *testing.T) (*Server, *history.Store, *pubsub.Bus[*track.FusedRecord]) {
	t.Helper()
	db, err := history.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	bus := pubsub.New[*track.FusedRecord](8)
	t.Cleanup(bus.Close)
	return NewServer(stubStatus{}, db, bus, nil, units.KN), db, bus
}

func TestShowStatus(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Version  string          `json:"version"`
		Pipeline pipeline.Status `json:"pipeline"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, int64(42), body.Pipeline.Received)
	assert.NotEmpty(t, body.Version)
}

func TestListRecentObjects(t *testing.T) {
	s, db, _ := newTestServer(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()
	require.NoError(t, db.UpsertObject(ctx, testRecord("123456789", now, 10)))
	require.NoError(t, db.UpsertObject(ctx, testRecord("987654321", now+1000, 10)))

	rr := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/objects/recent?kind=vessel&limit=10", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var objects []history.ObjectRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &objects))
	require.Len(t, objects, 2)
	assert.Equal(t, "987654321", objects[0].ObjectID, "most recently seen first")
}

func TestListRecentObjectsRejectsBadKind(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/objects/recent?kind=submarine", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListPositionsConvertsUnitsOnRead(t *testing.T) {
	s, db, _ := newTestServer(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()
	require.NoError(t, db.UpsertObject(ctx, testRecord("123456789", now, 10)))
	require.NoError(t, db.UpsertPosition(ctx, testRecord("123456789", now, 10)))

	rr := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/objects/123456789/positions?units=mps", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var body positionsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "123456789", body.ObjectID)
	assert.Equal(t, units.MPS, body.Units)
	require.Len(t, body.Positions, 1)
	require.NotNil(t, body.Positions[0].SpeedKn)
	assert.InDelta(t, 10*0.514444, *body.Positions[0].SpeedKn, 0.001)
}

func TestListPositionsDefaultsToStoredUnit(t *testing.T) {
	s, db, _ := newTestServer(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()
	require.NoError(t, db.UpsertObject(ctx, testRecord("123456789", now, 10)))
	require.NoError(t, db.UpsertPosition(ctx, testRecord("123456789", now, 10)))

	rr := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/objects/123456789/positions", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var body positionsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, units.KN, body.Units)
	assert.InDelta(t, 10, *body.Positions[0].SpeedKn, 1e-9)
}

func TestListPositionsRejectsBadUnits(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/objects/123456789/positions?units=furlongs", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestObjectIDFor(t *testing.T) {
	id, ok := objectIDFor("/api/objects/123456789/positions", "/positions")
	require.True(t, ok)
	assert.Equal(t, "123456789", id)

	id, ok = objectIDFor("/api/objects/abc123/predicted", "/predicted")
	require.True(t, ok)
	assert.Equal(t, "abc123", id)

	_, ok = objectIDFor("/api/objects/123456789", "/positions")
	assert.False(t, ok)
	_, ok = objectIDFor("/api/objects//positions", "/positions")
	assert.False(t, ok)
}

// stubPredictor serves one canned prediction for one key.
type stubPredictor struct {
	key string
	p   fuse.Prediction
}

func (s stubPredictor) Predict(key string, targetMS int64) (fuse.Prediction, bool) {
	if key != s.key {
		return fuse.Prediction{}, false
	}
	p := s.p
	p.EventTS = targetMS
	return p, true
}

func TestPredictedPosition(t *testing.T) {
	speed := 12.0
	course := 90.0
	db, err := history.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	bus := pubsub.New[*track.FusedRecord](8)
	t.Cleanup(bus.Close)
	s := NewServer(stubStatus{}, db, bus, stubPredictor{
		key: "123456789",
		p:   fuse.Prediction{Lat: 10.5, Lon: 20.25, Confidence: 0.42, SpeedKn: &speed, Course: &course},
	}, units.KN)

	rr := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/objects/123456789/predicted?at=1700000000000&kind=vessel&units=mps", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var body predictedResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "123456789", body.ObjectID)
	assert.Equal(t, units.MPS, body.Units)
	require.NotNil(t, body.Position)
	assert.True(t, body.Position.Predicted)
	assert.Equal(t, track.FusedSource, body.Position.Source)
	assert.Equal(t, track.KindVessel, body.Position.Kind)
	assert.Equal(t, int64(1700000000000), body.Position.EventTS)
	assert.InDelta(t, 10.5, body.Position.Lat, 1e-9)
	assert.InDelta(t, 0.42, body.Position.Score, 1e-9)
	require.NotNil(t, body.Position.Speed)
	assert.InDelta(t, 12*0.514444, *body.Position.Speed, 0.001)

	// Unknown keys have no live filter state.
	rr = httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/objects/nosuch/predicted", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPredictedPositionDisabledWithoutPredictor(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/objects/123456789/predicted", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "trackfuse_")
}

func TestStreamLiveDeliversPublishedRecords(t *testing.T) {
	s, _, bus := newTestServer(t)
	srv := httptest.NewServer(s.ServeMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/live?kind=vessel")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	// The handler leads with a ping comment.
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, ": ping"))
	_, _ = reader.ReadString('\n')

	// An aircraft record must be filtered out, a vessel delivered.
	aircraft := testRecord("aabbcc", time.Now().UnixMilli(), 400)
	aircraft.Kind = track.KindAircraft
	bus.Publish(aircraft)
	bus.Publish(testRecord("123456789", time.Now().UnixMilli(), 12))

	dataCh := make(chan string, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "data: ") {
				dataCh <- strings.TrimPrefix(strings.TrimSpace(line), "data: ")
				return
			}
		}
	}()

	select {
	case data := <-dataCh:
		var rec track.FusedRecord
		require.NoError(t, json.Unmarshal([]byte(data), &rec))
		assert.Equal(t, "123456789", rec.Key)
		assert.Equal(t, track.KindVessel, rec.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSE data frame")
	}
}
