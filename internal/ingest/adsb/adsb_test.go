package adsb

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trackfuse/internal/httputil"
	"github.com/banshee-data/trackfuse/internal/track"
)

type sinkRecorder struct {
	mu   sync.Mutex
	msgs []*track.NormMsg
}

func (s *sinkRecorder) sink(m *track.NormMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
}

func (s *sinkRecorder) snapshot() []*track.NormMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*track.NormMsg(nil), s.msgs...)
}

func batchLine(t *testing.T, rows []map[string]interface{}) string {
	t.Helper()
	b, err := json.Marshal(rows)
	require.NoError(t, err)
	return string(b)
}

func TestPullConsumesNDJSONBatches(t *testing.T) {
	nowSec := time.Now().Unix()
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/adsb/stream", r.URL.Path)
		gotBody, _ = io.ReadAll(r.Body)

		fmt.Fprintln(w, batchLine(t, []map[string]interface{}{
			{"Hexident": "ABC123", "Latitude": 51.5, "Longitude": -0.1, "Unixtime": nowSec, "GroundSpeed": 420.0},
			{"hexident": "def456", "latitude": 48.8, "longitude": 2.3, "unixtime": nowSec, "groundspeed": 380.0},
		}))
		fmt.Fprintln(w, batchLine(t, []map[string]interface{}{
			{"Hexident": "EF0123", "Latitude": 40.6, "Longitude": -73.8, "Unixtime": nowSec},
		}))
	}))
	defer srv.Close()

	rec := &sinkRecorder{}
	p := NewPuller(StreamConfig{
		BaseURL:        srv.URL,
		FieldFilter:    `["Hexident","Latitude","Longitude"]`,
		PositionFilter: `{"minLat":30}`,
		HTTP:           httputil.NewStandardClient(srv.Client()),
	}, rec.sink)

	require.NoError(t, p.Pull(context.Background()))

	msgs := rec.snapshot()
	require.Len(t, msgs, 3)
	assert.Equal(t, "abc123", msgs[0].Key, "hexident is lowercased into the key")
	assert.Equal(t, "def456", msgs[1].Key, "lowercase wire keys normalize the same way")
	assert.Equal(t, track.KindAircraft, msgs[0].Kind)
	assert.Equal(t, track.SourceADSBExchange, msgs[0].Source)
	require.NotNil(t, msgs[1].Speed)
	assert.InDelta(t, 380.0, *msgs[1].Speed, 1e-9)

	// Filters are forwarded verbatim in the request body.
	var req map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(gotBody, &req))
	assert.JSONEq(t, `["Hexident","Latitude","Longitude"]`, string(req["FieldFilter"]))
	assert.JSONEq(t, `{"minLat":30}`, string(req["PositionFilter"]))

	st := p.Status()
	assert.Equal(t, int64(2), st.Batches)
	assert.Equal(t, int64(3), st.Records)
}

func TestPullStopsAtAircraftCap(t *testing.T) {
	nowSec := time.Now().Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		for i := 0; i < 50; i++ {
			fmt.Fprintln(w, batchLine(t, []map[string]interface{}{
				{"Hexident": fmt.Sprintf("A%05d", i), "Latitude": 51.5, "Longitude": -0.1, "Unixtime": nowSec},
			}))
			fl.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	rec := &sinkRecorder{}
	p := NewPuller(StreamConfig{
		BaseURL:     srv.URL,
		MaxAircraft: 5,
		HTTP:        httputil.NewStandardClient(srv.Client()),
	}, rec.sink)

	start := time.Now()
	require.NoError(t, p.Pull(context.Background()))
	assert.Less(t, time.Since(start), 10*time.Second, "capped pull must not run to the overall timeout")
	assert.GreaterOrEqual(t, len(rec.snapshot()), 5)
	assert.Less(t, len(rec.snapshot()), 50)
}

func TestPullEndsOnBatchSilence(t *testing.T) {
	nowSec := time.Now().Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, batchLine(t, []map[string]interface{}{
			{"Hexident": "ABC123", "Latitude": 51.5, "Longitude": -0.1, "Unixtime": nowSec},
		}))
		w.(http.Flusher).Flush()
		// Then go quiet without closing: the silence timer must end the pull.
		select {
		case <-r.Context().Done():
		case <-time.After(30 * time.Second):
		}
	}))
	defer srv.Close()

	rec := &sinkRecorder{}
	p := NewPuller(StreamConfig{
		BaseURL: srv.URL,
		HTTP:    httputil.NewStandardClient(srv.Client()),
	}, rec.sink)

	start := time.Now()
	require.NoError(t, p.Pull(context.Background()))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, batchSilence)
	assert.Less(t, elapsed, 15*time.Second)
	assert.Len(t, rec.snapshot(), 1)
}

func TestPullCountsUnparsableRecords(t *testing.T) {
	nowSec := time.Now().Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, batchLine(t, []map[string]interface{}{
			{"Hexident": "ABC123", "Latitude": 51.5, "Longitude": -0.1, "Unixtime": nowSec},
			{"Latitude": 51.5, "Longitude": -0.1, "Unixtime": nowSec}, // no identifier
		}))
	}))
	defer srv.Close()

	rec := &sinkRecorder{}
	p := NewPuller(StreamConfig{BaseURL: srv.URL, HTTP: httputil.NewStandardClient(srv.Client())}, rec.sink)
	require.NoError(t, p.Pull(context.Background()))

	assert.Len(t, rec.snapshot(), 1)
	assert.Equal(t, int64(1), p.Status().Rejects)
}

func TestCanonicalizeKeys(t *testing.T) {
	got := CanonicalizeKeys(map[string]interface{}{
		"HEXIDENT":     "abc",
		"groundspeed":  1.0,
		"VerticalRate": 2.0,
		"custom_field": "kept",
	})
	assert.Equal(t, "abc", got["Hexident"])
	assert.Equal(t, 1.0, got["GroundSpeed"])
	assert.Equal(t, 2.0, got["VerticalRate"])
	assert.Equal(t, "kept", got["custom_field"])
}

func TestClientQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/adsb/query", r.URL.Path)
		var q QueryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
		assert.Equal(t, "abc123", q.Hexident)
		assert.Equal(t, 100, q.Limit)
		json.NewEncoder(w).Encode([]map[string]interface{}{{"Hexident": "abc123"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, httputil.NewStandardClient(srv.Client()))
	rows, err := c.Query(context.Background(), QueryRequest{Hexident: "abc123", Limit: 100})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "abc123", rows[0]["Hexident"])
}

func TestClientFetchEcho(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/adsb/fetch", r.URL.Path)
		io.Copy(w, r.Body) // echo
	}))
	defer srv.Close()

	c := NewClient(srv.URL, httputil.NewStandardClient(srv.Client()))
	batch := []map[string]interface{}{{"Hexident": "abc123"}}
	got, err := c.Fetch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, batch, got)
}

func TestClientSurfacesUpstreamErrors(t *testing.T) {
	mock := httputil.NewMockHTTPClient().
		AddResponse(http.StatusBadGateway, "upstream down").
		AddResponse(http.StatusOK, `[{"Hexident":"abc123"}]`)

	c := NewClient("http://adsb.example", mock)

	_, err := c.Query(context.Background(), QueryRequest{Hexident: "abc123"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	rows, err := c.Query(context.Background(), QueryRequest{Hexident: "abc123"})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.Equal(t, 2, mock.RequestCount())
	assert.Equal(t, "/adsb/query", mock.GetRequest(0).URL.Path)
}
