package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trackfuse/internal/httputil"
	"github.com/banshee-data/trackfuse/internal/track"
)

var testNow = time.Date(2025, 8, 12, 2, 0, 0, 0, time.UTC)

type sinkRecorder struct {
	mu   sync.Mutex
	msgs []*track.NormMsg
}

func (s *sinkRecorder) sink(m *track.NormMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func queryDataFrame(t *testing.T, rows []map[string]interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(rows)
	require.NoError(t, err)
	b, err := json.Marshal(frame{Target: "QueryData", Arguments: []json.RawMessage{payload}})
	require.NoError(t, err)
	return b
}

func TestSessionOverSSE(t *testing.T) {
	rec := &sinkRecorder{}
	var triggerBodies [][]byte
	var triggerMu sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc("/negotiate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"connectionId":        "conn-1",
			"availableTransports": []string{"serverSentEvents"},
		})
	})
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "serverSentEvents", r.URL.Query().Get("transport"))
		require.Equal(t, "conn-1", r.URL.Query().Get("id"))
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)

		fmt.Fprintf(w, "data: %s\n\n", `{"target":"QueryCount","arguments":[2]}`)
		fmt.Fprintf(w, "data: %s\n\n", queryDataFrame(t, []map[string]interface{}{
			{"MMSI": "123456789", "Latitude": 31.2, "Longitude": 121.5, "updatetime": "2025-08-12 01:59:00"},
			{"MMSI": "987654321", "Lat": 31.3, "Longitude": 121.6, "updatetime": "2025-08-12 01:59:30"},
		}))
		fmt.Fprintf(w, "data: %s\n\n", `{"target":"QueryEnd","arguments":[]}`)
		fl.Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/api/query", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		triggerMu.Lock()
		triggerBodies = append(triggerBodies, b)
		triggerMu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := httputil.NewStandardClient(srv.Client())
	c := New(Config{
		Host:            srv.URL,
		UserID:          "user-1",
		AutoTrigger:     true,
		TriggerInterval: 50 * time.Millisecond,
		QueryMinutes:    5,
		HTTP:            client,
		Transports:      []Transport{&sseTransport{client: client}},
	}, rec.sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	require.Equal(t, 2, rec.count())
	rec.mu.Lock()
	assert.Equal(t, "123456789", rec.msgs[0].Key)
	assert.Equal(t, track.SourceSignalR, rec.msgs[0].Source)
	assert.Equal(t, track.KindVessel, rec.msgs[0].Kind)
	rec.mu.Unlock()

	st := c.Status()
	assert.Equal(t, int64(1), st.Batches)
	assert.Equal(t, int64(2), st.Records)

	// The auto-trigger fired at least once with the expected payload shape.
	triggerMu.Lock()
	defer triggerMu.Unlock()
	require.NotEmpty(t, triggerBodies)
	var q queryRequest
	require.NoError(t, json.Unmarshal(triggerBodies[0], &q))
	assert.Equal(t, "conn-1", q.ConnectionID)
	assert.Equal(t, "user-1", q.UserID)
	assert.Contains(t, q.Query, "updatetime")
}

// A dead preferred transport falls through to the next one in the chain.
func TestTransportFallback(t *testing.T) {
	rec := &sinkRecorder{}

	mux := http.NewServeMux()
	mux.HandleFunc("/negotiate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"connectionId":        "conn-2",
			"availableTransports": []string{"webSockets", "serverSentEvents"},
		})
	})
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("transport") {
		case "webSockets":
			http.Error(w, "no websocket here", http.StatusBadGateway)
		case "serverSentEvents":
			w.Header().Set("Content-Type", "text/event-stream")
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := httputil.NewStandardClient(srv.Client())
	c := New(Config{
		Host: srv.URL,
		HTTP: client,
		Transports: []Transport{
			&wsTransport{},
			&sseTransport{client: client},
		},
	}, rec.sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for c.Status().Transport != "serverSentEvents" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, "serverSentEvents", c.Status().Transport)
	cancel()
	<-done
}

func TestHandleFrameRejectsBadRecords(t *testing.T) {
	rec := &sinkRecorder{}
	c := New(Config{Host: "http://hub.invalid"}, rec.sink)

	c.handleFrame(queryDataFrame(t, []map[string]interface{}{
		{"MMSI": "123456789", "Latitude": 31.2, "Longitude": 121.5, "updatetime": "2025-08-12 01:59:00"},
		{"Latitude": 31.2, "Longitude": 121.5, "updatetime": "2025-08-12 01:59:00"}, // no identifier
		{"MMSI": "987654321", "updatetime": "2025-08-12 01:59:00"},                  // no position
	}))

	assert.Equal(t, 1, rec.count())
	assert.Equal(t, int64(2), c.Status().Rejects)
}

func TestIncrementalWatermarkAdvancesPastBatch(t *testing.T) {
	rec := &sinkRecorder{}
	c := New(Config{
		Host:        "http://hub.invalid",
		Incremental: true,
		Now:         func() time.Time { return testNow },
	}, rec.sink)

	eventTS := testNow.Add(-2 * time.Minute)
	c.handleFrame(queryDataFrame(t, []map[string]interface{}{
		{"MMSI": "123456789", "Latitude": 31.2, "Longitude": 121.5, "updatetime": float64(eventTS.Unix())},
	}))
	c.handleFrame([]byte(`{"target":"QueryEnd","arguments":[]}`))

	c.mu.Lock()
	query := c.buildQueryLocked()
	c.mu.Unlock()

	want := eventTS.Add(incrementalSlack).UTC().Format(predicateLayout)
	assert.Equal(t, fmt.Sprintf("updatetime >= '%s'", want), query)
}

func TestColdFeedEscalatesLookback(t *testing.T) {
	rec := &sinkRecorder{}
	c := New(Config{
		Host:         "http://hub.invalid",
		QueryMinutes: 5,
		Now:          func() time.Time { return testNow },
	}, rec.sink)

	end := []byte(`{"target":"QueryEnd","arguments":[]}`)

	// Cold start: the first predicate uses the shortest lookback.
	c.mu.Lock()
	first := c.buildQueryLocked()
	c.mu.Unlock()
	assert.Contains(t, first, testNow.Add(-coldLookbacks[0]).Format(predicateLayout))

	// Each empty cycle escalates the schedule and rotates the syntax.
	c.handleFrame(end)
	c.handleFrame(end)
	c.mu.Lock()
	later := c.buildQueryLocked()
	step, variant := c.coldStep, c.variant
	c.mu.Unlock()
	assert.Equal(t, 2, step)
	assert.Equal(t, 2, variant)
	assert.Contains(t, later, testNow.Add(-coldLookbacks[2]).Format(predicateLayout))
	assert.True(t, strings.HasPrefix(later, "update_time"), "syntax variant should rotate, got %q", later)
}

func TestEmptyCyclesTriggerDiagnosticProbes(t *testing.T) {
	var queries []string
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("/api/query", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var q queryRequest
		json.Unmarshal(b, &q)
		mu.Lock()
		queries = append(queries, q.Query)
		mu.Unlock()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := &sinkRecorder{}
	c := New(Config{
		Host: srv.URL,
		HTTP: httputil.NewStandardClient(srv.Client()),
		Now:  func() time.Time { return testNow },
	}, rec.sink)
	c.mu.Lock()
	c.connectionID = "conn-3"
	c.mu.Unlock()

	end := []byte(`{"target":"QueryEnd","arguments":[]}`)
	c.handleFrame(end)
	c.handleFrame(end)

	require.NoError(t, c.Trigger(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, queries, 3)
	assert.Contains(t, queries[0], testNow.Add(-time.Hour).Format(predicateLayout))
	assert.Contains(t, queries[1], testNow.Add(-24*time.Hour).Format(predicateLayout))
	assert.Contains(t, queries[2], "limit 10")
	assert.Equal(t, 0, c.Status().EmptyCycles, "probes reset the empty-cycle counter")
}

func TestTriggerWithoutConnection(t *testing.T) {
	c := New(Config{Host: "http://hub.invalid"}, (&sinkRecorder{}).sink)
	assert.ErrorIs(t, c.Trigger(context.Background()), ErrNotConnected)
}
