package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/banshee-data/trackfuse/internal/httputil"
	"github.com/banshee-data/trackfuse/internal/track"
)

// streamLive pushes every published record to the client as server-sent
// events. An optional ?kind= filters the stream.
func (s *Server) streamLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.bus == nil {
		httputil.InternalServerError(w, "live stream unavailable")
		return
	}
	kind := track.Kind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		httputil.BadRequest(w, "kind must be vessel or aircraft")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, c := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	w.(http.Flusher).Flush()

	for {
		select {
		case rec, ok := <-c:
			if !ok {
				return
			}
			if kind != "" && rec.Kind != kind {
				continue
			}
			payload, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			w.(http.Flusher).Flush()
		case <-r.Context().Done():
			return
		}
	}
}
