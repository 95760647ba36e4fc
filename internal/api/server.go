// Package api serves the admin and read surface: pipeline status, object
// history, a live SSE feed of fused records, health, and metrics.
package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/trackfuse/internal/fuse"
	"github.com/banshee-data/trackfuse/internal/httputil"
	"github.com/banshee-data/trackfuse/internal/pipeline"
	"github.com/banshee-data/trackfuse/internal/pubsub"
	"github.com/banshee-data/trackfuse/internal/store/history"
	"github.com/banshee-data/trackfuse/internal/track"
	"github.com/banshee-data/trackfuse/internal/units"
	"github.com/banshee-data/trackfuse/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultPositionsLimit = 500
	maxPositionsLimit     = 5000
	defaultRecentLimit    = 100
)

// Statuser exposes the pipeline snapshot; *pipeline.Pipeline satisfies it.
type Statuser interface {
	Status() pipeline.Status
}

// Predictor serves dead-reckoned positions between reports;
// *fuse.Smoother satisfies it. Nil disables the predicted endpoint.
type Predictor interface {
	Predict(key string, targetMS int64) (fuse.Prediction, bool)
}

type Server struct {
	status  Statuser
	db      *history.Store
	bus     *pubsub.Bus[*track.FusedRecord]
	predict Predictor
	units   string
}

// NewServer wires the read surface. units is the default speed unit for
// history reads; rows are stored in knots.
func NewServer(status Statuser, db *history.Store, bus *pubsub.Bus[*track.FusedRecord], predict Predictor, unit string) *Server {
	if !units.IsValid(unit) {
		unit = units.KN
	}
	return &Server{
		status:  status,
		db:      db,
		bus:     bus,
		predict: predict,
		units:   unit,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/objects/recent", s.listRecentObjects)
	mux.HandleFunc("/api/objects/", s.objectSubresource) // /api/objects/{id}/{positions,predicted}
	mux.HandleFunc("/api/live", s.streamLive)
	mux.HandleFunc("/healthz", s.healthz)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"version":  version.Version,
		"pipeline": s.status.Status(),
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

func (s *Server) listRecentObjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	kind := track.Kind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		httputil.BadRequest(w, "kind must be vessel or aircraft")
		return
	}
	limit := queryInt(r, "limit", defaultRecentLimit)
	if limit < 1 || limit > maxPositionsLimit {
		httputil.BadRequest(w, "limit out of range")
		return
	}
	objects, err := s.db.RecentObjects(r.Context(), kind, limit)
	if err != nil {
		httputil.InternalServerError(w, "query failed")
		return
	}
	httputil.WriteJSONOK(w, objects)
}

// positionsResponse carries the unit actually applied so clients need not
// guess.
type positionsResponse struct {
	ObjectID  string                   `json:"object_id"`
	Units     string                   `json:"units"`
	Positions []history.PositionRecord `json:"positions"`
}

// objectSubresource routes /api/objects/{id}/positions and
// /api/objects/{id}/predicted.
func (s *Server) objectSubresource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if objectID, ok := objectIDFor(r.URL.Path, "/predicted"); ok && objectID != "" {
		s.predictedPosition(w, r, objectID)
		return
	}
	objectID, ok := objectIDFor(r.URL.Path, "/positions")
	if !ok || objectID == "" {
		httputil.NotFound(w, "not found")
		return
	}
	s.listPositions(w, r, objectID)
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request, objectID string) {
	unit, ok := s.requestUnits(w, r)
	if !ok {
		return
	}

	fromMS := queryInt64(r, "from", 0)
	toMS := queryInt64(r, "to", time.Now().UnixMilli())
	limit := queryInt(r, "limit", defaultPositionsLimit)
	if limit < 1 || limit > maxPositionsLimit {
		httputil.BadRequest(w, "limit out of range")
		return
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		httputil.BadRequest(w, "offset must be non-negative")
		return
	}

	rows, err := s.db.Positions(r.Context(), objectID, fromMS, toMS, limit, offset)
	if err != nil {
		httputil.InternalServerError(w, "query failed")
		return
	}
	for i := range rows {
		rows[i] = convertPositionSpeed(rows[i], unit)
	}
	httputil.WriteJSONOK(w, positionsResponse{
		ObjectID:  objectID,
		Units:     unit,
		Positions: rows,
	})
}

// convertPositionSpeed applies unit conversion on read; storage stays in
// knots.
func convertPositionSpeed(row history.PositionRecord, unit string) history.PositionRecord {
	if row.SpeedKn != nil && unit != units.KN {
		converted := units.FromKnots(*row.SpeedKn, unit)
		row.SpeedKn = &converted
	}
	return row
}

// predictedPosition dead-reckons the object's position to a requested
// time (default now) from its live filter state.
func (s *Server) predictedPosition(w http.ResponseWriter, r *http.Request, objectID string) {
	if s.predict == nil {
		httputil.NotFound(w, "prediction is not enabled")
		return
	}
	unit, ok := s.requestUnits(w, r)
	if !ok {
		return
	}
	kind := track.Kind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		httputil.BadRequest(w, "kind must be vessel or aircraft")
		return
	}

	at := queryInt64(r, "at", time.Now().UnixMilli())
	p, ok := s.predict.Predict(objectID, at)
	if !ok {
		httputil.NotFound(w, "no live track for object")
		return
	}

	rec := &track.FusedRecord{
		Kind:      kind,
		Key:       objectID,
		Lat:       p.Lat,
		Lon:       p.Lon,
		EventTS:   p.EventTS,
		Source:    track.FusedSource,
		Score:     p.Confidence,
		Predicted: true,
		Speed:     p.SpeedKn,
		Course:    p.Course,
	}
	if rec.Speed != nil && unit != units.KN {
		converted := units.FromKnots(*rec.Speed, unit)
		rec.Speed = &converted
	}
	httputil.WriteJSONOK(w, predictedResponse{
		ObjectID: objectID,
		Units:    unit,
		Position: rec,
	})
}

// predictedResponse mirrors positionsResponse for the dead-reckoned path.
type predictedResponse struct {
	ObjectID string             `json:"object_id"`
	Units    string             `json:"units"`
	Position *track.FusedRecord `json:"position"`
}

// requestUnits resolves ?units= against the server default, writing the
// error response itself on an invalid value.
func (s *Server) requestUnits(w http.ResponseWriter, r *http.Request) (string, bool) {
	unit := r.URL.Query().Get("units")
	if unit == "" {
		unit = s.units
	}
	if !units.IsValid(unit) {
		httputil.BadRequest(w, "units must be one of "+units.GetValidUnitsString())
		return "", false
	}
	return unit, true
}

// objectIDFor extracts {id} from /api/objects/{id}{suffix}.
func objectIDFor(path, suffix string) (string, bool) {
	const prefix = "/api/objects/"
	if len(path) <= len(prefix)+len(suffix) {
		return "", false
	}
	if path[:len(prefix)] != prefix || path[len(path)-len(suffix):] != suffix {
		return "", false
	}
	return path[len(prefix) : len(path)-len(suffix)], true
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

func queryInt64(r *http.Request, name string, def int64) int64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
