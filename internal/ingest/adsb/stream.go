// Package adsb pulls aircraft telemetry from the upstream ADSB service:
// a streaming NDJSON puller for live positions plus request/response
// clients for fetch echo and historical queries.
package adsb

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/grafana/dskit/backoff"
	"go.uber.org/atomic"

	"github.com/banshee-data/trackfuse/internal/httputil"
	"github.com/banshee-data/trackfuse/internal/monitoring"
	"github.com/banshee-data/trackfuse/internal/normalize"
	"github.com/banshee-data/trackfuse/internal/track"
)

const (
	adapterName = "adsb"

	// overallTimeout bounds one whole stream pull; batchSilence bounds
	// the wait for the next line within a pull.
	overallTimeout = 60 * time.Second
	batchSilence   = 5 * time.Second

	// Safety caps for a single pull; the upstream occasionally misbehaves
	// and streams without end.
	DefaultMaxBatches  = 100
	DefaultMaxAircraft = 5000

	maxLineBytes = 1 << 22
)

// canonicalKeys maps lowercased wire keys onto the canonical spellings the
// alias tables prefer. Upstream batches flip casing between deployments.
var canonicalKeys = map[string]string{
	"hexident":     "Hexident",
	"callsign":     "Callsign",
	"latitude":     "Latitude",
	"longitude":    "Longitude",
	"unixtime":     "Unixtime",
	"groundspeed":  "GroundSpeed",
	"track":        "Track",
	"heading":      "Heading",
	"altitude":     "Altitude",
	"verticalrate": "VerticalRate",
	"registration": "Registration",
}

// streamRequest is the upstream request body. Both filters are forwarded
// verbatim; nothing is applied locally.
type streamRequest struct {
	FieldFilter    json.RawMessage `json:"FieldFilter,omitempty"`
	PositionFilter json.RawMessage `json:"PositionFilter,omitempty"`
}

// StreamConfig parameterizes the puller.
type StreamConfig struct {
	BaseURL string

	// FieldFilter and PositionFilter are raw JSON fragments copied into
	// the upstream request. Empty omits the field.
	FieldFilter    string
	PositionFilter string

	// Interval spaces successful pulls. Zero gets 30 seconds.
	Interval time.Duration

	MaxBatches  int
	MaxAircraft int

	HTTP httputil.HTTPClient
}

// Puller runs the streaming pull loop and feeds normalized aircraft
// messages to the sink.
type Puller struct {
	cfg  StreamConfig
	sink func(*track.NormMsg)
	logf func(format string, v ...interface{})

	mu        sync.Mutex
	lastPull  time.Time
	lastError string

	pulls       atomic.Int64
	batches     atomic.Int64
	records     atomic.Int64
	rejects     atomic.Int64
	lastEventMS atomic.Int64
}

// NewPuller builds a puller. sink must not block.
func NewPuller(cfg StreamConfig, sink func(*track.NormMsg)) *Puller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = DefaultMaxBatches
	}
	if cfg.MaxAircraft <= 0 {
		cfg.MaxAircraft = DefaultMaxAircraft
	}
	if cfg.HTTP == nil {
		cfg.HTTP = httputil.NewStandardClient(nil)
	}
	return &Puller{
		cfg:  cfg,
		sink: sink,
		logf: monitoring.Componentf("ADSB"),
	}
}

// Run pulls until ctx is cancelled, backing off on failures.
func (p *Puller) Run(ctx context.Context) {
	defer monitoring.AdapterUp.WithLabelValues(adapterName).Set(0)

	bo := backoff.New(ctx, backoff.Config{
		MinBackoff: time.Second,
		MaxBackoff: 10 * time.Second,
	})
	for ctx.Err() == nil {
		err := p.Pull(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			monitoring.AdapterUp.WithLabelValues(adapterName).Set(0)
			p.setError(err)
			p.logf("stream pull failed: %v; retrying in %s", err, bo.NextDelay())
			bo.Wait()
			continue
		}
		bo.Reset()
		select {
		case <-time.After(p.cfg.Interval):
		case <-ctx.Done():
		}
	}
}

// Pull issues one streaming request and consumes batches until the stream
// ends, a timeout fires, or a safety cap is hit.
func (p *Puller) Pull(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, overallTimeout)
	defer cancel()

	body, err := json.Marshal(streamRequest{
		FieldFilter:    rawOrNil(p.cfg.FieldFilter),
		PositionFilter: rawOrNil(p.cfg.PositionFilter),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/adsb/stream", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if p.cfg.FieldFilter != "" || p.cfg.PositionFilter != "" {
		p.logf("stream start with upstream filters field=%s position=%s (forwarded, not applied locally)",
			orDash(p.cfg.FieldFilter), orDash(p.cfg.PositionFilter))
	}

	resp, err := p.cfg.HTTP.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		httputil.DrainBody(resp)
		return fmt.Errorf("stream: status %d", resp.StatusCode)
	}
	defer resp.Body.Close()
	monitoring.AdapterUp.WithLabelValues(adapterName).Set(1)
	p.pulls.Inc()
	p.mu.Lock()
	p.lastPull = time.Now()
	p.lastError = ""
	p.mu.Unlock()

	lines := make(chan []byte, 4)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			b := make([]byte, len(line))
			copy(b, line)
			select {
			case lines <- b:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	var batches, aircraft int
	silence := time.NewTimer(batchSilence)
	defer silence.Stop()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			n, err := p.ingestBatch(line)
			if err != nil {
				p.logf("bad batch line: %v", err)
			} else {
				batches++
				aircraft += n
			}
			if batches >= p.cfg.MaxBatches || aircraft >= p.cfg.MaxAircraft {
				p.logf("safety cap reached (%d batches, %d aircraft); ending pull", batches, aircraft)
				return nil
			}
			if !silence.Stop() {
				select {
				case <-silence.C:
				default:
				}
			}
			silence.Reset(batchSilence)
		case <-silence.C:
			// A quiet stream is a normal end, not an error.
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ingestBatch decodes one NDJSON line (an array of aircraft records) and
// forwards the normalizable ones. Returns the record count.
func (p *Puller) ingestBatch(line []byte) (int, error) {
	var rows []map[string]interface{}
	if err := json.Unmarshal(line, &rows); err != nil {
		return 0, err
	}
	p.batches.Inc()
	monitoring.AdapterBatches.WithLabelValues(adapterName).Inc()

	for _, row := range rows {
		m, rej := normalize.Record(track.SourceADSBExchange, track.KindAircraft, CanonicalizeKeys(row))
		if rej != normalize.RejectNone {
			p.rejects.Inc()
			monitoring.ParseRejects.WithLabelValues(track.SourceADSBExchange).Inc()
			continue
		}
		p.records.Inc()
		monitoring.AdapterRecords.WithLabelValues(adapterName).Inc()
		if m.EventTS > p.lastEventMS.Load() {
			p.lastEventMS.Store(m.EventTS)
		}
		p.sink(m)
	}
	return len(rows), nil
}

// CanonicalizeKeys rewrites record keys onto the canonical spelling where
// a case-insensitive match exists; unrecognized keys pass through.
func CanonicalizeKeys(row map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		if canon, ok := canonicalKeys[strings.ToLower(strings.TrimSpace(k))]; ok {
			k = canon
		}
		out[k] = v
	}
	return out
}

func (p *Puller) setError(err error) {
	p.mu.Lock()
	p.lastError = err.Error()
	p.mu.Unlock()
}

// Status is the snapshot surfaced through the orchestrator.
type Status struct {
	LastPull    time.Time `json:"last_pull"`
	LastError   string    `json:"last_error,omitempty"`
	Pulls       int64     `json:"pulls"`
	Batches     int64     `json:"batches"`
	Records     int64     `json:"records"`
	Rejects     int64     `json:"rejects"`
	LastEventTS int64     `json:"last_event_ts"`
}

// Status returns a point-in-time snapshot.
func (p *Puller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		LastPull:    p.lastPull,
		LastError:   p.lastError,
		Pulls:       p.pulls.Load(),
		Batches:     p.batches.Load(),
		Records:     p.records.Load(),
		Rejects:     p.rejects.Load(),
		LastEventTS: p.lastEventMS.Load(),
	}
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
