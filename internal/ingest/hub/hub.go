// Package hub implements the streaming push client for the vessel feed: a
// long-lived session with a remote query hub that pushes QueryCount /
// QueryData / QueryEnd events over whichever transport survives the
// fallback chain.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grafana/dskit/backoff"
	"go.uber.org/atomic"

	"github.com/banshee-data/trackfuse/internal/httputil"
	"github.com/banshee-data/trackfuse/internal/monitoring"
	"github.com/banshee-data/trackfuse/internal/normalize"
	"github.com/banshee-data/trackfuse/internal/track"
)

// ErrNotConnected is returned by Trigger when no session is live.
var ErrNotConnected = errors.New("hub: not connected")

const (
	adapterName    = "hub"
	connectTimeout = 15 * time.Second

	// A batch's watermark advances past its newest record by this margin
	// so the next incremental predicate re-reads the boundary.
	incrementalSlack = 60 * time.Second

	// After this many consecutive empty trigger cycles the client runs
	// diagnostic probes instead of another normal query.
	emptyCyclesBeforeProbe = 2
)

// predicateLayout is the timestamp format the hub's query language accepts.
const predicateLayout = "2006-01-02 15:04:05"

// coldLookbacks is the escalation schedule while the feed is cold.
var coldLookbacks = []time.Duration{30 * time.Second, 2 * time.Minute, 5 * time.Minute, 15 * time.Minute}

// predicateFormats are the query-syntax variants tried across escalation
// steps; upstream deployments differ in column naming and comparison.
var predicateFormats = []string{
	"updatetime >= '%s'",
	"updatetime > '%s'",
	"update_time >= '%s'",
}

// State names the connection lifecycle phase.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateTriggering   State = "triggering"
	StateIdle         State = "idle"
	StateReconnecting State = "reconnecting"
)

// Config parameterizes the client. Host is required; everything else has a
// workable default.
type Config struct {
	Host                string // base URL of the hub
	Device              string
	UserID              string
	Query               string // fixed query text; empty builds windowed predicates
	AutoTrigger         bool
	TriggerInterval     time.Duration
	QueryMinutes        int  // lookback for windowed predicates
	Incremental         bool // advance T0 past each batch instead of recomputing
	UsingLastUpdateTime bool

	// HTTP is used for negotiate, trigger, SSE, and long polling. Nil
	// gets a standard client.
	HTTP httputil.HTTPClient

	// Transports overrides the fallback chain; nil gets the default
	// negotiated → websocket → SSE → long-polling order.
	Transports []Transport

	Now func() time.Time
}

// frame is the wire shape of a pushed event.
type frame struct {
	Target    string            `json:"target"`
	Arguments []json.RawMessage `json:"arguments"`
}

// queryRequest is the trigger payload shape.
type queryRequest struct {
	ConnectionID        string `json:"ConnectionId"`
	UserID              string `json:"UserId"`
	Query               string `json:"Query"`
	UsingLastUpdateTime bool   `json:"UsingLastUpdateTime"`
}

// Client maintains the hub session and feeds normalized vessel messages to
// the sink.
type Client struct {
	cfg  Config
	sink func(*track.NormMsg)
	logf func(format string, v ...interface{})

	mu           sync.Mutex
	state        State
	connectionID string
	userID       string
	transport    string // name of the live transport
	lastUpdate   time.Time
	coldStep     int
	variant      int
	emptyCycles  int

	expectedCount atomic.Int64
	batchRecords  atomic.Int64
	batchMaxTS    atomic.Int64
	batches       atomic.Int64
	records       atomic.Int64
	rejects       atomic.Int64
	lastEventMS   atomic.Int64
}

// New builds a client. sink receives every normalized record and must not
// block (the pipeline's Submit never does).
func New(cfg Config, sink func(*track.NormMsg)) *Client {
	if cfg.TriggerInterval <= 0 {
		cfg.TriggerInterval = 30 * time.Second
	}
	if cfg.QueryMinutes <= 0 {
		cfg.QueryMinutes = 5
	}
	if cfg.HTTP == nil {
		cfg.HTTP = httputil.NewStandardClient(nil)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Transports == nil {
		cfg.Transports = DefaultTransports(cfg.HTTP)
	}
	return &Client{
		cfg:    cfg,
		sink:   sink,
		state:  StateDisconnected,
		userID: cfg.UserID,
		logf:   monitoring.Componentf("Hub"),
	}
}

// Run connects and serves until ctx is cancelled, reconnecting with capped
// exponential backoff on any transport failure.
func (c *Client) Run(ctx context.Context) {
	defer c.setState(StateDisconnected)
	defer monitoring.AdapterUp.WithLabelValues(adapterName).Set(0)

	bo := backoff.New(ctx, backoff.Config{
		MinBackoff: time.Second,
		MaxBackoff: 10 * time.Second,
	})
	for ctx.Err() == nil {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		c.setState(StateReconnecting)
		monitoring.AdapterUp.WithLabelValues(adapterName).Set(0)
		c.logf("session ended: %v; reconnecting in %s", err, bo.NextDelay())
		bo.Wait()
	}
}

// session negotiates, connects one transport, and pumps frames until the
// transport dies or ctx is cancelled.
func (c *Client) session(ctx context.Context) error {
	c.setState(StateConnecting)

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	connID, preferred, err := c.negotiate(connCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}

	conn, name, err := c.connectTransport(ctx, connID, preferred)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.mu.Lock()
	c.connectionID = connID
	c.transport = name
	if c.userID == "" {
		c.userID = uuid.NewString()
	}
	c.state = StateConnected
	c.mu.Unlock()
	monitoring.AdapterUp.WithLabelValues(adapterName).Set(1)
	c.logf("connected via %s (connection %s)", name, connID)

	frames := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			b, err := conn.ReadFrame(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	var trigger <-chan time.Time
	if c.cfg.AutoTrigger {
		t := time.NewTicker(c.cfg.TriggerInterval)
		defer t.Stop()
		trigger = t.C
		// Fire the first query immediately rather than a full interval in.
		if err := c.Trigger(ctx); err != nil {
			c.logf("initial trigger failed: %v", err)
		}
	}

	for {
		select {
		case b := <-frames:
			c.handleFrame(b)
		case <-trigger:
			c.setState(StateTriggering)
			if err := c.Trigger(ctx); err != nil {
				c.logf("trigger failed: %v", err)
			}
			c.setState(StateIdle)
		case err := <-readErr:
			return fmt.Errorf("transport read: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// negotiate asks the hub for a connection id and its preferred transport.
func (c *Client) negotiate(ctx context.Context) (connID, preferred string, err error) {
	u := c.cfg.Host + "/negotiate"
	if c.cfg.Device != "" {
		u += "?device=" + c.cfg.Device
	}
	var body struct {
		ConnectionID        string   `json:"connectionId"`
		AvailableTransports []string `json:"availableTransports"`
	}
	if err := httputil.GetJSON(ctx, c.cfg.HTTP, u, &body); err != nil {
		return "", "", err
	}
	if body.ConnectionID == "" {
		body.ConnectionID = uuid.NewString()
	}
	if len(body.AvailableTransports) > 0 {
		preferred = body.AvailableTransports[0]
	}
	return body.ConnectionID, preferred, nil
}

// connectTransport walks the fallback chain. The negotiated preference is
// tried first when it names a transport in the chain.
func (c *Client) connectTransport(ctx context.Context, connID, preferred string) (Conn, string, error) {
	ordered := make([]Transport, 0, len(c.cfg.Transports))
	for _, t := range c.cfg.Transports {
		if t.Name() == preferred {
			ordered = append(ordered, t)
		}
	}
	for _, t := range c.cfg.Transports {
		if t.Name() != preferred {
			ordered = append(ordered, t)
		}
	}

	var lastErr error
	for _, t := range ordered {
		connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		conn, err := t.Connect(connCtx, c.cfg.Host, connID)
		cancel()
		if err == nil {
			return conn, t.Name(), nil
		}
		lastErr = err
		c.logf("transport %s failed: %v", t.Name(), err)
	}
	if lastErr == nil {
		lastErr = errors.New("no transports configured")
	}
	return nil, "", fmt.Errorf("all transports failed: %w", lastErr)
}

// handleFrame dispatches one pushed event.
func (c *Client) handleFrame(b []byte) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		c.logf("undecodable frame: %v", err)
		return
	}
	switch f.Target {
	case "QueryCount":
		var n int64
		if len(f.Arguments) > 0 {
			_ = json.Unmarshal(f.Arguments[0], &n)
		}
		c.expectedCount.Store(n)
		c.batchRecords.Store(0)
		c.batchMaxTS.Store(0)
	case "QueryData":
		if len(f.Arguments) == 0 {
			return
		}
		var rows []map[string]interface{}
		if err := json.Unmarshal(f.Arguments[0], &rows); err != nil {
			c.logf("undecodable QueryData payload: %v", err)
			return
		}
		c.ingest(rows)
	case "QueryEnd":
		c.finishBatch()
	}
}

// ingest normalizes and forwards one data chunk.
func (c *Client) ingest(rows []map[string]interface{}) {
	for _, row := range rows {
		m, rej := normalize.Record(track.SourceSignalR, track.KindVessel, row)
		if rej != normalize.RejectNone {
			c.rejects.Inc()
			monitoring.ParseRejects.WithLabelValues(track.SourceSignalR).Inc()
			continue
		}
		c.records.Inc()
		c.batchRecords.Inc()
		monitoring.AdapterRecords.WithLabelValues(adapterName).Inc()
		if m.EventTS > c.batchMaxTS.Load() {
			c.batchMaxTS.Store(m.EventTS)
		}
		if m.EventTS > c.lastEventMS.Load() {
			c.lastEventMS.Store(m.EventTS)
		}
		c.sink(m)
	}
}

// finishBatch closes out the current batch: watermark advancement while
// warm, escalation bookkeeping while cold.
func (c *Client) finishBatch() {
	n := c.batchRecords.Load()
	c.batches.Inc()
	monitoring.AdapterBatches.WithLabelValues(adapterName).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	if n == 0 {
		c.emptyCycles++
		if c.coldStep < len(coldLookbacks)-1 {
			c.coldStep++
			c.variant = (c.variant + 1) % len(predicateFormats)
		}
		return
	}
	c.emptyCycles = 0
	c.coldStep = 0
	if c.cfg.Incremental {
		if maxTS := c.batchMaxTS.Load(); maxTS > 0 {
			c.lastUpdate = time.UnixMilli(maxTS).Add(incrementalSlack)
		}
	}
}

// Trigger posts one query to the hub. Safe to call concurrently with the
// frame pump.
func (c *Client) Trigger(ctx context.Context) error {
	c.mu.Lock()
	connID := c.connectionID
	userID := c.userID
	probe := c.emptyCycles >= emptyCyclesBeforeProbe
	query := c.buildQueryLocked()
	c.mu.Unlock()
	if connID == "" {
		return ErrNotConnected
	}

	if probe {
		return c.runProbes(ctx, connID, userID)
	}
	return c.postQuery(ctx, queryRequest{
		ConnectionID:        connID,
		UserID:              userID,
		Query:               query,
		UsingLastUpdateTime: c.cfg.UsingLastUpdateTime,
	})
}

// buildQueryLocked assembles the query text. Callers hold c.mu.
func (c *Client) buildQueryLocked() string {
	if c.cfg.Query != "" {
		return c.cfg.Query
	}
	now := c.cfg.Now()
	t0 := c.lastUpdate
	if t0.IsZero() || !c.cfg.Incremental {
		lookback := time.Duration(c.cfg.QueryMinutes) * time.Minute
		if c.emptyCycles > 0 || c.records.Load() == 0 {
			// Cold feed: walk the escalation schedule instead.
			lookback = coldLookbacks[c.coldStep]
		}
		t0 = now.Add(-lookback)
	}
	return fmt.Sprintf(predicateFormats[c.variant], t0.UTC().Format(predicateLayout))
}

// runProbes issues the diagnostic battery after repeated empty cycles:
// a 1 h lookback, a 24 h lookback, and a small uncapped-time sample.
func (c *Client) runProbes(ctx context.Context, connID, userID string) error {
	now := c.cfg.Now().UTC()
	probes := []string{
		fmt.Sprintf(predicateFormats[0], now.Add(-time.Hour).Format(predicateLayout)),
		fmt.Sprintf(predicateFormats[0], now.Add(-24*time.Hour).Format(predicateLayout)),
		"1=1 limit 10",
	}
	c.logf("feed cold after %d empty cycles; running %d diagnostic probes", emptyCyclesBeforeProbe, len(probes))
	var firstErr error
	for _, q := range probes {
		err := c.postQuery(ctx, queryRequest{
			ConnectionID:        connID,
			UserID:              userID,
			Query:               q,
			UsingLastUpdateTime: c.cfg.UsingLastUpdateTime,
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.mu.Lock()
	c.emptyCycles = 0
	c.mu.Unlock()
	return firstErr
}

func (c *Client) postQuery(ctx context.Context, q queryRequest) error {
	if err := httputil.PostJSON(ctx, c.cfg.HTTP, c.cfg.Host+"/api/query", q, nil); err != nil {
		return fmt.Errorf("query trigger: %w", err)
	}
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Status is the snapshot surfaced through the orchestrator.
type Status struct {
	State        State  `json:"state"`
	Transport    string `json:"transport,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	Batches      int64  `json:"batches"`
	Records      int64  `json:"records"`
	Rejects      int64  `json:"rejects"`
	LastEventTS  int64  `json:"last_event_ts"`
	EmptyCycles  int    `json:"empty_cycles"`
}

// Status returns a point-in-time snapshot.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:        c.state,
		Transport:    c.transport,
		ConnectionID: c.connectionID,
		Batches:      c.batches.Load(),
		Records:      c.records.Load(),
		Rejects:      c.rejects.Load(),
		LastEventTS:  c.lastEventMS.Load(),
		EmptyCycles:  c.emptyCycles,
	}
}
