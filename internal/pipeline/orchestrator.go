// Package pipeline owns the fusion data path: the bounded ingest channel,
// validation, window ingestion, the dirty-key tick loop, and the sharded
// worker pool that decides and fans out per key.
package pipeline

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/banshee-data/trackfuse/internal/fuse"
	"github.com/banshee-data/trackfuse/internal/monitoring"
	"github.com/banshee-data/trackfuse/internal/track"
	"github.com/banshee-data/trackfuse/internal/validate"
)

// Config sizes the pipeline's resources.
type Config struct {
	// IngestCap bounds the ingest channel; overflow drops oldest.
	IngestCap int

	// Workers is the decide/publish pool size. A key always routes to the
	// same worker, which serializes all processing for that key.
	Workers int

	// Tick is the decide cadence for dirty keys.
	Tick time.Duration

	// DrainDeadline bounds the cooperative shutdown drain.
	DrainDeadline time.Duration
}

// Pipeline wires validator, window store, decider, smoother, and publisher
// behind one ingest entry point.
type Pipeline struct {
	cfg       Config
	validator *validate.Validator
	windows   *fuse.WindowStore
	decider   *fuse.Decider
	smoother  *fuse.Smoother
	publisher *Publisher
	now       func() time.Time

	ingest   chan *track.NormMsg
	ingestMu sync.Mutex // serializes the drop-oldest pop

	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	work []chan string
	wg   sync.WaitGroup

	statusMu  sync.Mutex
	adapters  map[string]func() any
	startedAt time.Time

	// Counters surfaced by Status.
	received    atomic.Int64
	rejected    atomic.Int64
	ingestDrops atomic.Int64
	decides     atomic.Int64
	published   atomic.Int64
	backfilled  atomic.Int64
	conflicts   atomic.Int64
	lastEventMS atomic.Int64
}

// New builds a pipeline. Zero config fields fall back to an 8192-message
// channel, 4 workers, a 1s tick, and a 5s drain deadline.
func New(cfg Config, validator *validate.Validator, windows *fuse.WindowStore, decider *fuse.Decider, smoother *fuse.Smoother, publisher *Publisher, now func() time.Time) *Pipeline {
	if cfg.IngestCap <= 0 {
		cfg.IngestCap = 8192
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.DrainDeadline <= 0 {
		cfg.DrainDeadline = 5 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	p := &Pipeline{
		cfg:       cfg,
		validator: validator,
		windows:   windows,
		decider:   decider,
		smoother:  smoother,
		publisher: publisher,
		now:       now,
		ingest:    make(chan *track.NormMsg, cfg.IngestCap),
		dirty:     make(map[string]struct{}),
		work:      make([]chan string, cfg.Workers),
		adapters:  make(map[string]func() any),
	}
	for i := range p.work {
		p.work[i] = make(chan string, 256)
	}
	return p
}

// Submit hands a normalized message to the pipeline without ever blocking
// the caller: when the channel is full the oldest buffered message is
// dropped to make room.
func (p *Pipeline) Submit(m *track.NormMsg) {
	select {
	case p.ingest <- m:
		return
	default:
	}

	p.ingestMu.Lock()
	select {
	case <-p.ingest:
		p.ingestDrops.Inc()
		monitoring.IngestDrops.Inc()
	default:
	}
	select {
	case p.ingest <- m:
	default:
		// Racing submitters refilled the channel; this message is the one
		// dropped.
		p.ingestDrops.Inc()
		monitoring.IngestDrops.Inc()
	}
	p.ingestMu.Unlock()
}

// RegisterAdapterStatus exposes an adapter's status snapshot through
// Status. The callback must be safe for concurrent use.
func (p *Pipeline) RegisterAdapterStatus(name string, fn func() any) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	p.adapters[name] = fn
}

// Run consumes the ingest channel and drives the tick loop until ctx is
// cancelled, then drains cooperatively and flushes the dirty set once.
func (p *Pipeline) Run(ctx context.Context) {
	p.startedAt = p.now()

	for i := range p.work {
		p.wg.Add(1)
		go p.worker(ctx, p.work[i])
	}

	ticker := time.NewTicker(p.cfg.Tick)
	defer ticker.Stop()

	housekeeping := 0
	for {
		select {
		case m := <-p.ingest:
			p.ingestOne(m)
		case <-ticker.C:
			p.flushDirty()
			housekeeping++
			if housekeeping%30 == 0 {
				p.housekeep()
			}
			monitoring.IngestQueueDepth.Set(float64(len(p.ingest)))
		case <-ctx.Done():
			p.shutdown()
			return
		}
	}
}

// ingestOne validates and windows a single message and marks its key dirty.
func (p *Pipeline) ingestOne(m *track.NormMsg) {
	p.received.Inc()
	nowWall := p.now()

	if rej := p.validator.Check(m, nowWall); rej != validate.RejectNone {
		p.rejected.Inc()
		tracef("reject %s key=%s source=%s", rej, m.Key, m.Source)
		return
	}
	if m.EventTS > p.lastEventMS.Load() {
		p.lastEventMS.Store(m.EventTS)
	}

	p.windows.Push(m, nowWall)

	p.dirtyMu.Lock()
	p.dirty[m.Key] = struct{}{}
	monitoring.DirtyKeys.Set(float64(len(p.dirty)))
	p.dirtyMu.Unlock()
}

// flushDirty routes every touched key to its worker. Routing by key hash
// keeps all processing for a key on one goroutine.
func (p *Pipeline) flushDirty() {
	p.dirtyMu.Lock()
	if len(p.dirty) == 0 {
		p.dirtyMu.Unlock()
		return
	}
	keys := make([]string, 0, len(p.dirty))
	for key := range p.dirty {
		keys = append(keys, key)
	}
	p.dirty = make(map[string]struct{})
	monitoring.DirtyKeys.Set(0)
	p.dirtyMu.Unlock()

	for _, key := range keys {
		p.work[workerIndex(key, len(p.work))] <- key
	}
}

func (p *Pipeline) worker(ctx context.Context, work chan string) {
	defer p.wg.Done()
	for key := range work {
		p.processKey(ctx, key)
	}
}

// processKey runs decide → smooth → fan-out for one key.
func (p *Pipeline) processKey(ctx context.Context, key string) {
	nowWall := p.now()
	dec, conflicts := p.decider.Decide(key, nowWall)
	p.decides.Inc()

	for _, c := range conflicts {
		p.conflicts.Inc()
		diagf("conflict key=%s field=%s spread=%.2f sources=%v values=%v",
			c.Key, c.Field, c.Spread, c.Sources, c.Values)
	}
	if dec.Best == nil {
		return
	}
	if dec.Publish && !dec.BackfillOnly {
		p.smoother.Observe(dec.Best)
	}

	switch p.publisher.Handle(ctx, dec, nowWall) {
	case OutcomePublished:
		p.published.Inc()
	case OutcomeBackfilled:
		p.backfilled.Inc()
	case OutcomePublishFailed:
		opsf("publish failed for key=%s; will retry on next tick", key)
		// Leave the key dirty so the next tick re-decides it.
		p.dirtyMu.Lock()
		p.dirty[key] = struct{}{}
		p.dirtyMu.Unlock()
	}
}

// housekeep prunes expired window and filter state and refreshes gauges.
func (p *Pipeline) housekeep() {
	nowWall := p.now()
	droppedMsgs, droppedKeys := p.windows.Prune(nowWall)
	if droppedMsgs > 0 || droppedKeys > 0 {
		diagf("pruned %d messages, %d idle keys", droppedMsgs, droppedKeys)
	}
	p.smoother.Cleanup(nowWall)
	p.validator.Cleanup(nowWall)

	monitoring.WindowKeys.Set(float64(p.windows.Len()))
	monitoring.FilterStates.Set(float64(p.smoother.Len()))
}

// shutdown drains buffered ingest up to the deadline, flushes the dirty
// set once, and stops the workers.
func (p *Pipeline) shutdown() {
	deadline := time.After(p.cfg.DrainDeadline)
drain:
	for {
		select {
		case m := <-p.ingest:
			p.ingestOne(m)
		case <-deadline:
			opsf("drain deadline reached with %d messages unprocessed", len(p.ingest))
			break drain
		default:
			break drain
		}
	}

	p.flushDirty()
	for i := range p.work {
		close(p.work[i])
	}
	p.wg.Wait()
}

// Status is the orchestrator snapshot served by the admin surface.
type Status struct {
	StartedAt      time.Time      `json:"started_at"`
	Received       int64          `json:"received"`
	Rejected       int64          `json:"rejected"`
	IngestDrops    int64          `json:"ingest_drops"`
	IngestDepth    int            `json:"ingest_depth"`
	Decides        int64          `json:"decides"`
	Published      int64          `json:"published"`
	Backfilled     int64          `json:"backfilled"`
	Conflicts      int64          `json:"conflicts"`
	LastEventTS    int64          `json:"last_event_ts"`
	DirtyKeys      int            `json:"dirty_keys"`
	WindowKeys     int            `json:"window_keys"`
	WindowMessages int            `json:"window_messages"`
	FilterStates   int            `json:"filter_states"`
	Adapters       map[string]any `json:"adapters"`
}

// Status returns a point-in-time snapshot of the pipeline.
func (p *Pipeline) Status() Status {
	p.dirtyMu.Lock()
	dirty := len(p.dirty)
	p.dirtyMu.Unlock()

	s := Status{
		StartedAt:      p.startedAt,
		Received:       p.received.Load(),
		Rejected:       p.rejected.Load(),
		IngestDrops:    p.ingestDrops.Load(),
		IngestDepth:    len(p.ingest),
		Decides:        p.decides.Load(),
		Published:      p.published.Load(),
		Backfilled:     p.backfilled.Load(),
		Conflicts:      p.conflicts.Load(),
		LastEventTS:    p.lastEventMS.Load(),
		DirtyKeys:      dirty,
		WindowKeys:     p.windows.Len(),
		WindowMessages: p.windows.MessageCount(),
		FilterStates:   p.smoother.Len(),
		Adapters:       make(map[string]any),
	}
	p.statusMu.Lock()
	for name, fn := range p.adapters {
		s.Adapters[name] = fn()
	}
	p.statusMu.Unlock()
	return s
}

// workerIndex routes a key to a worker; same hash family as the store
// shards but independent modulus.
func workerIndex(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
