package fuse

import (
	"math"
	"sync"
	"time"

	"github.com/banshee-data/trackfuse/internal/track"
	"github.com/banshee-data/trackfuse/internal/units"
)

// Smoother constants. Position state is (x=lon, y=lat) in degrees,
// velocity in degrees/second, converted at the edges from knots and
// maritime bearing (0 = north, 90 = east).
const (
	DefaultAlpha = 0.25
	DefaultBeta  = 0.08

	// DegLatMeters is the metres per degree of latitude; the longitude
	// scale follows from it via cos(lat).
	DegLatMeters = 111320.0

	// MinDT clamps the update interval so near-simultaneous measurements
	// cannot blow up the velocity gain.
	MinDT = 0.5

	// ConfidenceTau is the e-folding time of prediction confidence.
	ConfidenceTau = 300.0

	// VelocityBlend is how strongly a measured speed/course pulls the
	// filtered velocity on update.
	VelocityBlend = 0.3

	// DefaultMaxPredictionS caps the dead-reckoning horizon.
	DefaultMaxPredictionS = 600.0

	// minReportedSpeedKn is the floor below which predicted speed is
	// considered noise and not reported.
	minReportedSpeedKn = 0.1

	// cosLatEpsilon guards the longitude scale near the poles.
	cosLatEpsilon = 1e-6
)

// FilterState is the per-key α–β estimator state.
type FilterState struct {
	X, Y         float64 // lon, lat in degrees
	VX, VY       float64 // degrees/second
	LastUpdateMS int64
	Confidence   float64
}

// Prediction is a dead-reckoned position at a requested time.
type Prediction struct {
	Lat, Lon   float64
	SpeedKn    *float64
	Course     *float64
	Confidence float64
	EventTS    int64
}

// SmootherConfig tunes the filter gains and retention.
type SmootherConfig struct {
	Alpha          float64
	Beta           float64
	MaxPredictionS float64
	MaxFilterAge   time.Duration
	Shards         int
}

type filterShard struct {
	mu     sync.Mutex
	states map[string]*FilterState
}

// Smoother owns every key's filter state. All methods are safe for
// concurrent use; per-key operations serialize on the shard lock.
type Smoother struct {
	cfg    SmootherConfig
	shards []*filterShard
}

// NewSmoother returns an empty Smoother. Zero config fields fall back to
// the package defaults.
func NewSmoother(cfg SmootherConfig) *Smoother {
	if cfg.Alpha <= 0 {
		cfg.Alpha = DefaultAlpha
	}
	if cfg.Beta <= 0 {
		cfg.Beta = DefaultBeta
	}
	if cfg.MaxPredictionS <= 0 {
		cfg.MaxPredictionS = DefaultMaxPredictionS
	}
	if cfg.MaxFilterAge <= 0 {
		cfg.MaxFilterAge = 30 * time.Minute
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	s := &Smoother{cfg: cfg, shards: make([]*filterShard, cfg.Shards)}
	for i := range s.shards {
		s.shards[i] = &filterShard{states: make(map[string]*FilterState)}
	}
	return s
}

func (s *Smoother) shard(key string) *filterShard {
	return s.shards[shardIndex(key, len(s.shards))]
}

// Observe feeds a measurement into the key's filter, initializing it on
// first sight.
func (s *Smoother) Observe(m *track.NormMsg) {
	sh := s.shard(m.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.states[m.Key]
	if !ok {
		sh.states[m.Key] = initialState(m)
		return
	}
	s.update(st, m)
}

// initialState seeds a filter from the first measurement; velocity comes
// from reported speed and course when available, otherwise zero.
func initialState(m *track.NormMsg) *FilterState {
	st := &FilterState{
		X:            m.Lon,
		Y:            m.Lat,
		LastUpdateMS: m.EventTS,
		Confidence:   1,
	}
	if m.Speed != nil && m.Course != nil {
		st.VX, st.VY = velocityDegrees(*m.Speed, *m.Course, m.Lat)
	}
	return st
}

func (s *Smoother) update(st *FilterState, m *track.NormMsg) {
	dt := float64(m.EventTS-st.LastUpdateMS) / 1000
	if dt < MinDT {
		dt = MinDT
	}

	// Predict forward, then correct toward the measurement.
	px := st.X + st.VX*dt
	py := st.Y + st.VY*dt
	rx := m.Lon - px
	ry := m.Lat - py

	st.X = px + s.cfg.Alpha*rx
	st.Y = py + s.cfg.Alpha*ry
	st.VX += (s.cfg.Beta / dt) * rx
	st.VY += (s.cfg.Beta / dt) * ry

	if m.Speed != nil && m.Course != nil {
		mvx, mvy := velocityDegrees(*m.Speed, *m.Course, m.Lat)
		st.VX = (1-VelocityBlend)*st.VX + VelocityBlend*mvx
		st.VY = (1-VelocityBlend)*st.VY + VelocityBlend*mvy
	}

	st.LastUpdateMS = m.EventTS
	st.Confidence = 1
}

// Predict dead-reckons the key's position to targetMS. Returns false when
// no filter exists, the target precedes the last update, or the horizon is
// exceeded.
func (s *Smoother) Predict(key string, targetMS int64) (Prediction, bool) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.states[key]
	if !ok {
		return Prediction{}, false
	}

	dt := float64(targetMS-st.LastUpdateMS) / 1000
	if dt < 0 || dt > s.cfg.MaxPredictionS {
		return Prediction{}, false
	}

	p := Prediction{
		Lat:        st.Y + st.VY*dt,
		Lon:        st.X + st.VX*dt,
		Confidence: st.Confidence * math.Exp(-dt/ConfidenceTau),
		EventTS:    targetMS,
	}

	speedKn, course := kinematicsFromVelocity(st.VX, st.VY, st.Y)
	if speedKn >= minReportedSpeedKn {
		p.SpeedKn = &speedKn
		p.Course = &course
	}
	return p, true
}

// State returns a copy of the key's filter state for inspection.
func (s *Smoother) State(key string) (FilterState, bool) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.states[key]
	if !ok {
		return FilterState{}, false
	}
	return *st, true
}

// Cleanup drops filters idle past the retention age and returns how many
// were removed.
func (s *Smoother) Cleanup(now time.Time) int {
	cutoff := now.UnixMilli() - s.cfg.MaxFilterAge.Milliseconds()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, st := range sh.states {
			if st.LastUpdateMS < cutoff {
				delete(sh.states, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of retained filter states.
func (s *Smoother) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.states)
		sh.mu.Unlock()
	}
	return n
}

// velocityDegrees converts speed in knots and a maritime bearing into
// degree/second velocity at the given latitude.
func velocityDegrees(speedKn, courseDeg, lat float64) (vx, vy float64) {
	mps := speedKn * units.KnotToMPS
	rad := courseDeg * math.Pi / 180
	east := mps * math.Sin(rad)
	north := mps * math.Cos(rad)

	cosLat := math.Cos(lat * math.Pi / 180)
	if math.Abs(cosLat) < cosLatEpsilon {
		cosLat = cosLatEpsilon
	}
	vx = east / (DegLatMeters * cosLat)
	vy = north / DegLatMeters
	return vx, vy
}

// kinematicsFromVelocity reconstructs speed in knots and maritime course
// from degree/second velocity at the given latitude.
func kinematicsFromVelocity(vx, vy, lat float64) (speedKn, courseDeg float64) {
	cosLat := math.Cos(lat * math.Pi / 180)
	if math.Abs(cosLat) < cosLatEpsilon {
		cosLat = cosLatEpsilon
	}
	east := vx * DegLatMeters * cosLat
	north := vy * DegLatMeters

	speedKn = math.Hypot(east, north) / units.KnotToMPS
	courseDeg = math.Atan2(east, north) * 180 / math.Pi
	if courseDeg < 0 {
		courseDeg += 360
	}
	return speedKn, courseDeg
}
