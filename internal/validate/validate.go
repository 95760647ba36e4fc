// Package validate enforces the physical domain on normalized messages:
// unit reconciliation to knots, coordinate and speed ranges, the event-age
// gate, and advisory anomaly flags. Rejection is a result value counted by
// reason; anomaly flags never suppress ingest.
package validate

import (
	"math"
	"time"

	"github.com/banshee-data/trackfuse/internal/monitoring"
	"github.com/banshee-data/trackfuse/internal/track"
	"github.com/banshee-data/trackfuse/internal/units"
)

// Reject names why a message was dropped. Empty means accepted.
type Reject string

const (
	RejectNone             Reject = ""
	RejectCoordinateDomain Reject = "coordinate_domain"
	RejectSpeedDomain      Reject = "speed_domain"
	RejectEventAge         Reject = "event_age"
)

// Config bounds the validator. Zero values fall back to the defaults the
// rest of the pipeline assumes.
type Config struct {
	// MaxEventAge rejects messages whose event time is further than this
	// from the wall clock, in either direction.
	MaxEventAge time.Duration

	// SpeedLimitKN, when > 0, replaces the per-kind speed caps.
	SpeedLimitKN float64
}

// Validator checks messages one at a time and keeps the per-key rolling
// history that feeds the anomaly flags.
type Validator struct {
	cfg     Config
	history *anomalyTracker
	logf    func(format string, v ...interface{})
}

// New creates a Validator.
func New(cfg Config) *Validator {
	if cfg.MaxEventAge <= 0 {
		cfg.MaxEventAge = 24 * time.Hour
	}
	return &Validator{
		cfg:     cfg,
		history: newAnomalyTracker(),
		logf:    monitoring.Componentf("Validate"),
	}
}

// Check validates m against the physical domain and reconciles its speed
// to knots in place. On acceptance it records the reading for anomaly
// tracking and stamps PhysicallyValid (false when any advisory flag fired,
// so low-trust readings score lower without being dropped). The wall clock
// is a parameter so replay and tests control time.
func (v *Validator) Check(m *track.NormMsg, now time.Time) Reject {
	age := m.AgeAt(now)
	if age > v.cfg.MaxEventAge || -age > v.cfg.MaxEventAge {
		monitoring.ValidationRejects.WithLabelValues(string(RejectEventAge)).Inc()
		return RejectEventAge
	}

	if m.Lat < -90 || m.Lat > 90 || m.Lon < -180 || m.Lon > 180 {
		monitoring.ValidationRejects.WithLabelValues(string(RejectCoordinateDomain)).Inc()
		return RejectCoordinateDomain
	}

	if m.Speed != nil {
		kn := units.ToKnots(*m.Speed, track.DeclaredUnit(m.Source))
		if kn < 0 || kn > v.speedCap(m.Kind) {
			monitoring.ValidationRejects.WithLabelValues(string(RejectSpeedDomain)).Inc()
			return RejectSpeedDomain
		}
		*m.Speed = kn
	}

	if m.Course != nil {
		*m.Course = normalizeDegrees(*m.Course)
	}
	if m.Heading != nil {
		*m.Heading = normalizeDegrees(*m.Heading)
	}

	flags := v.history.observe(m, now)
	for _, flag := range flags {
		monitoring.AnomalyFlags.WithLabelValues(string(flag)).Inc()
		v.logf("anomaly %s key=%s source=%s", flag, m.Key, m.Source)
	}
	m.PhysicallyValid = len(flags) == 0

	return RejectNone
}

// Cleanup drops anomaly history for keys idle past the rolling window.
func (v *Validator) Cleanup(now time.Time) {
	v.history.cleanup(now)
}

// TrackedKeys reports how many keys currently hold anomaly history.
func (v *Validator) TrackedKeys() int {
	return v.history.size()
}

func (v *Validator) speedCap(kind track.Kind) float64 {
	if v.cfg.SpeedLimitKN > 0 {
		return v.cfg.SpeedLimitKN
	}
	return kind.MaxSpeedKn()
}

// normalizeDegrees folds any angle into [0,360).
func normalizeDegrees(x float64) float64 {
	x = math.Mod(x, 360)
	if x < 0 {
		x += 360
	}
	return x
}
