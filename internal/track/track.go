// Package track defines the common shapes for positional telemetry: the
// normalized message produced by the ingest adapters, the fused record
// published downstream, and the identity rules that decide when two
// reports describe the same object.
package track

import "time"

// Kind distinguishes the two object families the system tracks.
type Kind string

const (
	KindVessel   Kind = "vessel"
	KindAircraft Kind = "aircraft"
)

// Speed caps in knots. Reports above the cap for their kind are rejected
// by the validator.
const (
	VesselMaxSpeedKn   = 90.0
	AircraftMaxSpeedKn = 750.0
)

// MaxSpeedKn returns the validation speed cap for the kind, in knots.
func (k Kind) MaxSpeedKn() float64 {
	if k == KindAircraft {
		return AircraftMaxSpeedKn
	}
	return VesselMaxSpeedKn
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindVessel || k == KindAircraft
}

// NormMsg is a single normalized telemetry report. Position and event time
// are mandatory; everything else is optional. Numeric options are pointers
// so absence is distinguishable from zero. Speed is in knots once the
// validator has run.
type NormMsg struct {
	Kind    Kind   `json:"kind"`
	Source  string `json:"source"`
	Key     string `json:"key"`
	EventTS int64  `json:"event_ts"` // UTC milliseconds
	Lat     float64
	Lon     float64

	Speed        *float64 `json:"speed,omitempty"`
	Course       *float64 `json:"course,omitempty"`
	Heading      *float64 `json:"heading,omitempty"`
	Altitude     *float64 `json:"altitude,omitempty"`
	VerticalRate *float64 `json:"verticalRate,omitempty"`
	Status       *string  `json:"status,omitempty"`

	// Identity fields. Empty string means not reported.
	MMSI         string `json:"mmsi,omitempty"`
	IMO          string `json:"imo,omitempty"`
	ICAO24       string `json:"icao24,omitempty"`
	Registration string `json:"registration,omitempty"`
	Callsign     string `json:"callsign,omitempty"`
	Name         string `json:"name,omitempty"`

	// PhysicallyValid is set by the validator and feeds the score.
	PhysicallyValid bool `json:"-"`
}

// EventTime returns the event timestamp as a time.Time in UTC.
func (m *NormMsg) EventTime() time.Time {
	return time.UnixMilli(m.EventTS).UTC()
}

// AgeAt returns how far behind (or, negative, ahead of) the given wall
// clock the message's event time is.
func (m *NormMsg) AgeAt(wall time.Time) time.Duration {
	return wall.Sub(m.EventTime())
}

// FusedSource is the source label applied when two or more distinct
// sources contributed fields to a merged message.
const FusedSource = "fused"

// FusedRecord is the published shape: one canonical position for one
// object, plus the identity fields known at publish time.
type FusedRecord struct {
	Kind         Kind     `json:"kind"`
	Key          string   `json:"key"`
	Lat          float64  `json:"lat"`
	Lon          float64  `json:"lon"`
	EventTS      int64    `json:"event_ts"`
	Source       string   `json:"source"`
	Score        float64  `json:"score"`
	Predicted    bool     `json:"predicted"`
	Speed        *float64 `json:"speed,omitempty"`
	Course       *float64 `json:"course,omitempty"`
	Heading      *float64 `json:"heading,omitempty"`
	Altitude     *float64 `json:"altitude,omitempty"`
	VerticalRate *float64 `json:"verticalRate,omitempty"`
	Status       *string  `json:"status,omitempty"`
	MMSI         string   `json:"mmsi,omitempty"`
	IMO          string   `json:"imo,omitempty"`
	ICAO24       string   `json:"icao24,omitempty"`
	Registration string   `json:"registration,omitempty"`
	Callsign     string   `json:"callsign,omitempty"`
	Name         string   `json:"name,omitempty"`
}

// Fused copies the message into the published record shape. Score and
// Predicted are left for the caller to fill.
func (m *NormMsg) Fused() *FusedRecord {
	return &FusedRecord{
		Kind:         m.Kind,
		Key:          m.Key,
		Lat:          m.Lat,
		Lon:          m.Lon,
		EventTS:      m.EventTS,
		Source:       m.Source,
		Speed:        m.Speed,
		Course:       m.Course,
		Heading:      m.Heading,
		Altitude:     m.Altitude,
		VerticalRate: m.VerticalRate,
		Status:       m.Status,
		MMSI:         m.MMSI,
		IMO:          m.IMO,
		ICAO24:       m.ICAO24,
		Registration: m.Registration,
		Callsign:     m.Callsign,
		Name:         m.Name,
	}
}

// Decision is the outcome of one fusion pass for one key.
type Decision struct {
	Best         *NormMsg
	Publish      bool
	BackfillOnly bool
}

// Float64 returns a pointer to v. Convenience for building optional fields.
func Float64(v float64) *float64 { return &v }

// String returns a pointer to s.
func String(s string) *string { return &s }
