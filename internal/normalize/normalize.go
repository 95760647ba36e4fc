// Package normalize maps raw wire records from each source into the common
// NormMsg shape. Rejection is a result value, not an error: callers count
// the reason and move to the next record.
package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/trackfuse/internal/track"
)

// Reject names why a raw record produced no NormMsg. Empty means accepted.
type Reject string

const (
	RejectNone             Reject = ""
	RejectUnknownKind      Reject = "unknown_kind"
	RejectMissingPosition  Reject = "missing_position"
	RejectMissingTimestamp Reject = "missing_timestamp"
	RejectBadTimestamp     Reject = "bad_timestamp"
	RejectMissingID        Reject = "missing_identifier"
)

// Record normalizes one raw wire record. The source tag is stamped on the
// output (unknown when empty); kind may be supplied by the adapter or
// defaulted from the source profile. Numeric fields accept JSON numbers or
// numeric strings. The returned message still carries wire-unit speed; the
// validator reconciles units.
func Record(source string, kind track.Kind, raw map[string]interface{}) (*track.NormMsg, Reject) {
	if source == "" {
		source = track.SourceUnknown
	}
	p := ProfileFor(source, kind)
	if kind == "" {
		kind = p.Kind
	}
	if !kind.Valid() {
		return nil, RejectUnknownKind
	}

	lat, latOK := lookupNumber(raw, p.Aliases[FieldLat])
	lon, lonOK := lookupNumber(raw, p.Aliases[FieldLon])
	if !latOK || !lonOK {
		return nil, RejectMissingPosition
	}

	rawTS, tsOK := lookup(raw, p.Aliases[FieldEventTS])
	if !tsOK {
		return nil, RejectMissingTimestamp
	}
	eventTS, tsValid := parseEventTS(rawTS, p.TS)
	if !tsValid {
		return nil, RejectBadTimestamp
	}

	m := &track.NormMsg{
		Kind:    kind,
		Source:  source,
		EventTS: eventTS,
		Lat:     lat,
		Lon:     lon,
	}

	if v, ok := lookupNumber(raw, p.Aliases[FieldSpeed]); ok {
		m.Speed = track.Float64(v)
	}
	if v, ok := lookupNumber(raw, p.Aliases[FieldCourse]); ok {
		m.Course = track.Float64(v)
	}
	if v, ok := lookupNumber(raw, p.Aliases[FieldHeading]); ok {
		m.Heading = track.Float64(v)
	}
	if v, ok := lookupNumber(raw, p.Aliases[FieldAltitude]); ok {
		m.Altitude = track.Float64(v)
	}
	if v, ok := lookupNumber(raw, p.Aliases[FieldVerticalRate]); ok {
		m.VerticalRate = track.Float64(v)
	}
	if v, ok := lookupStatus(raw, p.Aliases[FieldStatus]); ok {
		m.Status = track.String(v)
	}

	m.MMSI = lookupString(raw, p.Aliases[FieldMMSI])
	m.IMO = lookupString(raw, p.Aliases[FieldIMO])
	m.ICAO24 = lookupString(raw, p.Aliases[FieldICAO24])
	m.Registration = lookupString(raw, p.Aliases[FieldRegistration])
	m.Callsign = lookupString(raw, p.Aliases[FieldCallsign])
	m.Name = lookupString(raw, p.Aliases[FieldName])

	m.Key = track.DeriveKey(m)
	if m.Key == "" {
		return nil, RejectMissingID
	}

	return m, RejectNone
}

// lookup returns the first alias present in the raw record, in table order.
func lookup(raw map[string]interface{}, aliases []string) (interface{}, bool) {
	for _, a := range aliases {
		if v, ok := raw[a]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func lookupNumber(raw map[string]interface{}, aliases []string) (float64, bool) {
	v, ok := lookup(raw, aliases)
	if !ok {
		return 0, false
	}
	return Number(v)
}

func lookupString(raw map[string]interface{}, aliases []string) string {
	v, ok := lookup(raw, aliases)
	if !ok {
		return ""
	}
	s, _ := asString(v)
	return strings.TrimSpace(s)
}

// lookupStatus is lookupString plus the aircraft ground flag, which arrives
// as a bool on some feeds.
func lookupStatus(raw map[string]interface{}, aliases []string) (string, bool) {
	v, ok := lookup(raw, aliases)
	if !ok {
		return "", false
	}
	if b, isBool := v.(bool); isBool {
		if b {
			return "on_ground", true
		}
		return "airborne", true
	}
	s, ok := asString(v)
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}

// Number extracts a float64 from a JSON-decoded value: real numbers,
// json.Number, or numeric strings.
func Number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	case float64:
		// Identity fields like MMSI arrive as JSON numbers on some feeds.
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10), true
		}
		return fmt.Sprintf("%v", s), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	default:
		return "", false
	}
}

// millisThreshold separates unix seconds from unix milliseconds when a
// source does not declare its encoding: 1e11 seconds is year 5138, 1e11 ms
// is 1973, so real feeds never straddle it.
const millisThreshold = 1e11

// Timestamp string layouts tried in order after RFC3339. The hub emits
// space-separated UTC datetimes without a zone suffix.
var tsLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseEventTS(v interface{}, f TSFormat) (int64, bool) {
	if s, isStr := v.(string); isStr {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, false
		}
		if f == TSISO || !isNumericString(s) {
			for _, layout := range tsLayouts {
				if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
					return t.UTC().UnixMilli(), true
				}
			}
			return 0, false
		}
		// Numeric string: fall through to the number path.
	}

	n, ok := Number(v)
	if !ok || n <= 0 {
		return 0, false
	}
	switch f {
	case TSUnixSeconds:
		return int64(n * 1000), true
	case TSUnixMillis:
		return int64(n), true
	default:
		if n >= millisThreshold {
			return int64(n), true
		}
		return int64(n * 1000), true
	}
}

func isNumericString(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}
