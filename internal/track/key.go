package track

import "strings"

// Key derivation: an object's canonical identifier is the first non-empty
// identity field in kind-specific priority order. Two messages fuse only
// when they resolve to the same key, so the order here is load-bearing:
//
//	vessels:  mmsi > imo > callsign > name:<value>
//	aircraft: icao24 > registration > callsign
//
// ICAO24 addresses are folded to lower case because upstreams disagree on
// hex casing. Callsigns and names are trimmed because AIS pads them with
// spaces. A message with no usable identity yields an empty key and must
// be rejected by the normalizer.

// Identity names a tracked object: the kind plus its canonical key. The
// durable watermark store is keyed by this pair, since a vessel and an
// aircraft may in principle share a derived key (e.g. a callsign).
type Identity struct {
	Kind Kind
	Key  string
}

// DeriveKey resolves the canonical EntityKey for a message, or "" when no
// identity field is present.
func DeriveKey(m *NormMsg) string {
	switch m.Kind {
	case KindVessel:
		if v := strings.TrimSpace(m.MMSI); v != "" {
			return v
		}
		if v := strings.TrimSpace(m.IMO); v != "" {
			return v
		}
		if v := strings.TrimSpace(m.Callsign); v != "" {
			return v
		}
		if v := strings.TrimSpace(m.Name); v != "" {
			return "name:" + v
		}
	case KindAircraft:
		if v := strings.TrimSpace(m.ICAO24); v != "" {
			return strings.ToLower(v)
		}
		if v := strings.TrimSpace(m.Registration); v != "" {
			return v
		}
		if v := strings.TrimSpace(m.Callsign); v != "" {
			return v
		}
	}
	return ""
}

// PrimaryID returns the identifier used for durable object upserts: the
// MMSI for vessels and the ICAO24 hex for aircraft, falling back to the
// derived key when the preferred field is absent.
func PrimaryID(m *NormMsg) string {
	switch m.Kind {
	case KindVessel:
		if v := strings.TrimSpace(m.MMSI); v != "" {
			return v
		}
	case KindAircraft:
		if v := strings.TrimSpace(m.ICAO24); v != "" {
			return strings.ToLower(v)
		}
	}
	return m.Key
}
