package track

import "github.com/banshee-data/trackfuse/internal/units"

// Known source tags. Adapters must stamp every message with one of these
// (or a custom tag, which scores as SourceCustom unless overridden).
const (
	SourceMarineTraffic = "marine_traffic"
	SourceADSBExchange  = "adsb_exchange"
	SourceOpenSky       = "opensky"
	SourceVesselFinder  = "vessel_finder"
	SourceAISStream     = "aisstream"
	SourceSignalR       = "signalr"
	SourceChinaPort     = "china_port"
	SourceAIS           = "ais"
	SourceCustom        = "custom"
	SourceUnknown       = "unknown"
)

// WeightTable maps source tags to trust weights in [0,1]. Weights feed the
// per-message score and break ties during field fusion.
type WeightTable map[string]float64

// DefaultWeights returns the built-in source trust table.
func DefaultWeights() WeightTable {
	return WeightTable{
		SourceMarineTraffic: 0.90,
		SourceADSBExchange:  0.90,
		SourceOpenSky:       0.85,
		SourceVesselFinder:  0.85,
		SourceAISStream:     0.88,
		SourceSignalR:       0.82,
		SourceChinaPort:     0.80,
		SourceAIS:           0.75,
		SourceCustom:        0.70,
		SourceUnknown:       0.50,
	}
}

// Weight returns the trust weight for a source tag. Tags not in the table
// score as unknown.
func (t WeightTable) Weight(source string) float64 {
	if w, ok := t[source]; ok {
		return w
	}
	return t[SourceUnknown]
}

// DeclaredUnits maps each source to the unit its raw speed values arrive
// in. This table is authoritative: sources not listed are assumed to
// already report knots. OpenSky and the push hub report metres per second;
// the Chinese port feed reports km/h.
func DeclaredUnits() map[string]string {
	return map[string]string{
		SourceOpenSky:   units.MPS,
		SourceSignalR:   units.MPS,
		SourceChinaPort: units.KMH,
	}
}

// DeclaredUnit returns the wire speed unit for a source, defaulting to knots.
func DeclaredUnit(source string) string {
	if u, ok := DeclaredUnits()[source]; ok {
		return u
	}
	return units.KN
}
