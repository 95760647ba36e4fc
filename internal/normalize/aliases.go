package normalize

import "github.com/banshee-data/trackfuse/internal/track"

// Field identifies one logical slot in a NormMsg. Alias resolution maps
// source-specific wire keys onto these.
type Field int

const (
	FieldLat Field = iota
	FieldLon
	FieldEventTS
	FieldSpeed
	FieldCourse
	FieldHeading
	FieldAltitude
	FieldVerticalRate
	FieldStatus
	FieldMMSI
	FieldIMO
	FieldICAO24
	FieldRegistration
	FieldCallsign
	FieldName
)

// TSFormat hints how a source encodes its event timestamp. TSAuto covers
// sources that mix encodings: numeric values are classified by magnitude
// and strings are parsed as UTC.
type TSFormat int

const (
	TSAuto TSFormat = iota
	TSUnixSeconds
	TSUnixMillis
	TSISO
)

// Profile is the authoritative alias table for one source. The upstreams
// disagree on casing and spelling (callsign vs callSign, heading vs
// bearing); every accepted variant is listed here explicitly rather than
// inferred, and lookup is exact-match in list order.
type Profile struct {
	Kind     track.Kind
	TS       TSFormat
	SpeedKey string // declared wire unit override; empty defers to track.DeclaredUnit
	Aliases  map[Field][]string
}

// genericVessel accepts the union of spellings seen across AIS feeds.
var genericVessel = Profile{
	Kind: track.KindVessel,
	TS:   TSAuto,
	Aliases: map[Field][]string{
		FieldLat:     {"Latitude", "latitude", "Lat", "lat"},
		FieldLon:     {"Longitude", "longitude", "Lon", "lon", "Lng", "lng"},
		FieldEventTS: {"updatetime", "UpdateTime", "updateTime", "timestamp", "Timestamp", "time_utc", "TimeUtc", "time"},
		FieldSpeed:   {"speed", "Speed", "sog", "SOG"},
		FieldCourse:  {"course", "Course", "cog", "COG"},
		FieldHeading: {"heading", "Heading", "bearing", "Bearing", "hdg"},
		FieldStatus:  {"status", "Status", "navstatus", "NavStatus", "nav_status"},
		FieldMMSI:    {"MMSI", "mmsi", "Mmsi", "userid", "UserID"},
		FieldIMO:     {"IMO", "imo"},
		FieldCallsign: {
			"callsign", "callSign", "Callsign", "CallSign",
		},
		FieldName: {"name", "Name", "shipname", "ShipName", "ship_name", "vesselname", "VesselName"},
	},
}

// genericAircraft accepts the union of spellings seen across ADSB feeds,
// including the dump1090-style short keys (hex, gs, track, alt_baro).
var genericAircraft = Profile{
	Kind: track.KindAircraft,
	TS:   TSAuto,
	Aliases: map[Field][]string{
		FieldLat:          {"Latitude", "latitude", "Lat", "lat"},
		FieldLon:          {"Longitude", "longitude", "Lon", "lon", "Lng", "lng"},
		FieldEventTS:      {"Unixtime", "unixtime", "UnixTime", "timestamp", "Timestamp", "time", "now", "last_contact"},
		FieldSpeed:        {"GroundSpeed", "groundSpeed", "groundspeed", "ground_speed", "gs", "speed", "Speed", "velocity"},
		FieldCourse:       {"Track", "track", "course", "Course", "true_track"},
		FieldHeading:      {"Heading", "heading", "bearing", "Bearing", "mag_heading"},
		FieldAltitude:     {"Altitude", "altitude", "alt_baro", "alt_geom", "alt", "geo_altitude", "baro_altitude"},
		FieldVerticalRate: {"VerticalRate", "verticalRate", "vertical_rate", "baro_rate", "geom_rate", "vr"},
		FieldStatus:       {"status", "Status", "on_ground", "OnGround"},
		FieldICAO24:       {"Hexident", "hexident", "HexIdent", "hex", "Icao", "icao", "icao24", "Icao24", "ICAO24"},
		FieldRegistration: {"Registration", "registration", "reg", "r"},
		FieldCallsign:     {"Callsign", "callsign", "callSign", "CallSign", "flight", "Flight"},
		FieldName:         {"name", "Name", "operator", "Operator"},
	},
}

// profiles binds source tags to their wire profile. Sources absent here
// fall back to the generic profile for their kind.
var profiles = map[string]Profile{
	track.SourceSignalR: {
		Kind:    track.KindVessel,
		TS:      TSAuto, // the hub mixes ISO strings and unix seconds
		Aliases: genericVessel.Aliases,
	},
	track.SourceAISStream:     genericVessel,
	track.SourceMarineTraffic: genericVessel,
	track.SourceVesselFinder:  genericVessel,
	track.SourceChinaPort:     genericVessel,
	track.SourceAIS:           genericVessel,

	track.SourceADSBExchange: genericAircraft,
	track.SourceOpenSky: {
		Kind:    track.KindAircraft,
		TS:      TSUnixSeconds,
		Aliases: genericAircraft.Aliases,
	},
}

// ProfileFor returns the alias profile for a source, falling back to the
// generic profile for the kind.
func ProfileFor(source string, kind track.Kind) Profile {
	if p, ok := profiles[source]; ok {
		return p
	}
	if kind == track.KindAircraft {
		return genericAircraft
	}
	return genericVessel
}
