package track

import (
	"testing"
	"time"
)

func TestDeriveKeyVesselPriority(t *testing.T) {
	tests := []struct {
		name string
		msg  NormMsg
		want string
	}{
		{"mmsi wins", NormMsg{Kind: KindVessel, MMSI: "123456789", IMO: "9999999", Callsign: "ABCD", Name: "EVER GIVEN"}, "123456789"},
		{"imo next", NormMsg{Kind: KindVessel, IMO: "9999999", Callsign: "ABCD", Name: "EVER GIVEN"}, "9999999"},
		{"callsign next", NormMsg{Kind: KindVessel, Callsign: "ABCD", Name: "EVER GIVEN"}, "ABCD"},
		{"name gets prefix", NormMsg{Kind: KindVessel, Name: "EVER GIVEN"}, "name:EVER GIVEN"},
		{"padded callsign trimmed", NormMsg{Kind: KindVessel, Callsign: "  ABCD  "}, "ABCD"},
		{"nothing usable", NormMsg{Kind: KindVessel}, ""},
		{"whitespace-only mmsi skipped", NormMsg{Kind: KindVessel, MMSI: "   ", IMO: "9999999"}, "9999999"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveKey(&tt.msg); got != tt.want {
				t.Errorf("DeriveKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeriveKeyAircraftPriority(t *testing.T) {
	tests := []struct {
		name string
		msg  NormMsg
		want string
	}{
		{"icao24 wins and lowercases", NormMsg{Kind: KindAircraft, ICAO24: "ABCD12", Registration: "N12345", Callsign: "TEST1"}, "abcd12"},
		{"registration next", NormMsg{Kind: KindAircraft, Registration: "N12345", Callsign: "TEST1"}, "N12345"},
		{"callsign last", NormMsg{Kind: KindAircraft, Callsign: "TEST1"}, "TEST1"},
		{"nothing usable", NormMsg{Kind: KindAircraft, Name: "irrelevant"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveKey(&tt.msg); got != tt.want {
				t.Errorf("DeriveKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindCaps(t *testing.T) {
	if got := KindVessel.MaxSpeedKn(); got != 90.0 {
		t.Errorf("vessel cap = %v, want 90", got)
	}
	if got := KindAircraft.MaxSpeedKn(); got != 750.0 {
		t.Errorf("aircraft cap = %v, want 750", got)
	}
}

func TestWeightTableDefaults(t *testing.T) {
	w := DefaultWeights()
	if got := w.Weight(SourceMarineTraffic); got != 0.90 {
		t.Errorf("marine_traffic weight = %v, want 0.90", got)
	}
	if got := w.Weight(SourceAIS); got != 0.75 {
		t.Errorf("ais weight = %v, want 0.75", got)
	}
	// Unlisted sources fall back to the unknown weight.
	if got := w.Weight("somebody-new"); got != 0.50 {
		t.Errorf("unlisted source weight = %v, want 0.50", got)
	}
}

func TestDeclaredUnitDefaultsToKnots(t *testing.T) {
	if got := DeclaredUnit(SourceSignalR); got != "mps" {
		t.Errorf("signalr declared unit = %q, want mps", got)
	}
	if got := DeclaredUnit(SourceAISStream); got != "kn" {
		t.Errorf("aisstream declared unit = %q, want kn", got)
	}
	if got := DeclaredUnit("never-heard-of-it"); got != "kn" {
		t.Errorf("unlisted declared unit = %q, want kn", got)
	}
}

func TestEventTimeAndAge(t *testing.T) {
	ts := time.Date(2025, 8, 12, 2, 0, 0, 0, time.UTC)
	m := NormMsg{EventTS: ts.UnixMilli()}
	if !m.EventTime().Equal(ts) {
		t.Errorf("EventTime() = %v, want %v", m.EventTime(), ts)
	}
	if got := m.AgeAt(ts.Add(3 * time.Minute)); got != 3*time.Minute {
		t.Errorf("AgeAt() = %v, want 3m", got)
	}
}
