// Package units provides shared constants and conversion for speed units.
// The pipeline and stores keep all speeds in knots.
package units

// Unit constants
const (
	KN  = "kn"
	MPS = "mps"
	KMH = "kmh"
	KPH = "kph"
)

// Conversion factors. MPSToKnots and KMHToKnots are the wire-side factors
// applied during unit reconciliation; KnotToMPS feeds the smoother, which
// works in metres.
const (
	MPSToKnots = 1.94384
	KMHToKnots = 0.539957
	KnotToMPS  = 0.514444
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{KN, MPS, KMH, KPH}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "kn, mps, kmh, kph"
}

// ToKnots converts a speed in the given source unit to knots.
func ToKnots(speed float64, sourceUnit string) float64 {
	switch sourceUnit {
	case MPS:
		return speed * MPSToKnots
	case KMH, KPH:
		return speed * KMHToKnots
	default:
		return speed
	}
}

// FromKnots converts a speed in knots to the target unit. Used on the read
// side so callers can ask for mps or km/h.
func FromKnots(speedKn float64, targetUnit string) float64 {
	switch targetUnit {
	case MPS:
		return speedKn * KnotToMPS
	case KMH, KPH:
		return speedKn / KMHToKnots
	default:
		return speedKn
	}
}
