package validate

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/trackfuse/internal/track"
)

// Flag is an advisory anomaly marker. Flags are counted and logged; the
// flagged message still ingests.
type Flag string

const (
	// FlagRepeatedExactValue fires when three or more readings in the
	// rolling window report the identical speed.
	FlagRepeatedExactValue Flag = "repeated_exact_value"

	// FlagSingleSourceConsistency fires when five or more readings all
	// come from one source with zero speed variance, the signature of a
	// feed replaying a stale value.
	FlagSingleSourceConsistency Flag = "single_source_consistency"
)

// Rolling window bounds: the last readingCap speed readings no older than
// readingTTL.
const (
	readingCap = 10
	readingTTL = 5 * time.Minute
)

type reading struct {
	speedKn float64
	source  string
	wall    time.Time
}

// anomalyTracker keeps a bounded per-key ring of recent speed readings.
type anomalyTracker struct {
	mu     sync.Mutex
	perKey map[string][]reading
}

func newAnomalyTracker() *anomalyTracker {
	return &anomalyTracker{perKey: make(map[string][]reading)}
}

// observe records m's speed reading and returns any flags the updated
// window raises. Messages without speed neither record nor flag.
func (a *anomalyTracker) observe(m *track.NormMsg, now time.Time) []Flag {
	if m.Speed == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	window := a.perKey[m.Key]
	cutoff := now.Add(-readingTTL)
	for len(window) > 0 && window[0].wall.Before(cutoff) {
		window = window[1:]
	}
	window = append(window, reading{speedKn: *m.Speed, source: m.Source, wall: now})
	if len(window) > readingCap {
		window = window[len(window)-readingCap:]
	}
	a.perKey[m.Key] = window

	var flags []Flag

	identical := 0
	for _, r := range window {
		if r.speedKn == *m.Speed {
			identical++
		}
	}
	if identical >= 3 {
		flags = append(flags, FlagRepeatedExactValue)
	}

	if len(window) >= 5 {
		sameSource := true
		speeds := make([]float64, len(window))
		for i, r := range window {
			speeds[i] = r.speedKn
			if r.source != window[0].source {
				sameSource = false
				break
			}
		}
		if sameSource && stat.Variance(speeds, nil) < 1e-12 {
			flags = append(flags, FlagSingleSourceConsistency)
		}
	}

	return flags
}

func (a *anomalyTracker) cleanup(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := now.Add(-readingTTL)
	for key, window := range a.perKey {
		if len(window) == 0 || window[len(window)-1].wall.Before(cutoff) {
			delete(a.perKey, key)
		}
	}
}

func (a *anomalyTracker) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.perKey)
}
