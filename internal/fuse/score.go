package fuse

import (
	"time"

	"github.com/banshee-data/trackfuse/internal/track"
)

// Score weights. Recency dominates because a stale high-trust report is
// worse than a fresh mediocre one; physical validity is the smallest term
// so advisory anomaly flags dent the score without sinking it.
const (
	scoreRecencyWeight  = 0.5
	scoreSourceWeight   = 0.3
	scoreValidityWeight = 0.2

	// recencyHorizon is the age at which the recency term bottoms out.
	recencyHorizon = 15 * time.Minute
)

// Scorer computes composite per-message scores against a source trust
// table. A nil-safe zero value is not provided: construct with NewScorer.
type Scorer struct {
	weights track.WeightTable
}

// NewScorer builds a Scorer from the default trust table with the given
// per-source overrides applied on top.
func NewScorer(overrides map[string]float64) *Scorer {
	w := track.DefaultWeights()
	for tag, weight := range overrides {
		w[tag] = weight
	}
	return &Scorer{weights: w}
}

// Weight exposes the trust weight for a source tag.
func (s *Scorer) Weight(source string) float64 {
	return s.weights.Weight(source)
}

// Score returns the composite score for m in [0,1] at the given wall clock.
func (s *Scorer) Score(m *track.NormMsg, now time.Time) float64 {
	age := m.AgeAt(now)
	recency := 1 - age.Minutes()/recencyHorizon.Minutes()
	if recency < 0 {
		recency = 0
	}
	if recency > 1 {
		// Event time slightly ahead of the wall clock still counts as fresh.
		recency = 1
	}

	validity := 0.0
	if m.PhysicallyValid {
		validity = 1.0
	}

	return scoreRecencyWeight*recency +
		scoreSourceWeight*s.weights.Weight(m.Source) +
		scoreValidityWeight*validity
}
