package fuse

import (
	"math"
	"time"

	"github.com/rs/xid"
	"github.com/samber/lo"

	"github.com/banshee-data/trackfuse/internal/monitoring"
	"github.com/banshee-data/trackfuse/internal/track"
)

// Candidates below this trust weight never contribute fields to a merge.
const minContributorWeight = 0.1

// contemporaryWindow bounds the span within which candidates compete on
// trust weight; further apart than this, recency wins outright.
const contemporaryWindow = 60 * time.Second

// relativeSpreadThreshold is the numeric disagreement above which a
// conflict event is emitted. Observational only: the merge is unchanged.
const relativeSpreadThreshold = 0.5

// Conflict records a cross-source numeric disagreement detected during a
// merge. One event is emitted per field per merge call.
type Conflict struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Field      string    `json:"field"`
	Values     []float64 `json:"values"`
	Sources    []string  `json:"sources"`
	Timestamps []int64   `json:"timestamps"`
	Spread     float64   `json:"spread"`
}

// Merger performs anchor-based field-level fusion across contemporaneous
// messages for one key.
type Merger struct {
	scorer *Scorer
}

// NewMerger builds a Merger that breaks candidate ties with the given
// scorer's trust weights.
func NewMerger(scorer *Scorer) *Merger {
	return &Merger{scorer: scorer}
}

// candidate pairs a field value with the message that carried it.
type candidate struct {
	msg    *track.NormMsg
	str    string   // set for text fields
	num    *float64 // set for numeric fields
	weight float64
}

// Merge fuses msgs (all for the same key, len >= 1) into a single message.
// Position and event time always come from the anchor, the message with
// the greatest event timestamp. Returns the fused message and any conflict
// events observed among the contributing candidates.
func (mg *Merger) Merge(msgs []*track.NormMsg) (*track.NormMsg, []Conflict) {
	if len(msgs) == 0 {
		return nil, nil
	}

	anchor := msgs[0]
	for _, m := range msgs[1:] {
		if m.EventTS > anchor.EventTS ||
			(m.EventTS == anchor.EventTS && mg.scorer.Weight(m.Source) > mg.scorer.Weight(anchor.Source)) {
			anchor = m
		}
	}

	out := &track.NormMsg{
		Kind:            anchor.Kind,
		Source:          anchor.Source,
		Key:             anchor.Key,
		EventTS:         anchor.EventTS,
		Lat:             anchor.Lat,
		Lon:             anchor.Lon,
		PhysicallyValid: anchor.PhysicallyValid,
	}

	sources := map[string]bool{}
	contributed := func(m *track.NormMsg) { sources[m.Source] = true }
	contributed(anchor) // position always comes from the anchor

	// Static identity fields merge by candidate selection regardless of
	// what the anchor carries.
	out.MMSI = mg.selectString(msgs, func(m *track.NormMsg) string { return m.MMSI }, contributed)
	out.IMO = mg.selectString(msgs, func(m *track.NormMsg) string { return m.IMO }, contributed)
	out.Callsign = mg.selectString(msgs, func(m *track.NormMsg) string { return m.Callsign }, contributed)
	out.Name = mg.selectString(msgs, func(m *track.NormMsg) string { return m.Name }, contributed)
	out.Registration = mg.selectString(msgs, func(m *track.NormMsg) string { return m.Registration }, contributed)
	out.ICAO24 = mg.selectString(msgs, func(m *track.NormMsg) string { return m.ICAO24 }, contributed)

	// Dynamic fields prefer the anchor's own value; candidate selection is
	// the fallback for fields the anchor did not report.
	var conflicts []Conflict
	numeric := func(name string, get func(*track.NormMsg) *float64) *float64 {
		v, c := mg.selectNumeric(anchor, msgs, name, get, contributed)
		if c != nil {
			conflicts = append(conflicts, *c)
		}
		return v
	}
	out.Speed = numeric("speed", func(m *track.NormMsg) *float64 { return m.Speed })
	out.Course = numeric("course", func(m *track.NormMsg) *float64 { return m.Course })
	out.Heading = numeric("heading", func(m *track.NormMsg) *float64 { return m.Heading })
	out.Altitude = numeric("altitude", func(m *track.NormMsg) *float64 { return m.Altitude })
	out.VerticalRate = numeric("verticalRate", func(m *track.NormMsg) *float64 { return m.VerticalRate })

	out.Status = mg.selectStatus(anchor, msgs, contributed)

	if len(sources) >= 2 {
		out.Source = track.FusedSource
	}

	for _, c := range conflicts {
		monitoring.Conflicts.WithLabelValues(c.Field).Inc()
	}
	return out, conflicts
}

// selectString picks the winning value for a text field: the sole
// candidate when there is one; otherwise higher trust weight among
// contemporaneous candidates (ties to the longer string), most recent
// among spread-out ones.
func (mg *Merger) selectString(msgs []*track.NormMsg, get func(*track.NormMsg) string, contributed func(*track.NormMsg)) string {
	cands := lo.FilterMap(msgs, func(m *track.NormMsg, _ int) (candidate, bool) {
		v := get(m)
		if v == "" {
			return candidate{}, false
		}
		w := mg.scorer.Weight(m.Source)
		if w < minContributorWeight {
			return candidate{}, false
		}
		return candidate{msg: m, str: v, weight: w}, true
	})
	if len(cands) == 0 {
		return ""
	}
	win := pickCandidate(cands, func(a, b candidate) bool {
		return len(a.str) > len(b.str)
	})
	contributed(win.msg)
	return win.str
}

// selectNumeric resolves a numeric dynamic field and reports a conflict
// when the contributing candidates disagree beyond the spread threshold.
func (mg *Merger) selectNumeric(anchor *track.NormMsg, msgs []*track.NormMsg, field string, get func(*track.NormMsg) *float64, contributed func(*track.NormMsg)) (*float64, *Conflict) {
	cands := lo.FilterMap(msgs, func(m *track.NormMsg, _ int) (candidate, bool) {
		v := get(m)
		if v == nil {
			return candidate{}, false
		}
		w := mg.scorer.Weight(m.Source)
		if w < minContributorWeight {
			return candidate{}, false
		}
		return candidate{msg: m, num: v, weight: w}, true
	})
	if len(cands) == 0 {
		return nil, nil
	}

	conflict := numericConflict(anchor.Key, field, cands)

	if v := get(anchor); v != nil {
		contributed(anchor)
		val := *v
		return &val, conflict
	}

	win := pickCandidate(cands, func(a, b candidate) bool { return false })
	contributed(win.msg)
	val := *win.num
	return &val, conflict
}

// selectStatus applies the dynamic-field rule to the status string.
func (mg *Merger) selectStatus(anchor *track.NormMsg, msgs []*track.NormMsg, contributed func(*track.NormMsg)) *string {
	if anchor.Status != nil && *anchor.Status != "" {
		contributed(anchor)
		v := *anchor.Status
		return &v
	}
	v := mg.selectString(msgs, func(m *track.NormMsg) string {
		if m.Status == nil {
			return ""
		}
		return *m.Status
	}, contributed)
	if v == "" {
		return nil
	}
	return &v
}

// pickCandidate applies the selection order: one candidate wins outright;
// candidates within the contemporary window compete on weight with the
// given tiebreak; otherwise the most recent wins.
func pickCandidate(cands []candidate, tiebreak func(a, b candidate) bool) candidate {
	if len(cands) == 1 {
		return cands[0]
	}

	newest := cands[0]
	oldest := cands[0]
	for _, c := range cands[1:] {
		if c.msg.EventTS > newest.msg.EventTS {
			newest = c
		}
		if c.msg.EventTS < oldest.msg.EventTS {
			oldest = c
		}
	}

	if newest.msg.EventTS-oldest.msg.EventTS > contemporaryWindow.Milliseconds() {
		return newest
	}

	win := cands[0]
	for _, c := range cands[1:] {
		if c.weight > win.weight || (c.weight == win.weight && tiebreak(c, win)) {
			win = c
		}
	}
	return win
}

// numericConflict computes the relative spread across candidates and
// returns a conflict event when it exceeds the threshold.
func numericConflict(key, field string, cands []candidate) *Conflict {
	if len(cands) < 2 {
		return nil
	}
	minV := *cands[0].num
	maxV := *cands[0].num
	for _, c := range cands[1:] {
		minV = math.Min(minV, *c.num)
		maxV = math.Max(maxV, *c.num)
	}
	maxAbs := math.Max(math.Abs(minV), math.Abs(maxV))
	if maxAbs == 0 {
		return nil
	}
	spread := (maxV - minV) / maxAbs
	if spread <= relativeSpreadThreshold {
		return nil
	}
	c := &Conflict{
		ID:     xid.New().String(),
		Key:    key,
		Field:  field,
		Spread: spread,
	}
	for _, cand := range cands {
		c.Values = append(c.Values, *cand.num)
		c.Sources = append(c.Sources, cand.msg.Source)
		c.Timestamps = append(c.Timestamps, cand.msg.EventTS)
	}
	return c
}
