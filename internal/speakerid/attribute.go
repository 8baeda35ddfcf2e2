package speakerid

import "math"

// overlapFraction is the share of a segment covered by non-dominant speakers
// above which the segment is flagged as overlapping speech.
const overlapFraction = 0.2

// Attribution is the speaker decision for one segment.
type Attribution struct {
	Label      Label
	Confidence float64
	IsOverlap  bool
}

// Span is a segment's time range.
type Span struct {
	Start float64
	End   float64
}

// Monologue is the fast-path attribution used when diarization is skipped
// under the single-speaker assumption.
func Monologue() Attribution {
	return Attribution{Label: LabelTarget, Confidence: MonologueConfidence}
}

// Unattributed is the degraded attribution used when the diarizer fails.
func Unattributed() Attribution {
	return Attribution{Label: LabelUnknown, Confidence: 0}
}

// Attribute labels each span by its dominant overlapping turn:
//
//   - dominant similarity at or above the threshold is the target
//   - similarity below threshold minus margin is a guest
//   - anything between is unknown, confidence scaled by distance from the
//     threshold
//
// A span whose non-dominant turns cover more than 20% of it is flagged as
// overlapping speech; the label still follows the dominant turn.
func Attribute(spans []Span, turns []Turn, threshold, margin float64) []Attribution {
	if margin <= 0 {
		margin = DefaultMargin
	}
	out := make([]Attribution, len(spans))
	for i, s := range spans {
		out[i] = attributeOne(s, turns, threshold, margin)
	}
	return out
}

func attributeOne(s Span, turns []Turn, threshold, margin float64) Attribution {
	// Aggregate overlap per speaker tag; the dominant turn is the single
	// turn with the largest overlap.
	var (
		dominant    *Turn
		dominantOvl float64
		perTag      = map[string]float64{}
	)
	for i := range turns {
		t := &turns[i]
		ovl := overlap(s, t)
		if ovl <= 0 {
			continue
		}
		perTag[t.Tag] += ovl
		if ovl > dominantOvl {
			dominant, dominantOvl = t, ovl
		}
	}
	if dominant == nil {
		return Unattributed()
	}

	a := Attribution{}
	sim := dominant.Similarity
	switch {
	case sim >= threshold:
		a.Label = LabelTarget
		a.Confidence = sim
	case sim < threshold-margin:
		a.Label = LabelGuest
		a.Confidence = 1 - sim
	default:
		a.Label = LabelUnknown
		a.Confidence = (threshold - sim) / margin
	}
	// Cosine similarity ranges over [-1, 1]; stored confidence must stay in
	// [0, 1].
	a.Confidence = clamp01(a.Confidence)

	if dur := s.End - s.Start; dur > 0 {
		var other float64
		for tag, ovl := range perTag {
			if tag != dominant.Tag {
				other += ovl
			}
		}
		if other/dur > overlapFraction {
			a.IsOverlap = true
		}
	}
	return a
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

// overlap is the duration shared by a span and a turn.
func overlap(s Span, t *Turn) float64 {
	start := math.Max(s.Start, t.Start)
	end := math.Min(s.End, t.End)
	if end <= start {
		return 0
	}
	return end - start
}

// TargetCoverage reports the fraction of total attributed duration labeled
// as the target. Used to decide whether a source behaves as a monologue on
// later runs.
func TargetCoverage(spans []Span, attrs []Attribution) float64 {
	var total, target float64
	for i, s := range spans {
		if i >= len(attrs) {
			break
		}
		dur := s.End - s.Start
		if dur <= 0 {
			continue
		}
		total += dur
		if attrs[i].Label == LabelTarget {
			target += dur
		}
	}
	if total == 0 {
		return 0
	}
	return target / total
}
