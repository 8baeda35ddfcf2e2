// Package optimizer reshapes raw transcript segments into retrieval-friendly
// ones. Very short recognizer outputs embed poorly, so adjacent same-speaker
// fragments are merged up to a character and duration budget, oversized
// segments are split at sentence boundaries, and text is normalized.
//
// The optimizer is pure: it never mutates its input and has no side effects.
package optimizer

import (
	"sort"
	"strings"

	"github.com/chaffelab/transcriptor/internal/speakerid"
)

// Params bound merging and splitting.
type Params struct {
	// TargetMinChars is the length below which a segment wants merging.
	TargetMinChars int

	// TargetMaxChars is the length merged output must stay under; splitting
	// engages at 1.5 times this value.
	TargetMaxChars int

	// MaxGapSeconds is the largest silence between segments that still
	// allows a merge.
	MaxGapSeconds float64

	// MaxMergeDurationS caps the duration of a merged segment.
	MaxMergeDurationS float64
}

// DefaultParams returns the standard tuning.
func DefaultParams() Params {
	return Params{
		TargetMinChars:    120,
		TargetMaxChars:    300,
		MaxGapSeconds:     2.0,
		MaxMergeDurationS: 30.0,
	}
}

// tinyChars is the length below which a fragment always merges into its
// neighbour regardless of the character budgets.
const tinyChars = 30

// substantiveChars is the length above which normalized text gets terminal
// punctuation appended when missing.
const substantiveChars = 20

// Segment is one attributed utterance flowing through the optimizer.
type Segment struct {
	Start float64
	End   float64
	Text  string

	SpeakerLabel      speakerid.Label
	SpeakerConfidence float64

	AvgLogprob       float64
	CompressionRatio float64
	NoSpeechProb     float64
	Temperature      float64

	ReASR           bool
	IsOverlap       bool
	NeedsRefinement bool
}

// Optimize merges, splits, and normalizes segments. The input is not
// mutated; the output is time-ordered and non-empty for any input that
// carries usable text.
func Optimize(in []Segment, p Params) []Segment {
	if p.TargetMinChars <= 0 || p.TargetMaxChars <= 0 {
		p = DefaultParams()
	}

	segments := make([]Segment, 0, len(in))
	for _, s := range in {
		s.Text = collapse(s.Text)
		if s.Text == "" {
			continue
		}
		segments = append(segments, s)
	}
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })

	segments = mergePass(segments, p)
	segments = splitPass(segments, p)

	out := segments[:0]
	for _, s := range segments {
		s.Text = finalize(s.Text)
		if s.Text == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

// mergePass folds each segment into its predecessor while the merge rule
// holds.
func mergePass(segments []Segment, p Params) []Segment {
	if len(segments) == 0 {
		return segments
	}
	out := []Segment{segments[0]}
	for _, s := range segments[1:] {
		last := &out[len(out)-1]
		if canMerge(*last, s, p) {
			*last = merge(*last, s)
			continue
		}
		out = append(out, s)
	}
	return out
}

// canMerge applies the pairwise merge rule. Fragments under tinyChars merge
// whenever speaker and gap allow; otherwise the pair must include a segment
// below the minimum target and stay under the combined character and
// duration budgets.
func canMerge(a, b Segment, p Params) bool {
	if a.SpeakerLabel != b.SpeakerLabel {
		return false
	}
	if b.Start-a.End > p.MaxGapSeconds {
		return false
	}
	if len(a.Text) < tinyChars || len(b.Text) < tinyChars {
		return true
	}
	if b.End-a.Start > p.MaxMergeDurationS {
		return false
	}
	if len(a.Text) >= p.TargetMinChars && len(b.Text) >= p.TargetMinChars {
		return false
	}
	return len(a.Text)+1+len(b.Text) < p.TargetMaxChars
}

// merge combines two segments: metrics are duration-weighted, flags OR-ed,
// confidence takes the max.
func merge(a, b Segment) Segment {
	da, db := a.End-a.Start, b.End-b.Start
	if da <= 0 {
		da = 1e-6
	}
	if db <= 0 {
		db = 1e-6
	}
	total := da + db

	weighted := func(x, y float64) float64 { return (x*da + y*db) / total }

	return Segment{
		Start:             a.Start,
		End:               b.End,
		Text:              a.Text + " " + b.Text,
		SpeakerLabel:      a.SpeakerLabel,
		SpeakerConfidence: max(a.SpeakerConfidence, b.SpeakerConfidence),
		AvgLogprob:        weighted(a.AvgLogprob, b.AvgLogprob),
		CompressionRatio:  weighted(a.CompressionRatio, b.CompressionRatio),
		NoSpeechProb:      weighted(a.NoSpeechProb, b.NoSpeechProb),
		Temperature:       weighted(a.Temperature, b.Temperature),
		ReASR:             a.ReASR || b.ReASR,
		IsOverlap:         a.IsOverlap || b.IsOverlap,
		NeedsRefinement:   a.NeedsRefinement || b.NeedsRefinement,
	}
}

// splitPass breaks oversized segments at sentence boundaries, apportioning
// the time range proportionally to character counts.
func splitPass(segments []Segment, p Params) []Segment {
	limit := p.TargetMaxChars + p.TargetMaxChars/2
	out := make([]Segment, 0, len(segments))
	for _, s := range segments {
		if len(s.Text) <= limit {
			out = append(out, s)
			continue
		}
		out = append(out, split(s, p.TargetMaxChars)...)
	}
	return out
}

// split greedily packs sentences into slices under maxChars each.
func split(s Segment, maxChars int) []Segment {
	sentences := splitSentences(s.Text)
	if len(sentences) <= 1 {
		return []Segment{s}
	}

	var slices []string
	current := ""
	for _, sentence := range sentences {
		if current == "" {
			current = sentence
			continue
		}
		if len(current)+1+len(sentence) < maxChars {
			current += " " + sentence
			continue
		}
		slices = append(slices, current)
		current = sentence
	}
	if current != "" {
		slices = append(slices, current)
	}
	if len(slices) <= 1 {
		return []Segment{s}
	}

	totalChars := 0
	for _, t := range slices {
		totalChars += len(t)
	}
	span := s.End - s.Start

	out := make([]Segment, 0, len(slices))
	cursor := s.Start
	for i, t := range slices {
		part := s
		part.Text = t
		part.Start = cursor
		if i == len(slices)-1 {
			part.End = s.End
		} else {
			part.End = cursor + span*float64(len(t))/float64(totalChars)
		}
		cursor = part.End
		out = append(out, part)
	}
	return out
}

// splitSentences cuts text after terminal punctuation. Abbreviation handling
// is intentionally naive; slices merely need plausible boundaries.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			end := i + 1
			for end < len(text) && (text[end] == '"' || text[end] == '\'') {
				end++
			}
			if end >= len(text) || text[end] == ' ' {
				if s := strings.TrimSpace(text[start:end]); s != "" {
					out = append(out, s)
				}
				start = end
			}
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// collapse squeezes whitespace runs and trims.
func collapse(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// finalize appends terminal punctuation to substantive text that lacks it.
func finalize(text string) string {
	text = collapse(text)
	if len(text) > substantiveChars && !strings.ContainsRune(".!?", rune(text[len(text)-1])) {
		text += "."
	}
	return text
}
