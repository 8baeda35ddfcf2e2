// Package speakerid attributes transcript segments to speakers.
//
// A diarizer subprocess produces per-speaker turns with voice embeddings;
// each turn is scored by cosine similarity against the enrolled target
// profile's centroid, and ASR segments inherit the label of their dominant
// overlapping turn.
package speakerid

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// Label is the speaker attribution of a segment.
type Label string

const (
	// LabelTarget marks the enrolled target speaker.
	LabelTarget Label = "CHAFFEE"

	// LabelGuest marks a voice clearly distinct from the target.
	LabelGuest Label = "GUEST"

	// LabelUnknown marks a voice too close to the threshold to call.
	LabelUnknown Label = "UNKNOWN"
)

// MonologueConfidence is the fixed confidence assigned when the monologue
// fast path tags every segment as the target without diarizing.
const MonologueConfidence = 0.90

// DefaultThreshold is the acceptance similarity used when a profile does not
// carry its own.
const DefaultThreshold = 0.62

// DefaultMargin is the distance below the threshold at which a voice becomes
// a confident guest rather than unknown.
const DefaultMargin = 0.05

// ErrProfileNotFound indicates no enrolled profile exists under the
// configured directory.
var ErrProfileNotFound = errors.New("speakerid: voice profile not found")

// Profile is a persisted voice fingerprint of the target speaker. Profiles
// are created by an external enrollment tool and read-only here.
type Profile struct {
	Name      string    `json:"name"`
	Centroid  []float64 `json:"centroid"`
	Threshold float64   `json:"threshold"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	// AudioSources records what the centroid was computed from.
	AudioSources []string `json:"audio_sources,omitempty"`
}

// LoadProfile reads <dir>/<name>.json and validates it.
func LoadProfile(dir, name string) (*Profile, error) {
	path := filepath.Join(dir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, path)
		}
		return nil, fmt.Errorf("speakerid: read profile: %w", err)
	}

	p := &Profile{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("speakerid: parse profile %s: %w", path, err)
	}
	if len(p.Centroid) == 0 {
		return nil, fmt.Errorf("speakerid: profile %s has no centroid", path)
	}
	if p.Name == "" {
		p.Name = name
	}
	if p.Threshold <= 0 {
		p.Threshold = DefaultThreshold
	}
	normalize(p.Centroid)
	return p, nil
}

// Similarity is the cosine similarity between a voice embedding and the
// profile centroid. Returns 0 when either vector has zero norm.
func (p *Profile) Similarity(embedding []float64) float64 {
	return cosine(p.Centroid, embedding)
}

// cosine computes cosine similarity between two vectors of equal length.
// Mismatched lengths score 0.
func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// normalize scales v to unit length in place. Zero vectors are left alone.
func normalize(v []float64) {
	var n float64
	for _, x := range v {
		n += x * x
	}
	if n == 0 {
		return
	}
	n = math.Sqrt(n)
	for i := range v {
		v[i] /= n
	}
}
