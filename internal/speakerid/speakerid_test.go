package speakerid

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	profile := `{"name": "chaffee", "centroid": [3.0, 4.0], "threshold": 0.7}`
	if err := os.WriteFile(filepath.Join(dir, "chaffee.json"), []byte(profile), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProfile(dir, "chaffee")
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.Threshold != 0.7 {
		t.Errorf("threshold = %v, want 0.7", p.Threshold)
	}
	// Centroid is unit-normalized on load.
	if math.Abs(p.Centroid[0]-0.6) > 1e-9 || math.Abs(p.Centroid[1]-0.8) > 1e-9 {
		t.Errorf("centroid = %v, want [0.6 0.8]", p.Centroid)
	}
}

func TestLoadProfileDefaultsThreshold(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "chaffee.json"), []byte(`{"centroid": [1.0]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadProfile(dir, "chaffee")
	if err != nil {
		t.Fatal(err)
	}
	if p.Threshold != DefaultThreshold {
		t.Errorf("threshold = %v, want %v", p.Threshold, DefaultThreshold)
	}
	if p.Name != "chaffee" {
		t.Errorf("name = %q, want chaffee", p.Name)
	}
}

func TestLoadProfileMissing(t *testing.T) {
	if _, err := LoadProfile(t.TempDir(), "nobody"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("err = %v, want ErrProfileNotFound", err)
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 0}, []float64{1, 0}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1},
		{"mismatched length", []float64{1, 0}, []float64{1}, 0},
		{"zero vector", []float64{1, 0}, []float64{0, 0}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := cosine(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("cosine = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAttribute(t *testing.T) {
	const (
		threshold = 0.62
		margin    = 0.05
	)
	turns := []Turn{
		{Start: 0, End: 60, Tag: "SPEAKER_00", Similarity: 0.85},
		{Start: 60, End: 120, Tag: "SPEAKER_01", Similarity: 0.30},
		{Start: 120, End: 180, Tag: "SPEAKER_02", Similarity: 0.60},
	}

	tests := []struct {
		name      string
		span      Span
		wantLabel Label
	}{
		{"target voice", Span{Start: 10, End: 20}, LabelTarget},
		{"guest voice", Span{Start: 70, End: 80}, LabelGuest},
		{"near threshold is unknown", Span{Start: 130, End: 140}, LabelUnknown},
		{"no overlapping turn", Span{Start: 500, End: 510}, LabelUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Attribute([]Span{tc.span}, turns, threshold, margin)
			if got[0].Label != tc.wantLabel {
				t.Errorf("label = %q, want %q", got[0].Label, tc.wantLabel)
			}
		})
	}
}

func TestAttributeConfidence(t *testing.T) {
	turns := []Turn{{Start: 0, End: 10, Tag: "SPEAKER_00", Similarity: 0.85}}
	attrs := Attribute([]Span{{Start: 0, End: 10}}, turns, 0.62, 0.05)
	if attrs[0].Confidence != 0.85 {
		t.Errorf("target confidence = %v, want similarity 0.85", attrs[0].Confidence)
	}

	turns[0].Similarity = 0.30
	attrs = Attribute([]Span{{Start: 0, End: 10}}, turns, 0.62, 0.05)
	if math.Abs(attrs[0].Confidence-0.70) > 1e-9 {
		t.Errorf("guest confidence = %v, want 0.70", attrs[0].Confidence)
	}
}

func TestAttributeConfidenceStaysInRange(t *testing.T) {
	// Cosine similarity can go negative; confidence must not exceed 1.
	turns := []Turn{{Start: 0, End: 10, Tag: "SPEAKER_00", Similarity: -0.5}}
	attrs := Attribute([]Span{{Start: 0, End: 10}}, turns, 0.62, 0.05)
	if attrs[0].Label != LabelGuest {
		t.Errorf("label = %q, want %q", attrs[0].Label, LabelGuest)
	}
	if attrs[0].Confidence < 0 || attrs[0].Confidence > 1 {
		t.Errorf("confidence = %v, want within [0, 1]", attrs[0].Confidence)
	}
}

func TestAttributeOverlapFlag(t *testing.T) {
	// Dominant target turn covers the span, but a guest turn covers 30% of it.
	turns := []Turn{
		{Start: 0, End: 10, Tag: "SPEAKER_00", Similarity: 0.85},
		{Start: 7, End: 10, Tag: "SPEAKER_01", Similarity: 0.30},
	}
	attrs := Attribute([]Span{{Start: 0, End: 10}}, turns, 0.62, 0.05)
	if !attrs[0].IsOverlap {
		t.Error("expected overlap flag for 30% secondary-speaker coverage")
	}
	if attrs[0].Label != LabelTarget {
		t.Errorf("label = %q, want dominant turn's label", attrs[0].Label)
	}

	// 10% coverage stays under the flag.
	turns[1].End = 8
	turns[1].Start = 7
	attrs = Attribute([]Span{{Start: 0, End: 10}}, turns, 0.62, 0.05)
	if attrs[0].IsOverlap {
		t.Error("unexpected overlap flag for 10% secondary-speaker coverage")
	}
}

func TestMonologue(t *testing.T) {
	a := Monologue()
	if a.Label != LabelTarget || a.Confidence != MonologueConfidence {
		t.Errorf("Monologue() = %+v", a)
	}
}

func TestTargetCoverage(t *testing.T) {
	spans := []Span{{0, 10}, {10, 20}, {20, 40}}
	attrs := []Attribution{
		{Label: LabelTarget},
		{Label: LabelGuest},
		{Label: LabelTarget},
	}
	got := TargetCoverage(spans, attrs)
	if math.Abs(got-0.75) > 1e-9 {
		t.Errorf("TargetCoverage = %v, want 0.75", got)
	}
	if TargetCoverage(nil, nil) != 0 {
		t.Error("empty input should report 0 coverage")
	}
}
