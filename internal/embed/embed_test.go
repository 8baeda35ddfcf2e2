package embed

import (
	"context"
	"errors"
	"testing"

	"github.com/chaffelab/transcriptor/internal/optimizer"
	"github.com/chaffelab/transcriptor/internal/speakerid"
)

// fakeProvider returns constant-valued vectors and records batch sizes.
type fakeProvider struct {
	dim     int
	batches [][]string
	err     error
}

func (f *fakeProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.batches = append(f.batches, texts)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

func (f *fakeProvider) Dimensions() int { return f.dim }
func (f *fakeProvider) ModelID() string { return "fake" }

func segWithLabel(label speakerid.Label, text string) optimizer.Segment {
	return optimizer.Segment{Start: 0, End: 1, Text: text, SpeakerLabel: label}
}

func TestEmbedTargetOnly(t *testing.T) {
	fp := &fakeProvider{dim: 4}
	e := New(fp, Policy{TargetOnly: true})

	segments := []optimizer.Segment{
		segWithLabel(speakerid.LabelTarget, "target text"),
		segWithLabel(speakerid.LabelGuest, "guest text"),
		segWithLabel(speakerid.LabelUnknown, "unknown text"),
	}
	out, err := e.Embed(context.Background(), segments)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if out[0].Embedding == nil {
		t.Error("target segment missing embedding")
	}
	if out[1].Embedding != nil || out[2].Embedding != nil {
		t.Error("non-target segments must not be embedded under target-only policy")
	}
}

func TestEmbedAllSpeakers(t *testing.T) {
	fp := &fakeProvider{dim: 4}
	e := New(fp, Policy{TargetOnly: false})

	segments := []optimizer.Segment{
		segWithLabel(speakerid.LabelTarget, "target text"),
		segWithLabel(speakerid.LabelGuest, "guest text"),
	}
	out, err := e.Embed(context.Background(), segments)
	if err != nil {
		t.Fatal(err)
	}
	for i, em := range out {
		if em.Embedding == nil {
			t.Errorf("segment %d missing embedding", i)
		}
	}
}

func TestEmbedNullLabelDefaulting(t *testing.T) {
	tests := []struct {
		name      string
		monologue bool
		want      speakerid.Label
	}{
		{"monologue source coerces to target", true, speakerid.LabelTarget},
		{"other sources coerce to guest", false, speakerid.LabelGuest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fp := &fakeProvider{dim: 4}
			e := New(fp, Policy{TargetOnly: false, SourceMonologue: tc.monologue})
			out, err := e.Embed(context.Background(), []optimizer.Segment{
				segWithLabel("", "unlabeled text"),
			})
			if err != nil {
				t.Fatal(err)
			}
			if got := out[0].Segment.SpeakerLabel; got != tc.want {
				t.Errorf("label = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestEmbedBatching(t *testing.T) {
	fp := &fakeProvider{dim: 2}
	e := New(fp, Policy{BatchSize: 2})

	segments := make([]optimizer.Segment, 5)
	for i := range segments {
		segments[i] = segWithLabel(speakerid.LabelTarget, "text")
	}
	if _, err := e.Embed(context.Background(), segments); err != nil {
		t.Fatal(err)
	}
	if len(fp.batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(fp.batches))
	}
	if len(fp.batches[0]) != 2 || len(fp.batches[2]) != 1 {
		t.Errorf("batch sizes = %d,%d,%d, want 2,2,1",
			len(fp.batches[0]), len(fp.batches[1]), len(fp.batches[2]))
	}
}

func TestEmbedBatchFailureFailsCall(t *testing.T) {
	fp := &fakeProvider{dim: 2, err: errors.New("rate limited")}
	e := New(fp, Policy{})
	_, err := e.Embed(context.Background(), []optimizer.Segment{
		segWithLabel(speakerid.LabelTarget, "text"),
	})
	if err == nil {
		t.Fatal("expected error from failing provider")
	}
}

func TestModelDimensions(t *testing.T) {
	if d := modelDimensions("text-embedding-3-large"); d != 3072 {
		t.Errorf("large = %d, want 3072", d)
	}
	if d := modelDimensions("text-embedding-3-small"); d != 1536 {
		t.Errorf("small = %d, want 1536", d)
	}
}
