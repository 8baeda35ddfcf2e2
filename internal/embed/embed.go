// Package embed generates vector embeddings for optimized segments.
//
// The [Provider] interface abstracts the embedding backend; the OpenAI
// implementation lives in openai.go. Labeling policy also lives here: the
// embedder is the last stage that sees unlabeled segments, so it applies the
// null-label defaulting rule and, by default, only embeds target-speaker
// segments.
package embed

import (
	"context"
	"fmt"

	"github.com/chaffelab/transcriptor/internal/optimizer"
	"github.com/chaffelab/transcriptor/internal/speakerid"
)

// DefaultBatchSize is the number of texts sent per embedding request.
const DefaultBatchSize = 100

// Provider generates fixed-dimension embeddings.
type Provider interface {
	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the vector dimension every returned embedding has.
	Dimensions() int

	// ModelID identifies the embedding model.
	ModelID() string
}

// Embedded pairs an optimized segment with its vector. Vector is nil for
// segments the policy excluded.
type Embedded struct {
	Segment   optimizer.Segment
	Embedding []float32
}

// Policy controls which segments receive embeddings.
type Policy struct {
	// TargetOnly restricts embedding to target-speaker segments.
	TargetOnly bool

	// SourceMonologue coerces unlabeled segments to the target label; when
	// false they default to guest.
	SourceMonologue bool

	// BatchSize is texts per request. Zero means DefaultBatchSize.
	BatchSize int
}

// Embedder applies the labeling policy and batches texts to a Provider.
type Embedder struct {
	provider Provider
	policy   Policy
}

// New creates an Embedder.
func New(provider Provider, policy Policy) *Embedder {
	if policy.BatchSize <= 0 {
		policy.BatchSize = DefaultBatchSize
	}
	return &Embedder{provider: provider, policy: policy}
}

// Dimensions is the backing provider's vector dimension.
func (e *Embedder) Dimensions() int { return e.provider.Dimensions() }

// Embed labels and embeds segments. Unlabeled segments are coerced first;
// then every eligible segment is embedded in batches. A failed batch fails
// the whole call so the owning source can retry.
func (e *Embedder) Embed(ctx context.Context, segments []optimizer.Segment) ([]Embedded, error) {
	out := make([]Embedded, len(segments))
	var (
		texts   []string
		indices []int
	)
	for i, s := range segments {
		if s.SpeakerLabel == "" {
			if e.policy.SourceMonologue {
				s.SpeakerLabel = speakerid.LabelTarget
			} else {
				s.SpeakerLabel = speakerid.LabelGuest
			}
		}
		out[i] = Embedded{Segment: s}
		if e.policy.TargetOnly && s.SpeakerLabel != speakerid.LabelTarget {
			continue
		}
		texts = append(texts, s.Text)
		indices = append(indices, i)
	}

	for start := 0; start < len(texts); start += e.policy.BatchSize {
		end := min(start+e.policy.BatchSize, len(texts))
		vectors, err := e.provider.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed: batch %d..%d: %w", start, end, err)
		}
		if len(vectors) != end-start {
			return nil, fmt.Errorf("embed: batch returned %d vectors for %d texts", len(vectors), end-start)
		}
		dim := e.provider.Dimensions()
		for i, v := range vectors {
			if len(v) != dim {
				return nil, fmt.Errorf("embed: vector dimension %d, want %d", len(v), dim)
			}
			out[indices[start+i]].Embedding = v
		}
	}
	return out, nil
}
