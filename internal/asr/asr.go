// Package asr turns audio artifacts into raw timed transcript segments.
//
// Two [Recognizer] implementations exist: a native one backed by the
// whisper.cpp CGO bindings for GPU hosts, and a remote one that uploads
// compressed audio to a hosted transcription API. The native path runs a
// cheaper primary model first and escalates the whole item to a refinement
// model when the primary pass reads as low quality.
package asr

import (
	"bytes"
	"compress/zlib"
	"context"
	"errors"
)

// Provenance records which recognition path produced a transcript.
type Provenance string

const (
	// ProvenanceWhisper is the native primary model.
	ProvenanceWhisper Provenance = "whisper"

	// ProvenanceWhisperUpgraded is the native refinement model after a
	// low-quality primary pass.
	ProvenanceWhisperUpgraded Provenance = "whisper_upgraded"

	// ProvenanceAPI is the hosted transcription API.
	ProvenanceAPI Provenance = "api"

	// ProvenanceCaptions marks segments built from a pre-existing caption
	// track rather than recognition.
	ProvenanceCaptions Provenance = "captions"
)

// RawSegment is one recognized utterance with per-segment quality signals.
// Times are seconds from the start of the audio.
type RawSegment struct {
	Start float64
	End   float64
	Text  string

	AvgLogprob       float64
	CompressionRatio float64
	NoSpeechProb     float64
	Temperature      float64

	// ReASR is set on every segment of an item that went through the
	// refinement pass.
	ReASR bool
}

// Result is a full-item transcript.
type Result struct {
	Segments   []RawSegment
	Model      string
	Provenance Provenance
}

// ErrNoSpeech indicates recognition completed but produced no usable text.
var ErrNoSpeech = errors.New("asr: no speech recognized")

// Recognizer transcribes a single local audio file.
type Recognizer interface {
	// Transcribe runs recognition on the audio at path and returns the
	// item's segments in time order.
	Transcribe(ctx context.Context, path string) (*Result, error)

	// Close releases model or connection resources.
	Close() error
}

// Thresholds are the per-segment quality floors that trigger refinement.
// A segment fails when any one of them is crossed.
type Thresholds struct {
	AvgLogprob       float64
	CompressionRatio float64
	NoSpeechProb     float64
}

// Failing reports whether the segment crosses any quality floor.
func (t Thresholds) Failing(s RawSegment) bool {
	if s.AvgLogprob < t.AvgLogprob {
		return true
	}
	if s.CompressionRatio > t.CompressionRatio {
		return true
	}
	if s.NoSpeechProb > t.NoSpeechProb {
		return true
	}
	return false
}

// NeedsRefinement reports whether any segment of the primary pass failed the
// thresholds. The whole item is rerun on the refinement model rather than
// re-hearing individual segments, which would thrash the model context.
func NeedsRefinement(segments []RawSegment, t Thresholds) bool {
	for _, s := range segments {
		if t.Failing(s) {
			return true
		}
	}
	return false
}

// hasText reports whether any segment carries non-empty text. Recognizers
// return empty-text segments untouched; the pipeline filters them.
func hasText(segments []RawSegment) bool {
	for _, s := range segments {
		if s.Text != "" {
			return true
		}
	}
	return false
}

// compressionRatio is the zlib expansion ratio of text, the signal whisper
// uses to flag repetitive hallucinated output. Higher means more repetitive.
func compressionRatio(text string) float64 {
	if len(text) == 0 {
		return 0
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, _ = w.Write([]byte(text))
	_ = w.Close()
	if buf.Len() == 0 {
		return 0
	}
	return float64(len(text)) / float64(buf.Len())
}
