// This file contains the native Recognizer backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.

package asr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Compile-time assertion that Native satisfies Recognizer.
var _ Recognizer = (*Native)(nil)

// Native implements Recognizer using whisper.cpp Go bindings (CGO). The
// primary model handles every item; a refinement model, when configured,
// rehears items whose primary pass fails the quality thresholds.
//
// Models are loaded once and shared. Each Transcribe call creates its own
// whisper context, so one Native can serve concurrent workers.
type Native struct {
	primary     whisperlib.Model
	primaryName string
	refine      whisperlib.Model
	refineName  string
	language    string
	thresholds  Thresholds
}

// NativeOption is a functional option for configuring a Native recognizer.
type NativeOption func(*Native)

// WithRefineModel loads a second, larger model used to rehear items whose
// primary pass reads as low quality.
func WithRefineModel(path string) NativeOption {
	return func(n *Native) { n.refineName = path }
}

// WithLanguage sets the BCP-47 language code for recognition. Defaults to
// "en".
func WithLanguage(lang string) NativeOption {
	return func(n *Native) { n.language = lang }
}

// WithThresholds overrides the refinement quality floors.
func WithThresholds(t Thresholds) NativeOption {
	return func(n *Native) { n.thresholds = t }
}

// NewNative loads the primary whisper.cpp model from modelPath. The caller
// must call Close when the recognizer is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*Native, error) {
	if modelPath == "" {
		return nil, errors.New("asr: modelPath must not be empty")
	}
	n := &Native{
		primaryName: modelPath,
		language:    "en",
		thresholds:  Thresholds{AvgLogprob: -1.0, CompressionRatio: 2.4, NoSpeechProb: 0.6},
	}
	for _, o := range opts {
		o(n)
	}

	model, err := whisperlib.New(n.primaryName)
	if err != nil {
		return nil, fmt.Errorf("asr: load primary model %q: %w", n.primaryName, err)
	}
	n.primary = model

	if n.refineName != "" {
		refine, err := whisperlib.New(n.refineName)
		if err != nil {
			_ = model.Close()
			return nil, fmt.Errorf("asr: load refinement model %q: %w", n.refineName, err)
		}
		n.refine = refine
	}
	return n, nil
}

// Close releases the loaded models.
func (n *Native) Close() error {
	var errs []error
	if n.primary != nil {
		errs = append(errs, n.primary.Close())
	}
	if n.refine != nil {
		errs = append(errs, n.refine.Close())
	}
	return errors.Join(errs...)
}

// Transcribe implements [Recognizer]. The audio at path must be a 16 kHz
// mono 16-bit PCM WAV file.
func (n *Native) Transcribe(ctx context.Context, path string) (*Result, error) {
	samples, err := decodeWAVMono(path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	segments, err := n.infer(n.primary, samples)
	if err != nil {
		return nil, err
	}
	result := &Result{Segments: segments, Model: n.primaryName, Provenance: ProvenanceWhisper}

	if n.refine != nil && NeedsRefinement(segments, n.thresholds) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		slog.Info("asr: primary pass below quality floor, rehearing with refinement model",
			"path", path, "segments", len(segments))
		refined, err := n.infer(n.refine, samples)
		if err != nil {
			// The primary transcript is still usable; keep it.
			slog.Warn("asr: refinement pass failed, keeping primary transcript", "err", err)
		} else {
			for i := range refined {
				refined[i].ReASR = true
			}
			result = &Result{Segments: refined, Model: n.refineName, Provenance: ProvenanceWhisperUpgraded}
		}
	}

	if !hasText(result.Segments) {
		return nil, ErrNoSpeech
	}
	return result, nil
}

// infer runs one model over the samples using a fresh whisper context. Each
// context is NOT thread-safe, but the model can be shared across goroutines.
func (n *Native) infer(model whisperlib.Model, samples []float32) ([]RawSegment, error) {
	wctx, err := model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("asr: create context: %w", err)
	}

	if err := wctx.SetLanguage(n.language); err != nil {
		slog.Warn("asr: failed to set language, using default", "language", n.language, "err", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("asr: process audio: %w", err)
	}

	var segments []RawSegment
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("asr: read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		segments = append(segments, RawSegment{
			Start:            seg.Start.Seconds(),
			End:              seg.End.Seconds(),
			Text:             text,
			AvgLogprob:       avgTokenLogprob(seg.Tokens),
			CompressionRatio: compressionRatio(text),
		})
	}
	return segments, nil
}

// avgTokenLogprob derives the segment confidence from token probabilities.
// Tokens with non-positive probability are clamped to a small floor so a
// single zero does not produce -Inf.
func avgTokenLogprob(tokens []whisperlib.Token) float64 {
	if len(tokens) == 0 {
		return 0
	}
	const floor = 1e-10
	var sum float64
	for _, t := range tokens {
		p := float64(t.P)
		if p < floor {
			p = floor
		}
		sum += math.Log(p)
	}
	return sum / float64(len(tokens))
}
