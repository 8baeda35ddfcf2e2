// Package captions retrieves and normalizes pre-existing caption tracks.
//
// The fetcher drives the media downloader's subtitle mode and parses the
// resulting WebVTT or SRT track into timed cues. In medical-grade mode
// (the default) only human-authored tracks qualify; auto-generated tracks
// are never requested.
package captions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Cue is a single normalized caption with times in seconds.
type Cue struct {
	Start float64
	End   float64
	Text  string
}

// ErrNoCaptions indicates the item has no qualifying caption track. The
// caller falls through to the ASR path.
var ErrNoCaptions = errors.New("captions: no qualifying caption track")

// mergeGapSeconds is the maximum silence between adjacent cues that still
// merges them into one.
const mergeGapSeconds = 1.0

// minCueChars drops cues at or below this length after trimming.
const minCueChars = 2

// nonVerbalMarkers are bracketed annotations stripped from cue text.
var nonVerbalMarkers = []string{
	"[music]", "[applause]", "[laughter]", "[silence]",
	"[Music]", "[Applause]", "[Laughter]", "[Silence]",
}

// Fetcher retrieves caption tracks via the media downloader's subtitle mode.
type Fetcher struct {
	binary       string
	dir          string
	medicalGrade bool
	languages    []string
}

// Option is a functional option for configuring a Fetcher.
type Option func(*Fetcher)

// WithBinary overrides the downloader executable path.
func WithBinary(path string) Option {
	return func(f *Fetcher) { f.binary = path }
}

// WithMedicalGrade sets the caption acceptance policy. When true (the
// default), auto-generated tracks are rejected outright.
func WithMedicalGrade(on bool) Option {
	return func(f *Fetcher) { f.medicalGrade = on }
}

// WithLanguages sets the language preference order. Defaults to ["en"].
func WithLanguages(langs []string) Option {
	return func(f *Fetcher) {
		if len(langs) > 0 {
			f.languages = langs
		}
	}
}

// NewFetcher creates a caption fetcher writing temporary tracks under dir.
func NewFetcher(dir string, opts ...Option) (*Fetcher, error) {
	if dir == "" {
		return nil, errors.New("captions: dir must not be empty")
	}
	f := &Fetcher{
		binary:       "yt-dlp",
		dir:          dir,
		medicalGrade: true,
		languages:    []string{"en"},
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Fetch retrieves the best qualifying caption track for the item and returns
// its normalized cues. Returns [ErrNoCaptions] when no track qualifies.
func (f *Fetcher) Fetch(ctx context.Context, videoID string) ([]Cue, error) {
	outTemplate := filepath.Join(f.dir, videoID)
	args := []string{
		"--no-warnings",
		"--skip-download",
		"--write-subs",
		"--sub-langs", strings.Join(f.languages, ","),
		"--sub-format", "vtt/srt",
		"-o", outTemplate,
	}
	if !f.medicalGrade {
		// Outside medical-grade mode, auto-generated tracks are an acceptable
		// last resort; the downloader prefers manual tracks when both exist.
		args = append(args, "--write-auto-subs")
	}
	args = append(args, "https://www.youtube.com/watch?v="+videoID)

	cmd := exec.CommandContext(ctx, f.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("captions: fetch %s: %w: %s", videoID, err, strings.TrimSpace(stderr.String()))
	}

	trackPath, err := f.findTrack(videoID)
	if err != nil {
		return nil, err
	}
	defer os.Remove(trackPath)

	data, err := os.ReadFile(trackPath)
	if err != nil {
		return nil, fmt.Errorf("captions: read track: %w", err)
	}

	var cues []Cue
	if strings.HasSuffix(trackPath, ".srt") {
		cues, err = ParseSRT(string(data))
	} else {
		cues, err = ParseVTT(string(data))
	}
	if err != nil {
		return nil, fmt.Errorf("captions: parse %s: %w", filepath.Base(trackPath), err)
	}

	cues = Normalize(cues)
	if len(cues) == 0 {
		return nil, ErrNoCaptions
	}
	return cues, nil
}

// findTrack locates the downloaded subtitle file for videoID, preferring the
// configured language order and VTT over SRT.
func (f *Fetcher) findTrack(videoID string) (string, error) {
	for _, lang := range f.languages {
		for _, ext := range []string{".vtt", ".srt"} {
			p := filepath.Join(f.dir, videoID+"."+lang+ext)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}
	// Fall back to any language variant the downloader produced.
	matches, _ := filepath.Glob(filepath.Join(f.dir, videoID+".*"))
	for _, p := range matches {
		if strings.HasSuffix(p, ".vtt") || strings.HasSuffix(p, ".srt") {
			return p, nil
		}
	}
	return "", ErrNoCaptions
}

// Normalize filters and merges raw cues:
//
//   - non-verbal markers are stripped, whitespace collapsed
//   - cues of length ≤2 after trimming are dropped
//   - adjacent cues with a gap ≤1 s are merged
//
// The output preserves time order.
func Normalize(cues []Cue) []Cue {
	cleaned := make([]Cue, 0, len(cues))
	for _, c := range cues {
		text := c.Text
		for _, marker := range nonVerbalMarkers {
			text = strings.ReplaceAll(text, marker, " ")
		}
		text = strings.Join(strings.Fields(text), " ")
		if len(text) <= minCueChars {
			continue
		}
		c.Text = text
		cleaned = append(cleaned, c)
	}

	if len(cleaned) == 0 {
		return nil
	}

	merged := cleaned[:1]
	for _, c := range cleaned[1:] {
		last := &merged[len(merged)-1]
		if c.Start-last.End <= mergeGapSeconds {
			last.End = c.End
			last.Text = last.Text + " " + c.Text
			continue
		}
		merged = append(merged, c)
	}
	return merged
}
