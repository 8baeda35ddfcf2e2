package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Compile-time assertion that Remote satisfies Recognizer.
var _ Recognizer = (*Remote)(nil)

// DefaultRemoteBaseURL is the hosted transcription endpoint.
const DefaultRemoteBaseURL = "https://api.openai.com/v1"

// remoteMaxFileBytes is the upload size cap enforced by the hosted API.
const remoteMaxFileBytes = 25 << 20

// ErrUploadTooLarge indicates the audio file exceeds the hosted API's upload
// cap. Terminal per item; the acquirer's compression fallback should have
// engaged before this point.
var ErrUploadTooLarge = errors.New("asr: audio exceeds remote upload cap")

// Remote implements Recognizer against a hosted whisper transcription API.
// Audio is uploaded as multipart/form-data and the verbose response carries
// per-segment quality signals.
type Remote struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// RemoteOption is a functional option for configuring a Remote recognizer.
type RemoteOption func(*Remote)

// WithRemoteBaseURL overrides the default API endpoint (useful in tests).
func WithRemoteBaseURL(u string) RemoteOption {
	return func(r *Remote) { r.baseURL = u }
}

// WithRemoteModel sets the hosted model identifier. Defaults to "whisper-1".
func WithRemoteModel(model string) RemoteOption {
	return func(r *Remote) { r.model = model }
}

// WithRemoteHTTPClient overrides the HTTP client.
func WithRemoteHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) { r.client = c }
}

// NewRemote creates a hosted-API recognizer. apiKey must be non-empty.
func NewRemote(apiKey string, opts ...RemoteOption) (*Remote, error) {
	if apiKey == "" {
		return nil, errors.New("asr: api key must not be empty")
	}
	r := &Remote{
		baseURL: DefaultRemoteBaseURL,
		apiKey:  apiKey,
		model:   "whisper-1",
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Close implements [Recognizer]. The remote recognizer holds no resources.
func (r *Remote) Close() error { return nil }

// verboseResponse is the verbose_json transcription payload.
type verboseResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Start            float64 `json:"start"`
		End              float64 `json:"end"`
		Text             string  `json:"text"`
		AvgLogprob       float64 `json:"avg_logprob"`
		CompressionRatio float64 `json:"compression_ratio"`
		NoSpeechProb     float64 `json:"no_speech_prob"`
		Temperature      float64 `json:"temperature"`
	} `json:"segments"`
}

// Transcribe implements [Recognizer]. The audio at path is uploaded whole;
// files over the 25 MB cap return [ErrUploadTooLarge] without contacting the
// API.
func (r *Remote) Transcribe(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("asr: open audio: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("asr: stat audio: %w", err)
	}
	if fi.Size() > remoteMaxFileBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrUploadTooLarge, fi.Size())
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("asr: create form file: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, fmt.Errorf("asr: write audio data: %w", err)
	}
	for field, value := range map[string]string{
		"model":                     r.model,
		"response_format":           "verbose_json",
		"timestamp_granularities[]": "segment",
	} {
		if err := mw.WriteField(field, value); err != nil {
			return nil, fmt.Errorf("asr: write %s field: %w", field, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("asr: close multipart writer: %w", err)
	}

	endpoint := r.baseURL + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("asr: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("asr: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("asr: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("asr: transcription API returned HTTP %d: %s", resp.StatusCode, truncate(data, 200))
	}

	var vr verboseResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, fmt.Errorf("asr: parse JSON response: %w", err)
	}

	segments := make([]RawSegment, 0, len(vr.Segments))
	for _, s := range vr.Segments {
		segments = append(segments, RawSegment{
			Start:            s.Start,
			End:              s.End,
			Text:             strings.TrimSpace(s.Text),
			AvgLogprob:       s.AvgLogprob,
			CompressionRatio: s.CompressionRatio,
			NoSpeechProb:     s.NoSpeechProb,
			Temperature:      s.Temperature,
		})
	}
	if !hasText(segments) {
		return nil, ErrNoSpeech
	}
	return &Result{Segments: segments, Model: r.model, Provenance: ProvenanceAPI}, nil
}

// CostEstimate returns the API charge for an item of the given duration at
// the configured per-minute rate.
func CostEstimate(durationS float64, ratePerMin float64) float64 {
	if durationS <= 0 || ratePerMin <= 0 {
		return 0
	}
	return durationS / 60.0 * ratePerMin
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
