package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/chaffelab/transcriptor/internal/asr"
	"github.com/chaffelab/transcriptor/internal/captions"
	"github.com/chaffelab/transcriptor/internal/lister"
	"github.com/chaffelab/transcriptor/internal/media"
	"github.com/chaffelab/transcriptor/internal/store"
)

func TestDecideRoute(t *testing.T) {
	tests := []struct {
		name     string
		in       RoutingInput
		wantMode RouteMode
		wantTrim bool
	}{
		{
			name:     "small batch goes remote even with gpu",
			in:       RoutingInput{Items: 3, TotalDurationS: 3600, GPUCount: 2, RatePerMin: 0.006},
			wantMode: RouteRemote,
		},
		{
			name:     "large batch with gpu goes local",
			in:       RoutingInput{Items: 100, TotalDurationS: 360000, GPUCount: 1, RatePerMin: 0.006},
			wantMode: RouteLocal,
		},
		{
			name:     "no gpu under cap goes remote untrimmed",
			in:       RoutingInput{Items: 50, TotalDurationS: 60000, GPUCount: 0, RatePerMin: 0.006, MaxCostPerRun: 100},
			wantMode: RouteRemote,
		},
		{
			name:     "no gpu over cap goes remote trimmed",
			in:       RoutingInput{Items: 500, TotalDurationS: 1800000, GPUCount: 0, RatePerMin: 0.006, MaxCostPerRun: 50},
			wantMode: RouteRemote,
			wantTrim: true,
		},
		{
			name:     "no gpu without cap never trims",
			in:       RoutingInput{Items: 500, TotalDurationS: 1800000, GPUCount: 0, RatePerMin: 0.006},
			wantMode: RouteRemote,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecideRoute(tt.in)
			if got.Mode != tt.wantMode {
				t.Errorf("Mode = %q, want %q", got.Mode, tt.wantMode)
			}
			if got.TrimToBudget != tt.wantTrim {
				t.Errorf("TrimToBudget = %v, want %v", got.TrimToBudget, tt.wantTrim)
			}
		})
	}
}

// --- fakes ---

type fakeStore struct {
	mu       sync.Mutex
	states   map[string]store.ItemState
	history  map[string][]store.Status
	updates  map[string][]store.StatusUpdate
	segments map[string][]store.Segment
	nextID   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states:   map[string]store.ItemState{},
		history:  map[string][]store.Status{},
		updates:  map[string][]store.StatusUpdate{},
		segments: map[string][]store.Segment{},
	}
}

// seed installs a pre-existing row the way the real store would read it back.
func (f *fakeStore) seed(externalID string, s store.ItemState) {
	f.states[externalID] = s
}

func (f *fakeStore) UpsertSource(_ context.Context, src store.Source) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if _, ok := f.states[src.ExternalID]; !ok {
		f.states[src.ExternalID] = store.ItemState{Status: store.StatusPending, TargetCoverage: -1}
	}
	return f.nextID, nil
}

func (f *fakeStore) GetState(_ context.Context, externalID string) (store.ItemState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[externalID]
	return s, ok, nil
}

func (f *fakeStore) BatchCheckStates(_ context.Context, externalIDs []string) (map[string]store.ItemState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]store.ItemState, len(externalIDs))
	for _, id := range externalIDs {
		if s, ok := f.states[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (f *fakeStore) MarkStatus(_ context.Context, externalID string, status store.Status, u store.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.states[externalID]
	s.Status = status
	if status == store.StatusDone {
		// Done overwrites; stale failure context is cleared.
		s.Reason = u.Reason
		s.SegmentsCount = u.SegmentsCount
	} else {
		if u.Reason != "" {
			s.Reason = u.Reason
		}
		if u.SegmentsCount > 0 {
			s.SegmentsCount = u.SegmentsCount
		}
	}
	if u.RetryCount >= 0 {
		s.RetryCount = u.RetryCount
	}
	if u.TargetCoverage != nil {
		s.TargetCoverage = *u.TargetCoverage
	}
	f.states[externalID] = s
	f.history[externalID] = append(f.history[externalID], status)
	f.updates[externalID] = append(f.updates[externalID], u)
	return nil
}

func (f *fakeStore) ReplaceSegments(_ context.Context, externalID string, segments []store.Segment) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segments[externalID] = segments
	return len(segments), nil
}

func (f *fakeStore) EnsureVectorIndex(context.Context) error { return nil }

func (f *fakeStore) sawStatus(externalID string, status store.Status) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.history[externalID] {
		if s == status {
			return true
		}
	}
	return false
}

type fakeLister struct{ items []lister.SourceMeta }

func (f *fakeLister) List(_ context.Context, _ string, filters lister.Filters, emit func(lister.SourceMeta) error) error {
	for _, m := range f.items {
		if !filters.Accept(m) {
			continue
		}
		if err := emit(m); err != nil {
			return err
		}
	}
	return nil
}

type fakeCaptions struct {
	cues map[string][]captions.Cue
}

func (f *fakeCaptions) Fetch(_ context.Context, videoID string) ([]captions.Cue, error) {
	cues, ok := f.cues[videoID]
	if !ok {
		return nil, captions.ErrNoCaptions
	}
	return cues, nil
}

type fakeAcquirer struct {
	dir string

	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (f *fakeAcquirer) Acquire(_ context.Context, videoID string, c media.Constraints) (*media.Artifact, error) {
	f.mu.Lock()
	f.calls = append(f.calls, videoID)
	err := f.errs[videoID]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(f.dir, videoID+"."+string(c.Container))
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		return nil, err
	}
	return &media.Artifact{Path: path, SizeBytes: 5, DurationS: 60, Container: c.Container}, nil
}

func (f *fakeAcquirer) called(videoID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.calls {
		if id == videoID {
			return true
		}
	}
	return false
}

type fakeRecognizer struct {
	segments []asr.RawSegment
	err      error
}

func (f *fakeRecognizer) Transcribe(context.Context, string) (*asr.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &asr.Result{Segments: f.segments, Model: "fake", Provenance: asr.ProvenanceAPI}, nil
}

func (f *fakeRecognizer) Close() error { return nil }

type fakeEmbedProvider struct{ dim int }

func (f *fakeEmbedProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
		out[i][0] = 1
	}
	return out, nil
}

func (f *fakeEmbedProvider) Dimensions() int { return f.dim }

func (f *fakeEmbedProvider) ModelID() string { return "fake-embed" }

type nullSink struct{}

func (nullSink) Emit(Event) {}

func meta(id string, durationS int) lister.SourceMeta {
	return lister.SourceMeta{VideoID: id, Title: "t-" + id, DurationS: durationS, URL: "https://example.com/" + id}
}

func newTestPipeline(t *testing.T, st *fakeStore, ls lister.Lister, caps CaptionFetcher, acq AudioAcquirer, rec asr.Recognizer, cfg Config) *Pipeline {
	t.Helper()
	p, err := New(Deps{
		Store:         st,
		Lister:        ls,
		Captions:      caps,
		Acquirer:      acq,
		Recognizer:    func(RouteMode) (asr.Recognizer, error) { return rec, nil },
		EmbedProvider: &fakeEmbedProvider{dim: 4},
		Sink:          nullSink{},
	}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestRunCaptionShortcut(t *testing.T) {
	st := newFakeStore()
	acq := &fakeAcquirer{dir: t.TempDir()}
	caps := &fakeCaptions{cues: map[string][]captions.Cue{
		"vid1": {
			{Start: 0, End: 4, Text: "Welcome back to the channel, today we are talking about metabolic health."},
			{Start: 4, End: 9, Text: "This topic comes up constantly in the comments and it deserves a full answer."},
		},
	}}
	rec := &fakeRecognizer{}
	p := newTestPipeline(t, st, &fakeLister{items: []lister.SourceMeta{meta("vid1", 600)}}, caps, acq, rec, Config{
		NIO: 1, NASR: 1, NDB: 1,
		MonologueAssumption: true,
	})

	summary, err := p.Run(context.Background(), "channel", lister.Filters{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 1 || summary.Errors != 0 {
		t.Fatalf("summary = %+v, want 1 done", summary)
	}
	if acq.called("vid1") {
		t.Error("caption shortcut still acquired audio")
	}
	if !st.sawStatus("vid1", store.StatusTranscribed) || !st.sawStatus("vid1", store.StatusDone) {
		t.Errorf("status history = %v, want transcribed and done", st.history["vid1"])
	}
	segs := st.segments["vid1"]
	if len(segs) == 0 {
		t.Fatal("no segments stored")
	}
	for _, s := range segs {
		if s.SpeakerLabel != "CHAFFEE" {
			t.Errorf("SpeakerLabel = %q, want CHAFFEE under monologue assumption", s.SpeakerLabel)
		}
		if s.Embedding == nil {
			t.Error("segment missing embedding")
		}
	}
}

func TestRunAudioPath(t *testing.T) {
	st := newFakeStore()
	acq := &fakeAcquirer{dir: t.TempDir()}
	rec := &fakeRecognizer{segments: []asr.RawSegment{
		{Start: 0, End: 5, Text: "The first thing to understand about ruminant nutrition is energy density."},
		{Start: 5, End: 5.2, Text: ""},
		{Start: 5.2, End: 11, Text: "Most of the confusion comes from mixing up population studies with mechanism."},
	}}
	p := newTestPipeline(t, st, &fakeLister{items: []lister.SourceMeta{meta("vid2", 1200)}}, &fakeCaptions{}, acq, rec, Config{
		NIO: 1, NASR: 1, NDB: 1,
		MonologueAssumption: true,
	})

	summary, err := p.Run(context.Background(), "channel", lister.Filters{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 1 {
		t.Fatalf("summary = %+v, want 1 done", summary)
	}
	if !acq.called("vid2") {
		t.Error("audio path never acquired audio")
	}
	for _, want := range []store.Status{
		store.StatusDownloading, store.StatusTranscribed, store.StatusDiarized,
		store.StatusOptimized, store.StatusEmbedded, store.StatusUpserted, store.StatusDone,
	} {
		if !st.sawStatus("vid2", want) {
			t.Errorf("status history %v missing %q", st.history["vid2"], want)
		}
	}
	if len(st.segments["vid2"]) == 0 {
		t.Fatal("no segments stored")
	}
	for _, s := range st.segments["vid2"] {
		if s.Text == "" {
			t.Error("empty-text recognizer segment reached the store")
		}
	}
	if summary.SegmentsWritten != len(st.segments["vid2"]) {
		t.Errorf("SegmentsWritten = %d, want %d", summary.SegmentsWritten, len(st.segments["vid2"]))
	}

	var doneUpdate *store.StatusUpdate
	for i := range st.updates["vid2"] {
		if st.history["vid2"][i] == store.StatusDone {
			doneUpdate = &st.updates["vid2"][i]
		}
	}
	if doneUpdate == nil {
		t.Fatal("no done update recorded")
	}
	if doneUpdate.SegmentsCount != len(st.segments["vid2"]) || doneUpdate.EmbeddingsCount == 0 {
		t.Errorf("done update = %+v, want segment and embedding counts", doneUpdate)
	}
}

func TestRunSkipsTerminalItems(t *testing.T) {
	st := newFakeStore()
	st.seed("done1", store.ItemState{Status: store.StatusDone, TargetCoverage: -1})
	st.seed("fail1", store.ItemState{Status: store.StatusError, RetryCount: 3, TargetCoverage: -1})

	acq := &fakeAcquirer{dir: t.TempDir()}
	p := newTestPipeline(t, st, &fakeLister{items: []lister.SourceMeta{meta("done1", 600), meta("fail1", 600)}},
		&fakeCaptions{}, acq, &fakeRecognizer{err: errors.New("should not run")}, Config{
			NIO: 1, NASR: 1, NDB: 1,
			RetryMax: 3,
		})

	summary, err := p.Run(context.Background(), "channel", lister.Filters{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Discovered != 2 || summary.Skipped != 2 || summary.Done != 0 {
		t.Fatalf("summary = %+v, want 2 discovered 2 skipped", summary)
	}
	// Stored terminal states stay untouched.
	if st.states["done1"].Status != store.StatusDone {
		t.Errorf("done1 status = %q, want done", st.states["done1"].Status)
	}
	if st.states["fail1"].Status != store.StatusError {
		t.Errorf("fail1 status = %q, want error", st.states["fail1"].Status)
	}
	if acq.called("done1") || acq.called("fail1") {
		t.Error("terminal items were processed")
	}
}

func TestRunForceReprocess(t *testing.T) {
	st := newFakeStore()
	st.seed("done1", store.ItemState{Status: store.StatusDone, Reason: "asr_failed", TargetCoverage: -1})

	acq := &fakeAcquirer{dir: t.TempDir()}
	rec := &fakeRecognizer{segments: []asr.RawSegment{
		{Start: 0, End: 6, Text: "Revisiting this one because the first pass used the small model."},
	}}
	p := newTestPipeline(t, st, &fakeLister{items: []lister.SourceMeta{meta("done1", 600)}},
		&fakeCaptions{}, acq, rec, Config{
			NIO: 1, NASR: 1, NDB: 1,
			ForceReprocess:      true,
			MonologueAssumption: true,
		})

	summary, err := p.Run(context.Background(), "channel", lister.Filters{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 1 || summary.Skipped != 0 {
		t.Fatalf("summary = %+v, want 1 done", summary)
	}
	// The done transition clears failure context from earlier attempts.
	if got := st.states["done1"]; got.Reason != "" {
		t.Errorf("Reason = %q, want cleared on done", got.Reason)
	}
}

func TestRunDryRun(t *testing.T) {
	st := newFakeStore()
	acq := &fakeAcquirer{dir: t.TempDir()}
	p := newTestPipeline(t, st, &fakeLister{items: []lister.SourceMeta{meta("vid1", 600), meta("vid2", 900)}},
		&fakeCaptions{}, acq, &fakeRecognizer{}, Config{
			NIO: 1, NASR: 1, NDB: 1,
			DryRun: true,
		})

	summary, err := p.Run(context.Background(), "channel", lister.Filters{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Discovered != 2 || summary.Done != 0 {
		t.Fatalf("summary = %+v, want 2 discovered 0 done", summary)
	}
	if len(st.history) != 0 {
		t.Errorf("dry run wrote statuses: %v", st.history)
	}
	if len(acq.calls) != 0 {
		t.Errorf("dry run acquired audio: %v", acq.calls)
	}
}

func TestRunInaccessibleItemSkipped(t *testing.T) {
	st := newFakeStore()
	acq := &fakeAcquirer{
		dir:  t.TempDir(),
		errs: map[string]error{"gone1": media.ErrInaccessible},
	}
	p := newTestPipeline(t, st, &fakeLister{items: []lister.SourceMeta{meta("gone1", 600)}},
		&fakeCaptions{}, acq, &fakeRecognizer{}, Config{
			NIO: 1, NASR: 1, NDB: 1,
			RetryMax: 2,
		})

	summary, err := p.Run(context.Background(), "channel", lister.Filters{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Skipped != 1 || summary.Errors != 0 {
		t.Fatalf("summary = %+v, want 1 skipped 0 errors", summary)
	}
	got := st.states["gone1"]
	if got.Status != store.StatusSkipped || got.Reason != "inaccessible" {
		t.Errorf("state = %+v, want skipped/inaccessible", got)
	}
	// Terminal skips read as settled: retry budget exhausted.
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want retry budget 2", got.RetryCount)
	}
}

func TestRunPreviouslyInaccessibleStaysSkipped(t *testing.T) {
	st := newFakeStore()
	st.seed("gone1", store.ItemState{
		Status: store.StatusSkipped, Reason: "inaccessible", RetryCount: 2, TargetCoverage: -1,
	})

	acq := &fakeAcquirer{dir: t.TempDir()}
	p := newTestPipeline(t, st, &fakeLister{items: []lister.SourceMeta{meta("gone1", 600)}},
		&fakeCaptions{}, acq, &fakeRecognizer{}, Config{
			NIO: 1, NASR: 1, NDB: 1,
			RetryMax: 2,
		})

	summary, err := p.Run(context.Background(), "channel", lister.Filters{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Skipped != 1 || summary.Done != 0 || summary.Errors != 0 {
		t.Fatalf("summary = %+v, want 1 skipped", summary)
	}
	if acq.called("gone1") {
		t.Error("previously inaccessible item was downloaded again")
	}
	if len(st.history["gone1"]) != 0 {
		t.Errorf("stored state was rewritten: %v", st.history["gone1"])
	}
}

func TestRunCostBudgetSkipRetriedNextRun(t *testing.T) {
	st := newFakeStore()
	st.seed("defer1", store.ItemState{
		Status: store.StatusSkipped, Reason: "cost_budget", TargetCoverage: -1,
	})

	acq := &fakeAcquirer{dir: t.TempDir()}
	rec := &fakeRecognizer{segments: []asr.RawSegment{
		{Start: 0, End: 6, Text: "Picking this one back up now that the budget has reset."},
	}}
	p := newTestPipeline(t, st, &fakeLister{items: []lister.SourceMeta{meta("defer1", 600)}},
		&fakeCaptions{}, acq, rec, Config{
			NIO: 1, NASR: 1, NDB: 1,
			MonologueAssumption: true,
		})

	summary, err := p.Run(context.Background(), "channel", lister.Filters{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 1 || summary.Skipped != 0 {
		t.Fatalf("summary = %+v, want cost-deferred item reprocessed", summary)
	}
}

func TestRunNoSpeechSkipped(t *testing.T) {
	st := newFakeStore()
	acq := &fakeAcquirer{dir: t.TempDir()}
	p := newTestPipeline(t, st, &fakeLister{items: []lister.SourceMeta{meta("quiet1", 600)}},
		&fakeCaptions{}, acq, &fakeRecognizer{err: asr.ErrNoSpeech}, Config{
			NIO: 1, NASR: 1, NDB: 1,
			RetryMax: 2,
		})

	summary, err := p.Run(context.Background(), "channel", lister.Filters{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Skipped != 1 || summary.Errors != 0 {
		t.Fatalf("summary = %+v, want 1 skipped 0 errors", summary)
	}
	if got := st.states["quiet1"]; got.Reason != "no_speech" {
		t.Errorf("reason = %q, want no_speech", got.Reason)
	}
}

func TestRunRecognizerFailureMarksError(t *testing.T) {
	st := newFakeStore()
	acq := &fakeAcquirer{dir: t.TempDir()}
	p := newTestPipeline(t, st, &fakeLister{items: []lister.SourceMeta{meta("bad1", 600)}},
		&fakeCaptions{}, acq, &fakeRecognizer{err: errors.New("model exploded")}, Config{
			NIO: 1, NASR: 1, NDB: 1,
		})

	summary, err := p.Run(context.Background(), "channel", lister.Filters{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Errors != 1 {
		t.Fatalf("summary = %+v, want 1 error", summary)
	}
	got := st.states["bad1"]
	if got.Status != store.StatusError || got.Reason != "asr_failed" {
		t.Errorf("state = %+v, want error/asr_failed", got)
	}
	if got.RetryCount < 1 {
		t.Errorf("RetryCount = %d, want >= 1", got.RetryCount)
	}
}

func TestRunTrimsToCostBudget(t *testing.T) {
	st := newFakeStore()
	acq := &fakeAcquirer{dir: t.TempDir()}
	rec := &fakeRecognizer{segments: []asr.RawSegment{
		{Start: 0, End: 6, Text: "A perfectly ordinary stretch of transcript for the kept items."},
	}}

	// Six 10-minute items at $1/min estimate $60; the $35 cap keeps three.
	var items []lister.SourceMeta
	for _, id := range []string{"vid1", "vid2", "vid3", "vid4", "vid5", "vid6"} {
		items = append(items, meta(id, 600))
	}
	p := newTestPipeline(t, st, &fakeLister{items: items}, &fakeCaptions{}, acq, rec, Config{
		NIO: 1, NASR: 1, NDB: 1,
		MonologueAssumption: true,
		GPUCount:            0,
		RatePerMin:          1.0,
		MaxCostPerRun:       35,
	})

	summary, err := p.Run(context.Background(), "channel", lister.Filters{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 3 || summary.Skipped != 3 {
		t.Fatalf("summary = %+v, want 3 done 3 skipped", summary)
	}
	for _, id := range []string{"vid4", "vid5", "vid6"} {
		if acq.called(id) {
			t.Errorf("%s was processed past the cost cap", id)
		}
		if got := st.states[id]; got.Status != store.StatusSkipped || got.Reason != "cost_budget" {
			t.Errorf("%s state = %+v, want skipped/cost_budget", id, got)
		}
	}
	if summary.RemoteCostUSD > 35 {
		t.Errorf("RemoteCostUSD = %v, want at most the 35 cap", summary.RemoteCostUSD)
	}
}

func TestRunStopsAtCostCeiling(t *testing.T) {
	st := newFakeStore()
	acq := &fakeAcquirer{dir: t.TempDir()}
	rec := &fakeRecognizer{segments: []asr.RawSegment{
		{Start: 0, End: 6, Text: "Only the first item fits under the runtime spend ceiling."},
	}}

	// The fake acquirer reports 60s artifacts: $1/item at $1/min. A $1.50
	// cap admits the first item and stops the second mid-run.
	p := newTestPipeline(t, st, &fakeLister{items: []lister.SourceMeta{meta("vid1", 30), meta("vid2", 30)}},
		&fakeCaptions{}, acq, rec, Config{
			NIO: 1, NASR: 1, NDB: 1,
			MonologueAssumption: true,
			GPUCount:            0,
			RatePerMin:          1.0,
			MaxCostPerRun:       1.5,
		})

	summary, err := p.Run(context.Background(), "channel", lister.Filters{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 1 || summary.Skipped != 1 {
		t.Fatalf("summary = %+v, want 1 done 1 skipped", summary)
	}
	if summary.RemoteCostUSD != 1.0 {
		t.Errorf("RemoteCostUSD = %v, want 1.0 (only the admitted item charged)", summary.RemoteCostUSD)
	}
	if got := st.states["vid2"]; got.Status != store.StatusSkipped || got.Reason != "cost_budget" {
		t.Errorf("vid2 state = %+v, want skipped/cost_budget", got)
	}
}

func TestRunPriorCoverageDisablesMonologue(t *testing.T) {
	st := newFakeStore()
	// An earlier diarized pass measured 40% target speech; the monologue
	// assumption must not relabel the item on reprocessing.
	st.seed("duo1", store.ItemState{Status: store.StatusError, TargetCoverage: 0.4})

	acq := &fakeAcquirer{dir: t.TempDir()}
	rec := &fakeRecognizer{segments: []asr.RawSegment{
		{Start: 0, End: 6, Text: "Thanks for having me on, great to finally talk this through."},
	}}
	p := newTestPipeline(t, st, &fakeLister{items: []lister.SourceMeta{meta("duo1", 600)}},
		&fakeCaptions{}, acq, rec, Config{
			NIO: 1, NASR: 1, NDB: 1,
			MonologueAssumption: true,
			RetryMax:            2,
		})

	summary, err := p.Run(context.Background(), "channel", lister.Filters{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 1 {
		t.Fatalf("summary = %+v, want 1 done", summary)
	}
	// Without a diarizer the degraded path applies, not the monologue label.
	for _, s := range st.segments["duo1"] {
		if s.SpeakerLabel != "UNKNOWN" {
			t.Errorf("SpeakerLabel = %q, want UNKNOWN with the assumption overridden", s.SpeakerLabel)
		}
	}
}

func TestToSource(t *testing.T) {
	m := meta("vid9", 450)
	m.Tags = []string{"carnivore", "q&a"}

	src := toSource(m, true)
	if src.ExternalID != "vid9" || src.DurationS != 450 || !src.IsMonologue {
		t.Errorf("toSource = %+v", src)
	}
	if len(src.Tags) != 2 {
		t.Errorf("Tags = %v, want 2 entries", src.Tags)
	}
}
