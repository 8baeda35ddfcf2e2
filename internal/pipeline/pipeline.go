// Package pipeline orchestrates batch ingestion: it enumerates a channel,
// fans items out across three worker pools connected by bounded queues, and
// drives each item through caption fetch or audio acquisition, speech
// recognition, speaker attribution, optimization, embedding, and storage.
//
//	Lister → [Q1] → I/O pool → [Q2] → ASR pool → [Q3] → DB pool → done
//	                    └──── caption shortcut ────┘
//
// Queue capacities are roughly twice the downstream pool size so a slow
// stage exerts backpressure instead of buffering the whole channel.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chaffelab/transcriptor/internal/asr"
	"github.com/chaffelab/transcriptor/internal/captions"
	"github.com/chaffelab/transcriptor/internal/embed"
	"github.com/chaffelab/transcriptor/internal/lister"
	"github.com/chaffelab/transcriptor/internal/media"
	"github.com/chaffelab/transcriptor/internal/observe"
	"github.com/chaffelab/transcriptor/internal/optimizer"
	"github.com/chaffelab/transcriptor/internal/resilience"
	"github.com/chaffelab/transcriptor/internal/speakerid"
	"github.com/chaffelab/transcriptor/internal/store"
)

// StateStore is the slice of the segment store the orchestrator drives.
// Implemented by [store.Store].
type StateStore interface {
	UpsertSource(ctx context.Context, src store.Source) (int64, error)
	GetState(ctx context.Context, externalID string) (store.ItemState, bool, error)
	BatchCheckStates(ctx context.Context, externalIDs []string) (map[string]store.ItemState, error)
	MarkStatus(ctx context.Context, externalID string, status store.Status, u store.StatusUpdate) error
	ReplaceSegments(ctx context.Context, externalID string, segments []store.Segment) (int, error)
	EnsureVectorIndex(ctx context.Context) error
}

// CaptionFetcher retrieves pre-existing caption cues for an item.
// Implemented by [captions.Fetcher]; nil disables the caption shortcut.
type CaptionFetcher interface {
	Fetch(ctx context.Context, videoID string) ([]captions.Cue, error)
}

// AudioAcquirer downloads and transcodes an item's audio. Implemented by
// [media.Acquirer].
type AudioAcquirer interface {
	Acquire(ctx context.Context, videoID string, c media.Constraints) (*media.Artifact, error)
}

// SpeakerDiarizer produces scored speaker turns for an audio file.
// Implemented by [speakerid.Diarizer]; nil disables diarization.
type SpeakerDiarizer interface {
	Diarize(ctx context.Context, path string, profile *speakerid.Profile) ([]speakerid.Turn, error)
}

// RecognizerFactory builds one recognizer per ASR worker for the routing
// mode the run settled on. Local recognizers own their model instance;
// sharing one across workers would serialize on the GPU context.
type RecognizerFactory func(mode RouteMode) (asr.Recognizer, error)

// Config carries the orchestrator tuning knobs.
type Config struct {
	NIO  int
	NASR int
	NDB  int

	RetryMax    int
	BackoffBase time.Duration
	IOTimeout   time.Duration
	ASRTimeout  time.Duration
	DBTimeout   time.Duration

	ForceReprocess      bool
	ForceSpeakerID      bool
	MonologueAssumption bool

	// Margin is the band below the profile threshold where attribution stays
	// unknown. Zero selects the speakerid default.
	Margin float64

	EmbedTargetOnly bool
	EmbedBatchSize  int

	MaxFileMB     int
	GPUCount      int
	RatePerMin    float64
	MaxCostPerRun float64

	Thresholds asr.Thresholds

	// DryRun stops after discovery and routing; nothing is processed and
	// nothing is written.
	DryRun bool
}

// Pipeline is the batch ingestion orchestrator.
type Pipeline struct {
	store         StateStore
	lister        lister.Lister
	captions      CaptionFetcher
	acquirer      AudioAcquirer
	newRecognizer RecognizerFactory
	diarizer      SpeakerDiarizer
	profile       *speakerid.Profile
	embedProvider embed.Provider
	optimize      optimizer.Params

	metrics *observe.Metrics
	backoff resilience.Backoff
	sink    Sink
	cfg     Config
}

// Deps are the pipeline's collaborators. Store, Lister, Acquirer,
// Recognizer, and EmbedProvider are required; Captions, Diarizer, and
// Profile are optional.
type Deps struct {
	Store         StateStore
	Lister        lister.Lister
	Captions      CaptionFetcher
	Acquirer      AudioAcquirer
	Recognizer    RecognizerFactory
	Diarizer      SpeakerDiarizer
	Profile       *speakerid.Profile
	EmbedProvider embed.Provider
	Metrics       *observe.Metrics
	Sink          Sink

	// Optimize is the segment-reshaping tuning; the zero value selects
	// [optimizer.DefaultParams].
	Optimize optimizer.Params
}

// New validates deps and builds a Pipeline.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("pipeline: store is required")
	case deps.Lister == nil:
		return nil, fmt.Errorf("pipeline: lister is required")
	case deps.Acquirer == nil:
		return nil, fmt.Errorf("pipeline: acquirer is required")
	case deps.Recognizer == nil:
		return nil, fmt.Errorf("pipeline: recognizer factory is required")
	case deps.EmbedProvider == nil:
		return nil, fmt.Errorf("pipeline: embed provider is required")
	}
	if cfg.NIO <= 0 {
		cfg.NIO = 12
	}
	if cfg.NASR <= 0 {
		cfg.NASR = 2
	}
	if cfg.NDB <= 0 {
		cfg.NDB = 4
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	sink := deps.Sink
	if sink == nil {
		sink = SlogSink{}
	}
	return &Pipeline{
		store:         deps.Store,
		lister:        deps.Lister,
		captions:      deps.Captions,
		acquirer:      deps.Acquirer,
		newRecognizer: deps.Recognizer,
		diarizer:      deps.Diarizer,
		profile:       deps.Profile,
		embedProvider: deps.EmbedProvider,
		optimize:      deps.Optimize,
		metrics:       metrics,
		backoff:       resilience.NewBackoff(cfg.BackoffBase),
		sink:          sink,
		cfg:           cfg,
	}, nil
}

// item is the unit of work flowing through the queues.
type item struct {
	meta      lister.SourceMeta
	monologue bool

	// Set by the I/O stage.
	artifact *media.Artifact

	// Measured by the attribution stage when diarization runs.
	coverage    float64
	hasCoverage bool

	// Set by whichever stage finished the segments.
	rows       []store.Segment
	embedded   int
	provenance asr.Provenance
}

// runState is the per-run mutable bookkeeping shared by the workers.
type runState struct {
	mu       sync.Mutex
	summary  Summary
	decision RoutingDecision
	spentUSD float64
}

func (rs *runState) addOutcome(f func(*Summary)) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	f(&rs.summary)
}

// chargeBudget reserves estimated remote spend for one item. Returns false
// when the cap would be exceeded; in-flight items are unaffected.
func (rs *runState) chargeBudget(cost, cap float64) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if cap > 0 && rs.spentUSD+cost > cap {
		return false
	}
	rs.spentUSD += cost
	rs.summary.RemoteCostUSD = rs.spentUSD
	return true
}

// Run ingests one channel. It returns the run summary; the error is non-nil
// only for run-fatal conditions (enumeration failure, cancellation).
func (p *Pipeline) Run(ctx context.Context, channel string, filters lister.Filters) (Summary, error) {
	rs := &runState{}

	batch, err := p.discover(ctx, channel, filters, rs)
	if err != nil {
		return rs.summary, err
	}

	rs.decision = p.route(ctx, batch, rs)
	slog.Info("routing decision",
		"mode", string(rs.decision.Mode),
		"items", len(batch),
		"estimated_cost_usd", rs.decision.EstimatedCostUSD)

	if p.cfg.DryRun {
		slog.Info("dry run, stopping before processing", "items", len(batch))
		return rs.summary, nil
	}
	if rs.decision.TrimToBudget {
		batch = p.trimToBudget(ctx, batch, rs)
	}
	if len(batch) == 0 {
		return rs.summary, nil
	}

	q1 := make(chan *item, 2*p.cfg.NIO)
	q2 := make(chan *item, 2*p.cfg.NASR)
	q3 := make(chan *item, 2*p.cfg.NDB)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(q1)
		for _, it := range batch {
			if err := p.push(gctx, q1, "io", it); err != nil {
				return err
			}
		}
		return nil
	})

	// Both the I/O pool (caption shortcut) and the ASR pool write q3; close
	// it only after both finish.
	var ioWG, q3Writers sync.WaitGroup
	ioWG.Add(p.cfg.NIO)
	q3Writers.Add(p.cfg.NIO + p.cfg.NASR)

	for i := 0; i < p.cfg.NIO; i++ {
		g.Go(func() error {
			defer ioWG.Done()
			defer q3Writers.Done()
			return p.ioWorker(gctx, rs, q1, q2, q3)
		})
	}
	g.Go(func() error {
		ioWG.Wait()
		close(q2)
		return nil
	})

	for i := 0; i < p.cfg.NASR; i++ {
		g.Go(func() error {
			defer q3Writers.Done()
			return p.asrWorker(gctx, rs, q2, q3)
		})
	}
	g.Go(func() error {
		q3Writers.Wait()
		close(q3)
		return nil
	})

	for i := 0; i < p.cfg.NDB; i++ {
		g.Go(func() error {
			return p.dbWorker(gctx, rs, q3)
		})
	}

	if err := g.Wait(); err != nil {
		return rs.summary, err
	}
	return rs.summary, nil
}

// monologueCoverage is the measured target-speech fraction below which a
// prior diarized run overrides the monologue assumption.
const monologueCoverage = 0.95

// discover enumerates the channel, filters out items that need no work, and
// marks the rest pending. Stored states are fetched in one batched query
// rather than per item.
func (p *Pipeline) discover(ctx context.Context, channel string, filters lister.Filters, rs *runState) ([]*item, error) {
	var metas []lister.SourceMeta
	err := p.lister.List(ctx, channel, filters, func(m lister.SourceMeta) error {
		rs.addOutcome(func(s *Summary) { s.Discovered++ })
		p.sink.Emit(Event{Type: EventDiscovered, ExternalID: m.VideoID})
		metas = append(metas, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: discovery: %w", err)
	}

	var states map[string]store.ItemState
	if !p.cfg.DryRun {
		ids := make([]string, len(metas))
		for i, m := range metas {
			ids[i] = m.VideoID
		}
		states, err = p.store.BatchCheckStates(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("pipeline: discovery: %w", err)
		}
	}

	var batch []*item
	for _, m := range metas {
		state, known := states[m.VideoID]
		// Terminal stored states are counted but never overwritten.
		if known {
			switch {
			case state.Status == store.StatusDone && !p.cfg.ForceReprocess:
				p.countSkip(ctx, rs, m.VideoID, "already_done")
				continue
			case state.Status == store.StatusError && state.RetryCount >= p.cfg.RetryMax:
				p.countSkip(ctx, rs, m.VideoID, "retries_exhausted")
				continue
			case state.Status == store.StatusSkipped && terminalSkipReasons[state.Reason] && !p.cfg.ForceReprocess:
				p.countSkip(ctx, rs, m.VideoID, state.Reason)
				continue
			}
		}
		if !p.cfg.DryRun {
			if _, err := p.store.UpsertSource(ctx, toSource(m, p.cfg.MonologueAssumption)); err != nil {
				return nil, fmt.Errorf("pipeline: discovery: %w", err)
			}
			if err := p.store.MarkStatus(ctx, m.VideoID, store.StatusPending, store.StatusUpdate{RetryCount: -1}); err != nil {
				return nil, fmt.Errorf("pipeline: discovery: %w", err)
			}
		}
		// The monologue assumption yields to measured evidence: a prior
		// diarized pass with low target coverage forces full attribution.
		mono := p.cfg.MonologueAssumption
		if mono && known && state.TargetCoverage >= 0 && state.TargetCoverage < monologueCoverage {
			mono = false
		}
		batch = append(batch, &item{meta: m, monologue: mono})
	}
	return batch, nil
}

// route makes the sticky per-run recognizer decision.
func (p *Pipeline) route(_ context.Context, batch []*item, _ *runState) RoutingDecision {
	var total float64
	for _, it := range batch {
		total += float64(it.meta.DurationS)
	}
	return DecideRoute(RoutingInput{
		Items:          len(batch),
		TotalDurationS: total,
		GPUCount:       p.cfg.GPUCount,
		RatePerMin:     p.cfg.RatePerMin,
		MaxCostPerRun:  p.cfg.MaxCostPerRun,
	})
}

// trimToBudget keeps the prefix of the batch whose estimated remote cost
// fits the cap and skips the rest.
func (p *Pipeline) trimToBudget(ctx context.Context, batch []*item, rs *runState) []*item {
	var kept []*item
	var cost float64
	for _, it := range batch {
		itemCost := asr.CostEstimate(float64(it.meta.DurationS), p.cfg.RatePerMin)
		if cost+itemCost > p.cfg.MaxCostPerRun {
			p.skipItem(ctx, rs, it.meta.VideoID, "cost_budget")
			continue
		}
		cost += itemCost
		kept = append(kept, it)
	}
	return kept
}

// toSource maps lister metadata onto a store row.
func toSource(m lister.SourceMeta, monologue bool) store.Source {
	return store.Source{
		ExternalID:   m.VideoID,
		Title:        m.Title,
		Channel:      m.Channel,
		URL:          m.URL,
		ThumbnailURL: m.ThumbnailURL,
		DurationS:    m.DurationS,
		PublishedAt:  m.PublishedAt,
		ViewCount:    m.ViewCount,
		LikeCount:    m.LikeCount,
		CommentCount: m.CommentCount,
		Tags:         m.Tags,
		IsMonologue:  monologue,
	}
}

// push sends an item to a queue, honoring cancellation and tracking the
// queue-depth gauge.
func (p *Pipeline) push(ctx context.Context, ch chan<- *item, queue string, it *item) error {
	select {
	case ch <- it:
		p.metrics.AddQueueDepth(ctx, queue, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
