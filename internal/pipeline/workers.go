package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/chaffelab/transcriptor/internal/asr"
	"github.com/chaffelab/transcriptor/internal/captions"
	"github.com/chaffelab/transcriptor/internal/embed"
	"github.com/chaffelab/transcriptor/internal/media"
	"github.com/chaffelab/transcriptor/internal/optimizer"
	"github.com/chaffelab/transcriptor/internal/resilience"
	"github.com/chaffelab/transcriptor/internal/speakerid"
	"github.com/chaffelab/transcriptor/internal/store"
)

// ioWorker pulls discovered items, tries the caption shortcut, and falls back
// to audio acquisition. Caption hits go straight to the DB queue; everything
// else continues to the ASR queue.
func (p *Pipeline) ioWorker(ctx context.Context, rs *runState, q1 <-chan *item, q2, q3 chan<- *item) error {
	for {
		var (
			it *item
			ok bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it, ok = <-q1:
			if !ok {
				return nil
			}
		}

		p.metrics.AddQueueDepth(ctx, "io", -1)
		p.metrics.ItemsInFlight.Add(ctx, 1)
		p.sink.Emit(Event{Type: EventStarted, ExternalID: it.meta.VideoID, Stage: "io"})
		start := time.Now()

		switch handled, ready := p.tryCaptions(ctx, rs, it); {
		case handled && ready:
			p.metrics.RecordStage(ctx, "io", time.Since(start).Seconds())
			p.metrics.ItemsInFlight.Add(ctx, -1)
			if err := p.push(ctx, q3, "db", it); err != nil {
				return err
			}
			continue
		case handled:
			// Terminal outcome already recorded.
			p.metrics.RecordStage(ctx, "io", time.Since(start).Seconds())
			p.metrics.ItemsInFlight.Add(ctx, -1)
			continue
		}

		ok, err := p.acquireAudio(ctx, rs, it)
		p.metrics.RecordStage(ctx, "io", time.Since(start).Seconds())
		p.metrics.ItemsInFlight.Add(ctx, -1)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := p.push(ctx, q2, "asr", it); err != nil {
			it.artifact.Release()
			return err
		}
	}
}

// tryCaptions attempts the caption shortcut. handled reports whether the
// shortcut consumed the item; ready reports whether rows were produced for
// the DB stage.
func (p *Pipeline) tryCaptions(ctx context.Context, rs *runState, it *item) (handled, ready bool) {
	if p.captions == nil || p.cfg.ForceSpeakerID {
		return false, false
	}
	cctx, cancel := stageContext(ctx, p.cfg.IOTimeout)
	cues, err := p.captions.Fetch(cctx, it.meta.VideoID)
	cancel()
	if err != nil {
		if !errors.Is(err, captions.ErrNoCaptions) {
			slog.Debug("caption fetch failed, falling back to audio",
				"external_id", it.meta.VideoID, "err", err)
		}
		return false, false
	}
	if len(cues) == 0 {
		return false, false
	}

	if err := p.mark(ctx, it.meta.VideoID, store.StatusTranscribed, store.StatusUpdate{
		Provenance: string(asr.ProvenanceCaptions), RetryCount: -1,
	}); err != nil {
		slog.Warn("failed to mark transcribed", "external_id", it.meta.VideoID, "err", err)
	}

	segs := make([]optimizer.Segment, 0, len(cues))
	for _, c := range cues {
		s := optimizer.Segment{Start: c.Start, End: c.End, Text: c.Text}
		if it.monologue {
			a := speakerid.Monologue()
			s.SpeakerLabel = a.Label
			s.SpeakerConfidence = a.Confidence
		}
		segs = append(segs, s)
	}
	if err := p.finishSegments(ctx, rs, it, segs, asr.ProvenanceCaptions); err != nil {
		p.failItem(ctx, rs, it.meta.VideoID, "io", err)
		return true, false
	}
	return true, true
}

// acquireAudio downloads the item's audio in the container the routing mode
// needs. Returns (false, nil) when the item reached a terminal outcome.
func (p *Pipeline) acquireAudio(ctx context.Context, rs *runState, it *item) (bool, error) {
	if err := p.mark(ctx, it.meta.VideoID, store.StatusDownloading, store.StatusUpdate{RetryCount: -1}); err != nil {
		slog.Warn("failed to mark downloading", "external_id", it.meta.VideoID, "err", err)
	}

	c := media.Constraints{Container: media.ContainerWAV}
	if rs.decision.Mode == RouteRemote {
		c.Container = media.ContainerMP3
		c.MaxFileMB = p.cfg.MaxFileMB
	}

	var art *media.Artifact
	err := p.withRetry(ctx, "io", func(attempt int) error {
		actx, cancel := stageContext(ctx, p.cfg.IOTimeout)
		defer cancel()
		var err error
		art, err = p.acquirer.Acquire(actx, it.meta.VideoID, c)
		switch {
		case errors.Is(err, media.ErrInaccessible), errors.Is(err, media.ErrTooLarge):
			return resilience.AsPermanent(err)
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if errors.Is(err, media.ErrInaccessible) {
			p.skipItem(ctx, rs, it.meta.VideoID, "inaccessible")
			return false, nil
		}
		p.failItem(ctx, rs, it.meta.VideoID, "io", err)
		return false, nil
	}
	it.artifact = art
	return true, nil
}

// asrWorker transcribes, attributes speakers, optimizes, and embeds. Each
// worker owns one recognizer instance for the whole run.
func (p *Pipeline) asrWorker(ctx context.Context, rs *runState, q2 <-chan *item, q3 chan<- *item) error {
	rec, err := p.newRecognizer(rs.decision.Mode)
	if err != nil {
		return fmt.Errorf("pipeline: create recognizer: %w", err)
	}
	defer func() {
		if err := rec.Close(); err != nil {
			slog.Warn("recognizer close failed", "err", err)
		}
	}()

	for {
		var (
			it *item
			ok bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it, ok = <-q2:
			if !ok {
				return nil
			}
		}

		p.metrics.AddQueueDepth(ctx, "asr", -1)
		p.metrics.ItemsInFlight.Add(ctx, 1)
		start := time.Now()
		done, err := p.processAudio(ctx, rs, rec, it)
		p.metrics.RecordStage(ctx, "asr", time.Since(start).Seconds())
		p.metrics.ItemsInFlight.Add(ctx, -1)
		if err != nil {
			return err
		}
		if !done {
			continue
		}
		if err := p.push(ctx, q3, "db", it); err != nil {
			return err
		}
	}
}

// processAudio runs one item through recognition, attribution, optimization,
// and embedding. Returns (false, nil) when the item reached a terminal
// outcome and must not continue to the DB stage.
func (p *Pipeline) processAudio(ctx context.Context, rs *runState, rec asr.Recognizer, it *item) (bool, error) {
	defer it.artifact.Release()
	id := it.meta.VideoID

	if rs.decision.Mode == RouteRemote {
		dur := it.artifact.DurationS
		if dur == 0 {
			dur = float64(it.meta.DurationS)
		}
		cost := asr.CostEstimate(dur, p.cfg.RatePerMin)
		if !rs.chargeBudget(cost, p.cfg.MaxCostPerRun) {
			p.skipItem(ctx, rs, id, "cost_budget")
			return false, nil
		}
		p.metrics.RemoteASRCost.Add(ctx, cost)
	}

	var res *asr.Result
	tStart := time.Now()
	err := p.withRetry(ctx, "asr", func(attempt int) error {
		actx, cancel := stageContext(ctx, p.cfg.ASRTimeout)
		defer cancel()
		var err error
		res, err = rec.Transcribe(actx, it.artifact.Path)
		if errors.Is(err, asr.ErrNoSpeech) || errors.Is(err, asr.ErrUploadTooLarge) {
			return resilience.AsPermanent(err)
		}
		return err
	})
	p.metrics.TranscribeDuration.Record(ctx, time.Since(tStart).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if errors.Is(err, asr.ErrNoSpeech) {
			p.skipItem(ctx, rs, id, "no_speech")
			return false, nil
		}
		p.failItem(ctx, rs, id, "asr", err)
		return false, nil
	}

	if err := p.mark(ctx, id, store.StatusTranscribed, store.StatusUpdate{
		Provenance: string(res.Provenance), RetryCount: -1,
	}); err != nil {
		slog.Warn("failed to mark transcribed", "external_id", id, "err", err)
	}
	p.sink.Emit(Event{Type: EventStageComplete, ExternalID: id, Stage: "transcribe"})

	// Recognizers return empty-text segments untouched; drop them here.
	raws := make([]asr.RawSegment, 0, len(res.Segments))
	for _, s := range res.Segments {
		if s.Text != "" {
			raws = append(raws, s)
		}
	}

	attrs := p.attribute(ctx, it, raws)
	diarized := store.StatusUpdate{RetryCount: -1}
	if it.hasCoverage {
		cov := it.coverage
		diarized.TargetCoverage = &cov
	}
	if err := p.mark(ctx, id, store.StatusDiarized, diarized); err != nil {
		slog.Warn("failed to mark diarized", "external_id", id, "err", err)
	}
	it.artifact.Release()

	segs := make([]optimizer.Segment, 0, len(raws))
	for i, raw := range raws {
		segs = append(segs, optimizer.Segment{
			Start:             raw.Start,
			End:               raw.End,
			Text:              raw.Text,
			SpeakerLabel:      attrs[i].Label,
			SpeakerConfidence: attrs[i].Confidence,
			AvgLogprob:        raw.AvgLogprob,
			CompressionRatio:  raw.CompressionRatio,
			NoSpeechProb:      raw.NoSpeechProb,
			Temperature:       raw.Temperature,
			ReASR:             raw.ReASR,
			IsOverlap:         attrs[i].IsOverlap,
			NeedsRefinement:   p.cfg.Thresholds.Failing(raw),
		})
	}
	if err := p.finishSegments(ctx, rs, it, segs, res.Provenance); err != nil {
		p.failItem(ctx, rs, id, "asr", err)
		return false, nil
	}
	return true, nil
}

// attribute labels recognized segments: the monologue fast path skips
// diarization entirely; a diarizer failure degrades every segment to
// unattributed rather than failing the item.
func (p *Pipeline) attribute(ctx context.Context, it *item, raw []asr.RawSegment) []speakerid.Attribution {
	attrs := make([]speakerid.Attribution, len(raw))

	if it.monologue && !p.cfg.ForceSpeakerID {
		for i := range attrs {
			attrs[i] = speakerid.Monologue()
		}
		return attrs
	}
	if p.diarizer == nil || p.profile == nil {
		for i := range attrs {
			attrs[i] = speakerid.Unattributed()
		}
		return attrs
	}

	turns, err := p.diarizer.Diarize(ctx, it.artifact.Path, p.profile)
	if err != nil {
		slog.Warn("diarization failed, storing unattributed segments",
			"external_id", it.meta.VideoID, "err", err)
		p.metrics.RecordStageError(ctx, "diarize", "degraded")
		for i := range attrs {
			attrs[i] = speakerid.Unattributed()
		}
		return attrs
	}

	spans := make([]speakerid.Span, len(raw))
	for i, s := range raw {
		spans[i] = speakerid.Span{Start: s.Start, End: s.End}
	}
	attrs = speakerid.Attribute(spans, turns, p.profile.Threshold, p.cfg.Margin)
	it.coverage = speakerid.TargetCoverage(spans, attrs)
	it.hasCoverage = true
	return attrs
}

// finishSegments optimizes and embeds an item's segments and stores the
// resulting rows on the item for the DB stage.
func (p *Pipeline) finishSegments(ctx context.Context, rs *runState, it *item, segs []optimizer.Segment, prov asr.Provenance) error {
	id := it.meta.VideoID

	optimized := optimizer.Optimize(segs, p.optimize)
	if err := p.mark(ctx, id, store.StatusOptimized, store.StatusUpdate{RetryCount: -1}); err != nil {
		slog.Warn("failed to mark optimized", "external_id", id, "err", err)
	}

	embedder := embed.New(p.embedProvider, embed.Policy{
		TargetOnly:      p.cfg.EmbedTargetOnly,
		SourceMonologue: it.monologue,
		BatchSize:       p.cfg.EmbedBatchSize,
	})
	var embedded []embed.Embedded
	eStart := time.Now()
	err := p.withRetry(ctx, "embed", func(attempt int) error {
		var err error
		embedded, err = embedder.Embed(ctx, optimized)
		return err
	})
	p.metrics.EmbedDuration.Record(ctx, time.Since(eStart).Seconds())
	if err != nil {
		return fmt.Errorf("embed %s: %w", id, err)
	}
	if err := p.mark(ctx, id, store.StatusEmbedded, store.StatusUpdate{RetryCount: -1}); err != nil {
		slog.Warn("failed to mark embedded", "external_id", id, "err", err)
	}
	p.sink.Emit(Event{Type: EventStageComplete, ExternalID: id, Stage: "embed"})

	it.rows = make([]store.Segment, 0, len(embedded))
	for _, e := range embedded {
		s := e.Segment
		row := store.Segment{
			Start:            s.Start,
			End:              s.End,
			Text:             s.Text,
			SpeakerLabel:     string(s.SpeakerLabel),
			AvgLogprob:       s.AvgLogprob,
			CompressionRatio: s.CompressionRatio,
			NoSpeechProb:     s.NoSpeechProb,
			Temperature:      s.Temperature,
			ReASR:            s.ReASR,
			IsOverlap:        s.IsOverlap,
			NeedsRefinement:  s.NeedsRefinement,
			Embedding:        e.Embedding,
		}
		if s.SpeakerConfidence > 0 {
			conf := s.SpeakerConfidence
			row.SpeakerConfidence = &conf
		}
		if e.Embedding != nil {
			it.embedded++
		}
		it.rows = append(it.rows, row)
	}
	it.provenance = prov
	return nil
}

// dbWorker commits finished items: segment replacement, terminal status, and
// the lazy vector index.
func (p *Pipeline) dbWorker(ctx context.Context, rs *runState, q3 <-chan *item) error {
	for {
		var (
			it *item
			ok bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it, ok = <-q3:
			if !ok {
				return nil
			}
		}

		p.metrics.AddQueueDepth(ctx, "db", -1)
		start := time.Now()
		if err := p.commitItem(ctx, rs, it); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.failItem(ctx, rs, it.meta.VideoID, "db", err)
		}
		p.metrics.RecordStage(ctx, "db", time.Since(start).Seconds())
	}
}

func (p *Pipeline) commitItem(ctx context.Context, rs *runState, it *item) error {
	id := it.meta.VideoID

	var written int
	err := p.withRetry(ctx, "db", func(attempt int) error {
		dctx, cancel := stageContext(ctx, p.cfg.DBTimeout)
		defer cancel()
		var err error
		written, err = p.store.ReplaceSegments(dctx, id, it.rows)
		return err
	})
	if err != nil {
		return fmt.Errorf("replace segments: %w", err)
	}

	if err := p.mark(ctx, id, store.StatusUpserted, store.StatusUpdate{
		SegmentsCount: written, RetryCount: -1,
	}); err != nil {
		slog.Warn("failed to mark upserted", "external_id", id, "err", err)
	}
	if err := p.mark(ctx, id, store.StatusDone, store.StatusUpdate{
		Provenance:      string(it.provenance),
		SegmentsCount:   written,
		EmbeddingsCount: it.embedded,
		RetryCount:      -1,
	}); err != nil {
		return fmt.Errorf("mark done: %w", err)
	}

	// Index creation failure never fails the item; the next run retries it.
	if err := p.store.EnsureVectorIndex(ctx); err != nil {
		slog.Warn("vector index creation failed", "err", err)
	}

	p.metrics.SegmentsWritten.Add(ctx, int64(written))
	p.metrics.EmbeddingsWritten.Add(ctx, int64(it.embedded))
	p.metrics.RecordOutcome(ctx, "done")
	rs.addOutcome(func(s *Summary) {
		s.Done++
		s.SegmentsWritten += written
		s.EmbeddingsWritten += it.embedded
	})
	p.sink.Emit(Event{Type: EventDone, ExternalID: id})
	return nil
}

// withRetry runs fn with bounded retries and exponential backoff, stopping
// early on permanent errors and cancellation.
func (p *Pipeline) withRetry(ctx context.Context, stage string, fn func(attempt int) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if attempt >= p.cfg.RetryMax || !resilience.IsTransient(err) {
			return err
		}
		p.metrics.Retries.Add(ctx, 1,
			metric.WithAttributes(attribute.String("stage", stage)))
		if serr := p.backoff.Sleep(ctx, attempt); serr != nil {
			return err
		}
	}
}

// mark writes a status transition unless the run is dry.
func (p *Pipeline) mark(ctx context.Context, externalID string, status store.Status, u store.StatusUpdate) error {
	if p.cfg.DryRun {
		return nil
	}
	return p.store.MarkStatus(ctx, externalID, status, u)
}

// countSkip records a skip without touching stored state.
func (p *Pipeline) countSkip(ctx context.Context, rs *runState, externalID, reason string) {
	rs.addOutcome(func(s *Summary) { s.Skipped++ })
	p.metrics.RecordOutcome(ctx, "skipped")
	p.sink.Emit(Event{Type: EventSkipped, ExternalID: externalID, Reason: reason})
}

// terminalSkipReasons are skip reasons that cannot change on a later run;
// discovery treats sources skipped for one of these as settled. A cost_budget
// skip is retried once the next run brings a fresh budget.
var terminalSkipReasons = map[string]bool{
	"inaccessible": true,
	"no_speech":    true,
}

// skipItem marks an item skipped with a reason and records the outcome.
// Terminal skips exhaust the retry budget so the row reads as settled.
func (p *Pipeline) skipItem(ctx context.Context, rs *runState, externalID, reason string) {
	retry := -1
	if terminalSkipReasons[reason] {
		retry = p.cfg.RetryMax
	}
	if err := p.mark(ctx, externalID, store.StatusSkipped, store.StatusUpdate{
		Reason: reason, RetryCount: retry,
	}); err != nil {
		slog.Warn("failed to mark skipped", "external_id", externalID, "err", err)
	}
	p.countSkip(ctx, rs, externalID, reason)
}

// failItem marks an item errored, bumping its retry count. Permanent errors
// exhaust the retry budget so later runs skip the item.
func (p *Pipeline) failItem(ctx context.Context, rs *runState, externalID, stage string, err error) {
	kind := "transient"
	retry := -1
	if !p.cfg.DryRun {
		state, known, serr := p.store.GetState(ctx, externalID)
		if serr != nil {
			slog.Warn("failed to read item state", "external_id", externalID, "err", serr)
		} else if known {
			retry = state.RetryCount + 1
		} else {
			retry = 1
		}
	}
	if resilience.IsPermanent(err) || !resilience.IsTransient(err) {
		kind = "permanent"
		if retry < p.cfg.RetryMax {
			retry = p.cfg.RetryMax
		}
	}

	if merr := p.mark(ctx, externalID, store.StatusError, store.StatusUpdate{
		Reason:     stage + "_failed",
		LastError:  err.Error(),
		RetryCount: retry,
	}); merr != nil {
		slog.Warn("failed to mark error", "external_id", externalID, "err", merr)
	}

	p.metrics.RecordStageError(ctx, stage, kind)
	p.metrics.RecordOutcome(ctx, "error")
	rs.addOutcome(func(s *Summary) { s.Errors++ })
	p.sink.Emit(Event{Type: EventError, ExternalID: externalID, Stage: stage, Err: err})
}

// stageContext derives a per-attempt timeout context. A non-positive timeout
// leaves the parent deadline in place.
func stageContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
