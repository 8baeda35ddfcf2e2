// Command transcriptor ingests a channel's video catalogue into a
// speaker-attributed, embedding-indexed transcript database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chaffelab/transcriptor/internal/asr"
	"github.com/chaffelab/transcriptor/internal/captions"
	"github.com/chaffelab/transcriptor/internal/config"
	"github.com/chaffelab/transcriptor/internal/embed"
	"github.com/chaffelab/transcriptor/internal/health"
	"github.com/chaffelab/transcriptor/internal/lister"
	"github.com/chaffelab/transcriptor/internal/media"
	"github.com/chaffelab/transcriptor/internal/observe"
	"github.com/chaffelab/transcriptor/internal/optimizer"
	"github.com/chaffelab/transcriptor/internal/pipeline"
	"github.com/chaffelab/transcriptor/internal/speakerid"
	"github.com/chaffelab/transcriptor/internal/store"
)

// Exit codes: 0 success, 1 configuration error, 2 fatal runtime error,
// 3 interrupted.
const (
	exitOK          = 0
	exitConfig      = 1
	exitRuntime     = 2
	exitInterrupted = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	channel := flag.String("channel", "", "channel override (URL, handle, or ID depending on backend)")
	limit := flag.Int("limit", 0, "cap the number of items this run (0 = all)")
	dryRun := flag.Bool("dry-run", false, "enumerate and route only; process and write nothing")
	force := flag.Bool("force", false, "re-ingest sources already marked done")
	forceSpeakerID := flag.Bool("force-speaker-id", false, "run diarization even under the monologue assumption")
	flag.Parse()

	// .env is a development convenience; a missing file is not an error.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "transcriptor: load .env: %v\n", err)
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transcriptor: %v\n", err)
		return exitConfig
	}
	if *channel != "" {
		cfg.Source.Channel = *channel
	}
	if *limit > 0 {
		cfg.Source.Limit = *limit
	}
	if *force {
		cfg.Pipeline.ForceReprocess = true
	}
	if *forceSpeakerID {
		cfg.SpeakerID.ForceSpeakerID = true
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("transcriptor starting",
		"config", *configPath,
		"channel", cfg.Source.Channel,
		"backend", string(cfg.Source.Backend),
		"dry_run", *dryRun,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Segment store ─────────────────────────────────────────────────────────
	st, err := store.New(ctx, cfg.Database.URL, cfg.Database.EmbeddingDimension)
	if err != nil {
		slog.Error("failed to open segment store", "err", err)
		return exitRuntime
	}
	defer st.Close()

	// ── Metrics and probes ────────────────────────────────────────────────────
	progress := health.NewProgress()
	probes := health.New(progress,
		health.Database(st),
		health.Binary("yt-dlp"),
		health.Binary("ffmpeg"),
	)
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "transcriptor",
		ListenAddr:     cfg.Server.ListenAddr,
		RegisterRoutes: probes.Register,
	})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return exitRuntime
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	// ── Pipeline assembly ─────────────────────────────────────────────────────
	deps, err := buildDeps(cfg, st)
	if err != nil {
		slog.Error("failed to assemble pipeline", "err", err)
		return exitConfig
	}
	deps.Sink = pipeline.MultiSink{pipeline.SlogSink{}, progress}

	p, err := pipeline.New(deps, pipelineConfig(cfg, *dryRun))
	if err != nil {
		slog.Error("failed to create pipeline", "err", err)
		return exitConfig
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	started := time.Now()
	summary, err := p.Run(ctx, cfg.Source.Channel, filters(cfg))
	printSummary(summary, time.Since(started))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Warn("run interrupted")
			return exitInterrupted
		}
		slog.Error("run failed", "err", err)
		return exitRuntime
	}
	return exitOK
}

// buildDeps wires the pipeline collaborators from configuration.
func buildDeps(cfg *config.Config, st *store.Store) (pipeline.Deps, error) {
	deps := pipeline.Deps{Store: st}

	// ── Lister ────────────────────────────────────────────────────────────────
	switch cfg.Source.Backend {
	case config.BackendAPI:
		api, err := lister.NewAPI(cfg.Source.APIKey, lister.WithPageCache(st.Cache()))
		if err != nil {
			return deps, fmt.Errorf("create api lister: %w", err)
		}
		deps.Lister = api
	default:
		deps.Lister = lister.NewScraper()
	}

	// ── Captions ──────────────────────────────────────────────────────────────
	fetcher, err := captions.NewFetcher(cfg.Storage.Dir,
		captions.WithMedicalGrade(cfg.Captions.MedicalGradeEnabled()),
		captions.WithLanguages(cfg.Captions.Languages),
	)
	if err != nil {
		return deps, fmt.Errorf("create caption fetcher: %w", err)
	}
	deps.Captions = fetcher

	// ── Audio acquisition ─────────────────────────────────────────────────────
	retain := cfg.Storage.StoreAudioLocally && !cfg.Storage.ProductionMode
	acquirer, err := media.New(cfg.Storage.Dir, media.WithRetention(retain))
	if err != nil {
		return deps, fmt.Errorf("create acquirer: %w", err)
	}
	deps.Acquirer = acquirer

	// ── Recognizers ───────────────────────────────────────────────────────────
	deps.Recognizer = func(mode pipeline.RouteMode) (asr.Recognizer, error) {
		if mode == pipeline.RouteLocal {
			opts := []asr.NativeOption{asr.WithThresholds(thresholds(cfg))}
			if cfg.ASR.ModelRefine != "" {
				opts = append(opts, asr.WithRefineModel(cfg.ASR.ModelRefine))
			}
			return asr.NewNative(cfg.ASR.ModelPrimary, opts...)
		}
		return asr.NewRemote(cfg.ASR.APIKey, asr.WithRemoteModel(cfg.ASR.RemoteModel))
	}

	// ── Speaker identification ────────────────────────────────────────────────
	if cfg.SpeakerID.ProfileDir != "" {
		profile, err := speakerid.LoadProfile(cfg.SpeakerID.ProfileDir, cfg.SpeakerID.ProfileName)
		if err != nil {
			return deps, fmt.Errorf("load voice profile: %w", err)
		}
		if cfg.SpeakerID.MinSimilarity > 0 {
			profile.Threshold = cfg.SpeakerID.MinSimilarity
		}
		deps.Profile = profile

		if cfg.SpeakerID.HFToken != "" {
			diarizer, err := speakerid.NewDiarizer(cfg.SpeakerID.HFToken, cfg.Storage.Dir,
				speakerid.WithCUDA(cfg.ASR.GPUCount > 0))
			if err != nil {
				return deps, fmt.Errorf("create diarizer: %w", err)
			}
			deps.Diarizer = diarizer
		} else {
			slog.Warn("no HF token configured, diarization disabled")
		}
	}

	// ── Embeddings ────────────────────────────────────────────────────────────
	provider, err := embed.NewOpenAI(cfg.ASR.APIKey, cfg.Embedding.Model)
	if err != nil {
		return deps, fmt.Errorf("create embedding provider: %w", err)
	}
	deps.EmbedProvider = provider

	deps.Optimize = optimizer.Params{
		TargetMinChars:    cfg.Optimizer.TargetMinChars,
		TargetMaxChars:    cfg.Optimizer.TargetMaxChars,
		MaxGapSeconds:     cfg.Optimizer.MaxGapSeconds,
		MaxMergeDurationS: cfg.Optimizer.MaxMergeSeconds,
	}
	return deps, nil
}

func pipelineConfig(cfg *config.Config, dryRun bool) pipeline.Config {
	return pipeline.Config{
		NIO:  cfg.Pipeline.NIO,
		NASR: cfg.Pipeline.NASR,
		NDB:  cfg.Pipeline.NDB,

		RetryMax:    cfg.Pipeline.RetryMax,
		BackoffBase: time.Duration(cfg.Pipeline.BackoffBaseMs) * time.Millisecond,
		IOTimeout:   time.Duration(cfg.Pipeline.IOTimeoutS) * time.Second,
		ASRTimeout:  time.Duration(cfg.Pipeline.ASRTimeoutS) * time.Second,
		DBTimeout:   time.Duration(cfg.Pipeline.DBTimeoutS) * time.Second,

		ForceReprocess:      cfg.Pipeline.ForceReprocess,
		ForceSpeakerID:      cfg.SpeakerID.ForceSpeakerID,
		MonologueAssumption: cfg.SpeakerID.MonologueAssumption,
		Margin:              cfg.SpeakerID.Margin,

		EmbedTargetOnly: cfg.Embedding.TargetOnlyEnabled(),
		EmbedBatchSize:  cfg.Embedding.BatchSize,

		MaxFileMB:     cfg.Storage.MaxFileMB,
		GPUCount:      cfg.ASR.GPUCount,
		RatePerMin:    cfg.ASR.RemoteRatePerMin,
		MaxCostPerRun: cfg.ASR.MaxCostPerRun,

		Thresholds: thresholds(cfg),
		DryRun:     dryRun,
	}
}

func thresholds(cfg *config.Config) asr.Thresholds {
	return asr.Thresholds{
		AvgLogprob:       cfg.ASR.Thresholds.AvgLogprob,
		CompressionRatio: cfg.ASR.Thresholds.CompressionRatio,
		NoSpeechProb:     cfg.ASR.Thresholds.NoSpeechProb,
	}
}

func filters(cfg *config.Config) lister.Filters {
	return lister.Filters{
		SkipShorts:      cfg.Source.SkipShorts,
		MaxDurationS:    cfg.Source.MaxDurationS,
		SkipLive:        cfg.Source.SkipLive,
		SkipUpcoming:    cfg.Source.SkipUpcoming,
		SkipMembersOnly: cfg.Source.SkipMembersOnly,
		Limit:           cfg.Source.Limit,
	}
}

func printSummary(s pipeline.Summary, elapsed time.Duration) {
	slog.Info("run complete",
		"discovered", s.Discovered,
		"done", s.Done,
		"skipped", s.Skipped,
		"errors", s.Errors,
		"segments_written", s.SegmentsWritten,
		"embeddings_written", s.EmbeddingsWritten,
		"remote_cost_usd", fmt.Sprintf("%.2f", s.RemoteCostUSD),
		"elapsed", elapsed.Round(time.Second),
	)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
