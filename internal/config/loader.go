package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Defaults mirror the values documented in the field comments. Applied by
// [ApplyDefaults] after decoding and before validation.
const (
	DefaultMaxFileMB     = 25
	DefaultRemoteModel   = "whisper-1"
	DefaultBatchSize     = 100
	DefaultRetryMax      = 3
	DefaultBackoffBaseMs = 1000
	DefaultNIO           = 12
	DefaultNDB           = 4
	DefaultRemoteNASR    = 2
	DefaultMargin        = 0.05
	DefaultProfileName   = "chaffee"
	DefaultIOTimeoutS    = 300
	DefaultASRTimeoutS   = 1800
	DefaultDBTimeoutS    = 120
)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays recognised environment variables onto cfg. Secrets always
// win over file values so that config files can be committed without keys.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.ASR.APIKey = v
	}
	if v := os.Getenv("YOUTUBE_API_KEY"); v != "" {
		cfg.Source.APIKey = v
	}
	if v := os.Getenv("VOICE_PROFILE_DIR"); v != "" {
		cfg.SpeakerID.ProfileDir = v
	}
	if v := os.Getenv("HF_TOKEN"); v != "" {
		cfg.SpeakerID.HFToken = v
	}
	if v := os.Getenv("GPU_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.ASR.GPUCount = n
		}
	}
}

// ApplyDefaults fills zero-valued fields with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Source.Backend == "" {
		cfg.Source.Backend = BackendScraper
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = os.TempDir()
	}
	if cfg.Storage.MaxFileMB <= 0 {
		cfg.Storage.MaxFileMB = DefaultMaxFileMB
	}
	if len(cfg.Captions.Languages) == 0 {
		cfg.Captions.Languages = []string{"en"}
	}
	if cfg.ASR.RemoteModel == "" {
		cfg.ASR.RemoteModel = DefaultRemoteModel
	}
	if cfg.ASR.Thresholds == (ASRQualityThresholds{}) {
		cfg.ASR.Thresholds = ASRQualityThresholds{
			AvgLogprob:       -1.0,
			CompressionRatio: 2.4,
			NoSpeechProb:     0.6,
		}
	}
	if cfg.SpeakerID.ProfileName == "" {
		cfg.SpeakerID.ProfileName = DefaultProfileName
	}
	if cfg.SpeakerID.Margin <= 0 {
		cfg.SpeakerID.Margin = DefaultMargin
	}
	if cfg.Optimizer.TargetMinChars <= 0 {
		cfg.Optimizer.TargetMinChars = 120
	}
	if cfg.Optimizer.TargetMaxChars <= 0 {
		cfg.Optimizer.TargetMaxChars = 300
	}
	if cfg.Optimizer.MaxGapSeconds <= 0 {
		cfg.Optimizer.MaxGapSeconds = 2.0
	}
	if cfg.Optimizer.MaxMergeSeconds <= 0 {
		cfg.Optimizer.MaxMergeSeconds = 30.0
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.BatchSize <= 0 {
		cfg.Embedding.BatchSize = DefaultBatchSize
	}
	if cfg.Database.EmbeddingDimension <= 0 {
		cfg.Database.EmbeddingDimension = 1536
	}
	if cfg.Pipeline.NIO <= 0 {
		cfg.Pipeline.NIO = DefaultNIO
	}
	if cfg.Pipeline.NASR <= 0 {
		if cfg.ASR.GPUCount > 0 {
			cfg.Pipeline.NASR = 2 * cfg.ASR.GPUCount
		} else {
			cfg.Pipeline.NASR = DefaultRemoteNASR
		}
	}
	if cfg.Pipeline.NDB <= 0 {
		cfg.Pipeline.NDB = DefaultNDB
	}
	if cfg.Pipeline.RetryMax <= 0 {
		cfg.Pipeline.RetryMax = DefaultRetryMax
	}
	if cfg.Pipeline.BackoffBaseMs <= 0 {
		cfg.Pipeline.BackoffBaseMs = DefaultBackoffBaseMs
	}
	if cfg.Pipeline.IOTimeoutS <= 0 {
		cfg.Pipeline.IOTimeoutS = DefaultIOTimeoutS
	}
	if cfg.Pipeline.ASRTimeoutS <= 0 {
		cfg.Pipeline.ASRTimeoutS = DefaultASRTimeoutS
	}
	if cfg.Pipeline.DBTimeoutS <= 0 {
		cfg.Pipeline.DBTimeoutS = DefaultDBTimeoutS
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required (or set DATABASE_URL)"))
	}
	if !cfg.Source.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("source.backend %q is invalid; valid values: scraper, api", cfg.Source.Backend))
	}
	if cfg.Source.Channel == "" {
		errs = append(errs, errors.New("source.channel is required"))
	}
	if cfg.Source.Backend == BackendAPI && cfg.Source.APIKey == "" {
		errs = append(errs, errors.New("source.api_key is required for the api backend (or set YOUTUBE_API_KEY)"))
	}
	if cfg.Source.MaxDurationS < 0 {
		errs = append(errs, fmt.Errorf("source.max_duration_s %d must not be negative", cfg.Source.MaxDurationS))
	}
	if cfg.SpeakerID.MinSimilarity != 0 && (cfg.SpeakerID.MinSimilarity < -1 || cfg.SpeakerID.MinSimilarity > 1) {
		errs = append(errs, fmt.Errorf("speaker_id.min_similarity %.3f is out of range [-1, 1]", cfg.SpeakerID.MinSimilarity))
	}
	if cfg.Optimizer.TargetMinChars >= cfg.Optimizer.TargetMaxChars {
		errs = append(errs, fmt.Errorf("optimizer.target_min_chars %d must be below target_max_chars %d",
			cfg.Optimizer.TargetMinChars, cfg.Optimizer.TargetMaxChars))
	}
	if cfg.ASR.GPUCount == 0 && cfg.ASR.APIKey == "" {
		errs = append(errs, errors.New("asr.api_key is required when no GPU is configured (or set OPENAI_API_KEY)"))
	}
	if cfg.ASR.GPUCount > 0 && cfg.ASR.ModelPrimary == "" {
		errs = append(errs, errors.New("asr.model_primary is required for local GPU transcription"))
	}
	if cfg.ASR.MaxCostPerRun < 0 {
		errs = append(errs, fmt.Errorf("asr.max_cost_per_run %.2f must not be negative", cfg.ASR.MaxCostPerRun))
	}

	return errors.Join(errs...)
}
