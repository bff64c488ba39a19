package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sanjoekurian/sdpip-backend/internal/logger"
	"github.com/sanjoekurian/sdpip-backend/internal/utils"
)

// Config aggregates the immutable per-component settings. Values come from
// built-in defaults, then an optional YAML file (CONFIG_FILE), then env
// overrides for the knobs operators actually turn. Components receive their
// sub-struct at construction and never mutate it.
type Config struct {
	Normalizer NormalizerConfig `yaml:"normalizer"`
	PII        PIIConfig        `yaml:"pii"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
	Chat       ChatConfig       `yaml:"chat"`
	Worker     WorkerConfig     `yaml:"worker"`
}

type NormalizerConfig struct {
	// Accepted upload mime types.
	AllowedMimeTypes []string `yaml:"allowed_mime_types"`
	MaxUploadBytes   int64    `yaml:"max_upload_bytes"`
}

type PIIConfig struct {
	// Entities below this confidence are kept but flagged low-confidence.
	LowConfidenceThreshold float64 `yaml:"low_confidence_threshold"`
}

type AnalysisConfig struct {
	// Approximate tokens per chunk (len/4 heuristic) and overlap carried
	// between adjacent chunks, both along segment boundaries.
	ChunkTokens    int `yaml:"chunk_tokens"`
	OverlapTokens  int `yaml:"overlap_tokens"`
	MaxAttempts    int `yaml:"max_attempts"`
	MapConcurrency int `yaml:"map_concurrency"`
	SummaryTokens  int `yaml:"summary_tokens"`
	CacheTTLHours  int `yaml:"cache_ttl_hours"`
}

type ChatConfig struct {
	ContextTokens int `yaml:"context_tokens"`
	AnswerTokens  int `yaml:"answer_tokens"`
}

type WorkerConfig struct {
	Concurrency         int `yaml:"concurrency"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	StaleMinutes        int `yaml:"stale_minutes"`
}

func defaults() *Config {
	return &Config{
		Normalizer: NormalizerConfig{
			AllowedMimeTypes: []string{"application/pdf", "image/jpeg", "image/png"},
			MaxUploadBytes:   50 * 1024 * 1024,
		},
		PII: PIIConfig{
			LowConfidenceThreshold: 0.60,
		},
		Analysis: AnalysisConfig{
			ChunkTokens:    12000,
			OverlapTokens:  200,
			MaxAttempts:    4,
			MapConcurrency: 3,
			SummaryTokens:  500,
			CacheTTLHours:  24,
		},
		Chat: ChatConfig{
			ContextTokens: 6000,
			AnswerTokens:  500,
		},
		Worker: WorkerConfig{
			Concurrency:         4,
			PollIntervalSeconds: 1,
			StaleMinutes:        30,
		},
	}
}

// Load builds the config. A missing CONFIG_FILE is not an error; a file that
// exists but does not parse is.
func Load(log *logger.Logger) (*Config, error) {
	cfg := defaults()

	if path := utils.GetEnv("CONFIG_FILE", "", log); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %q: %w", path, err)
		}
	}

	// Env overrides for the operational knobs.
	cfg.PII.LowConfidenceThreshold = utils.GetEnvAsFloat("PII_LOW_CONFIDENCE_THRESHOLD", cfg.PII.LowConfidenceThreshold, log)
	cfg.Analysis.ChunkTokens = utils.GetEnvAsInt("ANALYSIS_CHUNK_TOKENS", cfg.Analysis.ChunkTokens, log)
	cfg.Analysis.MaxAttempts = utils.GetEnvAsInt("ANALYSIS_MAX_ATTEMPTS", cfg.Analysis.MaxAttempts, log)
	cfg.Analysis.MapConcurrency = utils.GetEnvAsInt("ANALYSIS_MAP_CONCURRENCY", cfg.Analysis.MapConcurrency, log)
	cfg.Chat.ContextTokens = utils.GetEnvAsInt("CHAT_CONTEXT_TOKENS", cfg.Chat.ContextTokens, log)
	cfg.Worker.Concurrency = utils.GetEnvAsInt("WORKER_CONCURRENCY", cfg.Worker.Concurrency, log)

	if cfg.Analysis.ChunkTokens < 1000 {
		return nil, fmt.Errorf("analysis.chunk_tokens too small: %d", cfg.Analysis.ChunkTokens)
	}
	if cfg.Worker.Concurrency < 1 {
		cfg.Worker.Concurrency = 1
	}
	return cfg, nil
}
