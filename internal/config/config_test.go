package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sanjoekurian/sdpip-backend/internal/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(testLogger(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Analysis.ChunkTokens != 12000 {
		t.Fatalf("chunk tokens = %d, want 12000", cfg.Analysis.ChunkTokens)
	}
	if cfg.PII.LowConfidenceThreshold != 0.60 {
		t.Fatalf("low confidence threshold = %v", cfg.PII.LowConfidenceThreshold)
	}
	if len(cfg.Normalizer.AllowedMimeTypes) != 3 {
		t.Fatalf("allowed mime types = %v", cfg.Normalizer.AllowedMimeTypes)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ANALYSIS_CHUNK_TOKENS", "8000")
	t.Setenv("WORKER_CONCURRENCY", "2")

	cfg, err := Load(testLogger(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Analysis.ChunkTokens != 8000 {
		t.Fatalf("chunk tokens = %d, want env override 8000", cfg.Analysis.ChunkTokens)
	}
	if cfg.Worker.Concurrency != 2 {
		t.Fatalf("worker concurrency = %d, want 2", cfg.Worker.Concurrency)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := []byte("chat:\n  context_tokens: 3000\n")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load(testLogger(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chat.ContextTokens != 3000 {
		t.Fatalf("context tokens = %d, want 3000 from file", cfg.Chat.ContextTokens)
	}
	// Untouched sections keep their defaults.
	if cfg.Analysis.MaxAttempts != 4 {
		t.Fatalf("max attempts = %d, want default 4", cfg.Analysis.MaxAttempts)
	}
}

func TestLoadRejectsTinyChunks(t *testing.T) {
	t.Setenv("ANALYSIS_CHUNK_TOKENS", "10")
	if _, err := Load(testLogger(t)); err == nil {
		t.Fatalf("expected error for chunk_tokens below the floor")
	}
}
