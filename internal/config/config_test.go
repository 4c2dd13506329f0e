package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ehrlich-b/stepline/internal/step"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Strategy != "pattern_based" {
		t.Errorf("strategy = %q", cfg.Strategy)
	}
	if cfg.BufferTimeout() != 30*time.Second {
		t.Errorf("buffer timeout = %v", cfg.BufferTimeout())
	}
	if cfg.MaxBufferBytes != 1<<20 || cfg.MaxBufferEvents != 500 {
		t.Errorf("buffer limits = %d bytes, %d events", cfg.MaxBufferBytes, cfg.MaxBufferEvents)
	}
	if cfg.ReviewFallback != "pause" || cfg.PersistenceAdapter != "memory" || cfg.PersistenceCodec != "json" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if !strings.HasSuffix(cfg.DatabasePath, "stepline.db") {
		t.Errorf("database path = %q", cfg.DatabasePath)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
strategy: hybrid
confidence_threshold: 0.5
control_mode: review_required
review_fallback: skip
persistence_adapter: file
file_ext: cbor
data_dir: /tmp/stepline-test
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Strategy != "hybrid" || cfg.ConfidenceThreshold != 0.5 {
		t.Errorf("strategy/threshold = %q/%v", cfg.Strategy, cfg.ConfidenceThreshold)
	}
	if cfg.FileExt != ".cbor" {
		t.Errorf("file ext = %q, want .cbor", cfg.FileExt)
	}
	if cfg.DatabasePath != filepath.Join("/tmp/stepline-test", "stepline.db") {
		t.Errorf("database path = %q", cfg.DatabasePath)
	}
	if cfg.MaxCheckpoints != 20 {
		t.Errorf("unset key lost its default: max_checkpoints = %d", cfg.MaxCheckpoints)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STEPLINE_CONTROL_MODE", "manual")
	t.Setenv("STEPLINE_CACHE_SIZE", "42")
	t.Setenv("STEPLINE_AUTO_PRUNE", "true")
	t.Setenv("STEPLINE_CONFIDENCE_THRESHOLD", "0.9")
	cfg, err := Load(writeConfig(t, "control_mode: automatic\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ControlMode != "manual" || cfg.CacheSize != 42 || !cfg.AutoPrune || cfg.ConfidenceThreshold != 0.9 {
		t.Errorf("env not applied: %+v", cfg)
	}
}

func TestEnvBadValue(t *testing.T) {
	t.Setenv("STEPLINE_CACHE_SIZE", "lots")
	_, err := Load("")
	var verr *step.ValidationError
	if !errors.As(err, &verr) || verr.Field != "cache_size" {
		t.Fatalf("got %v, want validation error on cache_size", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		body  string
		field string
	}{
		{"strategy: magic\n", "strategy"},
		{"confidence_threshold: 1.5\n", "confidence_threshold"},
		{"review_fallback: panic\n", "review_fallback"},
		{"persistence_adapter: s3\n", "persistence_adapter"},
		{"max_buffer_events: -1\n", "max_buffer_events"},
	}
	for _, tt := range tests {
		_, err := Load(writeConfig(t, tt.body))
		if !errors.Is(err, step.ErrValidation) {
			t.Errorf("%q: got %v, want validation error", tt.body, err)
			continue
		}
		var verr *step.ValidationError
		if errors.As(err, &verr) && verr.Field != tt.field {
			t.Errorf("%q: field = %q, want %q", tt.body, verr.Field, tt.field)
		}
	}
}

func TestMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}
