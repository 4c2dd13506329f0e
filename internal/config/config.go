package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/stepline/internal/step"
)

// EnvPrefix prefixes the environment override of every YAML key, e.g.
// STEPLINE_CONTROL_MODE overrides control_mode.
const EnvPrefix = "STEPLINE_"

// Config represents the engine configuration
type Config struct {
	Strategy            string  `yaml:"strategy" validate:"oneof=pattern_based heuristic hybrid"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" validate:"gte=0,lte=1"`
	BufferTimeoutMS     int     `yaml:"buffer_timeout_ms" validate:"gte=0"`
	MaxBufferBytes      int     `yaml:"max_buffer_bytes" validate:"gte=0"`
	MaxBufferEvents     int     `yaml:"max_buffer_events" validate:"gte=0"`
	CacheSize           int     `yaml:"cache_size" validate:"gte=0"`
	CacheEnabled        bool    `yaml:"cache_enabled"`
	IndexingEnabled     bool    `yaml:"indexing_enabled"`
	PatternErrorPolicy  string  `yaml:"pattern_error_policy" validate:"oneof=skip abort"`
	PatternsFile        string  `yaml:"patterns_file"`

	ControlMode     string `yaml:"control_mode" validate:"oneof=automatic manual review_required"`
	ReviewTimeoutMS int    `yaml:"review_timeout_ms" validate:"gte=0"`
	ReviewFallback  string `yaml:"review_fallback" validate:"oneof=pause approve skip abort"`

	MaxStepHistory     int    `yaml:"max_step_history" validate:"gte=0"`
	MaxCheckpoints     int    `yaml:"max_checkpoints" validate:"gte=0"`
	CheckpointEvery    int    `yaml:"checkpoint_every" validate:"gte=0"`
	AutoPrune          bool   `yaml:"auto_prune"`
	PersistenceAdapter string `yaml:"persistence_adapter" validate:"oneof=memory file database custom"`
	PersistenceCodec   string `yaml:"persistence_codec" validate:"oneof=json cbor"`
	DataDir            string `yaml:"data_dir" validate:"required"`
	FileExt            string `yaml:"file_ext" validate:"required"`
	DatabasePath       string `yaml:"database_path"`
	BadgerPath         string `yaml:"badger_path"`

	LogLevel    string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFile     string `yaml:"log_file"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the configuration used when no file sets a key.
func Default() *Config {
	dataDir, err := GetUserConfigDir()
	if err != nil {
		dataDir = ".stepline"
	}
	return &Config{
		Strategy:            "pattern_based",
		ConfidenceThreshold: 0.7,
		BufferTimeoutMS:     30000,
		MaxBufferBytes:      1 << 20,
		MaxBufferEvents:     500,
		CacheSize:           1000,
		CacheEnabled:        true,
		IndexingEnabled:     true,
		PatternErrorPolicy:  "skip",
		ControlMode:         "automatic",
		ReviewTimeoutMS:     30000,
		ReviewFallback:      "pause",
		MaxStepHistory:      1000,
		MaxCheckpoints:      20,
		PersistenceAdapter:  "memory",
		PersistenceCodec:    "json",
		DataDir:             dataDir,
		FileExt:             ".json",
		LogLevel:            "info",
	}
}

// Load reads configuration from a file over the defaults. An empty path
// or a missing default file yields defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist) && path == DefaultPath():
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.fill()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides every field whose STEPLINE_<KEY> variable is set.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	for i := range t.NumField() {
		key := t.Field(i).Tag.Get("yaml")
		raw, ok := lookup(EnvPrefix + strings.ToUpper(key))
		if !ok {
			continue
		}
		f := v.Field(i)
		switch f.Kind() {
		case reflect.String:
			f.SetString(raw)
		case reflect.Bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return &step.ValidationError{Field: key, Reason: fmt.Sprintf("%q is not a boolean", raw)}
			}
			f.SetBool(b)
		case reflect.Int:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return &step.ValidationError{Field: key, Reason: fmt.Sprintf("%q is not an integer", raw)}
			}
			f.SetInt(int64(n))
		case reflect.Float64:
			x, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return &step.ValidationError{Field: key, Reason: fmt.Sprintf("%q is not a number", raw)}
			}
			f.SetFloat(x)
		}
	}
	return nil
}

// fill derives adapter paths left empty from DataDir.
func (c *Config) fill() {
	c.DataDir = expandHome(c.DataDir)
	if c.DatabasePath == "" {
		c.DatabasePath = c.DataDir + string(os.PathSeparator) + "stepline.db"
	}
	if c.BadgerPath == "" {
		c.BadgerPath = c.DataDir + string(os.PathSeparator) + "badger"
	}
	if c.FileExt != "" && !strings.HasPrefix(c.FileExt, ".") {
		c.FileExt = "." + c.FileExt
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return step.ValidateStruct(c)
}

func (c *Config) BufferTimeout() time.Duration {
	return time.Duration(c.BufferTimeoutMS) * time.Millisecond
}

func (c *Config) ReviewTimeout() time.Duration {
	return time.Duration(c.ReviewTimeoutMS) * time.Millisecond
}
