// Package application orchestrates conversation evaluations: it resolves
// facets against the catalog, packs them into prompt units, drives the
// inference service through the unit lifecycle, and assembles scored
// results with confidence metrics.
package application

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/convoscore/go-facet/infrastructure/confidence"
	"github.com/convoscore/go-facet/infrastructure/inference"
	"github.com/convoscore/go-facet/infrastructure/prompt"
	"github.com/convoscore/go-facet/infrastructure/storage"
)

// Config is the complete service configuration as loaded from YAML.
// It composes the per-component configs so each component validates and
// defaults its own section.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server"`

	// Catalog configures the facet definition source.
	Catalog CatalogConfig `yaml:"catalog" validate:"required"`

	// Inference configures model loading and generation.
	Inference inference.Config `yaml:"inference" validate:"required"`

	// Prompt tunes facet packing into prompt units.
	Prompt prompt.Config `yaml:"prompt"`

	// Confidence selects and tunes the confidence strategy.
	Confidence confidence.Config `yaml:"confidence"`

	// Engine tunes the evaluation orchestration itself.
	Engine EngineConfig `yaml:"engine"`

	// Storage configures the optional result store. An empty DSN disables
	// persistence.
	Storage storage.Config `yaml:"storage"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `yaml:"addr"`

	// ReadTimeout and WriteTimeout bound request handling. Evaluations
	// can run for minutes on CPU-bound models, so the write timeout
	// defaults generously.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// CORSOrigins lists allowed origins. Empty allows none.
	CORSOrigins []string `yaml:"cors_origins"`
}

// CatalogConfig points at the facet definition source.
type CatalogConfig struct {
	// Path is the CSV file holding the facet definitions.
	Path string `yaml:"path" validate:"required"`
}

// EngineConfig tunes the evaluation orchestration.
type EngineConfig struct {
	// DefaultModel is used when a request does not name one. Must match
	// a configured model spec.
	DefaultModel string `yaml:"default_model" validate:"required"`

	// UnitConcurrency bounds how many prompt units evaluate in parallel
	// within one request. Generation itself serializes through the
	// model's execution context, so this mostly overlaps parsing and
	// estimation with generation.
	UnitConcurrency int `yaml:"unit_concurrency" validate:"omitempty,min=1,max=32"`

	// BatchConcurrency bounds how many conversations of a batch request
	// evaluate in parallel.
	BatchConcurrency int `yaml:"batch_concurrency" validate:"omitempty,min=1,max=32"`

	// CacheSize is the result cache capacity in entries. Zero disables
	// caching.
	CacheSize int `yaml:"cache_size" validate:"omitempty,min=1,max=100000"`
}

// Default engine tuning values.
const (
	DefaultUnitConcurrency  = 4
	DefaultBatchConcurrency = 4
	DefaultServerAddr       = ":8080"
	DefaultReadTimeout      = 30 * time.Second
	DefaultWriteTimeout     = 10 * time.Minute
)

func (c EngineConfig) withDefaults() EngineConfig {
	if c.UnitConcurrency <= 0 {
		c.UnitConcurrency = DefaultUnitConcurrency
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = DefaultBatchConcurrency
	}
	return c
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Addr == "" {
		c.Addr = DefaultServerAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// LoadConfig reads, expands, validates, and defaults the YAML configuration
// at path. Environment references of the form ${VAR} are expanded before
// parsing so secrets stay out of the file.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	expanded := os.Expand(string(raw), func(key string) string {
		return os.Getenv(key)
	})
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("validating config %s: %w", path, err)
	}

	cfg.Server = cfg.Server.withDefaults()
	cfg.Engine = cfg.Engine.withDefaults()
	return cfg, nil
}
