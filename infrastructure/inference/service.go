package inference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/convoscore/go-facet/internal/domain"
	"github.com/convoscore/go-facet/internal/ports"
)

var _ ports.InferenceService = (*Service)(nil)

// Default service configuration values.
const (
	// DefaultMaxParamsB is the default effective parameter ceiling in
	// billions. The deployment target has fixed memory; larger models
	// are rejected at load time.
	DefaultMaxParamsB = 16.0

	// DefaultBatchSize is the default number of prompts per sub-batch.
	DefaultBatchSize = 8

	// DefaultMaxTokens is the default completion cap per prompt.
	DefaultMaxTokens = 512

	// DefaultIdleTTL is how long unreferenced weights stay resident
	// before the janitor unloads them.
	DefaultIdleTTL = 10 * time.Minute

	// DefaultRequestTimeout bounds a single generation call.
	DefaultRequestTimeout = 120 * time.Second
)

// ModelSpec describes one loadable open-weights model.
type ModelSpec struct {
	// ID is the model identifier as the runtime knows it
	// (e.g. "mistralai/Mistral-7B-Instruct-v0.3").
	ID string `yaml:"id" validate:"required"`

	// ParamsB is the effective parameter count in billions. Quantization
	// reduces residency cost but not the effective count, so the
	// parameter ceiling applies to this value as-is.
	ParamsB float64 `yaml:"params_b" validate:"required,gt=0"`

	// ContextWindow is the model's context length in tokens.
	ContextWindow int `yaml:"context_window" validate:"required,min=512"`

	// Quantization selects the weight precision loaded by the runtime.
	Quantization string `yaml:"quantization" validate:"omitempty,oneof=none int8 int4"`

	// Endpoint is the base URL of the local OpenAI-compatible runtime
	// serving this model.
	Endpoint string `yaml:"endpoint"`

	// APIKey is passed to the runtime; local servers usually ignore it.
	APIKey string `yaml:"api_key"`

	// RuntimeKind selects the Runtime backend. Defaults to
	// openai_compatible.
	RuntimeKind string `yaml:"runtime"`
}

// Config holds the inference service configuration.
type Config struct {
	// MaxParamsB is the effective parameter ceiling in billions.
	MaxParamsB float64 `yaml:"max_params_b" validate:"omitempty,gt=0"`

	// BatchSize is the number of prompts grouped per runtime call.
	BatchSize int `yaml:"batch_size" validate:"omitempty,min=1,max=128"`

	// MaxTokens is the default completion cap per prompt.
	MaxTokens int `yaml:"max_tokens" validate:"omitempty,min=16,max=8192"`

	// RequestTimeout bounds each generation call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// IdleTTL is how long unreferenced weights stay loaded.
	IdleTTL time.Duration `yaml:"idle_ttl"`

	// RateLimitRPS throttles runtime calls; zero disables limiting.
	RateLimitRPS float64 `yaml:"rate_limit_rps" validate:"omitempty,gt=0"`

	// RateLimitBurst is the limiter burst when RateLimitRPS is set.
	RateLimitBurst int `yaml:"rate_limit_burst" validate:"omitempty,min=1"`

	// Models lists the loadable model specs in discovery order.
	Models []ModelSpec `yaml:"models" validate:"required,min=1,dive"`
}

// withDefaults fills zero-valued fields with the package defaults.
func (c Config) withDefaults() Config {
	if c.MaxParamsB <= 0 {
		c.MaxParamsB = DefaultMaxParamsB
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	for i := range c.Models {
		if c.Models[i].RuntimeKind == "" {
			c.Models[i].RuntimeKind = "openai_compatible"
		}
		if c.Models[i].Quantization == "" {
			c.Models[i].Quantization = "none"
		}
	}
	return c
}

// loadedModel is one resident model. Weights are owned exclusively by the
// service; execMu is the model's single execution context, serializing
// forward passes that are not part of the same batch call.
type loadedModel struct {
	spec     ModelSpec
	runtime  Runtime
	refs     int
	lastUsed time.Time
	execMu   sync.Mutex
}

// Service implements the model inference service: explicit resource
// management of model weights with acquire/release semantics, a parameter
// ceiling, prompt batching, and idle unloading.
type Service struct {
	cfg     Config
	specs   map[string]ModelSpec
	order   []string
	logger  *zap.Logger
	metrics ports.MetricsCollector

	mu     sync.Mutex
	loaded map[string]*loadedModel

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// NewService creates an inference service from config. The metrics
// collector may be nil; the logger may not.
func NewService(cfg Config, logger *zap.Logger, metrics ports.MetricsCollector) (*Service, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	cfg = cfg.withDefaults()
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("at least one model spec is required")
	}

	specs := make(map[string]ModelSpec, len(cfg.Models))
	order := make([]string, 0, len(cfg.Models))
	for _, spec := range cfg.Models {
		if _, dup := specs[spec.ID]; dup {
			return nil, fmt.Errorf("duplicate model spec %q", spec.ID)
		}
		specs[spec.ID] = spec
		order = append(order, spec.ID)
	}

	return &Service{
		cfg:     cfg,
		specs:   specs,
		order:   order,
		logger:  logger.Named("inference"),
		metrics: metrics,
		loaded:  make(map[string]*loadedModel),
	}, nil
}

// Models returns the configured model identifiers in configuration order.
func (s *Service) Models() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Acquire loads the model if needed and returns a reference-counted session.
func (s *Service) Acquire(ctx context.Context, modelID string) (ports.ModelSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	spec, ok := s.specs[modelID]
	if !ok {
		return nil, &domain.ModelLoadError{ModelID: modelID, Err: fmt.Errorf("model not configured")}
	}
	if spec.ParamsB > s.cfg.MaxParamsB {
		return nil, &domain.ModelTooLargeError{
			ModelID:  modelID,
			ParamsB:  spec.ParamsB,
			CeilingB: s.cfg.MaxParamsB,
		}
	}

	lm, ok := s.loaded[modelID]
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		runtime, err := s.buildRuntime(spec)
		if err != nil {
			return nil, &domain.ModelLoadError{ModelID: modelID, Err: err}
		}
		lm = &loadedModel{spec: spec, runtime: runtime, lastUsed: time.Now()}
		s.loaded[modelID] = lm
		s.logger.Info("model loaded",
			zap.String("model", modelID),
			zap.Float64("params_b", spec.ParamsB),
			zap.String("quantization", spec.Quantization),
		)
		if s.metrics != nil {
			s.metrics.RecordGauge("models_loaded", float64(len(s.loaded)), nil)
		}
	}

	lm.refs++
	return &session{svc: s, lm: lm}, nil
}

// Preload loads a model's weights without holding a lease so the first
// evaluation does not pay the load cost.
func (s *Service) Preload(ctx context.Context, modelID string) error {
	sess, err := s.Acquire(ctx, modelID)
	if err != nil {
		return err
	}
	sess.Release()
	return nil
}

// Unload evicts a model's weights immediately. Fails with ErrModelInUse
// while sessions still reference it.
func (s *Service) Unload(modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lm, ok := s.loaded[modelID]
	if !ok {
		return nil
	}
	if lm.refs > 0 {
		return fmt.Errorf("unload %s: %w", modelID, ports.ErrModelInUse)
	}
	return s.unloadLocked(modelID, lm)
}

// StartJanitor launches the background sweep that unloads models idle
// beyond the configured TTL. Call Close to stop it.
func (s *Service) StartJanitor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.janitorStop != nil {
		return
	}
	s.janitorStop = make(chan struct{})
	s.janitorDone = make(chan struct{})

	interval := s.cfg.IdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.sweepIdle(time.Now())
			}
		}
	}(s.janitorStop, s.janitorDone)
}

// sweepIdle unloads every unreferenced model idle longer than the TTL and
// returns how many were evicted.
func (s *Service) sweepIdle(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, lm := range s.loaded {
		if lm.refs == 0 && now.Sub(lm.lastUsed) >= s.cfg.IdleTTL {
			if err := s.unloadLocked(id, lm); err != nil {
				s.logger.Warn("idle unload failed", zap.String("model", id), zap.Error(err))
				continue
			}
			evicted++
		}
	}
	return evicted
}

// Close stops the janitor and unloads every resident model.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.janitorStop != nil {
		close(s.janitorStop)
		done := s.janitorDone
		s.janitorStop = nil
		s.janitorDone = nil
		s.mu.Unlock()
		<-done
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	var firstErr error
	for id, lm := range s.loaded {
		if err := s.unloadLocked(id, lm); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Service) unloadLocked(modelID string, lm *loadedModel) error {
	if err := lm.runtime.Close(); err != nil {
		return err
	}
	delete(s.loaded, modelID)
	s.logger.Info("model unloaded", zap.String("model", modelID))
	if s.metrics != nil {
		s.metrics.RecordGauge("models_loaded", float64(len(s.loaded)), nil)
	}
	return nil
}

// buildRuntime constructs the backend with the standard middleware chain:
// tracing outermost, then metrics, rate limiting, and the per-call timeout
// closest to the wire.
func (s *Service) buildRuntime(spec ModelSpec) (Runtime, error) {
	rt, err := newRuntime(spec)
	if err != nil {
		return nil, err
	}

	var chain []Middleware
	chain = append(chain, TracingMiddleware("go-facet/inference"))
	if s.metrics != nil {
		chain = append(chain, MetricsMiddleware(s.metrics))
	}
	if s.cfg.RateLimitRPS > 0 {
		burst := s.cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		chain = append(chain, RateLimitMiddleware(s.cfg.RateLimitRPS, burst))
	}
	chain = append(chain, TimeoutMiddleware(s.cfg.RequestTimeout))

	return Chain(rt, chain...), nil
}

// session is one acquired lease on a loaded model.
type session struct {
	svc      *Service
	lm       *loadedModel
	mu       sync.Mutex
	released bool
}

// Generate runs the prompts through the model in sub-batches of at most the
// configured (or per-call overridden) batch size. Sub-batches execute
// serially through the model's execution context; output order matches
// input order.
func (se *session) Generate(
	ctx context.Context,
	prompts []string,
	opts ports.GenerateOptions,
) ([]ports.GenerationOutput, error) {
	se.mu.Lock()
	if se.released {
		se.mu.Unlock()
		return nil, ports.ErrSessionReleased
	}
	se.mu.Unlock()

	if len(prompts) == 0 {
		return nil, nil
	}

	batchSize := se.svc.cfg.BatchSize
	if opts.BatchSize > 0 {
		batchSize = opts.BatchSize
	}
	maxTokens := se.svc.cfg.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	runtimeOpts := RuntimeOptions{
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
		LogProbs:    true,
	}

	outputs := make([]ports.GenerationOutput, 0, len(prompts))
	for start := 0; start < len(prompts); start += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+batchSize, len(prompts))

		se.lm.execMu.Lock()
		batchOut, err := se.lm.runtime.Complete(ctx, prompts[start:end], runtimeOpts)
		se.lm.execMu.Unlock()
		if err != nil {
			return nil, err
		}
		if len(batchOut) != end-start {
			return nil, ports.NewInferenceError(se.lm.spec.ID, "generate",
				fmt.Errorf("%w: got %d outputs for %d prompts", ports.ErrInvalidResponse, len(batchOut), end-start))
		}
		outputs = append(outputs, batchOut...)
	}

	se.svc.mu.Lock()
	se.lm.lastUsed = time.Now()
	se.svc.mu.Unlock()

	return outputs, nil
}

// ModelID returns the underlying model identifier.
func (se *session) ModelID() string { return se.lm.spec.ID }

// ContextWindow returns the model's context length in tokens.
func (se *session) ContextWindow() int { return se.lm.spec.ContextWindow }

// Release returns the lease. Safe to call once; later Generate calls fail
// with ErrSessionReleased.
func (se *session) Release() {
	se.mu.Lock()
	if se.released {
		se.mu.Unlock()
		return
	}
	se.released = true
	se.mu.Unlock()

	se.svc.mu.Lock()
	se.lm.refs--
	se.lm.lastUsed = time.Now()
	se.svc.mu.Unlock()
}
