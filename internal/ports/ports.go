// Package ports defines the interfaces between the evaluation engine and
// its infrastructure: model inference, the facet catalog, persistence,
// confidence estimation, and metrics.
package ports

import (
	"context"
	"time"

	"github.com/convoscore/go-facet/internal/domain"
)

// TokenLogProb is one generated token with its log-probability, when the
// runtime reports them.
type TokenLogProb struct {
	// Token is the token's text as tokenized by the model.
	Token string `json:"token"`

	// LogProb is the natural-log probability of the token.
	LogProb float64 `json:"logprob"`
}

// GenerationOutput is the raw result of generating from one prompt.
type GenerationOutput struct {
	// Text is the generated completion.
	Text string

	// Tokens carries per-token log-probabilities in generation order.
	// Empty when the runtime does not expose them.
	Tokens []TokenLogProb

	// TokensUsed is the total token count (prompt + completion) the
	// runtime reported, or an estimate when unavailable.
	TokensUsed int
}

// GenerateOptions controls a single generation call.
type GenerateOptions struct {
	// MaxTokens caps the completion length. Zero uses the service default.
	MaxTokens int

	// Temperature controls sampling randomness (0.0-1.0).
	Temperature float64

	// BatchSize overrides the service's configured batch size for this
	// call. The engine uses this to retry at half size after a resource
	// exhaustion. Zero keeps the configured size.
	BatchSize int
}

// ModelSession is an acquired, reference-counted lease on a loaded model.
// Sessions must be released; the service unloads weights only when no
// session holds them and the idle TTL has passed.
type ModelSession interface {
	// Generate runs the prompts through the model and returns outputs in
	// input order. Prompts are internally batched up to the configured
	// batch size; sub-batches serialize through the model's single
	// execution context. Returns ErrResourceExhausted when the
	// accelerator runs out of memory mid-batch.
	Generate(ctx context.Context, prompts []string, opts GenerateOptions) ([]GenerationOutput, error)

	// ModelID returns the identifier of the underlying model.
	ModelID() string

	// ContextWindow returns the model's context window in tokens.
	ContextWindow() int

	// Release returns the lease. The session must not be used afterwards.
	Release()
}

// InferenceService owns model weights: loading under the parameter ceiling,
// quantization configuration, reference counting, and idle unloading.
type InferenceService interface {
	// Acquire loads the model if needed and returns a session lease.
	// Returns domain.ModelTooLargeError when the model exceeds the
	// configured parameter ceiling and domain.ModelLoadError for unknown
	// or unloadable models.
	Acquire(ctx context.Context, modelID string) (ModelSession, error)

	// Models returns the configured, loadable model identifiers in
	// configuration order.
	Models() []string

	// Preload loads a model's weights without holding a lease, so the
	// first evaluation does not pay the load cost.
	Preload(ctx context.Context, modelID string) error

	// Unload evicts a model's weights. Fails if sessions still hold it.
	Unload(modelID string) error
}

// FacetCatalog resolves facet names to definitions. Read-only after load;
// reloads replace the whole catalog atomically.
type FacetCatalog interface {
	// Resolve maps names to facets preserving request order. Unknown
	// names fail with domain.UnknownFacetError listing every miss.
	Resolve(names []string) ([]domain.Facet, error)

	// All returns every facet in catalog order.
	All() []domain.Facet

	// ByCategory groups facets by category name for discovery endpoints.
	ByCategory() map[string][]domain.Facet
}

// UnitEstimate is the confidence estimator's output for one prompt unit.
type UnitEstimate struct {
	// Results are the final per-facet results in unit facet order, with
	// confidences filled in. Under self-consistency the score is the
	// mode across samples and the reasoning is the representative sample.
	Results []domain.FacetResult

	// ModelConfidence is the unit's model-certainty contribution in [0,1].
	ModelConfidence float64

	// Consistency is the cross-sample agreement in [0,1].
	Consistency float64

	// Uncertainty is the unit's uncertainty estimate in [0,1].
	Uncertainty float64
}

// ConfidenceEstimator derives per-facet confidence and the aggregate
// confidence contributions from raw generation output.
type ConfidenceEstimator interface {
	// Samples returns how many generations the strategy needs per unit.
	// One for log-probability estimation, N for self-consistency.
	Samples() int

	// SampleTemperature returns the sampling temperature the strategy
	// wants for its generations.
	SampleTemperature() float64

	// Estimate combines the parsed samples and their raw outputs into
	// final results. samples[i] aligns with outputs[i]; every sample is
	// ordered by the unit's facet order.
	Estimate(samples [][]domain.FacetResult, outputs []GenerationOutput) UnitEstimate

	// Overall blends model confidence and consistency into the
	// user-facing overall confidence per the configured policy.
	Overall(modelConfidence, consistency float64) float64
}

// ResultStore persists completed results. Implementations are best-effort
// collaborators: the engine logs and surfaces failures but never unwinds an
// already-computed result because storage failed.
type ResultStore interface {
	// SaveEvaluation records a completed single evaluation.
	SaveEvaluation(ctx context.Context, result *domain.EvaluationResult) error

	// SaveBatch records a completed batch summary.
	SaveBatch(ctx context.Context, result *domain.BatchEvaluationResult) error
}

// MetricsCollector abstracts the metrics backend so engine and inference
// code stay decoupled from Prometheus specifics.
type MetricsCollector interface {
	// RecordLatency records the execution time of an operation.
	RecordLatency(operation string, duration time.Duration, labels map[string]string)

	// RecordCounter increments a counter metric.
	RecordCounter(metric string, value float64, labels map[string]string)

	// RecordGauge sets the current value of a gauge metric.
	RecordGauge(metric string, value float64, labels map[string]string)

	// RecordHistogram records a value in a histogram.
	RecordHistogram(metric string, value float64, labels map[string]string)
}
