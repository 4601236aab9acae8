package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/convoscore/go-facet/infrastructure/prompt"
	"github.com/convoscore/go-facet/internal/domain"
	"github.com/convoscore/go-facet/internal/ports"
)

// Engine evaluates conversations against catalog facets. It owns the unit
// lifecycle end to end: facet resolution, prompt packing, generation with
// recovery, parsing, confidence estimation, and result assembly.
//
// Safe for concurrent use; all per-request state lives on the stack.
type Engine struct {
	catalog   ports.FacetCatalog
	inference ports.InferenceService
	builder   *prompt.Builder
	estimator ports.ConfidenceEstimator
	store     ports.ResultStore
	metrics   ports.MetricsCollector
	logger    *zap.Logger

	defaultModel     string
	unitConcurrency  int
	batchConcurrency int

	cache *lru.Cache[string, *domain.EvaluationResult]
}

// NewEngine wires an Engine from its collaborators. The store and metrics
// collector may be nil; persistence and metrics are then disabled.
func NewEngine(
	cfg EngineConfig,
	catalog ports.FacetCatalog,
	inferenceSvc ports.InferenceService,
	builder *prompt.Builder,
	estimator ports.ConfidenceEstimator,
	store ports.ResultStore,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
) (*Engine, error) {
	if catalog == nil || inferenceSvc == nil || builder == nil || estimator == nil {
		return nil, fmt.Errorf("catalog, inference service, builder, and estimator are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	cfg = cfg.withDefaults()

	if cfg.DefaultModel != "" {
		known := false
		for _, id := range inferenceSvc.Models() {
			if id == cfg.DefaultModel {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("default model %q is not configured", cfg.DefaultModel)
		}
	}

	e := &Engine{
		catalog:          catalog,
		inference:        inferenceSvc,
		builder:          builder,
		estimator:        estimator,
		store:            store,
		metrics:          metrics,
		logger:           logger.Named("engine"),
		defaultModel:     cfg.DefaultModel,
		unitConcurrency:  cfg.UnitConcurrency,
		batchConcurrency: cfg.BatchConcurrency,
	}

	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, *domain.EvaluationResult](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("creating result cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

// Evaluate scores one conversation against the requested facets. Every
// requested facet appears exactly once in the result, in request order;
// units that failed locally carry the deterministic degraded fallback.
// Unrecoverable failures (unknown facets, model too large, exhausted
// resources after the halved retry) fail the whole evaluation.
func (e *Engine) Evaluate(ctx context.Context, req domain.EvaluationRequest) (*domain.EvaluationResult, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	conversation := prompt.NormalizeText(req.Conversation)
	contextText := prompt.NormalizeText(req.Context)

	facets, err := e.catalog.Resolve(req.Facets)
	if err != nil {
		return nil, err
	}

	modelID := req.Model
	if modelID == "" {
		modelID = e.defaultModel
	}
	if modelID == "" {
		return nil, fmt.Errorf("no model requested and no default configured")
	}

	cacheKey := e.cacheKey(modelID, conversation, contextText, req.Facets)
	if e.cache != nil {
		if cached, ok := e.cache.Get(cacheKey); ok {
			e.recordCounter("engine_cache_hits", map[string]string{"model": modelID})
			return cached, nil
		}
	}

	sess, err := e.inference.Acquire(ctx, modelID)
	if err != nil {
		e.recordCounter("evaluations_total", map[string]string{"model": modelID, "status": "error"})
		return nil, err
	}
	defer sess.Release()

	units, err := e.builder.Build(conversation, contextText, facets, sess.ContextWindow())
	if err != nil {
		return nil, fmt.Errorf("building prompt units: %w", err)
	}

	outcomes := make([]unitOutcome, len(units))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.unitConcurrency)
	for i, unit := range units {
		g.Go(func() error {
			outcome, err := e.evaluateUnit(gctx, sess, unit)
			if err != nil {
				return fmt.Errorf("unit %d (%d facets): %w", i, len(unit.Facets), err)
			}
			outcomes[i] = outcome
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.recordCounter("evaluations_total", map[string]string{"model": modelID, "status": "error"})
		return nil, err
	}

	result := e.assemble(req, conversation, modelID, units, outcomes, start)

	if e.store != nil {
		if err := e.store.SaveEvaluation(ctx, result); err != nil {
			result.StorageError = err.Error()
			e.logger.Warn("result persistence failed",
				zap.String("evaluation_id", result.ID), zap.Error(err))
		}
	}

	e.recordCounter("evaluations_total", map[string]string{"model": modelID, "status": "ok"})
	if e.metrics != nil {
		e.metrics.RecordLatency("evaluate", result.ProcessingTime, map[string]string{"model": modelID})
		e.metrics.RecordHistogram("evaluation_confidence",
			result.Confidence.OverallConfidence, map[string]string{"model": modelID})
	}

	if e.cache != nil {
		e.cache.Add(cacheKey, result)
	}

	e.logger.Info("evaluation complete",
		zap.String("evaluation_id", result.ID),
		zap.String("model", modelID),
		zap.Int("facets", len(req.Facets)),
		zap.Int("units", len(units)),
		zap.Duration("processing_time", result.ProcessingTime),
		zap.Float64("overall_confidence", result.Confidence.OverallConfidence),
	)
	return result, nil
}

// unitOutcome is the terminal result of one prompt unit's lifecycle.
type unitOutcome struct {
	// results align with the unit's facets, in order.
	results []domain.FacetResult

	modelConfidence float64
	consistency     float64
	uncertainty     float64

	degraded       bool
	degradedReason string
}

// evaluateUnit drives a single unit through its lifecycle. Local failures
// (timeout, unparseable output after the strict retry) degrade the unit;
// resource exhaustion that survives the halved retry and any other
// inference failure propagate up and fail the evaluation.
func (e *Engine) evaluateUnit(
	ctx context.Context,
	sess ports.ModelSession,
	unit prompt.PromptUnit,
) (unitOutcome, error) {
	state := domain.UnitPending
	advance := func(next domain.UnitState) {
		var err error
		if state, err = state.Transition(next); err != nil {
			e.logger.DPanic("unit lifecycle violation", zap.Error(err))
		}
	}

	sampleCount := e.estimator.Samples()
	prompts := make([]string, sampleCount)
	for i := range prompts {
		prompts[i] = unit.Prompt
	}

	advance(domain.UnitGenerating)
	outputs, err := e.generateWithRecovery(ctx, sess, prompts)
	if err != nil {
		if errors.Is(err, ports.ErrInferenceTimeout) {
			advance(domain.UnitDegraded)
			return e.degradedOutcome(sess.ModelID(), unit, "inference timed out"), nil
		}
		return unitOutcome{}, err
	}

	advance(domain.UnitParsing)
	parsed := make([][]domain.FacetResult, len(outputs))
	var failedIdx []int
	var firstParseErr error
	for i, out := range outputs {
		results, perr := prompt.Parse(out.Text, unit.Facets)
		if perr != nil {
			if firstParseErr == nil {
				firstParseErr = perr
			}
			failedIdx = append(failedIdx, i)
			continue
		}
		parsed[i] = results
	}

	// One strict retry for the samples that failed to parse. The retry
	// regenerates with an explicit formatting instruction appended.
	if len(failedIdx) > 0 {
		advance(domain.UnitRetrying)
		advance(domain.UnitGenerating)

		strictPrompts := make([]string, len(failedIdx))
		for i := range strictPrompts {
			strictPrompts[i] = unit.StrictPrompt()
		}
		retryOutputs, rerr := e.generateWithRecovery(ctx, sess, strictPrompts)
		if rerr != nil {
			if errors.Is(rerr, ports.ErrInferenceTimeout) {
				advance(domain.UnitDegraded)
				return e.degradedOutcome(sess.ModelID(), unit, "inference timed out on retry"), nil
			}
			return unitOutcome{}, rerr
		}

		advance(domain.UnitParsing)
		for j, idx := range failedIdx {
			results, perr := prompt.Parse(retryOutputs[j].Text, unit.Facets)
			if perr != nil {
				e.logger.Debug("strict retry still unparseable",
					zap.String("model", sess.ModelID()), zap.Error(perr))
				continue
			}
			parsed[idx] = results
			outputs[idx] = retryOutputs[j]
		}
	}

	// Keep only the samples that parsed, preserving alignment between
	// sample results and their raw outputs for the estimator.
	var samples [][]domain.FacetResult
	var sampleOutputs []ports.GenerationOutput
	for i, results := range parsed {
		if results != nil {
			samples = append(samples, results)
			sampleOutputs = append(sampleOutputs, outputs[i])
		}
	}

	if len(samples) == 0 {
		advance(domain.UnitDegraded)
		reason := "output unparseable after strict retry"
		if firstParseErr != nil {
			reason = firstParseErr.Error()
		}
		return e.degradedOutcome(sess.ModelID(), unit, reason), nil
	}

	advance(domain.UnitSucceeded)
	estimate := e.estimator.Estimate(samples, sampleOutputs)
	return unitOutcome{
		results:         estimate.Results,
		modelConfidence: estimate.ModelConfidence,
		consistency:     estimate.Consistency,
		uncertainty:     estimate.Uncertainty,
	}, nil
}

// generateWithRecovery runs one generation call, retrying exactly once at
// half the prompts per sub-batch when the accelerator exhausts memory.
// Exhaustion on the halved retry is final and propagates to the caller.
func (e *Engine) generateWithRecovery(
	ctx context.Context,
	sess ports.ModelSession,
	prompts []string,
) ([]ports.GenerationOutput, error) {
	opts := ports.GenerateOptions{Temperature: e.estimator.SampleTemperature()}

	outputs, err := sess.Generate(ctx, prompts, opts)
	if err == nil || !errors.Is(err, ports.ErrResourceExhausted) {
		return outputs, err
	}

	halved := max(1, (len(prompts)+1)/2)
	e.logger.Warn("inference resources exhausted, retrying at halved batch",
		zap.String("model", sess.ModelID()),
		zap.Int("prompts", len(prompts)),
		zap.Int("retry_batch_size", halved),
	)
	e.recordCounter("engine_oom_retries", map[string]string{"model": sess.ModelID()})

	opts.BatchSize = halved
	outputs, err = sess.Generate(ctx, prompts, opts)
	if err != nil && errors.Is(err, ports.ErrResourceExhausted) {
		return nil, fmt.Errorf("resources exhausted after halved-batch retry: %w", err)
	}
	return outputs, err
}

// degradedOutcome fills every facet of the unit with the deterministic
// fallback result and records the degradation.
func (e *Engine) degradedOutcome(modelID string, unit prompt.PromptUnit, reason string) unitOutcome {
	results := make([]domain.FacetResult, len(unit.Facets))
	for i := range results {
		results[i] = domain.DegradedFacetResult(reason)
	}
	e.logger.Warn("unit degraded",
		zap.String("model", modelID),
		zap.Int("facets", len(unit.Facets)),
		zap.String("reason", reason),
	)
	e.recordCounter("degraded_units_total", map[string]string{
		"model":  modelID,
		"reason": degradedReasonLabel(reason),
	})
	return unitOutcome{
		results:        results,
		uncertainty:    1.0,
		degraded:       true,
		degradedReason: reason,
	}
}

// degradedReasonLabel folds free-form reasons into a low-cardinality
// metrics label.
func degradedReasonLabel(reason string) string {
	if strings.Contains(reason, "timed out") {
		return "timeout"
	}
	return "unparseable"
}

// assemble builds the final result: facet scores keyed by name with the
// request's order preserved, confidence metrics aggregated across units
// weighted by facet count, and the identity and timing fields.
func (e *Engine) assemble(
	req domain.EvaluationRequest,
	conversation, modelID string,
	units []prompt.PromptUnit,
	outcomes []unitOutcome,
	start time.Time,
) *domain.EvaluationResult {
	scores := make(map[string]domain.FacetResult, len(req.Facets))
	var modelSum, consistencySum, uncertaintySum float64
	var weight float64

	for i, unit := range units {
		outcome := outcomes[i]
		for j, facet := range unit.Facets {
			scores[facet.Name] = outcome.results[j]
		}
		w := float64(len(unit.Facets))
		modelSum += outcome.modelConfidence * w
		consistencySum += outcome.consistency * w
		uncertaintySum += outcome.uncertainty * w
		weight += w
	}

	var metrics domain.ConfidenceMetrics
	if weight > 0 {
		metrics.ModelConfidence = modelSum / weight
		metrics.ConsistencyScore = consistencySum / weight
		metrics.UncertaintyEstimate = uncertaintySum / weight
	}
	metrics.OverallConfidence = e.estimator.Overall(metrics.ModelConfidence, metrics.ConsistencyScore)

	order := make([]string, len(req.Facets))
	copy(order, req.Facets)

	return &domain.EvaluationResult{
		ID:             uuid.NewString(),
		Conversation:   conversation,
		FacetOrder:     order,
		FacetScores:    scores,
		Confidence:     metrics,
		ProcessingTime: time.Since(start),
		ModelUsed:      modelID,
		CreatedAt:      time.Now().UTC(),
	}
}

// cacheKey derives a stable key from everything that determines a result.
func (e *Engine) cacheKey(modelID, conversation, contextText string, facets []string) string {
	h := sha256.New()
	for _, part := range append([]string{modelID, conversation, contextText}, facets...) {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (e *Engine) recordCounter(metric string, labels map[string]string) {
	if e.metrics != nil {
		e.metrics.RecordCounter(metric, 1, labels)
	}
}
