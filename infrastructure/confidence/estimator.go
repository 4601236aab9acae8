// Package confidence derives per-facet confidence and aggregate confidence
// contributions from raw model output.
//
// Two strategies are supported. Log-probability estimation maps the model's
// certainty on the score-bearing tokens into [0,1] with a fixed monotonic
// transform; it costs nothing beyond the primary generation. Self-consistency
// samples each prompt unit N times and measures agreement on the mode score;
// it is more expensive but works on runtimes that do not expose
// log-probabilities.
//
// The overall confidence is a weighted blend of model confidence and
// consistency. The weights are policy, not derivation: they directly shape
// the user-visible trust score and are therefore configurable rather than
// hard-coded.
package confidence

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/go-playground/validator/v10"

	"github.com/convoscore/go-facet/internal/domain"
	"github.com/convoscore/go-facet/internal/ports"
)

var _ ports.ConfidenceEstimator = (*Estimator)(nil)

// Strategy names accepted in configuration.
const (
	StrategyLogProb         = "logprob"
	StrategySelfConsistency = "self_consistency"
)

// Default configuration values.
const (
	// DefaultSamples is the number of repeated generations under
	// self-consistency.
	DefaultSamples = 3

	// DefaultSampleTemperature is the sampling temperature for repeated
	// samples. Deterministic sampling would make agreement trivially
	// perfect and uninformative.
	DefaultSampleTemperature = 0.7

	// DefaultModelWeight and DefaultConsistencyWeight are the default
	// blend weights for the overall confidence.
	DefaultModelWeight       = 0.6
	DefaultConsistencyWeight = 0.4

	// DefaultSpreadPenalty scales how strongly the score spread across
	// samples pulls a facet's confidence below its raw agreement.
	DefaultSpreadPenalty = 0.5
)

// scoreRange is the width of the 1-5 scale, used to normalize spreads and
// variances into [0,1].
const scoreRange = float64(domain.MaxScore - domain.MinScore)

// Config selects and tunes the estimation strategy.
type Config struct {
	// Strategy is logprob or self_consistency.
	Strategy string `yaml:"strategy" validate:"omitempty,oneof=logprob self_consistency"`

	// Samples is the generation count per unit under self-consistency.
	Samples int `yaml:"samples" validate:"omitempty,min=2,max=10"`

	// SampleTemperature is the temperature used for generations.
	SampleTemperature float64 `yaml:"sample_temperature" validate:"omitempty,min=0,max=1"`

	// ModelWeight and ConsistencyWeight blend the overall confidence.
	// They must sum to 1 when both are set.
	ModelWeight       float64 `yaml:"model_weight" validate:"omitempty,min=0,max=1"`
	ConsistencyWeight float64 `yaml:"consistency_weight" validate:"omitempty,min=0,max=1"`

	// SpreadPenalty scales the confidence reduction from sample spread.
	SpreadPenalty float64 `yaml:"spread_penalty" validate:"omitempty,min=0,max=1"`
}

// Estimator implements both strategies behind the ConfidenceEstimator port.
// Stateless and safe for concurrent use.
type Estimator struct {
	strategy          string
	samples           int
	sampleTemperature float64
	modelWeight       float64
	consistencyWeight float64
	spreadPenalty     float64
}

// New builds an Estimator from config, applying defaults and validating
// that the blend weights sum to 1.
func New(cfg Config) (*Estimator, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("confidence config: %w", err)
	}

	e := &Estimator{
		strategy:          cfg.Strategy,
		samples:           cfg.Samples,
		sampleTemperature: cfg.SampleTemperature,
		modelWeight:       cfg.ModelWeight,
		consistencyWeight: cfg.ConsistencyWeight,
		spreadPenalty:     cfg.SpreadPenalty,
	}
	if e.strategy == "" {
		e.strategy = StrategyLogProb
	}
	if e.samples == 0 {
		e.samples = DefaultSamples
	}
	if e.sampleTemperature == 0 && e.strategy == StrategySelfConsistency {
		e.sampleTemperature = DefaultSampleTemperature
	}
	if e.modelWeight == 0 && e.consistencyWeight == 0 {
		e.modelWeight = DefaultModelWeight
		e.consistencyWeight = DefaultConsistencyWeight
	}
	if e.spreadPenalty == 0 {
		e.spreadPenalty = DefaultSpreadPenalty
	}

	if math.Abs(e.modelWeight+e.consistencyWeight-1.0) > 1e-9 {
		return nil, fmt.Errorf("confidence blend weights must sum to 1, got %.3f+%.3f",
			e.modelWeight, e.consistencyWeight)
	}
	return e, nil
}

// Samples returns how many generations the strategy needs per unit.
func (e *Estimator) Samples() int {
	if e.strategy == StrategySelfConsistency {
		return e.samples
	}
	return 1
}

// SampleTemperature returns the generation temperature for the strategy.
// Log-probability estimation scores deterministically at temperature zero.
func (e *Estimator) SampleTemperature() float64 {
	if e.strategy == StrategySelfConsistency {
		return e.sampleTemperature
	}
	return 0.0
}

// Overall blends model confidence and consistency per the configured
// policy weights.
func (e *Estimator) Overall(modelConfidence, consistency float64) float64 {
	return clamp01(e.modelWeight*modelConfidence + e.consistencyWeight*consistency)
}

// Estimate combines the parsed samples and their raw outputs into final
// per-facet results and the unit's aggregate contributions.
func (e *Estimator) Estimate(
	samples [][]domain.FacetResult,
	outputs []ports.GenerationOutput,
) ports.UnitEstimate {
	if len(samples) == 0 {
		return ports.UnitEstimate{Uncertainty: 1.0}
	}
	if e.strategy == StrategySelfConsistency && len(samples) > 1 {
		return e.estimateSelfConsistency(samples, outputs)
	}
	return e.estimateLogProb(samples[0], outputs)
}

// estimateLogProb derives confidence from the model's certainty on the
// score-bearing tokens of the primary sample. Consistency falls back to
// within-unit score agreement, and uncertainty to the output-length
// heuristic, since no repeated samples exist to measure against.
func (e *Estimator) estimateLogProb(
	results []domain.FacetResult,
	outputs []ports.GenerationOutput,
) ports.UnitEstimate {
	var output ports.GenerationOutput
	if len(outputs) > 0 {
		output = outputs[0]
	}

	confidences := scoreTokenConfidences(output, len(results))
	final := make([]domain.FacetResult, len(results))
	var modelSum float64
	for i, res := range results {
		res.Confidence = confidences[i]
		final[i] = res
		modelSum += confidences[i]
	}
	modelConfidence := modelSum / float64(len(results))

	return ports.UnitEstimate{
		Results:         final,
		ModelConfidence: modelConfidence,
		Consistency:     scoreAgreement(results),
		Uncertainty:     lengthUncertainty(output),
	}
}

// estimateSelfConsistency measures cross-sample agreement per facet.
// The final score is the mode across samples (ties resolve to the lower
// score for determinism), the consistency is the mode's sample fraction,
// and the confidence is that agreement reduced by the normalized score
// spread. The reported reasoning is the medoid sample by Levenshtein
// similarity: the explanation most representative of what the model said
// across runs.
func (e *Estimator) estimateSelfConsistency(
	samples [][]domain.FacetResult,
	outputs []ports.GenerationOutput,
) ports.UnitEstimate {
	facetCount := len(samples[0])
	final := make([]domain.FacetResult, facetCount)
	var consistencySum float64

	for k := 0; k < facetCount; k++ {
		scores := make([]int, 0, len(samples))
		reasonings := make([]string, 0, len(samples))
		for _, sample := range samples {
			if k < len(sample) {
				scores = append(scores, sample[k].Score)
				reasonings = append(reasonings, sample[k].Reasoning)
			}
		}

		mode, agreement := modeAgreement(scores)
		spread := float64(maxInt(scores)-minInt(scores)) / scoreRange
		consistencySum += agreement

		final[k] = domain.FacetResult{
			Score:      mode,
			Confidence: clamp01(agreement - e.spreadPenalty*spread),
			Reasoning:  medoidReasoning(reasonings),
		}
	}

	consistency := consistencySum / float64(facetCount)

	return ports.UnitEstimate{
		Results:         final,
		ModelConfidence: meanModelConfidence(outputs, facetCount),
		Consistency:     consistency,
		Uncertainty:     clamp01(1.0 - consistency),
	}
}

// scoreTokenConfidences maps the log-probabilities of score-bearing tokens
// (tokens that parse as an integer on the 1-5 scale) into per-facet
// confidences via exp(logprob), a fixed monotonic transform into (0,1].
// When the digit tokens cannot be aligned one-to-one with facets, every
// facet gets the mean; when no log-probabilities exist at all, the
// output-length heuristic complement stands in.
func scoreTokenConfidences(output ports.GenerationOutput, facetCount int) []float64 {
	confidences := make([]float64, facetCount)

	var scoreLogProbs []float64
	for _, tok := range output.Tokens {
		trimmed := strings.TrimSpace(tok.Token)
		if n, err := strconv.Atoi(trimmed); err == nil && n >= domain.MinScore && n <= domain.MaxScore {
			scoreLogProbs = append(scoreLogProbs, tok.LogProb)
		}
	}

	switch {
	case len(scoreLogProbs) == facetCount:
		for i, lp := range scoreLogProbs {
			confidences[i] = clamp01(math.Exp(lp))
		}
	case len(scoreLogProbs) > 0:
		var sum float64
		for _, lp := range scoreLogProbs {
			sum += lp
		}
		mean := clamp01(math.Exp(sum / float64(len(scoreLogProbs))))
		for i := range confidences {
			confidences[i] = mean
		}
	default:
		fallback := clamp01(1.0 - lengthUncertainty(output))
		for i := range confidences {
			confidences[i] = fallback
		}
	}
	return confidences
}

// scoreAgreement measures how tightly the scores within one unit cluster,
// as 1 minus the normalized variance. A single facet is trivially
// consistent.
func scoreAgreement(results []domain.FacetResult) float64 {
	if len(results) < 2 {
		return 1.0
	}
	var sum float64
	for _, r := range results {
		sum += float64(r.Score)
	}
	mean := sum / float64(len(results))

	var variance float64
	for _, r := range results {
		d := float64(r.Score) - mean
		variance += d * d
	}
	variance /= float64(len(results))

	// Maximum variance on the 1-5 scale is (range/2)^2 = 4.
	maxVariance := (scoreRange / 2) * (scoreRange / 2)
	return clamp01(1.0 - variance/maxVariance)
}

// lengthUncertainty is the fixed output-length heuristic used when neither
// log-probabilities nor repeated samples are available: short outputs carry
// high uncertainty, asymptotically approaching zero as outputs grow.
func lengthUncertainty(output ports.GenerationOutput) float64 {
	tokens := len(output.Tokens)
	if tokens == 0 {
		tokens = output.TokensUsed
	}
	if tokens == 0 {
		// Last resort: estimate from text length at ~4 chars/token.
		tokens = len(output.Text) / 4
	}
	return clamp01(20.0 / (float64(tokens) + 20.0))
}

// meanModelConfidence averages exp(mean logprob) across sample outputs,
// falling back to the length heuristic complement per output.
func meanModelConfidence(outputs []ports.GenerationOutput, facetCount int) float64 {
	if len(outputs) == 0 {
		return 0.5
	}
	var sum float64
	for _, out := range outputs {
		confs := scoreTokenConfidences(out, facetCount)
		var outSum float64
		for _, c := range confs {
			outSum += c
		}
		sum += outSum / float64(len(confs))
	}
	return clamp01(sum / float64(len(outputs)))
}

// modeAgreement returns the most frequent score and the fraction of samples
// agreeing with it. Frequency ties resolve to the lower score so repeated
// runs produce identical results.
func modeAgreement(scores []int) (int, float64) {
	if len(scores) == 0 {
		return domain.MinScore, 0.0
	}
	counts := make(map[int]int, len(scores))
	for _, s := range scores {
		counts[s]++
	}
	mode, best := 0, 0
	for score := domain.MinScore; score <= domain.MaxScore; score++ {
		if counts[score] > best {
			mode, best = score, counts[score]
		}
	}
	return mode, float64(best) / float64(len(scores))
}

// medoidReasoning picks the reasoning most similar on average to the rest,
// by normalized Levenshtein similarity. With a single sample it returns it
// unchanged.
func medoidReasoning(reasonings []string) string {
	switch len(reasonings) {
	case 0:
		return ""
	case 1:
		return reasonings[0]
	}

	bestIdx, bestSim := 0, -1.0
	for i, a := range reasonings {
		var sim float64
		for j, b := range reasonings {
			if i == j {
				continue
			}
			sim += similarity(a, b)
		}
		sim /= float64(len(reasonings) - 1)
		if sim > bestSim {
			bestIdx, bestSim = i, sim
		}
	}
	return reasonings[bestIdx]
}

// similarity is 1 minus the normalized Levenshtein distance.
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return clamp01(1.0 - float64(dist)/float64(longest))
}

func clamp01(v float64) float64 {
	return math.Max(0.0, math.Min(1.0, v))
}

func minInt(values []int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxInt(values []int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
