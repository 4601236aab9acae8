package confidence

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoscore/go-facet/internal/domain"
	"github.com/convoscore/go-facet/internal/ports"
)

func sampleWith(scores ...int) []domain.FacetResult {
	results := make([]domain.FacetResult, len(scores))
	for i, s := range scores {
		results[i] = domain.FacetResult{Score: s, Reasoning: "reasoning text"}
	}
	return results
}

func TestNewDefaults(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	assert.Equal(t, 1, e.Samples(), "logprob needs a single generation")
	assert.Zero(t, e.SampleTemperature(), "logprob scores deterministically")
	assert.InDelta(t, 0.6*0.5+0.4*0.8, e.Overall(0.5, 0.8), 1e-9)
}

func TestNewSelfConsistencyDefaults(t *testing.T) {
	e, err := New(Config{Strategy: StrategySelfConsistency})
	require.NoError(t, err)

	assert.Equal(t, DefaultSamples, e.Samples())
	assert.Equal(t, DefaultSampleTemperature, e.SampleTemperature())
}

func TestNewRejectsBadWeights(t *testing.T) {
	_, err := New(Config{ModelWeight: 0.7, ConsistencyWeight: 0.7})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1")

	_, err = New(Config{Strategy: "majority_vote"})
	assert.Error(t, err)
}

func TestOverallClamps(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, e.Overall(1.0, 1.0))
	assert.Equal(t, 0.0, e.Overall(0.0, 0.0))
}

func TestSelfConsistencyUnanimous(t *testing.T) {
	e, err := New(Config{Strategy: StrategySelfConsistency, Samples: 4})
	require.NoError(t, err)

	samples := [][]domain.FacetResult{
		sampleWith(4), sampleWith(4), sampleWith(4), sampleWith(4),
	}
	estimate := e.Estimate(samples, nil)

	assert.Equal(t, 1.0, estimate.Consistency, "unanimous samples are fully consistent")
	assert.Zero(t, estimate.Uncertainty)
	require.Len(t, estimate.Results, 1)
	assert.Equal(t, 4, estimate.Results[0].Score)
	assert.Equal(t, 1.0, estimate.Results[0].Confidence)
}

func TestSelfConsistencyEvenSplit(t *testing.T) {
	e, err := New(Config{Strategy: StrategySelfConsistency, Samples: 4})
	require.NoError(t, err)

	samples := [][]domain.FacetResult{
		sampleWith(3), sampleWith(3), sampleWith(5), sampleWith(5),
	}
	estimate := e.Estimate(samples, nil)

	assert.Equal(t, 0.5, estimate.Consistency, "a 2-2 split of 4 samples is half consistent")
	assert.Equal(t, 0.5, estimate.Uncertainty)
	// Frequency ties resolve to the lower score.
	assert.Equal(t, 3, estimate.Results[0].Score)
}

func TestSelfConsistencyMajority(t *testing.T) {
	e, err := New(Config{Strategy: StrategySelfConsistency, Samples: 3})
	require.NoError(t, err)

	samples := [][]domain.FacetResult{
		sampleWith(4, 2), sampleWith(4, 2), sampleWith(2, 2),
	}
	estimate := e.Estimate(samples, nil)

	require.Len(t, estimate.Results, 2)
	assert.Equal(t, 4, estimate.Results[0].Score)
	assert.Equal(t, 2, estimate.Results[1].Score)
	// Facet 0 agrees 2/3, facet 1 is unanimous.
	assert.InDelta(t, (2.0/3.0+1.0)/2.0, estimate.Consistency, 1e-9)
	// The unanimous facet has no spread penalty.
	assert.Equal(t, 1.0, estimate.Results[1].Confidence)
}

func TestSelfConsistencyPicksRepresentativeReasoning(t *testing.T) {
	e, err := New(Config{Strategy: StrategySelfConsistency, Samples: 3})
	require.NoError(t, err)

	samples := [][]domain.FacetResult{
		{{Score: 4, Reasoning: "the responses are grammatically clean"}},
		{{Score: 4, Reasoning: "the responses are grammatically clean overall"}},
		{{Score: 4, Reasoning: "zebra penguin walrus"}},
	}
	estimate := e.Estimate(samples, nil)

	assert.Contains(t, estimate.Results[0].Reasoning, "grammatically clean")
}

func TestLogProbAlignedDigitTokens(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	// Two facets, two score-bearing digit tokens.
	outputs := []ports.GenerationOutput{{
		Text: "ignored by the estimator",
		Tokens: []ports.TokenLogProb{
			{Token: "4", LogProb: math.Log(0.9)},
			{Token: ",", LogProb: -0.01},
			{Token: "2", LogProb: math.Log(0.5)},
		},
	}}
	samples := [][]domain.FacetResult{sampleWith(4, 2)}

	estimate := e.Estimate(samples, outputs)
	require.Len(t, estimate.Results, 2)
	assert.InDelta(t, 0.9, estimate.Results[0].Confidence, 1e-9)
	assert.InDelta(t, 0.5, estimate.Results[1].Confidence, 1e-9)
	assert.InDelta(t, 0.7, estimate.ModelConfidence, 1e-9)
}

func TestLogProbUnalignedFallsBackToMean(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	// Three digit tokens for two facets: alignment fails, every facet
	// gets the geometric mean.
	outputs := []ports.GenerationOutput{{
		Tokens: []ports.TokenLogProb{
			{Token: "4", LogProb: math.Log(0.8)},
			{Token: "2", LogProb: math.Log(0.8)},
			{Token: "5", LogProb: math.Log(0.8)},
		},
	}}
	samples := [][]domain.FacetResult{sampleWith(4, 2)}

	estimate := e.Estimate(samples, outputs)
	assert.InDelta(t, 0.8, estimate.Results[0].Confidence, 1e-9)
	assert.InDelta(t, estimate.Results[0].Confidence, estimate.Results[1].Confidence, 1e-9)
}

func TestLogProbWithoutTokensUsesLengthHeuristic(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	outputs := []ports.GenerationOutput{{Text: "short", TokensUsed: 20}}
	samples := [][]domain.FacetResult{sampleWith(3)}

	estimate := e.Estimate(samples, outputs)
	// 20 tokens gives uncertainty 20/(20+20) = 0.5.
	assert.InDelta(t, 0.5, estimate.Uncertainty, 1e-9)
	assert.InDelta(t, 0.5, estimate.Results[0].Confidence, 1e-9)
}

func TestLogProbConsistencyFromScoreAgreement(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	uniform := e.Estimate([][]domain.FacetResult{sampleWith(3, 3, 3)}, nil)
	assert.Equal(t, 1.0, uniform.Consistency)

	spread := e.Estimate([][]domain.FacetResult{sampleWith(1, 5)}, nil)
	assert.Less(t, spread.Consistency, uniform.Consistency)
}

func TestEstimateEmpty(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	estimate := e.Estimate(nil, nil)
	assert.Empty(t, estimate.Results)
	assert.Equal(t, 1.0, estimate.Uncertainty)
}
