package domain

import (
	"fmt"
	"time"
)

// Score bounds for the fixed five-point evaluation scale.
const (
	MinScore = 1
	MaxScore = 5
)

// DegradedReasoningMarker is the fixed substring present in the reasoning of
// every degraded fallback result. Callers can test for it to distinguish
// genuine model output from the deterministic fallback.
const DegradedReasoningMarker = "unparseable model output"

// EvaluationRequest describes a single conversation to score.
// Requests are transient and created per call.
type EvaluationRequest struct {
	// Conversation is the text being evaluated. Required.
	Conversation string `json:"conversation"`

	// Context optionally carries surrounding dialogue or task framing.
	Context string `json:"context,omitempty"`

	// Facets lists the requested facet names in evaluation order.
	// Must be non-empty and every name must resolve in the catalog.
	Facets []string `json:"facets"`

	// Model optionally selects a specific model; empty uses the
	// configured default.
	Model string `json:"model,omitempty"`
}

// Validate checks the structural invariants of a request. Facet resolution
// against the catalog happens separately so all unknown names can be
// reported together.
func (r EvaluationRequest) Validate() error {
	if r.Conversation == "" {
		return fmt.Errorf("conversation cannot be empty")
	}
	if len(r.Facets) == 0 {
		return fmt.Errorf("at least one facet is required")
	}
	seen := make(map[string]struct{}, len(r.Facets))
	for _, name := range r.Facets {
		if name == "" {
			return fmt.Errorf("facet names cannot be empty")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate facet %q in request", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// FacetResult is the scored outcome for a single facet.
type FacetResult struct {
	// Score is an integer on the closed 1-5 scale.
	Score int `json:"score"`

	// Confidence is the per-facet confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// Reasoning explains the score. Non-empty whenever an inference
	// call returned successfully; contains DegradedReasoningMarker for
	// fallback results.
	Reasoning string `json:"reasoning"`
}

// Validate enforces the score and confidence invariants.
func (r FacetResult) Validate() error {
	if r.Score < MinScore || r.Score > MaxScore {
		return fmt.Errorf("score %d outside [%d, %d]", r.Score, MinScore, MaxScore)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %.3f outside [0, 1]", r.Confidence)
	}
	return nil
}

// DegradedFacetResult returns the deterministic fallback used when a prompt
// unit's output could not be parsed, timed out, or otherwise failed locally.
// The detail is appended after the fixed marker for operator context.
func DegradedFacetResult(detail string) FacetResult {
	reasoning := DegradedReasoningMarker
	if detail != "" {
		reasoning = fmt.Sprintf("%s: %s", DegradedReasoningMarker, detail)
	}
	return FacetResult{Score: MinScore, Confidence: 0.0, Reasoning: reasoning}
}

// IsDegraded reports whether the result is the deterministic fallback.
func (r FacetResult) IsDegraded() bool {
	return len(r.Reasoning) >= len(DegradedReasoningMarker) &&
		r.Reasoning[:len(DegradedReasoningMarker)] == DegradedReasoningMarker
}

// ConfidenceMetrics is the aggregate confidence profile of an evaluation.
// All fields are in [0, 1]. Overall is a policy-defined weighted blend of
// ModelConfidence and ConsistencyScore, not an independent measurement.
type ConfidenceMetrics struct {
	// OverallConfidence is the blended, user-facing trust score.
	OverallConfidence float64 `json:"overall_confidence"`

	// ModelConfidence measures how certain the model itself was,
	// derived from log-probabilities or a heuristic fallback.
	ModelConfidence float64 `json:"model_confidence"`

	// ConsistencyScore measures agreement across repeated samples, or
	// across facets within a unit when sampling is disabled.
	ConsistencyScore float64 `json:"consistency_score"`

	// UncertaintyEstimate is 1 - ConsistencyScore under self-consistency,
	// otherwise an output-length heuristic.
	UncertaintyEstimate float64 `json:"uncertainty_estimate"`
}

// Validate enforces the unit-interval invariant on every field.
func (m ConfidenceMetrics) Validate() error {
	fields := map[string]float64{
		"overall_confidence":   m.OverallConfidence,
		"model_confidence":     m.ModelConfidence,
		"consistency_score":    m.ConsistencyScore,
		"uncertainty_estimate": m.UncertaintyEstimate,
	}
	for name, v := range fields {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s %.3f outside [0, 1]", name, v)
		}
	}
	return nil
}

// EvaluationResult is the completed outcome of a single evaluation.
// It is immutable after construction; ownership passes to the caller.
type EvaluationResult struct {
	// ID uniquely identifies this evaluation (UUID).
	ID string `json:"id"`

	// Conversation is the normalized conversation text that was scored.
	Conversation string `json:"conversation"`

	// FacetOrder preserves the request's facet ordering. Iterate this
	// slice rather than FacetScores when order matters.
	FacetOrder []string `json:"facet_order"`

	// FacetScores maps facet name to its result. Every requested facet
	// appears exactly once; degraded fallbacks count as present.
	FacetScores map[string]FacetResult `json:"facet_scores"`

	// Confidence is the aggregate confidence profile.
	Confidence ConfidenceMetrics `json:"confidence_metrics"`

	// ProcessingTime is the wall-clock duration of the evaluation.
	ProcessingTime time.Duration `json:"processing_time"`

	// ModelUsed identifies the model that produced the scores.
	ModelUsed string `json:"model_used"`

	// CreatedAt records when the result was assembled.
	CreatedAt time.Time `json:"created_at"`

	// StorageError is set when the persistence sink failed. The result
	// itself is still valid; storage is best-effort.
	StorageError string `json:"storage_error,omitempty"`
}

// OrderedResults returns the facet results in request order.
func (e *EvaluationResult) OrderedResults() []FacetResult {
	out := make([]FacetResult, 0, len(e.FacetOrder))
	for _, name := range e.FacetOrder {
		out = append(out, e.FacetScores[name])
	}
	return out
}

// BatchItem is one slot of a batch evaluation. Failed items carry the error
// text instead of a result so a single conversation's failure never aborts
// its siblings.
type BatchItem struct {
	// Index is the position of this item in the original request order.
	Index int `json:"index"`

	// Result is the completed evaluation, nil when Failed.
	Result *EvaluationResult `json:"result,omitempty"`

	// Failed marks an item whose evaluation errored entirely.
	Failed bool `json:"failed"`

	// Error holds the failure description when Failed.
	Error string `json:"error,omitempty"`
}

// BatchEvaluationResult summarizes a completed batch run.
// Derived once when the batch finishes and never mutated afterwards.
type BatchEvaluationResult struct {
	// BatchID uniquely identifies this batch (UUID).
	BatchID string `json:"batch_id"`

	// ConversationsProcessed counts every slot, including failures.
	ConversationsProcessed int `json:"conversations_processed"`

	// TotalProcessingTime is the wall-clock duration of the whole batch.
	TotalProcessingTime time.Duration `json:"total_processing_time"`

	// AverageConfidence is the mean overall confidence across items that
	// succeeded; failed items do not count toward it.
	AverageConfidence float64 `json:"average_confidence"`

	// FacetsEvaluated is the union of facet names requested across all
	// items, ordered by first appearance.
	FacetsEvaluated []string `json:"facets_evaluated"`

	// CreatedAt records when the batch finished.
	CreatedAt time.Time `json:"created_at"`
}
