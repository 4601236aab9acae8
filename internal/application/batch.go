package application

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/convoscore/go-facet/internal/domain"
)

// EvaluateBatch scores multiple conversations with per-item failure
// isolation: one conversation's failure marks its slot and never aborts
// the others. The returned items align with the request order and always
// have one slot per request; the summary's average confidence counts only
// the items that succeeded.
func (e *Engine) EvaluateBatch(
	ctx context.Context,
	requests []domain.EvaluationRequest,
) (*domain.BatchEvaluationResult, []domain.BatchItem, error) {
	if len(requests) == 0 {
		return nil, nil, fmt.Errorf("batch cannot be empty")
	}
	start := time.Now()

	items := make([]domain.BatchItem, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.batchConcurrency)
	for i, req := range requests {
		g.Go(func() error {
			result, err := e.Evaluate(gctx, req)
			if err != nil {
				items[i] = domain.BatchItem{Index: i, Failed: true, Error: err.Error()}
				e.logger.Warn("batch item failed",
					zap.Int("index", i), zap.Error(err))
				return nil
			}
			items[i] = domain.BatchItem{Index: i, Result: result}
			return nil
		})
	}
	// Item errors never propagate, so Wait only fails on context
	// cancellation of the whole batch.
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	summary := summarizeBatch(requests, items, start)

	if e.store != nil {
		if err := e.store.SaveBatch(ctx, summary); err != nil {
			e.logger.Warn("batch persistence failed",
				zap.String("batch_id", summary.BatchID), zap.Error(err))
		}
	}

	succeeded := 0
	for _, item := range items {
		if !item.Failed {
			succeeded++
		}
	}
	e.logger.Info("batch complete",
		zap.String("batch_id", summary.BatchID),
		zap.Int("conversations", len(requests)),
		zap.Int("succeeded", succeeded),
		zap.Duration("total_processing_time", summary.TotalProcessingTime),
	)
	return summary, items, nil
}

// summarizeBatch derives the batch summary: the succeeded-only confidence
// average and the union of requested facets ordered by first appearance.
func summarizeBatch(
	requests []domain.EvaluationRequest,
	items []domain.BatchItem,
	start time.Time,
) *domain.BatchEvaluationResult {
	var confidenceSum float64
	succeeded := 0
	for _, item := range items {
		if !item.Failed {
			confidenceSum += item.Result.Confidence.OverallConfidence
			succeeded++
		}
	}
	var average float64
	if succeeded > 0 {
		average = confidenceSum / float64(succeeded)
	}

	seen := make(map[string]struct{})
	var facets []string
	for _, req := range requests {
		for _, name := range req.Facets {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			facets = append(facets, name)
		}
	}

	return &domain.BatchEvaluationResult{
		BatchID:                uuid.NewString(),
		ConversationsProcessed: len(items),
		TotalProcessingTime:    time.Since(start),
		AverageConfidence:      average,
		FacetsEvaluated:        facets,
		CreatedAt:              time.Now().UTC(),
	}
}
