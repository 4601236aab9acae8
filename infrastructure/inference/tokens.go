package inference

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TokenEstimator approximates token counts before a request is sent.
// The prompt builder uses estimates to pack facets into a model's context
// budget; exact counts only exist after generation.
type TokenEstimator interface {
	// EstimateTokens returns an approximate token count for the text.
	EstimateTokens(text string) int
}

// WordTokenEstimator estimates tokens from the word count.
// English prose runs around 0.75 tokens per word on common tokenizers.
type WordTokenEstimator struct{ TokensPerWord float64 }

// NewWordTokenEstimator creates a word-based estimator. Non-positive ratios
// fall back to 0.75.
func NewWordTokenEstimator(tokensPerWord float64) *WordTokenEstimator {
	if tokensPerWord <= 0 {
		tokensPerWord = 0.75
	}
	return &WordTokenEstimator{TokensPerWord: tokensPerWord}
}

// EstimateTokens splits on whitespace and applies the configured ratio.
func (e *WordTokenEstimator) EstimateTokens(text string) int {
	return int(float64(len(strings.Fields(text))) * e.TokensPerWord)
}

// CharTokenEstimator estimates tokens from the character count, roughly
// 4 characters per token for English text.
type CharTokenEstimator struct{ charsPerToken float64 }

// NewCharTokenEstimator creates a character-based estimator. Non-positive
// ratios fall back to 4.0.
func NewCharTokenEstimator(charsPerToken float64) *CharTokenEstimator {
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	return &CharTokenEstimator{charsPerToken: charsPerToken}
}

// EstimateTokens divides the character count by the configured ratio.
func (e *CharTokenEstimator) EstimateTokens(text string) int {
	return int(float64(len(text)) / e.charsPerToken)
}

// CachingTokenEstimator memoizes another estimator behind an LRU cache.
// Facet descriptions are estimated once per evaluation each; with catalogs
// in the thousands the repeat rate is high enough to be worth caching.
type CachingTokenEstimator struct {
	next  TokenEstimator
	cache *lru.Cache[string, int]
}

// NewCachingTokenEstimator wraps next with an LRU cache of the given size.
func NewCachingTokenEstimator(next TokenEstimator, size int) (*CachingTokenEstimator, error) {
	cache, err := lru.New[string, int](size)
	if err != nil {
		return nil, err
	}
	return &CachingTokenEstimator{next: next, cache: cache}, nil
}

// EstimateTokens returns the cached count when available.
func (e *CachingTokenEstimator) EstimateTokens(text string) int {
	if count, ok := e.cache.Get(text); ok {
		return count
	}
	count := e.next.EstimateTokens(text)
	e.cache.Add(text, count)
	return count
}
