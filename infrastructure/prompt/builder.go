// Package prompt turns conversations and facet definitions into batched
// model prompts and parses the structured output back into facet results.
//
// Facets are packed greedily into prompt units by estimated token count so
// the per-call fixed cost of inference amortizes across facets. Each unit
// asks for a single JSON object scoring every facet in the unit, in order,
// which keeps parsing deterministic as catalogs grow from hundreds to
// thousands of facets.
package prompt

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/convoscore/go-facet/internal/domain"
	"github.com/convoscore/go-facet/infrastructure/inference"
)

// Builder configuration defaults.
const (
	// DefaultMaxFacetsPerUnit caps how many facets share one generation
	// call regardless of token headroom. Output parsing reliability
	// degrades when models juggle too many criteria at once.
	DefaultMaxFacetsPerUnit = 10

	// DefaultOutputTokensPerFacet reserves completion budget for one
	// facet's score and rationale.
	DefaultOutputTokensPerFacet = 60

	// DefaultOverheadTokens covers the prompt scaffolding around the
	// conversation and facet list.
	DefaultOverheadTokens = 120
)

// promptTemplate is the fixed scoring prompt. Facet order in the rendered
// criteria list matches unit order, and the model is told to preserve it.
var promptTemplate = template.Must(template.New("scoring").Parse(
	`You are an expert conversation analyst. Evaluate the conversation below against each listed criterion, scoring on an integer scale from 1 (very poor) to 5 (excellent).
{{if .Context}}
Context: {{.Context}}
{{end}}
Conversation:
"""
{{.Conversation}}
"""

Criteria:
{{range .Facets}}- {{.Name}}: {{if .Description}}{{.Description}}{{else}}overall quality of {{.Name}}{{end}}
{{end}}
Respond with one JSON object in exactly this format, listing every criterion once, in the order given:
{"results": [{"facet": "<criterion name>", "score": <integer 1-5>, "reasoning": "<one or two sentences>"}]}`))

// StrictSuffix is appended to a unit's prompt on the single retry after a
// parse failure.
const StrictSuffix = "\n\nIMPORTANT: Respond with ONLY the JSON object." +
	" No markdown fences, no text before or after the JSON." +
	" Every criterion must appear exactly once, in the order given," +
	" with an integer score from 1 to 5 and a non-empty reasoning string."

// PromptUnit is one inference call's worth of facets packed together.
type PromptUnit struct {
	// Facets are the unit's facets in request order.
	Facets []domain.Facet

	// Prompt is the rendered prompt text.
	Prompt string

	// EstimatedTokens is the builder's token estimate for the prompt.
	EstimatedTokens int
}

// StrictPrompt returns the prompt with the strict formatting instruction
// appended, used on the retry after a ParseError.
func (u PromptUnit) StrictPrompt() string { return u.Prompt + StrictSuffix }

// Config tunes how facets pack into units.
type Config struct {
	// MaxFacetsPerUnit caps facets per generation call.
	MaxFacetsPerUnit int `yaml:"max_facets_per_unit" validate:"omitempty,min=1,max=50"`

	// OutputTokensPerFacet reserves completion budget per facet.
	OutputTokensPerFacet int `yaml:"output_tokens_per_facet" validate:"omitempty,min=16,max=512"`

	// OverheadTokens accounts for prompt scaffolding.
	OverheadTokens int `yaml:"overhead_tokens" validate:"omitempty,min=0,max=2048"`
}

func (c Config) withDefaults() Config {
	if c.MaxFacetsPerUnit <= 0 {
		c.MaxFacetsPerUnit = DefaultMaxFacetsPerUnit
	}
	if c.OutputTokensPerFacet <= 0 {
		c.OutputTokensPerFacet = DefaultOutputTokensPerFacet
	}
	if c.OverheadTokens <= 0 {
		c.OverheadTokens = DefaultOverheadTokens
	}
	return c
}

// Builder packs facets into prompt units against a model's context budget.
// Stateless after construction and safe for concurrent use.
type Builder struct {
	cfg       Config
	estimator inference.TokenEstimator
}

// NewBuilder creates a Builder using the given token estimator.
func NewBuilder(cfg Config, estimator inference.TokenEstimator) (*Builder, error) {
	if estimator == nil {
		return nil, fmt.Errorf("token estimator is required")
	}
	return &Builder{cfg: cfg.withDefaults(), estimator: estimator}, nil
}

// Build packs the facets into prompt units, greedily by estimated token
// count, preserving facet order within and across units. contextWindow is
// the target model's context length; the completion reservation grows with
// the number of facets in a unit.
//
// Every unit holds at least one facet, so packing always makes progress
// even when a single facet's description outweighs the budget; the runtime
// truncates in that degenerate case rather than the builder dropping the
// facet.
func (b *Builder) Build(
	conversation, contextText string,
	facets []domain.Facet,
	contextWindow int,
) ([]PromptUnit, error) {
	if len(facets) == 0 {
		return nil, fmt.Errorf("at least one facet is required")
	}
	if contextWindow <= 0 {
		return nil, fmt.Errorf("context window must be positive, got %d", contextWindow)
	}

	baseTokens := b.cfg.OverheadTokens +
		b.estimator.EstimateTokens(conversation) +
		b.estimator.EstimateTokens(contextText)

	var units []PromptUnit
	var current []domain.Facet
	currentTokens := 0

	flush := func() error {
		if len(current) == 0 {
			return nil
		}
		unit, err := b.render(conversation, contextText, current)
		if err != nil {
			return err
		}
		units = append(units, unit)
		current = nil
		currentTokens = 0
		return nil
	}

	for _, facet := range facets {
		facetTokens := b.facetTokens(facet)
		next := len(current) + 1
		projected := baseTokens + currentTokens + facetTokens + next*b.cfg.OutputTokensPerFacet

		if len(current) > 0 && (projected > contextWindow || next > b.cfg.MaxFacetsPerUnit) {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		current = append(current, facet)
		currentTokens += facetTokens
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return units, nil
}

func (b *Builder) facetTokens(facet domain.Facet) int {
	return b.estimator.EstimateTokens(facet.Name) +
		b.estimator.EstimateTokens(facet.Description) + 4
}

func (b *Builder) render(conversation, contextText string, facets []domain.Facet) (PromptUnit, error) {
	var buf bytes.Buffer
	data := struct {
		Conversation string
		Context      string
		Facets       []domain.Facet
	}{
		Conversation: conversation,
		Context:      contextText,
		Facets:       facets,
	}
	if err := promptTemplate.Execute(&buf, data); err != nil {
		return PromptUnit{}, fmt.Errorf("rendering prompt: %w", err)
	}

	unitFacets := make([]domain.Facet, len(facets))
	copy(unitFacets, facets)

	text := buf.String()
	return PromptUnit{
		Facets:          unitFacets,
		Prompt:          text,
		EstimatedTokens: b.estimator.EstimateTokens(text),
	}, nil
}
