package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/convoscore/go-facet/internal/domain"
)

// unitResponse is the expected JSON structure of a unit's model output.
type unitResponse struct {
	Results []unitResultRow `json:"results"`
}

type unitResultRow struct {
	Facet     string `json:"facet"`
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning"`
}

// Parse extracts the facet results from a unit's raw model output.
// Every facet in the unit must appear exactly once with an in-range score
// and non-empty reasoning; results come back in unit facet order regardless
// of the order the model emitted them. Any violation returns a
// domain.ParseError so the engine can retry once with the strict
// instruction before degrading.
func Parse(output string, facets []domain.Facet) ([]domain.FacetResult, error) {
	jsonStr := extractJSON(output)
	if jsonStr == "" {
		return nil, &domain.ParseError{Reason: "no JSON object in model output"}
	}

	var resp unitResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		return nil, &domain.ParseError{Reason: "malformed JSON", Err: err}
	}
	if len(resp.Results) != len(facets) {
		return nil, &domain.ParseError{
			Reason: fmt.Sprintf("expected %d results, got %d", len(facets), len(resp.Results)),
		}
	}

	byName := make(map[string]unitResultRow, len(resp.Results))
	for _, row := range resp.Results {
		name := strings.TrimSpace(row.Facet)
		if _, dup := byName[name]; dup {
			return nil, &domain.ParseError{Reason: fmt.Sprintf("facet %q scored twice", name)}
		}
		byName[name] = row
	}

	results := make([]domain.FacetResult, 0, len(facets))
	for _, facet := range facets {
		row, ok := byName[facet.Name]
		if !ok {
			return nil, &domain.ParseError{Reason: fmt.Sprintf("facet %q missing from output", facet.Name)}
		}
		if row.Score < domain.MinScore || row.Score > domain.MaxScore {
			return nil, &domain.ParseError{
				Reason: fmt.Sprintf("facet %q score %d outside [%d, %d]",
					facet.Name, row.Score, domain.MinScore, domain.MaxScore),
			}
		}
		reasoning := strings.TrimSpace(row.Reasoning)
		if reasoning == "" {
			return nil, &domain.ParseError{Reason: fmt.Sprintf("facet %q has empty reasoning", facet.Name)}
		}
		results = append(results, domain.FacetResult{
			Score:     row.Score,
			Reasoning: reasoning,
		})
	}

	return results, nil
}

// extractJSON pulls the first complete JSON object out of model output that
// may wrap it in markdown fences or surrounding prose. Brace matching skips
// braces inside strings and escape sequences.
func extractJSON(output string) string {
	output = strings.TrimSpace(output)

	if idx := strings.Index(output, "```json"); idx != -1 {
		rest := output[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end != -1 {
			return strings.TrimSpace(rest[:end])
		}
	}
	if idx := strings.Index(output, "```"); idx != -1 {
		rest := output[idx+3:]
		if nl := strings.Index(rest, "\n"); nl != -1 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end != -1 {
			candidate := strings.TrimSpace(rest[:end])
			if strings.HasPrefix(candidate, "{") {
				return candidate
			}
		}
	}

	start := strings.Index(output, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(output); i++ {
		ch := output[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			escaped = true
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return output[start : i+1]
				}
			}
		}
	}
	return ""
}
