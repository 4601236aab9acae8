// Package domain contains pure, dependency-free domain models and types
// for the facet evaluation engine.
package domain

import (
	"fmt"
	"strings"
)

// categoryKind discriminates the closed set of built-in facet categories
// from the open custom extension.
type categoryKind int

const (
	kindLinguisticQuality categoryKind = iota + 1
	kindPragmatics
	kindSafety
	kindEmotion
	kindCustom
)

// FacetCategory is a tagged category value. The four built-in categories are
// a closed set; anything else is represented as a Custom category carrying
// the original free-form string, preserving extensibility without giving up
// type safety.
type FacetCategory struct {
	kind   categoryKind
	custom string
}

// Built-in facet categories.
var (
	CategoryLinguisticQuality = FacetCategory{kind: kindLinguisticQuality}
	CategoryPragmatics        = FacetCategory{kind: kindPragmatics}
	CategorySafety            = FacetCategory{kind: kindSafety}
	CategoryEmotion           = FacetCategory{kind: kindEmotion}
)

// CustomCategory creates a category outside the built-in set.
// The name is stored verbatim and compared case-sensitively.
func CustomCategory(name string) FacetCategory {
	return FacetCategory{kind: kindCustom, custom: name}
}

// ParseFacetCategory maps a raw category string to a FacetCategory.
// Known names (case-insensitive, hyphen/underscore tolerant) map to the
// built-in categories; any other non-empty string becomes a Custom category.
// An empty string is an error because every facet must be categorized.
func ParseFacetCategory(raw string) (FacetCategory, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return FacetCategory{}, fmt.Errorf("facet category cannot be empty")
	}

	switch strings.ReplaceAll(strings.ToLower(trimmed), "-", "_") {
	case "linguistic_quality":
		return CategoryLinguisticQuality, nil
	case "pragmatics":
		return CategoryPragmatics, nil
	case "safety":
		return CategorySafety, nil
	case "emotion":
		return CategoryEmotion, nil
	default:
		return CustomCategory(trimmed), nil
	}
}

// IsBuiltin reports whether the category is one of the four built-ins.
func (c FacetCategory) IsBuiltin() bool {
	return c.kind >= kindLinguisticQuality && c.kind <= kindEmotion
}

// IsZero reports whether the category was never set.
func (c FacetCategory) IsZero() bool { return c.kind == 0 }

// String returns the canonical name for built-in categories or the original
// string for custom ones.
func (c FacetCategory) String() string {
	switch c.kind {
	case kindLinguisticQuality:
		return "linguistic_quality"
	case kindPragmatics:
		return "pragmatics"
	case kindSafety:
		return "safety"
	case kindEmotion:
		return "emotion"
	case kindCustom:
		return c.custom
	default:
		return ""
	}
}

// MarshalText implements encoding.TextMarshaler so categories serialize
// as their canonical names in JSON and YAML.
func (c FacetCategory) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *FacetCategory) UnmarshalText(text []byte) error {
	parsed, err := ParseFacetCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Facet is a named evaluation criterion. Facets are opaque to the engine:
// their semantic meaning lives entirely in the description, which is passed
// to the model verbatim. Facets are immutable once loaded into a catalog.
type Facet struct {
	// Name uniquely identifies the facet within a catalog.
	Name string `json:"name"`

	// Category groups related facets for discovery and reporting.
	Category FacetCategory `json:"category"`

	// Description tells the model what to judge. May be empty, in which
	// case the prompt falls back to the facet name alone.
	Description string `json:"description"`
}

// Validate checks the structural invariants of a facet definition.
func (f Facet) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("facet name cannot be empty")
	}
	if f.Category.IsZero() {
		return fmt.Errorf("facet %q has no category", f.Name)
	}
	return nil
}
