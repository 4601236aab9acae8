package domain

import (
	"fmt"
	"strings"
)

// UnknownFacetError reports every requested facet name that failed to
// resolve in the catalog, not just the first, so a caller can fix the whole
// request in one round trip.
type UnknownFacetError struct {
	// Names lists the unrecognized facet names in request order.
	Names []string
}

// Error implements the error interface.
func (e *UnknownFacetError) Error() string {
	return fmt.Sprintf("unknown facets: [%s]", strings.Join(e.Names, ", "))
}

// CatalogLoadError indicates the facet definition source could not be
// loaded. A malformed row fails the whole load; serving a partial catalog
// is a correctness hazard for scoring.
type CatalogLoadError struct {
	// Path is the definition source that failed.
	Path string

	// Line is the 1-based offending row, or 0 when the failure is not
	// tied to a specific row.
	Line int

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *CatalogLoadError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("catalog load failed: %s line %d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("catalog load failed: %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *CatalogLoadError) Unwrap() error { return e.Err }

// ModelTooLargeError indicates a model exceeds the configured effective
// parameter ceiling. The deployment target has fixed memory, so the bound
// is enforced at load time regardless of quantization.
type ModelTooLargeError struct {
	// ModelID is the rejected model.
	ModelID string

	// ParamsB is the model's effective parameter count in billions.
	ParamsB float64

	// CeilingB is the configured ceiling in billions.
	CeilingB float64
}

// Error implements the error interface.
func (e *ModelTooLargeError) Error() string {
	return fmt.Sprintf("model %s has %.1fB parameters, exceeding the %.1fB ceiling",
		e.ModelID, e.ParamsB, e.CeilingB)
}

// ModelLoadError indicates a model could not be loaded for a reason other
// than the parameter ceiling: unknown ID, unreachable runtime, or bad
// configuration. Fatal to the request, never retried automatically.
type ModelLoadError struct {
	// ModelID is the model that failed to load.
	ModelID string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("model %s failed to load: %v", e.ModelID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ModelLoadError) Unwrap() error { return e.Err }

// ParseError indicates a model produced output that does not conform to the
// expected structured schema. The engine retries the unit once with a
// stricter instruction before degrading to the deterministic fallback.
type ParseError struct {
	// Reason describes what was malformed.
	Reason string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("output parse failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("output parse failed: %s", e.Reason)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error { return e.Err }
