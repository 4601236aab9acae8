package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnknownFacetErrorListsEveryMiss(t *testing.T) {
	err := &UnknownFacetError{Names: []string{"unknown_xyz", "typo_facet"}}
	assert.Contains(t, err.Error(), "unknown_xyz")
	assert.Contains(t, err.Error(), "typo_facet")
}

func TestCatalogLoadErrorWrapsCause(t *testing.T) {
	cause := fmt.Errorf("missing facet_name")
	err := &CatalogLoadError{Path: "facets.csv", Line: 7, Err: cause}

	assert.Contains(t, err.Error(), "facets.csv")
	assert.Contains(t, err.Error(), "7")
	assert.ErrorIs(t, err, cause)
}

func TestModelTooLargeError(t *testing.T) {
	err := &ModelTooLargeError{ModelID: "llama-70b", ParamsB: 70, CeilingB: 16}
	assert.Contains(t, err.Error(), "llama-70b")

	var target *ModelTooLargeError
	assert.True(t, errors.As(error(err), &target))
}

func TestParseErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("unexpected end of JSON input")
	err := &ParseError{Reason: "truncated output", Err: cause}
	assert.Contains(t, err.Error(), "truncated output")
	assert.ErrorIs(t, err, cause)
}
