package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoscore/go-facet/internal/domain"
)

const sampleDefinitions = `facet_name,category,description
grammar,linguistic_quality,Grammatical correctness of responses
coherence,pragmatics,Logical consistency across turns
empathy,emotion,Recognition of the speaker's emotional state
toxicity_avoidance,safety,Absence of harmful language
politeness,courtesy,Courteous phrasing and register
`

func writeCatalog(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "facets.csv")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestNewFromFile(t *testing.T) {
	cat, err := NewFromFile(writeCatalog(t, sampleDefinitions))
	require.NoError(t, err)
	assert.Equal(t, 5, cat.Len())

	all := cat.All()
	require.Len(t, all, 5)
	// Catalog order follows definition order.
	assert.Equal(t, "grammar", all[0].Name)
	assert.Equal(t, "politeness", all[4].Name)
	assert.Equal(t, domain.CustomCategory("courtesy"), all[4].Category)
}

func TestNewFromFileErrors(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		wantLine int
		wantMsg  string
	}{
		{
			name:     "missing required column",
			contents: "facet_name,description\ngrammar,correctness\n",
			wantMsg:  "category",
		},
		{
			name: "empty facet name",
			contents: "facet_name,category,description\n" +
				"grammar,linguistic_quality,ok\n" +
				",safety,missing name\n",
			wantLine: 3,
			wantMsg:  "facet_name",
		},
		{
			name: "invalid category",
			contents: "facet_name,category,description\n" +
				"grammar,,no category\n",
			wantLine: 2,
			wantMsg:  "category",
		},
		{
			name: "duplicate facet",
			contents: "facet_name,category,description\n" +
				"grammar,linguistic_quality,first\n" +
				"grammar,linguistic_quality,second\n",
			wantLine: 3,
			wantMsg:  "duplicate",
		},
		{
			name: "ragged row",
			contents: "facet_name,category,description\n" +
				"grammar,linguistic_quality\n",
			wantLine: 2,
			wantMsg:  "",
		},
		{
			name:     "no data rows",
			contents: "facet_name,category,description\n",
			wantMsg:  "no facet definitions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFromFile(writeCatalog(t, tt.contents))
			require.Error(t, err)

			var loadErr *domain.CatalogLoadError
			require.True(t, errors.As(err, &loadErr), "want CatalogLoadError, got %T", err)
			if tt.wantLine > 0 {
				assert.Equal(t, tt.wantLine, loadErr.Line)
			}
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestNewFromFileMissingFile(t *testing.T) {
	_, err := NewFromFile(filepath.Join(t.TempDir(), "nope.csv"))
	var loadErr *domain.CatalogLoadError
	require.True(t, errors.As(err, &loadErr))
}

func TestResolve(t *testing.T) {
	cat, err := NewFromFile(writeCatalog(t, sampleDefinitions))
	require.NoError(t, err)

	t.Run("preserves request order", func(t *testing.T) {
		facets, err := cat.Resolve([]string{"empathy", "grammar", "coherence"})
		require.NoError(t, err)
		require.Len(t, facets, 3)
		assert.Equal(t, "empathy", facets[0].Name)
		assert.Equal(t, "grammar", facets[1].Name)
		assert.Equal(t, "coherence", facets[2].Name)
	})

	t.Run("reports every unknown name", func(t *testing.T) {
		_, err := cat.Resolve([]string{"grammar", "unknown_xyz"})
		var unknown *domain.UnknownFacetError
		require.True(t, errors.As(err, &unknown))
		assert.Equal(t, []string{"unknown_xyz"}, unknown.Names)

		_, err = cat.Resolve([]string{"bogus_one", "grammar", "bogus_two"})
		require.True(t, errors.As(err, &unknown))
		assert.Equal(t, []string{"bogus_one", "bogus_two"}, unknown.Names)
	})
}

func TestByCategory(t *testing.T) {
	cat, err := NewFromFile(writeCatalog(t, sampleDefinitions))
	require.NoError(t, err)

	grouped := cat.ByCategory()
	assert.Len(t, grouped["linguistic_quality"], 1)
	assert.Len(t, grouped["safety"], 1)
	assert.Len(t, grouped["courtesy"], 1)
	assert.Len(t, grouped, 5)
}

func TestReload(t *testing.T) {
	path := writeCatalog(t, sampleDefinitions)
	cat, err := NewFromFile(path)
	require.NoError(t, err)

	t.Run("swaps in the new definitions", func(t *testing.T) {
		extended := sampleDefinitions + "fluency,linguistic_quality,Natural flow\n"
		require.NoError(t, os.WriteFile(path, []byte(extended), 0o644))

		require.NoError(t, cat.Reload())
		assert.Equal(t, 6, cat.Len())
		_, err := cat.Resolve([]string{"fluency"})
		assert.NoError(t, err)
	})

	t.Run("keeps serving the old catalog on failure", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("broken"), 0o644))

		err := cat.Reload()
		require.Error(t, err)
		assert.Equal(t, 6, cat.Len())
		_, err = cat.Resolve([]string{"grammar"})
		assert.NoError(t, err)
	})
}
