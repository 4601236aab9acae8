// Package catalog implements the facet catalog: facet definitions loaded
// from a tabular CSV source at startup, read-only afterwards, replaceable
// atomically on reload.
package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/convoscore/go-facet/internal/domain"
	"github.com/convoscore/go-facet/internal/ports"
)

var _ ports.FacetCatalog = (*Catalog)(nil)

// Required columns of the facet definition file.
const (
	columnName        = "facet_name"
	columnCategory    = "category"
	columnDescription = "description"
)

// snapshot is one immutable generation of the catalog. Reads always see a
// complete generation; Reload swaps the pointer in a single atomic store.
type snapshot struct {
	facets []domain.Facet
	byName map[string]domain.Facet
}

// Catalog holds facet definitions loaded from a CSV file with columns
// facet_name, category, description. A malformed row fails the whole load;
// partial catalogs are a correctness hazard for scoring.
type Catalog struct {
	path    string
	current atomic.Pointer[snapshot]
}

// NewFromFile loads the catalog from path. Returns domain.CatalogLoadError
// when the file is missing, the header is wrong, or any row is malformed.
func NewFromFile(path string) (*Catalog, error) {
	snap, err := loadSnapshot(path)
	if err != nil {
		return nil, err
	}
	c := &Catalog{path: path}
	c.current.Store(snap)
	return c, nil
}

// Reload re-reads the definition file and swaps the catalog atomically.
// A failed reload returns the error and leaves the previous generation
// serving.
func (c *Catalog) Reload() error {
	snap, err := loadSnapshot(c.path)
	if err != nil {
		return err
	}
	c.current.Store(snap)
	return nil
}

// Resolve maps the requested names to facet definitions, preserving request
// order. Every unrecognized name is collected so the caller can report all
// errors at once.
func (c *Catalog) Resolve(names []string) ([]domain.Facet, error) {
	snap := c.current.Load()

	facets := make([]domain.Facet, 0, len(names))
	var unknown []string
	for _, name := range names {
		facet, ok := snap.byName[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		facets = append(facets, facet)
	}
	if len(unknown) > 0 {
		return nil, &domain.UnknownFacetError{Names: unknown}
	}
	return facets, nil
}

// All returns every facet in file order.
func (c *Catalog) All() []domain.Facet {
	snap := c.current.Load()
	out := make([]domain.Facet, len(snap.facets))
	copy(out, snap.facets)
	return out
}

// ByCategory groups facets by category name, preserving file order within
// each group.
func (c *Catalog) ByCategory() map[string][]domain.Facet {
	snap := c.current.Load()
	grouped := make(map[string][]domain.Facet)
	for _, facet := range snap.facets {
		key := facet.Category.String()
		grouped[key] = append(grouped[key], facet)
	}
	return grouped
}

// Len returns the number of facets in the current generation.
func (c *Catalog) Len() int { return len(c.current.Load().facets) }

func loadSnapshot(path string) (*snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &domain.CatalogLoadError{Path: path, Err: err}
	}
	defer f.Close()

	snap, err := parseDefinitions(f, path)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// parseDefinitions reads the CSV and validates every row. The header may
// order columns freely but must include facet_name and category;
// description is optional per row but the column must exist.
func parseDefinitions(r io.Reader, path string) (*snapshot, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, &domain.CatalogLoadError{Path: path, Err: fmt.Errorf("reading header: %w", err)}
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{columnName, columnCategory, columnDescription} {
		if _, ok := cols[required]; !ok {
			return nil, &domain.CatalogLoadError{
				Path: path,
				Err:  fmt.Errorf("missing required column %q", required),
			}
		}
	}

	snap := &snapshot{byName: make(map[string]domain.Facet)}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, &domain.CatalogLoadError{Path: path, Line: line, Err: err}
		}

		name := strings.TrimSpace(record[cols[columnName]])
		if name == "" {
			return nil, &domain.CatalogLoadError{
				Path: path, Line: line,
				Err: fmt.Errorf("missing facet_name"),
			}
		}

		category, err := domain.ParseFacetCategory(record[cols[columnCategory]])
		if err != nil {
			return nil, &domain.CatalogLoadError{
				Path: path, Line: line,
				Err: fmt.Errorf("facet %q: %w", name, err),
			}
		}

		facet := domain.Facet{
			Name:        name,
			Category:    category,
			Description: strings.TrimSpace(record[cols[columnDescription]]),
		}
		if _, dup := snap.byName[name]; dup {
			return nil, &domain.CatalogLoadError{
				Path: path, Line: line,
				Err: fmt.Errorf("duplicate facet %q", name),
			}
		}

		snap.facets = append(snap.facets, facet)
		snap.byName[name] = facet
	}

	if len(snap.facets) == 0 {
		return nil, &domain.CatalogLoadError{Path: path, Err: fmt.Errorf("no facet definitions found")}
	}
	return snap, nil
}
