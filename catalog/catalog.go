package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"checkout-svc/models"

	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("pack not found")

//go:embed packs.yaml
var defaultPacks []byte

// Catalog is the single source of truth mapping pack ids to their
// stored objects. It is immutable after construction.
type Catalog struct {
	products map[string]models.Product
}

type catalogFile struct {
	Packs []models.Product `yaml:"packs"`
}

func New(products []models.Product) (*Catalog, error) {
	c := &Catalog{products: make(map[string]models.Product, len(products))}
	for _, p := range products {
		p.ID = strings.TrimSpace(p.ID)
		switch {
		case p.ID == "":
			return nil, errors.New("pack with empty id")
		case p.ObjectKey == "":
			return nil, fmt.Errorf("pack %q has no object key", p.ID)
		case p.MinimumPrice < 0:
			return nil, fmt.Errorf("pack %q has a negative minimum price", p.ID)
		}
		if _, dup := c.products[p.ID]; dup {
			return nil, fmt.Errorf("duplicate pack id %q", p.ID)
		}
		if p.Title == "" {
			p.Title = p.ID
		}
		c.products[p.ID] = p
	}
	return c, nil
}

// Parse builds a catalog from YAML.
func Parse(raw []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(f.Packs)
}

// Load reads the catalog at path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Parse(defaultPacks)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return Parse(raw)
}

func (c *Catalog) Lookup(id string) (models.Product, error) {
	p, ok := c.products[id]
	if !ok {
		return models.Product{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// Summaries lists every pack ordered by id.
func (c *Catalog) Summaries() []models.PackSummary {
	out := make([]models.PackSummary, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, models.PackSummary{
			ID:           p.ID,
			Title:        p.Title,
			MinimumPrice: p.MinimumPrice,
			Free:         p.IsFree(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
