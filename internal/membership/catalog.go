package membership

import (
	"context"
	"fmt"
	"strings"
)

// Category is one entry of a tenant's membership category catalog.
type Category struct {
	Name         string `json:"name" bson:"name" mapstructure:"name"`
	Abbreviation string `json:"abbreviation" bson:"abbreviation" mapstructure:"abbreviation"`
	State        string `json:"state" bson:"state" mapstructure:"state"`
}

// Catalog is a validated, read-only snapshot of a tenant's categories.
type Catalog struct {
	tenantID string
	entries  []Category
	byName   map[string]int
}

// CatalogSource loads the catalog snapshot of a tenant.
type CatalogSource interface {
	Catalog(ctx context.Context, tenantID string) (*Catalog, error)
}

// NewCatalog validates entries and builds a snapshot. Order is preserved.
func NewCatalog(tenantID string, entries []Category) (*Catalog, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidCatalog)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: tenant %s has no categories", ErrInvalidCatalog, tenantID)
	}
	c := &Catalog{
		tenantID: tenantID,
		entries:  make([]Category, 0, len(entries)),
		byName:   make(map[string]int, len(entries)),
	}
	for i, e := range entries {
		e.Name = strings.TrimSpace(e.Name)
		e.Abbreviation = strings.TrimSpace(e.Abbreviation)
		e.State = strings.TrimSpace(e.State)
		switch {
		case e.Name == "":
			return nil, fmt.Errorf("%w: entry %d has no name", ErrInvalidCatalog, i)
		case e.Abbreviation == "":
			return nil, fmt.Errorf("%w: category %q has no abbreviation", ErrInvalidCatalog, e.Name)
		case e.State == "":
			return nil, fmt.Errorf("%w: category %q has no state", ErrInvalidCatalog, e.Name)
		case strings.ContainsAny(e.Abbreviation, ":;/"):
			return nil, fmt.Errorf("%w: abbreviation %q clashes with log separators", ErrInvalidCatalog, e.Abbreviation)
		case e.Abbreviation == ExitAbbreviation:
			return nil, fmt.Errorf("%w: abbreviation %q is reserved", ErrInvalidCatalog, e.Abbreviation)
		}
		if _, dup := c.byName[e.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate category %q", ErrInvalidCatalog, e.Name)
		}
		c.byName[e.Name] = len(c.entries)
		c.entries = append(c.entries, e)
	}
	return c, nil
}

func (c *Catalog) TenantID() string { return c.tenantID }

// Entries returns a copy of the categories in catalog order.
func (c *Catalog) Entries() []Category {
	out := make([]Category, len(c.entries))
	copy(out, c.entries)
	return out
}

// Lookup resolves a category code. Unknown codes are an error, never a default.
func (c *Catalog) Lookup(code string) (Category, error) {
	if c == nil {
		return Category{}, ErrUnknownCategory
	}
	idx, ok := c.byName[strings.TrimSpace(code)]
	if !ok {
		return Category{}, fmt.Errorf("%w: %q", ErrUnknownCategory, code)
	}
	return c.entries[idx], nil
}
