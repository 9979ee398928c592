// Package catalog provides category catalog sources: a static in-process set
// loaded from a file, and a redis read-through cache over any source.
package catalog

import (
	"context"
	"fmt"
	"sort"

	"clubkit.org/internal/membership"
)

// Static serves catalogs held in memory, keyed by tenant.
type Static map[string]*membership.Catalog

var _ membership.CatalogSource = Static(nil)

// NewStatic indexes cats by tenant. A tenant may appear only once.
func NewStatic(cats ...*membership.Catalog) (Static, error) {
	s := make(Static, len(cats))
	for _, c := range cats {
		if _, dup := s[c.TenantID()]; dup {
			return nil, fmt.Errorf("%w: duplicate catalog for tenant %s", membership.ErrInvalidCatalog, c.TenantID())
		}
		s[c.TenantID()] = c
	}
	return s, nil
}

func (s Static) Catalog(_ context.Context, tenantID string) (*membership.Catalog, error) {
	c, ok := s[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: no catalog for tenant %s", membership.ErrInvalidCatalog, tenantID)
	}
	return c, nil
}

// Tenants lists the tenants with a catalog in sorted order.
func (s Static) Tenants() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
