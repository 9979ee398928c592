package catalog

import (
	"context"
	"errors"
	"fmt"

	"clubkit.org/internal/membership"
)

// Saver persists a validated catalog, replacing the tenant's previous one.
type Saver interface {
	SaveCatalog(ctx context.Context, cat *membership.Catalog) error
}

// Invalidator drops a tenant's cached catalog.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID string) error
}

// Import saves every catalog of src into dst in tenant order and returns the tenants written.
// It stops at the first save error. Cache invalidation runs after each save when cache is
// non-nil; its failures are collected and returned once all saves are done.
func Import(ctx context.Context, src Static, dst Saver, cache Invalidator) ([]string, error) {
	var (
		saved []string
		errs  []error
	)
	for _, tenant := range src.Tenants() {
		if err := dst.SaveCatalog(ctx, src[tenant]); err != nil {
			return saved, fmt.Errorf("save catalog %s: %w", tenant, err)
		}
		saved = append(saved, tenant)
		if cache == nil {
			continue
		}
		if err := cache.Invalidate(ctx, tenant); err != nil {
			errs = append(errs, fmt.Errorf("invalidate catalog %s: %w", tenant, err))
		}
	}
	return saved, errors.Join(errs...)
}
