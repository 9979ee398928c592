package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"clubkit.org/internal/membership"
	"clubkit.org/internal/obs"
)

const keyPrefix = "clubkit:catalog:"

// Redis is the subset of *redis.Client used by Cache.
type Redis interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Cache is a read-through cache of catalogs in redis. Redis failures fall back
// to the underlying source.
type Cache struct {
	client Redis
	source membership.CatalogSource
	ttl    time.Duration
}

var _ membership.CatalogSource = (*Cache)(nil)

func NewCache(client Redis, source membership.CatalogSource, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, source: source, ttl: ttl}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (c *Cache) Catalog(ctx context.Context, tenantID string) (*membership.Catalog, error) {
	key := keyPrefix + tenantID
	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var entries []membership.Category
		if err := json.Unmarshal(data, &entries); err == nil {
			if cat, err := membership.NewCatalog(tenantID, entries); err == nil {
				obs.ObserveCatalogLoad("cache", nil)
				return cat, nil
			}
		}
		obs.Logger().Warn().Str("tenant_id", tenantID).Msg("discarding malformed cached catalog")
	case errors.Is(err, redis.Nil):
	default:
		obs.ObserveCatalogLoad("cache", err)
		obs.Logger().Warn().Err(err).Str("tenant_id", tenantID).Msg("catalog cache unavailable")
	}

	cat, err := c.source.Catalog(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(cat.Entries()); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			obs.Logger().Warn().Err(err).Str("tenant_id", tenantID).Msg("catalog cache write failed")
		}
	}
	return cat, nil
}

// Invalidate drops the cached catalog of tenantID.
func (c *Cache) Invalidate(ctx context.Context, tenantID string) error {
	return c.client.Del(ctx, keyPrefix+tenantID).Err()
}
