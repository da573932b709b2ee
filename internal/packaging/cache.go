package packaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	stockVersionKey  = "packstock:version"
	stockBumpChannel = "packstock.bump"
)

// StockCache caches packaged stock reads behind a global version. Every
// confirmed operation that touches packaged stock bumps the version, so
// stale keys simply expire.
type StockCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewStockCache instantiates the cache helper. A nil client degrades to
// loader-only behaviour.
func NewStockCache(client *redis.Client, ttl time.Duration) *StockCache {
	return &StockCache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *StockCache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, stockVersionKey).Int64()
	if err == redis.Nil {
		if err := c.client.Set(ctx, stockVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// BuildKey composes a stock cache key with the current version.
func (c *StockCache) BuildKey(ctx context.Context, tenant, presentationID, locationID int64) (string, error) {
	base := fmt.Sprintf("packstock:%d:%d:%d", tenant, presentationID, locationID)
	if c == nil || c.client == nil {
		return base, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", base, ver), nil
}

// FetchJSON loads a cached value or populates it using the loader.
func (c *StockCache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("cache: loader required")
	}
	if c == nil || c.client == nil {
		value, err := loader(ctx)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, dest)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		return json.Unmarshal(payload, dest)
	}
	if err != redis.Nil {
		return err
	}
	// Collapse concurrent misses for the same key into one loader call.
	fetched, err, _ := c.group.Do(key, func() (any, error) {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return nil, err
		}
		return raw, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(fetched.([]byte), dest)
}

// Bump invalidates cached stock by incrementing the global version and
// publishing the new value for interested listeners.
func (c *StockCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, stockVersionKey).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, stockBumpChannel, strconv.FormatInt(ver, 10)).Err()
}
