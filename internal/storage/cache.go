package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"adaptimg/internal/models"
)

const cacheKeyPrefix = "adaptimg:catalog:"

// Cached fronts a Store with a Redis read-through cache for catalog
// records. Cache errors never fail a call; the store stays authoritative.
type Cached struct {
	Store
	rdb    *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

func NewCached(store Store, rdb *redis.Client, ttl time.Duration, logger *log.Logger) *Cached {
	return &Cached{Store: store, rdb: rdb, ttl: ttl, logger: logger}
}

func cacheKey(sourceID string) string {
	return cacheKeyPrefix + sourceID
}

func (c *Cached) LoadRecord(ctx context.Context, sourceID string) (*models.CatalogRecord, error) {
	data, err := c.rdb.Get(ctx, cacheKey(sourceID)).Bytes()
	switch {
	case err == nil:
		rec := models.NewCatalogRecord(sourceID)
		if err := json.Unmarshal(data, &rec); err == nil {
			rec.SourceID = sourceID
			return &rec, nil
		}
		c.forget(ctx, sourceID)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("catalog cache read failed", "source", sourceID, "err", err)
	}

	rec, err := c.Store.LoadRecord(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(rec); err == nil {
		if err := c.rdb.Set(ctx, cacheKey(sourceID), data, c.ttl).Err(); err != nil {
			c.logger.Warn("catalog cache write failed", "source", sourceID, "err", err)
		}
	}
	return rec, nil
}

// LoadRecordFresh skips the cache.
func (c *Cached) LoadRecordFresh(ctx context.Context, sourceID string) (*models.CatalogRecord, error) {
	return c.Store.LoadRecord(ctx, sourceID)
}

func (c *Cached) SaveRecord(ctx context.Context, rec models.CatalogRecord) error {
	if err := c.Store.SaveRecord(ctx, rec); err != nil {
		return err
	}
	c.forget(ctx, rec.SourceID)
	return nil
}

func (c *Cached) DeleteRecord(ctx context.Context, sourceID string) error {
	if err := c.Store.DeleteRecord(ctx, sourceID); err != nil {
		return err
	}
	c.forget(ctx, sourceID)
	return nil
}

func (c *Cached) PruneOrphans(ctx context.Context) ([]string, error) {
	ids, err := c.Store.PruneOrphans(ctx)
	for _, id := range ids {
		c.forget(ctx, id)
	}
	return ids, err
}

func (c *Cached) Close() error {
	rerr := c.rdb.Close()
	if err := c.Store.Close(); err != nil {
		return err
	}
	if rerr != nil {
		return fmt.Errorf("storage.Cached.Close: %w", rerr)
	}
	return nil
}

func (c *Cached) forget(ctx context.Context, sourceID string) {
	if err := c.rdb.Del(ctx, cacheKey(sourceID)).Err(); err != nil {
		c.logger.Warn("catalog cache invalidation failed", "source", sourceID, "err", err)
	}
}
