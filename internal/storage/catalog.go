package storage

import (
	"context"
	"errors"
	"fmt"

	"adaptimg/internal/models"
)

// Catalog is the variant catalog: merge-upserts over a Backend plus the
// derived lookups used by the generator and the rewriter.
type Catalog struct {
	backend Backend
	locks   *KeyedMutex
}

// freshLoader is implemented by backends with a cache in front; merges read
// through it so a stale cached copy never overwrites newer formats.
type freshLoader interface {
	LoadRecordFresh(ctx context.Context, sourceID string) (*models.CatalogRecord, error)
}

func NewCatalog(backend Backend) *Catalog {
	return &Catalog{backend: backend, locks: NewKeyedMutex()}
}

// Get returns ErrNotFound when no record exists.
func (c *Catalog) Get(ctx context.Context, sourceID string) (*models.CatalogRecord, error) {
	const op = "storage.Catalog.Get"

	rec, err := c.backend.LoadRecord(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return rec, nil
}

// Upsert merges rec into the stored record at format granularity. Calls
// for the same source id are serialized.
func (c *Catalog) Upsert(ctx context.Context, rec models.CatalogRecord) error {
	const op = "storage.Catalog.Upsert"

	if rec.SourceID == "" {
		return fmt.Errorf("%s: empty source id", op)
	}
	unlock := c.locks.Lock(rec.SourceID)
	defer unlock()

	load := c.backend.LoadRecord
	if f, ok := c.backend.(freshLoader); ok {
		load = f.LoadRecordFresh
	}

	merged := rec.Clone()
	existing, err := load(ctx, rec.SourceID)
	switch {
	case err == nil:
		merged = existing.Merge(rec)
	case !errors.Is(err, ErrNotFound):
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := c.backend.SaveRecord(ctx, merged); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *Catalog) Delete(ctx context.Context, sourceID string) error {
	const op = "storage.Catalog.Delete"

	unlock := c.locks.Lock(sourceID)
	defer unlock()

	if err := c.backend.DeleteRecord(ctx, sourceID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *Catalog) GetFormat(ctx context.Context, sourceID, size, format string) (*models.FormatEntry, error) {
	rec, err := c.Get(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	e, ok := rec.Format(size, format)
	if !ok {
		return nil, fmt.Errorf("storage.Catalog.GetFormat: %s/%s: %w", size, format, ErrNotFound)
	}
	return &e, nil
}

// AvailableFormats is empty, not an error, for unknown sources.
func (c *Catalog) AvailableFormats(ctx context.Context, sourceID string) ([]string, error) {
	rec, err := c.Get(ctx, sourceID)
	if errors.Is(err, ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return rec.AvailableFormats(), nil
}

func (c *Catalog) HasFormat(ctx context.Context, sourceID, format string) (bool, error) {
	rec, err := c.Get(ctx, sourceID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.HasFormat(format), nil
}
