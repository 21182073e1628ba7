package storage

import (
	"context"
	"errors"

	"adaptimg/internal/models"
)

var ErrNotFound = errors.New("not found")

// Backend persists whole catalog records. SaveRecord replaces; merging is
// the job of Catalog.
type Backend interface {
	LoadRecord(ctx context.Context, sourceID string) (*models.CatalogRecord, error)
	SaveRecord(ctx context.Context, rec models.CatalogRecord) error
	DeleteRecord(ctx context.Context, sourceID string) error
}

// SourceRepository keeps the registered source images.
type SourceRepository interface {
	SaveSource(ctx context.Context, src models.SourceImage) error
	GetSource(ctx context.Context, id string) (*models.SourceImage, error)
	SourceByFile(ctx context.Context, file string) (*models.SourceImage, error)
	DeleteSource(ctx context.Context, id string) error
}

// Store is what every catalog driver provides.
type Store interface {
	Backend
	SourceRepository
	// PruneOrphans deletes records whose source image is gone and returns
	// their ids.
	PruneOrphans(ctx context.Context) ([]string, error)
	Close() error
}
