// internal/storage/storage.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"adaptimg/internal/models"
)

// Storage is the PostgreSQL Store: one jsonb document per source image in
// catalog_records, registered uploads in source_images.
type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB // For migrations
}

func NewStorage(ctx context.Context, dsn string) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{pool: pool, db: db}, nil
}

func (s *Storage) Close() error {
	err := s.db.Close()
	s.pool.Close()
	return err
}

func (s *Storage) LoadRecord(ctx context.Context, sourceID string) (*models.CatalogRecord, error) {
	const op = "storage.LoadRecord"

	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT metadata FROM catalog_records WHERE source_id = $1`, sourceID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rec := models.NewCatalogRecord(sourceID)
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("%s: decode %s: %w", op, sourceID, err)
	}
	rec.SourceID = sourceID
	return &rec, nil
}

func (s *Storage) SaveRecord(ctx context.Context, rec models.CatalogRecord) error {
	const op = "storage.SaveRecord"

	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO catalog_records (source_id, metadata)
		VALUES ($1, $2)
		ON CONFLICT (source_id) DO UPDATE SET metadata = EXCLUDED.metadata, date_modified = now()`,
		rec.SourceID, doc)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) DeleteRecord(ctx context.Context, sourceID string) error {
	const op = "storage.DeleteRecord"
	_, err := s.pool.Exec(ctx, `DELETE FROM catalog_records WHERE source_id = $1`, sourceID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) SaveSource(ctx context.Context, src models.SourceImage) error {
	const op = "storage.SaveSource"
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO source_images (id, file, path, width, height, mime_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET file = EXCLUDED.file, path = EXCLUDED.path,
			width = EXCLUDED.width, height = EXCLUDED.height, mime_type = EXCLUDED.mime_type`,
		src.ID, src.File, src.Path, src.Width, src.Height, src.MimeType, src.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) GetSource(ctx context.Context, id string) (*models.SourceImage, error) {
	return s.querySource(ctx, "storage.GetSource", `WHERE id = $1`, id)
}

func (s *Storage) SourceByFile(ctx context.Context, file string) (*models.SourceImage, error) {
	return s.querySource(ctx, "storage.SourceByFile", `WHERE file = $1`, file)
}

func (s *Storage) querySource(ctx context.Context, op, where string, arg any) (*models.SourceImage, error) {
	var src models.SourceImage
	err := s.pool.QueryRow(ctx,
		`SELECT id, file, path, width, height, mime_type, created_at FROM source_images `+where, arg).
		Scan(&src.ID, &src.File, &src.Path, &src.Width, &src.Height, &src.MimeType, &src.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &src, nil
}

func (s *Storage) DeleteSource(ctx context.Context, id string) error {
	const op = "storage.DeleteSource"
	_, err := s.pool.Exec(ctx, `DELETE FROM source_images WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) PruneOrphans(ctx context.Context) ([]string, error) {
	const op = "storage.PruneOrphans"

	rows, err := s.pool.Query(ctx,
		`DELETE FROM catalog_records c
		 WHERE NOT EXISTS (SELECT 1 FROM source_images s WHERE s.id = c.source_id)
		 RETURNING c.source_id`)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ids, nil
}
