// Package generator re-encodes every size of a source image into the
// planned target formats and records the results in the variant catalog.
package generator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/charmbracelet/log"

	"adaptimg/internal/codec"
	"adaptimg/internal/models"
	"adaptimg/internal/planner"
	"adaptimg/internal/storage"
)

// ErrMissingBaseMetadata is returned when neither the catalog nor the
// upstream size catalog describe the sizes of a source image.
var ErrMissingBaseMetadata = errors.New("no base metadata for source image")

type Catalog interface {
	Get(ctx context.Context, sourceID string) (*models.CatalogRecord, error)
	Upsert(ctx context.Context, rec models.CatalogRecord) error
}

// Mirror receives a copy of every generated file.
type Mirror interface {
	Put(ctx context.Context, localPath, key string) error
}

// Failure is one (size, format) pair that could not be produced.
type Failure struct {
	Size   string
	Format string
	Path   string
	Err    error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s/%s (%s): %v", f.Size, f.Format, f.Path, f.Err)
}

type Result struct {
	Record   models.CatalogRecord
	Written  int
	Failures []Failure
}

type Generator struct {
	codec   codec.Codec
	catalog Catalog
	mirror  Mirror
	logger  *log.Logger
}

func New(c codec.Codec, catalog Catalog, logger *log.Logger) *Generator {
	return &Generator{codec: c, catalog: catalog, logger: logger}
}

// WithMirror enables mirroring of generated files.
func (g *Generator) WithMirror(m Mirror) *Generator {
	g.mirror = m
	return g
}

// Generate produces every (size, strategy) pair for src. A failing pair is
// logged and reported in Result.Failures without stopping the others. A
// cancelled ctx stops between pairs and returns the partial result.
func (g *Generator) Generate(ctx context.Context, src models.SourceImage, upstream models.UpstreamSizeCatalog, strategies []planner.Strategy) (*Result, error) {
	const op = "generator.Generate"

	rec, err := g.ensureBase(ctx, src.ID, upstream)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	res := &Result{}
	b := models.NewRecordBuilder(src.ID).From(rec)
	dir := filepath.Dir(src.Path)
	uploadFormat := models.FormatFromMime(src.MimeType)
	logger := g.logger.With("source", src.ID)
	targets := make(map[string]bool, len(strategies))
	for _, st := range strategies {
		targets[st.Format] = true
	}

	for _, st := range strategies {
		for _, size := range rec.SizeNames() {
			if err := ctx.Err(); err != nil {
				res.Record = b.Build()
				return res, fmt.Errorf("%s: %w", op, err)
			}

			srcFile, ok := sourceFile(src, upstream, rec, size, uploadFormat, st.Format, targets)
			if !ok {
				f := Failure{Size: size, Format: st.Format, Err: errors.New("no source file for size")}
				logger.Warn("skipping size", "size", size, "format", st.Format, "err", f.Err)
				res.Failures = append(res.Failures, f)
				continue
			}
			if models.FormatFromPath(srcFile) == st.Format {
				continue
			}

			target := models.SwapExtension(srcFile, st.Format)
			entry, err := g.convert(ctx, dir, srcFile, target, st)
			if err != nil {
				f := Failure{Size: size, Format: st.Format, Path: filepath.Join(dir, srcFile), Err: err}
				logger.Warn("conversion failed", "size", size, "format", st.Format, "path", f.Path, "err", err)
				res.Failures = append(res.Failures, f)
				continue
			}

			v := rec.Sizes[size]
			patch := models.NewRecordBuilder(src.ID).
				WithSize(size, v.Width, v.Height).
				WithFormat(size, st.Format, entry).
				Build()
			if err := g.catalog.Upsert(ctx, patch); err != nil {
				f := Failure{Size: size, Format: st.Format, Path: filepath.Join(dir, target), Err: err}
				logger.Error("recording variant failed", "size", size, "format", st.Format, "err", err)
				res.Failures = append(res.Failures, f)
				continue
			}
			b.WithFormat(size, st.Format, entry)
			res.Written++

			if g.mirror != nil {
				key := path.Join(src.ID, target)
				if err := g.mirror.Put(ctx, filepath.Join(dir, target), key); err != nil {
					logger.Warn("mirroring variant failed", "key", key, "err", err)
				}
			}
			logger.Debug("variant written", "size", size, "format", st.Format, "file", target, "bytes", entry.FileSize)
		}
	}

	res.Record = b.Build()
	return res, nil
}

// ensureBase returns the stored record, creating or completing it from the
// upstream size catalog first.
func (g *Generator) ensureBase(ctx context.Context, id string, upstream models.UpstreamSizeCatalog) (models.CatalogRecord, error) {
	base := models.BaseRecord(id, upstream)

	existing, err := g.catalog.Get(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if !base.Valid() {
			return models.CatalogRecord{}, ErrMissingBaseMetadata
		}
		if err := g.catalog.Upsert(ctx, base); err != nil {
			return models.CatalogRecord{}, err
		}
		return base, nil
	case err != nil:
		return models.CatalogRecord{}, err
	}

	missing := models.NewCatalogRecord(id)
	for name, size := range base.Sizes {
		if _, ok := existing.Sizes[name]; !ok {
			missing.Sizes[name] = size
		}
	}
	if len(missing.Sizes) > 0 {
		if err := g.catalog.Upsert(ctx, missing); err != nil {
			return models.CatalogRecord{}, err
		}
	}
	merged := existing.Merge(missing)
	if !merged.Valid() {
		return models.CatalogRecord{}, ErrMissingBaseMetadata
	}
	return merged, nil
}

func (g *Generator) convert(ctx context.Context, dir, srcFile, target string, st planner.Strategy) (models.FormatEntry, error) {
	dst := filepath.Join(dir, target)
	if err := g.codec.Encode(ctx, filepath.Join(dir, srcFile), dst, st.MimeType, st.Quality); err != nil {
		return models.FormatEntry{}, err
	}
	info, err := os.Stat(dst)
	if err != nil {
		return models.FormatEntry{}, err
	}
	return models.FormatEntry{File: target, MimeType: st.MimeType, FileSize: info.Size()}, nil
}

// sourceFile finds the uploaded file of a size, relative to the directory
// of the original. Without upstream data it prefers the upload format, then
// any recorded format no strategy produces, then the target itself, which
// the caller skips.
func sourceFile(src models.SourceImage, upstream models.UpstreamSizeCatalog, rec models.CatalogRecord, size, uploadFormat, target string, targets map[string]bool) (string, bool) {
	if size == models.OriginalSize {
		return filepath.Base(src.Path), src.Path != ""
	}
	if up, ok := upstream.Sizes[size]; ok && up.File != "" {
		return up.File, true
	}
	if e, ok := rec.Format(size, uploadFormat); ok && e.File != "" {
		return e.File, true
	}
	formats := make([]string, 0, len(rec.Sizes[size].Formats))
	for f := range rec.Sizes[size].Formats {
		formats = append(formats, f)
	}
	sort.Strings(formats)
	for _, f := range formats {
		if e := rec.Sizes[size].Formats[f]; !targets[f] && e.File != "" {
			return e.File, true
		}
	}
	if e, ok := rec.Format(size, target); ok && e.File != "" {
		return e.File, true
	}
	return "", false
}
