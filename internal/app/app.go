// Package app wires the catalog, generator, worker and rewriter into one
// application context and exposes the upload, delete and render hooks.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"adaptimg/internal/codec"
	"adaptimg/internal/generator"
	"adaptimg/internal/mirror"
	"adaptimg/internal/models"
	"adaptimg/internal/planner"
	"adaptimg/internal/queue"
	"adaptimg/internal/resolver"
	"adaptimg/internal/rewriter"
	"adaptimg/internal/storage"
	"adaptimg/internal/upload"
	"adaptimg/internal/worker"
)

type App struct {
	Config    models.Config
	Logger    *log.Logger
	Store     storage.Store
	Catalog   *storage.Catalog
	Planner   *planner.Planner
	Generator *generator.Generator
	Ingestor  *upload.Ingestor
	Processor *worker.Processor
	Rewriter  *rewriter.Rewriter
	Pipeline  *rewriter.Pipeline
	Publisher queue.Publisher
	Mirror    mirror.Mirror

	codec    codec.Codec
	shutdown []func()
}

type Option func(*App)

// WithStore replaces the store selected by the catalog driver.
func WithStore(s storage.Store) Option {
	return func(a *App) { a.Store = s }
}

// WithCodec replaces the codec registry.
func WithCodec(c codec.Codec) Option {
	return func(a *App) { a.codec = c }
}

func WithMirror(m mirror.Mirror) Option {
	return func(a *App) { a.Mirror = m }
}

func WithPublisher(p queue.Publisher) Option {
	return func(a *App) { a.Publisher = p }
}

// New builds the application from cfg. Backends that are not configured
// are left out: no Redis address means no cache, no S3 bucket means no
// mirror, no Kafka broker means events are processed in-process.
func New(ctx context.Context, cfg models.Config, logger *log.Logger, opts ...Option) (*App, error) {
	const op = "app.New"

	a := &App{Config: cfg, Logger: logger}
	for _, opt := range opts {
		opt(a)
	}

	if a.Store == nil {
		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		a.Store = store
	}

	if a.Mirror == nil && cfg.S3.Bucket != "" {
		m, err := mirror.NewS3(ctx, cfg.S3)
		if err != nil {
			a.Store.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		a.Mirror = m
	}

	if a.codec == nil {
		reg := codec.NewRegistry()
		a.shutdown = append(a.shutdown, registerNative(reg, cfg.Workers, logger))
		reg.Register(codec.NewImaging())
		a.codec = reg
	}

	a.Catalog = storage.NewCatalog(a.Store)
	a.Planner = planner.New(cfg.Settings)
	a.Generator = generator.New(a.codec, a.Catalog, logger.WithPrefix("generator"))
	if a.Mirror != nil {
		a.Generator.WithMirror(a.Mirror)
	}
	a.Ingestor = upload.New(cfg.StoragePath, cfg.Settings.Breakpoints, logger.WithPrefix("upload"))
	a.Processor = worker.New(a.Generator, a.Planner, a.Store, cfg.Workers, logger.WithPrefix("worker"))

	res, err := resolver.NewURLResolver(cfg.PublicBaseURL, a.Store)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("%s: public_base_url: %w", op, err)
	}
	a.Rewriter = rewriter.New(res, a.Catalog, cfg.Settings, logger.WithPrefix("rewriter"))
	a.Pipeline = rewriter.NewPipeline(a.Rewriter)

	if a.Publisher == nil {
		if cfg.KafkaBroker != "" {
			a.Publisher = queue.NewKafka(cfg.KafkaBroker, cfg.KafkaTopic)
		} else {
			a.Publisher = queue.NewDirect(func(ctx context.Context, ev models.UploadEvent) error {
				a.Processor.Go(ctx, ev)
				return nil
			})
		}
	}
	return a, nil
}

func openStore(ctx context.Context, cfg models.Config, logger *log.Logger) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch cfg.Catalog.Driver {
	case "postgres":
		store, err = storage.NewStorage(ctx, cfg.DatabaseURL)
	case "mongo":
		store, err = storage.NewMongo(ctx, cfg.Catalog.MongoURI, cfg.Catalog.MongoDatabase)
	case "memory":
		store = storage.NewMemory()
	default:
		err = fmt.Errorf("unknown catalog driver %q", cfg.Catalog.Driver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		logger.Info("catalog cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.TTL)
		store = storage.NewCached(store, rdb, cfg.Redis.TTL, logger.WithPrefix("cache"))
	}
	return store, nil
}

// Upload stores a new image, registers it and publishes its UploadEvent.
func (a *App) Upload(ctx context.Context, filename string, r io.Reader) (models.SourceImage, models.UpstreamSizeCatalog, error) {
	const op = "app.Upload"

	id := uuid.NewString()
	src, upstream, err := a.Ingestor.Ingest(ctx, id, filename, r)
	if err != nil {
		return models.SourceImage{}, models.UpstreamSizeCatalog{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := a.Store.SaveSource(ctx, src); err != nil {
		os.RemoveAll(filepath.Dir(src.Path))
		return models.SourceImage{}, models.UpstreamSizeCatalog{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := a.Publisher.Publish(ctx, models.UploadEvent{SourceID: id, Upstream: upstream}); err != nil {
		// the source stays registered; conversion can be re-triggered
		a.Logger.Error("publishing upload event failed", "source", id, "err", err)
		return src, upstream, fmt.Errorf("%s: %w", op, err)
	}
	return src, upstream, nil
}

// OnUpload runs generation for ev synchronously and returns the upstream
// catalog annotated with the converted formats.
func (a *App) OnUpload(ctx context.Context, ev models.UploadEvent) (models.UpstreamSizeCatalog, error) {
	const op = "app.OnUpload"

	res, err := a.Processor.Process(ctx, ev)
	if err != nil {
		if res != nil {
			return models.Annotate(ev.Upstream, res.Record), fmt.Errorf("%s: %w", op, err)
		}
		return ev.Upstream, fmt.Errorf("%s: %w", op, err)
	}
	if res == nil {
		return ev.Upstream, nil
	}
	return models.Annotate(ev.Upstream, res.Record), nil
}

// Convert re-runs generation for a registered source from its stored
// catalog record.
func (a *App) Convert(ctx context.Context, sourceID string) (*generator.Result, error) {
	const op = "app.Convert"

	if _, err := a.Store.GetSource(ctx, sourceID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	res, err := a.Processor.Process(ctx, models.UploadEvent{SourceID: sourceID})
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}
	if res == nil {
		return nil, fmt.Errorf("%s: %s: %w", op, sourceID, storage.ErrNotFound)
	}
	return res, nil
}

// OnDelete cancels any running conversion of the source and removes it
// with every generated file, mirror object and its catalog record.
func (a *App) OnDelete(ctx context.Context, sourceID string) error {
	const op = "app.OnDelete"

	if a.Processor.Cancel(sourceID) {
		a.Logger.Info("running conversion cancelled", "source", sourceID)
	}

	src, srcErr := a.Store.GetSource(ctx, sourceID)
	if srcErr != nil && !errors.Is(srcErr, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, srcErr)
	}
	rec, recErr := a.Catalog.Get(ctx, sourceID)
	if recErr != nil && !errors.Is(recErr, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, recErr)
	}
	if src == nil && rec == nil {
		return fmt.Errorf("%s: %s: %w", op, sourceID, storage.ErrNotFound)
	}

	if src != nil {
		if err := a.Store.DeleteSource(ctx, sourceID); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	if rec != nil {
		dir := filepath.Join(a.Config.StoragePath, sourceID)
		if src != nil {
			dir = filepath.Dir(src.Path)
		}
		for _, file := range rec.Files() {
			if err := os.Remove(filepath.Join(dir, file)); err != nil && !errors.Is(err, os.ErrNotExist) {
				a.Logger.Warn("removing variant failed", "source", sourceID, "file", file, "err", err)
			}
			if a.Mirror != nil {
				if err := a.Mirror.Delete(ctx, path.Join(sourceID, file)); err != nil {
					a.Logger.Warn("removing mirrored variant failed", "source", sourceID, "file", file, "err", err)
				}
			}
		}
		if err := a.Catalog.Delete(ctx, sourceID); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	if src != nil {
		if err := os.Remove(src.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			a.Logger.Warn("removing original failed", "source", sourceID, "err", err)
		}
		// only succeeds once the directory is empty
		os.Remove(filepath.Dir(src.Path))
	}

	a.Logger.Info("source deleted", "source", sourceID)
	return nil
}

// Render runs html through the content filters for a client with the
// given format support.
func (a *App) Render(ctx context.Context, html string, support rewriter.Support) string {
	return a.Pipeline.Apply(rewriter.WithSupport(ctx, support), html)
}

// Close stops publishing, waits for background conversions and releases
// the store and native codecs.
func (a *App) Close() error {
	var errs []error
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close())
	}
	if a.Processor != nil {
		a.Processor.Wait()
	}
	errs = append(errs, a.Store.Close())
	for _, fn := range a.shutdown {
		fn()
	}
	return errors.Join(errs...)
}
