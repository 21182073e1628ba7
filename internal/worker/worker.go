// Package worker runs variant generation for upload events in the
// background with bounded concurrency.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"adaptimg/internal/generator"
	"adaptimg/internal/models"
	"adaptimg/internal/planner"
	"adaptimg/internal/storage"
)

type Generator interface {
	Generate(ctx context.Context, src models.SourceImage, upstream models.UpstreamSizeCatalog, strategies []planner.Strategy) (*generator.Result, error)
}

type Planner interface {
	Plan(mimeType string) []planner.Strategy
}

type Sources interface {
	GetSource(ctx context.Context, id string) (*models.SourceImage, error)
	PruneOrphans(ctx context.Context) ([]string, error)
}

type job struct {
	cancel context.CancelFunc
}

type Processor struct {
	gen     Generator
	plan    Planner
	sources Sources
	sem     *semaphore.Weighted
	logger  *log.Logger

	mu       sync.Mutex
	inflight map[string]*job
	wg       sync.WaitGroup
}

func New(gen Generator, plan Planner, sources Sources, workers int, logger *log.Logger) *Processor {
	return &Processor{
		gen:      gen,
		plan:     plan,
		sources:  sources,
		sem:      semaphore.NewWeighted(int64(max(1, workers))),
		logger:   logger,
		inflight: map[string]*job{},
	}
}

// Process generates every planned variant for the event's source and
// returns the generator result. A source that no longer exists is not an
// error; Process returns a nil result for it.
func (p *Processor) Process(ctx context.Context, ev models.UploadEvent) (*generator.Result, error) {
	const op = "worker.Process"

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer p.sem.Release(1)

	src, err := p.sources.GetSource(ctx, ev.SourceID)
	if errors.Is(err, storage.ErrNotFound) {
		p.logger.Info("source gone before conversion", "source", ev.SourceID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	strategies := p.plan.Plan(src.MimeType)
	logger := p.logger.With("source", src.ID)
	logger.Debug("conversion planned", "mime", src.MimeType, "strategies", len(strategies))

	jobCtx, j := p.track(ctx, src.ID)
	res, genErr := p.gen.Generate(jobCtx, *src, ev.Upstream, strategies)
	p.untrack(src.ID, j)

	p.prune(ctx, *src, res)

	switch {
	case genErr == nil:
		logger.Info("conversion finished", "written", res.Written, "failures", len(res.Failures))
	case errors.Is(genErr, context.Canceled):
		logger.Info("conversion cancelled")
	default:
		return res, fmt.Errorf("%s: %w", op, genErr)
	}
	return res, genErr
}

// Handle adapts Process to a queue handler.
func (p *Processor) Handle(ctx context.Context, ev models.UploadEvent) error {
	_, err := p.Process(ctx, ev)
	return err
}

// Go processes ev in the background, detached from ctx's cancellation.
func (p *Processor) Go(ctx context.Context, ev models.UploadEvent) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.Handle(context.WithoutCancel(ctx), ev); err != nil {
			p.logger.Error("background conversion failed", "source", ev.SourceID, "err", err)
		}
	}()
}

// Wait blocks until every job started with Go has returned.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Cancel aborts the running job of a source, if any.
func (p *Processor) Cancel(sourceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.inflight[sourceID]
	if ok {
		j.cancel()
	}
	return ok
}

func (p *Processor) Running(sourceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[sourceID]
	return ok
}

func (p *Processor) track(ctx context.Context, id string) (context.Context, *job) {
	jobCtx, cancel := context.WithCancel(ctx)
	j := &job{cancel: cancel}
	p.mu.Lock()
	if prev, ok := p.inflight[id]; ok {
		prev.cancel()
	}
	p.inflight[id] = j
	p.mu.Unlock()
	return jobCtx, j
}

func (p *Processor) untrack(id string, j *job) {
	j.cancel()
	p.mu.Lock()
	if p.inflight[id] == j {
		delete(p.inflight, id)
	}
	p.mu.Unlock()
}

// prune removes catalog records left behind by sources deleted while
// their conversion was running, along with the files that run wrote.
func (p *Processor) prune(ctx context.Context, src models.SourceImage, res *generator.Result) {
	if _, err := p.sources.GetSource(ctx, src.ID); !errors.Is(err, storage.ErrNotFound) {
		return
	}
	if res != nil && src.Path != "" {
		dir := filepath.Dir(src.Path)
		for _, f := range res.Record.Files() {
			if err := os.Remove(filepath.Join(dir, f)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				p.logger.Warn("removing orphaned variant failed", "source", src.ID, "file", f, "err", err)
			}
		}
		// only succeeds once the directory is empty
		_ = os.Remove(dir)
	}
	pruned, err := p.sources.PruneOrphans(ctx)
	if err != nil {
		p.logger.Warn("pruning orphaned records failed", "source", src.ID, "err", err)
		return
	}
	if len(pruned) > 0 {
		p.logger.Info("orphaned records pruned", "ids", pruned)
	}
}
