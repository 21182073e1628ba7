package rewriter

import "context"

// ContentFilter transforms rendered content. Filters must not fail: on any
// problem they return the content they were given.
type ContentFilter interface {
	Name() string
	Enabled() bool
	Filter(ctx context.Context, content string) string
}

// Pipeline runs its enabled filters in order.
type Pipeline struct {
	filters []ContentFilter
}

func NewPipeline(filters ...ContentFilter) *Pipeline {
	return &Pipeline{filters: filters}
}

func (p *Pipeline) Add(f ContentFilter) {
	p.filters = append(p.filters, f)
}

func (p *Pipeline) Apply(ctx context.Context, content string) string {
	if content == "" {
		return content
	}
	for _, f := range p.filters {
		if f.Enabled() {
			content = f.Filter(ctx, content)
		}
	}
	return content
}

type supportKey struct{}

// WithSupport attaches the client's format support to ctx for filters.
func WithSupport(ctx context.Context, s Support) context.Context {
	return context.WithValue(ctx, supportKey{}, s)
}

// SupportFromContext defaults to full support.
func SupportFromContext(ctx context.Context) Support {
	if s, ok := ctx.Value(supportKey{}).(Support); ok {
		return s
	}
	return FullSupport()
}

func (r *Rewriter) Name() string { return "picture" }

func (r *Rewriter) Enabled() bool { return r.enabled }

func (r *Rewriter) Filter(ctx context.Context, content string) string {
	return r.Rewrite(ctx, content, SupportFromContext(ctx))
}
