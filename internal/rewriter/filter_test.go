package rewriter

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html/atom"

	"adaptimg/internal/models"
	"adaptimg/internal/storage"
)

type upperFilter struct {
	on    bool
	calls int
}

func (f *upperFilter) Name() string  { return "upper" }
func (f *upperFilter) Enabled() bool { return f.on }
func (f *upperFilter) Filter(_ context.Context, s string) string {
	f.calls++
	return strings.ToUpper(s)
}

func TestPipeline_SkipsDisabledFilters(t *testing.T) {
	on := &upperFilter{on: true}
	off := &upperFilter{}
	p := NewPipeline(off, on)

	assert.Equal(t, "HELLO", p.Apply(context.Background(), "hello"))
	assert.Equal(t, 1, on.calls)
	assert.Zero(t, off.calls)
}

func TestPipeline_EmptyContentIsNoop(t *testing.T) {
	f := &upperFilter{on: true}
	p := NewPipeline()
	p.Add(f)

	assert.Equal(t, "", p.Apply(context.Background(), ""))
	assert.Zero(t, f.calls)
}

func TestPipeline_RewriterUsesSupportFromContext(t *testing.T) {
	cat := storage.NewCatalog(storage.NewMemory())
	require.NoError(t, cat.Upsert(context.Background(), recordWith("img", "avif", "webp", "jpeg")))
	r := New(mapResolver{"a.jpg": "img"}, cat, models.DefaultSettings(), log.New(io.Discard))
	p := NewPipeline(r)

	out := p.Apply(WithSupport(context.Background(), Support{AVIF: true}), `<img src="a.jpg">`)
	sources := findAll(parse(t, out), atom.Source)
	require.Len(t, sources, 1)
	assert.Equal(t, "image/avif", attr(sources[0], "type"))

	out = p.Apply(context.Background(), `<img src="a.jpg">`)
	assert.Len(t, findAll(parse(t, out), atom.Source), 2)
}

func TestPipeline_DisabledRewriter(t *testing.T) {
	settings := models.DefaultSettings()
	settings.EnableAdaptiveImages = false
	cat := storage.NewCatalog(storage.NewMemory())
	require.NoError(t, cat.Upsert(context.Background(), recordWith("img", "webp", "jpeg")))
	r := New(mapResolver{"a.jpg": "img"}, cat, settings, log.New(io.Discard))

	in := `<img src="a.jpg">`
	assert.Equal(t, in, NewPipeline(r).Apply(context.Background(), in))
	assert.Equal(t, "picture", r.Name())
}
