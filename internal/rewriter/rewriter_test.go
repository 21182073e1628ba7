package rewriter

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"adaptimg/internal/models"
	"adaptimg/internal/storage"
)

type mapResolver map[string]string

func (m mapResolver) Resolve(_ context.Context, u string) (string, bool) {
	id, ok := m[u]
	return id, ok
}

type brokenCatalog struct{}

func (brokenCatalog) Get(context.Context, string) (*models.CatalogRecord, error) {
	return nil, errors.New("database on fire")
}

var sizeFiles = []struct {
	name   string
	base   string
	width  int
	height int
}{
	{models.OriginalSize, "a", 1920, 1280},
	{"medium", "a-768x512", 768, 512},
	{"small", "a-320x213", 320, 213},
}

func recordWith(id string, formats ...string) models.CatalogRecord {
	b := models.NewRecordBuilder(id)
	for _, s := range sizeFiles {
		b.WithSize(s.name, s.width, s.height)
		for _, f := range formats {
			b.WithFormat(s.name, f, models.FormatEntry{
				File:     models.SwapExtension(s.base+".x", f),
				MimeType: models.MimeForFormat(f),
				FileSize: 100,
			})
		}
	}
	return b.Build()
}

func newRewriter(t *testing.T, recs ...models.CatalogRecord) *Rewriter {
	t.Helper()
	cat := storage.NewCatalog(storage.NewMemory())
	for _, r := range recs {
		require.NoError(t, cat.Upsert(context.Background(), r))
	}
	res := mapResolver{
		"a.jpg":                           "img",
		"/uploads/img/a.jpg":              "img",
		"https://cdn.test/uploads/a.webp": "modern",
		"b.jpg":                           "missing",
	}
	return New(res, cat, models.DefaultSettings(), log.New(io.Discard))
}

func parse(t *testing.T, fragment string) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(fragment))
	require.NoError(t, err)
	return doc
}

func findAll(n *html.Node, a atom.Atom) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == a {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func children(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, c)
		}
	}
	return out
}

func TestRewrite_PictureWithPrioritizedSources(t *testing.T) {
	r := newRewriter(t, recordWith("img", "avif", "webp", "jpeg"))

	out := r.Rewrite(context.Background(), `<img src="a.jpg" width="600">`, FullSupport())

	pictures := findAll(parse(t, out), atom.Picture)
	require.Len(t, pictures, 1)
	kids := children(pictures[0])
	require.Len(t, kids, 3)

	assert.Equal(t, atom.Source, kids[0].DataAtom)
	assert.Equal(t, "image/avif", attr(kids[0], "type"))
	assert.Equal(t, "a-320x213.avif 320w, a-768x512.avif 768w, a.avif 1920w", attr(kids[0], "srcset"))
	assert.Equal(t, StandardSizes, attr(kids[0], "sizes"))

	assert.Equal(t, atom.Source, kids[1].DataAtom)
	assert.Equal(t, "image/webp", attr(kids[1], "type"))
	assert.Equal(t, "a-320x213.webp 320w, a-768x512.webp 768w, a.webp 1920w", attr(kids[1], "srcset"))

	fb := kids[2]
	assert.Equal(t, atom.Img, fb.DataAtom)
	assert.Equal(t, "a.jpg", attr(fb, "src"))
	assert.Equal(t, "600", attr(fb, "width"))
	assert.Equal(t, "a-320x213.jpg 320w, a-768x512.jpg 768w, a.jpg 1920w", attr(fb, "srcset"))
	assert.Equal(t, "lazy", attr(fb, "loading"))
	assert.Equal(t, "async", attr(fb, "decoding"))
	assert.True(t, hasAttr(fb, processedAttr))

	assert.Len(t, findAll(parse(t, out), atom.Img), 1)
}

func TestRewrite_VariantURLsFollowOriginalDirectory(t *testing.T) {
	r := newRewriter(t, recordWith("img", "webp", "jpeg"))

	out := r.Rewrite(context.Background(), `<img src="/uploads/img/a.jpg?ver=2">`, FullSupport())
	// the query string keeps the resolver from matching
	assert.Equal(t, `<img src="/uploads/img/a.jpg?ver=2">`, out)

	out = r.Rewrite(context.Background(), `<img src="/uploads/img/a.jpg">`, FullSupport())
	sources := findAll(parse(t, out), atom.Source)
	require.Len(t, sources, 1)
	assert.Equal(t, "/uploads/img/a-320x213.webp 320w, /uploads/img/a-768x512.webp 768w, /uploads/img/a.webp 1920w", attr(sources[0], "srcset"))
}

func TestRewrite_RespectsClientSupport(t *testing.T) {
	r := newRewriter(t, recordWith("img", "avif", "webp", "jpeg"))

	out := r.Rewrite(context.Background(), `<img src="a.jpg">`, Support{WebP: true})
	sources := findAll(parse(t, out), atom.Source)
	require.Len(t, sources, 1)
	assert.Equal(t, "image/webp", attr(sources[0], "type"))

	out = r.Rewrite(context.Background(), `<img src="a.jpg">`, Support{})
	assert.Equal(t, `<img src="a.jpg">`, out, "nothing to offer leaves the image alone")
}

func TestRewrite_ModernOriginalGetsPNGSource(t *testing.T) {
	r := newRewriter(t, recordWith("modern", "webp", "png"))

	out := r.Rewrite(context.Background(), `<img src="https://cdn.test/uploads/a.webp">`, FullSupport())
	sources := findAll(parse(t, out), atom.Source)
	require.Len(t, sources, 2)
	assert.Equal(t, "image/webp", attr(sources[0], "type"))
	assert.Equal(t, "image/png", attr(sources[1], "type"))
	assert.Equal(t, "https://cdn.test/uploads/a-320x213.png 320w, https://cdn.test/uploads/a-768x512.png 768w, https://cdn.test/uploads/a.png 1920w", attr(sources[1], "srcset"))

	imgs := findAll(parse(t, out), atom.Img)
	require.Len(t, imgs, 1)
	assert.Equal(t, "https://cdn.test/uploads/a.webp", attr(imgs[0], "src"))
}

func TestRewrite_Skips(t *testing.T) {
	r := newRewriter(t, recordWith("img", "avif", "webp", "jpeg"))
	tests := []struct {
		name string
		in   string
	}{
		{"inside picture", `<picture><source srcset="x.webp" type="image/webp"><img src="a.jpg"></picture>`},
		{"data uri", `<img src="data:image/png;base64,iVBORw0KGgo=">`},
		{"empty src", `<img src="" alt="x">`},
		{"no src", `<img alt="x">`},
		{"already processed", `<img src="a.jpg" data-adaptive="true">`},
		{"unresolvable", `<img src="https://elsewhere.test/z.jpg">`},
		{"no catalog record", `<img src="b.jpg">`},
		{"no images", `<p>Just text &amp; more</p>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.in, r.Rewrite(context.Background(), tt.in, FullSupport()))
		})
	}
}

func TestRewrite_CatalogErrorsDegradeSilently(t *testing.T) {
	r := New(mapResolver{"a.jpg": "img"}, brokenCatalog{}, models.DefaultSettings(), log.New(io.Discard))
	in := `<img src="a.jpg">`
	assert.Equal(t, in, r.Rewrite(context.Background(), in, FullSupport()))
}

func TestRewrite_MalformedRecordIsSkipped(t *testing.T) {
	r := newRewriter(t, models.CatalogRecord{SourceID: "img", Sizes: map[string]models.SizeVariant{
		models.OriginalSize: {Width: 0, Formats: map[string]models.FormatEntry{"webp": {File: "a.webp"}}},
	}})
	in := `<img src="a.jpg">`
	assert.Equal(t, in, r.Rewrite(context.Background(), in, FullSupport()))
}

func TestRewrite_PreservesSiblingsAndOrder(t *testing.T) {
	r := newRewriter(t, recordWith("img", "webp", "jpeg"))

	in := `<p>before</p><img src="a.jpg" alt="one"><img src="b.jpg" alt="two"><p>after</p>`
	out := r.Rewrite(context.Background(), in, FullSupport())

	assert.True(t, strings.HasPrefix(out, "<p>before</p><picture>"), out)
	assert.True(t, strings.HasSuffix(out, `<img src="b.jpg" alt="two"/><p>after</p>`), out)
	assert.NotContains(t, out, "<html")
	assert.NotContains(t, out, "<body")
}

func TestRewrite_FallbackDropsStaleSrcset(t *testing.T) {
	settings := models.DefaultSettings()
	settings.LazyLoad = false
	cat := storage.NewCatalog(storage.NewMemory())
	require.NoError(t, cat.Upsert(context.Background(), recordWith("img", "webp", "jpeg")))
	r := New(mapResolver{"a.jpg": "img"}, cat, settings, log.New(io.Discard))

	out := r.Rewrite(context.Background(),
		`<img class="hero" src="a.jpg" srcset="old.jpg 10w" sizes="10px" loading="eager" alt="Hero">`, FullSupport())

	imgs := findAll(parse(t, out), atom.Img)
	require.Len(t, imgs, 1)
	fb := imgs[0]
	assert.Equal(t, "hero", attr(fb, "class"))
	assert.Equal(t, "Hero", attr(fb, "alt"))
	assert.NotContains(t, attr(fb, "srcset"), "old.jpg")
	assert.Equal(t, StandardSizes, attr(fb, "sizes"))
	assert.Equal(t, "eager", attr(fb, "loading"))
}

func TestRewrite_LazyHintReplacesAuthorLoading(t *testing.T) {
	r := newRewriter(t, recordWith("img", "webp", "jpeg"))

	out := r.Rewrite(context.Background(), `<img src="a.jpg" loading="eager">`, FullSupport())

	imgs := findAll(parse(t, out), atom.Img)
	require.Len(t, imgs, 1)
	assert.Equal(t, "lazy", attr(imgs[0], "loading"))
	assert.Equal(t, 1, strings.Count(out, "loading="))
}

func TestRewrite_ToleratesMalformedHTML(t *testing.T) {
	r := newRewriter(t, recordWith("img", "webp", "jpeg"))

	out := r.Rewrite(context.Background(), `<div><img src="a.jpg"><p>unclosed <b>bold`, FullSupport())
	assert.Len(t, findAll(parse(t, out), atom.Picture), 1)
	assert.Contains(t, out, "unclosed")
}

func TestRewrite_SecondPassIsNoop(t *testing.T) {
	r := newRewriter(t, recordWith("img", "avif", "webp", "jpeg"))

	once := r.Rewrite(context.Background(), `<figure><img src="a.jpg"></figure>`, FullSupport())
	twice := r.Rewrite(context.Background(), once, FullSupport())
	assert.Equal(t, once, twice)
}

func TestRewrite_EmptyInput(t *testing.T) {
	r := newRewriter(t)
	assert.Equal(t, "", r.Rewrite(context.Background(), "", FullSupport()))
	assert.Equal(t, "  \n", r.Rewrite(context.Background(), "  \n", FullSupport()))
}
