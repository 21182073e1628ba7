// Package rewriter turns <img> elements of an HTML fragment into <picture>
// elements that offer the modern encodings recorded in the variant catalog.
package rewriter

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"adaptimg/internal/models"
)

// StandardSizes is the sizes attribute put on every generated srcset.
const StandardSizes = "(max-width: 320px) 320px, (max-width: 768px) 768px, (max-width: 1280px) 1280px, 1920px"

// processedAttr marks an image this package already emitted.
const processedAttr = "data-adaptive"

type Resolver interface {
	Resolve(ctx context.Context, rawURL string) (string, bool)
}

type CatalogReader interface {
	Get(ctx context.Context, sourceID string) (*models.CatalogRecord, error)
}

// Support says which modern formats the client accepts.
type Support struct {
	AVIF bool
	WebP bool
}

func FullSupport() Support {
	return Support{AVIF: true, WebP: true}
}

type Rewriter struct {
	resolver Resolver
	catalog  CatalogReader
	enabled  bool
	lazy     bool
	logger   *log.Logger
}

func New(resolver Resolver, catalog CatalogReader, settings models.Settings, logger *log.Logger) *Rewriter {
	return &Rewriter{
		resolver: resolver,
		catalog:  catalog,
		enabled:  settings.EnableAdaptiveImages,
		lazy:     settings.LazyLoad,
		logger:   logger,
	}
}

// Rewrite returns fragment with every eligible image wrapped in a
// <picture>. Anything it cannot handle is left as it was; when no image
// changes, the input is returned byte for byte.
func (r *Rewriter) Rewrite(ctx context.Context, fragment string, support Support) string {
	if strings.TrimSpace(fragment) == "" {
		return fragment
	}

	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), body)
	if err != nil {
		r.logger.Warn("unparseable fragment left untouched", "err", err)
		return fragment
	}
	for _, n := range nodes {
		body.AppendChild(n)
	}

	var images []*html.Node
	collectImages(body, &images)

	rewritten := 0
	for _, img := range images {
		if r.rewriteImage(ctx, img, support) {
			rewritten++
		}
	}
	if rewritten == 0 {
		return fragment
	}

	var buf bytes.Buffer
	for c := body.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			r.logger.Warn("rendering rewritten fragment failed", "err", err)
			return fragment
		}
	}
	r.logger.Debug("fragment rewritten", "images", len(images), "rewritten", rewritten)
	return buf.String()
}

func collectImages(n *html.Node, out *[]*html.Node) {
	if n.Type == html.ElementNode && n.DataAtom == atom.Img {
		*out = append(*out, n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectImages(c, out)
	}
}

func (r *Rewriter) rewriteImage(ctx context.Context, img *html.Node, support Support) bool {
	src := strings.TrimSpace(attr(img, "src"))
	switch {
	case src == "", strings.HasPrefix(strings.ToLower(src), "data:"):
		return false
	case img.Parent == nil, img.Parent.DataAtom == atom.Picture:
		return false
	case hasAttr(img, processedAttr):
		return false
	}

	id, ok := r.resolver.Resolve(ctx, src)
	if !ok {
		return false
	}
	rec, err := r.catalog.Get(ctx, id)
	if err != nil || !rec.Valid() {
		return false
	}

	base, err := url.Parse(src)
	if err != nil {
		return false
	}
	original := models.FormatFromPath(src)

	var sources []*html.Node
	for _, format := range priority(*rec, original, support) {
		srcset, mime := buildSrcset(*rec, format, base)
		if srcset == "" {
			continue
		}
		sources = append(sources, element(atom.Source,
			html.Attribute{Key: "type", Val: mime},
			html.Attribute{Key: "srcset", Val: srcset},
			html.Attribute{Key: "sizes", Val: StandardSizes},
		))
	}
	if len(sources) == 0 {
		return false
	}

	picture := element(atom.Picture)
	for _, s := range sources {
		picture.AppendChild(s)
	}
	picture.AppendChild(r.fallback(img, src, *rec, original, base))

	img.Parent.InsertBefore(picture, img)
	img.Parent.RemoveChild(img)
	return true
}

// priority orders the formats offered as <source>: AVIF, WebP, then the
// remaining non-original formats by name. The original format is served
// by the fallback <img>.
func priority(rec models.CatalogRecord, original string, support Support) []string {
	var out []string
	if support.AVIF && rec.HasFormat("avif") {
		out = append(out, "avif")
	}
	if support.WebP && rec.HasFormat("webp") {
		out = append(out, "webp")
	}
	for _, f := range rec.AvailableFormats() {
		if f == "avif" || f == "webp" || f == original {
			continue
		}
		out = append(out, f)
	}
	return out
}

func (r *Rewriter) fallback(img *html.Node, src string, rec models.CatalogRecord, original string, base *url.URL) *html.Node {
	fb := element(atom.Img)
	for _, a := range img.Attr {
		switch a.Key {
		case "src", "srcset", "sizes", "decoding", processedAttr:
			continue
		case "loading":
			if r.lazy {
				continue
			}
		}
		fb.Attr = append(fb.Attr, a)
	}
	fb.Attr = append(fb.Attr, html.Attribute{Key: "src", Val: src})
	if srcset, _ := buildSrcset(rec, original, base); srcset != "" {
		fb.Attr = append(fb.Attr,
			html.Attribute{Key: "srcset", Val: srcset},
			html.Attribute{Key: "sizes", Val: StandardSizes},
		)
	}
	if r.lazy {
		fb.Attr = append(fb.Attr, html.Attribute{Key: "loading", Val: "lazy"})
	}
	fb.Attr = append(fb.Attr,
		html.Attribute{Key: "decoding", Val: "async"},
		html.Attribute{Key: processedAttr, Val: "true"},
	)
	return fb
}

type candidate struct {
	width int
	size  string
	entry models.FormatEntry
}

// buildSrcset lists every size holding format as "url <width>w", ascending
// by width. Sizes without a width cannot be described and are left out.
func buildSrcset(rec models.CatalogRecord, format string, base *url.URL) (string, string) {
	var cands []candidate
	for name, size := range rec.Sizes {
		e, ok := size.Formats[format]
		if !ok || e.File == "" || size.Width <= 0 {
			continue
		}
		cands = append(cands, candidate{width: size.Width, size: name, entry: e})
	}
	if len(cands) == 0 {
		return "", ""
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].width != cands[j].width {
			return cands[i].width < cands[j].width
		}
		return cands[i].size < cands[j].size
	})

	mime := cands[0].entry.MimeType
	if mime == "" {
		mime = models.MimeForFormat(format)
	}

	parts := make([]string, 0, len(cands))
	last := 0
	for _, c := range cands {
		if c.width == last {
			continue
		}
		last = c.width
		parts = append(parts, fmt.Sprintf("%s %dw", variantURL(base, c.entry.File), c.width))
	}
	return strings.Join(parts, ", "), mime
}

// variantURL points at file in the directory of the original image.
func variantURL(base *url.URL, file string) string {
	u := *base
	u.RawQuery = ""
	u.Fragment = ""
	u.RawPath = ""
	u.Path = path.Join(path.Dir(base.Path), file)
	return u.String()
}

func element(a atom.Atom, attrs ...html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String(), Attr: attrs}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}
