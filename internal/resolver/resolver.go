// Package resolver maps public image URLs back to source image ids.
package resolver

import (
	"context"
	"errors"
	"net/url"
	"path"
	"regexp"
	"strings"

	"adaptimg/internal/models"
	"adaptimg/internal/storage"
)

// renditionSuffix matches the "-<w>x<h>" marker the ingestor appends to
// resized files.
var renditionSuffix = regexp.MustCompile(`-\d+x\d+(\.[A-Za-z0-9]+)$`)

type SourceFinder interface {
	SourceByFile(ctx context.Context, file string) (*models.SourceImage, error)
}

// URLResolver accepts absolute URLs under BaseURL as well as root-relative
// paths under BaseURL's path.
type URLResolver struct {
	base    *url.URL
	sources SourceFinder
}

func NewURLResolver(baseURL string, sources SourceFinder) (*URLResolver, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, err
	}
	return &URLResolver{base: base, sources: sources}, nil
}

// Resolve returns the source id behind rawURL; ok is false for anything
// outside the upload tree or not registered.
func (r *URLResolver) Resolve(ctx context.Context, rawURL string) (string, bool) {
	rel, ok := r.relativePath(rawURL)
	if !ok {
		return "", false
	}

	candidates := []string{rel}
	if stripped := renditionSuffix.ReplaceAllString(rel, "$1"); stripped != rel {
		candidates = append(candidates, stripped)
	}
	for _, file := range candidates {
		src, err := r.sources.SourceByFile(ctx, file)
		if err == nil {
			return src.ID, true
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return "", false
		}
	}
	return "", false
}

func (r *URLResolver) relativePath(rawURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Path == "" {
		return "", false
	}
	if u.Host != "" && r.base.Host != "" && !strings.EqualFold(u.Host, r.base.Host) {
		return "", false
	}
	if u.Host == "" && !strings.HasPrefix(u.Path, "/") {
		return "", false
	}

	prefix := r.base.Path + "/"
	if !strings.HasPrefix(u.Path, prefix) {
		return "", false
	}
	rel := path.Clean(strings.TrimPrefix(u.Path, prefix))
	if rel == "." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}
