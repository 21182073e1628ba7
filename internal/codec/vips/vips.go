//go:build vips

// Package vips encodes WebP and AVIF variants through libvips.
package vips

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/davidbyttow/govips/v2/vips"

	"adaptimg/internal/codec"
)

var startOnce sync.Once

// Startup initialises libvips once per process; concurrency 0 lets libvips
// pick.
func Startup(concurrency int, logger *log.Logger) {
	startOnce.Do(func() {
		vips.LoggingSettings(nil, vips.LogLevelWarning)
		vips.Startup(&vips.Config{
			ConcurrencyLevel: concurrency,
			MaxCacheSize:     100,
			MaxCacheMem:      50 * 1024 * 1024,
		})
		logger.Info("libvips started", "version", vips.Version)
	})
}

func Shutdown() {
	vips.Shutdown()
}

type Codec struct{}

func New() *Codec {
	return &Codec{}
}

func (c *Codec) Supports(mimeType string) bool {
	switch mimeType {
	case "image/webp", "image/avif", "image/png", "image/jpeg":
		return true
	}
	return false
}

func (c *Codec) Encode(ctx context.Context, src, dst, mimeType string, quality int) error {
	const op = "vips.Encode"

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	img, err := vips.NewImageFromFile(src)
	if err != nil {
		return fmt.Errorf("%s: open %s: %w", op, src, err)
	}
	defer img.Close()

	if err := img.AutoRotate(); err != nil {
		return fmt.Errorf("%s: autorotate %s: %w", op, src, err)
	}

	var buf []byte
	switch mimeType {
	case "image/webp":
		p := vips.NewWebpExportParams()
		p.Quality = quality
		p.StripMetadata = true
		buf, _, err = img.ExportWebp(p)
	case "image/avif":
		p := vips.NewAvifExportParams()
		p.Quality = quality
		p.StripMetadata = true
		buf, _, err = img.ExportAvif(p)
	case "image/png":
		p := vips.NewPngExportParams()
		p.StripMetadata = true
		buf, _, err = img.ExportPng(p)
	case "image/jpeg":
		p := vips.NewJpegExportParams()
		p.Quality = quality
		p.StripMetadata = true
		buf, _, err = img.ExportJpeg(p)
	default:
		return fmt.Errorf("%s: %w: %s", op, codec.ErrUnsupported, mimeType)
	}
	if err != nil {
		return fmt.Errorf("%s: export %s: %w", op, mimeType, err)
	}

	if err := codec.WriteFile(dst, buf); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
