package codec

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	// WebP sources are decodable even though imaging cannot write them.
	_ "golang.org/x/image/webp"
)

var imagingFormats = map[string]imaging.Format{
	"image/jpeg": imaging.JPEG,
	"image/jpg":  imaging.JPEG,
	"image/png":  imaging.PNG,
	"image/gif":  imaging.GIF,
	"image/tiff": imaging.TIFF,
	"image/bmp":  imaging.BMP,
}

// Imaging encodes with disintegration/imaging. It reads everything the
// standard decoders plus WebP understand and writes the classic formats.
type Imaging struct{}

func NewImaging() *Imaging {
	return &Imaging{}
}

func (c *Imaging) Supports(mimeType string) bool {
	_, ok := imagingFormats[mimeType]
	return ok
}

func (c *Imaging) Encode(ctx context.Context, src, dst, mimeType string, quality int) error {
	const op = "codec.Imaging.Encode"

	format, ok := imagingFormats[mimeType]
	if !ok {
		return fmt.Errorf("%s: %w: %s", op, ErrUnsupported, mimeType)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if errors.Is(err, image.ErrFormat) {
		return fmt.Errorf("%s: open %s: %w: %v", op, src, ErrUndecodable, err)
	}
	if err != nil {
		return fmt.Errorf("%s: open %s: %w", op, src, err)
	}

	return writeAtomic(dst, func(f *os.File) error {
		return imaging.Encode(f, img, format, imaging.JPEGQuality(max(1, quality)))
	})
}

// writeAtomic writes through a temporary sibling and renames it over dst,
// so readers never see a half-written variant.
func writeAtomic(dst string, write func(f *os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-"+filepath.Base(dst)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// WriteFile stores data at dst using the same temp-and-rename dance.
func WriteFile(dst string, data []byte) error {
	return writeAtomic(dst, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	})
}
