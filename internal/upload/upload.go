// Package upload stores an uploaded original and derives the breakpoint
// renditions the rest of the pipeline converts.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/disintegration/imaging"

	"adaptimg/internal/codec"
	"adaptimg/internal/models"
)

var (
	ErrNotImage    = errors.New("upload is not an image")
	ErrBadFilename = errors.New("invalid file name")
)

// writable maps the formats imaging can encode renditions in.
var writable = map[string]imaging.Format{
	"jpeg": imaging.JPEG,
	"png":  imaging.PNG,
	"gif":  imaging.GIF,
	"tiff": imaging.TIFF,
	"bmp":  imaging.BMP,
}

type Ingestor struct {
	root        string
	breakpoints []int
	logger      *log.Logger
}

func New(root string, breakpoints []int, logger *log.Logger) *Ingestor {
	bps := append([]int(nil), breakpoints...)
	sort.Ints(bps)
	return &Ingestor{root: root, breakpoints: bps, logger: logger}
}

// Ingest writes the upload to <root>/<id>/<filename> and a resized copy
// for every breakpoint narrower than the original. Renditions of formats
// imaging cannot write are stored as PNG.
func (i *Ingestor) Ingest(ctx context.Context, id, filename string, r io.Reader) (models.SourceImage, models.UpstreamSizeCatalog, error) {
	const op = "upload.Ingest"

	name := filepath.Base(filepath.Clean("/" + filename))
	if id == "" || strings.ContainsAny(id, `/\`) || name == "/" || name == "." || path.Ext(name) == "" {
		return models.SourceImage{}, models.UpstreamSizeCatalog{}, fmt.Errorf("%s: %w: %q", op, ErrBadFilename, filename)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return models.SourceImage{}, models.UpstreamSizeCatalog{}, fmt.Errorf("%s: %w", op, err)
	}
	mime := DetectMime(name, data)
	if mime == "" {
		return models.SourceImage{}, models.UpstreamSizeCatalog{}, fmt.Errorf("%s: %w", op, ErrNotImage)
	}

	dir := filepath.Join(i.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.SourceImage{}, models.UpstreamSizeCatalog{}, fmt.Errorf("%s: %w", op, err)
	}
	original := filepath.Join(dir, name)
	if err := codec.WriteFile(original, data); err != nil {
		return models.SourceImage{}, models.UpstreamSizeCatalog{}, fmt.Errorf("%s: %w", op, err)
	}

	src := models.SourceImage{
		ID:       id,
		File:     path.Join(id, name),
		Path:     original,
		MimeType: mime,
	}
	upstream := models.UpstreamSizeCatalog{
		File:     src.File,
		FileSize: int64(len(data)),
		Sizes:    map[string]models.UpstreamSize{},
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		if mime == "image/avif" {
			// no pure-Go AVIF decoder; keep the original without renditions
			i.logger.Warn("avif upload stored without renditions", "source", id, "err", err)
			return src, upstream, nil
		}
		os.RemoveAll(dir)
		return models.SourceImage{}, models.UpstreamSizeCatalog{}, fmt.Errorf("%s: %w: %v", op, ErrNotImage, err)
	}

	b := img.Bounds()
	src.Width, src.Height = b.Dx(), b.Dy()
	upstream.Width, upstream.Height = src.Width, src.Height

	for _, bp := range i.breakpoints {
		if err := ctx.Err(); err != nil {
			return models.SourceImage{}, models.UpstreamSizeCatalog{}, fmt.Errorf("%s: %w", op, err)
		}
		if bp >= src.Width {
			break
		}
		size, err := i.rendition(dir, name, mime, img, bp)
		if err != nil {
			i.logger.Warn("rendition failed", "source", id, "width", bp, "err", err)
			continue
		}
		upstream.Sizes[fmt.Sprintf("w%d", bp)] = size
	}

	i.logger.Info("upload stored", "source", id, "file", src.File, "mime", mime,
		"width", src.Width, "height", src.Height, "renditions", len(upstream.Sizes))
	return src, upstream, nil
}

func (i *Ingestor) rendition(dir, name, mime string, img image.Image, width int) (models.UpstreamSize, error) {
	resized := imaging.Resize(img, width, 0, imaging.Lanczos)
	height := resized.Bounds().Dy()

	format := models.FormatFromMime(mime)
	enc, ok := writable[format]
	if !ok {
		format, enc = "png", imaging.PNG
	}
	base := strings.TrimSuffix(name, path.Ext(name))
	file := fmt.Sprintf("%s-%dx%d.%s", base, width, height, models.Extension(format))
	if format == models.FormatFromPath(name) {
		file = fmt.Sprintf("%s-%dx%d%s", base, width, height, path.Ext(name))
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, enc, imaging.JPEGQuality(95)); err != nil {
		return models.UpstreamSize{}, err
	}
	if err := codec.WriteFile(filepath.Join(dir, file), buf.Bytes()); err != nil {
		return models.UpstreamSize{}, err
	}
	return models.UpstreamSize{
		File:     file,
		Width:    width,
		Height:   height,
		MimeType: models.MimeForFormat(format),
		FileSize: int64(buf.Len()),
	}, nil
}

// DetectMime sniffs data, falling back to the file extension for types
// the sniffer does not know. It returns "" for anything but an image.
func DetectMime(name string, data []byte) string {
	mime := http.DetectContentType(data)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	if strings.HasPrefix(mime, "image/") {
		return mime
	}
	if mime == "application/octet-stream" && models.FormatFromPath(name) == "avif" && isAVIF(data) {
		return "image/avif"
	}
	return ""
}

// isAVIF checks for an ISO-BMFF ftyp box with an avif brand.
func isAVIF(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	brand := string(data[8:12])
	return brand == "avif" || brand == "avis"
}
