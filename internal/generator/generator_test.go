package generator

import (
	"context"
	"errors"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adaptimg/internal/codec"
	"adaptimg/internal/models"
	"adaptimg/internal/planner"
	"adaptimg/internal/storage"
)

// fakeCodec writes `payload` bytes to dst and fails for dst names that
// contain any of failOn.
type fakeCodec struct {
	mu      sync.Mutex
	payload int
	failOn  []string
	calls   []string
	onCall  func()
}

func (f *fakeCodec) Supports(string) bool { return true }

func (f *fakeCodec) Encode(_ context.Context, src, dst, _ string, _ int) error {
	f.mu.Lock()
	f.calls = append(f.calls, filepath.Base(dst))
	onCall := f.onCall
	f.mu.Unlock()
	if onCall != nil {
		onCall()
	}
	for _, s := range f.failOn {
		if strings.Contains(filepath.Base(dst), s) {
			return errors.New("encoder exploded")
		}
	}
	if _, err := os.Stat(src); err != nil {
		return err
	}
	return os.WriteFile(dst, make([]byte, f.payload), 0o644)
}

type recordingMirror struct {
	keys []string
}

func (m *recordingMirror) Put(_ context.Context, _, key string) error {
	m.keys = append(m.keys, key)
	return nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func fixture(t *testing.T) (models.SourceImage, models.UpstreamSizeCatalog) {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"photo.jpg", "photo-320x213.jpg", "photo-768x512.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("jpeg"), 0o644))
	}
	src := models.SourceImage{
		ID:       "img-1",
		File:     "img-1/photo.jpg",
		Path:     filepath.Join(dir, "photo.jpg"),
		Width:    1920,
		Height:   1280,
		MimeType: "image/jpeg",
	}
	up := models.UpstreamSizeCatalog{
		File:     "img-1/photo.jpg",
		Width:    1920,
		Height:   1280,
		FileSize: 4,
		Sizes: map[string]models.UpstreamSize{
			"w320": {File: "photo-320x213.jpg", Width: 320, Height: 213, FileSize: 4},
			"w768": {File: "photo-768x512.jpg", Width: 768, Height: 512, FileSize: 4},
		},
	}
	return src, up
}

func strategies() []planner.Strategy {
	return planner.New(models.DefaultSettings()).Plan("image/jpeg")
}

func TestGenerate_AllPairs(t *testing.T) {
	ctx := context.Background()
	src, up := fixture(t)
	cat := storage.NewCatalog(storage.NewMemory())
	fc := &fakeCodec{payload: 11}
	mirror := &recordingMirror{}

	res, err := New(fc, cat, quietLogger()).WithMirror(mirror).Generate(ctx, src, up, strategies())
	require.NoError(t, err)
	assert.Equal(t, 6, res.Written)
	assert.Empty(t, res.Failures)

	// avif first, original first within a format
	assert.Equal(t, []string{
		"photo.avif", "photo-320x213.avif", "photo-768x512.avif",
		"photo.webp", "photo-320x213.webp", "photo-768x512.webp",
	}, fc.calls)

	stored, err := cat.Get(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"avif", "jpeg", "webp"}, stored.AvailableFormats())
	for _, size := range []string{models.OriginalSize, "w320", "w768"} {
		for _, f := range []string{"avif", "webp", "jpeg"} {
			_, ok := stored.Format(size, f)
			assert.True(t, ok, "%s/%s", size, f)
		}
	}
	e, _ := stored.Format("w320", "webp")
	assert.Equal(t, models.FormatEntry{File: "photo-320x213.webp", MimeType: "image/webp", FileSize: 11}, e)
	assert.Equal(t, 320, stored.Sizes["w320"].Width)

	assert.Equal(t, stored.Sizes, res.Record.Sizes)
	assert.Contains(t, mirror.keys, "img-1/photo-768x512.avif")
	assert.Len(t, mirror.keys, 6)
}

func TestGenerate_Idempotent(t *testing.T) {
	ctx := context.Background()
	src, up := fixture(t)
	cat := storage.NewCatalog(storage.NewMemory())

	_, err := New(&fakeCodec{payload: 100}, cat, quietLogger()).Generate(ctx, src, up, strategies())
	require.NoError(t, err)
	res, err := New(&fakeCodec{payload: 42}, cat, quietLogger()).Generate(ctx, src, up, strategies())
	require.NoError(t, err)

	stored, err := cat.Get(ctx, src.ID)
	require.NoError(t, err)
	for name, size := range stored.Sizes {
		assert.Len(t, size.Formats, 3, name)
		assert.Equal(t, int64(42), size.Formats["webp"].FileSize, name)
		assert.Equal(t, int64(42), size.Formats["avif"].FileSize, name)
	}
	assert.Equal(t, stored.Sizes, res.Record.Sizes)
}

func TestGenerate_FailureDoesNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	src, up := fixture(t)
	cat := storage.NewCatalog(storage.NewMemory())
	fc := &fakeCodec{payload: 5, failOn: []string{"photo-320x213.avif"}}

	res, err := New(fc, cat, quietLogger()).Generate(ctx, src, up, strategies())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Written)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "w320", res.Failures[0].Size)
	assert.Equal(t, "avif", res.Failures[0].Format)
	assert.Contains(t, res.Failures[0].Error(), "encoder exploded")

	stored, err := cat.Get(ctx, src.ID)
	require.NoError(t, err)
	_, ok := stored.Format("w320", "avif")
	assert.False(t, ok)
	_, ok = stored.Format("w320", "webp")
	assert.True(t, ok)
}

func TestGenerate_MissingBaseMetadata(t *testing.T) {
	src, _ := fixture(t)
	cat := storage.NewCatalog(storage.NewMemory())
	fc := &fakeCodec{}

	_, err := New(fc, cat, quietLogger()).Generate(context.Background(), src, models.UpstreamSizeCatalog{}, strategies())
	assert.ErrorIs(t, err, ErrMissingBaseMetadata)
	assert.Empty(t, fc.calls)

	_, err = cat.Get(context.Background(), src.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGenerate_UsesExistingRecordWhenUpstreamIsEmpty(t *testing.T) {
	ctx := context.Background()
	src, up := fixture(t)
	cat := storage.NewCatalog(storage.NewMemory())
	require.NoError(t, cat.Upsert(ctx, models.BaseRecord(src.ID, up)))

	webpOnly := []planner.Strategy{{Format: "webp", MimeType: "image/webp", Quality: 80}}
	res, err := New(&fakeCodec{payload: 3}, cat, quietLogger()).Generate(ctx, src, models.UpstreamSizeCatalog{}, webpOnly)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Written)
}

func TestGenerate_CompletesExistingRecordWithNewSizes(t *testing.T) {
	ctx := context.Background()
	src, up := fixture(t)
	cat := storage.NewCatalog(storage.NewMemory())

	partial := up
	partial.Sizes = map[string]models.UpstreamSize{"w320": up.Sizes["w320"]}
	require.NoError(t, cat.Upsert(ctx, models.BaseRecord(src.ID, partial)))

	webpOnly := []planner.Strategy{{Format: "webp", MimeType: "image/webp", Quality: 80}}
	_, err := New(&fakeCodec{payload: 3}, cat, quietLogger()).Generate(ctx, src, up, webpOnly)
	require.NoError(t, err)

	stored, err := cat.Get(ctx, src.ID)
	require.NoError(t, err)
	_, ok := stored.Format("w768", "webp")
	assert.True(t, ok)
	assert.Equal(t, 768, stored.Sizes["w768"].Width)
}

func TestGenerate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src, up := fixture(t)
	cat := storage.NewCatalog(storage.NewMemory())
	fc := &fakeCodec{payload: 1, onCall: cancel}

	res, err := New(fc, cat, quietLogger()).Generate(ctx, src, up, strategies())
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Written)
	assert.Len(t, fc.calls, 1)
}

func TestGenerate_SkipsSameFormat(t *testing.T) {
	ctx := context.Background()
	src, up := fixture(t)
	cat := storage.NewCatalog(storage.NewMemory())
	fc := &fakeCodec{payload: 1}

	jpeg := []planner.Strategy{{Format: "jpeg", MimeType: "image/jpeg", Quality: 80}}
	res, err := New(fc, cat, quietLogger()).Generate(ctx, src, up, jpeg)
	require.NoError(t, err)
	assert.Zero(t, res.Written)
	assert.Empty(t, fc.calls)
}

func TestGenerate_WithImagingCodec(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	img := imaging.New(64, 32, color.NRGBA{G: 255, A: 255})
	require.NoError(t, imaging.Save(img, filepath.Join(dir, "pic.jpg")))
	require.NoError(t, imaging.Save(imaging.Resize(img, 32, 0, imaging.Lanczos), filepath.Join(dir, "pic-32x16.jpg")))

	src := models.SourceImage{ID: "real", Path: filepath.Join(dir, "pic.jpg"), MimeType: "image/jpeg", Width: 64, Height: 32}
	up := models.UpstreamSizeCatalog{
		File: "real/pic.jpg", Width: 64, Height: 32,
		Sizes: map[string]models.UpstreamSize{"w32": {File: "pic-32x16.jpg", Width: 32, Height: 16}},
	}
	cat := storage.NewCatalog(storage.NewMemory())
	png := []planner.Strategy{{Format: "png", MimeType: "image/png", Quality: 100}}

	res, err := New(codec.NewImaging(), cat, quietLogger()).Generate(ctx, src, up, png)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)

	e, ok := res.Record.Format("w32", "png")
	require.True(t, ok)
	assert.Equal(t, "pic-32x16.png", e.File)
	assert.Positive(t, e.FileSize)
	assert.FileExists(t, filepath.Join(dir, "pic.png"))
}

func TestGenerate_RerunWithoutUpstreamFindsRenditions(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, name := range []string{"shot.webp", "shot-320x160.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("img"), 0o644))
	}
	src := models.SourceImage{ID: "w", Path: filepath.Join(dir, "shot.webp"), MimeType: "image/webp", Width: 1000, Height: 500}
	up := models.UpstreamSizeCatalog{
		File: "w/shot.webp", Width: 1000, Height: 500,
		Sizes: map[string]models.UpstreamSize{"w320": {File: "shot-320x160.png", Width: 320, Height: 160}},
	}
	plan := planner.New(models.DefaultSettings()).Plan("image/webp")
	cat := storage.NewCatalog(storage.NewMemory())

	first, err := New(&fakeCodec{payload: 2}, cat, quietLogger()).Generate(ctx, src, up, plan)
	require.NoError(t, err)
	fc := &fakeCodec{payload: 2}
	second, err := New(fc, cat, quietLogger()).Generate(ctx, src, models.UpstreamSizeCatalog{}, plan)
	require.NoError(t, err)

	assert.Empty(t, first.Failures)
	assert.Equal(t, first.Failures, second.Failures)
	assert.Equal(t, first.Written, second.Written)
	assert.Equal(t, []string{"shot.png"}, fc.calls)
}
