package models

import (
	"errors"
	"fmt"
	"path"
	"sort"
)

var ErrUnknownSize = errors.New("size is not part of the catalog record")

// FormatEntry is one encoded file of a size variant.
type FormatEntry struct {
	File     string `json:"file" bson:"file"`
	MimeType string `json:"mime_type" bson:"mime_type"`
	FileSize int64  `json:"file_size" bson:"file_size"`
}

// SizeVariant is a named rendition and the formats it exists in.
type SizeVariant struct {
	Width   int                    `json:"width" bson:"width"`
	Height  int                    `json:"height" bson:"height"`
	Formats map[string]FormatEntry `json:"formats" bson:"formats"`
}

// CatalogRecord is the persisted variant map of one source image.
type CatalogRecord struct {
	SourceID string                 `json:"-" bson:"_id"`
	Sizes    map[string]SizeVariant `json:"sizes" bson:"sizes"`
}

func NewCatalogRecord(sourceID string) CatalogRecord {
	return CatalogRecord{SourceID: sourceID, Sizes: map[string]SizeVariant{}}
}

// Clone returns a deep copy so callers never share maps with a store.
func (r CatalogRecord) Clone() CatalogRecord {
	out := NewCatalogRecord(r.SourceID)
	for name, size := range r.Sizes {
		formats := make(map[string]FormatEntry, len(size.Formats))
		for f, e := range size.Formats {
			formats[f] = e
		}
		out.Sizes[name] = SizeVariant{Width: size.Width, Height: size.Height, Formats: formats}
	}
	return out
}

// Merge folds patch into a copy of r at format granularity. Sizes and
// formats missing from patch are kept; non-zero patch dimensions win.
func (r CatalogRecord) Merge(patch CatalogRecord) CatalogRecord {
	out := r.Clone()
	if out.SourceID == "" {
		out.SourceID = patch.SourceID
	}
	for name, p := range patch.Sizes {
		cur, ok := out.Sizes[name]
		if !ok {
			cur = SizeVariant{Formats: map[string]FormatEntry{}}
		}
		if p.Width != 0 || p.Height != 0 {
			cur.Width, cur.Height = p.Width, p.Height
		}
		for f, e := range p.Formats {
			cur.Formats[f] = e
		}
		out.Sizes[name] = cur
	}
	return out
}

// Valid reports whether the record carries any size at all.
func (r *CatalogRecord) Valid() bool {
	return r != nil && len(r.Sizes) > 0
}

func (r CatalogRecord) Format(size, format string) (FormatEntry, bool) {
	s, ok := r.Sizes[size]
	if !ok {
		return FormatEntry{}, false
	}
	e, ok := s.Formats[format]
	return e, ok
}

// AvailableFormats lists every format present in at least one size, sorted.
func (r CatalogRecord) AvailableFormats() []string {
	seen := map[string]struct{}{}
	for _, s := range r.Sizes {
		for f := range s.Formats {
			seen[f] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (r CatalogRecord) HasFormat(format string) bool {
	for _, s := range r.Sizes {
		if _, ok := s.Formats[format]; ok {
			return true
		}
	}
	return false
}

// SizeNames returns the original first, then the other sizes by name.
func (r CatalogRecord) SizeNames() []string {
	names := make([]string, 0, len(r.Sizes))
	for name := range r.Sizes {
		if name != OriginalSize {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := r.Sizes[OriginalSize]; ok {
		names = append([]string{OriginalSize}, names...)
	}
	return names
}

// Files lists every file name referenced by the record.
func (r CatalogRecord) Files() []string {
	var files []string
	for _, name := range r.SizeNames() {
		for _, e := range r.Sizes[name].Formats {
			files = append(files, e.File)
		}
	}
	sort.Strings(files)
	return files
}

// BaseRecord synthesizes size metadata from the upstream catalog: every
// size with its dimensions and the format it was uploaded in.
func BaseRecord(sourceID string, upstream UpstreamSizeCatalog) CatalogRecord {
	b := NewRecordBuilder(sourceID)
	if upstream.Empty() {
		return b.Build()
	}
	b.WithSize(OriginalSize, upstream.Width, upstream.Height)
	if upstream.File != "" {
		format := FormatFromPath(upstream.File)
		b.WithFormat(OriginalSize, format, FormatEntry{
			File:     path.Base(upstream.File),
			MimeType: MimeForFormat(format),
			FileSize: upstream.FileSize,
		})
	}
	for name, size := range upstream.Sizes {
		b.WithSize(name, size.Width, size.Height)
		if size.File == "" {
			continue
		}
		format := FormatFromPath(size.File)
		mime := size.MimeType
		if mime == "" {
			mime = MimeForFormat(format)
		}
		b.WithFormat(name, format, FormatEntry{File: size.File, MimeType: mime, FileSize: size.FileSize})
	}
	return b.Build()
}

// RecordBuilder accumulates a CatalogRecord value.
type RecordBuilder struct {
	rec CatalogRecord
	err error
}

func NewRecordBuilder(sourceID string) *RecordBuilder {
	return &RecordBuilder{rec: NewCatalogRecord(sourceID)}
}

// From seeds the builder with a copy of an existing record.
func (b *RecordBuilder) From(r CatalogRecord) *RecordBuilder {
	b.rec = b.rec.Merge(r)
	return b
}

func (b *RecordBuilder) WithSize(name string, width, height int) *RecordBuilder {
	s, ok := b.rec.Sizes[name]
	if !ok {
		s = SizeVariant{Formats: map[string]FormatEntry{}}
	}
	s.Width, s.Height = width, height
	b.rec.Sizes[name] = s
	return b
}

// WithFormat records a format for a size that must already be known.
func (b *RecordBuilder) WithFormat(size, format string, e FormatEntry) *RecordBuilder {
	s, ok := b.rec.Sizes[size]
	if !ok {
		if b.err == nil {
			b.err = fmt.Errorf("%w: %s", ErrUnknownSize, size)
		}
		return b
	}
	s.Formats[format] = e
	return b
}

func (b *RecordBuilder) Build() CatalogRecord {
	return b.rec.Clone()
}

// Err reports the first WithFormat call that referenced an unknown size.
func (b *RecordBuilder) Err() error {
	return b.err
}

// Annotate returns a copy of upstream with converted formats from rec
// attached, for consumers that only read the upstream catalog.
func Annotate(upstream UpstreamSizeCatalog, rec CatalogRecord) UpstreamSizeCatalog {
	out := upstream
	originalFormat := FormatFromPath(upstream.File)
	if orig, ok := rec.Sizes[OriginalSize]; ok {
		out.Converted = convertedFormats(orig.Formats, originalFormat)
	}
	out.Sizes = make(map[string]UpstreamSize, len(upstream.Sizes))
	for name, size := range upstream.Sizes {
		if v, ok := rec.Sizes[name]; ok {
			size.Converted = convertedFormats(v.Formats, FormatFromPath(size.File))
		}
		out.Sizes[name] = size
	}
	return out
}

func convertedFormats(formats map[string]FormatEntry, skip string) map[string]FormatEntry {
	var out map[string]FormatEntry
	for f, e := range formats {
		if f == skip {
			continue
		}
		if out == nil {
			out = map[string]FormatEntry{}
		}
		out[f] = e
	}
	return out
}
