// internal/models/models.go
package models

import (
	"path"
	"strings"
	"time"
)

// OriginalSize is the reserved size name of the uploaded rendition itself.
const OriginalSize = "original"

type SourceImage struct {
	ID        string    `db:"id" json:"id" bson:"_id"`
	File      string    `db:"file" json:"file" bson:"file"` // relative to the storage root
	Path      string    `db:"path" json:"path" bson:"path"`
	Width     int       `db:"width" json:"width" bson:"width"`
	Height    int       `db:"height" json:"height" bson:"height"`
	MimeType  string    `db:"mime_type" json:"mime_type" bson:"mime_type"`
	CreatedAt time.Time `db:"created_at" json:"created_at" bson:"created_at"`
}

// UpstreamSize is one rendition produced by the upload subsystem.
type UpstreamSize struct {
	File      string                 `json:"file"`
	Width     int                    `json:"width"`
	Height    int                    `json:"height"`
	MimeType  string                 `json:"mime_type"`
	FileSize  int64                  `json:"file_size"`
	Converted map[string]FormatEntry `json:"converted,omitempty"`
}

// UpstreamSizeCatalog describes the original upload and its renditions.
// File names of Sizes are siblings of File.
type UpstreamSizeCatalog struct {
	File      string                  `json:"file"`
	Width     int                     `json:"width"`
	Height    int                     `json:"height"`
	FileSize  int64                   `json:"file_size"`
	Sizes     map[string]UpstreamSize `json:"sizes"`
	Converted map[string]FormatEntry  `json:"converted,omitempty"`
}

func (u UpstreamSizeCatalog) Empty() bool {
	return u.File == "" && len(u.Sizes) == 0
}

// UploadEvent is the queue message emitted once an upload is stored.
type UploadEvent struct {
	SourceID string              `json:"source_id"`
	Upstream UpstreamSizeCatalog `json:"upstream"`
}

// FormatFromPath returns the format token of a file name or URL path,
// normalising jpg to jpeg.
func FormatFromPath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	return NormalizeFormat(ext)
}

func NormalizeFormat(format string) string {
	format = strings.ToLower(format)
	switch format {
	case "jpg", "jpe":
		return "jpeg"
	case "tif":
		return "tiff"
	}
	return format
}

func MimeForFormat(format string) string {
	if format == "" {
		return ""
	}
	return "image/" + NormalizeFormat(format)
}

func FormatFromMime(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if !strings.HasPrefix(mime, "image/") {
		return ""
	}
	return NormalizeFormat(strings.TrimPrefix(mime, "image/"))
}

// Extension is the file extension written for a format token.
func Extension(format string) string {
	if NormalizeFormat(format) == "jpeg" {
		return "jpg"
	}
	return NormalizeFormat(format)
}

// SwapExtension replaces the extension of name with the one for format.
func SwapExtension(name, format string) string {
	return strings.TrimSuffix(name, path.Ext(name)) + "." + Extension(format)
}
