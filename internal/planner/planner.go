// Package planner decides which target formats an uploaded image is
// converted to.
package planner

import (
	"strings"

	"adaptimg/internal/models"
)

// Quality caps applied to the base quality setting.
const (
	AVIFQualityCap = 85
	WebPQualityCap = 90
)

// Strategy is one planned conversion of a source image.
type Strategy struct {
	Format   string
	MimeType string
	Quality  int
}

// QualityOverride rewrites the computed quality of a format.
type QualityOverride func(quality int) int

type Planner struct {
	settings  models.Settings
	overrides map[string]QualityOverride
}

// New builds a planner from settings. Every settings.QualityOverrides entry
// keyed "<format>_quality" installs a constant override.
func New(settings models.Settings) *Planner {
	p := &Planner{settings: settings, overrides: map[string]QualityOverride{}}
	for key, q := range settings.QualityOverrides {
		format := strings.TrimSuffix(key, "_quality")
		if format == key {
			continue
		}
		q := q
		p.WithQualityOverride(format, func(int) int { return q })
	}
	return p
}

// WithQualityOverride installs the {format}_quality hook.
func (p *Planner) WithQualityOverride(format string, fn QualityOverride) *Planner {
	p.overrides[models.NormalizeFormat(format)] = fn
	return p
}

// Plan returns the ordered conversions for an image of mimeType. Types it
// does not recognize produce an empty plan.
func (p *Planner) Plan(mimeType string) []Strategy {
	switch models.FormatFromMime(mimeType) {
	case "webp", "avif":
		return []Strategy{p.strategy("png")}
	case "jpeg", "png":
		var out []Strategy
		if p.settings.ConvertToAVIF {
			out = append(out, p.strategy("avif"))
		}
		if p.settings.ConvertToWebP {
			out = append(out, p.strategy("webp"))
		}
		return out
	default:
		return nil
	}
}

func (p *Planner) strategy(format string) Strategy {
	return Strategy{Format: format, MimeType: models.MimeForFormat(format), Quality: p.Quality(format)}
}

// Quality computes the encoder quality for format.
func (p *Planner) Quality(format string) int {
	format = models.NormalizeFormat(format)
	q := p.settings.ImageQuality
	switch format {
	case "avif":
		q = min(q, AVIFQualityCap)
	case "webp":
		q = min(q, WebPQualityCap)
	}
	if fn, ok := p.overrides[format]; ok {
		q = fn(q)
	}
	return max(0, min(q, 100))
}
