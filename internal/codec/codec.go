// Package codec is the boundary to the image libraries that re-encode a
// stored file into another format.
package codec

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupported = errors.New("no codec supports the target type")
	// ErrUndecodable marks a source the codec cannot read; the registry
	// then tries the next codec supporting the target.
	ErrUndecodable = errors.New("codec cannot decode the source")
)

// Codec re-encodes the image at src into dst as mimeType.
type Codec interface {
	Supports(mimeType string) bool
	Encode(ctx context.Context, src, dst, mimeType string, quality int) error
}

// Registry dispatches to the first registered codec that supports the
// target type and can read the source.
type Registry struct {
	codecs []Codec
}

func NewRegistry(codecs ...Codec) *Registry {
	return &Registry{codecs: codecs}
}

// Register appends c; codecs registered first take precedence.
func (r *Registry) Register(c Codec) {
	r.codecs = append(r.codecs, c)
}

func (r *Registry) Supports(mimeType string) bool {
	return r.find(mimeType) != nil
}

func (r *Registry) Encode(ctx context.Context, src, dst, mimeType string, quality int) error {
	const op = "codec.Encode"

	mimeType = strings.ToLower(mimeType)
	var err error
	for _, c := range r.codecs {
		if !c.Supports(mimeType) {
			continue
		}
		err = c.Encode(ctx, src, dst, mimeType, quality)
		if !errors.Is(err, ErrUndecodable) {
			return err
		}
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s: %w: %s", op, ErrUnsupported, mimeType)
}

func (r *Registry) find(mimeType string) Codec {
	mimeType = strings.ToLower(mimeType)
	for _, c := range r.codecs {
		if c.Supports(mimeType) {
			return c
		}
	}
	return nil
}
