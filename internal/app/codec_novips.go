//go:build !vips

package app

import (
	"github.com/charmbracelet/log"

	"adaptimg/internal/codec"
)

func registerNative(_ *codec.Registry, _ int, logger *log.Logger) func() {
	logger.Warn("built without libvips: webp and avif variants cannot be encoded")
	return func() {}
}
