//go:build vips

package app

import (
	"github.com/charmbracelet/log"

	"adaptimg/internal/codec"
	"adaptimg/internal/codec/vips"
)

// registerNative adds the libvips codec for the formats imaging cannot
// write.
func registerNative(reg *codec.Registry, workers int, logger *log.Logger) func() {
	vips.Startup(workers, logger.WithPrefix("vips"))
	reg.Register(vips.New())
	return vips.Shutdown
}
