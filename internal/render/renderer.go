package render

import (
	"image"

	"github.com/alkmaps/rastertiled/internal/tilepath"
)

// Renderer produces a still image for a geographic center and zoom. The
// mapnik-backed implementation lives in internal/engine; tests substitute
// stubs.
type Renderer interface {
	RenderStill(center tilepath.GeoCenter, zoom float64) (image.Image, error)
	Close() error
}
