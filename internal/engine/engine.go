// Package engine wraps Mapnik behind the render.Renderer contract.
package engine

// #cgo LDFLAGS: -lmapnik
// #cgo CXXFLAGS: -std=c++14
import "C"

import (
	"fmt"
	"image"
	"math"
	"strings"

	mapnik "github.com/omniscale/go-mapnik/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/alkmaps/rastertiled/internal/tilepath"
)

const (
	mercatorSRS = "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +no_defs +over"

	// Web Mercator world circumference in meters.
	worldSize = 2 * math.Pi * 6378137.0

	// Vector styles are authored in a 512-px tile space; zoom math is
	// anchored to that.
	baseTileSpan = 512.0
)

// MapRenderer renders still images with Mapnik. One instance per worker;
// the map object holds the loaded style and is reused across renders.
// Top-level Mapnik entrypoints are not reentrant, so callers serialize
// renders through the process-wide arbiter.
type MapRenderer struct {
	m          *mapnik.Map
	size       int
	pixelRatio float64
}

// NormalizeStyleURL prefixes bare paths with file:// the way the server
// has always done; anything already carrying a scheme passes through.
func NormalizeStyleURL(style string) string {
	if !strings.Contains(style, "://") {
		return "file://" + style
	}
	return style
}

// NewMapRenderer creates a renderer with a fixed output size and pixel
// ratio, loading the style once. stylePath must be a local file; remote
// styles are materialized by the caller first.
func NewMapRenderer(stylePath string, size int, pixelRatio float64) (*MapRenderer, error) {
	if err := mapnik.RegisterDatasources("/usr/lib/mapnik/3.1/input"); err != nil {
		return nil, fmt.Errorf("failed to register datasources: %w", err)
	}

	m := mapnik.NewSized(size, size)
	m.SetSRS(mercatorSRS)
	if stylePath != "" {
		if err := m.Load(stylePath); err != nil {
			m.Free()
			return nil, fmt.Errorf("failed to load style: %w", err)
		}
	}

	return &MapRenderer{m: m, size: size, pixelRatio: pixelRatio}, nil
}

// RenderStill renders the extent centered on center at the given zoom.
func (r *MapRenderer) RenderStill(center tilepath.GeoCenter, zoom float64) (image.Image, error) {
	p := project.WGS84.ToMercator(orb.Point{center.Lon, center.Lat})

	metersPerPixel := worldSize / (baseTileSpan * math.Exp2(zoom))
	half := float64(r.size) * metersPerPixel / 2
	r.m.ZoomTo(p[0]-half, p[1]-half, p[0]+half, p[1]+half)

	img, err := r.m.RenderImage(mapnik.RenderOpts{
		Format:      "png32",
		ScaleFactor: r.pixelRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render: %w", err)
	}
	return img, nil
}

// Close releases the engine resources.
func (r *MapRenderer) Close() error {
	if r.m != nil {
		r.m.Free()
		r.m = nil
	}
	return nil
}
