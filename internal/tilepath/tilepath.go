// Package tilepath parses slippy-map tile addresses and converts them to
// geographic coordinates.
package tilepath

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"
)

// MaxZoom is the highest zoom level the server accepts.
const MaxZoom = 22

// Format is the raster output format requested by the URL extension.
type Format uint8

const (
	PNG Format = iota
	JPG
)

// Ext returns the file extension without the leading dot.
func (f Format) Ext() string {
	if f == JPG {
		return "jpg"
	}
	return "png"
}

// ContentType returns the MIME type for HTTP responses.
func (f Format) ContentType() string {
	if f == JPG {
		return "image/jpeg"
	}
	return "image/png"
}

// TileID identifies one slippy-map tile request.
type TileID struct {
	Name   string
	Z      uint8
	X      uint64
	Y      uint64
	Format Format
}

// GeoCenter is a WGS84 point.
type GeoCenter struct {
	Lon float64
	Lat float64
}

// Matches /name/z/x/y with an optional .png or .jpg extension.
var pathPattern = regexp.MustCompile(`^/([^/]+)/(\d+)/(\d+)/(\d+)(?:\.(png|jpg))?$`)

// Parse extracts a TileID from a request URL. Two shapes are accepted:
// the path shape /name/z/x/y[.ext] and the query shape path?x=&y=&z=
// (format always png). Returns false when neither shape matches or the
// coordinates are out of range.
func Parse(u *url.URL) (TileID, bool) {
	if m := pathPattern.FindStringSubmatch(u.Path); m != nil {
		z, err1 := strconv.ParseUint(m[2], 10, 8)
		x, err2 := strconv.ParseUint(m[3], 10, 64)
		y, err3 := strconv.ParseUint(m[4], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return TileID{}, false
		}
		format := PNG
		if m[5] == "jpg" {
			format = JPG
		}
		id := TileID{Name: m[1], Z: uint8(z), X: x, Y: y, Format: format}
		return id, id.Valid()
	}

	q := u.Query()
	xs, ys, zs := q.Get("x"), q.Get("y"), q.Get("z")
	if xs == "" || ys == "" || zs == "" {
		return TileID{}, false
	}
	z, err1 := strconv.ParseUint(zs, 10, 8)
	x, err2 := strconv.ParseUint(xs, 10, 64)
	y, err3 := strconv.ParseUint(ys, 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return TileID{}, false
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return TileID{}, false
	}
	id := TileID{Name: name, Z: uint8(z), X: x, Y: y, Format: PNG}
	return id, id.Valid()
}

// Valid reports whether the coordinates are inside the tile grid.
func (id TileID) Valid() bool {
	if id.Z > MaxZoom {
		return false
	}
	n := uint64(1) << id.Z
	return id.X < n && id.Y < n
}

// String renders the address in the name/z/x/y.ext shape used in logs and
// cache URLs.
func (id TileID) String() string {
	return fmt.Sprintf("%s/%d/%d/%d.%s", id.Name, id.Z, id.X, id.Y, id.Format.Ext())
}

// RenderKey is the tile identity without the name namespace. Tiles from
// different named endpoints with equal coordinates rasterize identically,
// so render coalescing keys on this.
func (id TileID) RenderKey() string {
	return fmt.Sprintf("%d/%d/%d.%s", id.Z, id.X, id.Y, id.Format.Ext())
}

// Center returns the geographic center of the tile.
// http://wiki.openstreetmap.org/wiki/Slippy_map_tilenames
func (id TileID) Center() GeoCenter {
	n := math.Exp2(float64(id.Z))
	lon := 360.0*(float64(id.X)+0.5)/n - 180.0
	lat := math.Atan(math.Sinh(math.Pi*(1-2.0*(float64(id.Y)+0.5)/n))) * 180.0 / math.Pi
	return GeoCenter{Lon: lon, Lat: lat}
}

// Bounds returns the WGS84 bounding box [minLon, minLat, maxLon, maxLat].
func (id TileID) Bounds() [4]float64 {
	bound := maptile.New(uint32(id.X), uint32(id.Y), maptile.Zoom(id.Z)).Bound()
	return [4]float64{bound.Min.Lon(), bound.Min.Lat(), bound.Max.Lon(), bound.Max.Lat()}
}

// MercatorBounds returns the tile extent in Web Mercator meters
// [minX, minY, maxX, maxY].
func (id TileID) MercatorBounds() [4]float64 {
	b := id.Bounds()
	min := project.WGS84.ToMercator(orb.Point{b[0], b[1]})
	max := project.WGS84.ToMercator(orb.Point{b[2], b[3]})
	return [4]float64{min[0], min[1], max[0], max[1]}
}
