// Package loader coordinates one tile request: cache lookup first, render
// on miss, then an asynchronous write-back.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alkmaps/rastertiled/internal/cache"
	"github.com/alkmaps/rastertiled/internal/render"
	"github.com/alkmaps/rastertiled/internal/resource"
	"github.com/alkmaps/rastertiled/internal/tilepath"
)

// tileExpiry is how long a rendered tile stays fresh in the raster cache.
const tileExpiry = 30 * time.Hour

// State of a finished tile.
type State uint8

const (
	Ready State = iota
	Errored
)

// Tile is the outcome of one load. It lives for the duration of a single
// request.
type Tile struct {
	ID        tilepath.TileID
	State     State
	Data      []byte
	Modified  time.Time
	Expires   time.Time
	FromCache bool
	Err       error
}

// Loader resolves tiles cache-first. Concurrent loads of the same tile
// coordinates collapse into a single render regardless of which worker
// picks them up.
type Loader struct {
	cache      *cache.RasterCache
	pool       *render.Pool
	pixelRatio uint8
	flight     singleflight.Group
	logger     *slog.Logger
}

// New creates a loader over the raster cache and render pool.
func New(c *cache.RasterCache, p *render.Pool, pixelRatio float64, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		cache:      c,
		pool:       p,
		pixelRatio: uint8(pixelRatio),
		logger:     logger,
	}
}

// Key returns the raster-cache key for a tile. The URL keeps the name so
// distinct endpoints get distinct cache namespaces.
func (l *Loader) Key(id tilepath.TileID) resource.Key {
	return resource.Key{
		Kind:       resource.RasterTile,
		URL:        fmt.Sprintf("/%s/{z}/{x}/{y}.%s", id.Name, id.Format.Ext()),
		Tile:       &resource.TileCoord{Z: id.Z, X: id.X, Y: id.Y},
		PixelRatio: l.pixelRatio,
	}
}

// Load resolves one tile. Failures are reported through the returned
// Tile, never as a panic or error return; the handler maps Errored to a
// 500. A cancelled request still completes its render and write-back.
func (l *Loader) Load(ctx context.Context, id tilepath.TileID) *Tile {
	key := l.Key(id)

	result := make(chan resource.CachedResponse, 1)
	l.cache.Request(&key, func(resp resource.CachedResponse) {
		result <- resp
	})
	resp := <-result

	if resp.Err == nil && !resp.NoContent && len(resp.Data) > 0 {
		l.logger.Info("found in cache", "tile", id.String())
		return &Tile{
			ID:        id,
			State:     Ready,
			Data:      resp.Data,
			Modified:  resp.Modified,
			Expires:   resp.Expires,
			FromCache: true,
		}
	}

	if resp.Err != nil && resp.Err.Reason != resource.NotFound {
		// Lookup failures degrade to a render; the tile is still
		// servable even when the cache is not.
		l.logger.Error("cache lookup failed, rendering instead", "tile", id.String(), "error", resp.Err)
	} else {
		l.logger.Info("not found in cache", "tile", id.String())
	}

	data, err, shared := l.flight.Do(id.RenderKey(), func() (interface{}, error) {
		// The render outlives the request: a gone client must not fail
		// coalesced followers, only its own response write is dropped.
		return l.pool.Render(context.WithoutCancel(ctx), id)
	})
	if err != nil {
		return &Tile{ID: id, State: Errored, Err: err}
	}
	if shared {
		l.logger.Debug("render coalesced", "tile", id.String())
	}

	now := time.Now()
	tile := &Tile{
		ID:       id,
		State:    Ready,
		Data:     data.([]byte),
		Modified: now,
		Expires:  now.Add(tileExpiry),
	}

	// Write-back is asynchronous; the response does not wait for the put.
	l.cache.Put(key, resource.CachedResponse{
		Data:     tile.Data,
		Modified: tile.Modified,
		Expires:  tile.Expires,
	})

	return tile
}
