// Package cache implements the FileSource contract over the persistent
// store, plus a small in-memory hot layer for rendered tiles.
package cache

import (
	"log/slog"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/alkmaps/rastertiled/internal/metrics"
	"github.com/alkmaps/rastertiled/internal/resource"
	"github.com/alkmaps/rastertiled/internal/store"
)

// Callback receives the response for a request.
type Callback func(resource.CachedResponse)

// FileSource is the abstract byte-resource provider consumed by the
// renderer and the tile loader. Request may attach prior revalidation
// fields to *key when a stale entry exists.
type FileSource interface {
	Request(key *resource.Key, cb Callback) *Handle
	Put(key resource.Key, resp resource.CachedResponse)
}

// Handle cancels a pending request. Cancel after delivery is a no-op, and
// cancelling twice is safe.
type Handle struct {
	cancelled atomic.Bool
}

// Cancel drops any pending callback for the request.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
}

// Deliver invokes cb unless the handle was cancelled. File sources use it
// so cancellation is honoured no matter which goroutine resolves the
// request.
func (h *Handle) Deliver(cb Callback, resp resource.CachedResponse) {
	if !h.cancelled.Load() {
		cb(resp)
	}
}

// DefaultHotEntries bounds the in-memory layer; entries are whole encoded
// tiles, so this stays small.
const DefaultHotEntries = 256

// RasterCache serves rendered tiles from the raster store. Lookups of
// absent keys synthesize a NotFound response instead of erroring; stale
// entries come back NotFound with the prior fields attached to the key for
// conditional revalidation.
type RasterCache struct {
	store  *store.Store
	hot    *lru.Cache[string, resource.CachedResponse]
	logger *slog.Logger
}

// NewRasterCache wraps the given store. entries bounds the hot layer;
// zero or negative selects DefaultHotEntries.
func NewRasterCache(st *store.Store, entries int, logger *slog.Logger) (*RasterCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if entries <= 0 {
		entries = DefaultHotEntries
	}
	hot, err := lru.New[string, resource.CachedResponse](entries)
	if err != nil {
		return nil, err
	}
	// The hot layer stays subordinate to the store's byte bound: an entry
	// the store evicts must not be served from memory.
	st.OnEvict(func(fp string) { hot.Remove(fp) })
	return &RasterCache{store: st, hot: hot, logger: logger}, nil
}

// Request looks the key up and delivers exactly one response to cb. The
// returned handle cancels delivery if it has not happened yet.
func (c *RasterCache) Request(key *resource.Key, cb Callback) *Handle {
	h := &Handle{}
	fp := key.Fingerprint()

	if resp, ok := c.hot.Get(fp); ok && resp.Usable() {
		metrics.CacheHits.Inc()
		attachPrior(key, resp)
		h.Deliver(cb, resp)
		return h
	}

	c.store.Get(*key, func(resp resource.CachedResponse, found bool) {
		if !found {
			metrics.CacheMisses.Inc()
			h.Deliver(cb, resource.NotFoundResponse("Not found in offline database"))
			return
		}
		if resp.Err != nil {
			h.Deliver(cb, resp)
			return
		}
		if !resp.Usable() {
			// Keep the stale fields on the key so a refresh can be
			// conditional, but report the entry as absent.
			metrics.CacheMisses.Inc()
			attachPrior(key, resp)
			stale := resp
			stale.Err = &resource.Error{Reason: resource.NotFound, Message: "Cached resource is unusable"}
			h.Deliver(cb, stale)
			return
		}
		metrics.CacheHits.Inc()
		attachPrior(key, resp)
		c.hot.Add(fp, resp)
		h.Deliver(cb, resp)
	})
	return h
}

// Put stores the response durably and in the hot layer.
func (c *RasterCache) Put(key resource.Key, resp resource.CachedResponse) {
	if resp.Err == nil && !resp.NoContent {
		c.hot.Add(key.Fingerprint(), resp)
	}
	c.store.Put(key, resp)
}

// Pause forwards to the underlying store.
func (c *RasterCache) Pause() { c.store.Pause() }

// Resume forwards to the underlying store.
func (c *RasterCache) Resume() { c.store.Resume() }

func attachPrior(key *resource.Key, resp resource.CachedResponse) {
	key.PriorEtag = resp.Etag
	key.PriorModified = resp.Modified
	key.PriorExpires = resp.Expires
	key.PriorData = resp.Data
}
