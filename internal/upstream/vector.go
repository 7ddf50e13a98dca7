// Package upstream fetches style, sprite, glyph and vector-tile resources
// from their origin (http(s):// or asset://) and caches them in the vector
// store.
package upstream

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alkmaps/rastertiled/internal/cache"
	"github.com/alkmaps/rastertiled/internal/metrics"
	"github.com/alkmaps/rastertiled/internal/resource"
	"github.com/alkmaps/rastertiled/internal/store"
)

const (
	fetchTimeout = 30 * time.Second

	// defaultExpiry is applied when the origin sends no cache headers.
	defaultExpiry = 30 * time.Hour
)

// VectorSource implements the FileSource contract with a network fallback:
// store first, then origin fetch with write-through. Concurrent origin
// fetches are bounded by the worker limit.
type VectorSource struct {
	store     *store.Store
	client    *http.Client
	assetRoot string
	sem       chan struct{}
	logger    *slog.Logger
}

// NewVectorSource creates an upstream source. assetRoot anchors asset://
// URLs; workers bounds concurrent origin fetches.
func NewVectorSource(st *store.Store, assetRoot string, workers int, logger *slog.Logger) *VectorSource {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorSource{
		store:     st,
		client:    &http.Client{Timeout: fetchTimeout},
		assetRoot: assetRoot,
		sem:       make(chan struct{}, workers),
		logger:    logger,
	}
}

// Request resolves the key from the store, falling back to an origin
// fetch. Exactly one response is delivered to cb unless the handle is
// cancelled first.
func (v *VectorSource) Request(key *resource.Key, cb cache.Callback) *cache.Handle {
	h := &cache.Handle{}
	v.store.Get(*key, func(resp resource.CachedResponse, found bool) {
		if found && resp.Err == nil && resp.Usable() {
			h.Deliver(cb, resp)
			return
		}
		if found && resp.Err == nil {
			// Stale entry: keep it for a conditional refresh.
			key.PriorEtag = resp.Etag
			key.PriorModified = resp.Modified
			key.PriorExpires = resp.Expires
			key.PriorData = resp.Data
		}
		go v.fetch(*key, h, cb)
	})
	return h
}

// Put stores a response directly, bypassing the origin.
func (v *VectorSource) Put(key resource.Key, resp resource.CachedResponse) {
	v.store.Put(key, resp)
}

func (v *VectorSource) fetch(key resource.Key, h *cache.Handle, cb cache.Callback) {
	v.sem <- struct{}{}
	defer func() { <-v.sem }()

	var (
		resp resource.CachedResponse
		err  error
	)
	switch {
	case strings.HasPrefix(key.URL, "asset://"):
		resp, err = v.fetchAsset(key)
	case strings.HasPrefix(key.URL, "file://"):
		resp, err = readFileResponse(strings.TrimPrefix(key.URL, "file://"))
	default:
		resp, err = v.fetchHTTP(key)
	}
	if err != nil {
		metrics.UpstreamFetches.WithLabelValues("error").Inc()
		v.logger.Error("upstream fetch failed", "url", key.URL, "error", err)
		h.Deliver(cb, resource.CachedResponse{
			Err: &resource.Error{Reason: resource.IOError, Message: err.Error()},
		})
		return
	}

	metrics.UpstreamFetches.WithLabelValues("ok").Inc()
	if !resp.NotModified {
		v.store.Put(key, resp)
	}
	h.Deliver(cb, resp)
}

func (v *VectorSource) fetchAsset(key resource.Key) (resource.CachedResponse, error) {
	rel := strings.TrimPrefix(key.URL, "asset://")
	return readFileResponse(filepath.Join(v.assetRoot, filepath.FromSlash(rel)))
}

func readFileResponse(path string) (resource.CachedResponse, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return resource.CachedResponse{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	now := time.Now()
	return resource.CachedResponse{
		Data:     data,
		Modified: now,
		Expires:  now.Add(defaultExpiry),
	}, nil
}

func (v *VectorSource) fetchHTTP(key resource.Key) (resource.CachedResponse, error) {
	req, err := http.NewRequest(http.MethodGet, key.URL, nil)
	if err != nil {
		return resource.CachedResponse{}, fmt.Errorf("invalid url %q: %w", key.URL, err)
	}
	if key.PriorEtag != "" {
		req.Header.Set("If-None-Match", key.PriorEtag)
	} else if !key.PriorModified.IsZero() {
		req.Header.Set("If-Modified-Since", key.PriorModified.UTC().Format(http.TimeFormat))
	}

	res, err := v.client.Do(req)
	if err != nil {
		return resource.CachedResponse{}, fmt.Errorf("fetch %s: %w", key.URL, err)
	}
	defer res.Body.Close()

	now := time.Now()
	switch {
	case res.StatusCode == http.StatusNotModified:
		return resource.CachedResponse{
			Data:        key.PriorData,
			Etag:        key.PriorEtag,
			Modified:    key.PriorModified,
			Expires:     now.Add(defaultExpiry),
			NotModified: true,
		}, nil
	case res.StatusCode == http.StatusNoContent:
		return resource.CachedResponse{NoContent: true, Modified: now, Expires: now.Add(defaultExpiry)}, nil
	case res.StatusCode != http.StatusOK:
		return resource.CachedResponse{}, fmt.Errorf("fetch %s: unexpected status %d", key.URL, res.StatusCode)
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return resource.CachedResponse{}, fmt.Errorf("read body of %s: %w", key.URL, err)
	}

	resp := resource.CachedResponse{
		Data:     data,
		Etag:     res.Header.Get("Etag"),
		Modified: now,
		Expires:  now.Add(defaultExpiry),
	}
	if t, perr := http.ParseTime(res.Header.Get("Last-Modified")); perr == nil {
		resp.Modified = t
	}
	if t, perr := http.ParseTime(res.Header.Get("Expires")); perr == nil {
		resp.Expires = t
	}
	if strings.Contains(res.Header.Get("Cache-Control"), "must-revalidate") {
		resp.MustRevalidate = true
	}
	return resp, nil
}
