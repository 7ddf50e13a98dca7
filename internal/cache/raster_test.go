package cache

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/alkmaps/rastertiled/internal/resource"
	"github.com/alkmaps/rastertiled/internal/store"
)

func newTestCache(t *testing.T) (*RasterCache, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "raster.cache"), 1<<20, nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	c, err := NewRasterCache(st, 0, nil)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	return c, st
}

func request(t *testing.T, c *RasterCache, key *resource.Key) resource.CachedResponse {
	t.Helper()
	ch := make(chan resource.CachedResponse, 1)
	c.Request(key, func(resp resource.CachedResponse) {
		ch <- resp
	})
	select {
	case resp := <-ch:
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("Request never delivered")
		return resource.CachedResponse{}
	}
}

func tileKey(name string) resource.Key {
	return resource.Key{
		Kind:       resource.RasterTile,
		URL:        "/" + name + "/{z}/{x}/{y}.png",
		Tile:       &resource.TileCoord{Z: 4, X: 8, Y: 5},
		PixelRatio: 2,
	}
}

// An absent key must come back as a response, never as a transport error:
// the caller falls through to rendering on a NotFound reason.
func TestRequestMissing(t *testing.T) {
	c, _ := newTestCache(t)

	key := tileKey("osm")
	resp := request(t, c, &key)
	if resp.Err == nil || resp.Err.Reason != resource.NotFound {
		t.Fatalf("Expected NotFound, got %+v", resp.Err)
	}
	if resp.Err.Message != "Not found in offline database" {
		t.Errorf("Unexpected message: %q", resp.Err.Message)
	}
}

func TestRequestHit(t *testing.T) {
	c, _ := newTestCache(t)

	key := tileKey("osm")
	now := time.Now()
	c.Put(key, resource.CachedResponse{
		Data:     []byte("tile"),
		Etag:     "abc",
		Modified: now,
		Expires:  now.Add(time.Hour),
	})

	lookup := tileKey("osm")
	resp := request(t, c, &lookup)
	if resp.Err != nil {
		t.Fatalf("Unexpected error: %v", resp.Err)
	}
	if !bytes.Equal(resp.Data, []byte("tile")) {
		t.Errorf("Unexpected data: %q", resp.Data)
	}
	// The prior fields ride along for conditional revalidation.
	if lookup.PriorEtag != "abc" {
		t.Errorf("Prior etag not attached: %q", lookup.PriorEtag)
	}
	if !bytes.Equal(lookup.PriorData, []byte("tile")) {
		t.Error("Prior data not attached")
	}
}

// A stale must-revalidate entry reports NotFound but keeps its payload, so
// the caller can refresh conditionally and fall back to the stale bytes.
func TestRequestStale(t *testing.T) {
	c, st := newTestCache(t)

	key := tileKey("osm")
	st.Put(key, resource.CachedResponse{
		Data:           []byte("stale tile"),
		Etag:           "old",
		Expires:        time.Now().Add(-time.Hour),
		MustRevalidate: true,
	})

	lookup := tileKey("osm")
	resp := request(t, c, &lookup)
	if resp.Err == nil || resp.Err.Reason != resource.NotFound {
		t.Fatalf("Expected NotFound for stale entry, got %+v", resp.Err)
	}
	if resp.Err.Message != "Cached resource is unusable" {
		t.Errorf("Unexpected message: %q", resp.Err.Message)
	}
	if !bytes.Equal(resp.Data, []byte("stale tile")) {
		t.Error("Stale data must be preserved in the response")
	}
	if lookup.PriorEtag != "old" {
		t.Errorf("Prior etag not attached: %q", lookup.PriorEtag)
	}
}

func TestHotLayerServesRepeats(t *testing.T) {
	c, st := newTestCache(t)

	key := tileKey("osm")
	c.Put(key, resource.CachedResponse{Data: []byte("tile"), Expires: time.Now().Add(time.Hour)})

	// Pause the store; the hot layer must answer without it.
	st.Pause()
	defer st.Resume()

	lookup := tileKey("osm")
	resp := request(t, c, &lookup)
	if resp.Err != nil || !bytes.Equal(resp.Data, []byte("tile")) {
		t.Errorf("Hot layer miss: err=%v data=%q", resp.Err, resp.Data)
	}
}

// An entry the store evicts must leave the hot layer too; otherwise the
// byte bound would stop governing what is served.
func TestStoreEvictionDropsHotEntry(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "raster.cache"), 220, nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	c, err := NewRasterCache(st, 0, nil)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}

	payload := bytes.Repeat([]byte("x"), 200)
	expires := time.Now().Add(time.Hour)

	c.Put(tileKey("osm"), resource.CachedResponse{Data: payload, Expires: expires})
	if _, err := st.Size(); err != nil {
		t.Fatalf("Size failed: %v", err)
	}

	// The second put pushes the store over its limit and evicts the first.
	c.Put(tileKey("other"), resource.CachedResponse{Data: payload, Expires: expires})
	if _, err := st.Size(); err != nil {
		t.Fatalf("Size failed: %v", err)
	}

	lookup := tileKey("osm")
	resp := request(t, c, &lookup)
	if resp.Err == nil || resp.Err.Reason != resource.NotFound {
		t.Fatalf("Evicted entry must not be served from memory, got %+v", resp.Err)
	}
}

func TestCancelDropsDelivery(t *testing.T) {
	c, st := newTestCache(t)
	key := tileKey("osm")
	c.Put(key, resource.CachedResponse{Data: []byte("tile")})

	// Park the actor so the lookup cannot complete before the cancel.
	st.Pause()

	// Bypass the hot layer with a different name.
	lookup := tileKey("cold")
	delivered := make(chan struct{}, 1)
	h := c.Request(&lookup, func(resource.CachedResponse) {
		delivered <- struct{}{}
	})
	h.Cancel()
	h.Cancel() // cancelling twice is safe
	st.Resume()

	select {
	case <-delivered:
		t.Error("Cancelled request must not deliver")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandleDeliverAfterCancel(t *testing.T) {
	h := &Handle{}
	h.Cancel()
	h.Deliver(func(resource.CachedResponse) {
		t.Error("Deliver ran after cancel")
	}, resource.CachedResponse{})
}
