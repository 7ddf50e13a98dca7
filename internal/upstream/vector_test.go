package upstream

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alkmaps/rastertiled/internal/resource"
	"github.com/alkmaps/rastertiled/internal/store"
)

func newTestSource(t *testing.T) (*VectorSource, *store.Store, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "vector.cache"), 1<<20, nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	assetRoot := t.TempDir()
	return NewVectorSource(st, assetRoot, 2, nil), st, assetRoot
}

func request(t *testing.T, v *VectorSource, key *resource.Key) resource.CachedResponse {
	t.Helper()
	ch := make(chan resource.CachedResponse, 1)
	v.Request(key, func(resp resource.CachedResponse) {
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

func TestFetchAndWriteThrough(t *testing.T) {
	var hits atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"version":8}`))
	}))
	defer origin.Close()

	v, st, _ := newTestSource(t)

	key := resource.Key{Kind: resource.Style, URL: origin.URL + "/style.json", PixelRatio: 1}
	resp := request(t, v, &key)
	if resp.Err != nil {
		t.Fatalf("Unexpected error: %v", resp.Err)
	}
	if !bytes.Equal(resp.Data, []byte(`{"version":8}`)) {
		t.Errorf("Unexpected body: %q", resp.Data)
	}
	if hits.Load() != 1 {
		t.Fatalf("Expected one origin fetch, got %d", hits.Load())
	}

	// Barrier on the write-through, then the store must answer alone.
	if _, err := st.Size(); err != nil {
		t.Fatalf("Size failed: %v", err)
	}

	again := resource.Key{Kind: resource.Style, URL: origin.URL + "/style.json", PixelRatio: 1}
	resp = request(t, v, &again)
	if resp.Err != nil || !bytes.Equal(resp.Data, []byte(`{"version":8}`)) {
		t.Errorf("Cached read failed: err=%v data=%q", resp.Err, resp.Data)
	}
	if hits.Load() != 1 {
		t.Errorf("Second request must not refetch, got %d origin hits", hits.Load())
	}
}

func TestFetchError(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer origin.Close()

	v, _, _ := newTestSource(t)
	key := resource.Key{Kind: resource.VectorTile, URL: origin.URL + "/tile", PixelRatio: 1}
	resp := request(t, v, &key)
	if resp.Err == nil || resp.Err.Reason != resource.IOError {
		t.Fatalf("Expected an IOError, got %+v", resp.Err)
	}
}

func TestConditionalRevalidation(t *testing.T) {
	var hits atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == "v1" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Etag", "v1")
		w.Write([]byte("payload"))
	}))
	defer origin.Close()

	v, st, _ := newTestSource(t)
	key := resource.Key{Kind: resource.Source, URL: origin.URL + "/source.json", PixelRatio: 1}

	// Seed a stale entry that the origin marked must-revalidate.
	st.Put(key, resource.CachedResponse{
		Data:           []byte("payload"),
		Etag:           "v1",
		Expires:        time.Now().Add(-time.Minute),
		MustRevalidate: true,
	})

	resp := request(t, v, &key)
	if resp.Err != nil {
		t.Fatalf("Unexpected error: %v", resp.Err)
	}
	if !resp.NotModified {
		t.Error("Expected a not-modified revalidation")
	}
	if !bytes.Equal(resp.Data, []byte("payload")) {
		t.Errorf("Prior data must be served on 304, got %q", resp.Data)
	}
	if hits.Load() != 1 {
		t.Errorf("Expected one conditional fetch, got %d", hits.Load())
	}
}

func TestNoContent(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer origin.Close()

	v, _, _ := newTestSource(t)
	key := resource.Key{Kind: resource.VectorTile, URL: origin.URL + "/empty", PixelRatio: 1}
	resp := request(t, v, &key)
	if resp.Err != nil {
		t.Fatalf("Unexpected error: %v", resp.Err)
	}
	if !resp.NoContent || len(resp.Data) != 0 {
		t.Errorf("Expected an empty no-content response, got %+v", resp)
	}
}

func TestAssetScheme(t *testing.T) {
	v, _, assetRoot := newTestSource(t)

	if err := os.MkdirAll(filepath.Join(assetRoot, "sprites"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(assetRoot, "sprites", "sprite.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	key := resource.Key{Kind: resource.Sprite, URL: "asset://sprites/sprite.json", PixelRatio: 1}
	resp := request(t, v, &key)
	if resp.Err != nil {
		t.Fatalf("Unexpected error: %v", resp.Err)
	}
	if !bytes.Equal(resp.Data, []byte("{}")) {
		t.Errorf("Unexpected data: %q", resp.Data)
	}
	if resp.Expires.IsZero() {
		t.Error("Local reads still get a default expiry")
	}
}

func TestAssetMissing(t *testing.T) {
	v, _, _ := newTestSource(t)
	key := resource.Key{Kind: resource.Sprite, URL: "asset://does/not/exist", PixelRatio: 1}
	resp := request(t, v, &key)
	if resp.Err == nil || resp.Err.Reason != resource.IOError {
		t.Fatalf("Expected an IOError, got %+v", resp.Err)
	}
}

func TestFileScheme(t *testing.T) {
	v, _, _ := newTestSource(t)

	path := filepath.Join(t.TempDir(), "style.json")
	if err := os.WriteFile(path, []byte(`{"layers":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	key := resource.Key{Kind: resource.Style, URL: "file://" + path, PixelRatio: 1}
	resp := request(t, v, &key)
	if resp.Err != nil {
		t.Fatalf("Unexpected error: %v", resp.Err)
	}
	if !bytes.Equal(resp.Data, []byte(`{"layers":[]}`)) {
		t.Errorf("Unexpected data: %q", resp.Data)
	}
}
