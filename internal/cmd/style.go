package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/alkmaps/rastertiled/internal/resource"
	"github.com/alkmaps/rastertiled/internal/upstream"
)

// resolveStyle turns a style URL into a local file path the rendering
// engine can load. file:// styles are used in place; http(s):// and
// asset:// styles are fetched through the vector source (and therefore
// cached) and materialized to a temp file. The returned cleanup removes
// the temp file; callers defer it for the server's lifetime.
func resolveStyle(styleURL string, source *upstream.VectorSource) (string, func(), error) {
	if strings.HasPrefix(styleURL, "file://") {
		return strings.TrimPrefix(styleURL, "file://"), func() {}, nil
	}

	key := resource.Key{Kind: resource.Style, URL: styleURL, PixelRatio: 1}
	result := make(chan resource.CachedResponse, 1)
	source.Request(&key, func(resp resource.CachedResponse) {
		result <- resp
	})
	resp := <-result
	if resp.Err != nil {
		return "", nil, fmt.Errorf("fetch style: %s", resp.Err.Message)
	}
	if len(resp.Data) == 0 {
		return "", nil, fmt.Errorf("style %q is empty", styleURL)
	}

	f, err := os.CreateTemp("", "rastertiled-style-*.json")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp style file: %w", err)
	}
	if _, err := f.Write(resp.Data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("failed to write temp style file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("failed to close temp style file: %w", err)
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}
