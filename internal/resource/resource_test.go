package resource

import (
	"testing"
	"time"
)

func TestFingerprint(t *testing.T) {
	key := Key{Kind: Style, URL: "https://example.com/style.json", PixelRatio: 1}
	if got, want := key.Fingerprint(), "1|1|https://example.com/style.json"; got != want {
		t.Errorf("Fingerprint() = %q, want %q", got, want)
	}

	tiled := Key{
		Kind:       RasterTile,
		URL:        "/osm/{z}/{x}/{y}.png",
		Tile:       &TileCoord{Z: 4, X: 8, Y: 5},
		PixelRatio: 2,
	}
	if got, want := tiled.Fingerprint(), "5|2|/osm/{z}/{x}/{y}.png|4/8/5"; got != want {
		t.Errorf("Fingerprint() = %q, want %q", got, want)
	}
}

func TestFingerprint_IdentityFields(t *testing.T) {
	base := Key{Kind: VectorTile, URL: "u", Tile: &TileCoord{Z: 1, X: 0, Y: 0}, PixelRatio: 1}

	other := base
	other.PixelRatio = 2
	if base.Fingerprint() == other.Fingerprint() {
		t.Error("Pixel ratio must be part of the identity")
	}

	other = base
	other.Kind = RasterTile
	if base.Fingerprint() == other.Fingerprint() {
		t.Error("Kind must be part of the identity")
	}

	// The prior fields carry revalidation state only.
	other = base
	other.PriorEtag = "abc"
	other.PriorModified = time.Now()
	if base.Fingerprint() != other.Fingerprint() {
		t.Error("Prior fields must not change the identity")
	}
}

func TestUsable(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		resp CachedResponse
		want bool
	}{
		{"fresh", CachedResponse{Data: []byte("x"), Expires: now.Add(time.Hour)}, true},
		{"no expiry", CachedResponse{Data: []byte("x")}, true},
		{"expired soft", CachedResponse{Data: []byte("x"), Expires: now.Add(-time.Hour)}, true},
		{"expired must-revalidate", CachedResponse{Data: []byte("x"), Expires: now.Add(-time.Hour), MustRevalidate: true}, false},
		{"errored", CachedResponse{Err: &Error{Reason: IOError, Message: "disk"}}, false},
	}
	for _, c := range cases {
		if got := c.resp.Usable(); got != c.want {
			t.Errorf("%s: Usable() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestNotFoundResponse(t *testing.T) {
	resp := NotFoundResponse("Not found in offline database")
	if resp.Err == nil || resp.Err.Reason != NotFound {
		t.Fatalf("Expected a NotFound error, got %+v", resp.Err)
	}
	if resp.Err.Message != "Not found in offline database" {
		t.Errorf("Unexpected message: %q", resp.Err.Message)
	}
	if !resp.NoContent {
		t.Error("Synthesized responses carry no content")
	}
	if resp.Usable() {
		t.Error("A not-found response is never usable")
	}
}

func TestErrorString(t *testing.T) {
	err := &Error{Reason: Corrupted, Message: "database disk image is malformed"}
	if got, want := err.Error(), "corrupted: database disk image is malformed"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
