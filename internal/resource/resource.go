// Package resource defines the durable cache key and response types shared
// by the cache stores and file sources.
package resource

import (
	"fmt"
	"time"
)

// Kind classifies a cached resource.
type Kind uint8

const (
	Style Kind = iota + 1
	Sprite
	Glyph
	VectorTile
	RasterTile
	Source
)

// TileCoord is the optional tile coordinate of a tile-shaped resource.
type TileCoord struct {
	Z uint8
	X uint64
	Y uint64
}

// Key is the durable identity of a cached resource. The prior* fields are
// not part of the identity; a file source fills them from a stale cache
// entry so the next fetch can be conditional.
type Key struct {
	Kind       Kind
	URL        string
	Tile       *TileCoord
	PixelRatio uint8

	PriorEtag     string
	PriorModified time.Time
	PriorExpires  time.Time
	PriorData     []byte
}

// Fingerprint is the canonical serialization of the key, stable across
// processes. It doubles as the primary key in the cache stores.
func (k Key) Fingerprint() string {
	if k.Tile != nil {
		return fmt.Sprintf("%d|%d|%s|%d/%d/%d", k.Kind, k.PixelRatio, k.URL, k.Tile.Z, k.Tile.X, k.Tile.Y)
	}
	return fmt.Sprintf("%d|%d|%s", k.Kind, k.PixelRatio, k.URL)
}

// Reason classifies a response error.
type Reason uint8

const (
	NotFound Reason = iota + 1
	Corrupted
	IOError
)

func (r Reason) String() string {
	switch r {
	case NotFound:
		return "not found"
	case Corrupted:
		return "corrupted"
	case IOError:
		return "io error"
	default:
		return "unknown"
	}
}

// Error is a response-level failure that crosses the store boundary as
// data, never as a panic.
type Error struct {
	Reason  Reason
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// CachedResponse is the value stored for a Key. Either Data is present, or
// NoContent is set, or Err is set.
type CachedResponse struct {
	Data           []byte
	Etag           string
	Modified       time.Time
	Expires        time.Time
	MustRevalidate bool
	NoContent      bool
	NotModified    bool
	Err            *Error
}

// Usable reports whether the response may be served as-is. A stale entry
// that the origin marked must-revalidate is present but not usable.
func (r CachedResponse) Usable() bool {
	if r.Err != nil {
		return false
	}
	return r.Expires.IsZero() || r.Expires.After(time.Now()) || !r.MustRevalidate
}

// NotFoundResponse synthesizes the response returned for absent keys, so a
// cache-only lookup always produces a response instead of an error.
func NotFoundResponse(message string) CachedResponse {
	return CachedResponse{
		NoContent: true,
		Err:       &Error{Reason: NotFound, Message: message},
	}
}
