package render

import (
	"sync"
	"time"

	"github.com/alkmaps/rastertiled/internal/tilepath"
)

// Stats accumulates render metrics for one worker. Updated only by the
// owning worker; Snapshot copies under a short lock so any goroutine can
// read a consistent view.
type Stats struct {
	mu          sync.Mutex
	start       time.Time
	count       uint64
	totalRender time.Duration
	totalEncode time.Duration
	minRender   time.Duration
	minTile     tilepath.TileID
	maxRender   time.Duration
	maxTile     tilepath.TileID
}

// StatsSnapshot is the JSON shape reported by the stats endpoint.
type StatsSnapshot struct {
	Worker        int    `json:"worker"`
	StartTime     string `json:"start_time"`
	Count         uint64 `json:"count"`
	TotalRenderMS int64  `json:"total_render_ms"`
	TotalEncodeMS int64  `json:"total_encode_ms"`
	MinRenderMS   int64  `json:"min_render_ms"`
	MinTile       string `json:"min_tile,omitempty"`
	MaxRenderMS   int64  `json:"max_render_ms"`
	MaxTile       string `json:"max_tile,omitempty"`
}

func newStats() *Stats {
	return &Stats{start: time.Now()}
}

// observe records one completed render. The first sample always sets both
// extremes.
func (s *Stats) observe(id tilepath.TileID, renderDur, encodeDur time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalRender += renderDur
	s.totalEncode += encodeDur
	if s.count == 0 || renderDur < s.minRender {
		s.minRender = renderDur
		s.minTile = id
	}
	if s.count == 0 || renderDur > s.maxRender {
		s.maxRender = renderDur
		s.maxTile = id
	}
	s.count++
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot(worker int) StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		Worker:        worker,
		StartTime:     s.start.UTC().Format(time.RFC3339),
		Count:         s.count,
		TotalRenderMS: s.totalRender.Milliseconds(),
		TotalEncodeMS: s.totalEncode.Milliseconds(),
		MinRenderMS:   s.minRender.Milliseconds(),
		MaxRenderMS:   s.maxRender.Milliseconds(),
	}
	if s.count > 0 {
		snap.MinTile = s.minTile.String()
		snap.MaxTile = s.maxTile.String()
	}
	return snap
}
