// Package metrics holds the Prometheus instruments for the tile server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry collects all rastertiled instruments; the /metrics endpoint
// serves it.
var Registry = prometheus.NewRegistry()

var (
	// TilesServed counts tile responses by outcome (hit, rendered, error).
	TilesServed = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "rastertiled_tiles_served_total",
		Help: "Tile responses by outcome.",
	}, []string{"outcome"})

	// RenderSeconds observes wall time of render engine calls.
	RenderSeconds = promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "rastertiled_render_seconds",
		Help:    "Duration of still renders.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// EncodeSeconds observes PNG encoding time.
	EncodeSeconds = promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "rastertiled_encode_seconds",
		Help:    "Duration of raster encoding.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// CacheHits counts raster cache lookups served from cache.
	CacheHits = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "rastertiled_raster_cache_hits_total",
		Help: "Raster cache lookups satisfied without rendering.",
	})

	// CacheMisses counts raster cache lookups that fell through to a render.
	CacheMisses = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "rastertiled_raster_cache_misses_total",
		Help: "Raster cache lookups that required a render.",
	})

	// UpstreamFetches counts origin fetches by the vector source.
	UpstreamFetches = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "rastertiled_upstream_fetches_total",
		Help: "Upstream resource fetches by result.",
	}, []string{"result"})
)
