// Package server exposes the tile, stats and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alkmaps/rastertiled/internal/loader"
	"github.com/alkmaps/rastertiled/internal/metrics"
	"github.com/alkmaps/rastertiled/internal/render"
	"github.com/alkmaps/rastertiled/internal/store"
	"github.com/alkmaps/rastertiled/internal/tilepath"
)

const idleTimeout = 60 * time.Second

// Config carries the server identity and listen address.
type Config struct {
	Name string
	Bind string
	Port int
}

// Server wires the loader and render pool behind HTTP.
type Server struct {
	cfg    Config
	loader *loader.Loader
	pool   *render.Pool
	raster *store.Store
	logger *slog.Logger
	http   *http.Server
	start  time.Time
}

// StatsResponse is the /stats payload.
type StatsResponse struct {
	Name            string                 `json:"name"`
	UptimeSeconds   int64                  `json:"uptime_seconds"`
	RasterCacheSize int64                  `json:"raster_cache_bytes"`
	Renderers       []render.StatsSnapshot `json:"renderers"`
}

// New builds the server. The raster store is only consulted for its size
// in stats reports.
func New(cfg Config, l *loader.Loader, p *render.Pool, raster *store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		loader: l,
		pool:   p,
		raster: raster,
		logger: logger,
		start:  time.Now(),
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       idleTimeout,
	}
	return s
}

// Handler returns the routing handler. Any URL containing /stats reports
// statistics; /healthz and /metrics are fixed; everything else is treated
// as a tile address.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	}))
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.Handle("/", withCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/stats") {
			s.serveStats(w, r)
			return
		}
		s.serveTile(w, r)
	})))
	return mux
}

func (s *Server) serveTile(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("request", "url", r.URL.String())

	id, ok := tilepath.Parse(r.URL)
	if !ok {
		metrics.TilesServed.WithLabelValues("bad_address").Inc()
		http.Error(w, "Not Found: Bad Tile Address", http.StatusNotFound)
		return
	}

	tile := s.loader.Load(r.Context(), id)
	if tile.State == loader.Errored {
		metrics.TilesServed.WithLabelValues("error").Inc()
		s.logger.Error("failed to load tile", "tile", id.String(), "error", tile.Err)
		http.Error(w, "Internal Render Error", http.StatusInternalServerError)
		return
	}

	// A client that went away still caused the render and write-back;
	// only the response write is dropped.
	if r.Context().Err() != nil {
		s.logger.Warn("client gone, dropping response", "tile", id.String())
		return
	}

	if tile.FromCache {
		metrics.TilesServed.WithLabelValues("hit").Inc()
	} else {
		metrics.TilesServed.WithLabelValues("rendered").Inc()
	}
	w.Header().Set("Content-Type", id.Format.ContentType())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(tile.Data); err != nil {
		s.logger.Warn("failed to write response", "tile", id.String(), "error", err)
	}
}

func (s *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	size, err := s.raster.Size()
	if err != nil {
		s.logger.Error("failed to read raster cache size", "error", err)
	}
	resp := StatsResponse{
		Name:            s.cfg.Name,
		UptimeSeconds:   int64(time.Since(s.start).Seconds()),
		RasterCacheSize: size,
		Renderers:       s.pool.Stats(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode stats", "error", err)
		http.Error(w, "failed to encode stats", http.StatusInternalServerError)
	}
}

// ListenAndServe blocks until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("tile server listening", "addr", s.http.Addr, "name", s.cfg.Name)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains connections gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
