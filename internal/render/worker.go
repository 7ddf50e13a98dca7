package render

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"log/slog"
	"sync"
	"time"

	"github.com/alkmaps/rastertiled/internal/metrics"
	"github.com/alkmaps/rastertiled/internal/tilepath"
)

// RendererFactory builds a worker's engine instance. Called lazily on the
// worker goroutine the first time it receives a job.
type RendererFactory func() (Renderer, error)

type job struct {
	id    tilepath.TileID
	reply chan jobResult
}

type jobResult struct {
	data []byte
	err  error
}

// Worker owns one Renderer and issues renders serially. All engine calls
// happen on the worker's goroutine.
type Worker struct {
	id       int
	factory  RendererFactory
	renderer Renderer
	tileSize int
	arbiter  *Arbiter
	stats    *Stats
	logger   *slog.Logger
}

// Pool runs a fixed set of render workers fed by a shared job channel.
// Handlers block on a reply channel until their render completes; renders
// already picked up by a worker are never cancelled.
type Pool struct {
	workers []*Worker
	jobs    chan job
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewPool starts n workers. Each creates its renderer lazily via factory
// on first use and keeps it until Close.
func NewPool(n int, tileSize int, factory RendererFactory, logger *slog.Logger) *Pool {
	if n <= 0 {
		n = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		jobs:   make(chan job),
		logger: logger,
	}
	arbiter := &Arbiter{}
	for i := 0; i < n; i++ {
		w := &Worker{
			id:       i,
			factory:  factory,
			tileSize: tileSize,
			arbiter:  arbiter,
			stats:    newStats(),
			logger:   logger.With("worker", i),
		}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(p.jobs)
		}()
	}
	return p
}

// Render renders one tile and returns the encoded PNG bytes. The context
// only guards the wait for a free worker; once a worker picks the job up
// the render runs to completion.
func (p *Pool) Render(ctx context.Context, id tilepath.TileID) ([]byte, error) {
	reply := make(chan jobResult, 1)
	select {
	case p.jobs <- job{id: id, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	res := <-reply
	return res.data, res.err
}

// Stats snapshots every worker's counters. Each snapshot is consistent per
// worker; no cross-worker atomicity is promised.
func (p *Pool) Stats() []StatsSnapshot {
	snaps := make([]StatsSnapshot, 0, len(p.workers))
	for _, w := range p.workers {
		snaps = append(snaps, w.stats.Snapshot(w.id))
	}
	return snaps
}

// Close stops accepting jobs, waits for in-flight renders and releases the
// engines.
func (p *Pool) Close() {
	close(p.jobs)
	p.wg.Wait()
	for _, w := range p.workers {
		if w.renderer != nil {
			if err := w.renderer.Close(); err != nil {
				p.logger.Warn("failed to close renderer", "worker", w.id, "error", err)
			}
		}
	}
}

func (w *Worker) run(jobs <-chan job) {
	for j := range jobs {
		data, err := w.renderTile(j.id)
		j.reply <- jobResult{data: data, err: err}
	}
}

func (w *Worker) renderTile(id tilepath.TileID) ([]byte, error) {
	if w.renderer == nil {
		r, err := w.factory()
		if err != nil {
			return nil, fmt.Errorf("failed to init renderer: %w", err)
		}
		w.renderer = r
		w.logger.Info("renderer created")
	}

	center := id.Center()
	zoom := effectiveZoom(id.Z, w.tileSize)

	w.logger.Info("rendering", "tile", id.String())
	begin := time.Now()

	w.arbiter.Acquire()
	img, err := w.renderer.RenderStill(center, zoom)
	w.arbiter.Release()

	renderDur := time.Since(begin)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", id.String(), err)
	}
	w.logger.Info("rendered", "tile", id.String(), "ms", renderDur.Milliseconds())

	encodeBegin := time.Now()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode %s: %w", id.String(), err)
	}
	encodeDur := time.Since(encodeBegin)
	w.logger.Info("encoded", "tile", id.String(), "ms", encodeDur.Milliseconds())

	w.stats.observe(id, renderDur, encodeDur)
	metrics.RenderSeconds.Observe(renderDur.Seconds())
	metrics.EncodeSeconds.Observe(encodeDur.Seconds())

	return buf.Bytes(), nil
}

// effectiveZoom drops one level for undersized tiles: vector tiles are
// authored in a 512-px space, so a 256-px tile rendered at z-1 keeps
// feature scale.
func effectiveZoom(z uint8, tileSize int) float64 {
	if tileSize < 512 && z > 0 {
		return float64(z - 1)
	}
	if tileSize < 512 {
		return 0
	}
	return float64(z)
}
