package render

import "sync"

// Arbiter serializes access to the rendering engine across the whole
// process. The engine's internal workers are thread-safe but its top-level
// entrypoints are not reentrant across map instances, so at most one still
// render may execute at any instant. Held strictly around the engine call;
// encoding happens outside.
type Arbiter struct {
	mu sync.Mutex
}

func (a *Arbiter) Acquire() { a.mu.Lock() }
func (a *Arbiter) Release() { a.mu.Unlock() }
