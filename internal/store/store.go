// Package store provides a size-bounded durable key/value store for cached
// resources, backed by an embedded sqlite database.
//
// Each store owns a dedicated goroutine (an actor) that is the only code
// touching the database handle. All operations are enqueued and processed
// in FIFO order; replies are invoked from the actor goroutine.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alkmaps/rastertiled/internal/resource"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
	CREATE TABLE IF NOT EXISTS resources (
		fingerprint TEXT PRIMARY KEY,
		kind INTEGER NOT NULL,
		url TEXT NOT NULL,
		data BLOB,
		etag TEXT NOT NULL DEFAULT '',
		modified INTEGER NOT NULL DEFAULT 0,
		expires INTEGER NOT NULL DEFAULT 0,
		must_revalidate INTEGER NOT NULL DEFAULT 0,
		no_content INTEGER NOT NULL DEFAULT 0,
		size INTEGER NOT NULL DEFAULT 0,
		accessed INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS resources_lru ON resources (accessed, modified);
`

// errClosed is delivered to lookups that race with Close.
var errClosed = errors.New("store is closed")

// Store is a bounded durable KV over sqlite, accessed through an actor.
type Store struct {
	path   string
	limit  int64
	logger *slog.Logger

	db     *sql.DB
	ops    chan func()
	resume chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	closed    bool
	evictHook func(fingerprint string)
}

// Open creates or opens the database at path and starts the actor. limit
// bounds the total bytes of stored data; eviction runs on every put that
// would exceed it.
func Open(path string, limit int64, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &Store{
		path:   path,
		limit:  limit,
		logger: logger.With("store", path),
		db:     db,
		ops:    make(chan func(), 128),
		resume: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *Store) run() {
	defer close(s.done)
	for op := range s.ops {
		op()
	}
}

// enqueue hands an operation to the actor. It reports false once Close has
// run, so a late caller never reaches the closed channel.
func (s *Store) enqueue(op func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.ops <- op
	return true
}

// OnEvict registers a hook invoked with the fingerprint of every evicted
// entry. The hook runs on the store goroutine and must not call back into
// the store. Register before the first Put.
func (s *Store) OnEvict(fn func(fingerprint string)) {
	s.mu.Lock()
	s.evictHook = fn
	s.mu.Unlock()
}

// Get looks up a key and invokes reply with the stored response. found is
// false for absent keys. Database failures are delivered as responses
// carrying a Corrupted or IOError error, never as panics.
func (s *Store) Get(key resource.Key, reply func(resp resource.CachedResponse, found bool)) {
	fp := key.Fingerprint()
	ok := s.enqueue(func() {
		resp, found, err := s.get(fp)
		if err != nil {
			s.logger.Error("cache get failed", "key", fp, "error", err)
			reply(errorResponse(err), true)
			return
		}
		reply(resp, found)
	})
	if !ok {
		s.logger.Warn("cache get after close", "key", fp)
		reply(errorResponse(errClosed), true)
	}
}

// Put stores a response for a key, then evicts least-recently-used entries
// while the total stored size exceeds the limit. Ties are broken by oldest
// modified time. Put is asynchronous; failures are logged by the actor.
func (s *Store) Put(key resource.Key, resp resource.CachedResponse) {
	fp := key.Fingerprint()
	ok := s.enqueue(func() {
		if err := s.put(fp, key, resp); err != nil {
			s.logger.Error("cache put failed", "key", fp, "error", err)
			return
		}
		if err := s.evict(); err != nil {
			s.logger.Error("cache eviction failed", "error", err)
		}
	})
	if !ok {
		s.logger.Warn("dropping cache put after close", "key", fp)
	}
}

// Pause halts the actor after the operations already enqueued ahead of it.
// Later operations queue up until Resume. Pause after Close is a no-op.
func (s *Store) Pause() {
	s.enqueue(func() {
		<-s.resume
	})
}

// Resume unblocks a paused actor. Calling Resume on a store that is not
// paused blocks until the matching Pause is processed, so callers pair them.
func (s *Store) Resume() {
	s.resume <- struct{}{}
}

// Size returns the total bytes of stored data. It is processed in queue
// order, after every operation enqueued before it.
func (s *Store) Size() (int64, error) {
	type result struct {
		n   int64
		err error
	}
	ch := make(chan result, 1)
	if !s.enqueue(func() {
		n, err := s.totalSize()
		ch <- result{n, err}
	}) {
		return 0, errClosed
	}
	r := <-ch
	return r.n, r.err
}

// Close drains pending operations and closes the database. Operations
// arriving after Close are dropped; closing twice is safe.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()

	<-s.done
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func (s *Store) get(fp string) (resource.CachedResponse, bool, error) {
	var (
		resp           resource.CachedResponse
		modified       int64
		expires        int64
		mustRevalidate int64
		noContent      int64
	)
	err := s.db.QueryRow(
		"SELECT data, etag, modified, expires, must_revalidate, no_content FROM resources WHERE fingerprint = ?",
		fp,
	).Scan(&resp.Data, &resp.Etag, &modified, &expires, &mustRevalidate, &noContent)
	if err == sql.ErrNoRows {
		return resource.CachedResponse{}, false, nil
	}
	if err != nil {
		return resource.CachedResponse{}, false, err
	}

	if modified != 0 {
		resp.Modified = time.Unix(0, modified)
	}
	if expires != 0 {
		resp.Expires = time.Unix(0, expires)
	}
	resp.MustRevalidate = mustRevalidate != 0
	resp.NoContent = noContent != 0

	if _, err := s.db.Exec("UPDATE resources SET accessed = ? WHERE fingerprint = ?",
		time.Now().UnixNano(), fp); err != nil {
		s.logger.Warn("failed to touch cache entry", "key", fp, "error", err)
	}
	return resp, true, nil
}

func (s *Store) put(fp string, key resource.Key, resp resource.CachedResponse) error {
	var modified, expires int64
	if !resp.Modified.IsZero() {
		modified = resp.Modified.UnixNano()
	}
	if !resp.Expires.IsZero() {
		expires = resp.Expires.UnixNano()
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO resources
			(fingerprint, kind, url, data, etag, modified, expires, must_revalidate, no_content, size, accessed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fp, key.Kind, key.URL, resp.Data, resp.Etag, modified, expires,
		boolInt(resp.MustRevalidate), boolInt(resp.NoContent), len(resp.Data), time.Now().UnixNano(),
	)
	return err
}

func (s *Store) evict() error {
	for {
		total, err := s.totalSize()
		if err != nil {
			return err
		}
		if total <= s.limit {
			return nil
		}
		var fp string
		err = s.db.QueryRow(
			"SELECT fingerprint FROM resources ORDER BY accessed ASC, modified ASC LIMIT 1",
		).Scan(&fp)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := s.db.Exec("DELETE FROM resources WHERE fingerprint = ?", fp); err != nil {
			return err
		}

		s.mu.Lock()
		hook := s.evictHook
		s.mu.Unlock()
		if hook != nil {
			hook(fp)
		}
		s.logger.Debug("evicted cache entry", "key", fp, "size_before", total)
	}
}

func (s *Store) totalSize() (int64, error) {
	var total int64
	err := s.db.QueryRow("SELECT COALESCE(SUM(size), 0) FROM resources").Scan(&total)
	return total, err
}

func errorResponse(err error) resource.CachedResponse {
	reason := resource.IOError
	if strings.Contains(err.Error(), "malformed") || strings.Contains(err.Error(), "corrupt") {
		reason = resource.Corrupted
	}
	return resource.CachedResponse{
		Err: &resource.Error{Reason: reason, Message: err.Error()},
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
