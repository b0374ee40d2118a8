// Package filter implements the per-socket visibility policy: a
// boolean expression of predicates evaluated against each identity an
// upstream agent reports. Expressions are OR-groups of AND-rules;
// keyfile and github predicates pull their key sets from external
// sources with snapshot caching.
package filter

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// snapshot is one immutable generation of a source's key set. A
// refresh builds a complete new snapshot and swaps the pointer, so a
// concurrent reader always sees one whole generation.
type snapshot struct {
	blobs   map[string]struct{}
	fetched time.Time
}

// Source is a cached external set of key blobs (a keyfile or a GitHub
// user's published keys). Lookups are lock-free; a failed refresh
// keeps the previous snapshot, and a source that never loaded matches
// nothing.
type Source struct {
	name  string
	ttl   time.Duration
	fetch func(context.Context) ([][]byte, error)

	mu   sync.Mutex // serializes refreshes only
	snap atomic.Pointer[snapshot]
}

func newSource(name string, ttl time.Duration, fetch func(context.Context) ([][]byte, error)) *Source {
	return &Source{name: name, ttl: ttl, fetch: fetch}
}

// Name identifies the source in logs and error messages.
func (s *Source) Name() string { return s.name }

// Contains reports whether blob is a member of the current snapshot.
// With no successful fetch ever, it reports false: an ambiguous allow
// is strictly worse than an ambiguous deny for a security filter.
func (s *Source) Contains(blob []byte) bool {
	snap := s.snap.Load()
	if snap == nil {
		return false
	}
	_, ok := snap.blobs[string(blob)]
	return ok
}

// Stale reports whether the snapshot is missing or past its TTL.
func (s *Source) Stale() bool {
	snap := s.snap.Load()
	return snap == nil || (s.ttl > 0 && time.Since(snap.fetched) >= s.ttl)
}

// Refresh fetches the source and swaps in a new snapshot. It is
// idempotent and safe to call concurrently with Contains. On failure
// the previous snapshot (if any) stays in place and the error is
// returned for the caller to log.
func (s *Source) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if !s.Stale() {
		return nil
	}

	blobs, err := s.fetch(ctx)
	if err != nil {
		return err
	}

	snap := &snapshot{
		blobs:   make(map[string]struct{}, len(blobs)),
		fetched: time.Now(),
	}
	for _, b := range blobs {
		snap.blobs[string(b)] = struct{}{}
	}
	s.snap.Store(snap)
	return nil
}

// RefreshIfStale refreshes when needed and logs instead of failing, so
// a flaky source degrades to its last good snapshot.
func (s *Source) RefreshIfStale(ctx context.Context, logger *slog.Logger) {
	if !s.Stale() {
		return
	}
	if err := s.Refresh(ctx); err != nil {
		logger.Warn("filter source refresh failed",
			slog.String("source", s.name),
			slog.Bool("have_previous", s.snap.Load() != nil),
			slog.Any("error", err),
		)
	}
}

// keyCount returns the size of the current snapshot, for logging.
func (s *Source) keyCount() int {
	snap := s.snap.Load()
	if snap == nil {
		return 0
	}
	return len(snap.blobs)
}
