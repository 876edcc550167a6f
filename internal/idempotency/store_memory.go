// Package idempotency caches fully-shaped responses under client-supplied
// keys so retried requests replay the original outcome instead of re-invoking
// the upstream. This is a client-retry convenience with a bounded TTL, not a
// durability guarantee.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// Entry holds a serialized response and its expiry. The body is stored as raw
// bytes so replays are byte-identical to the first response.
type Entry struct {
	Key        string
	StatusCode int
	Body       []byte
	ExpiresAt  time.Time
}

// InMemoryStore keeps idempotency entries process-local. Entries are evicted
// lazily on read; a restart forgets them, which is an accepted trade-off for
// single-instance deployments.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry

	now func() time.Time
}

// Option configures an InMemoryStore.
type Option func(*InMemoryStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *InMemoryStore) {
		s.now = now
	}
}

// NewInMemoryStore creates an empty in-memory idempotency store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	s := &InMemoryStore{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the live entry for a key. Expired entries behave as a miss and
// are evicted on the way out.
func (s *InMemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}

	if !s.now().Before(entry.ExpiresAt) {
		s.mu.Lock()
		// Re-check under the write lock: another request may have replaced
		// the entry since we released the read lock.
		if current, still := s.entries[key]; still && !s.now().Before(current.ExpiresAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return Entry{}, false, nil
	}

	return entry, true, nil
}

// Put stores a response under the key for the given TTL. Last writer wins;
// contending requests for the same key produce equivalent responses anyway.
func (s *InMemoryStore) Put(_ context.Context, key string, statusCode int, body []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = Entry{
		Key:        key,
		StatusCode: statusCode,
		Body:       body,
		ExpiresAt:  s.now().Add(ttl),
	}
	return nil
}
