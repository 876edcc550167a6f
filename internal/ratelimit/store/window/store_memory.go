package window

import (
	"context"
	"math"
	"sync"
	"time"

	"affgate/internal/ratelimit/models"
)

// InMemoryWindowStore implements WindowStore with fixed-window counters.
// Single-instance deployments get correct behavior; horizontally scaled
// deployments under-count (each instance keeps its own view) and should use
// RedisWindowStore instead.
type InMemoryWindowStore struct {
	mu      sync.Mutex
	windows map[string]*fixedWindow

	// now is injectable for deterministic window arithmetic in tests.
	now func() time.Time
}

// fixedWindow tracks an admission count until its reset time. Windows are
// reset lazily: the first check after resetAt starts a fresh window.
type fixedWindow struct {
	count   int
	resetAt time.Time
}

// Option configures an InMemoryWindowStore.
type Option func(*InMemoryWindowStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *InMemoryWindowStore) {
		s.now = now
	}
}

// NewInMemoryWindowStore creates a new in-memory fixed-window store.
func NewInMemoryWindowStore(opts ...Option) *InMemoryWindowStore {
	s := &InMemoryWindowStore{
		windows: make(map[string]*fixedWindow),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Take checks whether one request is admitted under the given limit and
// consumes a slot if so. Rejections do not consume anything; they only
// report when the caller may retry.
func (s *InMemoryWindowStore) Take(_ context.Context, key string, limit int, window time.Duration) (*models.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w := s.windows[key]
	if w == nil || !now.Before(w.resetAt) {
		w = &fixedWindow{count: 1, resetAt: now.Add(window)}
		s.windows[key] = w
		return &models.Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit - 1,
			ResetAt:   w.resetAt,
		}, nil
	}

	if w.count < limit {
		w.count++
		return &models.Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit - w.count,
			ResetAt:   w.resetAt,
		}, nil
	}

	return &models.Result{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		ResetAt:    w.resetAt,
		RetryAfter: retryAfterSeconds(now, w.resetAt),
	}, nil
}

// Reset clears the counter for a key.
func (s *InMemoryWindowStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
	return nil
}

// retryAfterSeconds rounds the remaining window up to whole seconds,
// clamped to at least 1 so clients never see a zero or negative delay on
// a rejection.
func retryAfterSeconds(now, resetAt time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
