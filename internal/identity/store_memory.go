package identity

import (
	"context"
	"sync"
)

// InMemoryStore keeps known identities in a set. It backs development and
// test deployments and intentionally favors clarity over performance.
type InMemoryStore struct {
	mu     sync.RWMutex
	emails map[string]struct{}
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{emails: make(map[string]struct{})}
}

// Add registers an identity. Callers are expected to pass normalized emails.
func (s *InMemoryStore) Add(_ context.Context, normalizedEmail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails[normalizedEmail] = struct{}{}
	return nil
}

func (s *InMemoryStore) Exists(_ context.Context, normalizedEmail string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.emails[normalizedEmail]
	return ok, nil
}
