package credentials

import (
	"context"
	"sync"

	domain "bulkmail/internal/domain/credential"
)

// MemoryStore holds a single ephemeral account for one browser session.
// Setting a new account replaces the previous one.
type MemoryStore struct {
	mu   sync.RWMutex
	cred domain.Credential
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Resolve returns the session account, if any.
func (s *MemoryStore) Resolve(_ context.Context) []domain.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred.IsZero() {
		return nil
	}
	return []domain.Credential{s.cred}
}

// Add validates and sets the session account, replacing any previous one.
func (s *MemoryStore) Add(_ context.Context, c domain.Credential) error {
	c = domain.New(c.Identity, c.Secret)
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cred = c
	s.mu.Unlock()
	return nil
}

// Remove clears the session account if the identity matches.
func (s *MemoryStore) Remove(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred.IsZero() || !domain.SameIdentity(s.cred.Identity, identity) {
		return domain.ErrNotFound
	}
	s.cred = domain.Credential{}
	return nil
}

// Clear drops the session account unconditionally.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	s.cred = domain.Credential{}
	s.mu.Unlock()
}

// Lookup returns the session account if its identity matches.
func (s *MemoryStore) Lookup(ctx context.Context, identity string) (domain.Credential, bool) {
	return lookupIn(s.Resolve(ctx), identity)
}
