// Package session resolves opaque session ids to authenticated users and
// their provider credentials. The authentication dance itself happens
// elsewhere; this package only answers "who is behind this session".
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound reports an unknown or expired session id.
var ErrNotFound = errors.New("session not found")

// User is the authenticated principal behind a session.
type User struct {
	ID          int64  `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Store resolves a session id to its user and provider credential.
// Implementations must be safe for concurrent use.
type Store interface {
	Lookup(ctx context.Context, sessionID string) (User, string, error)
}

type entry struct {
	user       User
	credential string
	expiresAt  time.Time
}

// MemoryStore is a process-scoped session table with TTL eviction.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]entry
}

// NewMemoryStore builds an empty store. A non-positive ttl defaults to
// 24 hours.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]entry),
	}
}

// Put registers or refreshes a session.
func (s *MemoryStore) Put(sessionID string, user User, credential string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var now = s.now()
	for id, e := range s.sessions {
		if now.After(e.expiresAt) {
			delete(s.sessions, id)
		}
	}
	s.sessions[sessionID] = entry{user: user, credential: credential, expiresAt: now.Add(s.ttl)}
}

// Delete removes a session. Removing an unknown id is a no-op.
func (s *MemoryStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *MemoryStore) Lookup(ctx context.Context, sessionID string) (User, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return User{}, "", ErrNotFound
	}
	if s.now().After(e.expiresAt) {
		delete(s.sessions, sessionID)
		return User{}, "", ErrNotFound
	}
	return e.user, e.credential, nil
}
