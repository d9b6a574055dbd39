// Package session holds pending command sets awaiting user
// confirmation and resolves the user's yes/no answer.
package session

import (
	"sync"
	"time"

	"github.com/emberhall/hearth/internal/synth"
)

// Status values for a session.
const (
	StatusAwaitingConfirmation = "awaiting_confirmation"
)

// Session is the pending command set for one conversation key.
type Session struct {
	Commands  []synth.Command
	Status    string
	CreatedAt time.Time
	EntityID  string
}

// Store keeps sessions keyed by conversation/device ID. A new Put for
// an existing key replaces the prior session: the latest request wins.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	timeout  time.Duration
}

// NewStore creates a store evicting sessions older than timeout.
func NewStore(timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Store{
		sessions: make(map[string]*Session),
		timeout:  timeout,
	}
}

// Get returns the session for key, or nil.
func (s *Store) Get(key string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[key]
}

// Put stores a session under key, replacing any existing one.
func (s *Store) Put(key string, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[key] = sess
}

// Delete removes the session for key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep evicts every session older than the timeout, regardless of
// key, and returns how many were removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, sess := range s.sessions {
		if now.Sub(sess.CreatedAt) > s.timeout {
			delete(s.sessions, key)
			removed++
		}
	}
	return removed
}
