// Package session holds per-client state that outlives a single execution.
//
// Sessions are never expired by the pipeline while an event is being
// processed; eviction happens only when a caller asks the Store for it.
package session

import (
	"sync"
	"time"
)

// Session is a keyed bag of values with activity tracking. It is internally
// locked, but callers are expected to serialize the events of one session.
type Session struct {
	id        string
	createdAt time.Time
	now       func() time.Time

	mu           sync.RWMutex
	data         map[string]any
	lastActivity time.Time
}

// New creates a Session using the wall clock.
func New(id string) *Session {
	return newSession(id, time.Now)
}

func newSession(id string, now func() time.Time) *Session {
	ts := now()
	return &Session{
		id:           id,
		createdAt:    ts,
		lastActivity: ts,
		now:          now,
		data:         make(map[string]any),
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Touch marks the session as active now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// Set stores a value and touches the session.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	s.data[key] = value
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// Get reads a value and touches the session.
func (s *Session) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	s.lastActivity = s.now()
	return v, ok
}

// Remove deletes a value and reports whether it existed.
func (s *Session) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	delete(s.data, key)
	return ok
}

// Keys lists the stored keys in no particular order.
func (s *Session) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// IsExpired reports whether the session was idle for longer than threshold.
// It does not touch the session.
func (s *Session) IsExpired(threshold time.Duration) bool {
	return s.now().Sub(s.LastActivity()) > threshold
}

// Value reads key as T. Missing keys and type mismatches report false.
func Value[T any](s *Session, key string) (T, bool) {
	var zero T
	v, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
