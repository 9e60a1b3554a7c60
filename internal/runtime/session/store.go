package session

import (
	"fmt"
	"sync"
	"time"

	pferrors "github.com/drblury/phaseflow/internal/runtime/errors"
)

// Store tracks live sessions by id.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock sets the clock used by the store and the sessions it creates.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create starts a new session. Reusing a live id is an error.
func (s *Store) Create(id string) (*Session, error) {
	if id == "" {
		return nil, pferrors.ErrSessionIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", pferrors.ErrSessionExists, id)
	}
	sess := newSession(id, s.now)
	s.sessions[id] = sess
	return sess, nil
}

// GetOrCreate returns the live session for id, creating it when missing.
func (s *Store) GetOrCreate(id string) (*Session, error) {
	if id == "" {
		return nil, pferrors.ErrSessionIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	sess := newSession(id, s.now)
	s.sessions[id] = sess
	return sess, nil
}

func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

// EvictExpired drops sessions idle for longer than threshold and returns how many.
func (s *Store) EvictExpired(threshold time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, sess := range s.sessions {
		if sess.IsExpired(threshold) {
			delete(s.sessions, id)
			evicted++
		}
	}
	return evicted
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
