// Package store is the in-memory registry of live sessions plus a bounded
// history of terminated ones. State is deliberately not persisted: after a
// restart the orphan cleanup reconciles against the OS instead.
package store

import (
	"sync"
	"time"

	"github.com/Rorqualx/browserlauncher-go/internal/types"
)

// terminatedHistory bounds the terminated-session ring.
const terminatedHistory = 50

// Store tracks live sessions keyed by worker ID.
type Store struct {
	mu         sync.Mutex
	max        int
	sessions   map[string]*types.Session
	terminated []types.TerminatedSession
}

// New creates a store admitting at most max concurrent sessions.
func New(max int) *Store {
	return &Store{
		max:      max,
		sessions: make(map[string]*types.Session),
	}
}

// Insert admits a session, re-checking capacity under the lock: the launch
// pipeline also gates on capacity, but launches run concurrently.
func (s *Store) Insert(sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sessions) >= s.max {
		return types.ErrSlotFull
	}
	s.sessions[sess.WorkerID] = sess
	return nil
}

// Get returns the live session for a worker.
func (s *Store) Get(workerID string) (*types.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[workerID]
	return sess, ok
}

// Remove takes a session out of the live set and returns it.
func (s *Store) Remove(workerID string) (*types.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[workerID]
	if ok {
		delete(s.sessions, workerID)
	}
	return sess, ok
}

// FindBySessionID returns the live session with the given caller-visible
// session ID.
func (s *Store) FindBySessionID(sessionID string) (*types.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.SessionID == sessionID {
			return sess, true
		}
	}
	return nil, false
}

// List snapshots the live sessions.
func (s *Store) List() []*types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Len returns the live session count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Max returns the configured session cap.
func (s *Store) Max() int { return s.max }

// HasCapacity reports whether another session would be admitted.
func (s *Store) HasCapacity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions) < s.max
}

// AvailableSlots returns how many more sessions fit.
func (s *Store) AvailableSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.max - len(s.sessions)
	if n < 0 {
		return 0
	}
	return n
}

// MarkNavigated flags that a session's browser has shown real content, so
// the never-used reaper leaves it alone from now on.
func (s *Store) MarkNavigated(workerID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[workerID]; ok {
		sess.HasNavigatedAway = true
		sess.LastActivityAt = at
	}
}

// TouchActivity updates a session's last activity timestamp.
func (s *Store) TouchActivity(workerID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[workerID]; ok {
		sess.LastActivityAt = at
	}
}

// RecordTerminated appends to the terminated ring, trimming the oldest
// entries past the history cap.
func (s *Store) RecordTerminated(t types.TerminatedSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = append(s.terminated, t)
	if len(s.terminated) > terminatedHistory {
		s.terminated = s.terminated[len(s.terminated)-terminatedHistory:]
	}
}

// Terminated snapshots the termination history, oldest first.
func (s *Store) Terminated() []types.TerminatedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.TerminatedSession, len(s.terminated))
	copy(out, s.terminated)
	return out
}

// TerminatedFor returns the most recent termination record for a worker.
func (s *Store) TerminatedFor(workerID string) (types.TerminatedSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.terminated) - 1; i >= 0; i-- {
		if s.terminated[i].WorkerID == workerID {
			return s.terminated[i], true
		}
	}
	return types.TerminatedSession{}, false
}
