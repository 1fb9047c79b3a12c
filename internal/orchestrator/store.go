package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/querypilot/querypilot/internal/domain"
)

const reaperInterval = 30 * time.Second

type sessionEntry struct {
	session      *domain.Session
	terminatedAt time.Time // zero while the loop is running
}

// Store is the process-wide registry of session records. Terminated sessions
// stay readable for a grace period before a background sweep evicts them, so
// a late snapshot read still succeeds without keeping records forever.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
	grace    time.Duration
}

// NewStore creates a store whose terminated sessions linger for grace.
func NewStore(grace time.Duration) *Store {
	return &Store{
		sessions: make(map[string]*sessionEntry),
		grace:    grace,
	}
}

// Add registers a freshly created session.
func (s *Store) Add(sess *domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID()] = &sessionEntry{session: sess}
}

// Get returns the session record, live or within its grace period.
func (s *Store) Get(sessionID string) (*domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// MarkTerminated starts the eviction clock for a session whose loop exited.
func (s *Store) MarkTerminated(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.sessions[sessionID]; ok {
		entry.terminatedAt = time.Now()
	}
}

// Remove evicts a session immediately.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Len returns the number of registered sessions, live and lingering.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ActiveCount returns the number of sessions whose loop is still running.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, entry := range s.sessions {
		if entry.terminatedAt.IsZero() {
			n++
		}
	}
	return n
}

// sweep evicts terminated sessions past the grace period and returns how
// many were removed.
func (s *Store) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, entry := range s.sessions {
		if !entry.terminatedAt.IsZero() && now.Sub(entry.terminatedAt) > s.grace {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// StartReaper runs the periodic eviction sweep until ctx is cancelled.
func (s *Store) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session reaper started", "interval", reaperInterval, "grace", s.grace)
		for {
			select {
			case <-ticker.C:
				if removed := s.sweep(time.Now()); removed > 0 {
					slog.Info("Session reaper evicted sessions", "count", removed)
				}
			case <-ctx.Done():
				slog.Info("Session reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
