// Package session owns the authenticated identity, the sequencing loop and
// the login/logout lifecycle that gates every synchronizer.
package session

import "sync"

// Session is the process-wide authenticated state. It is the only shared
// mutable resource in the engine: every component reads the current user id
// and epoch from it, and only the Manager mutates it.
type Session struct {
	mu    sync.RWMutex
	uid   string
	epoch uint64
}

// CurrentUserID returns the authenticated user id, or false when logged out.
func (s *Session) CurrentUserID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uid, s.uid != ""
}

// Epoch returns the current session epoch. The epoch is bumped on every
// login and logout; reconciliation closures capture it at subscription time
// and discard themselves when it no longer matches, which is what makes
// late-arriving notifications from a torn-down session harmless.
func (s *Session) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

func (s *Session) begin(uid string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uid = uid
	s.epoch++
	return s.epoch
}

func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uid = ""
	s.epoch++
}
