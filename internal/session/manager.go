package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dlemos/pchat/internal/bus"
	"github.com/dlemos/pchat/internal/status"
)

// Subsystem is a synchronizer whose lifecycle is tied to the session.
// Subsystems are started in attach order on login and stopped in reverse
// order on logout, so no subscription ever observes a cleared session as
// authenticated.
type Subsystem interface {
	Start(uid string)
	Stop()
}

// Manager owns the session lifecycle: it authenticates, starts and stops the
// attached synchronizers, and is the only component that mutates the Session.
type Manager struct {
	auth    *Authenticator
	session *Session
	loop    *Loop
	tracker *status.Tracker
	bus     *bus.Bus
	logger  *zap.Logger

	mu         sync.Mutex
	subsystems []Subsystem
}

// NewManager creates a session manager.
func NewManager(auth *Authenticator, loop *Loop, tracker *status.Tracker, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		auth:    auth,
		session: &Session{},
		loop:    loop,
		tracker: tracker,
		bus:     b,
		logger:  logger,
	}
}

// Session returns the shared session state handle.
func (m *Manager) Session() *Session {
	return m.session
}

// Attach registers subsystems. Order matters: profile before roster before
// thread, matching the start order the roster's self/other orientation needs.
func (m *Manager) Attach(subs ...Subsystem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subsystems = append(m.subsystems, subs...)
}

// CurrentUserID returns the authenticated user id, or false when logged out.
func (m *Manager) CurrentUserID() (string, bool) {
	return m.session.CurrentUserID()
}

// Login authenticates and, on success, starts the attached subsystems.
func (m *Manager) Login(ctx context.Context, cred Credentials) (string, error) {
	m.tracker.SetLoading(status.SourceAuth)
	uid, err := m.auth.Login(ctx, cred)
	if err != nil {
		m.tracker.SetError(status.SourceAuth, err)
		m.logger.Warn("login failed", zap.Error(err))
		return "", err
	}
	m.begin(uid)
	return uid, nil
}

// SignUp creates an account and logs it in.
func (m *Manager) SignUp(ctx context.Context, cred Credentials, seed ProfileSeed) (string, error) {
	m.tracker.SetLoading(status.SourceAuth)
	uid, err := m.auth.SignUp(ctx, cred, seed)
	if err != nil {
		m.tracker.SetError(status.SourceAuth, err)
		m.logger.Warn("signup failed", zap.Error(err))
		return "", err
	}
	m.begin(uid)
	return uid, nil
}

// Logout stops every attached subsystem, then clears the session.
// Calling it while logged out is a no-op.
func (m *Manager) Logout() {
	m.mu.Lock()
	defer m.mu.Unlock()

	uid, ok := m.session.CurrentUserID()
	if !ok {
		return
	}
	m.stopLocked()
	m.session.end()
	m.tracker.Reset()
	m.logger.Info("logged out", zap.String("user_id", uid))
	m.publish(bus.KindSessionLogout, uid)
}

func (m *Manager) begin(uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A login over a live session tears the old one down first so the new
	// account never observes the previous account's state.
	if _, ok := m.session.CurrentUserID(); ok {
		m.stopLocked()
		m.session.end()
		m.tracker.Reset()
	}

	m.session.begin(uid)
	for _, sub := range m.subsystems {
		sub.Start(uid)
	}
	m.tracker.SetIdle(status.SourceAuth)
	m.logger.Info("logged in", zap.String("user_id", uid))
	m.publish(bus.KindSessionLogin, uid)
}

// stopLocked stops subsystems in reverse attach order: thread first, then
// roster, then profile.
func (m *Manager) stopLocked() {
	for i := len(m.subsystems) - 1; i >= 0; i-- {
		m.subsystems[i].Stop()
	}
}

func (m *Manager) publish(kind, uid string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(kind, uid)
}
