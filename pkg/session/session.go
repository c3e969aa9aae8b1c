// Package session keeps the authenticated state of one user: identity, the
// derived MasterKey and an inactivity timer driven by an injected clock.
package session

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/i5heu/ouroboros-vault/pkg/clock"
	"github.com/i5heu/ouroboros-vault/pkg/encryption"
	"github.com/i5heu/ouroboros-vault/pkg/model"
)

const DefaultTimeout = 30 * time.Minute

var (
	ErrNotStarted = errors.New("session: not started")
	ErrExpired    = errors.New("session: expired")
	ErrUnknown    = errors.New("session: unknown session")
)

// identityNamespace scopes identity ids derived from emails.
var identityNamespace = uuid.MustParse("8f1d4c36-1f0e-4c4f-9a47-6a3c1c1b7e21")

// IdentityFor maps an email to a stable identity.
func IdentityFor(email string) model.Identity {
	email = strings.ToLower(strings.TrimSpace(email))
	return model.Identity{ID: uuid.NewSHA1(identityNamespace, []byte(email)).String(), Email: email}
}

// Session is not safe to share between goroutines without the Manager.
type Session struct {
	mu           sync.Mutex
	identity     model.Identity
	key          encryption.MasterKey
	timeout      time.Duration
	clock        clock.Clock
	started      bool
	lastActivity time.Time
}

func New(identity model.Identity, key encryption.MasterKey, timeout time.Duration, c clock.Clock) *Session {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Session{identity: identity, key: key, timeout: timeout, clock: clock.OrReal(c)}
}

// Start begins the inactivity timer.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.lastActivity = s.clock.Now()
}

// Touch records activity and extends the session.
func (s *Session) Touch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(s.clock.Now()); err != nil {
		return err
	}
	s.lastActivity = s.clock.Now()
	return nil
}

// Stop ends the session and wipes the MasterKey.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.key.Zero()
}

// IsExpired reports whether the session is stopped or idle for longer than
// its timeout at now.
func (s *Session) IsExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkLocked(now) != nil
}

func (s *Session) checkLocked(now time.Time) error {
	if !s.started {
		return ErrNotStarted
	}
	if now.Sub(s.lastActivity) >= s.timeout {
		return ErrExpired
	}
	return nil
}

// MasterKey returns a copy of the key while the session is live.
func (s *Session) MasterKey() (encryption.MasterKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(s.clock.Now()); err != nil {
		return encryption.MasterKey{}, err
	}
	return s.key, nil
}

func (s *Session) Identity() model.Identity { return s.identity }

// Manager holds live sessions by opaque id.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	timeout  time.Duration
	clock    clock.Clock
	log      *slog.Logger
}

func NewManager(timeout time.Duration, c clock.Clock, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Manager{sessions: make(map[string]*Session), timeout: timeout, clock: clock.OrReal(c), log: logger}
}

// Login derives the MasterKey from the credentials and starts a session.
// A wrong password is only detected later when a FileKey fails to unwrap.
func (m *Manager) Login(email, password string) (string, *Session, error) {
	id := IdentityFor(email)
	key, err := encryption.DeriveMasterKey(password, id.Email)
	if err != nil {
		return "", nil, err
	}
	s := New(id, key, m.timeout, m.clock)
	s.Start()

	sid := uuid.NewString()
	m.mu.Lock()
	m.sessions[sid] = s
	m.mu.Unlock()
	m.log.Debug("session started", "identity", id.ID)
	return sid, s, nil
}

// Get returns the live session for sid and touches it. Expired sessions are
// stopped and removed.
func (m *Manager) Get(sid string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sid]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknown
	}
	if err := s.Touch(); err != nil {
		m.drop(sid, s)
		return nil, err
	}
	return s, nil
}

func (m *Manager) Logout(sid string) {
	m.mu.Lock()
	s, ok := m.sessions[sid]
	m.mu.Unlock()
	if ok {
		m.drop(sid, s)
	}
}

// Sweep stops every expired session and returns how many were removed.
func (m *Manager) Sweep() int {
	now := m.clock.Now()
	m.mu.Lock()
	var expired []string
	for sid, s := range m.sessions {
		if s.IsExpired(now) {
			expired = append(expired, sid)
		}
	}
	m.mu.Unlock()

	for _, sid := range expired {
		m.mu.Lock()
		s := m.sessions[sid]
		m.mu.Unlock()
		if s != nil {
			m.drop(sid, s)
		}
	}
	return len(expired)
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) drop(sid string, s *Session) {
	m.mu.Lock()
	delete(m.sessions, sid)
	m.mu.Unlock()
	s.Stop()
	m.log.Debug("session stopped", "identity", s.identity.ID)
}
