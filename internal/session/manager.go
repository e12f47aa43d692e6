package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event is a session lifecycle change.
type Event int

const (
	SignedIn Event = iota
	SignedOut
)

func (e Event) String() string {
	if e == SignedIn {
		return "signed_in"
	}
	return "signed_out"
}

// Listener observes session changes. It is called without the manager's
// lock held.
type Listener func(ev Event, c Credential)

// Manager owns the current credential in memory and mirrors it to a Store.
type Manager struct {
	Store  Store
	MaxAge time.Duration
	Clock  func() time.Time
	Logger *slog.Logger
	// Revoke is called on sign-out; nil skips revocation.
	Revoke func(ctx context.Context, token string) error

	mu        sync.Mutex
	current   Credential
	listeners []Listener
}

// NewManager returns a Manager over store with default settings.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{Store: store, MaxAge: DefaultMaxAge, Clock: time.Now, Logger: logger}
}

// Subscribe registers l for future events.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Restore loads a persisted credential. It returns ErrNoCredential when
// none is stored or the stored one is too old.
func (m *Manager) Restore() (Credential, error) {
	cred, ok, err := m.Store.Load()
	if err != nil {
		return Credential{}, fmt.Errorf("restore session: %w", err)
	}
	if !ok {
		return Credential{}, ErrNoCredential
	}
	m.set(cred, SignedIn)
	m.Logger.Info("session restored", "age", m.now().Sub(cred.ObtainedAt).Round(time.Second))
	return cred, nil
}

// SignIn adopts a freshly obtained token and persists it.
func (m *Manager) SignIn(token string) (Credential, error) {
	cred := Credential{Token: token, ObtainedAt: m.now()}
	if err := m.Store.Save(cred); err != nil {
		return Credential{}, fmt.Errorf("sign in: %w", err)
	}
	m.set(cred, SignedIn)
	return cred, nil
}

// SignOut revokes the current token (best effort) and clears the session.
func (m *Manager) SignOut(ctx context.Context) error {
	cred, _ := m.Current()
	if m.Revoke != nil && cred.Token != "" {
		if err := m.Revoke(ctx, cred.Token); err != nil {
			m.Logger.Warn("token revoke failed", "error", err)
		}
	}
	return m.clear("sign out")
}

// Invalidate drops the session after the provider rejected the token.
func (m *Manager) Invalidate(reason error) error {
	m.Logger.Warn("session invalidated", "error", reason)
	return m.clear("invalidate")
}

// Current returns the in-memory credential.
func (m *Manager) Current() (Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.current.Token != ""
}

// Authorized reports whether token is still the active session token.
func (m *Manager) Authorized(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return token != "" && m.current.Token == token
}

func (m *Manager) clear(op string) error {
	m.set(Credential{}, SignedOut)
	if err := m.Store.Clear(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (m *Manager) set(c Credential, ev Event) {
	m.mu.Lock()
	m.current = c
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l(ev, c)
	}
}

func (m *Manager) now() time.Time {
	if m.Clock == nil {
		return time.Now()
	}
	return m.Clock()
}
