package auth

import (
	"sync"
	"time"

	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// AuthEvent is a session lifecycle transition
type AuthEvent string

const (
	EventSignedIn         AuthEvent = "SIGNED_IN"
	EventSignedOut        AuthEvent = "SIGNED_OUT"
	EventTokenRefreshed   AuthEvent = "TOKEN_REFRESHED"
	EventPasswordRecovery AuthEvent = "PASSWORD_RECOVERY"
	EventUserUpdated      AuthEvent = "USER_UPDATED"
)

// RedirectFor returns the client route that follows an auth event
func RedirectFor(event AuthEvent) string {
	switch event {
	case EventPasswordRecovery:
		return "/reset-password"
	case EventSignedOut:
		return "/signup"
	case EventUserUpdated:
		return "/login"
	default:
		return "/tabs"
	}
}

// Session is an authenticated member session
type Session struct {
	ID           string    `json:"id"`
	UserID       types.ID  `json:"user_id"`
	Email        string    `json:"email"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	// Recovery marks a session opened from a password reset link; it may
	// only be used to set a new password.
	Recovery bool `json:"recovery,omitempty"`
}

// IsExpired checks if the access token has expired.
func (s *Session) IsExpired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// Listener is notified of every transition, after it is recorded
type Listener func(event AuthEvent, session Session)

// minPruneAt is the session count at which expired sessions are first swept
const minPruneAt = 1024

// Manager is the session holder. It records which sessions are live and
// broadcasts transitions to subscribers such as the role resolver.
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]Session
	revoked   map[string]time.Time
	listeners map[int]Listener
	nextID    int
	// pruneAt is the size that triggers the next sweep of expired sessions
	pruneAt int
}

// NewManager creates an empty session holder
func NewManager() *Manager {
	return &Manager{
		sessions:  make(map[string]Session),
		revoked:   make(map[string]time.Time),
		listeners: make(map[int]Listener),
		pruneAt:   minPruneAt,
	}
}

// Subscribe registers a listener and returns its unsubscribe function
func (m *Manager) Subscribe(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Apply records a transition and notifies listeners. Listeners run
// synchronously, outside the lock, in no particular order.
func (m *Manager) Apply(event AuthEvent, s Session) {
	m.mu.Lock()
	switch event {
	case EventSignedOut:
		delete(m.sessions, s.ID)
		// the access token stays cryptographically valid until it expires
		until := s.ExpiresAt
		if until.IsZero() {
			until = time.Now().Add(24 * time.Hour)
		}
		m.revoked[s.ID] = until
		m.pruneLocked()
	case EventPasswordRecovery:
		s.Recovery = true
		m.storeLocked(s)
	default:
		m.storeLocked(s)
	}
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l(event, s)
	}
}

func (m *Manager) storeLocked(s Session) {
	m.sessions[s.ID] = s
	delete(m.revoked, s.ID)
	if len(m.sessions) >= m.pruneAt {
		m.pruneLocked()
	}
}

// Get returns a live session by ID
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok || s.IsExpired() {
		return Session{}, false
	}
	return s, true
}

// IsRevoked reports whether the session was signed out through this process
func (m *Manager) IsRevoked(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	until, ok := m.revoked[id]
	return ok && time.Now().Before(until)
}

// pruneLocked drops expired sessions and lapsed revocations. The next
// sweep is scheduled at twice the surviving size so inserts stay amortized
// O(1).
func (m *Manager) pruneLocked() {
	now := time.Now()
	for id, until := range m.revoked {
		if now.After(until) {
			delete(m.revoked, id)
		}
	}
	for id, s := range m.sessions {
		if s.IsExpired() {
			delete(m.sessions, id)
		}
	}
	m.pruneAt = max(minPruneAt, 2*len(m.sessions))
}

// Active returns the number of live sessions
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
