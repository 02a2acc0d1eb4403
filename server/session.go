package server

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidSecret  = errors.New("invalid API secret")
	ErrSessionClaimed = errors.New("session already claimed by another client")
)

// SessionManager hands the engine to one client at a time. The first client
// to acquire the session holds it until it releases it or stays idle past
// the timeout.
type SessionManager struct {
	token     string
	origin    string // bound origin, empty when the client sent none
	ip        string // bound remote host
	apiSecret string
	timeout   time.Duration
	timer     *time.Timer
	onExpire  func(token string)
	logger    *slog.Logger
	mu        sync.RWMutex
}

// NewSessionManager creates a session manager. An empty apiSecret disables
// the secret check.
func NewSessionManager(apiSecret string, timeout time.Duration, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		apiSecret: apiSecret,
		timeout:   timeout,
		logger:    logger,
	}
}

// OnExpire sets a callback run after a session times out.
func (m *SessionManager) OnExpire(fn func(token string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = fn
}

// CheckSecret reports whether secret matches the configured API secret.
func (m *SessionManager) CheckSecret(secret string) bool {
	if m.apiSecret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(m.apiSecret)) == 1
}

// Acquire claims the session and returns its token.
func (m *SessionManager) Acquire(secret, origin, remoteAddr string) (string, error) {
	if !m.CheckSecret(secret) {
		return "", ErrInvalidSecret
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" {
		return "", ErrSessionClaimed
	}

	token := uuid.NewString()
	m.token = token
	m.origin = origin
	m.ip = remoteHost(remoteAddr)
	m.timer = time.AfterFunc(m.timeout, func() { m.expire(token) })

	m.logger.Info("session acquired", "session", shortToken(token), "origin", origin, "ip", m.ip)
	return token, nil
}

func (m *SessionManager) expire(token string) {
	if !m.Release(token) {
		return
	}
	m.logger.Info("session timed out", "session", shortToken(token))

	m.mu.RLock()
	fn := m.onExpire
	m.mu.RUnlock()
	if fn != nil {
		fn(token)
	}
}

// Validate reports whether token is the current session and the request comes
// from the bound origin and host.
func (m *SessionManager) Validate(token, origin, remoteAddr string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(m.token)) != 1 {
		return false
	}
	if m.origin != "" && origin != m.origin {
		m.logger.Warn("session origin mismatch", "expected", m.origin, "got", origin)
		return false
	}
	if host := remoteHost(remoteAddr); m.ip != "" && host != m.ip {
		m.logger.Warn("session ip mismatch", "expected", m.ip, "got", host)
		return false
	}
	return true
}

// Active reports whether a client holds the session.
func (m *SessionManager) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token != ""
}

// Release ends the session if token still holds it.
func (m *SessionManager) Release(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == "" || m.token != token {
		return false
	}
	m.logger.Info("session released", "session", shortToken(token))
	m.token, m.origin, m.ip = "", "", ""
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	return true
}

// RefreshTimeout restarts the idle timer of the current session.
func (m *SessionManager) RefreshTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Reset(m.timeout)
	}
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func shortToken(token string) string {
	if len(token) > 8 {
		return token[:8] + "..."
	}
	return token
}
