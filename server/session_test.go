package server

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSessionManager_FirstComeClaims(t *testing.T) {
	m := NewSessionManager("", time.Minute, quietLogger())

	token, err := m.Acquire("", "http://localhost:3000", "127.0.0.1:12345")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, m.Active())

	_, err = m.Acquire("", "http://localhost:3001", "127.0.0.1:12346")
	assert.ErrorIs(t, err, ErrSessionClaimed)

	assert.False(t, m.Release("someone-else"), "only the holder releases")
	assert.True(t, m.Active())

	assert.True(t, m.Release(token))
	assert.False(t, m.Active())
	assert.False(t, m.Release(token), "release is idempotent")

	again, err := m.Acquire("", "", "127.0.0.1:12347")
	require.NoError(t, err)
	assert.NotEqual(t, token, again)
}

func TestSessionManager_APISecret(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr error
	}{
		{"valid", "test-secret", nil},
		{"wrong", "wrong-secret", ErrInvalidSecret},
		{"missing", "", ErrInvalidSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewSessionManager("test-secret", time.Minute, quietLogger())
			_, err := m.Acquire(tt.secret, "", "127.0.0.1:1")
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantErr == nil, m.Active())
		})
	}
}

func TestSessionManager_Validate(t *testing.T) {
	m := NewSessionManager("", time.Minute, quietLogger())
	token, err := m.Acquire("", "http://localhost:3000", "127.0.0.1:12345")
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		origin string
		remote string
		want   bool
	}{
		{"bound client", token, "http://localhost:3000", "127.0.0.1:40000", true},
		{"wrong token", "nope", "http://localhost:3000", "127.0.0.1:40000", false},
		{"wrong origin", token, "http://evil.example", "127.0.0.1:40000", false},
		{"wrong host", token, "http://localhost:3000", "192.168.1.9:40000", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Validate(tt.token, tt.origin, tt.remote))
		})
	}

	m.Release(token)
	assert.False(t, m.Validate(token, "http://localhost:3000", "127.0.0.1:40000"))
}

func TestSessionManager_Timeout(t *testing.T) {
	m := NewSessionManager("", 50*time.Millisecond, quietLogger())
	expired := make(chan string, 1)
	m.OnExpire(func(token string) { expired <- token })

	token, err := m.Acquire("", "", "127.0.0.1:1")
	require.NoError(t, err)

	select {
	case got := <-expired:
		assert.Equal(t, token, got)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not expire")
	}
	assert.False(t, m.Active())
}

func TestSessionManager_RefreshTimeout(t *testing.T) {
	m := NewSessionManager("", 150*time.Millisecond, quietLogger())
	_, err := m.Acquire("", "", "127.0.0.1:1")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		time.Sleep(75 * time.Millisecond)
		m.RefreshTimeout()
	}
	assert.True(t, m.Active(), "refreshed session stays claimed")
	assert.Eventually(t, func() bool { return !m.Active() }, 2*time.Second, 10*time.Millisecond)
}
