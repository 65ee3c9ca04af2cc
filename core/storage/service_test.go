package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/wispberry-tech/wispy-session/core"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newSQLiteAuthService wires an AuthService to in-memory SQLite and a bbolt throttle.
func newSQLiteAuthService(t *testing.T) (*core.AuthService, *fakeClock) {
	t.Helper()

	store := newTestSQLite(t)
	cfg := core.DefaultSecurityConfig()
	cfg.BcryptCost = bcrypt.MinCost

	throttle, err := NewBoltThrottle(filepath.Join(t.TempDir(), "throttle.db"), cfg.MaxLoginAttempts, cfg.LoginThrottleWindow)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	authService, err := core.NewAuthService(core.Config{
		Storage:        store,
		Throttle:       throttle,
		SecurityConfig: cfg,
		Clock:          clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { authService.Close() })

	return authService, clock
}

func TestAuthService_SQLiteLifecycle(t *testing.T) {
	ctx := context.Background()
	authService, clock := newSQLiteAuthService(t)
	meta := core.RequestMeta{IPAddress: "192.0.2.1", UserAgent: "test"}

	user, err := authService.Register(ctx, core.RegisterRequest{
		Username: "alice", Email: "alice@example.com",
		Password: "TestPassword123", ConfirmPassword: "TestPassword123",
	}, meta)
	require.NoError(t, err)

	_, err = authService.Register(ctx, core.RegisterRequest{
		Username: "Alice", Email: "other@example.com",
		Password: "TestPassword123", ConfirmPassword: "TestPassword123",
	}, meta)
	assert.ErrorIs(t, err, core.ErrUserExists)

	result, err := authService.Login(ctx, core.LoginRequest{Identifier: "alice@example.com", Password: "TestPassword123"}, meta)
	require.NoError(t, err)
	token := result.Session.Token

	clock.Advance(20 * time.Minute)
	got, session, err := authService.ValidateSession(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.True(t, clock.Now().Add(30*time.Minute).Equal(session.ExpiresAt))

	clock.Advance(20 * time.Minute)
	_, err = authService.UpdateActivity(ctx, token)
	require.NoError(t, err, "activity within the idle window keeps the session alive")

	clock.Advance(31 * time.Minute)
	_, _, err = authService.ValidateSession(ctx, token)
	assert.ErrorIs(t, err, core.ErrSessionExpired)

	events, err := authService.SecurityEvents(ctx, "alice", 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, core.EventSessionExpired, events[0].EventType)
}

func TestAuthService_SQLiteThrottle(t *testing.T) {
	ctx := context.Background()
	authService, _ := newSQLiteAuthService(t)

	_, err := authService.Register(ctx, core.RegisterRequest{
		Username: "alice", Email: "alice@example.com",
		Password: "TestPassword123", ConfirmPassword: "TestPassword123",
	}, core.RequestMeta{})
	require.NoError(t, err)

	for range authService.SecurityConfig().MaxLoginAttempts {
		_, err := authService.Login(ctx, core.LoginRequest{Identifier: "alice", Password: "nope"}, core.RequestMeta{})
		require.ErrorIs(t, err, core.ErrInvalidCredentials)
	}

	_, err = authService.Login(ctx, core.LoginRequest{Identifier: "alice", Password: "TestPassword123"}, core.RequestMeta{})
	var throttled *core.ThrottledError
	require.True(t, errors.As(err, &throttled), "got %v", err)
	assert.Equal(t, 429, core.StatusCode(err))
}
