package core

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const testPassword = "TestPassword123"

// TestAuthService_NewAuthService tests the AuthService constructor
func TestAuthService_NewAuthService(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid_config_with_defaults",
			config: Config{
				Storage: newMockStorage(),
			},
			wantErr: false,
		},
		{
			name: "valid_config_with_custom_security",
			config: Config{
				Storage: newMockStorage(),
				SecurityConfig: SecurityConfig{
					PasswordMinLength:   12,
					BcryptCost:          bcrypt.MinCost,
					MaxLoginAttempts:    3,
					LoginThrottleWindow: time.Minute,
					SessionIdleTimeout:  10 * time.Minute,
					RememberMeLifetime:  24 * time.Hour,
				},
			},
			wantErr: false,
		},
		{
			name: "nil_storage",
			config: Config{
				Storage: nil,
			},
			wantErr: true,
			errMsg:  "storage is required",
		},
		{
			name: "unreachable_storage",
			config: Config{
				Storage: &mockStorage{pingErr: context.DeadlineExceeded},
			},
			wantErr: true,
			errMsg:  "failed to connect to storage",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authService, err := NewAuthService(tt.config)

			if tt.wantErr {
				if err == nil {
					t.Errorf("NewAuthService() expected error but got none")
					return
				}
				if tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("NewAuthService() error = %v, expected to contain %v", err, tt.errMsg)
				}
				return
			}

			if err != nil {
				t.Errorf("NewAuthService() unexpected error = %v", err)
				return
			}

			if authService.storage == nil {
				t.Error("AuthService.storage is nil")
			}
			if authService.validator == nil {
				t.Error("AuthService.validator is nil")
			}
			if authService.throttle == nil {
				t.Error("AuthService.throttle is nil")
			}

			if err := authService.Close(); err != nil {
				t.Errorf("AuthService.Close() error = %v", err)
			}
		})
	}
}

func TestNewAuthService_KeepsCustomLifetimes(t *testing.T) {
	authService, err := NewAuthService(Config{
		Storage: newMockStorage(),
		SecurityConfig: SecurityConfig{
			BcryptCost:         bcrypt.MinCost,
			SessionIdleTimeout: 5 * time.Minute,
			RememberMeLifetime: time.Hour,
		},
	})
	if err != nil {
		t.Fatalf("NewAuthService() error = %v", err)
	}

	cfg := authService.SecurityConfig()
	if cfg.SessionIdleTimeout != 5*time.Minute {
		t.Errorf("Expected idle timeout 5m, got %v", cfg.SessionIdleTimeout)
	}
	if cfg.RememberMeLifetime != time.Hour {
		t.Errorf("Expected remember-me lifetime 1h, got %v", cfg.RememberMeLifetime)
	}
}

// TestDefaultSecurityConfig tests the default security configuration
func TestDefaultSecurityConfig(t *testing.T) {
	config := DefaultSecurityConfig()

	if config.PasswordMinLength != 8 {
		t.Errorf("Expected PasswordMinLength 8, got %d", config.PasswordMinLength)
	}
	if !config.PasswordRequireUpper || !config.PasswordRequireLower || !config.PasswordRequireNumber {
		t.Error("Expected upper, lower and number requirements to be enabled")
	}
	if config.MaxLoginAttempts != 5 {
		t.Errorf("Expected MaxLoginAttempts 5, got %d", config.MaxLoginAttempts)
	}
	if config.SessionIdleTimeout != 30*time.Minute {
		t.Errorf("Expected SessionIdleTimeout 30m, got %v", config.SessionIdleTimeout)
	}
	if config.RememberMeLifetime != 30*24*time.Hour {
		t.Errorf("Expected RememberMeLifetime 30d, got %v", config.RememberMeLifetime)
	}
}

// Helper functions for tests

// testClock is a manually advanced time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockStorage implements the Storage interface for testing
type mockStorage struct {
	mu             sync.RWMutex
	users          map[uint]*User
	sessions       map[string]*Session
	securityEvents []*SecurityEvent
	nextUserID     uint
	nextSessionID  uint
	pingErr        error
}

func newMockStorage() *mockStorage {
	return &mockStorage{
		users:      make(map[uint]*User),
		sessions:   make(map[string]*Session),
		nextUserID: 1,
	}
}

func (m *mockStorage) CreateUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.users {
		if strings.EqualFold(existing.Username, user.Username) {
			return &ConflictError{Field: "username"}
		}
		if strings.EqualFold(existing.Email, user.Email) {
			return &ConflictError{Field: "email"}
		}
	}

	user.ID = m.nextUserID
	m.nextUserID++
	// Create a copy to avoid issues when handlers modify the original
	userCopy := *user
	m.users[user.ID] = &userCopy
	return nil
}

func (m *mockStorage) GetUserByID(_ context.Context, id uint) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	userCopy := *user
	return &userCopy, nil
}

func (m *mockStorage) findUser(match func(*User) bool) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, user := range m.users {
		if match(user) {
			userCopy := *user
			return &userCopy, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *mockStorage) GetUserByUsername(_ context.Context, username string) (*User, error) {
	return m.findUser(func(u *User) bool { return strings.EqualFold(u.Username, username) })
}

func (m *mockStorage) GetUserByEmail(_ context.Context, email string) (*User, error) {
	return m.findUser(func(u *User) bool { return strings.EqualFold(u.Email, email) })
}

func (m *mockStorage) updateUser(id uint, update func(*User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	update(user)
	return nil
}

func (m *mockStorage) ChangePasswordHash(_ context.Context, userID uint, hash, keepToken string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	user.PasswordHash = hash

	var n int64
	for token, session := range m.sessions {
		if session.UserID == userID && token != keepToken {
			delete(m.sessions, token)
			n++
		}
	}
	return n, nil
}

func (m *mockStorage) SetUserActive(_ context.Context, userID uint, active bool) error {
	return m.updateUser(userID, func(u *User) { u.IsActive = active })
}

func (m *mockStorage) UpdateLastLogin(_ context.Context, userID uint, at time.Time) error {
	return m.updateUser(userID, func(u *User) {
		u.LastLoginAt = &at
		u.LastSeenAt = &at
	})
}

func (m *mockStorage) UpdateLastSeen(_ context.Context, userID uint, at time.Time) error {
	return m.updateUser(userID, func(u *User) { u.LastSeenAt = &at })
}

func (m *mockStorage) CreateSession(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSessionID++
	session.ID = m.nextSessionID
	sessionCopy := *session
	m.sessions[session.Token] = &sessionCopy
	return nil
}

func (m *mockStorage) GetSession(_ context.Context, token string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	sessionCopy := *session
	return &sessionCopy, nil
}

func (m *mockStorage) TouchSession(_ context.Context, token string, at, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[token]
	if !ok || !session.ExpiresAt.After(at) {
		return ErrSessionNotFound
	}
	session.LastActivityAt = at
	session.ExpiresAt = expiresAt
	return nil
}

func (m *mockStorage) GetUserSessions(_ context.Context, userID uint) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sessions []*Session
	for _, session := range m.sessions {
		if session.UserID == userID {
			sessionCopy := *session
			sessions = append(sessions, &sessionCopy)
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID > sessions[j].ID })
	return sessions, nil
}

func (m *mockStorage) DeleteSession(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, token)
	return nil
}

func (m *mockStorage) deleteSessionsWhere(match func(*Session) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for token, session := range m.sessions {
		if match(session) {
			delete(m.sessions, token)
			n++
		}
	}
	return n
}

func (m *mockStorage) DeleteUserSessions(_ context.Context, userID uint) (int64, error) {
	return m.deleteSessionsWhere(func(s *Session) bool { return s.UserID == userID }), nil
}

func (m *mockStorage) CleanupExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	return m.deleteSessionsWhere(func(s *Session) bool { return s.Expired(now) }), nil
}

func (m *mockStorage) CreateSecurityEvent(_ context.Context, event *SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event.ID = uint(len(m.securityEvents) + 1)
	m.securityEvents = append(m.securityEvents, event)
	return nil
}

func (m *mockStorage) GetSecurityEventsByUser(_ context.Context, userID uint, limit, offset int) ([]*SecurityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []*SecurityEvent
	for i := len(m.securityEvents) - 1; i >= 0; i-- {
		event := m.securityEvents[i]
		if event.UserID != nil && *event.UserID == userID {
			events = append(events, event)
		}
	}
	if offset >= len(events) {
		return nil, nil
	}
	events = events[offset:]
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (m *mockStorage) Ping(context.Context) error {
	return m.pingErr
}

func (m *mockStorage) Close() error {
	return nil
}

// eventTypes returns the recorded security event types, oldest first.
func (m *mockStorage) eventTypes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	types := make([]string, 0, len(m.securityEvents))
	for _, event := range m.securityEvents {
		types = append(types, event.EventType)
	}
	return types
}

func (m *mockStorage) sessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// testSecurityConfig is the default policy with a cheap bcrypt cost.
func testSecurityConfig() SecurityConfig {
	cfg := DefaultSecurityConfig()
	cfg.BcryptCost = bcrypt.MinCost
	return cfg
}

// mustCreateTestAuthService creates an AuthService on mock storage with a
// controllable clock.
func mustCreateTestAuthService(t *testing.T) (*AuthService, *mockStorage, *testClock) {
	t.Helper()

	store := newMockStorage()
	clock := newTestClock()
	authService, err := NewAuthService(Config{
		Storage:        store,
		Cookies:        NewCookieManager(CookieConfig{HashKey: []byte("0123456789abcdef0123456789abcdef")}),
		SecurityConfig: testSecurityConfig(),
		Clock:          clock.Now,
	})
	if err != nil {
		t.Fatalf("Failed to create test AuthService: %v", err)
	}
	t.Cleanup(func() { authService.Close() })

	return authService, store, clock
}

// createTestRequest creates an HTTP request with JSON body for testing
func createTestRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()

	var reqBody *bytes.Buffer
	if body != nil {
		if str, ok := body.(string); ok {
			reqBody = bytes.NewBufferString(str)
		} else {
			jsonData, err := json.Marshal(body)
			if err != nil {
				t.Fatalf("Failed to marshal request body: %v", err)
			}
			reqBody = bytes.NewBuffer(jsonData)
		}
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// withSessionCookie attaches a signed session cookie for token to req.
func withSessionCookie(t *testing.T, a *AuthService, req *http.Request, token string) *http.Request {
	t.Helper()

	rec := httptest.NewRecorder()
	if err := a.Cookies().Set(rec, token, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Failed to set session cookie: %v", err)
	}
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return req
}

// mustRegister registers username with testPassword.
func mustRegister(t *testing.T, a *AuthService, username string) *User {
	t.Helper()

	user, err := a.Register(context.Background(), RegisterRequest{
		Username:        username,
		Email:           username + "@example.com",
		Password:        testPassword,
		ConfirmPassword: testPassword,
	}, RequestMeta{})
	if err != nil {
		t.Fatalf("Failed to register %s: %v", username, err)
	}
	return user
}

// mustLogin logs username in and returns the new session.
func mustLogin(t *testing.T, a *AuthService, username string, rememberMe bool) *Session {
	t.Helper()

	result, err := a.Login(context.Background(), LoginRequest{
		Identifier: username,
		Password:   testPassword,
		RememberMe: rememberMe,
	}, RequestMeta{IPAddress: "192.0.2.1", UserAgent: "test"})
	if err != nil {
		t.Fatalf("Failed to log in %s: %v", username, err)
	}
	return result.Session
}
