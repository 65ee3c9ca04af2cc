package core

import (
	"context"
	"time"
)

// User represents core user identity and authentication information.
type User struct {
	ID       uint   `json:"id"`
	UUID     string `json:"uuid"`
	Username string `json:"username"`
	Email    string `json:"email"`

	PasswordHash string `json:"-"` // Hide password from JSON

	IsActive bool `json:"is_active"`

	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is the server-side record behind a session cookie.
type Session struct {
	ID         uint   `json:"id"`
	UserID     uint   `json:"user_id"`
	Token      string `json:"-"`
	RememberMe bool   `json:"remember_me"`

	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SecurityEvent represents security-related events for audit logging
type SecurityEvent struct {
	ID     uint  `json:"id"`
	UserID *uint `json:"user_id,omitempty"`

	EventType   string `json:"event_type"`
	Description string `json:"description"`

	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`

	Severity string `json:"severity"`
	Success  bool   `json:"success"`

	CreatedAt time.Time `json:"created_at"`
}

// Security event types
const (
	EventUserRegistered  = "user_registered"
	EventLoginSuccess    = "login_success"
	EventLoginFailed     = "login_failed"
	EventLoginThrottled  = "login_throttled"
	EventLogout          = "logout"
	EventSessionExpired  = "session_expired"
	EventPasswordChanged = "password_changed"
	EventUserDeactivated = "user_deactivated"
	EventUserActivated   = "user_activated"
	EventSessionsRevoked = "sessions_revoked"
	EventSessionsPruned  = "sessions_pruned"
)

// Storage defines the contract for authentication data storage operations.
//
// Every mutation touches a single row (or a single user's sessions) in one
// statement or one transaction, so concurrent requests for the same user
// cannot interleave partial updates.
type Storage interface {
	// User operations. CreateUser returns a *ConflictError when the username
	// or email is taken; lookups return ErrUserNotFound.
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id uint) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	// ChangePasswordHash stores hash and deletes every session of the user
	// except keepToken atomically, returning the number of sessions deleted.
	ChangePasswordHash(ctx context.Context, userID uint, hash, keepToken string) (int64, error)
	SetUserActive(ctx context.Context, userID uint, active bool) error
	UpdateLastLogin(ctx context.Context, userID uint, at time.Time) error
	UpdateLastSeen(ctx context.Context, userID uint, at time.Time) error

	// Session operations. TouchSession only refreshes a session that is still
	// unexpired at the given time and returns ErrSessionNotFound otherwise.
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, token string) (*Session, error)
	TouchSession(ctx context.Context, token string, at, expiresAt time.Time) error
	GetUserSessions(ctx context.Context, userID uint) ([]*Session, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteUserSessions(ctx context.Context, userID uint) (int64, error)
	CleanupExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	// Security Event operations
	CreateSecurityEvent(ctx context.Context, event *SecurityEvent) error
	GetSecurityEventsByUser(ctx context.Context, userID uint, limit, offset int) ([]*SecurityEvent, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}
