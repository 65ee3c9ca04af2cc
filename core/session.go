package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// LoginRequest represents a user login request
type LoginRequest struct {
	Identifier string `json:"identifier" validate:"required,max=254"` // Username or email
	Password   string `json:"password" validate:"required"`
	RememberMe bool   `json:"rememberMe"`
}

// LoginResult is the outcome of a successful login.
type LoginResult struct {
	User    *User
	Session *Session
}

// Login authenticates identifier/password and opens a new session.
//
// Unknown identifiers, wrong passwords and inactive users all fail with
// ErrInvalidCredentials. Every attempt first passes the per-identifier
// throttle; a refused attempt fails with *ThrottledError whatever the
// credentials.
func (a *AuthService) Login(ctx context.Context, req LoginRequest, meta RequestMeta) (*LoginResult, error) {
	req.Identifier = strings.TrimSpace(req.Identifier)
	if err := a.validator.Struct(req); err != nil {
		return nil, validationErrorFrom(err)
	}

	now := a.now()
	key := normalizeIdentifier(req.Identifier)

	wait, allowed, err := a.throttle.Hit(ctx, key, now)
	if err != nil {
		return nil, fmt.Errorf("failed to check login throttle: %w", err)
	}
	if !allowed {
		slog.Warn("Login throttled", "identifier", key, "retry_after", wait)
		a.logSecurityEvent(ctx, nil, EventLoginThrottled, "Login attempt refused by throttle", meta, false)
		return nil, &ThrottledError{RetryAfter: wait}
	}

	user, err := a.lookupIdentifier(ctx, req.Identifier)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			return nil, fmt.Errorf("failed to get user: %w", err)
		}
		// Same bcrypt cost as a real comparison.
		checkPasswordHash(req.Password, a.dummyHash)
		slog.Debug("Login for unknown identifier", "identifier", key)
		a.logSecurityEvent(ctx, nil, EventLoginFailed, "Login attempt for non-existent user", meta, false)
		return nil, ErrInvalidCredentials
	}

	if !checkPasswordHash(req.Password, user.PasswordHash) {
		slog.Debug("Invalid password", "user_id", user.ID)
		a.logSecurityEvent(ctx, &user.ID, EventLoginFailed, "Invalid password provided", meta, false)
		return nil, ErrInvalidCredentials
	}

	if !user.IsActive {
		slog.Debug("User account is inactive", "user_id", user.ID)
		a.logSecurityEvent(ctx, &user.ID, EventLoginFailed, "Login attempt on inactive account", meta, false)
		return nil, ErrInvalidCredentials
	}

	if err := a.throttle.Reset(ctx, key); err != nil {
		slog.Error("Failed to reset login throttle", "identifier", key, "error", err)
	}

	if err := a.storage.UpdateLastLogin(ctx, user.ID, now); err != nil {
		return nil, fmt.Errorf("failed to update last login: %w", err)
	}
	user.LastLoginAt = &now

	sessionToken, err := generateSecureToken(sessionTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	session := &Session{
		Token:          sessionToken,
		UserID:         user.ID,
		RememberMe:     req.RememberMe,
		IPAddress:      meta.IPAddress,
		UserAgent:      meta.UserAgent,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	session.ExpiresAt = a.sessionExpiry(session, now)

	if err := a.storage.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	a.logSecurityEvent(ctx, &user.ID, EventLoginSuccess, "User successfully logged in", meta, true)
	slog.Info("User logged in successfully",
		"user_id", user.ID,
		"remember_me", session.RememberMe,
		"expires_at", session.ExpiresAt)

	return &LoginResult{User: user, Session: session}, nil
}

func (a *AuthService) lookupIdentifier(ctx context.Context, identifier string) (*User, error) {
	if strings.Contains(identifier, "@") {
		return a.storage.GetUserByEmail(ctx, strings.ToLower(identifier))
	}
	return a.storage.GetUserByUsername(ctx, identifier)
}

// sessionExpiry is the expiry of s once its last activity is at lastActivity.
// Remember-me sessions have a fixed lifetime from creation; others expire
// after the idle timeout.
func (a *AuthService) sessionExpiry(s *Session, lastActivity time.Time) time.Time {
	if s.RememberMe {
		return s.CreatedAt.Add(a.securityConfig.RememberMeLifetime)
	}
	return lastActivity.Add(a.securityConfig.SessionIdleTimeout)
}

// ValidateSession resolves token to its user and refreshes the session's
// last activity. Unknown and expired tokens fail with ErrSessionExpired;
// an expired session is deleted on the way out.
func (a *AuthService) ValidateSession(ctx context.Context, token string) (*User, *Session, error) {
	if token == "" {
		return nil, nil, ErrSessionExpired
	}

	session, err := a.storage.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, nil, ErrSessionExpired
		}
		return nil, nil, fmt.Errorf("failed to get session: %w", err)
	}

	now := a.now()
	if session.Expired(now) {
		slog.Debug("Session expired", "session_id", session.ID, "token_prefix", tokenPrefix(token))
		a.dropSession(ctx, session, "Session expired")
		return nil, nil, ErrSessionExpired
	}

	user, err := a.storage.GetUserByID(ctx, session.UserID)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, nil, fmt.Errorf("failed to get user: %w", err)
	}
	if err != nil || !user.IsActive {
		slog.Debug("Session owner missing or inactive", "user_id", session.UserID)
		a.dropSession(ctx, session, "Session owner is inactive")
		return nil, nil, ErrSessionExpired
	}

	expiresAt := a.sessionExpiry(session, now)
	if err := a.storage.TouchSession(ctx, token, now, expiresAt); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			// Logged out or expired since it was read.
			return nil, nil, ErrSessionExpired
		}
		return nil, nil, fmt.Errorf("failed to refresh session: %w", err)
	}
	session.LastActivityAt = now
	session.ExpiresAt = expiresAt

	return user, session, nil
}

func (a *AuthService) dropSession(ctx context.Context, session *Session, reason string) {
	if err := a.storage.DeleteSession(ctx, session.Token); err != nil {
		slog.Error("Failed to delete session", "session_id", session.ID, "error", err)
		return
	}
	a.logSecurityEvent(ctx, &session.UserID, EventSessionExpired, reason, RequestMeta{}, true)
}

// UpdateActivity records that the session's user is still active. It has
// the same validity rules as ValidateSession and additionally stamps the
// user's last-seen time.
func (a *AuthService) UpdateActivity(ctx context.Context, token string) (*Session, error) {
	user, session, err := a.ValidateSession(ctx, token)
	if err != nil {
		return nil, err
	}

	if err := a.storage.UpdateLastSeen(ctx, user.ID, session.LastActivityAt); err != nil {
		return nil, fmt.Errorf("failed to update last seen: %w", err)
	}

	return session, nil
}

// Logout deletes the session behind token. Unknown, expired and empty
// tokens are not an error.
func (a *AuthService) Logout(ctx context.Context, token string, meta RequestMeta) error {
	if token == "" {
		return nil
	}

	session, err := a.storage.GetSession(ctx, token)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return fmt.Errorf("failed to get session: %w", err)
	}

	if err := a.storage.DeleteSession(ctx, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if session != nil {
		a.logSecurityEvent(ctx, &session.UserID, EventLogout, "User logged out", meta, true)
		slog.Info("User logged out", "user_id", session.UserID)
	}

	return nil
}

// ListSessions returns the unexpired sessions of userID, newest first.
func (a *AuthService) ListSessions(ctx context.Context, userID uint) ([]*Session, error) {
	sessions, err := a.storage.GetUserSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user sessions: %w", err)
	}

	now := a.now()
	live := sessions[:0]
	for _, s := range sessions {
		if !s.Expired(now) {
			live = append(live, s)
		}
	}
	return live, nil
}

// PruneExpiredSessions deletes every expired session in one pass. Runtime
// expiry stays lazy; this is for administrative cleanup.
func (a *AuthService) PruneExpiredSessions(ctx context.Context) (int64, error) {
	n, err := a.storage.CleanupExpiredSessions(ctx, a.now())
	if err != nil {
		return 0, fmt.Errorf("failed to prune expired sessions: %w", err)
	}
	if n > 0 {
		a.logSecurityEvent(ctx, nil, EventSessionsPruned, fmt.Sprintf("%d expired sessions deleted", n), RequestMeta{}, true)
	}
	slog.Info("Pruned expired sessions", "count", n)
	return n, nil
}
