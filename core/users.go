package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// bcrypt ignores input beyond 72 bytes, so longer passwords are rejected outright.
const maxPasswordBytes = 72

// RegisterRequest represents a user registration request
type RegisterRequest struct {
	Username        string `json:"username" validate:"required,username"`
	Email           string `json:"email" validate:"required,email,max=254"`
	Password        string `json:"password" validate:"required,max=72"`
	ConfirmPassword string `json:"confirmPassword" validate:"required,eqfield=Password"`
}

// ChangePasswordRequest represents a password change by an authenticated user
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,max=72"`
	ConfirmPassword string `json:"confirmPassword" validate:"required,eqfield=NewPassword"`
}

// Register validates req, rejects taken usernames and emails, and stores a
// new active user with a salted bcrypt hash of the password.
func (a *AuthService) Register(ctx context.Context, req RegisterRequest, meta RequestMeta) (*User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	verr := &ValidationError{}
	if err := a.validator.Struct(req); err != nil {
		verr = validationErrorFrom(err)
	}
	if err := validatePasswordStrength(req.Password, a.securityConfig); err != nil {
		verr.add("password", err.Error())
	}
	if len(verr.Fields) > 0 {
		slog.Debug("Registration validation failed", "fields", verr.Fields)
		return nil, verr
	}

	if err := a.ensureAvailable(ctx, req.Username, req.Email); err != nil {
		return nil, err
	}

	hashedPassword, err := hashPassword(req.Password, a.securityConfig.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := a.now()
	user := &User{
		UUID:         uuid.NewString(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hashedPassword,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	// The unique constraints still decide races between two registrations.
	if err := a.storage.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrUserExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	a.logSecurityEvent(ctx, &user.ID, EventUserRegistered, "User successfully registered", meta, true)
	slog.Info("User registered successfully", "user_id", user.ID, "username", user.Username)

	return user, nil
}

func (a *AuthService) ensureAvailable(ctx context.Context, username, email string) error {
	if _, err := a.storage.GetUserByUsername(ctx, username); err == nil {
		slog.Debug("Username already registered", "username", username)
		return &ConflictError{Field: "username"}
	} else if !errors.Is(err, ErrUserNotFound) {
		return fmt.Errorf("failed to check existing username: %w", err)
	}

	if _, err := a.storage.GetUserByEmail(ctx, email); err == nil {
		slog.Debug("Email already registered", "email", email)
		return &ConflictError{Field: "email"}
	} else if !errors.Is(err, ErrUserNotFound) {
		return fmt.Errorf("failed to check existing email: %w", err)
	}

	return nil
}

// Availability reports whether a username or email can still be registered.
type Availability struct {
	Available bool   `json:"available"`
	Message   string `json:"message"`
}

// UsernameAvailable checks username against the registration rules and the
// existing accounts, ignoring case.
func (a *AuthService) UsernameAvailable(ctx context.Context, username string) (Availability, error) {
	username = strings.TrimSpace(username)
	switch {
	case username == "":
		return Availability{Message: "Username is required"}, nil
	case len(username) < 3:
		return Availability{Message: "Username must be at least 3 characters"}, nil
	case !usernamePattern.MatchString(username):
		return Availability{Message: "Invalid username format"}, nil
	}

	if _, err := a.storage.GetUserByUsername(ctx, username); err == nil {
		return Availability{Message: "Username already taken"}, nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return Availability{}, fmt.Errorf("failed to check existing username: %w", err)
	}
	return Availability{Available: true, Message: "Username is available"}, nil
}

// EmailAvailable checks email for format and whether an account already uses it.
func (a *AuthService) EmailAvailable(ctx context.Context, email string) (Availability, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return Availability{Message: "Email is required"}, nil
	}
	if err := a.validator.Var(email, "email,max=254"); err != nil {
		return Availability{Message: "Invalid email format"}, nil
	}

	if _, err := a.storage.GetUserByEmail(ctx, email); err == nil {
		return Availability{Message: "Email already registered"}, nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return Availability{}, fmt.Errorf("failed to check existing email: %w", err)
	}
	return Availability{Available: true, Message: "Email is available"}, nil
}

// ChangePassword replaces the user's password after verifying the old one
// and revokes every other session of the user. currentToken, the session
// the change was made from, stays valid.
func (a *AuthService) ChangePassword(ctx context.Context, userID uint, currentToken, oldPassword, newPassword string, meta RequestMeta) error {
	user, err := a.storage.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("failed to get user: %w", err)
	}

	if !checkPasswordHash(oldPassword, user.PasswordHash) {
		slog.Debug("Password change rejected: current password mismatch", "user_id", userID)
		a.logSecurityEvent(ctx, &user.ID, EventPasswordChanged, "Current password did not match", meta, false)
		return ErrInvalidCredentials
	}

	if err := a.checkNewPassword(newPassword); err != nil {
		return err
	}

	hashedPassword, err := hashPassword(newPassword, a.securityConfig.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	revoked, err := a.storage.ChangePasswordHash(ctx, user.ID, hashedPassword, currentToken)
	if err != nil {
		return fmt.Errorf("failed to change password: %w", err)
	}

	a.logSecurityEvent(ctx, &user.ID, EventPasswordChanged,
		fmt.Sprintf("Password changed, %d other sessions revoked", revoked), meta, true)
	slog.Info("Password changed", "user_id", user.ID, "revoked_sessions", revoked)

	return nil
}

func (a *AuthService) checkNewPassword(password string) error {
	verr := &ValidationError{}
	if len(password) > maxPasswordBytes {
		verr.add("newPassword", fmt.Sprintf("newPassword must be at most %d bytes long", maxPasswordBytes))
	} else if err := validatePasswordStrength(password, a.securityConfig); err != nil {
		verr.add("newPassword", err.Error())
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// SetUserActive enables or disables authentication for username without
// deleting the record. Deactivation also ends every session of the user.
func (a *AuthService) SetUserActive(ctx context.Context, username string, active bool, meta RequestMeta) (*User, error) {
	user, err := a.storage.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, err
	}

	if err := a.storage.SetUserActive(ctx, user.ID, active); err != nil {
		return nil, fmt.Errorf("failed to update user status: %w", err)
	}
	user.IsActive = active

	eventType, description := EventUserActivated, "User activated"
	if !active {
		revoked, err := a.storage.DeleteUserSessions(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to revoke sessions: %w", err)
		}
		eventType = EventUserDeactivated
		description = fmt.Sprintf("User deactivated, %d sessions revoked", revoked)
	}

	a.logSecurityEvent(ctx, &user.ID, eventType, description, meta, true)
	slog.Info("User status changed", "user_id", user.ID, "active", active)

	return user, nil
}

// SecurityEvents returns the newest audit events of username.
func (a *AuthService) SecurityEvents(ctx context.Context, username string, limit, offset int) ([]*SecurityEvent, error) {
	user, err := a.storage.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, err
	}
	return a.storage.GetSecurityEventsByUser(ctx, user.ID, limit, offset)
}

// RevokeSessions ends every session of username.
func (a *AuthService) RevokeSessions(ctx context.Context, username string, meta RequestMeta) (int64, error) {
	user, err := a.storage.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return 0, err
	}

	revoked, err := a.storage.DeleteUserSessions(ctx, user.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}

	a.logSecurityEvent(ctx, &user.ID, EventSessionsRevoked, fmt.Sprintf("%d sessions revoked", revoked), meta, true)
	slog.Info("User sessions revoked", "user_id", user.ID, "count", revoked)
	return revoked, nil
}
