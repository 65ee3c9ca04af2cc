package core

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Common authentication errors returned by the library
var (
	// ErrValidation is returned when input does not satisfy the registration or password policy
	ErrValidation = errors.New("validation failed")
	// ErrUserExists is returned when a username or email is already registered
	ErrUserExists = errors.New("user already exists")
	// ErrInvalidCredentials is returned for every authentication failure, whatever its cause
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSessionExpired is returned for unknown, expired or logged out session tokens
	ErrSessionExpired = errors.New("session expired")
	// ErrThrottled is returned while an identifier has too many recent failed logins
	ErrThrottled = errors.New("too many login attempts")

	// ErrUserNotFound is returned by storage when a user cannot be found
	ErrUserNotFound = errors.New("user not found")
	// ErrSessionNotFound is returned by storage when a session token is unknown
	ErrSessionNotFound = errors.New("session not found")
)

// ValidationError reports every non-conforming field of a request, keyed by JSON field name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, e.Fields[name])
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// add records msg for field unless the field already has a message.
func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

// ConflictError is returned when a unique attribute is already taken.
type ConflictError struct {
	Field string // "username" or "email"; empty when the store could not tell
}

func (e *ConflictError) Error() string {
	if e.Field == "" {
		return ErrUserExists.Error()
	}
	return fmt.Sprintf("%s is already taken", e.Field)
}

func (e *ConflictError) Unwrap() error { return ErrUserExists }

// ThrottledError is returned when login attempts for an identifier are throttled.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("%s, retry in %s", ErrThrottled, e.RetryAfter.Round(time.Second))
}

func (e *ThrottledError) Unwrap() error { return ErrThrottled }

// StatusCode maps an error returned by AuthService to an HTTP status code.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrSessionExpired):
		return http.StatusUnauthorized
	case errors.Is(err, ErrThrottled):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message that may be shown to a client for err.
// Unexpected errors collapse to a generic message.
func PublicMessage(err error) string {
	var conflict *ConflictError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "Validation failed"
	case errors.As(err, &conflict):
		if conflict.Field != "" {
			return fmt.Sprintf("%s is already registered", capitalize(conflict.Field))
		}
		return "User already exists"
	case errors.Is(err, ErrInvalidCredentials):
		return "Invalid credentials"
	case errors.Is(err, ErrSessionExpired):
		return "Session expired"
	case errors.Is(err, ErrThrottled):
		return "Too many login attempts, try again later"
	default:
		return "Internal server error"
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
