// Package core provides username/password authentication with server-side sessions.
//
// This package includes:
//   - Registration with a username/email/password policy
//   - Login by username or email with per-identifier throttling
//   - Opaque session tokens carried in signed, http-only cookies
//   - Sliding idle expiry, or a fixed "remember me" lifetime
//   - Security event auditing
//
// ## Quick Start:
//
//	authService, err := core.NewAuthService(core.Config{
//		Storage:        store,
//		Cookies:        core.NewCookieManager(core.CookieConfig{HashKey: key}),
//		SecurityConfig: core.DefaultSecurityConfig(),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	r.Post("/auth/login", func(w http.ResponseWriter, r *http.Request) {
//		result := authService.LoginHandler(r)
//		if result.Token != "" {
//			authService.Cookies().Set(w, result.Token, *result.ExpiresAt)
//		}
//		w.WriteHeader(result.StatusCode)
//		json.NewEncoder(w).Encode(result)
//	})
package core

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)

// SecurityConfig defines security-related configuration options
type SecurityConfig struct {
	// Password security
	PasswordMinLength      int
	PasswordRequireUpper   bool
	PasswordRequireLower   bool
	PasswordRequireNumber  bool
	PasswordRequireSpecial bool
	BcryptCost             int

	// Login security
	MaxLoginAttempts    int           // Failed attempts per identifier before throttling
	LoginThrottleWindow time.Duration // Sliding window the attempts are counted over

	// Session lifetimes
	SessionIdleTimeout time.Duration // Inactivity allowed before a normal session expires
	RememberMeLifetime time.Duration // Fixed lifetime of a "remember me" session
}

// DefaultSecurityConfig returns a secure default configuration
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		PasswordMinLength:      8,
		PasswordRequireUpper:   true,
		PasswordRequireLower:   true,
		PasswordRequireNumber:  true,
		PasswordRequireSpecial: false,
		BcryptCost:             12,
		MaxLoginAttempts:       5,
		LoginThrottleWindow:    15 * time.Minute,
		SessionIdleTimeout:     30 * time.Minute,
		RememberMeLifetime:     30 * 24 * time.Hour,
	}
}

// Config contains the configuration for the AuthService
type Config struct {
	Storage        Storage          // Storage implementation (required)
	Throttle       LoginThrottle    // Failed-login throttle (defaults to in-memory)
	Cookies        *CookieManager   // Session cookie codec (required by the HTTP handlers)
	SecurityConfig SecurityConfig   // Security configuration
	Clock          func() time.Time // Time source, defaults to time.Now
}

// AuthService is the main service for handling authentication operations.
type AuthService struct {
	storage        Storage
	throttle       LoginThrottle
	cookies        *CookieManager
	securityConfig SecurityConfig
	validator      *validator.Validate
	now            func() time.Time
	dummyHash      string
}

// NewAuthService creates a new authentication service
func NewAuthService(cfg Config) (*AuthService, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}

	if err := cfg.Storage.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to connect to storage: %w", err)
	}

	// Use default security config if not provided
	securityConfig := cfg.SecurityConfig
	if securityConfig.SessionIdleTimeout == 0 {
		securityConfig = DefaultSecurityConfig()
	}
	if securityConfig.BcryptCost == 0 {
		securityConfig.BcryptCost = DefaultSecurityConfig().BcryptCost
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	throttle := cfg.Throttle
	if throttle == nil {
		throttle = NewMemoryThrottle(securityConfig.MaxLoginAttempts, securityConfig.LoginThrottleWindow)
	}

	v, err := newValidator()
	if err != nil {
		return nil, err
	}

	// Compared against when the identifier is unknown so that path costs one bcrypt run as well.
	dummyHash, err := hashPassword("wispy-session-timing-equaliser", securityConfig.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare password hasher: %w", err)
	}

	return &AuthService{
		storage:        cfg.Storage,
		throttle:       throttle,
		cookies:        cfg.Cookies,
		securityConfig: securityConfig,
		validator:      v,
		now:            clock,
		dummyHash:      dummyHash,
	}, nil
}

func newValidator() (*validator.Validate, error) {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON names so clients can address them.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	if err := v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("failed to register username validation: %w", err)
	}

	return v, nil
}

// SecurityConfig returns the effective security configuration.
func (a *AuthService) SecurityConfig() SecurityConfig {
	return a.securityConfig
}

// Cookies returns the session cookie codec.
func (a *AuthService) Cookies() *CookieManager {
	return a.cookies
}

// Storage returns the underlying storage.
func (a *AuthService) Storage() Storage {
	return a.storage
}

// logSecurityEvent logs a security event to the database
func (a *AuthService) logSecurityEvent(ctx context.Context, userID *uint, eventType, description string, meta RequestMeta, success bool) {
	event := &SecurityEvent{
		UserID:      userID,
		EventType:   eventType,
		Description: description,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
		Severity:    "info",
		Success:     success,
		CreatedAt:   a.now(),
	}

	if !success {
		event.Severity = "warning"
	}

	if err := a.storage.CreateSecurityEvent(ctx, event); err != nil {
		slog.Error("Failed to log security event",
			"event_type", eventType,
			"user_id", userID,
			"error", err)
	}
}

// CleanupThrottle drops login attempts that have left the throttle window.
// Throttles without a Cleanup method are left alone.
func (a *AuthService) CleanupThrottle() error {
	cleaner, ok := a.throttle.(interface{ Cleanup(now time.Time) error })
	if !ok {
		return nil
	}
	if err := cleaner.Cleanup(a.now()); err != nil {
		return fmt.Errorf("failed to clean up login throttle: %w", err)
	}
	return nil
}

// Close closes the auth service and cleans up resources
func (a *AuthService) Close() error {
	if closer, ok := a.throttle.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			slog.Error("Failed to close login throttle", "error", err)
		}
	}
	return a.storage.Close()
}
