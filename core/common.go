package core

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
)

var (
	upperPattern   = regexp.MustCompile(`[A-Z]`)
	lowerPattern   = regexp.MustCompile(`[a-z]`)
	numberPattern  = regexp.MustCompile(`[0-9]`)
	specialPattern = regexp.MustCompile(`[^a-zA-Z0-9]`)
)

// sessionTokenBytes is the entropy of a session token (256 bits).
const sessionTokenBytes = 32

// Password utilities
func hashPassword(password string, cost int) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(bytes), err
}

func checkPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

func generateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// Password validation
func validatePasswordStrength(password string, config SecurityConfig) error {
	if len(password) < config.PasswordMinLength {
		return fmt.Errorf("password must be at least %d characters long", config.PasswordMinLength)
	}

	if config.PasswordRequireUpper && !upperPattern.MatchString(password) {
		return fmt.Errorf("password must contain at least one uppercase letter")
	}

	if config.PasswordRequireLower && !lowerPattern.MatchString(password) {
		return fmt.Errorf("password must contain at least one lowercase letter")
	}

	if config.PasswordRequireNumber && !numberPattern.MatchString(password) {
		return fmt.Errorf("password must contain at least one number")
	}

	if config.PasswordRequireSpecial && !specialPattern.MatchString(password) {
		return fmt.Errorf("password must contain at least one special character")
	}

	return nil
}

// RequestMeta is the client context recorded with sessions and security events.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// RequestMetaFromRequest extracts client IP and user agent from r.
func RequestMetaFromRequest(r *http.Request) RequestMeta {
	return RequestMeta{
		IPAddress: extractIP(r),
		UserAgent: r.UserAgent(),
	}
}

// hostFromRemoteAddr strips the port from a RemoteAddr value.
func hostFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// extractIP returns the client IP of r. Forwarding headers are ignored here;
// behind a trusted proxy the router rewrites RemoteAddr from them first.
func extractIP(r *http.Request) string {
	return hostFromRemoteAddr(r.RemoteAddr)
}

// tokenPrefix returns a loggable prefix of a session token.
func tokenPrefix(token string) string {
	return token[:min(8, len(token))]
}

// normalizeIdentifier is the canonical form of a login identifier and throttle key.
func normalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// validationErrorFrom converts validator output into a field-addressed ValidationError.
func validationErrorFrom(err error) *ValidationError {
	verr := &ValidationError{}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		verr.add("request", err.Error())
		return verr
	}

	for _, fieldError := range validationErrors {
		field := fieldError.Field()
		switch fieldError.Tag() {
		case "required":
			verr.add(field, fmt.Sprintf("%s is required", field))
		case "email":
			verr.add(field, fmt.Sprintf("%s must be a valid email address", field))
		case "username":
			verr.add(field, fmt.Sprintf("%s must be 3-20 letters, digits or underscores", field))
		case "eqfield":
			verr.add(field, "passwords do not match")
		case "max":
			verr.add(field, fmt.Sprintf("%s must be at most %s characters long", field, fieldError.Param()))
		default:
			verr.add(field, fmt.Sprintf("%s is invalid", field))
		}
	}
	return verr
}
