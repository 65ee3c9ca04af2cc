package core

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// RegisterResponse represents the response for user registration
type RegisterResponse struct {
	User       *User             `json:"user,omitempty"`   // Created user information
	Fields     map[string]string `json:"fields,omitempty"` // Per-field validation messages
	StatusCode int               `json:"-"`                // HTTP status code (not serialized)
	Error      string            `json:"error,omitempty"`  // Error message if any
}

// LoginResponse represents the response for user authentication
type LoginResponse struct {
	User       *User             `json:"user,omitempty"`        // Authenticated user information
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`  // When the session expires
	RememberMe bool              `json:"remember_me,omitempty"` // Whether the session is long-lived
	RetryAfter int               `json:"retry_after,omitempty"` // Seconds until a throttled identifier may retry
	Fields     map[string]string `json:"fields,omitempty"`      // Per-field validation messages
	Token      string            `json:"-"`                     // Session token, delivered only as a cookie
	StatusCode int               `json:"-"`                     // HTTP status code (not serialized)
	Error      string            `json:"error,omitempty"`       // Error message if any
}

// SessionResponse represents the response for session checks and activity updates
type SessionResponse struct {
	User       *User      `json:"user,omitempty"`       // Session owner
	ExpiresAt  *time.Time `json:"expires_at,omitempty"` // Refreshed expiry
	Token      string     `json:"-"`                    // Token to re-issue the cookie with
	StatusCode int        `json:"-"`                    // HTTP status code (not serialized)
	Error      string     `json:"error,omitempty"`      // Error message if any
}

// LogoutResponse represents the response for user logout
type LogoutResponse struct {
	Message    string `json:"message,omitempty"` // Success message
	StatusCode int    `json:"-"`                 // HTTP status code (not serialized)
	Error      string `json:"error,omitempty"`   // Error message if any
}

// ChangePasswordResponse represents the response for a password change
type ChangePasswordResponse struct {
	Message    string            `json:"message,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	StatusCode int               `json:"-"`
	Error      string            `json:"error,omitempty"`
}

// SessionsResponse represents the response for user session listing
type SessionsResponse struct {
	Sessions   []*Session `json:"sessions"`        // List of user sessions
	StatusCode int        `json:"-"`               // HTTP status code (not serialized)
	Error      string     `json:"error,omitempty"` // Error message if any
}

// AvailabilityResponse represents the response for username and email checks
type AvailabilityResponse struct {
	Availability
	StatusCode int    `json:"-"`
	Error      string `json:"error,omitempty"`
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(dst)
}

func validationFields(err error) map[string]string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Fields
	}
	return nil
}

// logIfInternal logs errors that map to 500 so only the server sees the detail.
func logIfInternal(msg string, err error) {
	if StatusCode(err) == http.StatusInternalServerError {
		slog.Error(msg, "error", err)
	}
}

// RegisterHandler processes user registration requests
func (a *AuthService) RegisterHandler(r *http.Request) RegisterResponse {
	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Debug("Failed to decode register request", "error", err)
		return RegisterResponse{
			StatusCode: http.StatusBadRequest,
			Error:      "Invalid request format",
		}
	}

	user, err := a.Register(r.Context(), req, RequestMetaFromRequest(r))
	if err != nil {
		logIfInternal("Registration failed", err)
		return RegisterResponse{
			StatusCode: StatusCode(err),
			Error:      PublicMessage(err),
			Fields:     validationFields(err),
		}
	}

	return RegisterResponse{
		StatusCode: http.StatusCreated,
		User:       user,
	}
}

// LoginHandler processes user authentication requests
func (a *AuthService) LoginHandler(r *http.Request) LoginResponse {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Debug("Failed to decode login request", "error", err)
		return LoginResponse{
			StatusCode: http.StatusBadRequest,
			Error:      "Invalid request format",
		}
	}

	result, err := a.Login(r.Context(), req, RequestMetaFromRequest(r))
	if err != nil {
		logIfInternal("Login failed", err)
		resp := LoginResponse{
			StatusCode: StatusCode(err),
			Error:      PublicMessage(err),
			Fields:     validationFields(err),
		}
		var throttled *ThrottledError
		if errors.As(err, &throttled) {
			resp.RetryAfter = int(math.Ceil(throttled.RetryAfter.Seconds()))
		}
		return resp
	}

	return LoginResponse{
		StatusCode: http.StatusOK,
		User:       result.User,
		ExpiresAt:  &result.Session.ExpiresAt,
		RememberMe: result.Session.RememberMe,
		Token:      result.Session.Token,
	}
}

// CheckSessionHandler validates the session cookie and returns its user
func (a *AuthService) CheckSessionHandler(r *http.Request) SessionResponse {
	token, err := a.cookies.Token(r)
	if err != nil {
		return SessionResponse{StatusCode: StatusCode(err), Error: PublicMessage(err)}
	}

	user, session, err := a.ValidateSession(r.Context(), token)
	if err != nil {
		logIfInternal("Session check failed", err)
		return SessionResponse{StatusCode: StatusCode(err), Error: PublicMessage(err)}
	}

	return SessionResponse{
		StatusCode: http.StatusOK,
		User:       user,
		ExpiresAt:  &session.ExpiresAt,
		Token:      token,
	}
}

// UpdateActivityHandler refreshes the activity timestamp of the session cookie
func (a *AuthService) UpdateActivityHandler(r *http.Request) SessionResponse {
	token, err := a.cookies.Token(r)
	if err != nil {
		return SessionResponse{StatusCode: StatusCode(err), Error: PublicMessage(err)}
	}

	session, err := a.UpdateActivity(r.Context(), token)
	if err != nil {
		logIfInternal("Activity update failed", err)
		return SessionResponse{StatusCode: StatusCode(err), Error: PublicMessage(err)}
	}

	return SessionResponse{
		StatusCode: http.StatusOK,
		ExpiresAt:  &session.ExpiresAt,
		Token:      token,
	}
}

// LogoutHandler processes user logout requests
func (a *AuthService) LogoutHandler(r *http.Request) LogoutResponse {
	// A missing or tampered cookie still logs out successfully.
	token, _ := a.cookies.Token(r)

	if err := a.Logout(r.Context(), token, RequestMetaFromRequest(r)); err != nil {
		slog.Error("Failed to log out", "error", err)
		return LogoutResponse{
			StatusCode: http.StatusInternalServerError,
			Error:      "Internal server error",
		}
	}

	return LogoutResponse{
		StatusCode: http.StatusOK,
		Message:    "Successfully logged out",
	}
}

// CheckUsernameHandler reports whether the username query parameter is free
func (a *AuthService) CheckUsernameHandler(r *http.Request) AvailabilityResponse {
	result, err := a.UsernameAvailable(r.Context(), r.URL.Query().Get("username"))
	return availabilityResponse(result, err)
}

// CheckEmailHandler reports whether the email query parameter is free
func (a *AuthService) CheckEmailHandler(r *http.Request) AvailabilityResponse {
	result, err := a.EmailAvailable(r.Context(), r.URL.Query().Get("email"))
	return availabilityResponse(result, err)
}

func availabilityResponse(result Availability, err error) AvailabilityResponse {
	if err != nil {
		slog.Error("Availability check failed", "error", err)
		return AvailabilityResponse{
			StatusCode: http.StatusInternalServerError,
			Error:      "Internal server error",
		}
	}
	return AvailabilityResponse{Availability: result, StatusCode: http.StatusOK}
}

// ChangePasswordHandler changes the password of the authenticated user.
// It must run behind AuthMiddleware.
func (a *AuthService) ChangePasswordHandler(r *http.Request) ChangePasswordResponse {
	user := MustGetUserFromContext(r)
	session := MustGetSessionFromContext(r)

	var req ChangePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		return ChangePasswordResponse{
			StatusCode: http.StatusBadRequest,
			Error:      "Invalid request format",
		}
	}
	if err := a.validator.Struct(req); err != nil {
		verr := validationErrorFrom(err)
		return ChangePasswordResponse{
			StatusCode: http.StatusBadRequest,
			Error:      PublicMessage(verr),
			Fields:     verr.Fields,
		}
	}

	err := a.ChangePassword(r.Context(), user.ID, session.Token, req.CurrentPassword, req.NewPassword, RequestMetaFromRequest(r))
	if err != nil {
		logIfInternal("Password change failed", err)
		return ChangePasswordResponse{
			StatusCode: StatusCode(err),
			Error:      PublicMessage(err),
			Fields:     validationFields(err),
		}
	}

	return ChangePasswordResponse{
		StatusCode: http.StatusOK,
		Message:    "Password changed",
	}
}

// GetSessionsHandler returns all active sessions for a user.
// It must run behind AuthMiddleware.
func (a *AuthService) GetSessionsHandler(r *http.Request) SessionsResponse {
	user := MustGetUserFromContext(r)

	sessions, err := a.ListSessions(r.Context(), user.ID)
	if err != nil {
		slog.Error("Failed to get user sessions", "error", err)
		return SessionsResponse{
			StatusCode: http.StatusInternalServerError,
			Error:      "Internal server error",
		}
	}

	return SessionsResponse{
		StatusCode: http.StatusOK,
		Sessions:   sessions,
	}
}
