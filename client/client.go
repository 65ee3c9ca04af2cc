// Package client talks to the /auth endpoints of a wispy-session server.
//
// The session token never leaves the cookie jar; callers only observe the
// user and expiry returned by the server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/wispberry-tech/wispy-session/core"
)

// APIError is returned for responses that do not map onto a core error.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Message)
}

// SessionState is what the server reports about the current session.
type SessionState struct {
	User       *core.User `json:"user,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	RememberMe bool       `json:"remember_me,omitempty"`
}

type errorBody struct {
	Error      string            `json:"error"`
	Fields     map[string]string `json:"fields"`
	RetryAfter int               `json:"retry_after"`
}

// Client is an HTTP client holding one session cookie.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a Client for the server at baseURL, e.g. "http://localhost:8080".
func New(baseURL string) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
		},
	}, nil
}

// Register creates a new account. It does not log in.
func (c *Client) Register(ctx context.Context, req core.RegisterRequest) (*core.User, error) {
	var resp struct {
		User *core.User `json:"user"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/auth/register", req, &resp); err != nil {
		return nil, fmt.Errorf("register request failed: %w", err)
	}
	return resp.User, nil
}

// Login authenticates and stores the session cookie in the jar.
func (c *Client) Login(ctx context.Context, identifier, password string, rememberMe bool) (*SessionState, error) {
	req := core.LoginRequest{Identifier: identifier, Password: password, RememberMe: rememberMe}

	var state SessionState
	if err := c.doRequest(ctx, http.MethodPost, "/auth/login", req, &state); err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	return &state, nil
}

// Logout ends the session. It succeeds even when no session is held.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.doRequest(ctx, http.MethodPost, "/auth/logout", nil, nil); err != nil {
		return fmt.Errorf("logout request failed: %w", err)
	}
	return nil
}

// CheckSession validates the current session and returns its owner.
func (c *Client) CheckSession(ctx context.Context) (*SessionState, error) {
	var state SessionState
	if err := c.doRequest(ctx, http.MethodGet, "/auth/check-session", nil, &state); err != nil {
		return nil, fmt.Errorf("check session request failed: %w", err)
	}
	return &state, nil
}

// UpdateActivity records activity on the current session and returns the new expiry.
func (c *Client) UpdateActivity(ctx context.Context) (time.Time, error) {
	var state SessionState
	if err := c.doRequest(ctx, http.MethodPost, "/auth/update-activity", nil, &state); err != nil {
		return time.Time{}, fmt.Errorf("update activity request failed: %w", err)
	}
	return state.ExpiresAt, nil
}

// Sessions lists the sessions of the logged-in user.
func (c *Client) Sessions(ctx context.Context) ([]*core.Session, error) {
	var resp struct {
		Sessions []*core.Session `json:"sessions"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/auth/sessions", nil, &resp); err != nil {
		return nil, fmt.Errorf("sessions request failed: %w", err)
	}
	return resp.Sessions, nil
}

// ChangePassword changes the password of the logged-in user. Other
// sessions of the user are revoked by the server.
func (c *Client) ChangePassword(ctx context.Context, current, next string) error {
	req := core.ChangePasswordRequest{CurrentPassword: current, NewPassword: next, ConfirmPassword: next}
	if err := c.doRequest(ctx, http.MethodPost, "/auth/change-password", req, nil); err != nil {
		return fmt.Errorf("change password request failed: %w", err)
	}
	return nil
}

// UsernameAvailable asks the server whether username can still be registered.
func (c *Client) UsernameAvailable(ctx context.Context, username string) (core.Availability, error) {
	var resp core.Availability
	path := "/auth/check-username?" + url.Values{"username": {username}}.Encode()
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return core.Availability{}, fmt.Errorf("username check failed: %w", err)
	}
	return resp, nil
}

// EmailAvailable asks the server whether email can still be registered.
func (c *Client) EmailAvailable(ctx context.Context, email string) (core.Availability, error) {
	var resp core.Availability
	path := "/auth/check-email?" + url.Values{"email": {email}}.Encode()
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return core.Availability{}, fmt.Errorf("email check failed: %w", err)
	}
	return resp, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// decodeError maps an error response back onto the core error taxonomy.
func decodeError(resp *http.Response, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return &core.ValidationError{Fields: eb.Fields}
	case http.StatusConflict:
		return &core.ConflictError{Field: conflictField(eb.Error)}
	case http.StatusUnauthorized:
		if eb.Error == core.PublicMessage(core.ErrInvalidCredentials) {
			return core.ErrInvalidCredentials
		}
		return core.ErrSessionExpired
	case http.StatusTooManyRequests:
		seconds := eb.RetryAfter
		if seconds == 0 {
			seconds, _ = strconv.Atoi(resp.Header.Get("Retry-After"))
		}
		return &core.ThrottledError{RetryAfter: time.Duration(seconds) * time.Second}
	default:
		return &APIError{StatusCode: resp.StatusCode, Message: eb.Error}
	}
}

func conflictField(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.HasPrefix(lower, "username"):
		return "username"
	case strings.HasPrefix(lower, "email"):
		return "email"
	default:
		return ""
	}
}
