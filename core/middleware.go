package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

type contextKey string

const (
	userContextKey    contextKey = "user"
	sessionContextKey contextKey = "session"
)

// AuthMiddleware provides authentication middleware for HTTP handlers.
// Requests without a valid session cookie get a 401 JSON error; otherwise the
// session is refreshed, its cookie re-issued with the new expiry, and the
// user and session are added to the request context.
func (a *AuthService) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := a.cookies.Token(r)
		if err != nil {
			slog.Debug("No valid session cookie in request", "path", r.URL.Path)
			writeMiddlewareError(w, err)
			return
		}

		user, session, err := a.ValidateSession(r.Context(), token)
		if err != nil {
			logIfInternal("Session validation failed", err)
			if StatusCode(err) == http.StatusUnauthorized {
				a.cookies.Clear(w)
			}
			writeMiddlewareError(w, err)
			return
		}

		if err := a.cookies.Set(w, token, session.ExpiresAt); err != nil {
			slog.Error("Failed to refresh session cookie", "error", err)
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		ctx = context.WithValue(ctx, sessionContextKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeMiddlewareError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusCode(err))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": PublicMessage(err)})
}

// GetUserFromContext retrieves the authenticated user from the request context.
func GetUserFromContext(r *http.Request) *User {
	if user, ok := r.Context().Value(userContextKey).(*User); ok {
		return user
	}
	return nil
}

// MustGetUserFromContext retrieves the authenticated user from context and panics if not found.
// Handlers mounted behind AuthMiddleware use it.
func MustGetUserFromContext(r *http.Request) *User {
	user := GetUserFromContext(r)
	if user == nil {
		panic("user not found in context - ensure authentication middleware is applied")
	}
	return user
}

// GetSessionFromContext retrieves the current session from the request context
func GetSessionFromContext(r *http.Request) *Session {
	if session, ok := r.Context().Value(sessionContextKey).(*Session); ok {
		return session
	}
	return nil
}

// MustGetSessionFromContext is GetSessionFromContext for handlers behind AuthMiddleware.
func MustGetSessionFromContext(r *http.Request) *Session {
	session := GetSessionFromContext(r)
	if session == nil {
		panic("session not found in context - ensure authentication middleware is applied")
	}
	return session
}
