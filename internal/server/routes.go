package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wispberry-tech/wispy-session/core"
)

// AuthRouter mounts the session endpoints on r.
func AuthRouter(r chi.Router, auth *core.AuthService) {
	r.Post("/register", func(w http.ResponseWriter, r *http.Request) {
		result := auth.RegisterHandler(r)
		writeJSON(w, result.StatusCode, result)
	})

	r.Post("/login", func(w http.ResponseWriter, r *http.Request) {
		result := auth.LoginHandler(r)
		if result.Token != "" {
			setSessionCookie(w, auth, result.Token, *result.ExpiresAt)
		}
		if result.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
		}
		writeJSON(w, result.StatusCode, result)
	})

	r.Post("/logout", func(w http.ResponseWriter, r *http.Request) {
		result := auth.LogoutHandler(r)
		auth.Cookies().Clear(w)
		writeJSON(w, result.StatusCode, result)
	})

	r.Get("/check-username", func(w http.ResponseWriter, r *http.Request) {
		result := auth.CheckUsernameHandler(r)
		writeJSON(w, result.StatusCode, result)
	})

	r.Get("/check-email", func(w http.ResponseWriter, r *http.Request) {
		result := auth.CheckEmailHandler(r)
		writeJSON(w, result.StatusCode, result)
	})

	r.Get("/check-session", func(w http.ResponseWriter, r *http.Request) {
		writeSession(w, auth, auth.CheckSessionHandler(r))
	})

	r.Post("/update-activity", func(w http.ResponseWriter, r *http.Request) {
		writeSession(w, auth, auth.UpdateActivityHandler(r))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.AuthMiddleware)

		r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
			result := auth.GetSessionsHandler(r)
			writeJSON(w, result.StatusCode, result)
		})

		r.Post("/change-password", func(w http.ResponseWriter, r *http.Request) {
			result := auth.ChangePasswordHandler(r)
			writeJSON(w, result.StatusCode, result)
		})
	})
}

// writeSession re-issues the cookie on success and clears it on 401.
func writeSession(w http.ResponseWriter, auth *core.AuthService, result core.SessionResponse) {
	switch {
	case result.StatusCode == http.StatusOK && result.Token != "":
		setSessionCookie(w, auth, result.Token, *result.ExpiresAt)
	case result.StatusCode == http.StatusUnauthorized:
		auth.Cookies().Clear(w)
	}
	writeJSON(w, result.StatusCode, result)
}

func setSessionCookie(w http.ResponseWriter, auth *core.AuthService, token string, expiresAt time.Time) {
	if err := auth.Cookies().Set(w, token, expiresAt); err != nil {
		slog.Error("Failed to set session cookie", "error", err)
	}
}

func healthz(auth *core.AuthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := auth.Storage().Ping(ctx); err != nil {
			slog.Error("Health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
