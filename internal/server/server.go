package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/wispberry-tech/wispy-session/config"
	"github.com/wispberry-tech/wispy-session/core"
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	auth       *core.AuthService
	limiter    *core.RateLimiter
	stop       chan struct{}
}

// New constructs a Server exposing auth's endpoints.
func New(cfg config.Config, auth *core.AuthService) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	if cfg.TrustedProxy {
		router.Use(middleware.RealIP)
	}
	router.Use(
		middleware.Recoverer,
		RequestLogger,
		middleware.Timeout(30*time.Second),
	)

	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	var limiter *core.RateLimiter
	if cfg.IPRateLimit > 0 {
		limiter = core.NewRateLimiter(cfg.IPRateLimit, time.Minute)
	}

	router.Get("/healthz", healthz(auth))
	router.Route("/auth", func(r chi.Router) {
		if limiter != nil {
			r.Use(core.RateLimitMiddleware(limiter))
		}
		AuthRouter(r, auth)
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		router:     router,
		auth:       auth,
		limiter:    limiter,
		stop:       make(chan struct{}),
	}
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Limiter returns the per-IP rate limiter, nil when disabled.
func (s *Server) Limiter() *core.RateLimiter {
	return s.limiter
}

// Start runs the HTTP server.
func (s *Server) Start() error {
	go s.cleanupLoop(time.Minute)
	slog.Info("Server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stop:
			return
		}
	}
}

// cleanup evicts idle rate limiter and login throttle entries.
func (s *Server) cleanup() {
	if s.limiter != nil {
		s.limiter.Cleanup()
	}
	if err := s.auth.CleanupThrottle(); err != nil {
		slog.Error("Throttle cleanup failed", "error", err)
	}
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	return s.httpServer.Shutdown(ctx)
}
