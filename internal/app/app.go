// Package app builds the AuthService and its dependencies from configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/wispberry-tech/wispy-session/config"
	"github.com/wispberry-tech/wispy-session/core"
	"github.com/wispberry-tech/wispy-session/core/storage"
)

// App holds the wired service and the resources it owns.
type App struct {
	Config config.Config
	Auth   *core.AuthService
	DB     *sql.DB
}

// OpenStorage opens the configured storage backend and applies migrations.
func OpenStorage(ctx context.Context, cfg config.Config) (core.Storage, *sql.DB, error) {
	switch cfg.Database.Driver {
	case core.DatabaseSQLite:
		s, err := storage.NewSQLiteStorage(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.DB(), nil
	case core.DatabasePostgres:
		s, err := storage.NewPostgresStorage(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.DB(), nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

// OpenDB opens the configured database without applying migrations.
func OpenDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	switch cfg.Database.Driver {
	case core.DatabaseSQLite:
		return storage.OpenSQLite(cfg.Database.DSN)
	case core.DatabasePostgres:
		return storage.OpenPostgres(ctx, cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

// SecurityConfig converts configuration into the service policy.
func SecurityConfig(cfg config.Config) core.SecurityConfig {
	sc := core.DefaultSecurityConfig()
	sc.SessionIdleTimeout = cfg.Security.SessionIdleTimeout
	sc.RememberMeLifetime = cfg.Security.RememberMeLifetime
	sc.BcryptCost = cfg.Security.BcryptCost
	sc.MaxLoginAttempts = cfg.Security.MaxLoginAttempts
	sc.LoginThrottleWindow = cfg.Security.LoginThrottleWindow
	return sc
}

// CookieManager builds the session cookie codec from configuration.
func CookieManager(cfg config.Config) *core.CookieManager {
	sameSite := http.SameSiteLaxMode
	if cfg.Cookie.SameSite == "strict" {
		sameSite = http.SameSiteStrictMode
	}
	return core.NewCookieManager(core.CookieConfig{
		Name:     cfg.Cookie.Name,
		HashKey:  cfg.Cookie.HashKey,
		Secure:   cfg.Cookie.Secure,
		SameSite: sameSite,
	})
}

// New wires storage, throttle, cookie codec and AuthService.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, db, err := OpenStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	security := SecurityConfig(cfg)

	var throttle core.LoginThrottle
	if cfg.Throttle.Backend == "bolt" {
		bt, err := storage.NewBoltThrottle(cfg.Throttle.BoltPath, security.MaxLoginAttempts, security.LoginThrottleWindow)
		if err != nil {
			store.Close()
			return nil, err
		}
		throttle = bt
	}

	auth, err := core.NewAuthService(core.Config{
		Storage:        store,
		Throttle:       throttle,
		Cookies:        CookieManager(cfg),
		SecurityConfig: security,
	})
	if err != nil {
		if closer, ok := throttle.(interface{ Close() error }); ok {
			closer.Close()
		}
		store.Close()
		return nil, fmt.Errorf("failed to create auth service: %w", err)
	}

	slog.Info("Auth service ready",
		"db_driver", cfg.Database.Driver,
		"throttle_backend", cfg.Throttle.Backend,
		"idle_timeout", security.SessionIdleTimeout,
		"remember_me_lifetime", security.RememberMeLifetime)

	return &App{Config: cfg, Auth: auth, DB: db}, nil
}

// Close releases the throttle and storage.
func (a *App) Close() error {
	return a.Auth.Close()
}
