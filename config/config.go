package config

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort  int
	Database    DatabaseConfig
	Cookie      CookieConfig
	Security    SecurityConfig
	Throttle    ThrottleConfig
	IPRateLimit int // requests per minute per client IP on /auth, 0 disables
	// TrustedProxy takes the client IP from X-Forwarded-For/X-Real-IP.
	// Enable only behind a proxy that overwrites those headers.
	TrustedProxy bool
	CORSOrigins []string
	LogLevel    slog.Level
}

type DatabaseConfig struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
}

type CookieConfig struct {
	Name     string
	HashKey  []byte
	Secure   bool
	SameSite string // "lax" or "strict"
}

type SecurityConfig struct {
	SessionIdleTimeout  time.Duration
	RememberMeLifetime  time.Duration
	BcryptCost          int
	MaxLoginAttempts    int
	LoginThrottleWindow time.Duration
}

type ThrottleConfig struct {
	Backend  string // "memory" or "bolt"
	BoltPath string
}

func LoadConfig() Config {
	if os.Getenv("ENV") == "dev" {
		if err := godotenv.Load(); err != nil {
			slog.Debug("No .env file loaded", "error", err)
		}
	}

	return Config{
		ServerPort: getEnvInt("SERVER_PORT", 8080),
		Database: DatabaseConfig{
			Driver: strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
			DSN:    getEnv("DB_DSN", "file:wispy.db"),
		},
		Cookie: CookieConfig{
			Name:     getEnv("COOKIE_NAME", "wispy_session"),
			HashKey:  decodeKey(getEnv("COOKIE_HASH_KEY", "")),
			Secure:   getEnvBool("COOKIE_SECURE", false),
			SameSite: strings.ToLower(getEnv("COOKIE_SAMESITE", "lax")),
		},
		Security: SecurityConfig{
			SessionIdleTimeout:  getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
			RememberMeLifetime:  getEnvDuration("REMEMBER_ME_LIFETIME", 30*24*time.Hour),
			BcryptCost:          getEnvInt("BCRYPT_COST", 12),
			MaxLoginAttempts:    getEnvInt("MAX_LOGIN_ATTEMPTS", 5),
			LoginThrottleWindow: getEnvDuration("LOGIN_THROTTLE_WINDOW", 15*time.Minute),
		},
		Throttle: ThrottleConfig{
			Backend:  strings.ToLower(getEnv("THROTTLE_BACKEND", "memory")),
			BoltPath: getEnv("THROTTLE_BOLT_PATH", "wispy-throttle.db"),
		},
		IPRateLimit:  getEnvInt("IP_RATE_LIMIT", 60),
		TrustedProxy: getEnvBool("TRUSTED_PROXY", false),
		CORSOrigins:  getEnvList("CORS_ORIGINS"),
		LogLevel:     getEnvLevel("LOG_LEVEL", slog.LevelInfo),
	}
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	switch c.Throttle.Backend {
	case "memory", "bolt":
	default:
		return fmt.Errorf("unsupported THROTTLE_BACKEND %q", c.Throttle.Backend)
	}
	switch c.Cookie.SameSite {
	case "lax", "strict":
	default:
		return fmt.Errorf("unsupported COOKIE_SAMESITE %q", c.Cookie.SameSite)
	}
	if c.Cookie.HashKey != nil && len(c.Cookie.HashKey) < 32 {
		return fmt.Errorf("COOKIE_HASH_KEY must be at least 32 bytes, got %d", len(c.Cookie.HashKey))
	}
	if c.Security.MaxLoginAttempts < 1 {
		return fmt.Errorf("MAX_LOGIN_ATTEMPTS must be positive")
	}
	if c.Security.SessionIdleTimeout <= 0 || c.Security.RememberMeLifetime <= 0 || c.Security.LoginThrottleWindow <= 0 {
		return fmt.Errorf("session lifetimes and throttle window must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := strconv.Atoi(strings.TrimSpace(valueStr))
		if err != nil {
			slog.Warn("Ignoring invalid integer setting", "key", key, "value", valueStr)
			return defaultValue
		}
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
		if err != nil {
			slog.Warn("Ignoring invalid boolean setting", "key", key, "value", valueStr)
			return defaultValue
		}
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := time.ParseDuration(strings.TrimSpace(valueStr))
		if err != nil {
			slog.Warn("Ignoring invalid duration setting", "key", key, "value", valueStr)
			return defaultValue
		}
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var values []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}

func getEnvLevel(key string, defaultValue slog.Level) slog.Level {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(valueStr))); err != nil {
		slog.Warn("Ignoring invalid log level", "key", key, "value", valueStr)
		return defaultValue
	}
	return level
}

// decodeKey accepts a base64 key and falls back to the raw bytes.
func decodeKey(value string) []byte {
	if value == "" {
		return nil
	}
	if key, err := base64.StdEncoding.DecodeString(value); err == nil {
		return key
	}
	return []byte(value)
}
