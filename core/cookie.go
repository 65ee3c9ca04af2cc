package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
)

// DefaultCookieName is the session cookie name used when none is configured.
const DefaultCookieName = "wispy_session"

// CookieConfig configures the session cookie.
type CookieConfig struct {
	Name     string
	HashKey  []byte // HMAC key, at least 32 bytes; generated when empty
	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

// CookieManager writes and reads the signed, http-only session cookie.
// The cookie value is the session token signed with HMAC-SHA256; the token
// itself is opaque and only meaningful to Storage.
type CookieManager struct {
	cfg   CookieConfig
	codec *securecookie.SecureCookie
}

// NewCookieManager creates a cookie codec from cfg.
func NewCookieManager(cfg CookieConfig) *CookieManager {
	if cfg.Name == "" {
		cfg.Name = DefaultCookieName
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.SameSite == 0 || cfg.SameSite == http.SameSiteNoneMode {
		cfg.SameSite = http.SameSiteLaxMode
	}
	if len(cfg.HashKey) == 0 {
		slog.Warn("No cookie hash key configured, generating an ephemeral one; cookies will not survive a restart")
		cfg.HashKey = securecookie.GenerateRandomKey(64)
	}

	// Expiry is enforced by the session record, not by the cookie timestamp.
	codec := securecookie.New(cfg.HashKey, nil).
		MaxAge(0).
		SetSerializer(securecookie.JSONEncoder{})

	return &CookieManager{cfg: cfg, codec: codec}
}

// Name returns the cookie name.
func (c *CookieManager) Name() string {
	return c.cfg.Name
}

// Set writes the session cookie for token, expiring with the session.
func (c *CookieManager) Set(w http.ResponseWriter, token string, expiresAt time.Time) error {
	encoded, err := c.codec.Encode(c.cfg.Name, token)
	if err != nil {
		return fmt.Errorf("failed to encode session cookie: %w", err)
	}

	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}

	http.SetCookie(w, &http.Cookie{
		Name:     c.cfg.Name,
		Value:    encoded,
		Path:     c.cfg.Path,
		Domain:   c.cfg.Domain,
		Expires:  expiresAt.UTC(),
		MaxAge:   maxAge,
		Secure:   c.cfg.Secure,
		HttpOnly: true,
		SameSite: c.cfg.SameSite,
	})
	return nil
}

// Clear removes the session cookie from the browser.
func (c *CookieManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.cfg.Name,
		Value:    "",
		Path:     c.cfg.Path,
		Domain:   c.cfg.Domain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		Secure:   c.cfg.Secure,
		HttpOnly: true,
		SameSite: c.cfg.SameSite,
	})
}

// Token returns the session token carried by r. A missing cookie or one
// with a bad signature yields ErrSessionExpired.
func (c *CookieManager) Token(r *http.Request) (string, error) {
	cookie, err := r.Cookie(c.cfg.Name)
	if err != nil {
		return "", ErrSessionExpired
	}

	var token string
	if err := c.codec.Decode(c.cfg.Name, cookie.Value, &token); err != nil {
		slog.Debug("Rejected session cookie", "error", err)
		return "", ErrSessionExpired
	}
	if token == "" {
		return "", ErrSessionExpired
	}
	return token, nil
}
