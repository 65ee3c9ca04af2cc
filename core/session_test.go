package core

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestLogin(t *testing.T) {
	authService, store, _ := mustCreateTestAuthService(t)
	user := mustRegister(t, authService, "alice")
	ctx := context.Background()

	tests := []struct {
		name       string
		identifier string
		password   string
		wantErr    error
	}{
		{name: "by_username", identifier: "alice", password: testPassword},
		{name: "username_is_case_insensitive", identifier: "ALICE", password: testPassword},
		{name: "by_email", identifier: "alice@example.com", password: testPassword},
		{name: "email_is_case_insensitive", identifier: "Alice@Example.COM", password: testPassword},
		{name: "surrounding_whitespace", identifier: "  alice ", password: testPassword},
		{name: "wrong_password", identifier: "alice", password: "WrongPassword1", wantErr: ErrInvalidCredentials},
		{name: "unknown_user", identifier: "bob", password: testPassword, wantErr: ErrInvalidCredentials},
		{name: "unknown_email", identifier: "bob@example.com", password: testPassword, wantErr: ErrInvalidCredentials},
		{name: "empty_identifier", identifier: "", password: testPassword, wantErr: ErrValidation},
		{name: "empty_password", identifier: "alice", password: "", wantErr: ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := authService.Login(ctx, LoginRequest{
				Identifier: tt.identifier,
				Password:   tt.password,
			}, RequestMeta{IPAddress: "192.0.2.1", UserAgent: "test"})

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Login() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Login() unexpected error = %v", err)
			}
			if result.User.ID != user.ID {
				t.Errorf("Expected user %d, got %d", user.ID, result.User.ID)
			}
			if result.Session.Token == "" {
				t.Error("Expected a session token")
			}
			if result.Session.IPAddress != "192.0.2.1" || result.Session.UserAgent != "test" {
				t.Errorf("Expected request metadata on session, got %+v", result.Session)
			}
			if result.User.LastLoginAt == nil {
				t.Error("Expected LastLoginAt to be set")
			}
		})
	}

	if !slices.Contains(store.eventTypes(), EventLoginFailed) {
		t.Error("Expected a login_failed security event")
	}
}

func TestLogin_SessionTokensAreUnique(t *testing.T) {
	authService, _, _ := mustCreateTestAuthService(t)
	mustRegister(t, authService, "alice")

	seen := make(map[string]bool)
	for range 20 {
		session := mustLogin(t, authService, "alice", false)
		if seen[session.Token] {
			t.Fatalf("Duplicate session token %q", session.Token)
		}
		seen[session.Token] = true
		if len(session.Token) != 43 {
			t.Errorf("Expected a 43 character token, got %d", len(session.Token))
		}
	}
}

func TestLogin_InactiveUserIsRejected(t *testing.T) {
	authService, store, _ := mustCreateTestAuthService(t)
	user := mustRegister(t, authService, "alice")
	ctx := context.Background()

	if err := store.SetUserActive(ctx, user.ID, false); err != nil {
		t.Fatalf("SetUserActive() error = %v", err)
	}

	_, err := authService.Login(ctx, LoginRequest{Identifier: "alice", Password: testPassword}, RequestMeta{})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Expected ErrInvalidCredentials for inactive user, got %v", err)
	}
	if store.sessionCount() != 0 {
		t.Error("Expected no session for inactive user")
	}
}

func TestLogin_Throttling(t *testing.T) {
	authService, _, clock := mustCreateTestAuthService(t)
	mustRegister(t, authService, "alice")
	ctx := context.Background()
	maxAttempts := authService.SecurityConfig().MaxLoginAttempts

	login := func(identifier, password string) error {
		_, err := authService.Login(ctx, LoginRequest{Identifier: identifier, Password: password}, RequestMeta{})
		return err
	}

	for i := range maxAttempts {
		if err := login("alice", "WrongPassword1"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("Attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	t.Run("correct_password_is_throttled", func(t *testing.T) {
		err := login("alice", testPassword)
		var throttled *ThrottledError
		if !errors.As(err, &throttled) {
			t.Fatalf("Expected *ThrottledError, got %v", err)
		}
		if throttled.RetryAfter != authService.SecurityConfig().LoginThrottleWindow {
			t.Errorf("Expected retry after %v, got %v", authService.SecurityConfig().LoginThrottleWindow, throttled.RetryAfter)
		}
	})

	t.Run("identifier_case_shares_the_counter", func(t *testing.T) {
		if err := login("ALICE", testPassword); !errors.Is(err, ErrThrottled) {
			t.Fatalf("Expected ErrThrottled, got %v", err)
		}
	})

	t.Run("other_identifiers_are_unaffected", func(t *testing.T) {
		mustRegister(t, authService, "bob")
		if err := login("bob", testPassword); err != nil {
			t.Fatalf("Expected bob to log in, got %v", err)
		}
	})

	t.Run("window_elapses", func(t *testing.T) {
		clock.Advance(authService.SecurityConfig().LoginThrottleWindow)
		if err := login("alice", testPassword); err != nil {
			t.Fatalf("Expected login after the window, got %v", err)
		}
	})
}

func TestLogin_SuccessResetsThrottle(t *testing.T) {
	authService, _, _ := mustCreateTestAuthService(t)
	mustRegister(t, authService, "alice")
	ctx := context.Background()
	maxAttempts := authService.SecurityConfig().MaxLoginAttempts

	for range maxAttempts - 1 {
		_, _ = authService.Login(ctx, LoginRequest{Identifier: "alice", Password: "WrongPassword1"}, RequestMeta{})
	}
	mustLogin(t, authService, "alice", false)

	for i := range maxAttempts - 1 {
		_, err := authService.Login(ctx, LoginRequest{Identifier: "alice", Password: "WrongPassword1"}, RequestMeta{})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("Attempt %d after reset: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}
}

func TestLogin_ConcurrentAttemptsRespectLimit(t *testing.T) {
	authService, _, _ := mustCreateTestAuthService(t)
	mustRegister(t, authService, "alice")
	maxAttempts := authService.SecurityConfig().MaxLoginAttempts

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		throttled int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := authService.Login(context.Background(), LoginRequest{Identifier: "alice", Password: "WrongPassword1"}, RequestMeta{})
			if errors.Is(err, ErrThrottled) {
				mu.Lock()
				throttled++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if throttled != 20-maxAttempts {
		t.Errorf("Expected %d throttled attempts, got %d", 20-maxAttempts, throttled)
	}
}

func TestValidateSession_IdleExpiry(t *testing.T) {
	authService, store, clock := mustCreateTestAuthService(t)
	user := mustRegister(t, authService, "alice")
	session := mustLogin(t, authService, "alice", false)
	ctx := context.Background()
	idle := authService.SecurityConfig().SessionIdleTimeout

	if !session.ExpiresAt.Equal(clock.Now().Add(idle)) {
		t.Fatalf("Expected expiry %v, got %v", clock.Now().Add(idle), session.ExpiresAt)
	}

	// Activity inside the idle window keeps sliding the expiry forward.
	for range 3 {
		clock.Advance(idle - time.Minute)
		got, refreshed, err := authService.ValidateSession(ctx, session.Token)
		if err != nil {
			t.Fatalf("ValidateSession() error = %v", err)
		}
		if got.ID != user.ID {
			t.Errorf("Expected user %d, got %d", user.ID, got.ID)
		}
		if !refreshed.ExpiresAt.Equal(clock.Now().Add(idle)) {
			t.Errorf("Expected expiry %v, got %v", clock.Now().Add(idle), refreshed.ExpiresAt)
		}
	}

	clock.Advance(idle)
	if _, _, err := authService.ValidateSession(ctx, session.Token); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Expected ErrSessionExpired after idle timeout, got %v", err)
	}
	if store.sessionCount() != 0 {
		t.Error("Expected the expired session to be deleted")
	}
	if _, _, err := authService.ValidateSession(ctx, session.Token); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Expected ErrSessionExpired on reuse, got %v", err)
	}
}

func TestValidateSession_RememberMe(t *testing.T) {
	authService, _, clock := mustCreateTestAuthService(t)
	mustRegister(t, authService, "alice")
	session := mustLogin(t, authService, "alice", true)
	ctx := context.Background()
	lifetime := authService.SecurityConfig().RememberMeLifetime

	wantExpiry := clock.Now().Add(lifetime)
	if !session.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("Expected expiry %v, got %v", wantExpiry, session.ExpiresAt)
	}

	// Long idle gaps are fine and activity does not extend the lifetime.
	clock.Advance(lifetime - 24*time.Hour)
	_, refreshed, err := authService.ValidateSession(ctx, session.Token)
	if err != nil {
		t.Fatalf("ValidateSession() error = %v", err)
	}
	if !refreshed.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("Expected fixed expiry %v, got %v", wantExpiry, refreshed.ExpiresAt)
	}

	clock.Advance(24 * time.Hour)
	if _, _, err := authService.ValidateSession(ctx, session.Token); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Expected ErrSessionExpired at the end of the lifetime, got %v", err)
	}
}

func TestValidateSession_UnknownToken(t *testing.T) {
	authService, _, _ := mustCreateTestAuthService(t)

	for _, token := range []string{"", "does-not-exist"} {
		if _, _, err := authService.ValidateSession(context.Background(), token); !errors.Is(err, ErrSessionExpired) {
			t.Errorf("ValidateSession(%q) error = %v, want ErrSessionExpired", token, err)
		}
	}
}

func TestValidateSession_InactiveOwner(t *testing.T) {
	authService, store, _ := mustCreateTestAuthService(t)
	user := mustRegister(t, authService, "alice")
	session := mustLogin(t, authService, "alice", false)
	ctx := context.Background()

	if err := store.SetUserActive(ctx, user.ID, false); err != nil {
		t.Fatalf("SetUserActive() error = %v", err)
	}

	if _, _, err := authService.ValidateSession(ctx, session.Token); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Expected ErrSessionExpired for inactive owner, got %v", err)
	}
	if store.sessionCount() != 0 {
		t.Error("Expected the session of an inactive owner to be deleted")
	}
}

func TestUpdateActivity(t *testing.T) {
	authService, store, clock := mustCreateTestAuthService(t)
	user := mustRegister(t, authService, "alice")
	session := mustLogin(t, authService, "alice", false)
	ctx := context.Background()

	clock.Advance(10 * time.Minute)
	updated, err := authService.UpdateActivity(ctx, session.Token)
	if err != nil {
		t.Fatalf("UpdateActivity() error = %v", err)
	}
	if !updated.LastActivityAt.Equal(clock.Now()) {
		t.Errorf("Expected last activity %v, got %v", clock.Now(), updated.LastActivityAt)
	}

	stored, err := store.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUserByID() error = %v", err)
	}
	if stored.LastSeenAt == nil || !stored.LastSeenAt.Equal(clock.Now()) {
		t.Errorf("Expected last seen %v, got %v", clock.Now(), stored.LastSeenAt)
	}

	clock.Advance(time.Hour)
	if _, err := authService.UpdateActivity(ctx, session.Token); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Expected ErrSessionExpired, got %v", err)
	}
}

func TestLogout(t *testing.T) {
	authService, store, _ := mustCreateTestAuthService(t)
	mustRegister(t, authService, "alice")
	first := mustLogin(t, authService, "alice", false)
	second := mustLogin(t, authService, "alice", false)
	ctx := context.Background()

	if err := authService.Logout(ctx, first.Token, RequestMeta{}); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, _, err := authService.ValidateSession(ctx, first.Token); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Expected logged out session to be invalid, got %v", err)
	}
	if _, _, err := authService.ValidateSession(ctx, second.Token); err != nil {
		t.Errorf("Expected other session to stay valid, got %v", err)
	}
	if !slices.Contains(store.eventTypes(), EventLogout) {
		t.Error("Expected a logout security event")
	}

	for _, token := range []string{"", first.Token, "does-not-exist"} {
		if err := authService.Logout(ctx, token, RequestMeta{}); err != nil {
			t.Errorf("Logout(%q) error = %v, want nil", token, err)
		}
	}
}

func TestListSessions(t *testing.T) {
	authService, _, clock := mustCreateTestAuthService(t)
	user := mustRegister(t, authService, "alice")
	short := mustLogin(t, authService, "alice", false)
	long := mustLogin(t, authService, "alice", true)
	ctx := context.Background()

	sessions, err := authService.ListSessions(ctx, user.ID)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].Token != long.Token {
		t.Error("Expected newest session first")
	}

	clock.Advance(authService.SecurityConfig().SessionIdleTimeout)
	sessions, err = authService.ListSessions(ctx, user.ID)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].Token == short.Token {
		t.Errorf("Expected only the remember-me session, got %+v", sessions)
	}
}

func TestPruneExpiredSessions(t *testing.T) {
	authService, store, clock := mustCreateTestAuthService(t)
	mustRegister(t, authService, "alice")
	mustLogin(t, authService, "alice", false)
	mustLogin(t, authService, "alice", false)
	mustLogin(t, authService, "alice", true)

	clock.Advance(authService.SecurityConfig().SessionIdleTimeout + time.Second)
	n, err := authService.PruneExpiredSessions(context.Background())
	if err != nil {
		t.Fatalf("PruneExpiredSessions() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 pruned sessions, got %d", n)
	}
	if store.sessionCount() != 1 {
		t.Errorf("Expected 1 remaining session, got %d", store.sessionCount())
	}
}
