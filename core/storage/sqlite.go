package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/wispberry-tech/wispy-session/core"
)

// SQLiteStorage is a production-ready SQLite storage implementation for core auth
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLite opens a SQLite database without touching its schema.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(ctx context.Context, dbPath string) (*SQLiteStorage, error) {
	db, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStorageFromDB(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewInMemorySQLiteStorage creates a new in-memory SQLite storage instance for testing
func NewInMemorySQLiteStorage(ctx context.Context) (*SQLiteStorage, error) {
	return NewSQLiteStorage(ctx, ":memory:")
}

// NewSQLiteStorageFromDB creates a new SQLite storage from an existing database
// connection and applies pending migrations.
func NewSQLiteStorageFromDB(ctx context.Context, db *sql.DB) (*SQLiteStorage, error) {
	// One writer at a time; this also keeps an in-memory database on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if err := core.NewSchemaManager(db, core.DatabaseSQLite).Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure core schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// DB exposes the underlying connection pool.
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// sqliteConflict translates a UNIQUE violation on users into a *core.ConflictError.
func sqliteConflict(err error) error {
	var serr *sqlite3.Error
	if !errors.As(err, &serr) || serr.ExtendedCode() != sqlite3.CONSTRAINT_UNIQUE {
		return nil
	}
	msg := serr.Error()
	switch {
	case strings.Contains(msg, "users.username"):
		return &core.ConflictError{Field: "username"}
	case strings.Contains(msg, "users.email"):
		return &core.ConflictError{Field: "email"}
	default:
		return &core.ConflictError{}
	}
}

// User operations
func (s *SQLiteStorage) CreateUser(ctx context.Context, user *core.User) error {
	query := `INSERT INTO users (uuid, username, email, password_hash, is_active, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		user.UUID, user.Username, user.Email, user.PasswordHash, user.IsActive,
		user.CreatedAt.UTC(), user.UpdatedAt.UTC())
	if err != nil {
		if conflict := sqliteConflict(err); conflict != nil {
			return conflict
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get user ID: %w", err)
	}

	user.ID = uint(id)
	return nil
}

func (s *SQLiteStorage) GetUserByID(ctx context.Context, id uint) (*core.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	return scanUser(s.db.QueryRowContext(ctx, query, id))
}

// GetUserByUsername matches case-insensitively through the column's NOCASE collation.
func (s *SQLiteStorage) GetUserByUsername(ctx context.Context, username string) (*core.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = ?`
	return scanUser(s.db.QueryRowContext(ctx, query, username))
}

func (s *SQLiteStorage) GetUserByEmail(ctx context.Context, email string) (*core.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = ?`
	return scanUser(s.db.QueryRowContext(ctx, query, email))
}

func (s *SQLiteStorage) ChangePasswordHash(ctx context.Context, userID uint, hash, keepToken string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`, hash, time.Now().UTC(), userID)
	if err != nil {
		return 0, fmt.Errorf("failed to update password hash: %w", err)
	}
	if err := expectOneRow(result, core.ErrUserNotFound); err != nil {
		return 0, err
	}

	result, err = tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = ? AND token <> ?`, userID, keepToken)
	if err != nil {
		return 0, fmt.Errorf("failed to delete other user sessions: %w", err)
	}
	revoked, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit password change: %w", err)
	}
	return revoked, nil
}

func (s *SQLiteStorage) SetUserActive(ctx context.Context, userID uint, active bool) error {
	query := `UPDATE users SET is_active = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, active, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to update user status: %w", err)
	}
	return expectOneRow(result, core.ErrUserNotFound)
}

func (s *SQLiteStorage) UpdateLastLogin(ctx context.Context, userID uint, at time.Time) error {
	query := `UPDATE users SET last_login_at = ?, last_seen_at = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, at.UTC(), at.UTC(), time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return expectOneRow(result, core.ErrUserNotFound)
}

func (s *SQLiteStorage) UpdateLastSeen(ctx context.Context, userID uint, at time.Time) error {
	query := `UPDATE users SET last_seen_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, at.UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return expectOneRow(result, core.ErrUserNotFound)
}

// Session operations
func (s *SQLiteStorage) CreateSession(ctx context.Context, session *core.Session) error {
	query := `INSERT INTO sessions (user_id, token, remember_me, ip_address, user_agent,
			  created_at, last_activity_at, expires_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		session.UserID, session.Token, session.RememberMe, session.IPAddress, session.UserAgent,
		session.CreatedAt.UTC(), session.LastActivityAt.UTC(), session.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get session ID: %w", err)
	}

	session.ID = uint(id)
	return nil
}

func (s *SQLiteStorage) GetSession(ctx context.Context, token string) (*core.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE token = ?`
	return scanSession(s.db.QueryRowContext(ctx, query, token))
}

// TouchSession compares timestamps through julianday so mixed fractional
// precision in the stored text does not affect ordering.
func (s *SQLiteStorage) TouchSession(ctx context.Context, token string, at, expiresAt time.Time) error {
	query := `UPDATE sessions SET last_activity_at = ?, expires_at = ?
			  WHERE token = ? AND julianday(expires_at) > julianday(?)`
	result, err := s.db.ExecContext(ctx, query, at.UTC(), expiresAt.UTC(), token, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return expectOneRow(result, core.ErrSessionNotFound)
}

func (s *SQLiteStorage) GetUserSessions(ctx context.Context, userID uint) ([]*core.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = ? ORDER BY id DESC`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user sessions: %w", err)
	}
	return scanSessions(rows)
}

func (s *SQLiteStorage) DeleteSession(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteUserSessions(ctx context.Context, userID uint) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLiteStorage) CleanupExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE julianday(expires_at) <= julianday(?)`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// Security Event operations
func (s *SQLiteStorage) CreateSecurityEvent(ctx context.Context, event *core.SecurityEvent) error {
	query := `INSERT INTO security_events (user_id, event_type, description, ip_address,
			  user_agent, severity, success, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		nullableUserID(event.UserID), event.EventType, event.Description, event.IPAddress,
		event.UserAgent, event.Severity, event.Success, event.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create security event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get security event ID: %w", err)
	}
	event.ID = uint(id)
	return nil
}

func (s *SQLiteStorage) GetSecurityEventsByUser(ctx context.Context, userID uint, limit, offset int) ([]*core.SecurityEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM security_events
			  WHERE user_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get security events: %w", err)
	}
	return scanEvents(rows)
}

// Ping checks the database connection
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
