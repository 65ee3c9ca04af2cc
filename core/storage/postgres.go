package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/wispberry-tech/wispy-session/core"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStorage is a PostgreSQL storage implementation for core auth
type PostgresStorage struct {
	db *sql.DB
}

// OpenPostgres connects through pgx without touching the schema.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL DSN: %w", err)
	}

	db := stdlib.OpenDB(*cfg)
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return db, nil
}

// NewPostgresStorage connects through pgx and applies pending migrations.
func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, err
	}

	s, err := NewPostgresStorageFromDB(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStorageFromDB wraps an existing connection pool and applies pending migrations.
func NewPostgresStorageFromDB(ctx context.Context, db *sql.DB) (*PostgresStorage, error) {
	if err := core.NewSchemaManager(db, core.DatabasePostgres).Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure core schema: %w", err)
	}
	return &PostgresStorage{db: db}, nil
}

// DB exposes the underlying connection pool.
func (s *PostgresStorage) DB() *sql.DB {
	return s.db
}

// postgresConflict translates a unique_violation on users into a *core.ConflictError.
func postgresConflict(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return nil
	}
	switch {
	case strings.Contains(pgErr.ConstraintName, "username"):
		return &core.ConflictError{Field: "username"}
	case strings.Contains(pgErr.ConstraintName, "email"):
		return &core.ConflictError{Field: "email"}
	default:
		return &core.ConflictError{}
	}
}

// User operations
func (s *PostgresStorage) CreateUser(ctx context.Context, user *core.User) error {
	query := `INSERT INTO users (uuid, username, email, password_hash, is_active, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		user.UUID, user.Username, user.Email, user.PasswordHash, user.IsActive,
		user.CreatedAt, user.UpdatedAt).Scan(&user.ID)
	if err != nil {
		if conflict := postgresConflict(err); conflict != nil {
			return conflict
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetUserByID(ctx context.Context, id uint) (*core.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStorage) GetUserByUsername(ctx context.Context, username string) (*core.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(username) = lower($1)`
	return scanUser(s.db.QueryRowContext(ctx, query, username))
}

func (s *PostgresStorage) GetUserByEmail(ctx context.Context, email string) (*core.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`
	return scanUser(s.db.QueryRowContext(ctx, query, email))
}

func (s *PostgresStorage) ChangePasswordHash(ctx context.Context, userID uint, hash, keepToken string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE users SET password_hash = $1, updated_at = NOW() WHERE id = $2`, hash, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to update password hash: %w", err)
	}
	if err := expectOneRow(result, core.ErrUserNotFound); err != nil {
		return 0, err
	}

	result, err = tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = $1 AND token <> $2`, userID, keepToken)
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

func (s *PostgresStorage) SetUserActive(ctx context.Context, userID uint, active bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_active = $1, updated_at = NOW() WHERE id = $2`, active, userID)
	if err != nil {
		return fmt.Errorf("failed to update user status: %w", err)
	}
	return expectOneRow(result, core.ErrUserNotFound)
}

func (s *PostgresStorage) UpdateLastLogin(ctx context.Context, userID uint, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = $1, last_seen_at = $1, updated_at = NOW() WHERE id = $2`, at, userID)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return expectOneRow(result, core.ErrUserNotFound)
}

func (s *PostgresStorage) UpdateLastSeen(ctx context.Context, userID uint, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_seen_at = $1 WHERE id = $2`, at, userID)
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return expectOneRow(result, core.ErrUserNotFound)
}

// Session operations
func (s *PostgresStorage) CreateSession(ctx context.Context, session *core.Session) error {
	query := `INSERT INTO sessions (user_id, token, remember_me, ip_address, user_agent,
			  created_at, last_activity_at, expires_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		session.UserID, session.Token, session.RememberMe, session.IPAddress, session.UserAgent,
		session.CreatedAt, session.LastActivityAt, session.ExpiresAt).Scan(&session.ID)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetSession(ctx context.Context, token string) (*core.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE token = $1`
	return scanSession(s.db.QueryRowContext(ctx, query, token))
}

func (s *PostgresStorage) TouchSession(ctx context.Context, token string, at, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = $1, expires_at = $2
		 WHERE token = $3 AND expires_at > $1`, at, expiresAt, token)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return expectOneRow(result, core.ErrSessionNotFound)
}

func (s *PostgresStorage) GetUserSessions(ctx context.Context, userID uint) ([]*core.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = $1 ORDER BY id DESC`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user sessions: %w", err)
	}
	return scanSessions(rows)
}

func (s *PostgresStorage) DeleteSession(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = $1`, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *PostgresStorage) DeleteUserSessions(ctx context.Context, userID uint) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return result.RowsAffected()
}

func (s *PostgresStorage) CleanupExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// Security Event operations
func (s *PostgresStorage) CreateSecurityEvent(ctx context.Context, event *core.SecurityEvent) error {
	query := `INSERT INTO security_events (user_id, event_type, description, ip_address,
			  user_agent, severity, success, created_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		nullableUserID(event.UserID), event.EventType, event.Description, event.IPAddress,
		event.UserAgent, event.Severity, event.Success, event.CreatedAt).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to create security event: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetSecurityEventsByUser(ctx context.Context, userID uint, limit, offset int) ([]*core.SecurityEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM security_events
			  WHERE user_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`
	rows, err := s.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get security events: %w", err)
	}
	return scanEvents(rows)
}

// Ping checks the database connection
func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
