// Package storage provides SQLite and PostgreSQL implementations of
// core.Storage and a bbolt-backed core.LoginThrottle.
package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/wispberry-tech/wispy-session/core"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, uuid, username, email, password_hash, is_active,
	last_login_at, last_seen_at, created_at, updated_at`

const sessionColumns = `id, user_id, token, remember_me, ip_address, user_agent,
	created_at, last_activity_at, expires_at`

const eventColumns = `id, user_id, event_type, description, ip_address, user_agent,
	severity, success, created_at`

func scanUser(row rowScanner) (*core.User, error) {
	user := &core.User{}
	err := row.Scan(
		&user.ID, &user.UUID, &user.Username, &user.Email, &user.PasswordHash, &user.IsActive,
		&user.LastLoginAt, &user.LastSeenAt, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return user, nil
}

func scanSession(row rowScanner) (*core.Session, error) {
	session := &core.Session{}
	err := row.Scan(
		&session.ID, &session.UserID, &session.Token, &session.RememberMe,
		&session.IPAddress, &session.UserAgent,
		&session.CreatedAt, &session.LastActivityAt, &session.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	return session, nil
}

func scanSessions(rows *sql.Rows) ([]*core.Session, error) {
	defer rows.Close()

	var sessions []*core.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

func scanEvents(rows *sql.Rows) ([]*core.SecurityEvent, error) {
	defer rows.Close()

	var events []*core.SecurityEvent
	for rows.Next() {
		event := &core.SecurityEvent{}
		var userID sql.NullInt64
		if err := rows.Scan(
			&event.ID, &userID, &event.EventType, &event.Description,
			&event.IPAddress, &event.UserAgent, &event.Severity, &event.Success,
			&event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		if userID.Valid {
			id := uint(userID.Int64)
			event.UserID = &id
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate security events: %w", err)
	}
	return events, nil
}

// expectOneRow maps an update that matched nothing to notFound.
func expectOneRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullableUserID(id *uint) any {
	if id == nil {
		return nil
	}
	return int64(*id)
}
