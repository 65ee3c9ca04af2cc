package core

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFiles embed.FS

// Supported database types
const (
	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"
)

// goose keeps its base FS and dialect in package state.
var gooseMu sync.Mutex

// SchemaManager applies the embedded migrations and validates the schema
type SchemaManager struct {
	db     *sql.DB
	dbType string // "sqlite" or "postgres"
}

// NewSchemaManager creates a new schema manager
func NewSchemaManager(db *sql.DB, dbType string) *SchemaManager {
	return &SchemaManager{
		db:     db,
		dbType: dbType,
	}
}

func (sm *SchemaManager) gooseSetup() (string, error) {
	var dialect, dir string
	switch sm.dbType {
	case DatabaseSQLite:
		dialect, dir = "sqlite3", "migrations/sqlite"
	case DatabasePostgres:
		dialect, dir = "postgres", "migrations/postgres"
	default:
		return "", fmt.Errorf("unsupported database type: %s", sm.dbType)
	}

	goose.SetBaseFS(migrationFiles)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect(dialect); err != nil {
		return "", fmt.Errorf("failed to set migration dialect: %w", err)
	}
	return dir, nil
}

// Migrate applies every pending migration
func (sm *SchemaManager) Migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	dir, err := sm.gooseSetup()
	if err != nil {
		return err
	}
	if err := goose.UpContext(ctx, sm.db, dir); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Rollback reverts the most recent migration
func (sm *SchemaManager) Rollback(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	dir, err := sm.gooseSetup()
	if err != nil {
		return err
	}
	if err := goose.DownContext(ctx, sm.db, dir); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// Version returns the currently applied schema version
func (sm *SchemaManager) Version(ctx context.Context) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if _, err := sm.gooseSetup(); err != nil {
		return 0, err
	}
	version, err := goose.GetDBVersionContext(ctx, sm.db)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// tableExists checks if a table exists in the database
func (sm *SchemaManager) tableExists(ctx context.Context, tableName string) (bool, error) {
	var query string

	switch sm.dbType {
	case DatabaseSQLite:
		query = `SELECT name FROM sqlite_master WHERE type='table' AND name = ?`
	case DatabasePostgres:
		query = `SELECT table_name FROM information_schema.tables
		         WHERE table_schema = current_schema() AND table_name = $1`
	default:
		return false, fmt.Errorf("unsupported database type: %s", sm.dbType)
	}

	var foundTable string
	err := sm.db.QueryRowContext(ctx, query, tableName).Scan(&foundTable)
	if err == sql.ErrNoRows {
		return false, nil
	} else if err != nil {
		return false, err
	}

	return foundTable == tableName, nil
}

// ValidateSchema performs basic schema validation
func (sm *SchemaManager) ValidateSchema(ctx context.Context) error {
	requiredTables := []string{
		"users",
		"sessions",
		"security_events",
	}

	var missingTables []string
	for _, tableName := range requiredTables {
		exists, err := sm.tableExists(ctx, tableName)
		if err != nil {
			return fmt.Errorf("failed to check if table %s exists: %w", tableName, err)
		}
		if !exists {
			missingTables = append(missingTables, tableName)
		}
	}

	if len(missingTables) > 0 {
		return fmt.Errorf("schema validation failed: missing tables %s", strings.Join(missingTables, ", "))
	}

	slog.Debug("Schema validation passed", "database_type", sm.dbType)
	return nil
}

// gooseLogger routes goose output through slog.
type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...any) {
	slog.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "migrations")
}

func (gooseLogger) Fatalf(format string, v ...any) {
	slog.Error(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "migrations")
}
