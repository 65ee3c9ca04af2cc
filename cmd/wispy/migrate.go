package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wispberry-tech/wispy-session/core"
	"github.com/wispberry-tech/wispy-session/internal/app"
)

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all up migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSchemaManager(cmd, func(sm *core.SchemaManager) error {
			if err := sm.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate up failed: %w", err)
			}
			return printVersion(cmd, sm)
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSchemaManager(cmd, func(sm *core.SchemaManager) error {
			if err := sm.Rollback(cmd.Context()); err != nil {
				return fmt.Errorf("migrate down failed: %w", err)
			}
			return printVersion(cmd, sm)
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSchemaManager(cmd, func(sm *core.SchemaManager) error {
			if err := printVersion(cmd, sm); err != nil {
				return err
			}
			if err := sm.ValidateSchema(cmd.Context()); err != nil {
				cmd.Printf("schema incomplete: %v\n", err)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
}

func withSchemaManager(cmd *cobra.Command, fn func(sm *core.SchemaManager) error) error {
	db, err := app.OpenDB(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("init migrator failed: %w", err)
	}
	defer func(db *sql.DB) {
		_ = db.Close()
	}(db)

	return fn(core.NewSchemaManager(db, cfg.Database.Driver))
}

func printVersion(cmd *cobra.Command, sm *core.SchemaManager) error {
	version, err := sm.Version(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	cmd.Printf("%s schema at version %d\n", cfg.Database.Driver, version)
	return nil
}
