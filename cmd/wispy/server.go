package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/wispberry-tech/wispy-session/internal/app"
	"github.com/wispberry-tech/wispy-session/internal/server"
)

const shutdownTimeout = 10 * time.Second

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the session authentication server",
	Long: `Starts the session authentication server. Usage:

	wispy server

Configuration is read from the environment; with ENV=dev a .env file is loaded first.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := app.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		defer a.Close()

		srv := server.New(cfg, a.Auth)

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		slog.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("Server stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
