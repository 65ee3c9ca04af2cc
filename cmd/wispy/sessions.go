package main

import (
	"github.com/spf13/cobra"

	"github.com/wispberry-tech/wispy-session/internal/app"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Maintain stored sessions",
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete every expired session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			n, err := a.Auth.PruneExpiredSessions(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("pruned %d expired sessions\n", n)
			return nil
		})
	},
}

var sessionsRevokeCmd = &cobra.Command{
	Use:   "revoke <username>",
	Short: "End every session of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			n, err := a.Auth.RevokeSessions(cmd.Context(), args[0], cliMeta)
			if err != nil {
				return describe(err)
			}
			cmd.Printf("revoked %d sessions of %s\n", n, args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsPruneCmd, sessionsRevokeCmd)
}
