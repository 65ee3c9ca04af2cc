package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wispberry-tech/wispy-session/core"
	"github.com/wispberry-tech/wispy-session/internal/app"
)

// cliMeta tags security events written from the command line.
var cliMeta = core.RequestMeta{IPAddress: "local", UserAgent: "wispy-cli"}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var userCreateCmd = &cobra.Command{
	Use:   "create <username> <email>",
	Short: "Register a user, prompting for the password",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := bufio.NewReader(cmd.InOrStdin())
		password, err := promptPassword(cmd, in, "Password: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassword(cmd, in, "Confirm password: ")
		if err != nil {
			return err
		}

		return withApp(cmd, func(a *app.App) error {
			user, err := a.Auth.Register(cmd.Context(), core.RegisterRequest{
				Username:        args[0],
				Email:           args[1],
				Password:        password,
				ConfirmPassword: confirm,
			}, cliMeta)
			if err != nil {
				return describe(err)
			}
			cmd.Printf("created user %s (%s)\n", user.Username, user.UUID)
			return nil
		})
	},
}

var userActivateCmd = &cobra.Command{
	Use:   "activate <username>",
	Short: "Allow a user to log in again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setActive(cmd, args[0], true)
	},
}

var userDeactivateCmd = &cobra.Command{
	Use:   "deactivate <username>",
	Short: "Block a user from logging in and end their sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setActive(cmd, args[0], false)
	},
}

var userEventsCmd = &cobra.Command{
	Use:   "events <username>",
	Short: "List recent security events of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		return withApp(cmd, func(a *app.App) error {
			events, err := a.Auth.SecurityEvents(cmd.Context(), args[0], limit, 0)
			if err != nil {
				return describe(err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tEVENT\tSUCCESS\tIP\tDESCRIPTION")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
					e.CreatedAt.Format(time.RFC3339), e.EventType, e.Success, e.IPAddress, e.Description)
			}
			return w.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userCreateCmd, userActivateCmd, userDeactivateCmd, userEventsCmd)
	userEventsCmd.Flags().Int("limit", 20, "maximum number of events to show")
}

func setActive(cmd *cobra.Command, username string, active bool) error {
	return withApp(cmd, func(a *app.App) error {
		user, err := a.Auth.SetUserActive(cmd.Context(), username, active, cliMeta)
		if err != nil {
			return describe(err)
		}
		state := "deactivated"
		if user.IsActive {
			state = "activated"
		}
		cmd.Printf("user %s %s\n", user.Username, state)
		return nil
	})
}

func withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// promptPassword reads a password without echo from a terminal, or a line from in otherwise.
func promptPassword(cmd *cobra.Command, in *bufio.Reader, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if cmd.InOrStdin() != os.Stdin || !term.IsTerminal(fd) {
		line, err := in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	cmd.PrintErr(prompt)
	password, err := term.ReadPassword(fd)
	cmd.PrintErrln()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(password), nil
}

// describe expands validation errors into one line per field.
func describe(err error) error {
	var verr *core.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	fields := make([]string, 0, len(verr.Fields))
	for field := range verr.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var b strings.Builder
	b.WriteString("validation failed:")
	for _, field := range fields {
		fmt.Fprintf(&b, "\n  %s: %s", field, verr.Fields[field])
	}
	return errors.New(b.String())
}
