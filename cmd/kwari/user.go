package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"kwaribook/backend/internal/domain"
)

func newUserCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage local logins",
	}

	var role string
	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a login; the password is read from the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd)
			if err != nil {
				return err
			}
			if err := opts.open(cmd.Context()); err != nil {
				return err
			}
			user, err := opts.app.Service.CreateUser(operatorContext(cmd.Context()), domain.CreateUserRequest{
				Username: args[0],
				Password: password,
				Role:     role,
			})
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), map[string]any{"username": user.Username, "role": user.Role},
				func(w io.Writer) {
					fmt.Fprintf(w, "created %s (%s)\n", user.Username, user.Role)
				})
		},
	}
	add.Flags().StringVar(&role, "role", domain.RoleStaff, "owner or staff")
	cmd.AddCommand(add)
	return cmd
}

// readPassword prompts twice on a terminal. Piped input is read as a
// single line so the command can be scripted.
func readPassword(cmd *cobra.Command) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		first, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		fmt.Fprint(cmd.ErrOrStderr(), "Repeat password: ")
		second, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		if string(first) != string(second) {
			return "", errors.New("passwords do not match")
		}
		return string(first), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
