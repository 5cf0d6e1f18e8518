package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func authCmd(store TokenStore) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the stored GitHub token",
		Long: `Manage the GitHub token used by scan and watch.

The token is kept in the operating system keychain.`,
	}

	cmd.AddCommand(loginCmd(store))
	cmd.AddCommand(logoutCmd(store))

	return cmd
}

func loginCmd(store TokenStore) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a GitHub token in the keychain",
		Long: `Store a GitHub token in the keychain. The token needs the read:audit_log
scope (or admin:org) to see organization audit logs.

Example:
  usagescan auth login
  usagescan auth login --token ghp_xxx`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := cmd.Flags().GetString("token")
			if err != nil {
				return err
			}
			token = strings.TrimSpace(token)

			if token == "" {
				fmt.Fprint(cmd.OutOrStdout(), "Enter GitHub token: ")
				fd := int(os.Stdin.Fd())
				if !term.IsTerminal(fd) {
					return errors.New("no terminal to prompt on; pass --token")
				}
				raw, err := term.ReadPassword(fd)
				fmt.Fprintln(cmd.OutOrStdout())
				if err != nil {
					return err
				}
				token = strings.TrimSpace(string(raw))
			}
			if token == "" {
				return errors.New("token cannot be empty")
			}

			if err := store.SetToken(token); err != nil {
				return fmt.Errorf("store token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Saved GitHub token")
			return nil
		},
	}

	cmd.Flags().String("token", "", "GitHub token (optional, overrides prompt)")

	return cmd
}

func logoutCmd(store TokenStore) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored GitHub token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := store.DeleteToken()
			if errors.Is(err, errTokenNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "No GitHub token stored")
				return nil
			}
			if err != nil {
				return fmt.Errorf("remove token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Removed GitHub token")
			return nil
		},
	}
}
