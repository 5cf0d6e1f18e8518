package main

import (
	"github.com/spf13/cobra"

	"github.com/app-inventory/app-inventory/internal/api"
)

func rootCmd(store TokenStore) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usagescan",
		Short: "Report GitHub App activity from organization audit logs",
		Long: `usagescan classifies GitHub Apps as active, inactive, or unknown by looking
for their activity in organization audit logs.

Quick start:
  usagescan auth login                          # Store a GitHub token
  usagescan scan --org acme --app dependabot    # Scan audit logs directly
  usagescan watch --server http://localhost:8080 --org acme --app dependabot`,
		Version:      api.Version,
		SilenceUsage: true,
	}

	cmd.AddCommand(scanCmd(store))
	cmd.AddCommand(watchCmd(store))
	cmd.AddCommand(authCmd(store))

	return cmd
}
