package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wayfarer-labs/wayfarer/internal/tui/dashboard"
)

func newDashboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Attach TUI dashboard to a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL, _ := cmd.Flags().GetString("url")
			token, _ := cmd.Flags().GetString("token")

			if err := dashboard.Run(baseURL, token); err != nil {
				return fmt.Errorf("dashboard failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().String("url", "http://localhost:8080", "base URL of the server")
	cmd.Flags().String("token", "", "admin JWT for the connections view")
	return cmd
}
