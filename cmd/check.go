package cmd

import (
	"fmt"

	"capman/internal/server"

	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the health of a running capman instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var health server.Health
			if err := getJSON(cmd.Context(), "/health", &health); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "status: %s\n", health.Status)
			for component, state := range health.Initialization {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", component, state)
			}

			var ready map[string]bool
			if err := getJSON(cmd.Context(), "/ready", &ready); err != nil || !ready["ready"] {
				return fmt.Errorf("service is not ready")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ready: true")
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "capman server URL (default CAPMAN_URL or "+defaultServerURL+")")
	return cmd
}
