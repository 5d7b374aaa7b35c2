package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the capman binary.
var rootCmd = &cobra.Command{
	Use:   "capman",
	Short: "Capabilities manager: dispatches action verbs to pluggable handlers",
	Long: `capman resolves action verbs to registered plugin handlers and executes
them as sandbox scripts, subprocess scripts, containers, or remote
OpenAPI/MCP services. Unknown verbs are resolved through the ACCOMPLISH
meta-handler.`,
	SilenceUsage: true,
}

// SetVersion injects the build version into the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the injected build version.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the CLI. Called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "capman version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newPluginCmd())
	rootCmd.AddCommand(newCheckCmd())
}
