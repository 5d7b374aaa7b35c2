package cmd

import (
	"os/signal"
	"syscall"

	"capman/internal/app"
	"capman/internal/config"

	"github.com/spf13/cobra"
)

var (
	servePort     string
	serveLogLevel string
	serveBaseDir  string
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the capabilities manager service",
		Long: `Starts the HTTP service: plugin registry, action execution pipeline and
the unknown-verb workflow. Configuration comes from the environment;
flags override individual settings.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().StringVar(&servePort, "port", "", "listen port (overrides CAPMAN_PORT)")
	cmd.Flags().StringVar(&serveLogLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&serveBaseDir, "base-dir", ".", "base directory for plugin, cache and artifact roots")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.FromEnv(serveBaseDir)
	if servePort != "" {
		cfg.ListenAddr = ":" + servePort
	}
	if serveLogLevel != "" {
		cfg.LogLevel = serveLogLevel
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}
