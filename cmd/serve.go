package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tokenbroker/internal/app"
)

// serveDebug forces debug logging regardless of the configured level.
var serveDebug bool

// serveConfigPath is the config file to load and watch.
var serveConfigPath string

// serveCmd defines the serve command structure.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authorization server",
	Long: `Starts the authorization server and serves the OAuth endpoints until
interrupted.

Endpoints:
  GET  /authorize        start an authorization (PKCE S256 required)
  GET  /oauth/callback   provider redirect target
  POST /token            authorization_code and refresh_token grants
  POST /revoke           token revocation
  POST /register         client registration
  GET  /health           liveness and store statistics
  GET  /metrics          Prometheus metrics

Configuration:
  Loaded from ~/.config/tokenbroker/config.yaml unless --config is given.
  Secrets may instead come from TOKENBROKER_PROVIDER_CLIENT_SECRET,
  TOKENBROKER_ENCRYPTION_KEY, TOKENBROKER_STATE_KEY and
  TOKENBROKER_REDIS_PASSWORD. Changes to the redirect settings in the file
  are applied while running.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// runServe is the main entry point for the serve command
func runServe(cmd *cobra.Command, args []string) error {
	application, err := app.NewApplication(app.NewConfig(serveDebug, serveConfigPath))
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to config.yaml (default ~/.config/tokenbroker/config.yaml)")
}
