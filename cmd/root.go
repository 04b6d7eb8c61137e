package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"tokenbroker/internal/config"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeConfigInvalid indicates the configuration could not be loaded or validated.
	ExitCodeConfigInvalid = 2
)

// rootCmd represents the base command for the tokenbroker application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "tokenbroker",
	Short: "OAuth 2.1 authorization server that brokers upstream provider tokens",
	Long: `tokenbroker runs an OAuth 2.1 authorization server in front of an upstream
identity provider. Clients receive opaque tokens issued by the broker, while
the provider's own tokens stay server side and are renewed before they expire.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
// This function is called by main.main().
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error type.
func getExitCode(err error) int {
	var configErr config.ConfigurationError
	if errors.As(err, &configErr) {
		return ExitCodeConfigInvalid
	}
	return ExitCodeError
}

func init() {
	rootCmd.SetVersionTemplate(`{{printf "tokenbroker version %s\n" .Version}}`)
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newConfigCmd())
}
