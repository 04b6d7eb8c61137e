package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"tokenbroker/internal/config"
)

// newConfigCmd groups configuration helpers.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(newConfigValidateCmd())
	cmd.AddCommand(newConfigPathCmd())
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration without starting the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				p, err := config.GetDefaultConfigPath()
				if err != nil {
					return err
				}
				path = p
			}

			cfg, err := config.LoadConfig(path)
			if err != nil {
				var configErr config.ConfigurationError
				if errors.As(err, &configErr) {
					fmt.Fprintln(cmd.ErrOrStderr(), configErr.DetailedError())
				}
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration %s is valid\n", path)
			fmt.Fprintf(out, "  listen:   %s\n", cfg.Address())
			fmt.Fprintf(out, "  base URL: %s\n", cfg.BaseURL())
			fmt.Fprintf(out, "  storage:  %s (encrypted: %v)\n", cfg.Storage.Type, cfg.Storage.EncryptionKey != "")
			fmt.Fprintf(out, "  provider: %v\n", cfg.Provider.Configured())
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "config", "", "Path to config.yaml (default ~/.config/tokenbroker/config.yaml)")
	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the default configuration file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := config.GetDefaultConfigPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
			return nil
		},
	}
}
