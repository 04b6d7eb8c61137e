package cmd

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"tokenbroker/internal/crypto"
)

// newKeygenCmd creates the command that prints a fresh storage encryption key.
func newKeygenCmd() *cobra.Command {
	var asHex bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a storage encryption key",
		Long: `Prints a random 32-byte key suitable for storage.encryptionKey or
TOKENBROKER_ENCRYPTION_KEY. Every instance sharing a token file or Redis
must use the same key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			encoded := base64.StdEncoding.EncodeToString(key)
			if asHex {
				encoded = hex.EncodeToString(key)
			}
			fmt.Fprintln(cmd.OutOrStdout(), encoded)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asHex, "hex", false, "Print the key hex encoded instead of base64")
	return cmd
}
