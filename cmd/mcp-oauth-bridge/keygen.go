package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-oauth-bridge/internal/config"
	"github.com/giantswarm/mcp-oauth-bridge/security"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a random signing key and encryption key",
		Long: `Prints two fresh 32 byte keys, base64 encoded, in .env format:
BRIDGE_SIGNING_KEY signs local access tokens and BRIDGE_ENCRYPTION_KEY
encrypts upstream tokens at rest.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range []string{"SIGNING_KEY", "ENCRYPTION_KEY"} {
				key, err := security.GenerateKey()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s%s=%s\n", config.EnvPrefix, name, security.KeyToBase64(key))
			}
			return nil
		},
	}
}
