package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-oauth-bridge/internal/config"
)

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "mcp-oauth-bridge",
		Short: "OAuth 2.1 authorization server for MCP clients in front of a plain OAuth 2.0 provider",
		Long: `mcp-oauth-bridge lets MCP clients, which require PKCE and dynamic client
registration, authenticate against an upstream OAuth 2.0 provider that
supports neither. It issues its own tokens bound to the upstream token pair
and keeps the upstream access token fresh.

Configuration is read from a YAML file, an optional .env file and BRIDGE_*
environment variables, in that order of increasing precedence.`,
		Version: version,
		// SilenceUsage prevents Cobra from printing the usage message on
		// errors that are handled by the application.
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "optional .env file loaded before reading BRIDGE_* variables")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newMigrateCmd(opts))
	cmd.AddCommand(newKeygenCmd())

	return cmd
}

// load reads the configuration and builds the logger it selects.
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	if err := config.LoadDotEnv(o.envFile); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, cfg.NewLogger(os.Stderr), nil
}
