package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-oauth-bridge/internal/config"
	"github.com/giantswarm/mcp-oauth-bridge/storage/postgres"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: `Applies the embedded SQL migrations to the postgres database named by
storage.postgres.dsn (or BRIDGE_POSTGRES_DSN). Other storage drivers need no
migrations.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateStorage(); err != nil {
				return err
			}
			if cfg.Storage.Driver != config.StoragePostgres {
				logger.Info("Nothing to migrate", "driver", cfg.Storage.Driver)
				return nil
			}

			ctx := cmd.Context()
			store, err := postgres.New(ctx, postgres.Config{DSN: cfg.Storage.Postgres.DSN, Logger: logger})
			if err != nil {
				return err
			}
			defer store.Close()

			applied, err := store.Migrate(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			logger.Info("Migrations applied", "versions", applied)
			return nil
		},
	}
}
