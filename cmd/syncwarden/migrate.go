package main

import (
	"errors"

	"github.com/phrazzld/syncwarden/internal/platform/postgres"
	"github.com/spf13/cobra"
)

// errNoDatabase is returned by commands that need database.url.
var errNoDatabase = errors.New("database.url is not configured")

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	for _, c := range []struct{ command, short string }{
		{postgres.MigrateUp, "Apply all pending migrations"},
		{postgres.MigrateDown, "Roll back the most recent migration"},
		{postgres.MigrateStatus, "Print the state of every migration"},
	} {
		command := c.command
		cmd.AddCommand(&cobra.Command{
			Use:   command,
			Short: c.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, logger, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				if cfg.Database.URL == "" {
					return errNoDatabase
				}
				db, err := postgres.Open(cmd.Context(), cfg.Database, logger)
				if err != nil {
					return err
				}
				defer func() { _ = db.Close() }()
				return postgres.Migrate(cmd.Context(), db, command, logger)
			},
		})
	}
	return cmd
}
