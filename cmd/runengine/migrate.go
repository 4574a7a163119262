package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/runengine/internal/config"
	"github.com/rendis/runengine/internal/store"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the libsql database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := config.Load(root.configFile)
			if err != nil {
				return err
			}
			if cfg.Store.Backend != "libsql" {
				return fmt.Errorf("migrate needs store.backend libsql, got %q", cfg.Store.Backend)
			}
			if err := os.MkdirAll(config.Dir(), 0o700); err != nil {
				return err
			}
			s, err := store.NewLibSQLStore(cfg.Store.DBPath)
			if err != nil {
				return err
			}
			defer s.Close()

			applied, err := s.ApplyMigrations(cmd.Context())
			if err != nil {
				return err
			}
			ver, err := s.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s); schema version %d (%s)\n", applied, ver, cfg.Store.DBPath)
			return nil
		},
	}
}
