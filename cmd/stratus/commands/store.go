package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratus-paas/stratus/pkg/config"
	"github.com/stratus-paas/stratus/pkg/engine"
	"github.com/stratus-paas/stratus/pkg/stores"
)

func newStoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect the local record of reconciled resources",
	}
	cmd.AddCommand(newStoreListCommand())
	cmd.AddCommand(newStoreMigrateCommand())
	return cmd
}

func newStoreListCommand() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded resources",
		Example: `  # Every recorded resource
  stratus store list -c runner.yaml

  # Only databases, as JSON
  stratus store list -c runner.yaml --kind database --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var k engine.Kind
			if kind != "" {
				parsed, err := engine.ParseKind(kind)
				if err != nil {
					return err
				}
				k = parsed
			}

			cfg, err := loadConfig(config.SectionStore)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			if store == nil {
				return fmt.Errorf("store driver is %q, nothing is recorded", config.StoreNone)
			}
			defer store.Close()

			records, err := store.List(cmd.Context(), k)
			if err != nil {
				return err
			}
			if jsonOutput {
				if records == nil {
					records = []stores.Record{}
				}
				return printJSON(cmd.OutOrStdout(), records)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tID\tWORKSPACE\tUPDATED")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Kind, r.ID, r.WorkspaceID, r.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "only list this kind")

	return cmd
}

func newStoreMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQLite schema migrations",
		Long: `Apply pending schema migrations to the SQLite store and print the schema
version. Badger stores carry no schema and need no migration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(config.SectionStore)
			if err != nil {
				return err
			}
			if cfg.Store.Driver != config.StoreSQLite {
				fmt.Fprintf(cmd.OutOrStdout(), "store driver %s has no migrations\n", cfg.Store.Driver)
				return nil
			}

			// OpenSQLiteStore migrates on open.
			store, err := stores.OpenSQLiteStore(cmd.Context(), stores.Config{Path: cfg.Store.Path})
			if err != nil {
				return err
			}
			defer store.Close()

			version, dirty, err := store.MigrationVersion(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().Str("path", cfg.Store.Path).Uint("version", version).Msg("Store migrated")
			if dirty {
				return fmt.Errorf("store schema version %d is dirty", version)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
}
