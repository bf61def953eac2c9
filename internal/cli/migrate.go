package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/payrecon/pkg/config"
	"github.com/mihaimyh/payrecon/storage/postgres"
)

func newMigrateCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage Postgres schema migrations",
	}

	postgresDSN := func() (string, error) {
		cfg, err := opts.loadConfig()
		if err != nil {
			return "", err
		}
		if cfg.Store.Driver != config.DriverPostgres {
			return "", fmt.Errorf("migrations apply to the postgres driver, configured driver is %q", cfg.Store.Driver)
		}
		return cfg.Store.DSN, nil
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, err := postgresDSN()
			if err != nil {
				return err
			}
			if err := postgres.MigrateUp(dsn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, err := postgresDSN()
			if err != nil {
				return err
			}
			if err := postgres.MigrateDown(dsn, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d step(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, err := postgresDSN()
			if err != nil {
				return err
			}
			v, dirty, ok, err := postgres.MigrationVersion(dsn)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
			return nil
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}
