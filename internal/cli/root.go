// Package cli implements reconctl, the operator tool for the payment ledger.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/payrecon/internal/app"
	"github.com/mihaimyh/payrecon/pkg/config"
	"github.com/mihaimyh/payrecon/pkg/recon"
)

type options struct {
	configPath string
	jsonOutput bool
}

// NewRootCmd builds the reconctl command tree
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "reconctl",
		Short: "Operate the payment reconciliation ledger",
		Long: `reconctl inspects and repairs the reconciliation ledger: incident queue,
token balances, derived user metrics, pending payments and Postgres migrations.

It reads the same configuration file and environment as the webhook server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("PAYRECON_CONFIG"), "Path to the YAML config file")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "Print JSON instead of tables")

	root.AddCommand(newIncidentsCmd(opts))
	root.AddCommand(newRecomputeCmd(opts))
	root.AddCommand(newBalanceCmd(opts))
	root.AddCommand(newPendingCmd(opts))
	root.AddCommand(newMigrateCmd(opts))
	return root
}

// Execute runs the root command
func Execute(version string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.Version = version
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.Read(o.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withStore opens the configured store for the duration of fn
func (o *options) withStore(ctx context.Context, fn func(*config.Config, recon.Store) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	store, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore() //nolint:errcheck // read-mostly command

	return fn(cfg, store)
}
