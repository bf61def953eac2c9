package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/payrecon/pkg/config"
	"github.com/mihaimyh/payrecon/pkg/recon"
)

func newIncidentsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "Inspect the manual reconciliation queue",
	}
	cmd.AddCommand(newIncidentsListCmd(opts))
	cmd.AddCommand(newIncidentsResolveCmd(opts))
	return cmd
}

func newIncidentsListCmd(opts *options) *cobra.Command {
	var (
		kind string
		all  bool
		n    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open incidents, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withStore(cmd.Context(), func(_ *config.Config, store recon.Store) error {
				incidents, err := store.ListIncidents(cmd.Context(), recon.IncidentFilter{
					Kind:            recon.IncidentKind(kind),
					IncludeResolved: all,
					Limit:           n,
				})
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), incidents)
				}
				if len(incidents) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No incidents.")
					return nil
				}
				rows := make([][]string, 0, len(incidents))
				for _, inc := range incidents {
					created := inc.CreatedAt
					rows = append(rows, []string{
						inc.ID, string(inc.Kind), inc.EventID, string(inc.EventType),
						inc.NaturalKey, formatTime(&created), formatTime(inc.ResolvedAt), inc.Detail,
					})
				}
				return writeTable(cmd.OutOrStdout(),
					[]string{"ID", "KIND", "EVENT", "TYPE", "KEY", "CREATED", "RESOLVED", "DETAIL"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Only show incidents of this kind")
	cmd.Flags().BoolVar(&all, "all", false, "Include resolved incidents")
	cmd.Flags().IntVar(&n, "limit", 0, "Maximum number of incidents (0 = no limit)")
	return cmd
}

func newIncidentsResolveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id>...",
		Short: "Mark incidents as resolved",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd.Context(), func(_ *config.Config, store recon.Store) error {
				now := time.Now().UTC()
				for _, id := range args {
					if err := store.ResolveIncident(cmd.Context(), id, now); err != nil {
						return fmt.Errorf("resolve %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "resolved %s\n", id)
				}
				return nil
			})
		},
	}
}
