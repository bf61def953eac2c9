package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/payrecon/pkg/config"
	"github.com/mihaimyh/payrecon/pkg/recon"
)

const recomputeConcurrency = 4

func newRecomputeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <user-id>...",
		Short: "Rebuild derived metrics for users",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd.Context(), func(_ *config.Config, store recon.Store) error {
				results := make([]*recon.UserMetrics, len(args))
				g, ctx := errgroup.WithContext(cmd.Context())
				g.SetLimit(recomputeConcurrency)
				for i, userID := range args {
					g.Go(func() error {
						m, err := store.RecomputeUserMetrics(ctx, userID)
						if err != nil {
							return fmt.Errorf("recompute %s: %w", userID, err)
						}
						results[i] = m
						return nil
					})
				}
				if err := g.Wait(); err != nil {
					return err
				}

				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), results)
				}
				rows := make([][]string, 0, len(results))
				for _, m := range results {
					rows = append(rows, []string{
						m.UserID,
						strconv.FormatInt(m.TotalEarned, 10),
						strconv.FormatInt(m.TotalTipped, 10),
						strconv.FormatInt(m.SupporterCount, 10),
						strconv.FormatInt(m.ActiveSubscriptions, 10),
						strconv.FormatInt(m.TokenBalance, 10),
					})
				}
				return writeTable(cmd.OutOrStdout(),
					[]string{"USER", "EARNED", "TIPPED", "SUPPORTERS", "ACTIVE_SUBS", "TOKENS"}, rows)
			})
		},
	}
}

func newBalanceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show a user's token balance and purchases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			return opts.withStore(cmd.Context(), func(_ *config.Config, store recon.Store) error {
				var (
					bal       *recon.TokenBalance
					purchases []recon.TokenPurchase
				)
				g, ctx := errgroup.WithContext(cmd.Context())
				g.Go(func() error {
					var err error
					bal, err = store.GetTokenBalance(ctx, userID)
					if errors.Is(err, recon.ErrBalanceNotFound) {
						bal, err = &recon.TokenBalance{UserID: userID}, nil
					}
					return err
				})
				g.Go(func() error {
					var err error
					purchases, err = store.ListTokenPurchases(ctx, userID)
					return err
				})
				if err := g.Wait(); err != nil {
					return err
				}

				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
						"balance":   bal,
						"purchases": purchases,
					})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "user %s: balance %d, lifetime %d (version %d)\n",
					userID, bal.Balance, bal.LifetimePurchased, bal.Version)
				if len(purchases) == 0 {
					return nil
				}
				rows := make([][]string, 0, len(purchases))
				for _, p := range purchases {
					created := p.CreatedAt
					rows = append(rows, []string{
						p.PaymentIntentID, strconv.FormatInt(p.Amount, 10),
						strconv.FormatInt(p.PricePaid, 10), p.Status, formatTime(&created),
					})
				}
				return writeTable(out, []string{"PAYMENT_INTENT", "TOKENS", "PRICE", "STATUS", "CREATED"}, rows)
			})
		},
	}
}

func newPendingCmd(opts *options) *cobra.Command {
	var p recon.PendingPayment
	var txnType string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Record a pending payment (phase one) by hand",
		Long: `Record a pending payment the way the session-creation service does.
Use it to repair a missing_transaction incident before redelivering the event.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withStore(cmd.Context(), func(cfg *config.Config, store recon.Store) error {
				rc := cfg.ReconConfig()
				engine, err := recon.NewEngine(store, rc)
				if err != nil {
					return err
				}
				defer engine.Wait()

				p.Type = recon.TransactionType(txnType)
				txn, err := engine.RecordPending(cmd.Context(), p)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), txn)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pending %s %s %d %s (payee %d, platform %d)\n",
					txn.Type, txn.PaymentIntentID, txn.TotalAmount, txn.Currency, txn.PayeeAmount, txn.PlatformAmount)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.PaymentIntentID, "payment-intent", "", "Payment intent (or checkout session) id")
	f.StringVar(&txnType, "type", string(recon.TypeTip), "Transaction type: tip, subscription, sponsorship, tokens")
	f.StringVar(&p.PayerID, "payer", "", "Paying user id")
	f.StringVar(&p.PayeeID, "payee", "", "Receiving user id")
	f.Int64Var(&p.Amount, "amount", 0, "Amount in minor units")
	f.StringVar(&p.Currency, "currency", "", "ISO currency code (defaults to the engine currency)")
	f.StringVar(&p.CustomerID, "customer", "", "Processor customer id")
	_ = cmd.MarkFlagRequired("payment-intent")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}
