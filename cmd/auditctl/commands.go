package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-goods-ledger/internal/app"
	"github.com/imrishuroy/go-goods-ledger/internal/ledger"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sweepCmd(newApp appFactory) *cobra.Command {
	var (
		limit       int
		maxAttempts int
		maxAge      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Retry pending deposits that never received a webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, newApp, func(ctx context.Context, a *app.App) error {
				opts := a.DepositSweepOptions()
				if cmd.Flags().Changed("limit") {
					opts.LimitPerRun = limit
				}
				if cmd.Flags().Changed("max-attempts") {
					opts.MaxAttempts = maxAttempts
				}
				if cmd.Flags().Changed("max-age") {
					opts.MaxAge = maxAge
				}
				report, err := a.DepositReconciler.RetryPendingDeposits(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum deposits per run")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Attempts before a deposit is flagged for manual review")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Age after which a deposit without a transaction fails")
	return cmd
}

func reconcileOrdersCmd(newApp appFactory) *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile-orders",
		Short: "Refund orphan debits and requeue or refund stuck orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, newApp, func(ctx context.Context, a *app.App) error {
				opts := a.OrderReconcileOptions()
				if cmd.Flags().Changed("grace") {
					opts.Grace = grace
				}
				report, err := a.OrderReconciler.Run(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 0, "Skip orders and debits younger than this")
	return cmd
}

type balanceAudit struct {
	UserID   string `json:"user_id"`
	Stored   string `json:"stored"`
	Computed string `json:"computed"`
	Drift    string `json:"drift"`
	Entries  int    `json:"entries"`
	OK       bool   `json:"ok"`
}

func auditBalanceCmd(newApp appFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "audit-balance [user-id...]",
		Short: "Compare stored balances with the sum of their ledger entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, newApp, func(ctx context.Context, a *app.App) error {
				out := make([]balanceAudit, 0, len(args))
				drifted := 0
				for _, user := range args {
					r, err := a.Ledger.Reconcile(ctx, user)
					if err != nil {
						return fmt.Errorf("audit %s: %w", user, err)
					}
					out = append(out, auditOf(r))
					if !r.Consistent() {
						drifted++
					}
				}
				if err := printJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
				if drifted > 0 {
					return fmt.Errorf("%d of %d balances inconsistent", drifted, len(args))
				}
				return nil
			})
		},
	}
}

func auditOf(r *ledger.Report) balanceAudit {
	return balanceAudit{
		UserID:   r.UserID,
		Stored:   r.Stored.String(),
		Computed: r.Computed.String(),
		Drift:    r.Drift().String(),
		Entries:  r.Entries,
		OK:       r.Consistent(),
	}
}

func verifyDepositsCmd(newApp appFactory) *cobra.Command {
	var (
		since time.Duration
		limit int
	)
	cmd := &cobra.Command{
		Use:   "verify-deposits",
		Short: "List completed deposits that have no ledger credit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, newApp, func(ctx context.Context, a *app.App) error {
				violations, err := a.DepositReconciler.VerifyCompleted(ctx, time.Now().Add(-since), limit)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), violations); err != nil {
					return err
				}
				if len(violations) > 0 {
					return fmt.Errorf("%d completed deposits without credit", len(violations))
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "How far back to look")
	cmd.Flags().IntVar(&limit, "limit", 500, "Maximum deposits to check")
	return cmd
}

func resumeCmd(newApp appFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "resume [order-id]",
		Short: "Retry credential delivery for a partially failed order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, newApp, func(ctx context.Context, a *app.App) error {
				res, err := a.Orchestrator.ResumeFulfillment(ctx, args[0])
				if err != nil {
					return err
				}
				res.Credentials = ""
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func refundCmd(newApp appFactory) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "refund [order-id]",
		Short: "Refund an undelivered order to the buyer's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, newApp, func(ctx context.Context, a *app.App) error {
				res, err := a.Orchestrator.Refund(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the order")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}
