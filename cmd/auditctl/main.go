// Command auditctl runs the reconciliation jobs by hand and inspects ledger consistency.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-goods-ledger/internal/app"
	"github.com/imrishuroy/go-goods-ledger/internal/config"
	"github.com/imrishuroy/go-goods-ledger/internal/logging"
)

var Version = "dev"

func main() {
	rootCmd := newRootCmd(func(ctx context.Context) (*app.App, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		logger, err := logging.New(cfg.Env, cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		return app.New(ctx, cfg, logger)
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// appFactory builds the App once a command actually needs it.
type appFactory func(ctx context.Context) (*app.App, error)

func newRootCmd(newApp appFactory) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "auditctl",
		Short:         "Operate the goods ledger: sweeps, reconciliation and balance audits",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(sweepCmd(newApp))
	rootCmd.AddCommand(reconcileOrdersCmd(newApp))
	rootCmd.AddCommand(auditBalanceCmd(newApp))
	rootCmd.AddCommand(verifyDepositsCmd(newApp))
	rootCmd.AddCommand(resumeCmd(newApp))
	rootCmd.AddCommand(refundCmd(newApp))
	return rootCmd
}

// withApp builds the App, runs fn and flushes the audit trail.
func withApp(cmd *cobra.Command, newApp appFactory, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("close audit recorder: %v", err)
		}
	}()
	return fn(ctx, a)
}
