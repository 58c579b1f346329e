package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-goods-ledger/internal/app"
	"github.com/imrishuroy/go-goods-ledger/internal/config"
	"github.com/imrishuroy/go-goods-ledger/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to wire app", zap.Error(err))
	}
	defer a.Close()

	s := &Sweeper{
		Deposits:       a.DepositReconciler,
		Orders:         a.OrderReconciler,
		DepositOptions: a.DepositSweepOptions(),
		OrderOptions:   a.OrderReconcileOptions(),
		VerifyLookback: cfg.Sweep.OrderLookback,
		Logger:         logger.Named("sweeper"),
	}

	if cfg.RunLocal {
		if _, err := s.Run(context.Background()); err != nil {
			logger.Fatal("local sweep failed", zap.Error(err))
		}
		return
	}

	// scheduled by an EventBridge rule
	lambda.Start(func(ctx context.Context, _ events.CloudWatchEvent) (*Report, error) {
		return s.Run(ctx)
	})
}
