// Package app wires the stores, services and sinks shared by the binaries.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-goods-ledger/internal/audit"
	"github.com/imrishuroy/go-goods-ledger/internal/aws"
	"github.com/imrishuroy/go-goods-ledger/internal/config"
	"github.com/imrishuroy/go-goods-ledger/internal/deposits"
	"github.com/imrishuroy/go-goods-ledger/internal/fraud"
	"github.com/imrishuroy/go-goods-ledger/internal/fulfillment"
	"github.com/imrishuroy/go-goods-ledger/internal/handlers"
	"github.com/imrishuroy/go-goods-ledger/internal/idempotency"
	"github.com/imrishuroy/go-goods-ledger/internal/ledger"
	"github.com/imrishuroy/go-goods-ledger/internal/orders"
	"github.com/imrishuroy/go-goods-ledger/internal/supplier"
)

// App holds every long-lived component.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	Orders   *orders.Store
	Deposits *deposits.Store
	Ledger   *ledger.Ledger
	Guard    *idempotency.Guard
	Supplier *supplier.Client
	Audit    *audit.Recorder
	Sentinel *fraud.Sentinel
	Metrics  *aws.MetricsEmitter

	Orchestrator      *fulfillment.Orchestrator
	DepositReconciler *deposits.Reconciler
	OrderReconciler   *fulfillment.Reconciler
}

// New builds the AWS clients from the environment and wires everything on top of them.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("init aws clients: %w", err)
	}
	return Wire(cfg, clients, logger)
}

// Wire builds the App over already constructed AWS clients.
func Wire(cfg *config.Config, clients *aws.AWSClients, logger *zap.Logger) (*App, error) {
	sink, err := newAuditSink(cfg.Audit, logger)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Orders:   orders.NewStore(clients.DynamoDB, cfg.Tables.Orders),
		Deposits: deposits.NewStore(clients.DynamoDB, cfg.Tables.Deposits),
		Ledger:   ledger.New(clients.DynamoDB, cfg.Tables.Balances, cfg.Tables.Ledger, logger.Named("ledger")),
		Guard: idempotency.NewGuard(
			idempotency.NewStore(clients.DynamoDB, cfg.Tables.Idempotency, cfg.IdempotencyTTL),
			cfg.IdempotencyLease,
			logger.Named("idempotency"),
		),
		Supplier: supplier.NewClient(cfg.Supplier, logger.Named("supplier")),
		Audit:    audit.NewRecorder(sink, cfg.Audit.Buffer, logger.Named("audit")),
		Metrics:  aws.NewMetricsEmitter(clients.CloudWatch, cfg.MetricsNamespace),
	}
	a.Sentinel = fraud.NewSentinel(cfg.Fraud, a.Audit, logger.Named("fraud"))

	deps := fulfillment.Deps{
		Orders:   a.Orders,
		Ledger:   a.Ledger,
		Supplier: a.Supplier,
		Fraud:    a.Sentinel,
		Guard:    a.Guard,
		Metrics:  a.Metrics,
		Activity: a.Audit,
		Logger:   logger.Named("fulfillment"),
	}
	// a nil *Publisher in the interface would look configured
	if cfg.FulfillmentQueue != "" {
		deps.Queue = aws.NewPublisher(clients.SQS, cfg.FulfillmentQueue)
	} else {
		logger.Warn("FULFILLMENT_QUEUE_URL not set; fulfillment retries run from the sweeper only")
	}
	a.Orchestrator = fulfillment.NewOrchestrator(deps)
	a.OrderReconciler = fulfillment.NewReconciler(a.Orchestrator, logger.Named("order-reconciler"))
	a.DepositReconciler = deposits.NewReconciler(a.Deposits, a.Ledger, a.Guard, cfg.Fees, a.Metrics, logger.Named("deposits"))
	return a, nil
}

func newAuditSink(cfg config.Audit, logger *zap.Logger) (audit.Sink, error) {
	switch cfg.Sink {
	case config.AuditSinkRedis:
		return audit.NewRedisStreamSink(cfg.RedisAddr, cfg.Stream, cfg.StreamMaxLen), nil
	case config.AuditSinkKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("audit sink kafka: no brokers configured")
		}
		return audit.NewKafkaSink(cfg.KafkaBrokers, cfg.Topic, logger.Named("audit-kafka")), nil
	case config.AuditSinkNone, "":
		return audit.Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown audit sink %q", cfg.Sink)
	}
}

// HandlerConfig returns the HTTP handler dependencies.
func (a *App) HandlerConfig() handlers.HandlerConfig {
	return handlers.HandlerConfig{
		Purchases: a.Orchestrator,
		Orders:    a.Orders,
		Deposits:  a.DepositReconciler,
		Logins:    a.Sentinel,
		Logger:    a.Logger.Named("http"),
	}
}

// DepositSweepOptions returns the configured deposit sweep bounds.
func (a *App) DepositSweepOptions() deposits.SweepOptions {
	return deposits.SweepOptions{
		MaxAttempts: a.Config.Sweep.MaxAttempts,
		MaxAge:      a.Config.Sweep.MaxAge,
		LimitPerRun: a.Config.Sweep.Limit,
		Grace:       a.Config.Sweep.Grace,
	}
}

// OrderReconcileOptions returns the configured order reconciliation bounds.
func (a *App) OrderReconcileOptions() fulfillment.ReconcileOptions {
	return fulfillment.ReconcileOptions{
		Grace:       a.Config.Sweep.OrderGrace,
		Lookback:    a.Config.Sweep.OrderLookback,
		Limit:       a.Config.Sweep.Limit,
		MaxAttempts: a.Config.Sweep.OrderMaxAttempts,
	}
}

// Close flushes the audit trail.
func (a *App) Close() error {
	return a.Audit.Close()
}
