// Package config reads process settings from the environment, after loading a .env file when
// one is present.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/imrishuroy/go-goods-ledger/internal/fraud"
	"github.com/imrishuroy/go-goods-ledger/internal/money"
	"github.com/imrishuroy/go-goods-ledger/internal/supplier"
)

// Audit sink kinds.
const (
	AuditSinkNone  = "none"
	AuditSinkRedis = "redis"
	AuditSinkKafka = "kafka"
)

// Tables names the DynamoDB tables.
type Tables struct {
	Idempotency string
	Orders      string
	Deposits    string
	Balances    string
	Ledger      string
}

// Audit selects where audit events go.
type Audit struct {
	Sink         string
	Buffer       int
	RedisAddr    string
	Stream       string
	StreamMaxLen int64
	KafkaBrokers []string
	Topic        string
}

// Sweep bounds one background reconciliation run.
type Sweep struct {
	MaxAttempts int
	MaxAge      time.Duration
	Limit       int
	Grace       time.Duration

	OrderGrace       time.Duration
	OrderLookback    time.Duration
	OrderMaxAttempts int
}

// Config is the full process configuration.
type Config struct {
	Env      string
	LogLevel string
	RunLocal bool
	Port     string

	Tables           Tables
	FulfillmentQueue string
	IdempotencyTTL   time.Duration
	IdempotencyLease time.Duration

	Supplier supplier.Config
	Fraud    fraud.Config
	Audit    Audit
	Fees     map[string]money.FeeModel
	Sweep    Sweep

	MetricsNamespace string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("RUN_LOCAL", false)
	v.SetDefault("PORT", "8080")

	v.SetDefault("IDEMPOTENCY_TABLE", "idempotency")
	v.SetDefault("ORDERS_TABLE", "orders")
	v.SetDefault("DEPOSITS_TABLE", "deposits")
	v.SetDefault("BALANCES_TABLE", "balances")
	v.SetDefault("LEDGER_TABLE", "ledger_entries")
	v.SetDefault("FULFILLMENT_QUEUE_URL", "")
	v.SetDefault("IDEMPOTENCY_TTL", "48h")
	v.SetDefault("IDEMPOTENCY_LEASE", "2m")

	v.SetDefault("SUPPLIER_BASE_URL", "")
	v.SetDefault("SUPPLIER_API_KEY", "")
	v.SetDefault("SUPPLIER_TIMEOUT", "10s")
	v.SetDefault("SUPPLIER_POLL_ATTEMPTS", 5)
	v.SetDefault("SUPPLIER_POLL_INITIAL", "500ms")
	v.SetDefault("SUPPLIER_POLL_MAX", "8s")

	v.SetDefault("FRAUD_HIGH_VALUE", "1000.00")
	v.SetDefault("FRAUD_LOGIN_WINDOW", "10m")
	v.SetDefault("FRAUD_PURCHASE_WINDOW", "24h")

	v.SetDefault("AUDIT_SINK", AuditSinkNone)
	v.SetDefault("AUDIT_BUFFER", 1024)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("AUDIT_STREAM", "audit:events")
	v.SetDefault("AUDIT_STREAM_MAXLEN", 100000)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("AUDIT_TOPIC", "audit-events")

	v.SetDefault("FEE_METHODS", "card")
	v.SetDefault("FEE_CARD_PERCENT", "3.9")
	v.SetDefault("FEE_CARD_FIXED", "0.30")

	v.SetDefault("SWEEP_MAX_ATTEMPTS", 5)
	v.SetDefault("SWEEP_MAX_AGE_MINUTES", 60)
	v.SetDefault("SWEEP_LIMIT", 100)
	v.SetDefault("SWEEP_GRACE", "5m")
	v.SetDefault("ORDER_RECONCILE_GRACE", "15m")
	v.SetDefault("ORDER_RECONCILE_LOOKBACK", "24h")
	v.SetDefault("ORDER_MAX_ATTEMPTS", 10)

	v.SetDefault("METRICS_NAMESPACE", "GoodsLedger")
}

// Load reads .env (if present) into the process environment and builds the config from it.
func Load() (*Config, error) {
	// missing .env is normal outside local development
	_ = godotenv.Load()
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	return v
}

// FromViper builds the config from v. Exported for tests and for the CLI, which binds flags.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Env:      v.GetString("APP_ENV"),
		LogLevel: v.GetString("LOG_LEVEL"),
		RunLocal: v.GetBool("RUN_LOCAL"),
		Port:     v.GetString("PORT"),
		Tables: Tables{
			Idempotency: v.GetString("IDEMPOTENCY_TABLE"),
			Orders:      v.GetString("ORDERS_TABLE"),
			Deposits:    v.GetString("DEPOSITS_TABLE"),
			Balances:    v.GetString("BALANCES_TABLE"),
			Ledger:      v.GetString("LEDGER_TABLE"),
		},
		FulfillmentQueue: v.GetString("FULFILLMENT_QUEUE_URL"),
		IdempotencyTTL:   v.GetDuration("IDEMPOTENCY_TTL"),
		IdempotencyLease: v.GetDuration("IDEMPOTENCY_LEASE"),
		Supplier: supplier.Config{
			BaseURL: v.GetString("SUPPLIER_BASE_URL"),
			APIKey:  v.GetString("SUPPLIER_API_KEY"),
			Timeout: v.GetDuration("SUPPLIER_TIMEOUT"),
			Poll: supplier.Backoff{
				Attempts: v.GetInt("SUPPLIER_POLL_ATTEMPTS"),
				Initial:  v.GetDuration("SUPPLIER_POLL_INITIAL"),
				Max:      v.GetDuration("SUPPLIER_POLL_MAX"),
			},
		},
		Audit: Audit{
			Sink:         strings.ToLower(v.GetString("AUDIT_SINK")),
			Buffer:       v.GetInt("AUDIT_BUFFER"),
			RedisAddr:    v.GetString("REDIS_ADDR"),
			Stream:       v.GetString("AUDIT_STREAM"),
			StreamMaxLen: v.GetInt64("AUDIT_STREAM_MAXLEN"),
			KafkaBrokers: splitList(v.GetString("KAFKA_BROKERS")),
			Topic:        v.GetString("AUDIT_TOPIC"),
		},
		Sweep: Sweep{
			MaxAttempts:      v.GetInt("SWEEP_MAX_ATTEMPTS"),
			MaxAge:           time.Duration(v.GetInt("SWEEP_MAX_AGE_MINUTES")) * time.Minute,
			Limit:            v.GetInt("SWEEP_LIMIT"),
			Grace:            v.GetDuration("SWEEP_GRACE"),
			OrderGrace:       v.GetDuration("ORDER_RECONCILE_GRACE"),
			OrderLookback:    v.GetDuration("ORDER_RECONCILE_LOOKBACK"),
			OrderMaxAttempts: v.GetInt("ORDER_MAX_ATTEMPTS"),
		},
		MetricsNamespace: v.GetString("METRICS_NAMESPACE"),
	}

	fc := fraud.DefaultConfig()
	hv, err := money.Parse(v.GetString("FRAUD_HIGH_VALUE"))
	if err != nil {
		return nil, fmt.Errorf("FRAUD_HIGH_VALUE: %w", err)
	}
	fc.HighValue = hv
	if d := v.GetDuration("FRAUD_LOGIN_WINDOW"); d > 0 {
		fc.LoginWindow = d
	}
	if d := v.GetDuration("FRAUD_PURCHASE_WINDOW"); d > 0 {
		fc.PurchaseWindow = d
	}
	cfg.Fraud = fc

	fees, err := loadFees(v)
	if err != nil {
		return nil, err
	}
	cfg.Fees = fees

	switch cfg.Audit.Sink {
	case AuditSinkNone, AuditSinkRedis, AuditSinkKafka:
	default:
		return nil, fmt.Errorf("AUDIT_SINK: unknown sink %q", cfg.Audit.Sink)
	}
	if cfg.IdempotencyLease <= 0 || cfg.IdempotencyTTL <= cfg.IdempotencyLease {
		return nil, fmt.Errorf("IDEMPOTENCY_TTL (%s) must exceed IDEMPOTENCY_LEASE (%s)", cfg.IdempotencyTTL, cfg.IdempotencyLease)
	}
	return cfg, nil
}

// loadFees reads FEE_<METHOD>_PERCENT and FEE_<METHOD>_FIXED for every method in FEE_METHODS.
// Methods are keyed in lower case.
func loadFees(v *viper.Viper) (map[string]money.FeeModel, error) {
	fees := make(map[string]money.FeeModel)
	for _, method := range splitList(v.GetString("FEE_METHODS")) {
		upper := strings.ToUpper(method)
		percent := v.GetString("FEE_" + upper + "_PERCENT")
		if percent == "" {
			percent = "0"
		}
		fixed := v.GetString("FEE_" + upper + "_FIXED")
		if fixed == "" {
			fixed = "0"
		}
		m, err := money.NewFeeModel(percent, fixed)
		if err != nil {
			return nil, fmt.Errorf("fee model for %s: %w", method, err)
		}
		fees[strings.ToLower(method)] = m
	}
	return fees, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
