// Package handlers exposes purchases, deposits and login screening over HTTP (gin).
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-goods-ledger/internal/deposits"
	"github.com/imrishuroy/go-goods-ledger/internal/fraud"
	"github.com/imrishuroy/go-goods-ledger/internal/fulfillment"
	"github.com/imrishuroy/go-goods-ledger/internal/orders"
	"github.com/imrishuroy/go-goods-ledger/internal/validation"
)

// Purchaser is satisfied by *fulfillment.Orchestrator.
type Purchaser interface {
	Purchase(ctx context.Context, req fulfillment.PurchaseRequest) (*fulfillment.PurchaseResult, error)
	ResumeFulfillment(ctx context.Context, orderID string) (*fulfillment.PurchaseResult, error)
	Refund(ctx context.Context, orderID, reason string) (*fulfillment.PurchaseResult, error)
}

// OrderReader is satisfied by *orders.Store.
type OrderReader interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
}

// DepositService is satisfied by *deposits.Reconciler.
type DepositService interface {
	OpenDeposit(ctx context.Context, req deposits.OpenRequest) (*deposits.Deposit, error)
	AttachTransaction(ctx context.Context, depositID, txID string) (*deposits.Deposit, error)
	OnPaymentConfirmed(ctx context.Context, c deposits.Confirmation) (*deposits.ConfirmResult, error)
	OnPaymentFailed(ctx context.Context, txID, reason string) (*deposits.Deposit, error)
}

// LoginScreener is satisfied by *fraud.Sentinel.
type LoginScreener interface {
	RecordLogin(email string, success bool, meta fraud.ActorMeta) fraud.Verdict
}

// HandlerConfig groups dependencies for the API handlers.
type HandlerConfig struct {
	Purchases Purchaser
	Orders    OrderReader
	Deposits  DepositService
	Logins    LoginScreener
	Logger    *zap.Logger
}

type handler struct {
	cfg      HandlerConfig
	validate *validatorv10.Validate
	logger   *zap.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(cfg HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	Register(r, cfg)
	return r
}

// Register adds the API routes to r.
func Register(r *gin.Engine, cfg HandlerConfig) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{cfg: cfg, validate: validation.New(), logger: logger}

	r.POST("/purchases", h.purchase)
	r.GET("/orders/:id", h.getOrder)
	r.POST("/orders/:id/fulfillment", h.resumeFulfillment)
	r.POST("/orders/:id/refund", h.refund)

	r.POST("/deposits", h.openDeposit)
	r.POST("/deposits/:id/transaction", h.attachTransaction)
	r.POST("/webhooks/payments", h.paymentWebhook)

	r.POST("/fraud/logins", h.recordLogin)
}
