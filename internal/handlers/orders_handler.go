package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-goods-ledger/internal/apperrors"
	"github.com/imrishuroy/go-goods-ledger/internal/fraud"
	"github.com/imrishuroy/go-goods-ledger/internal/fulfillment"
	"github.com/imrishuroy/go-goods-ledger/internal/money"
	"github.com/imrishuroy/go-goods-ledger/internal/orders"
	"github.com/imrishuroy/go-goods-ledger/internal/validation"
)

// orderView is the public shape of an order. Credentials are shown once the order completed.
type orderView struct {
	OrderID         string        `json:"order_id"`
	BuyerID         string        `json:"buyer_id"`
	ProductID       string        `json:"product_id"`
	ProductName     string        `json:"product_name,omitempty"`
	Quantity        int           `json:"quantity"`
	UnitPrice       money.Amount  `json:"unit_price"`
	Total           money.Amount  `json:"total"`
	PromotionCode   string        `json:"promotion_code,omitempty"`
	Status          orders.Status `json:"status"`
	ExternalOrderID string        `json:"external_order_id,omitempty"`
	Credentials     string        `json:"credentials,omitempty"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func viewOf(o *orders.Order) orderView {
	v := orderView{
		OrderID:         o.OrderID,
		BuyerID:         o.BuyerID,
		ProductID:       o.ProductID,
		ProductName:     o.ProductName,
		Quantity:        o.Quantity,
		UnitPrice:       o.UnitPrice,
		Total:           o.Total,
		PromotionCode:   o.PromotionCode,
		Status:          o.Status,
		ExternalOrderID: o.ExternalOrderID,
		FailureReason:   o.FailureReason,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	if o.Status == orders.StatusCompleted {
		v.Credentials = o.Credentials
	}
	return v
}

func (h *handler) purchase(c *gin.Context) {
	// Require idempotency key header
	idempKey := c.GetHeader("Idempotency-Key")
	if idempKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
		return
	}

	var req validation.PurchaseRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	res, err := h.cfg.Purchases.Purchase(c.Request.Context(), fulfillment.PurchaseRequest{
		BuyerID:        req.BuyerID,
		ProductID:      req.ProductID,
		SupplierRef:    req.SupplierRef,
		Quantity:       req.Quantity,
		PromotionCode:  req.PromotionCode,
		IdempotencyKey: idempKey,
		Meta:           fraud.ActorMeta{IP: c.ClientIP(), UserAgent: c.Request.UserAgent()},
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.Header("Location", fmt.Sprintf("/orders/%s", res.OrderID))
	c.JSON(status, res)
}

func (h *handler) getOrder(c *gin.Context) {
	o, err := h.cfg.Orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, apperrors.E(apperrors.KindInternal, "handlers.getOrder", "load order", err))
		return
	}
	if o == nil {
		h.writeError(c, apperrors.E(apperrors.KindNotFound, "handlers.getOrder", "order not found", nil))
		return
	}
	c.JSON(http.StatusOK, viewOf(o))
}

func (h *handler) resumeFulfillment(c *gin.Context) {
	res, err := h.cfg.Purchases.ResumeFulfillment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) refund(c *gin.Context) {
	var req validation.RefundRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		return
	}
	res, err := h.cfg.Purchases.Refund(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
