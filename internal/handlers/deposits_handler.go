package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-goods-ledger/internal/deposits"
	"github.com/imrishuroy/go-goods-ledger/internal/money"
	"github.com/imrishuroy/go-goods-ledger/internal/validation"
)

type depositView struct {
	DepositID    string          `json:"deposit_id"`
	UserID       string          `json:"user_id"`
	Method       string          `json:"method"`
	Gross        money.Amount    `json:"gross"`
	Charge       money.Amount    `json:"charge"`
	Net          money.Amount    `json:"net"`
	Status       deposits.Status `json:"status"`
	ProviderTxID string          `json:"provider_tx_id,omitempty"`
	Failure      string          `json:"failure_reason,omitempty"`
}

func depositViewOf(d *deposits.Deposit) depositView {
	return depositView{
		DepositID:    d.DepositID,
		UserID:       d.UserID,
		Method:       d.Method,
		Gross:        d.Gross,
		Charge:       d.Charge,
		Net:          d.Net,
		Status:       d.Status,
		ProviderTxID: d.ProviderTxID,
		Failure:      d.FailureReason,
	}
}

func (h *handler) openDeposit(c *gin.Context) {
	var req validation.OpenDepositRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		return
	}
	gross, err := money.Parse(req.Amount)
	if err != nil {
		validation.WriteFieldErrors(c, map[string]string{"Amount": "money"})
		return
	}
	d, err := h.cfg.Deposits.OpenDeposit(c.Request.Context(), deposits.OpenRequest{
		UserID:         req.UserID,
		Gross:          gross,
		Method:         req.Method,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, depositViewOf(d))
}

func (h *handler) attachTransaction(c *gin.Context) {
	var req validation.AttachTransactionRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		return
	}
	d, err := h.cfg.Deposits.AttachTransaction(c.Request.Context(), c.Param("id"), req.ProviderTxID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, depositViewOf(d))
}

// paymentWebhook acknowledges with 200 once the notification is applied or already was. Any
// non-2xx makes the provider redeliver, which is safe.
func (h *handler) paymentWebhook(c *gin.Context) {
	var req validation.PaymentWebhookRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		return
	}
	ctx := c.Request.Context()

	if req.Status == validation.PaymentFailed {
		d, err := h.cfg.Deposits.OnPaymentFailed(ctx, req.ProviderTxID, req.Reason)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, depositViewOf(d))
		return
	}

	res, err := h.cfg.Deposits.OnPaymentConfirmed(ctx, deposits.Confirmation{
		ProviderTxID: req.ProviderTxID,
		DepositID:    req.DepositID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
