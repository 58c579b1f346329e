package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-goods-ledger/internal/apperrors"
)

// Guidance tells the client what to do next.
const (
	GuidanceFixRequest       = "fix_request"
	GuidanceTopUp            = "top_up"
	GuidanceContactSupport   = "contact_support"
	GuidanceRetry            = "retry"
	GuidanceRetryFulfillment = "retry_fulfillment"
	GuidancePoll             = "poll"
	GuidanceNewPurchase      = "new_purchase"
)

type errorPolicy struct {
	status   int
	guidance string
}

var errorPolicies = map[apperrors.Kind]errorPolicy{
	apperrors.KindValidation:          {http.StatusBadRequest, GuidanceFixRequest},
	apperrors.KindNotFound:            {http.StatusNotFound, GuidanceFixRequest},
	apperrors.KindInsufficientBalance: {http.StatusPaymentRequired, GuidanceTopUp},
	apperrors.KindFraudBlocked:        {http.StatusForbidden, GuidanceContactSupport},
	apperrors.KindSupplierUnavailable: {http.StatusServiceUnavailable, GuidanceRetry},
	apperrors.KindSupplierError:       {http.StatusBadGateway, GuidanceNewPurchase},
	apperrors.KindPartialFailure:      {http.StatusAccepted, GuidanceRetryFulfillment},
	apperrors.KindIdempotencyConflict: {http.StatusConflict, GuidancePoll},
	apperrors.KindInternal:            {http.StatusInternalServerError, GuidanceRetry},
}

// writeError renders a classified error. Internal details are logged, not returned.
func (h *handler) writeError(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	policy, ok := errorPolicies[kind]
	if !ok {
		policy = errorPolicies[apperrors.KindInternal]
	}

	msg := "internal error"
	var ae *apperrors.Error
	if errors.As(err, &ae) && kind != apperrors.KindInternal {
		msg = ae.Message
	}
	body := gin.H{
		"error":     string(kind),
		"message":   msg,
		"guidance":  policy.guidance,
		"retriable": apperrors.Retriable(kind),
	}
	if id := apperrors.OrderIDOf(err); id != "" {
		body["order_id"] = id
	}

	if policy.status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		h.logger.Info("request rejected", zap.String("path", c.FullPath()), zap.String("kind", string(kind)), zap.Error(err))
	}
	c.JSON(policy.status, body)
}
