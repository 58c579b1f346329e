package validation

import (
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-goods-ledger/internal/money"
)

// New returns a configured validator with the custom tags and struct-level rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// "money": a positive decimal amount with at most two fractional digits
	_ = v.RegisterValidation("money", func(fl validatorv10.FieldLevel) bool {
		a, err := money.Parse(fl.Field().String())
		return err == nil && a > 0
	})

	v.RegisterStructValidation(paymentWebhookStructValidation, PaymentWebhookRequest{})

	return v
}

// paymentWebhookStructValidation only accepts a reason on failure notifications.
func paymentWebhookStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(PaymentWebhookRequest)
	if req.Status == PaymentSucceeded && req.Reason != "" {
		sl.ReportError(req.Reason, "reason", "Reason", "reason_only_on_failure", "")
	}
}
