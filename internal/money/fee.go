package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FeeModel is a processor fee: a percentage withheld from the credited amount and a fixed fee
// added to what the payer is charged.
type FeeModel struct {
	Percent decimal.Decimal
	Fixed   Amount
}

// FeeQuote is the result of applying a FeeModel once. It is stored with the deposit and never
// recomputed, so later fee changes cannot alter an open deposit.
type FeeQuote struct {
	Gross      Amount
	PercentFee Amount
	FixedFee   Amount
	Charge     Amount
	Net        Amount
}

// NewFeeModel builds a model from a percent string ("3.9") and a fixed amount string ("0.30").
func NewFeeModel(percent, fixed string) (FeeModel, error) {
	p, err := decimal.NewFromString(percent)
	if err != nil {
		return FeeModel{}, fmt.Errorf("parse fee percent %q: %w", percent, err)
	}
	if p.IsNegative() || p.GreaterThanOrEqual(hundred) {
		return FeeModel{}, fmt.Errorf("fee percent %s out of range", p)
	}
	f, err := Parse(fixed)
	if err != nil {
		return FeeModel{}, err
	}
	if f < 0 {
		return FeeModel{}, fmt.Errorf("fixed fee: %w", ErrNegative)
	}
	return FeeModel{Percent: p, Fixed: f}, nil
}

// Quote applies the model to gross. The percentage fee is rounded half away from zero to cents.
func (m FeeModel) Quote(gross Amount) (FeeQuote, error) {
	if gross <= 0 {
		return FeeQuote{}, fmt.Errorf("gross %s: %w", gross, ErrNegative)
	}
	pct := gross.Decimal().Mul(m.Percent).Div(hundred).Round(Scale)
	percentFee, err := FromDecimal(pct)
	if err != nil {
		return FeeQuote{}, err
	}
	return FeeQuote{
		Gross:      gross,
		PercentFee: percentFee,
		FixedFee:   m.Fixed,
		Charge:     gross + m.Fixed,
		Net:        gross - percentFee,
	}, nil
}
