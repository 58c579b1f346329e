// Package money represents amounts as integer minor units so balance checks never compare floats.
package money

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Scale is the number of minor-unit digits.
const Scale = 2

// Amount is a signed amount in minor units (cents).
type Amount int64

var (
	ErrPrecision = errors.New("amount has more than 2 decimal places")
	ErrOverflow  = errors.New("amount overflows")
	ErrNegative  = errors.New("amount must not be negative")
)

var maxDecimal = decimal.New(math.MaxInt64, -Scale)

// Parse reads a decimal string such as "50000" or "48.05".
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal converts d exactly; it never rounds.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if !d.Round(Scale).Equal(d) {
		return 0, fmt.Errorf("%s: %w", d.String(), ErrPrecision)
	}
	if d.Abs().GreaterThan(maxDecimal) {
		return 0, fmt.Errorf("%s: %w", d.String(), ErrOverflow)
	}
	return Amount(d.Shift(Scale).IntPart()), nil
}

// Decimal returns a as a decimal in major units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Scale)
}

func (a Amount) String() string {
	return a.Decimal().StringFixed(Scale)
}

// MulInt returns a*n, failing on overflow.
func (a Amount) MulInt(n int) (Amount, error) {
	if n == 0 || a == 0 {
		return 0, nil
	}
	p := int64(a) * int64(n)
	if p/int64(n) != int64(a) {
		return 0, fmt.Errorf("%s x %d: %w", a, n, ErrOverflow)
	}
	return Amount(p), nil
}

// MarshalJSON writes the amount as a fixed-point string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a JSON string or number in major units.
func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return fmt.Errorf("amount is null")
	}
	var s string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
