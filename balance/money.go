package balance

import (
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Fixed-point money in minor units
// =============================================================================

// Amount is a signed count of minor units (kopecks, cents, yen).
// The scale comes from the account currency, never from the value itself.
type Amount int64

func (a Amount) Add(b Amount) Amount { return a + b }
func (a Amount) Sub(b Amount) Amount { return a - b }
func (a Amount) Neg() Amount         { return -a }
func (a Amount) IsZero() bool        { return a == 0 }
func (a Amount) IsNegative() bool    { return a < 0 }

// Currency is an ISO 4217 code. Its scale is the currency's fraction digits.
type Currency string

// Known reports whether the code exists in the ISO table.
func (c Currency) Known() bool {
	return money.GetCurrency(string(c)) != nil
}

// Scale is the number of fraction digits: 2 for RUB, 0 for JPY, 3 for BHD.
func (c Currency) Scale() int32 {
	cur := money.GetCurrency(string(c))
	if cur == nil {
		return 2
	}
	return int32(cur.Fraction)
}

var maxMinor = decimal.NewFromInt(1 << 62)

// Parse converts a major-unit decimal string ("1000.00") into minor units.
// Values with more fraction digits than the currency allows are rejected
// rather than rounded.
func (c Currency) Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return c.FromDecimal(d)
}

// FromDecimal converts a major-unit decimal into minor units exactly.
func (c Currency) FromDecimal(d decimal.Decimal) (Amount, error) {
	minor := d.Shift(c.Scale())
	if !minor.IsInteger() {
		return 0, fmt.Errorf("%w: %s has more than %d fraction digits for %s",
			ErrInvalidAmount, d.String(), c.Scale(), c)
	}
	if minor.Abs().GreaterThan(maxMinor) {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidAmount, d.String())
	}
	return Amount(minor.IntPart()), nil
}

// Decimal returns the major-unit value of a.
func (c Currency) Decimal(a Amount) decimal.Decimal {
	return decimal.New(int64(a), -c.Scale())
}

// Format renders a with exactly Scale() fraction digits ("1500.00", "1500").
func (c Currency) Format(a Amount) string {
	return c.Decimal(a).StringFixed(c.Scale())
}

// Display renders a for humans, with grapheme and thousand separators.
func (c Currency) Display(a Amount) string {
	return money.New(int64(a), string(c)).Display()
}
