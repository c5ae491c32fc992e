// Package money provides fixed-point amounts for escrow and ledger math.
//
// Amounts are int64 counts of the currency's minor unit (1.00 = 100). Floats
// never touch a balance; decimal input is parsed through shopspring/decimal
// and rejected if it carries more precision than the minor unit.
package money

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places in the minor unit.
const Scale = 2

// BasisPoints is the denominator for fee rates (10000 bps = 100%).
const BasisPoints = 10_000

// Amount is a signed quantity of minor units.
type Amount int64

// Parse converts a decimal string (e.g. "1250.50") to an Amount.
//
// Rules:
//   - empty and malformed strings are rejected
//   - more than Scale fractional digits are rejected, never rounded
//   - values outside int64 range are rejected
func Parse(s string) (Amount, error) {
	if s == "" {
		return 0, fmt.Errorf("money: empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("money: invalid amount %q", s)
	}
	if d.Exponent() < -Scale && !d.Equal(d.Truncate(Scale)) {
		return 0, fmt.Errorf("money: amount %q exceeds %d decimal places", s, Scale)
	}
	minor := d.Shift(Scale)
	if minor.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || minor.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, fmt.Errorf("money: amount %q out of range", s)
	}
	return Amount(minor.IntPart()), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Decimal returns the amount in major units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Scale)
}

// String formats with exactly Scale decimals ("12.50", "-0.05").
func (a Amount) String() string {
	return a.Decimal().StringFixed(Scale)
}

// MarshalText encodes the amount as its decimal string so JSON payloads
// carry "12.50" rather than a bare integer of minor units.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses a decimal string.
func (a *Amount) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Positive reports whether a > 0.
func (a Amount) Positive() bool { return a > 0 }

// Fee returns amount × bps / 10000, rounded down. Rounding down keeps the
// platform from ever retaining more than the configured rate.
func Fee(amount Amount, bps int64) Amount {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	fee := decimal.NewFromInt(int64(amount)).
		Mul(decimal.NewFromInt(bps)).
		Div(decimal.NewFromInt(BasisPoints)).
		Floor()
	return Amount(fee.IntPart())
}

// ParseRatio parses a split ratio and requires it to lie in [0, 1].
func ParseRatio(s string) (decimal.Decimal, error) {
	r, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("money: invalid ratio %q", s)
	}
	if err := CheckRatio(r); err != nil {
		return decimal.Zero, err
	}
	return r, nil
}

// CheckRatio validates that r lies in [0, 1].
func CheckRatio(r decimal.Decimal) error {
	if r.IsNegative() || r.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("money: ratio %s outside [0,1]", r.String())
	}
	return nil
}

// Split divides amount by ratio. The first share is floor(amount × ratio);
// the second is the exact remainder, so the two always sum to amount.
func Split(amount Amount, ratio decimal.Decimal) (share, remainder Amount) {
	share = Amount(decimal.NewFromInt(int64(amount)).Mul(ratio).Floor().IntPart())
	return share, amount - share
}

// Sum adds amounts.
func Sum(amounts ...Amount) Amount {
	var total Amount
	for _, a := range amounts {
		total += a
	}
	return total
}
