// Package fixedpoint holds the numeric helpers shared by the vault, the
// protocol and the price oracles.
//
// Amounts are shopspring/decimal values carried at a token's native scale
// (number of decimals). Every division truncates toward zero at the target
// scale, matching integer arithmetic on the underlying base units, so a
// result never rounds in the caller's favour.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	// ErrNonPositive is returned for zero or negative amounts.
	ErrNonPositive = errors.New("fixedpoint: amount must be positive")

	// ErrPrecision is returned when an amount has more fractional digits
	// than the token's scale allows.
	ErrPrecision = errors.New("fixedpoint: amount exceeds token precision")

	// ErrOverflow is returned when an amount does not fit in 256 bits of
	// base units.
	ErrOverflow = errors.New("fixedpoint: amount overflows 256-bit base units")

	// ErrDivideByZero is returned by MulDiv when the divisor is zero.
	ErrDivideByZero = errors.New("fixedpoint: division by zero")
)

// PerMille is the denominator for fee and rate values (1000 = 100%).
const PerMille = 1000

// ShareScale is the number of decimals carried by vault shares.
const ShareScale int32 = 18

var maxBaseUnits = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Validate checks that amount is a positive quantity representable at the
// given scale without loss and without overflowing 256-bit base units.
func Validate(amount decimal.Decimal, scale int32) error {
	if !amount.IsPositive() {
		return ErrNonPositive
	}
	if !amount.Truncate(scale).Equal(amount) {
		return fmt.Errorf("%w: %s at %d decimals", ErrPrecision, amount, scale)
	}
	if ToBaseUnits(amount, scale).Cmp(maxBaseUnits) > 0 {
		return fmt.Errorf("%w: %s", ErrOverflow, amount)
	}
	return nil
}

// ToBaseUnits converts amount to its integer representation at scale.
// Any digits beyond scale are truncated.
func ToBaseUnits(amount decimal.Decimal, scale int32) *big.Int {
	return amount.Shift(scale).Truncate(0).BigInt()
}

// FromBaseUnits converts an integer amount of base units to a decimal.
func FromBaseUnits(units *big.Int, scale int32) decimal.Decimal {
	return decimal.NewFromBigInt(units, -scale)
}

// MulDiv computes a * b / c truncated toward zero at scale.
func MulDiv(a, b, c decimal.Decimal, scale int32) (decimal.Decimal, error) {
	if c.IsZero() {
		return decimal.Zero, ErrDivideByZero
	}
	q, _ := a.Mul(b).QuoRem(c, scale)
	return q, nil
}

// Mul computes a * b truncated toward zero at scale.
func Mul(a, b decimal.Decimal, scale int32) decimal.Decimal {
	return a.Mul(b).Truncate(scale)
}

// PerMilleOf returns amount * rate / 1000 truncated at scale.
func PerMilleOf(amount decimal.Decimal, rate int64, scale int32) decimal.Decimal {
	q, _ := amount.Mul(decimal.NewFromInt(rate)).QuoRem(decimal.NewFromInt(PerMille), scale)
	return q
}

// SubFloor returns max(0, a - b).
func SubFloor(a, b decimal.Decimal) decimal.Decimal {
	diff := a.Sub(b)
	if diff.IsNegative() {
		return decimal.Zero
	}
	return diff
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
