// Package oracle provides price feeds that value collateral in Stable.
//
// FixedRate mirrors the test feed the protocol was first deployed against:
// a base price per whole collateral unit scaled by an adjustable rate
// expressed per mille (1000 = 100%, 1500 = 150%). Raising the rate is how
// operators exercise price-driven borrowing outside of a live market.
package oracle

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/stablevault/cdp-engine/internal/fixedpoint"
)

var (
	// ErrInvalidPrice is returned when a base price is not positive.
	ErrInvalidPrice = errors.New("oracle: price must be positive")

	// ErrInvalidRate is returned when a test rate is not positive.
	ErrInvalidRate = errors.New("oracle: rate must be positive")

	// ErrNegativeAmount is returned when asked to value a negative amount.
	ErrNegativeAmount = errors.New("oracle: amount must not be negative")
)

// FixedRate is a price feed with an operator-controlled price. It is safe
// for concurrent use.
type FixedRate struct {
	mu    sync.RWMutex
	price decimal.Decimal // Stable per whole collateral unit at rate 1000
	rate  int64
	scale int32 // Stable decimals
}

// NewFixedRate creates a feed quoting price Stable per collateral unit,
// truncating values to stableScale decimals.
func NewFixedRate(price decimal.Decimal, stableScale int32) (*FixedRate, error) {
	if !price.IsPositive() {
		return nil, ErrInvalidPrice
	}
	return &FixedRate{
		price: price,
		rate:  fixedpoint.PerMille,
		scale: stableScale,
	}, nil
}

// ValueOf returns the Stable value of amount collateral at the current price.
func (o *FixedRate) ValueOf(_ context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	o.mu.RLock()
	defer o.mu.RUnlock()

	value := amount.Mul(o.price)
	return fixedpoint.PerMilleOf(value, o.rate, o.scale), nil
}

// SetRate changes the per-mille multiplier applied to the base price.
func (o *FixedRate) SetRate(rate int64) error {
	if rate <= 0 {
		return ErrInvalidRate
	}
	o.mu.Lock()
	o.rate = rate
	o.mu.Unlock()
	return nil
}

// SetPrice replaces the base price.
func (o *FixedRate) SetPrice(price decimal.Decimal) error {
	if !price.IsPositive() {
		return ErrInvalidPrice
	}
	o.mu.Lock()
	o.price = price
	o.mu.Unlock()
	return nil
}

// Rate returns the current per-mille multiplier.
func (o *FixedRate) Rate() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rate
}

// UnitPrice returns the effective Stable value of one collateral unit.
func (o *FixedRate) UnitPrice() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return fixedpoint.PerMilleOf(o.price, o.rate, o.scale)
}
