// Package token implements a minimal balance ledger used for both the
// collateral token and the Stable asset. Supply changes (Mint, BurnFrom)
// are restricted to a single admin identity; for Stable that admin is the
// protocol.
package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/stablevault/cdp-engine/internal/fixedpoint"
)

var (
	// ErrUnauthorized is returned when a non-admin calls Mint or BurnFrom.
	ErrUnauthorized = errors.New("token: caller is not the admin")

	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("token: insufficient balance")

	// ErrInvalidAmount is returned for zero, negative or over-precise amounts.
	ErrInvalidAmount = errors.New("token: invalid amount")
)

// Ledger tracks balances of one token. It is safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	address  common.Address
	symbol   string
	scale    int32
	admin    common.Address
	balances map[common.Address]decimal.Decimal
	supply   decimal.Decimal
}

// NewLedger creates an empty ledger for the token at address with the given
// number of decimals.
func NewLedger(address common.Address, symbol string, scale int32, admin common.Address) *Ledger {
	return &Ledger{
		address:  address,
		symbol:   symbol,
		scale:    scale,
		admin:    admin,
		balances: make(map[common.Address]decimal.Decimal),
	}
}

// Address returns the token's identity.
func (l *Ledger) Address() common.Address { return l.address }

// Symbol returns the token symbol.
func (l *Ledger) Symbol() string { return l.symbol }

// Decimals returns the number of decimals amounts are carried at.
func (l *Ledger) Decimals() int32 { return l.scale }

// SetAdmin hands supply control to a new identity. Only the current admin
// may do so.
func (l *Ledger) SetAdmin(caller, admin common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.admin {
		return ErrUnauthorized
	}
	l.admin = admin
	return nil
}

// Admin returns the identity allowed to change supply.
func (l *Ledger) Admin() common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.admin
}

// BalanceOf returns the balance held by addr.
func (l *Ledger) BalanceOf(addr common.Address) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[addr]
}

// TotalSupply returns the sum of all balances.
func (l *Ledger) TotalSupply() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply
}

// Mint credits amount to to and grows supply.
func (l *Ledger) Mint(caller, to common.Address, amount decimal.Decimal) error {
	if err := l.validate(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.admin {
		return ErrUnauthorized
	}
	l.balances[to] = l.balances[to].Add(amount)
	l.supply = l.supply.Add(amount)
	return nil
}

// BurnFrom debits amount from holder and shrinks supply.
func (l *Ledger) BurnFrom(caller, holder common.Address, amount decimal.Decimal) error {
	if err := l.validate(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.admin {
		return ErrUnauthorized
	}
	bal := l.balances[holder]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, holder.Hex(), bal, amount)
	}
	l.balances[holder] = bal.Sub(amount)
	l.supply = l.supply.Sub(amount)
	return nil
}

// Transfer moves amount from one holder to another.
func (l *Ledger) Transfer(from, to common.Address, amount decimal.Decimal) error {
	if err := l.validate(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balances[from]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from.Hex(), bal, amount)
	}
	l.balances[from] = bal.Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

func (l *Ledger) validate(amount decimal.Decimal) error {
	if err := fixedpoint.Validate(amount, l.scale); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return nil
}
