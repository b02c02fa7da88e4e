// Package model defines the core domain types shared across the engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a deposit record.
type Status string

const (
	StatusActive     Status = "active"
	StatusClaimed    Status = "claimed"
	StatusLiquidated Status = "liquidated"
)

// DepositRecord is created by one deposit action and tracks the shares and
// debt attached to it until it is claimed or liquidated.
type DepositRecord struct {
	ID               uint64          `json:"id" db:"id"`
	Token            common.Address  `json:"token" db:"token"`
	Owner            common.Address  `json:"owner" db:"owner"`
	CollateralAmount decimal.Decimal `json:"collateral_amount" db:"collateral_amount"`
	ShareAmount      decimal.Decimal `json:"share_amount" db:"share_amount"`
	MintedDebt       decimal.Decimal `json:"minted_debt" db:"minted_debt"`     // Stable minted at deposit
	BorrowedDebt     decimal.Decimal `json:"borrowed_debt" db:"borrowed_debt"` // Stable minted by later borrows
	DurationDays     int             `json:"duration_days" db:"duration_days"`
	DepositedAt      time.Time       `json:"deposited_at" db:"deposited_at"`
	MaturesAt        time.Time       `json:"matures_at" db:"matures_at"`
	AutoRestake      bool            `json:"auto_restake" db:"auto_restake"`
	Status           Status          `json:"status" db:"status"`
}

// Debt returns the total Stable owed to release the record's collateral.
func (r DepositRecord) Debt() decimal.Decimal {
	return r.MintedDebt.Add(r.BorrowedDebt)
}

// Active reports whether the record can still be borrowed against or settled.
func (r DepositRecord) Active() bool {
	return r.Status == StatusActive
}

// PoolState holds the pool-wide aggregates of one vault.
type PoolState struct {
	Token          common.Address  `json:"token" db:"token"`
	TotalShares    decimal.Decimal `json:"total_shares" db:"total_shares"`
	PoolCollateral decimal.Decimal `json:"pool_collateral" db:"pool_collateral"`
	NextID         uint64          `json:"next_id" db:"next_id"`
}

// Settlement is the outcome of settling a record by its owner or a liquidator.
type Settlement struct {
	Record        DepositRecord   `json:"record"`
	Claimant      common.Address  `json:"claimant"`
	CollateralOut decimal.Decimal `json:"collateral_out"`
	DebtOwed      decimal.Decimal `json:"debt_owed"`
	Liquidated    bool            `json:"liquidated"`
}

// BorrowableAmount is the price-appreciation headroom of one record.
type BorrowableAmount struct {
	DepositID uint64          `json:"deposit_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// LiquidableDeposit is a matured, still active record. Liquidable is true
// once the grace window after maturity has elapsed.
type LiquidableDeposit struct {
	DepositID        uint64          `json:"deposit_id"`
	Owner            common.Address  `json:"owner"`
	CollateralAmount decimal.Decimal `json:"collateral_amount"`
	ShareAmount      decimal.Decimal `json:"share_amount"`
	MintedDebt       decimal.Decimal `json:"minted_debt"`
	BorrowedDebt     decimal.Decimal `json:"borrowed_debt"`
	MaturesAt        time.Time       `json:"matures_at"`
	GraceEndsAt      time.Time       `json:"grace_ends_at"`
	Liquidable       bool            `json:"liquidable"`
}

// DepositInfo is an active record annotated with its live valuation.
type DepositInfo struct {
	DepositRecord
	CurrentValue     decimal.Decimal `json:"current_value"`
	BorrowableAmount decimal.Decimal `json:"borrowable_amount"`
}

// FeeInfo is the deposit fee configuration of one collateral token.
// Rate is expressed per mille (out of 1000).
type FeeInfo struct {
	Token   common.Address `json:"token"`
	Rate    int64          `json:"rate"`
	Enabled bool           `json:"enabled"`
}

// EventKind names a committed protocol operation.
type EventKind string

const (
	EventDeposit   EventKind = "deposit"
	EventBorrow    EventKind = "borrow"
	EventClaim     EventKind = "claim"
	EventRestake   EventKind = "restake"
	EventLiquidate EventKind = "liquidate"
	EventTopUp     EventKind = "top_up"
	EventYield     EventKind = "yield"
)

// Event is an immutable journal entry for a committed operation.
// Once created, these are never modified or deleted.
type Event struct {
	ID         string          `json:"id" db:"id"`
	Kind       EventKind       `json:"kind" db:"kind"`
	Token      common.Address  `json:"token" db:"token"`
	DepositID  uint64          `json:"deposit_id" db:"deposit_id"`
	Owner      common.Address  `json:"owner" db:"owner"`
	Actor      common.Address  `json:"actor" db:"actor"`
	Collateral decimal.Decimal `json:"collateral" db:"collateral"` // collateral moved by the operation
	Stable     decimal.Decimal `json:"stable" db:"stable"`         // signed: +minted, -burned
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}
