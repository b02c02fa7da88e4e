// Package escrow batches sacrificed collateral into a single protocol
// deposit and shares the minted Stable among sacrificers by weight.
//
// Sacrifices are accepted until the first DepositCollateral. From then on the
// escrow owns one or more auto-restake records; ReDeposit rolls every matured
// record forward and distributes any Stable the restake mints.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/stablevault/cdp-engine/internal/fixedpoint"
	"github.com/stablevault/cdp-engine/internal/model"
	"github.com/stablevault/cdp-engine/internal/protocol"
	"github.com/stablevault/cdp-engine/internal/token"
)

var (
	ErrClosed          = errors.New("escrow: sacrifice is closed")
	ErrInvalidAmount   = errors.New("escrow: invalid amount")
	ErrNothingToCommit = errors.New("escrow: nothing to deposit")
	ErrUnauthorized    = errors.New("escrow: caller is not the owner")
)

// Depositor is the slice of the protocol the escrow drives.
type Depositor interface {
	DepositCollateral(ctx context.Context, caller, tok common.Address, amount decimal.Decimal, durationDays int, recipient common.Address, autoRestake bool) (model.DepositRecord, error)
	ClaimCollateral(ctx context.Context, caller, tok common.Address, id uint64) (protocol.ClaimResult, error)
}

// Config wires an Escrow.
type Config struct {
	Owner      common.Address // may trigger deposits
	Address    common.Address // escrow identity; holds sacrifices and records
	Collateral *token.Ledger
	Stable     *token.Ledger
	Protocol   Depositor
}

// Escrow is safe for concurrent use.
type Escrow struct {
	mu          sync.Mutex
	cfg         Config
	weights     map[common.Address]decimal.Decimal
	order       []common.Address
	totalWeight decimal.Decimal
	open        bool
	records     []uint64
}

// New creates an escrow open for sacrifices.
func New(cfg Config) (*Escrow, error) {
	if cfg.Collateral == nil || cfg.Stable == nil || cfg.Protocol == nil {
		return nil, errors.New("escrow: collateral, stable and protocol are required")
	}
	if cfg.Address == (common.Address{}) || cfg.Owner == (common.Address{}) {
		return nil, errors.New("escrow: owner and address must be set")
	}
	return &Escrow{
		cfg:     cfg,
		weights: make(map[common.Address]decimal.Decimal),
		open:    true,
	}, nil
}

// Address returns the escrow identity.
func (e *Escrow) Address() common.Address { return e.cfg.Address }

// Token returns the collateral token the escrow batches.
func (e *Escrow) Token() common.Address { return e.cfg.Collateral.Address() }

// Open reports whether sacrifices are still accepted.
func (e *Escrow) Open() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

// Weight returns from's share weight.
func (e *Escrow) Weight(from common.Address) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.weights[from]
}

// TotalWeight returns the sum of all weights.
func (e *Escrow) TotalWeight() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalWeight
}

// Records returns the ids of the escrow's active protocol records.
func (e *Escrow) Records() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.records)
}

// Sacrifice pulls amount of collateral from from into the escrow and adds it
// to from's weight.
func (e *Escrow) Sacrifice(from common.Address, amount decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.open {
		return ErrClosed
	}
	if err := fixedpoint.Validate(amount, e.cfg.Collateral.Decimals()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if err := e.cfg.Collateral.Transfer(from, e.cfg.Address, amount); err != nil {
		return err
	}
	if _, ok := e.weights[from]; !ok {
		e.order = append(e.order, from)
	}
	e.weights[from] = e.weights[from].Add(amount)
	e.totalWeight = e.totalWeight.Add(amount)

	slog.Info("collateral sacrificed", "from", from.Hex(), "amount", amount.String(), "total", e.totalWeight.String())
	return nil
}

// DepositCollateral closes the sacrifice and deposits the escrow's whole
// collateral balance into the protocol as an auto-restake record owned by
// the escrow. The minted Stable is shared among sacrificers.
func (e *Escrow) DepositCollateral(ctx context.Context, caller common.Address, durationDays int) (model.DepositRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.cfg.Owner {
		return model.DepositRecord{}, ErrUnauthorized
	}
	balance := e.cfg.Collateral.BalanceOf(e.cfg.Address)
	if !balance.IsPositive() {
		return model.DepositRecord{}, ErrNothingToCommit
	}
	rec, err := e.cfg.Protocol.DepositCollateral(ctx, e.cfg.Address, e.Token(), balance, durationDays, e.cfg.Address, true)
	if err != nil {
		return model.DepositRecord{}, err
	}
	e.open = false
	e.records = append(e.records, rec.ID)

	if err := e.distribute(rec.MintedDebt); err != nil {
		return rec, err
	}
	slog.Info("escrow deposited",
		"id", rec.ID,
		"collateral", balance.String(),
		"minted", rec.MintedDebt.String(),
		"sacrificers", len(e.order),
	)
	return rec, nil
}

// ReDeposit claims every matured escrow record, which the protocol restakes
// in place, and shares any Stable minted by the restake. It returns the
// number of records rolled forward. Records not yet matured are skipped.
func (e *Escrow) ReDeposit(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rolled := 0
	for i, id := range e.records {
		res, err := e.cfg.Protocol.ClaimCollateral(ctx, e.cfg.Address, e.Token(), id)
		if errors.Is(err, protocol.ErrNotMatured) {
			continue
		}
		if err != nil {
			return rolled, fmt.Errorf("redeposit %d: %w", id, err)
		}
		if res.Restaked != nil {
			e.records[i] = res.Restaked.ID
		}
		rolled++
		if err := e.distribute(res.StableMinted); err != nil {
			return rolled, err
		}
		slog.Info("escrow redeposited",
			"id", id,
			"collateral", res.Settlement.CollateralOut.String(),
			"minted", res.StableMinted.String(),
			"burned", res.StableBurned.String(),
		)
	}
	return rolled, nil
}

// distribute transfers amount of Stable from the escrow to each sacrificer
// pro rata by weight. Truncation dust stays with the escrow.
func (e *Escrow) distribute(amount decimal.Decimal) error {
	if !amount.IsPositive() || !e.totalWeight.IsPositive() {
		return nil
	}
	scale := e.cfg.Stable.Decimals()
	for _, addr := range e.order {
		share, err := fixedpoint.MulDiv(amount, e.weights[addr], e.totalWeight, scale)
		if err != nil {
			return err
		}
		if !share.IsPositive() {
			continue
		}
		if err := e.cfg.Stable.Transfer(e.cfg.Address, addr, share); err != nil {
			return fmt.Errorf("distribute to %s: %w", addr.Hex(), err)
		}
	}
	return nil
}
