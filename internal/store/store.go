// Package store defines the persistence interface for the CDP engine.
// Implementations include PostgreSQL (durable projection), Redis (read-through
// cache), and in-memory (for testing).
//
// The protocol's in-process ledger is authoritative; a Store holds a
// projection of it that is reloaded on startup.
package store

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stablevault/cdp-engine/internal/model"
)

// ErrNotFound is returned when a deposit or pool does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the durable copy;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Deposit records ---

	// SaveDeposit inserts or replaces a deposit record.
	SaveDeposit(ctx context.Context, rec *model.DepositRecord) error

	// GetDeposit retrieves one record of a vault.
	GetDeposit(ctx context.Context, token common.Address, id uint64) (*model.DepositRecord, error)

	// ListDepositsByOwner returns every record of owner across vaults.
	ListDepositsByOwner(ctx context.Context, owner common.Address) ([]model.DepositRecord, error)

	// ListDeposits returns every record of a vault ordered by id.
	ListDeposits(ctx context.Context, token common.Address) ([]model.DepositRecord, error)

	// --- Pool aggregates ---

	// SavePool inserts or replaces a vault's pool aggregates.
	SavePool(ctx context.Context, pool *model.PoolState) error

	// GetPool retrieves a vault's pool aggregates.
	GetPool(ctx context.Context, token common.Address) (*model.PoolState, error)

	// ListPools returns the aggregates of every vault.
	ListPools(ctx context.Context) ([]model.PoolState, error)

	// --- Immutable event journal ---

	// InsertEvent appends an immutable event.
	InsertEvent(ctx context.Context, e *model.Event) error

	// ListEventsByOwner returns the events touching owner's records.
	ListEventsByOwner(ctx context.Context, owner common.Address) ([]model.Event, error)

	// ListEventsByDeposit returns the events of one record.
	ListEventsByDeposit(ctx context.Context, token common.Address, id uint64) ([]model.Event, error)
}
