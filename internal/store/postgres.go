package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stablevault/cdp-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL.
// All monetary values are stored as NUMERIC for exact decimal precision;
// addresses are stored as 0x-prefixed hex.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const depositColumns = `token, id, owner,
	collateral_amount::TEXT, share_amount::TEXT, minted_debt::TEXT, borrowed_debt::TEXT,
	duration_days, deposited_at, matures_at, auto_restake, status`

func (s *PostgresStore) SaveDeposit(ctx context.Context, r *model.DepositRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deposits (token, id, owner, collateral_amount, share_amount, minted_debt, borrowed_debt,
		                       duration_days, deposited_at, matures_at, auto_restake, status)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12)
		 ON CONFLICT (token, id) DO UPDATE
		 SET collateral_amount = EXCLUDED.collateral_amount,
		     share_amount = EXCLUDED.share_amount,
		     minted_debt = EXCLUDED.minted_debt,
		     borrowed_debt = EXCLUDED.borrowed_debt,
		     duration_days = EXCLUDED.duration_days,
		     matures_at = EXCLUDED.matures_at,
		     status = EXCLUDED.status`,
		r.Token.Hex(), int64(r.ID), r.Owner.Hex(),
		r.CollateralAmount.String(), r.ShareAmount.String(),
		r.MintedDebt.String(), r.BorrowedDebt.String(),
		r.DurationDays, r.DepositedAt, r.MaturesAt, r.AutoRestake, string(r.Status),
	)
	return err
}

func (s *PostgresStore) GetDeposit(ctx context.Context, token common.Address, id uint64) (*model.DepositRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE token = $1 AND id = $2`,
		token.Hex(), int64(id))
	rec, err := scanDeposit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: deposit %s/%d", ErrNotFound, token.Hex(), id)
	}
	if err != nil {
		return nil, fmt.Errorf("get deposit %s/%d: %w", token.Hex(), id, err)
	}
	return rec, nil
}

func (s *PostgresStore) ListDepositsByOwner(ctx context.Context, owner common.Address) ([]model.DepositRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE owner = $1 ORDER BY token, id`, owner.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDeposits(rows)
}

func (s *PostgresStore) ListDeposits(ctx context.Context, token common.Address) ([]model.DepositRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE token = $1 ORDER BY id`, token.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDeposits(rows)
}

func (s *PostgresStore) SavePool(ctx context.Context, p *model.PoolState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pools (token, total_shares, pool_collateral, next_id)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
		 ON CONFLICT (token) DO UPDATE
		 SET total_shares = EXCLUDED.total_shares,
		     pool_collateral = EXCLUDED.pool_collateral,
		     next_id = EXCLUDED.next_id`,
		p.Token.Hex(), p.TotalShares.String(), p.PoolCollateral.String(), int64(p.NextID),
	)
	return err
}

func (s *PostgresStore) GetPool(ctx context.Context, token common.Address) (*model.PoolState, error) {
	var totalShares, poolCollateral string
	var nextID int64

	err := s.pool.QueryRow(ctx,
		`SELECT total_shares::TEXT, pool_collateral::TEXT, next_id
		 FROM pools WHERE token = $1`, token.Hex()).
		Scan(&totalShares, &poolCollateral, &nextID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: pool %s", ErrNotFound, token.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", token.Hex(), err)
	}

	p := &model.PoolState{Token: token, NextID: uint64(nextID)}
	p.TotalShares, _ = decimal.NewFromString(totalShares)
	p.PoolCollateral, _ = decimal.NewFromString(poolCollateral)
	return p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.PoolState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT token, total_shares::TEXT, pool_collateral::TEXT, next_id
		 FROM pools ORDER BY token`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.PoolState
	for rows.Next() {
		var token, totalShares, poolCollateral string
		var nextID int64
		if err := rows.Scan(&token, &totalShares, &poolCollateral, &nextID); err != nil {
			return nil, err
		}
		p := model.PoolState{Token: common.HexToAddress(token), NextID: uint64(nextID)}
		p.TotalShares, _ = decimal.NewFromString(totalShares)
		p.PoolCollateral, _ = decimal.NewFromString(poolCollateral)
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e *model.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, kind, token, deposit_id, owner, actor, collateral, stable, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9)`,
		e.ID, string(e.Kind), e.Token.Hex(), int64(e.DepositID),
		e.Owner.Hex(), e.Actor.Hex(),
		e.Collateral.String(), e.Stable.String(),
		e.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListEventsByOwner(ctx context.Context, owner common.Address) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, token, deposit_id, owner, actor, collateral::TEXT, stable::TEXT, timestamp
		 FROM events WHERE owner = $1 ORDER BY timestamp`, owner.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) ListEventsByDeposit(ctx context.Context, token common.Address, id uint64) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, token, deposit_id, owner, actor, collateral::TEXT, stable::TEXT, timestamp
		 FROM events WHERE token = $1 AND deposit_id = $2 ORDER BY timestamp`, token.Hex(), int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// pgxRows is the subset of pgx.Rows the scan helpers need.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

type pgxRow interface {
	Scan(dest ...any) error
}

func scanDeposit(row pgxRow) (*model.DepositRecord, error) {
	var r model.DepositRecord
	var token, owner, status string
	var id int64
	var collateral, shares, minted, borrowed string

	if err := row.Scan(&token, &id, &owner,
		&collateral, &shares, &minted, &borrowed,
		&r.DurationDays, &r.DepositedAt, &r.MaturesAt, &r.AutoRestake, &status); err != nil {
		return nil, err
	}

	r.Token = common.HexToAddress(token)
	r.ID = uint64(id)
	r.Owner = common.HexToAddress(owner)
	r.Status = model.Status(status)
	r.CollateralAmount, _ = decimal.NewFromString(collateral)
	r.ShareAmount, _ = decimal.NewFromString(shares)
	r.MintedDebt, _ = decimal.NewFromString(minted)
	r.BorrowedDebt, _ = decimal.NewFromString(borrowed)
	return &r, nil
}

func scanDeposits(rows pgxRows) ([]model.DepositRecord, error) {
	var recs []model.DepositRecord
	for rows.Next() {
		r, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *r)
	}
	return recs, rows.Err()
}

func scanEvents(rows pgxRows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var kind, token, owner, actor, collateral, stable string
		var depositID int64

		if err := rows.Scan(&e.ID, &kind, &token, &depositID, &owner, &actor,
			&collateral, &stable, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Kind = model.EventKind(kind)
		e.Token = common.HexToAddress(token)
		e.DepositID = uint64(depositID)
		e.Owner = common.HexToAddress(owner)
		e.Actor = common.HexToAddress(actor)
		e.Collateral, _ = decimal.NewFromString(collateral)
		e.Stable, _ = decimal.NewFromString(stable)

		events = append(events, e)
	}
	return events, rows.Err()
}

// Migrate creates the tables the store needs if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS deposits (
    token TEXT NOT NULL,
    id BIGINT NOT NULL,
    owner TEXT NOT NULL,
    collateral_amount NUMERIC NOT NULL,
    share_amount NUMERIC NOT NULL,
    minted_debt NUMERIC NOT NULL,
    borrowed_debt NUMERIC NOT NULL,
    duration_days INTEGER NOT NULL,
    deposited_at TIMESTAMPTZ NOT NULL,
    matures_at TIMESTAMPTZ NOT NULL,
    auto_restake BOOLEAN NOT NULL,
    status TEXT NOT NULL,
    PRIMARY KEY (token, id)
);
CREATE INDEX IF NOT EXISTS idx_deposits_owner ON deposits(owner);

CREATE TABLE IF NOT EXISTS pools (
    token TEXT PRIMARY KEY,
    total_shares NUMERIC NOT NULL,
    pool_collateral NUMERIC NOT NULL,
    next_id BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    token TEXT NOT NULL,
    deposit_id BIGINT NOT NULL,
    owner TEXT NOT NULL,
    actor TEXT NOT NULL,
    collateral NUMERIC NOT NULL,
    stable NUMERIC NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_owner ON events(owner, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_deposit ON events(token, deposit_id, timestamp);
`
