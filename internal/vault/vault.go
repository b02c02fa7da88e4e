// Package vault is the authoritative ledger of deposit records, shares and
// pooled collateral for one collateral token.
//
// A Vault performs no token movement; the protocol moves collateral and
// Stable and is the only caller of the mutators. Every mutator validates all
// of its preconditions before touching state, so a returned error always
// means nothing changed.
//
// A Vault is not safe for concurrent use. The protocol serializes access.
package vault

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/stablevault/cdp-engine/internal/fixedpoint"
	"github.com/stablevault/cdp-engine/internal/model"
)

var (
	ErrInvalidAmount   = errors.New("vault: invalid amount")
	ErrInvalidDuration = errors.New("vault: invalid duration")
	ErrNotMatured      = errors.New("vault: before maturity")
	ErrNotLiquidable   = errors.New("vault: not proper claimer")
	ErrNotOwner        = errors.New("vault: not correct depositor")
	ErrNoHeadroom      = errors.New("vault: borrow exceeds price-implied headroom")
	ErrDepositNotFound = errors.New("vault: deposit not found")
	ErrDepositClosed   = errors.New("vault: deposit already settled")
	ErrPoolInsolvent   = errors.New("vault: pool holds shares but no collateral")
	ErrInvalidConfig   = errors.New("vault: invalid configuration")
)

// Day is the unit deposit durations are expressed in.
const Day = 24 * time.Hour

// Valuer converts a collateral amount to its Stable value at the current
// price. The protocol passes a closure over its price oracle.
type Valuer func(collateral decimal.Decimal) (decimal.Decimal, error)

// Config describes one vault.
type Config struct {
	Token           common.Address // collateral token
	Custody         common.Address // account holding the pooled collateral
	Decimals        int32          // collateral decimals
	MinDurationDays int
	MaxDurationDays int
	Grace           time.Duration // window after maturity reserved to the owner
}

func (c Config) validate() error {
	if c.MinDurationDays <= 0 || c.MaxDurationDays < c.MinDurationDays {
		return fmt.Errorf("%w: duration bounds [%d, %d]", ErrInvalidConfig, c.MinDurationDays, c.MaxDurationDays)
	}
	if c.Grace < 0 {
		return fmt.Errorf("%w: negative grace period", ErrInvalidConfig)
	}
	if c.Decimals < 0 {
		return fmt.Errorf("%w: negative decimals", ErrInvalidConfig)
	}
	return nil
}

// ledger is the vault's owned state: pool aggregates plus every record
// ever created, indexed by owner for the active ones.
type ledger struct {
	pool    model.PoolState
	records map[uint64]*model.DepositRecord
	active  map[common.Address][]uint64
}

func newLedger(token common.Address) *ledger {
	return &ledger{
		pool: model.PoolState{
			Token:          token,
			TotalShares:    decimal.Zero,
			PoolCollateral: decimal.Zero,
			NextID:         1,
		},
		records: make(map[uint64]*model.DepositRecord),
		active:  make(map[common.Address][]uint64),
	}
}

// Vault holds the share accounting of one collateral token.
type Vault struct {
	cfg    Config
	now    func() time.Time
	ledger *ledger
}

// New creates an empty vault. now supplies the current time; pass nil for
// time.Now.
func New(cfg Config, now func() time.Time) (*Vault, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Vault{
		cfg:    cfg,
		now:    now,
		ledger: newLedger(cfg.Token),
	}, nil
}

// Token returns the collateral token this vault accounts for.
func (v *Vault) Token() common.Address { return v.cfg.Token }

// Custody returns the account that holds the pooled collateral.
func (v *Vault) Custody() common.Address { return v.cfg.Custody }

// Decimals returns the collateral decimals.
func (v *Vault) Decimals() int32 { return v.cfg.Decimals }

// Grace returns the grace window after maturity.
func (v *Vault) Grace() time.Duration { return v.cfg.Grace }

// DurationBounds returns the accepted deposit duration range in days.
func (v *Vault) DurationBounds() (minDays, maxDays int) {
	return v.cfg.MinDurationDays, v.cfg.MaxDurationDays
}

// SetDurationBounds replaces the accepted duration range. Existing records
// keep their maturity.
func (v *Vault) SetDurationBounds(minDays, maxDays int) error {
	next := v.cfg
	next.MinDurationDays, next.MaxDurationDays = minDays, maxDays
	if err := next.validate(); err != nil {
		return err
	}
	v.cfg = next
	return nil
}

// Pool returns a copy of the pool aggregates.
func (v *Vault) Pool() model.PoolState {
	return v.ledger.pool
}

// Record returns a copy of the record with the given id, active or not.
func (v *Vault) Record(id uint64) (model.DepositRecord, error) {
	rec, ok := v.ledger.records[id]
	if !ok {
		return model.DepositRecord{}, fmt.Errorf("%w: %d", ErrDepositNotFound, id)
	}
	return *rec, nil
}

// ValidateDeposit checks the preconditions of Deposit without mutating.
func (v *Vault) ValidateDeposit(amount decimal.Decimal, durationDays int) error {
	if err := v.validateAmount(amount); err != nil {
		return err
	}
	if err := v.validateDuration(durationDays); err != nil {
		return err
	}
	_, err := v.sharesFor(amount)
	return err
}

// ClampDuration returns durationDays moved inside the current bounds.
func (v *Vault) ClampDuration(durationDays int) int {
	return min(max(durationDays, v.cfg.MinDurationDays), v.cfg.MaxDurationDays)
}

// Deposit creates a record for owner, issuing shares at the running share
// price. MintedDebt is left zero; the protocol fills it in with SetMintedDebt
// once it has the oracle quote.
func (v *Vault) Deposit(owner common.Address, amount decimal.Decimal, durationDays int, autoRestake bool) (model.DepositRecord, error) {
	if err := v.validateAmount(amount); err != nil {
		return model.DepositRecord{}, err
	}
	if err := v.validateDuration(durationDays); err != nil {
		return model.DepositRecord{}, err
	}
	shares, err := v.sharesFor(amount)
	if err != nil {
		return model.DepositRecord{}, err
	}

	now := v.now().UTC()
	l := v.ledger
	rec := &model.DepositRecord{
		ID:               l.pool.NextID,
		Token:            v.cfg.Token,
		Owner:            owner,
		CollateralAmount: amount,
		ShareAmount:      shares,
		MintedDebt:       decimal.Zero,
		BorrowedDebt:     decimal.Zero,
		DurationDays:     durationDays,
		DepositedAt:      now,
		MaturesAt:        now.Add(time.Duration(durationDays) * Day),
		AutoRestake:      autoRestake,
		Status:           model.StatusActive,
	}

	l.pool.NextID++
	l.pool.TotalShares = l.pool.TotalShares.Add(shares)
	l.pool.PoolCollateral = l.pool.PoolCollateral.Add(amount)
	l.records[rec.ID] = rec
	l.active[owner] = append(l.active[owner], rec.ID)

	return *rec, nil
}

// SetMintedDebt records the Stable minted against a fresh deposit.
func (v *Vault) SetMintedDebt(id uint64, amount decimal.Decimal) error {
	rec, err := v.activeRecord(id)
	if err != nil {
		return err
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: negative debt", ErrInvalidAmount)
	}
	rec.MintedDebt = amount
	return nil
}

// ShareBalance returns the sum of shares across owner's active records.
func (v *Vault) ShareBalance(owner common.Address) decimal.Decimal {
	total := decimal.Zero
	for rec := range v.ActiveRecords(owner) {
		total = total.Add(rec.ShareAmount)
	}
	return total
}

// ActiveRecords yields copies of owner's active records in deposit order.
// The sequence is computed fresh on every iteration.
func (v *Vault) ActiveRecords(owner common.Address) iter.Seq[model.DepositRecord] {
	return func(yield func(model.DepositRecord) bool) {
		for _, id := range v.ledger.active[owner] {
			if !yield(*v.ledger.records[id]) {
				return
			}
		}
	}
}

// AllActive yields copies of every active record in id order.
func (v *Vault) AllActive() iter.Seq[model.DepositRecord] {
	return func(yield func(model.DepositRecord) bool) {
		for id := uint64(1); id < v.ledger.pool.NextID; id++ {
			rec, ok := v.ledger.records[id]
			if !ok || !rec.Active() {
				continue
			}
			if !yield(*rec) {
				return
			}
		}
	}
}

// CollateralValue returns the claimable collateral of a record at the
// current share price: shareAmount * poolCollateral / totalShares.
func (v *Vault) CollateralValue(rec model.DepositRecord) decimal.Decimal {
	out, err := fixedpoint.MulDiv(rec.ShareAmount, v.ledger.pool.PoolCollateral, v.ledger.pool.TotalShares, v.cfg.Decimals)
	if err != nil {
		return decimal.Zero
	}
	return out
}

// Headroom returns how much more Stable can be borrowed against rec given
// the current value of its collateral. Records past their grace window have
// no headroom.
func (v *Vault) Headroom(rec model.DepositRecord, currentValue decimal.Decimal) decimal.Decimal {
	if !rec.Active() || v.liquidable(rec) {
		return decimal.Zero
	}
	return fixedpoint.SubFloor(currentValue, rec.Debt())
}

// Borrowable reports the headroom of each of owner's active records. A
// record whose collateral value has not risen above its debt yields zero.
func (v *Vault) Borrowable(owner common.Address, valueOf Valuer) ([]model.BorrowableAmount, error) {
	var out []model.BorrowableAmount
	for rec := range v.ActiveRecords(owner) {
		value, err := valueOf(rec.CollateralAmount)
		if err != nil {
			return nil, fmt.Errorf("value deposit %d: %w", rec.ID, err)
		}
		out = append(out, model.BorrowableAmount{
			DepositID: rec.ID,
			Amount:    v.Headroom(rec, value),
		})
	}
	return out, nil
}

// CheckBorrow validates a borrow of amount against record id by caller,
// given the current value of the record's collateral.
func (v *Vault) CheckBorrow(id uint64, caller common.Address, amount, currentValue decimal.Decimal) error {
	rec, err := v.activeRecord(id)
	if err != nil {
		return err
	}
	if rec.Owner != caller {
		return ErrNotOwner
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: borrow must be positive", ErrInvalidAmount)
	}
	headroom := v.Headroom(*rec, currentValue)
	if amount.GreaterThan(headroom) {
		return fmt.Errorf("%w: requested %s, available %s", ErrNoHeadroom, amount, headroom)
	}
	return nil
}

// RecordBorrow adds amount to the record's borrowed debt. The caller is
// responsible for the headroom check (see CheckBorrow).
func (v *Vault) RecordBorrow(id uint64, amount decimal.Decimal) error {
	rec, err := v.activeRecord(id)
	if err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: borrow must be positive", ErrInvalidAmount)
	}
	rec.BorrowedDebt = rec.BorrowedDebt.Add(amount)
	return nil
}

// ReduceDebt lowers the record's debt by amount, taking it from borrowed
// debt first and minted debt second.
func (v *Vault) ReduceDebt(id uint64, amount decimal.Decimal) error {
	rec, err := v.activeRecord(id)
	if err != nil {
		return err
	}
	if amount.IsNegative() || amount.GreaterThan(rec.Debt()) {
		return fmt.Errorf("%w: cannot reduce debt %s by %s", ErrInvalidAmount, rec.Debt(), amount)
	}
	fromBorrowed := fixedpoint.Min(amount, rec.BorrowedDebt)
	rec.BorrowedDebt = rec.BorrowedDebt.Sub(fromBorrowed)
	rec.MintedDebt = rec.MintedDebt.Sub(amount.Sub(fromBorrowed))
	return nil
}

// Liquidable yields every active record that has reached maturity, in id
// order, annotated with whether its grace window has elapsed.
func (v *Vault) Liquidable() iter.Seq[model.LiquidableDeposit] {
	return func(yield func(model.LiquidableDeposit) bool) {
		now := v.now()
		for rec := range v.AllActive() {
			if now.Before(rec.MaturesAt) {
				continue
			}
			ld := model.LiquidableDeposit{
				DepositID:        rec.ID,
				Owner:            rec.Owner,
				CollateralAmount: rec.CollateralAmount,
				ShareAmount:      rec.ShareAmount,
				MintedDebt:       rec.MintedDebt,
				BorrowedDebt:     rec.BorrowedDebt,
				MaturesAt:        rec.MaturesAt,
				GraceEndsAt:      rec.MaturesAt.Add(v.cfg.Grace),
				Liquidable:       v.liquidable(rec),
			}
			if !yield(ld) {
				return
			}
		}
	}
}

// PreviewClaim validates a settlement of record id by claimant and returns
// what SettleClaim would produce, without mutating.
func (v *Vault) PreviewClaim(id uint64, claimant common.Address) (model.Settlement, error) {
	rec, err := v.activeRecord(id)
	if err != nil {
		return model.Settlement{}, err
	}
	if v.now().Before(rec.MaturesAt) {
		return model.Settlement{}, ErrNotMatured
	}
	liquidation := claimant != rec.Owner
	if liquidation && !v.liquidable(*rec) {
		return model.Settlement{}, ErrNotLiquidable
	}

	out, err := fixedpoint.MulDiv(rec.ShareAmount, v.ledger.pool.PoolCollateral, v.ledger.pool.TotalShares, v.cfg.Decimals)
	if err != nil {
		return model.Settlement{}, fmt.Errorf("%w: %v", ErrPoolInsolvent, err)
	}

	settled := *rec
	settled.Status = model.StatusClaimed
	if liquidation {
		settled.Status = model.StatusLiquidated
	}
	return model.Settlement{
		Record:        settled,
		Claimant:      claimant,
		CollateralOut: out,
		DebtOwed:      rec.Debt(),
		Liquidated:    liquidation,
	}, nil
}

// SettleClaim settles record id for claimant: the owner after maturity, or
// anyone once the grace window has elapsed. The record's shares and
// collateral leave the pool and the record becomes terminal.
func (v *Vault) SettleClaim(id uint64, claimant common.Address) (model.Settlement, error) {
	s, err := v.PreviewClaim(id, claimant)
	if err != nil {
		return model.Settlement{}, err
	}

	l := v.ledger
	rec := l.records[id]
	l.pool.TotalShares = l.pool.TotalShares.Sub(rec.ShareAmount)
	l.pool.PoolCollateral = l.pool.PoolCollateral.Sub(s.CollateralOut)
	rec.Status = s.Record.Status
	v.removeActive(rec.Owner, id)

	return s, nil
}

// PreviewAddCollateral validates a top-up and returns the record as it would
// look afterwards, without mutating.
func (v *Vault) PreviewAddCollateral(id uint64, caller common.Address, extra decimal.Decimal, newDurationDays int) (model.DepositRecord, error) {
	rec, err := v.activeRecord(id)
	if err != nil {
		return model.DepositRecord{}, err
	}
	if rec.Owner != caller {
		return model.DepositRecord{}, ErrNotOwner
	}
	if err := v.validateAmount(extra); err != nil {
		return model.DepositRecord{}, err
	}
	if err := v.validateDuration(newDurationDays); err != nil {
		return model.DepositRecord{}, err
	}
	shares, err := v.sharesFor(extra)
	if err != nil {
		return model.DepositRecord{}, err
	}

	next := *rec
	next.CollateralAmount = rec.CollateralAmount.Add(extra)
	next.ShareAmount = rec.ShareAmount.Add(shares)
	next.DurationDays = newDurationDays
	next.MaturesAt = v.now().UTC().Add(time.Duration(newDurationDays) * Day)
	return next, nil
}

// AddCollateral strengthens record id with extra collateral issued at the
// current share price and restarts its maturity at now + newDurationDays.
// Only the record's owner may top up.
func (v *Vault) AddCollateral(id uint64, caller common.Address, extra decimal.Decimal, newDurationDays int) (model.DepositRecord, error) {
	next, err := v.PreviewAddCollateral(id, caller, extra, newDurationDays)
	if err != nil {
		return model.DepositRecord{}, err
	}

	l := v.ledger
	rec := l.records[id]
	l.pool.TotalShares = l.pool.TotalShares.Add(next.ShareAmount.Sub(rec.ShareAmount))
	l.pool.PoolCollateral = l.pool.PoolCollateral.Add(extra)
	*rec = next
	return next, nil
}

// AccrueYield grows the pooled collateral without issuing shares, raising
// the share price of every outstanding record.
func (v *Vault) AccrueYield(amount decimal.Decimal) error {
	if err := v.validateAmount(amount); err != nil {
		return err
	}
	v.ledger.pool.PoolCollateral = v.ledger.pool.PoolCollateral.Add(amount)
	return nil
}

// Restore replaces the vault's state with previously persisted pool
// aggregates and records.
func (v *Vault) Restore(pool model.PoolState, records []model.DepositRecord) error {
	if pool.Token != v.cfg.Token {
		return fmt.Errorf("%w: pool token %s does not match vault %s", ErrInvalidConfig, pool.Token.Hex(), v.cfg.Token.Hex())
	}
	l := newLedger(v.cfg.Token)
	l.pool = pool
	if l.pool.NextID == 0 {
		l.pool.NextID = 1
	}

	sorted := slices.Clone(records)
	slices.SortFunc(sorted, func(a, b model.DepositRecord) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	for i := range sorted {
		rec := sorted[i]
		if rec.ID >= l.pool.NextID {
			l.pool.NextID = rec.ID + 1
		}
		l.records[rec.ID] = &rec
		if rec.Active() {
			l.active[rec.Owner] = append(l.active[rec.Owner], rec.ID)
		}
	}
	v.ledger = l
	return nil
}

func (v *Vault) activeRecord(id uint64) (*model.DepositRecord, error) {
	rec, ok := v.ledger.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrDepositNotFound, id)
	}
	if !rec.Active() {
		return nil, fmt.Errorf("%w: %d is %s", ErrDepositClosed, id, rec.Status)
	}
	return rec, nil
}

func (v *Vault) liquidable(rec model.DepositRecord) bool {
	return !v.now().Before(rec.MaturesAt.Add(v.cfg.Grace))
}

// sharesFor prices amount at the running share price. The first deposit
// into an empty pool is issued 1:1.
func (v *Vault) sharesFor(amount decimal.Decimal) (decimal.Decimal, error) {
	pool := v.ledger.pool
	if pool.TotalShares.IsZero() {
		return amount, nil
	}
	if !pool.PoolCollateral.IsPositive() {
		return decimal.Zero, ErrPoolInsolvent
	}
	shares, err := fixedpoint.MulDiv(amount, pool.TotalShares, pool.PoolCollateral, fixedpoint.ShareScale)
	if err != nil {
		return decimal.Zero, err
	}
	if !shares.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s buys no shares", ErrInvalidAmount, amount)
	}
	return shares, nil
}

func (v *Vault) validateAmount(amount decimal.Decimal) error {
	if err := fixedpoint.Validate(amount, v.cfg.Decimals); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return nil
}

func (v *Vault) validateDuration(days int) error {
	if days < v.cfg.MinDurationDays || days > v.cfg.MaxDurationDays {
		return fmt.Errorf("%w: %d days outside [%d, %d]", ErrInvalidDuration, days, v.cfg.MinDurationDays, v.cfg.MaxDurationDays)
	}
	return nil
}

func (v *Vault) removeActive(owner common.Address, id uint64) {
	ids := v.ledger.active[owner]
	ids = slices.DeleteFunc(ids, func(x uint64) bool { return x == id })
	if len(ids) == 0 {
		delete(v.ledger.active, owner)
		return
	}
	v.ledger.active[owner] = ids
}
