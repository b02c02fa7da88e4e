package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stablevault/cdp-engine/internal/fixedpoint"
	"github.com/stablevault/cdp-engine/internal/metrics"
	"github.com/stablevault/cdp-engine/internal/model"
)

// ClaimResult is the outcome of ClaimCollateral.
type ClaimResult struct {
	Settlement   model.Settlement     `json:"settlement"`
	Restaked     *model.DepositRecord `json:"restaked,omitempty"` // set when the claim re-deposited
	StableBurned decimal.Decimal      `json:"stable_burned"`
	StableMinted decimal.Decimal      `json:"stable_minted"`
}

// TopUpResult is the outcome of AddCollateralForLiquidate.
type TopUpResult struct {
	Record       model.DepositRecord `json:"record"`
	StableBurned decimal.Decimal     `json:"stable_burned"`
}

// DepositCollateral moves amount of tok from caller into the vault, charging
// the deposit fee when enabled, and mints the oracle value of the net amount
// to recipient. The escrow is fee-exempt.
func (p *Protocol) DepositCollateral(ctx context.Context, caller, tok common.Address, amount decimal.Decimal, durationDays int, recipient common.Address, autoRestake bool) (rec model.DepositRecord, err error) {
	defer p.observe("deposit", time.Now(), &err)

	p.mu.Lock()
	defer p.mu.Unlock()

	m, err := p.allowed(tok)
	if err != nil {
		return model.DepositRecord{}, err
	}
	if recipient == (common.Address{}) {
		return model.DepositRecord{}, fmt.Errorf("%w: recipient", ErrInvalidAddress)
	}
	decimals := m.collateral.Decimals()
	if err := fixedpoint.Validate(amount, decimals); err != nil {
		return model.DepositRecord{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	fee := decimal.Zero
	if m.feeEnabled && caller != p.escrow {
		fee = fixedpoint.PerMilleOf(amount, m.feeRate, decimals)
	}
	net := amount.Sub(fee)
	if err := m.vault.ValidateDeposit(net, durationDays); err != nil {
		return model.DepositRecord{}, err
	}
	if err := requireBalance("collateral", m.collateral.BalanceOf(caller), amount, caller); err != nil {
		return model.DepositRecord{}, err
	}
	value, err := m.oracle.ValueOf(ctx, net)
	if err != nil {
		return model.DepositRecord{}, fmt.Errorf("price %s: %w", tok.Hex(), err)
	}
	value = value.Truncate(p.stable.Decimals())

	// Commit. Pull the whole amount before the fee leg; custody is only
	// debited under p.mu.
	custody := m.vault.Custody()
	if err := m.collateral.Transfer(caller, custody, amount); err != nil {
		return model.DepositRecord{}, err
	}
	if fee.IsPositive() {
		if err := m.collateral.Transfer(custody, p.rewardsPool, fee); err != nil {
			m.collateral.Transfer(custody, caller, amount)
			return model.DepositRecord{}, err
		}
	}
	rec, err = m.vault.Deposit(recipient, net, durationDays, autoRestake)
	if err != nil {
		return model.DepositRecord{}, err
	}
	if err := m.vault.SetMintedDebt(rec.ID, value); err != nil {
		return model.DepositRecord{}, err
	}
	rec.MintedDebt = value
	if err := p.mint(recipient, value); err != nil {
		return model.DepositRecord{}, err
	}

	p.commit(ctx, tok, m, []model.DepositRecord{rec}, []model.Event{
		p.event(model.EventDeposit, rec, caller, net, value),
	})

	metrics.OperationsTotal.WithLabelValues("deposit", tok.Hex()).Inc()
	if fee.IsPositive() {
		metrics.FeesCollected.WithLabelValues(tok.Hex()).Add(fee.InexactFloat64())
	}
	metrics.StableMinted.WithLabelValues(tok.Hex()).Add(value.InexactFloat64())

	slog.Info("deposit created",
		"token", tok.Hex(),
		"id", rec.ID,
		"owner", recipient.Hex(),
		"caller", caller.Hex(),
		"amount", amount.String(),
		"fee", fee.String(),
		"shares", rec.ShareAmount.String(),
		"minted", value.String(),
		"duration_days", durationDays,
		"auto_restake", autoRestake,
	)
	return rec, nil
}

// BorrowStable mints amount of Stable to the owner of record id against the
// appreciation of its collateral since the last debt update.
func (p *Protocol) BorrowStable(ctx context.Context, caller, tok common.Address, id uint64, amount decimal.Decimal) (rec model.DepositRecord, err error) {
	defer p.observe("borrow", time.Now(), &err)

	p.mu.Lock()
	defer p.mu.Unlock()

	m, err := p.allowed(tok)
	if err != nil {
		return model.DepositRecord{}, err
	}
	if err := fixedpoint.Validate(amount, p.stable.Decimals()); err != nil {
		return model.DepositRecord{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	rec, err = m.vault.Record(id)
	if err != nil {
		return model.DepositRecord{}, err
	}
	value, err := m.oracle.ValueOf(ctx, rec.CollateralAmount)
	if err != nil {
		return model.DepositRecord{}, fmt.Errorf("price %s: %w", tok.Hex(), err)
	}
	if err := m.vault.CheckBorrow(id, caller, amount, value); err != nil {
		return model.DepositRecord{}, err
	}

	// Commit.
	if err := m.vault.RecordBorrow(id, amount); err != nil {
		return model.DepositRecord{}, err
	}
	if err := p.mint(caller, amount); err != nil {
		return model.DepositRecord{}, err
	}
	rec, _ = m.vault.Record(id)

	p.commit(ctx, tok, m, []model.DepositRecord{rec}, []model.Event{
		p.event(model.EventBorrow, rec, caller, decimal.Zero, amount),
	})

	metrics.OperationsTotal.WithLabelValues("borrow", tok.Hex()).Inc()
	metrics.StableMinted.WithLabelValues(tok.Hex()).Add(amount.InexactFloat64())

	slog.Info("stable borrowed",
		"token", tok.Hex(),
		"id", id,
		"owner", caller.Hex(),
		"amount", amount.String(),
		"collateral_value", value.String(),
		"debt", rec.Debt().String(),
	)
	return rec, nil
}

// ClaimCollateral settles record id for caller. The owner may claim from
// maturity on; anyone may liquidate once the grace window has elapsed. The
// caller burns the record's full debt and receives its settled collateral,
// unless the owner claims an auto-restake record: then the collateral is
// re-deposited in place and only the difference between the old debt and
// the new record's value is minted or burned. Restake requires the vault to
// still be allow-listed.
func (p *Protocol) ClaimCollateral(ctx context.Context, caller, tok common.Address, id uint64) (res ClaimResult, err error) {
	defer p.observe("claim", time.Now(), &err)

	p.mu.Lock()
	defer p.mu.Unlock()

	m, err := p.registered(tok)
	if err != nil {
		return ClaimResult{}, err
	}
	s, err := m.vault.PreviewClaim(id, caller)
	if err != nil {
		return ClaimResult{}, err
	}
	// A vault removed from the allow-list takes no new records, so its
	// auto-restake records pay out like plain claims.
	if s.Record.AutoRestake && !s.Liquidated && m.enabled {
		return p.restake(ctx, caller, tok, m, s)
	}

	if err := requireBalance("stable", p.stable.BalanceOf(caller), s.DebtOwed, caller); err != nil {
		return ClaimResult{}, err
	}
	custody := m.vault.Custody()
	if err := requireBalance("collateral", m.collateral.BalanceOf(custody), s.CollateralOut, custody); err != nil {
		return ClaimResult{}, err
	}

	// Commit.
	s, err = m.vault.SettleClaim(id, caller)
	if err != nil {
		return ClaimResult{}, err
	}
	if err := p.burn(caller, s.DebtOwed); err != nil {
		return ClaimResult{}, err
	}
	if s.CollateralOut.IsPositive() {
		if err := m.collateral.Transfer(custody, caller, s.CollateralOut); err != nil {
			return ClaimResult{}, err
		}
	}

	kind, op, msg := model.EventClaim, "claim", "deposit claimed"
	if s.Liquidated {
		kind, op, msg = model.EventLiquidate, "liquidate", "deposit liquidated"
	}
	p.commit(ctx, tok, m, []model.DepositRecord{s.Record}, []model.Event{
		p.event(kind, s.Record, caller, s.CollateralOut, s.DebtOwed.Neg()),
	})

	metrics.OperationsTotal.WithLabelValues(op, tok.Hex()).Inc()
	metrics.StableBurned.WithLabelValues(tok.Hex()).Add(s.DebtOwed.InexactFloat64())

	slog.Info(msg,
		"token", tok.Hex(),
		"id", id,
		"owner", s.Record.Owner.Hex(),
		"claimant", caller.Hex(),
		"collateral_out", s.CollateralOut.String(),
		"debt_burned", s.DebtOwed.String(),
	)
	return ClaimResult{Settlement: s, StableBurned: s.DebtOwed, StableMinted: decimal.Zero}, nil
}

// restake settles an auto-restake record and re-deposits its collateral
// into a new record for the same owner. Collateral never leaves custody.
func (p *Protocol) restake(ctx context.Context, caller, tok common.Address, m *market, s model.Settlement) (ClaimResult, error) {
	days := m.vault.ClampDuration(s.Record.DurationDays)
	if err := m.vault.ValidateDeposit(s.CollateralOut, days); err != nil {
		return ClaimResult{}, err
	}
	value, err := m.oracle.ValueOf(ctx, s.CollateralOut)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("price %s: %w", tok.Hex(), err)
	}
	value = value.Truncate(p.stable.Decimals())

	delta := value.Sub(s.DebtOwed)
	toBurn := fixedpoint.SubFloor(s.DebtOwed, value)
	toMint := fixedpoint.SubFloor(value, s.DebtOwed)
	if err := requireBalance("stable", p.stable.BalanceOf(caller), toBurn, caller); err != nil {
		return ClaimResult{}, err
	}

	// Commit.
	s, err = m.vault.SettleClaim(s.Record.ID, caller)
	if err != nil {
		return ClaimResult{}, err
	}
	next, err := m.vault.Deposit(s.Record.Owner, s.CollateralOut, days, true)
	if err != nil {
		return ClaimResult{}, err
	}
	if err := m.vault.SetMintedDebt(next.ID, value); err != nil {
		return ClaimResult{}, err
	}
	next.MintedDebt = value
	if err := p.burn(caller, toBurn); err != nil {
		return ClaimResult{}, err
	}
	if err := p.mint(caller, toMint); err != nil {
		return ClaimResult{}, err
	}

	p.commit(ctx, tok, m, []model.DepositRecord{s.Record, next}, []model.Event{
		p.event(model.EventClaim, s.Record, caller, s.CollateralOut, s.DebtOwed.Neg()),
		p.event(model.EventRestake, next, caller, s.CollateralOut, value),
	})

	metrics.OperationsTotal.WithLabelValues("restake", tok.Hex()).Inc()
	if toMint.IsPositive() {
		metrics.StableMinted.WithLabelValues(tok.Hex()).Add(toMint.InexactFloat64())
	}
	if toBurn.IsPositive() {
		metrics.StableBurned.WithLabelValues(tok.Hex()).Add(toBurn.InexactFloat64())
	}

	slog.Info("deposit restaked",
		"token", tok.Hex(),
		"id", s.Record.ID,
		"new_id", next.ID,
		"owner", caller.Hex(),
		"collateral", s.CollateralOut.String(),
		"old_debt", s.DebtOwed.String(),
		"new_debt", value.String(),
		"stable_delta", delta.String(),
	)
	return ClaimResult{Settlement: s, Restaked: &next, StableBurned: toBurn, StableMinted: toMint}, nil
}

// AddCollateralForLiquidate strengthens record id with amount of extra
// collateral and restarts its maturity at now + durationDays. When the
// record's debt exceeds the value of its enlarged collateral, the excess
// Stable is burned from the owner.
func (p *Protocol) AddCollateralForLiquidate(ctx context.Context, caller, tok common.Address, id uint64, amount decimal.Decimal, durationDays int) (res TopUpResult, err error) {
	defer p.observe("top_up", time.Now(), &err)

	p.mu.Lock()
	defer p.mu.Unlock()

	m, err := p.allowed(tok)
	if err != nil {
		return TopUpResult{}, err
	}
	next, err := m.vault.PreviewAddCollateral(id, caller, amount, durationDays)
	if err != nil {
		return TopUpResult{}, err
	}
	if err := requireBalance("collateral", m.collateral.BalanceOf(caller), amount, caller); err != nil {
		return TopUpResult{}, err
	}
	value, err := m.oracle.ValueOf(ctx, next.CollateralAmount)
	if err != nil {
		return TopUpResult{}, fmt.Errorf("price %s: %w", tok.Hex(), err)
	}
	burn := fixedpoint.SubFloor(next.Debt(), value).Truncate(p.stable.Decimals())
	if err := requireBalance("stable", p.stable.BalanceOf(caller), burn, caller); err != nil {
		return TopUpResult{}, err
	}

	// Commit. Token legs run first; the vault is only touched once both
	// have succeeded.
	custody := m.vault.Custody()
	if err := m.collateral.Transfer(caller, custody, amount); err != nil {
		return TopUpResult{}, err
	}
	if err := p.burn(caller, burn); err != nil {
		m.collateral.Transfer(custody, caller, amount)
		return TopUpResult{}, err
	}
	if _, err := m.vault.AddCollateral(id, caller, amount, durationDays); err != nil {
		return TopUpResult{}, err
	}
	if burn.IsPositive() {
		if err := m.vault.ReduceDebt(id, burn); err != nil {
			return TopUpResult{}, err
		}
	}
	rec, _ := m.vault.Record(id)

	p.commit(ctx, tok, m, []model.DepositRecord{rec}, []model.Event{
		p.event(model.EventTopUp, rec, caller, amount, burn.Neg()),
	})

	metrics.OperationsTotal.WithLabelValues("top_up", tok.Hex()).Inc()
	if burn.IsPositive() {
		metrics.StableBurned.WithLabelValues(tok.Hex()).Add(burn.InexactFloat64())
	}

	slog.Info("collateral added",
		"token", tok.Hex(),
		"id", id,
		"owner", caller.Hex(),
		"amount", amount.String(),
		"shares", rec.ShareAmount.String(),
		"stable_burned", burn.String(),
		"matures_at", rec.MaturesAt,
	)
	return TopUpResult{Record: rec, StableBurned: burn}, nil
}

// DistributeYield moves amount of collateral from the owner into a vault's
// custody without issuing shares, raising the share price of every record.
func (p *Protocol) DistributeYield(ctx context.Context, caller, tok common.Address, amount decimal.Decimal) (pool model.PoolState, err error) {
	defer p.observe("yield", time.Now(), &err)

	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.owner {
		return model.PoolState{}, ErrUnauthorized
	}
	m, err := p.registered(tok)
	if err != nil {
		return model.PoolState{}, err
	}
	if err := fixedpoint.Validate(amount, m.collateral.Decimals()); err != nil {
		return model.PoolState{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if err := requireBalance("collateral", m.collateral.BalanceOf(caller), amount, caller); err != nil {
		return model.PoolState{}, err
	}

	// Commit.
	if err := m.collateral.Transfer(caller, m.vault.Custody(), amount); err != nil {
		return model.PoolState{}, err
	}
	if err := m.vault.AccrueYield(amount); err != nil {
		return model.PoolState{}, err
	}
	pool = m.vault.Pool()

	p.commit(ctx, tok, m, nil, []model.Event{{
		ID:         uuid.NewString(),
		Kind:       model.EventYield,
		Token:      tok,
		Actor:      caller,
		Collateral: amount,
		Stable:     decimal.Zero,
		Timestamp:  p.now().UTC(),
	}})

	metrics.OperationsTotal.WithLabelValues("yield", tok.Hex()).Inc()

	slog.Info("yield distributed",
		"token", tok.Hex(),
		"amount", amount.String(),
		"pool_collateral", pool.PoolCollateral.String(),
		"total_shares", pool.TotalShares.String(),
	)
	return pool, nil
}

// --- helpers ---

func (p *Protocol) mint(to common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	return p.stable.Mint(p.address, to, amount)
}

func (p *Protocol) burn(from common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	return p.stable.BurnFrom(p.address, from, amount)
}

func requireBalance(asset string, have, need decimal.Decimal, holder common.Address) error {
	if have.LessThan(need) {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", ErrInsufficientBalance, holder.Hex(), have, asset, need)
	}
	return nil
}

func (p *Protocol) event(kind model.EventKind, rec model.DepositRecord, actor common.Address, collateral, stable decimal.Decimal) model.Event {
	return model.Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		Token:      rec.Token,
		DepositID:  rec.ID,
		Owner:      rec.Owner,
		Actor:      actor,
		Collateral: collateral,
		Stable:     stable,
		Timestamp:  p.now().UTC(),
	}
}

// commit projects committed ledger state to the store and publishes the
// events. Store failures are logged and counted; the ledger is not rolled
// back.
func (p *Protocol) commit(ctx context.Context, tok common.Address, m *market, recs []model.DepositRecord, events []model.Event) {
	ctx = context.WithoutCancel(ctx)

	for i := range recs {
		if err := p.store.SaveDeposit(ctx, &recs[i]); err != nil {
			persistFailed("save deposit", err, "token", tok.Hex(), "id", recs[i].ID)
		}
	}
	pool := m.vault.Pool()
	if err := p.store.SavePool(ctx, &pool); err != nil {
		persistFailed("save pool", err, "token", tok.Hex())
	}
	for i := range events {
		if err := p.store.InsertEvent(ctx, &events[i]); err != nil {
			persistFailed("insert event", err, "event", events[i].ID, "kind", string(events[i].Kind))
		}
	}

	p.updateGauges(tok, m)
	if p.notifier != nil {
		for _, e := range events {
			p.notifier.Publish(e)
		}
	}
}

func persistFailed(what string, err error, attrs ...any) {
	metrics.PersistFailures.Inc()
	slog.Error("persist failed", append([]any{"op", what, "err", err}, attrs...)...)
}

func (p *Protocol) updateGauges(tok common.Address, m *market) {
	pool := m.vault.Pool()
	metrics.PoolCollateral.WithLabelValues(tok.Hex()).Set(pool.PoolCollateral.InexactFloat64())
	metrics.TotalShares.WithLabelValues(tok.Hex()).Set(pool.TotalShares.InexactFloat64())
	metrics.StableSupply.Set(p.stable.TotalSupply().InexactFloat64())
}

func (p *Protocol) observe(op string, start time.Time, err *error) {
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if *err != nil {
		metrics.RejectionsTotal.WithLabelValues(op).Inc()
	}
}
