package vault

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/stablevault/cdp-engine/internal/model"
)

var (
	collateralToken = common.HexToAddress("0xc0")
	custody         = common.HexToAddress("0xcc")
	alice           = common.HexToAddress("0xa1")
	bob             = common.HexToAddress("0xb0")
	keeper          = common.HexToAddress("0xee")
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time            { return c.t }
func (c *fakeClock) Advance(dur time.Duration) { c.t = c.t.Add(dur) }

func newTestVault(t *testing.T) (*Vault, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	v, err := New(Config{
		Token:           collateralToken,
		Custody:         custody,
		Decimals:        8,
		MinDurationDays: 30,
		MaxDurationDays: 120,
		Grace:           7 * Day,
	}, clock.Now)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v, clock
}

// unitValue values collateral 1:1 in Stable.
func unitValue(c decimal.Decimal) (decimal.Decimal, error) { return c, nil }

func scaledValue(num, den int64) Valuer {
	return func(c decimal.Decimal) (decimal.Decimal, error) {
		return c.Mul(decimal.NewFromInt(num)).Div(decimal.NewFromInt(den)), nil
	}
}

func mustDeposit(t *testing.T, v *Vault, owner common.Address, amount string, days int) model.DepositRecord {
	t.Helper()
	rec, err := v.Deposit(owner, d(amount), days, false)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := v.SetMintedDebt(rec.ID, d(amount)); err != nil {
		t.Fatalf("set minted debt: %v", err)
	}
	rec, _ = v.Record(rec.ID)
	return rec
}

// --- Configuration ---

func TestNew_InvalidBounds(t *testing.T) {
	_, err := New(Config{Token: collateralToken, MinDurationDays: 50, MaxDurationDays: 10}, nil)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestSetDurationBounds(t *testing.T) {
	v, _ := newTestVault(t)
	if err := v.SetDurationBounds(1, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := v.Deposit(alice, d("1"), 20, false); !errors.Is(err, ErrInvalidDuration) {
		t.Errorf("expected ErrInvalidDuration after tightening bounds, got %v", err)
	}
	if err := v.SetDurationBounds(0, 10); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	if lo, hi := v.DurationBounds(); lo != 1 || hi != 10 {
		t.Errorf("bounds should be unchanged after rejected update, got [%d, %d]", lo, hi)
	}
}

// --- Deposit ---

func TestDeposit_FirstDepositIsOneToOne(t *testing.T) {
	v, clock := newTestVault(t)
	rec, err := v.Deposit(alice, d("1000"), 40, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ID != 1 {
		t.Errorf("expected first id 1, got %d", rec.ID)
	}
	if !rec.ShareAmount.Equal(d("1000")) {
		t.Errorf("expected 1000 shares, got %s", rec.ShareAmount)
	}
	if !rec.MintedDebt.IsZero() || !rec.BorrowedDebt.IsZero() {
		t.Errorf("debt should start at zero, got %s / %s", rec.MintedDebt, rec.BorrowedDebt)
	}
	if want := clock.Now().Add(40 * Day); !rec.MaturesAt.Equal(want) {
		t.Errorf("expected maturity %s, got %s", want, rec.MaturesAt)
	}
	pool := v.Pool()
	if !pool.TotalShares.Equal(d("1000")) || !pool.PoolCollateral.Equal(d("1000")) {
		t.Errorf("unexpected pool %+v", pool)
	}
}

func TestDeposit_Rejections(t *testing.T) {
	v, _ := newTestVault(t)
	tests := []struct {
		name    string
		amount  string
		days    int
		wantErr error
	}{
		{"zero amount", "0", 40, ErrInvalidAmount},
		{"negative amount", "-5", 40, ErrInvalidAmount},
		{"too precise", "1.000000001", 40, ErrInvalidAmount},
		{"below min duration", "10", 20, ErrInvalidDuration},
		{"above max duration", "10", 121, ErrInvalidDuration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Deposit(alice, d(tt.amount), tt.days, false); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
	if pool := v.Pool(); !pool.TotalShares.IsZero() || pool.NextID != 1 {
		t.Errorf("rejected deposits must not mutate the pool, got %+v", pool)
	}
}

func TestDeposit_ShareValueEqualsCollateralAtIssuance(t *testing.T) {
	v, _ := newTestVault(t)
	mustDeposit(t, v, alice, "1000", 40)
	if err := v.AccrueYield(d("137.5")); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	for _, amount := range []string{"1", "333.33333333", "2500", "0.12345678"} {
		rec, err := v.Deposit(bob, d(amount), 60, false)
		if err != nil {
			t.Fatalf("deposit %s: %v", amount, err)
		}
		got := v.CollateralValue(rec)
		if got.Sub(d(amount)).Abs().GreaterThan(d("0.00000001")) {
			t.Errorf("deposit %s: share value %s differs from collateral", amount, got)
		}
	}
}

func TestShareBalance(t *testing.T) {
	v, _ := newTestVault(t)
	mustDeposit(t, v, alice, "100", 40)
	mustDeposit(t, v, alice, "50", 50)
	mustDeposit(t, v, bob, "70", 50)

	if got := v.ShareBalance(alice); !got.Equal(d("150")) {
		t.Errorf("expected alice shares 150, got %s", got)
	}
	if got := v.ShareBalance(keeper); !got.IsZero() {
		t.Errorf("expected zero shares, got %s", got)
	}
}

// --- Borrow ---

func TestBorrowable_ZeroWhenPriceUnchanged(t *testing.T) {
	v, _ := newTestVault(t)
	mustDeposit(t, v, alice, "1000", 40)

	amounts, err := v.Borrowable(alice, unitValue)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(amounts) != 1 || !amounts[0].Amount.IsZero() {
		t.Errorf("expected one zero entry, got %+v", amounts)
	}
}

func TestBorrowable_ZeroWhenPriceDropped(t *testing.T) {
	v, _ := newTestVault(t)
	rec := mustDeposit(t, v, alice, "1000", 40)

	amounts, _ := v.Borrowable(alice, scaledValue(8, 10))
	if !amounts[0].Amount.IsZero() {
		t.Errorf("expected zero headroom after price drop, got %s", amounts[0].Amount)
	}
	err := v.CheckBorrow(rec.ID, alice, d("1"), d("800"))
	if !errors.Is(err, ErrNoHeadroom) {
		t.Errorf("expected ErrNoHeadroom, got %v", err)
	}
}

func TestBorrow_AgainstAppreciation(t *testing.T) {
	v, _ := newTestVault(t)
	rec := mustDeposit(t, v, alice, "1000", 40)

	amounts, _ := v.Borrowable(alice, scaledValue(15, 10))
	if !amounts[0].Amount.Equal(d("500")) {
		t.Fatalf("expected 500 headroom, got %s", amounts[0].Amount)
	}

	if err := v.CheckBorrow(rec.ID, bob, d("100"), d("1500")); err != ErrNotOwner {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
	if err := v.CheckBorrow(rec.ID, alice, d("500.01"), d("1500")); !errors.Is(err, ErrNoHeadroom) {
		t.Errorf("expected ErrNoHeadroom, got %v", err)
	}
	if err := v.CheckBorrow(rec.ID, alice, d("500"), d("1500")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	poolBefore := v.Pool()
	if err := v.RecordBorrow(rec.ID, d("500")); err != nil {
		t.Fatalf("record borrow: %v", err)
	}

	got, _ := v.Record(rec.ID)
	if !got.BorrowedDebt.Equal(d("500")) || !got.Debt().Equal(d("1500")) {
		t.Errorf("unexpected debt %s / %s", got.BorrowedDebt, got.Debt())
	}
	if !got.MaturesAt.Equal(rec.MaturesAt) {
		t.Error("borrow must not change maturity")
	}
	if pool := v.Pool(); !pool.TotalShares.Equal(poolBefore.TotalShares) || !pool.PoolCollateral.Equal(poolBefore.PoolCollateral) {
		t.Error("borrow must not touch pool aggregates")
	}

	amounts, _ = v.Borrowable(alice, scaledValue(15, 10))
	if !amounts[0].Amount.IsZero() {
		t.Errorf("headroom should be exhausted, got %s", amounts[0].Amount)
	}
}

func TestBorrowable_ZeroPastGrace(t *testing.T) {
	v, clock := newTestVault(t)
	mustDeposit(t, v, alice, "1000", 40)
	clock.Advance(47 * Day)

	amounts, _ := v.Borrowable(alice, scaledValue(2, 1))
	if !amounts[0].Amount.IsZero() {
		t.Errorf("liquidable record should have no headroom, got %s", amounts[0].Amount)
	}
}

func TestReduceDebt_BorrowedFirst(t *testing.T) {
	v, _ := newTestVault(t)
	rec := mustDeposit(t, v, alice, "1000", 40)
	v.RecordBorrow(rec.ID, d("200"))

	if err := v.ReduceDebt(rec.ID, d("250")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := v.Record(rec.ID)
	if !got.BorrowedDebt.IsZero() || !got.MintedDebt.Equal(d("950")) {
		t.Errorf("expected borrowed 0 minted 950, got %s / %s", got.BorrowedDebt, got.MintedDebt)
	}
	if err := v.ReduceDebt(rec.ID, d("951")); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

// --- Maturity, grace and liquidation windows ---

func TestLiquidable_Windows(t *testing.T) {
	v, clock := newTestVault(t)
	first := mustDeposit(t, v, alice, "100", 50)
	clock.Advance(10 * Day)
	second := mustDeposit(t, v, bob, "100", 50)

	if n := countLiquidable(v); n != 0 {
		t.Fatalf("nothing matured yet, got %d", n)
	}

	clock.Advance(45 * Day) // first: day 55 (5 into grace); second: day 45
	list := collectLiquidable(v)
	if len(list) != 1 || list[0].DepositID != first.ID || list[0].Liquidable {
		t.Fatalf("expected first in grace window, got %+v", list)
	}

	clock.Advance(7 * Day) // first: day 62; second: day 52 (2 into grace)
	list = collectLiquidable(v)
	if len(list) != 2 {
		t.Fatalf("expected two matured records, got %d", len(list))
	}
	if !list[0].Liquidable {
		t.Error("first deposit should be past grace")
	}
	if list[1].DepositID != second.ID || list[1].Liquidable {
		t.Error("second deposit should still be within grace")
	}
	if !list[0].GraceEndsAt.Equal(first.MaturesAt.Add(7 * Day)) {
		t.Errorf("unexpected grace end %s", list[0].GraceEndsAt)
	}
}

func TestLiquidable_ExactBoundary(t *testing.T) {
	v, clock := newTestVault(t)
	rec := mustDeposit(t, v, alice, "100", 30)

	clock.Advance(37*Day - time.Second)
	if _, err := v.PreviewClaim(rec.ID, bob); err != ErrNotLiquidable {
		t.Errorf("one second before grace ends: expected ErrNotLiquidable, got %v", err)
	}
	clock.Advance(time.Second)
	if _, err := v.PreviewClaim(rec.ID, bob); err != nil {
		t.Errorf("at grace end: expected liquidable, got %v", err)
	}
}

func countLiquidable(v *Vault) int { return len(collectLiquidable(v)) }

func collectLiquidable(v *Vault) []model.LiquidableDeposit {
	var out []model.LiquidableDeposit
	for ld := range v.Liquidable() {
		out = append(out, ld)
	}
	return out
}

// --- Claim ---

func TestSettleClaim_BeforeMaturity(t *testing.T) {
	v, clock := newTestVault(t)
	rec := mustDeposit(t, v, alice, "1000", 40)
	clock.Advance(39 * Day)

	for _, caller := range []common.Address{alice, bob} {
		if _, err := v.SettleClaim(rec.ID, caller); err != ErrNotMatured {
			t.Errorf("caller %s: expected ErrNotMatured, got %v", caller.Hex(), err)
		}
	}
}

func TestSettleClaim_OwnerWithYield(t *testing.T) {
	v, clock := newTestVault(t)
	rec := mustDeposit(t, v, alice, "1000", 40)
	v.AccrueYield(d("50"))
	clock.Advance(45 * Day)

	s, err := v.SettleClaim(rec.ID, alice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.CollateralOut.Equal(d("1050")) {
		t.Errorf("expected 1050 out, got %s", s.CollateralOut)
	}
	if !s.DebtOwed.Equal(d("1000")) {
		t.Errorf("expected debt 1000, got %s", s.DebtOwed)
	}
	if s.Liquidated || s.Record.Status != model.StatusClaimed {
		t.Errorf("expected claimed, got %+v", s.Record.Status)
	}
	if !v.ShareBalance(alice).IsZero() {
		t.Error("claimed record should leave the owner's active set")
	}
	pool := v.Pool()
	if !pool.TotalShares.IsZero() || !pool.PoolCollateral.IsZero() {
		t.Errorf("pool should be empty, got %+v", pool)
	}

	if _, err := v.SettleClaim(rec.ID, alice); !errors.Is(err, ErrDepositClosed) {
		t.Errorf("second claim: expected ErrDepositClosed, got %v", err)
	}
}

func TestSettleClaim_NonOwnerNeedsGrace(t *testing.T) {
	v, clock := newTestVault(t)
	rec := mustDeposit(t, v, alice, "1000", 40)
	v.RecordBorrow(rec.ID, d("100"))
	clock.Advance(42 * Day)

	if _, err := v.SettleClaim(rec.ID, bob); err != ErrNotLiquidable {
		t.Fatalf("expected ErrNotLiquidable, got %v", err)
	}
	clock.Advance(5 * Day)
	s, err := v.SettleClaim(rec.ID, bob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.Liquidated || s.Record.Status != model.StatusLiquidated {
		t.Errorf("expected liquidation, got %+v", s)
	}
	if !s.DebtOwed.Equal(d("1100")) {
		t.Errorf("liquidator repays record debt 1100, got %s", s.DebtOwed)
	}
	if !s.CollateralOut.Equal(d("1000")) {
		t.Errorf("expected 1000 collateral, got %s", s.CollateralOut)
	}
}

func TestSettleClaim_ProportionalAcrossDepositors(t *testing.T) {
	v, clock := newTestVault(t)
	a := mustDeposit(t, v, alice, "1000", 30)
	v.AccrueYield(d("100")) // share price 1.1
	b := mustDeposit(t, v, bob, "1100", 30)
	v.AccrueYield(d("210")) // pool 2410 over 2000 shares

	clock.Advance(30 * Day)
	sa, err := v.SettleClaim(a.ID, alice)
	if err != nil {
		t.Fatalf("claim a: %v", err)
	}
	sb, err := v.SettleClaim(b.ID, bob)
	if err != nil {
		t.Fatalf("claim b: %v", err)
	}
	if !sa.CollateralOut.Equal(d("1205")) || !sb.CollateralOut.Equal(d("1205")) {
		t.Errorf("expected 1205 each, got %s and %s", sa.CollateralOut, sb.CollateralOut)
	}
	if sa.CollateralOut.LessThan(a.CollateralAmount) || sb.CollateralOut.LessThan(b.CollateralAmount) {
		t.Error("collateral out should never be below deposit with non-negative yield")
	}
}

func TestSettleClaim_UnknownDeposit(t *testing.T) {
	v, _ := newTestVault(t)
	if _, err := v.SettleClaim(42, alice); !errors.Is(err, ErrDepositNotFound) {
		t.Errorf("expected ErrDepositNotFound, got %v", err)
	}
}

// --- Top-up ---

func TestAddCollateral(t *testing.T) {
	v, clock := newTestVault(t)
	rec := mustDeposit(t, v, alice, "1000", 40)
	v.AccrueYield(d("1000")) // share price 2
	clock.Advance(44 * Day)

	if _, err := v.AddCollateral(rec.ID, bob, d("100"), 30); err != ErrNotOwner {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := v.AddCollateral(rec.ID, alice, d("100"), 10); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration, got %v", err)
	}

	got, err := v.AddCollateral(rec.ID, alice, d("100"), 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.CollateralAmount.Equal(d("1100")) {
		t.Errorf("expected collateral 1100, got %s", got.CollateralAmount)
	}
	if !got.ShareAmount.Equal(d("1050")) {
		t.Errorf("expected 1050 shares at price 2, got %s", got.ShareAmount)
	}
	if want := clock.Now().Add(30 * Day); !got.MaturesAt.Equal(want) {
		t.Errorf("expected maturity reset to %s, got %s", want, got.MaturesAt)
	}
	pool := v.Pool()
	if !pool.TotalShares.Equal(d("1050")) || !pool.PoolCollateral.Equal(d("2100")) {
		t.Errorf("unexpected pool %+v", pool)
	}

	// The extended maturity defers liquidation.
	if _, err := v.SettleClaim(rec.ID, bob); err != ErrNotMatured {
		t.Errorf("expected ErrNotMatured after top-up, got %v", err)
	}
}

// --- Restore ---

func TestRestore(t *testing.T) {
	v, _ := newTestVault(t)
	mustDeposit(t, v, alice, "100", 40)
	b := mustDeposit(t, v, bob, "200", 40)
	pool := v.Pool()
	var records []model.DepositRecord
	for rec := range v.AllActive() {
		records = append(records, rec)
	}

	restored, _ := newTestVault(t)
	if err := restored.Restore(pool, records); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !restored.ShareBalance(bob).Equal(b.ShareAmount) {
		t.Errorf("expected bob shares %s, got %s", b.ShareAmount, restored.ShareBalance(bob))
	}
	next, err := restored.Deposit(alice, d("1"), 40, false)
	if err != nil {
		t.Fatalf("deposit after restore: %v", err)
	}
	if next.ID != 3 {
		t.Errorf("expected id 3 after restore, got %d", next.ID)
	}

	if err := restored.Restore(model.PoolState{Token: bob}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for foreign pool, got %v", err)
	}
}
