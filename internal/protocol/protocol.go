// Package protocol orchestrates deposits, borrows, claims, liquidations and
// top-ups across the registered vaults.
//
// The Protocol is the only writer into its vaults and the only identity
// allowed to mint or burn Stable. Every operation runs under a single mutex:
// it validates all preconditions (allow-list, vault preview, token balances,
// one oracle quote) before committing, so a returned error means no ledger
// changed. Committed state is then projected to the store, journalled as
// events and broadcast.
//
// All monetary values use shopspring/decimal, never float64.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/stablevault/cdp-engine/internal/fixedpoint"
	"github.com/stablevault/cdp-engine/internal/model"
	"github.com/stablevault/cdp-engine/internal/store"
	"github.com/stablevault/cdp-engine/internal/token"
	"github.com/stablevault/cdp-engine/internal/vault"
)

var (
	ErrInvalidToken        = errors.New("protocol: not allowed token")
	ErrInvalidFeeRate      = errors.New("protocol: invalid fee rate")
	ErrUnauthorized        = errors.New("protocol: caller is not the owner")
	ErrInsufficientBalance = errors.New("protocol: insufficient balance")
	ErrInvalidAddress      = errors.New("protocol: zero address")
	ErrVaultExists         = errors.New("protocol: vault already registered")
	ErrRateNotSupported    = errors.New("protocol: oracle rate is not adjustable")
)

// Vault errors surface unchanged from protocol operations.
var (
	ErrInvalidAmount   = vault.ErrInvalidAmount
	ErrInvalidDuration = vault.ErrInvalidDuration
	ErrNotMatured      = vault.ErrNotMatured
	ErrNotLiquidable   = vault.ErrNotLiquidable
	ErrNotOwner        = vault.ErrNotOwner
	ErrNoHeadroom      = vault.ErrNoHeadroom
	ErrDepositNotFound = vault.ErrDepositNotFound
	ErrDepositClosed   = vault.ErrDepositClosed
)

// PriceOracle values a collateral amount in Stable at the current price.
type PriceOracle interface {
	ValueOf(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error)
}

// RateSetter is implemented by oracles whose quote the owner may scale.
type RateSetter interface {
	SetRate(perMille int64) error
}

// Notifier receives every committed event. The WebSocket hub implements it.
type Notifier interface {
	Publish(e model.Event)
}

// Config wires a Protocol.
type Config struct {
	Owner       common.Address // configuration admin
	Address     common.Address // protocol identity; must be the Stable admin
	RewardsPool common.Address // receives deposit fees
	Escrow      common.Address // fee-exempt depositor; zero if none
	Stable      *token.Ledger
	Store       store.Store
	Notifier    Notifier // optional
	Now         func() time.Time
}

// market is one registered collateral token with its vault and policy.
type market struct {
	vault      *vault.Vault
	collateral *token.Ledger
	oracle     PriceOracle
	enabled    bool
	feeRate    int64
	feeEnabled bool
}

// Protocol is safe for concurrent use; calls are serialized.
type Protocol struct {
	mu          sync.RWMutex
	owner       common.Address
	address     common.Address
	rewardsPool common.Address
	escrow      common.Address
	stable      *token.Ledger
	markets     map[common.Address]*market
	store       store.Store
	notifier    Notifier
	now         func() time.Time
}

// New creates a Protocol with no vaults registered.
func New(cfg Config) (*Protocol, error) {
	if cfg.Stable == nil || cfg.Store == nil {
		return nil, errors.New("protocol: stable ledger and store are required")
	}
	if cfg.Owner == (common.Address{}) || cfg.Address == (common.Address{}) || cfg.RewardsPool == (common.Address{}) {
		return nil, fmt.Errorf("%w: owner, address and rewards pool must be set", ErrInvalidAddress)
	}
	if admin := cfg.Stable.Admin(); admin != cfg.Address {
		return nil, fmt.Errorf("protocol: stable admin is %s, want %s", admin.Hex(), cfg.Address.Hex())
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Protocol{
		owner:       cfg.Owner,
		address:     cfg.Address,
		rewardsPool: cfg.RewardsPool,
		escrow:      cfg.Escrow,
		stable:      cfg.Stable,
		markets:     make(map[common.Address]*market),
		store:       cfg.Store,
		notifier:    cfg.Notifier,
		now:         now,
	}, nil
}

// --- Configuration (owner only) ---

// RegisterVault attaches a vault, its collateral ledger and price oracle.
// The token stays off the allow-list until enabled with SetVaults.
func (p *Protocol) RegisterVault(caller common.Address, v *vault.Vault, collateral *token.Ledger, oracle PriceOracle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.owner {
		return ErrUnauthorized
	}
	if collateral.Address() != v.Token() {
		return fmt.Errorf("%w: vault token %s, ledger %s", ErrInvalidToken, v.Token().Hex(), collateral.Address().Hex())
	}
	if _, ok := p.markets[v.Token()]; ok {
		return fmt.Errorf("%w: %s", ErrVaultExists, v.Token().Hex())
	}
	p.markets[v.Token()] = &market{vault: v, collateral: collateral, oracle: oracle}
	return nil
}

// SetVaults adds or removes registered tokens from the allow-list.
// Disabling takes effect immediately for deposits, borrows and top-ups;
// existing records stay claimable.
func (p *Protocol) SetVaults(caller common.Address, tokens []common.Address, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.owner {
		return ErrUnauthorized
	}
	for _, tok := range tokens {
		if _, ok := p.markets[tok]; !ok {
			return fmt.Errorf("%w: %s is not registered", ErrInvalidToken, tok.Hex())
		}
	}
	for _, tok := range tokens {
		p.markets[tok].enabled = enabled
	}
	slog.Info("vaults updated", "tokens", len(tokens), "enabled", enabled)
	return nil
}

// SetDepositFee sets the per-mille deposit fee of an allow-listed token.
func (p *Protocol) SetDepositFee(caller, tok common.Address, rate int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.owner {
		return ErrUnauthorized
	}
	m, err := p.allowed(tok)
	if err != nil {
		return err
	}
	if rate < 0 || rate > fixedpoint.PerMille {
		return fmt.Errorf("%w: %d", ErrInvalidFeeRate, rate)
	}
	m.feeRate = rate
	slog.Info("deposit fee set", "token", tok.Hex(), "rate", rate)
	return nil
}

// SetDepositFeeEnable toggles the deposit fee of an allow-listed token.
func (p *Protocol) SetDepositFeeEnable(caller, tok common.Address, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.owner {
		return ErrUnauthorized
	}
	m, err := p.allowed(tok)
	if err != nil {
		return err
	}
	m.feeEnabled = enabled
	slog.Info("deposit fee toggled", "token", tok.Hex(), "enabled", enabled)
	return nil
}

// SetDurationBounds replaces the accepted deposit duration range of every
// registered vault.
func (p *Protocol) SetDurationBounds(caller common.Address, minDays, maxDays int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.owner {
		return ErrUnauthorized
	}
	if minDays <= 0 || maxDays < minDays {
		return fmt.Errorf("%w: duration bounds [%d, %d]", vault.ErrInvalidConfig, minDays, maxDays)
	}
	for _, m := range p.markets {
		if err := m.vault.SetDurationBounds(minDays, maxDays); err != nil {
			return err
		}
	}
	slog.Info("duration bounds set", "min_days", minDays, "max_days", maxDays)
	return nil
}

// SetRewardsPool changes the deposit fee recipient.
func (p *Protocol) SetRewardsPool(caller, pool common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.owner {
		return ErrUnauthorized
	}
	if pool == (common.Address{}) {
		return ErrInvalidAddress
	}
	p.rewardsPool = pool
	return nil
}

// SetEscrow changes the fee-exempt escrow depositor.
func (p *Protocol) SetEscrow(caller, escrow common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.owner {
		return ErrUnauthorized
	}
	if escrow == (common.Address{}) {
		return ErrInvalidAddress
	}
	p.escrow = escrow
	return nil
}

// SetOracleRate scales the price quote of a registered token's oracle.
func (p *Protocol) SetOracleRate(caller, tok common.Address, perMille int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.owner {
		return ErrUnauthorized
	}
	m, err := p.registered(tok)
	if err != nil {
		return err
	}
	rs, ok := m.oracle.(RateSetter)
	if !ok {
		return ErrRateNotSupported
	}
	if err := rs.SetRate(perMille); err != nil {
		return err
	}
	slog.Info("oracle rate set", "token", tok.Hex(), "rate", perMille)
	return nil
}

// --- Queries ---

// Owner returns the configuration admin.
func (p *Protocol) Owner() common.Address { return p.owner }

// Address returns the protocol identity that administers Stable.
func (p *Protocol) Address() common.Address { return p.address }

// Stable returns the Stable ledger.
func (p *Protocol) Stable() *token.Ledger { return p.stable }

// RewardsPool returns the deposit fee recipient.
func (p *Protocol) RewardsPool() common.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rewardsPool
}

// IsAllowedToken reports whether tok is on the allow-list.
func (p *Protocol) IsAllowedToken(tok common.Address) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.markets[tok]
	return ok && m.enabled
}

// Tokens returns every registered collateral token.
func (p *Protocol) Tokens() []common.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tokens := make([]common.Address, 0, len(p.markets))
	for tok := range p.markets {
		tokens = append(tokens, tok)
	}
	slices.SortFunc(tokens, func(a, b common.Address) int { return a.Cmp(b) })
	return tokens
}

// Collateral returns the ledger of a registered collateral token.
func (p *Protocol) Collateral(tok common.Address) (*token.Ledger, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, err := p.registered(tok)
	if err != nil {
		return nil, err
	}
	return m.collateral, nil
}

// Custody returns the account holding a registered vault's collateral.
func (p *Protocol) Custody(tok common.Address) (common.Address, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, err := p.registered(tok)
	if err != nil {
		return common.Address{}, err
	}
	return m.vault.Custody(), nil
}

// Fees returns the deposit fee configuration of a registered token.
func (p *Protocol) Fees(tok common.Address) (model.FeeInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, err := p.registered(tok)
	if err != nil {
		return model.FeeInfo{}, err
	}
	return model.FeeInfo{Token: tok, Rate: m.feeRate, Enabled: m.feeEnabled}, nil
}

// Pool returns the pool aggregates of a registered token's vault.
func (p *Protocol) Pool(tok common.Address) (model.PoolState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, err := p.registered(tok)
	if err != nil {
		return model.PoolState{}, err
	}
	return m.vault.Pool(), nil
}

// Record returns one deposit record, active or settled.
func (p *Protocol) Record(tok common.Address, id uint64) (model.DepositRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, err := p.registered(tok)
	if err != nil {
		return model.DepositRecord{}, err
	}
	return m.vault.Record(id)
}

// ShareBalance returns owner's vault shares across active records.
func (p *Protocol) ShareBalance(owner, tok common.Address) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, err := p.registered(tok)
	if err != nil {
		return decimal.Zero, err
	}
	return m.vault.ShareBalance(owner), nil
}

// Borrowable returns the headroom of each of owner's active records at the
// current oracle price.
func (p *Protocol) Borrowable(ctx context.Context, owner, tok common.Address) ([]model.BorrowableAmount, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, err := p.registered(tok)
	if err != nil {
		return nil, err
	}
	return m.vault.Borrowable(owner, p.valuer(ctx, m))
}

// DepositInfos returns owner's active records with their live collateral
// value and borrowable amount.
func (p *Protocol) DepositInfos(ctx context.Context, owner, tok common.Address) ([]model.DepositInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, err := p.registered(tok)
	if err != nil {
		return nil, err
	}

	var infos []model.DepositInfo
	for rec := range m.vault.ActiveRecords(owner) {
		value, err := m.oracle.ValueOf(ctx, rec.CollateralAmount)
		if err != nil {
			return nil, fmt.Errorf("value deposit %d: %w", rec.ID, err)
		}
		infos = append(infos, model.DepositInfo{
			DepositRecord:    rec,
			CurrentValue:     value,
			BorrowableAmount: m.vault.Headroom(rec, value),
		})
	}
	return infos, nil
}

// Liquidable returns every matured active record of a vault, flagged once
// its grace window has elapsed.
func (p *Protocol) Liquidable(tok common.Address) ([]model.LiquidableDeposit, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, err := p.registered(tok)
	if err != nil {
		return nil, err
	}
	return slices.Collect(m.vault.Liquidable()), nil
}

// --- Startup ---

// Restore reloads every registered vault from the store. Vaults with no
// persisted pool start empty.
func (p *Protocol) Restore(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for tok, m := range p.markets {
		pool, err := p.store.GetPool(ctx, tok)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("restore pool %s: %w", tok.Hex(), err)
		}
		records, err := p.store.ListDeposits(ctx, tok)
		if err != nil {
			return fmt.Errorf("restore deposits %s: %w", tok.Hex(), err)
		}
		if err := m.vault.Restore(*pool, records); err != nil {
			return err
		}
		p.updateGauges(tok, m)
		slog.Info("vault restored",
			"token", tok.Hex(),
			"records", len(records),
			"total_shares", pool.TotalShares.String(),
			"pool_collateral", pool.PoolCollateral.String(),
		)
	}
	return nil
}

// --- helpers ---

func (p *Protocol) registered(tok common.Address) (*market, error) {
	m, ok := p.markets[tok]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, tok.Hex())
	}
	return m, nil
}

func (p *Protocol) allowed(tok common.Address) (*market, error) {
	m, err := p.registered(tok)
	if err != nil {
		return nil, err
	}
	if !m.enabled {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, tok.Hex())
	}
	return m, nil
}

func (p *Protocol) valuer(ctx context.Context, m *market) vault.Valuer {
	return func(c decimal.Decimal) (decimal.Decimal, error) {
		return m.oracle.ValueOf(ctx, c)
	}
}
