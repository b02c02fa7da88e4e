// Package api provides the HTTP handlers for depositing, borrowing,
// claiming and liquidating, the owner's configuration surface, and the
// WebSocket event feed.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stablevault/cdp-engine/internal/escrow"
	"github.com/stablevault/cdp-engine/internal/model"
	"github.com/stablevault/cdp-engine/internal/oracle"
	"github.com/stablevault/cdp-engine/internal/protocol"
	"github.com/stablevault/cdp-engine/internal/store"
	"github.com/stablevault/cdp-engine/internal/token"
	"github.com/stablevault/cdp-engine/internal/vault"
)

// CallerHeader carries the hex address the request acts as.
const CallerHeader = "X-Caller"

// Service serves the protocol over HTTP. The escrow is optional.
type Service struct {
	protocol *protocol.Protocol
	store    store.Store
	escrow   *escrow.Escrow
}

// NewService creates a new API service.
// Pass nil for esc if no escrow is configured.
func NewService(p *protocol.Protocol, st store.Store, esc *escrow.Escrow) *Service {
	return &Service{protocol: p, store: st, escrow: esc}
}

// Routes registers every /api/v1 handler on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/vaults", s.ListVaults)
	r.Get("/vaults/{token}/pool", s.GetPool)
	r.Get("/vaults/{token}/liquidable", s.GetLiquidable)
	r.Post("/vaults/{token}/yield", s.DistributeYield)

	r.Post("/deposits", s.Deposit)
	r.Get("/deposits/{token}/{id}", s.GetDeposit)
	r.Get("/deposits/{token}/{id}/events", s.GetDepositEvents)
	r.Post("/deposits/{token}/{id}/borrow", s.Borrow)
	r.Post("/deposits/{token}/{id}/claim", s.Claim)
	r.Post("/deposits/{token}/{id}/top-up", s.TopUp)

	r.Get("/owners/{owner}/deposits", s.GetOwnerDeposits)
	r.Get("/owners/{owner}/borrowable", s.GetBorrowable)
	r.Get("/owners/{owner}/shares", s.GetShares)
	r.Get("/owners/{owner}/events", s.GetOwnerEvents)
	r.Get("/balances/{holder}", s.GetBalances)

	r.Route("/admin", func(r chi.Router) {
		r.Put("/vaults", s.SetVaults)
		r.Put("/fees/{token}", s.SetFees)
		r.Put("/durations", s.SetDurations)
		r.Put("/oracles/{token}", s.SetOracleRate)
		r.Post("/faucet/{token}", s.Faucet)
	})

	r.Route("/escrow", func(r chi.Router) {
		r.Get("/", s.GetEscrow)
		r.Post("/sacrifice", s.Sacrifice)
		r.Post("/deposit", s.EscrowDeposit)
		r.Post("/redeposit", s.EscrowReDeposit)
	})
}

// --- Request/Response types ---

// DepositRequest is the JSON body for POST /deposits.
type DepositRequest struct {
	Token        string          `json:"token"`
	Amount       decimal.Decimal `json:"amount"`
	DurationDays int             `json:"duration_days"`
	Recipient    string          `json:"recipient"` // defaults to the caller
	AutoRestake  bool            `json:"auto_restake"`
}

// AmountRequest is the JSON body for borrow, yield and sacrifice.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// TopUpRequest is the JSON body for POST /deposits/{token}/{id}/top-up.
type TopUpRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	DurationDays int             `json:"duration_days"`
}

// SetVaultsRequest is the JSON body for PUT /admin/vaults.
type SetVaultsRequest struct {
	Tokens  []string `json:"tokens"`
	Enabled bool     `json:"enabled"`
}

// SetFeesRequest is the JSON body for PUT /admin/fees/{token}. Omitted
// fields are left unchanged.
type SetFeesRequest struct {
	Rate    *int64 `json:"rate"`
	Enabled *bool  `json:"enabled"`
}

// SetDurationsRequest is the JSON body for PUT /admin/durations.
type SetDurationsRequest struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// SetRateRequest is the JSON body for PUT /admin/oracles/{token}.
type SetRateRequest struct {
	Rate int64 `json:"rate"` // per mille, 1000 = unchanged price
}

// FaucetRequest is the JSON body for POST /admin/faucet/{token}.
type FaucetRequest struct {
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// BalancesResponse lists a holder's Stable and collateral balances.
type BalancesResponse struct {
	Holder     common.Address                     `json:"holder"`
	Stable     decimal.Decimal                    `json:"stable"`
	Collateral map[common.Address]decimal.Decimal `json:"collateral"`
}

// DurationRequest is the JSON body for POST /escrow/deposit.
type DurationRequest struct {
	DurationDays int `json:"duration_days"`
}

// VaultSummary describes one registered vault.
type VaultSummary struct {
	Token   common.Address  `json:"token"`
	Allowed bool            `json:"allowed"`
	Fees    model.FeeInfo   `json:"fees"`
	Pool    model.PoolState `json:"pool"`
}

// SharesResponse is the JSON body returned from GET /owners/{owner}/shares.
type SharesResponse struct {
	Owner  common.Address  `json:"owner"`
	Token  common.Address  `json:"token"`
	Shares decimal.Decimal `json:"shares"`
}

// EscrowSummary is the JSON body returned from GET /escrow.
type EscrowSummary struct {
	Address     common.Address  `json:"address"`
	Token       common.Address  `json:"token"`
	Open        bool            `json:"open"`
	TotalWeight decimal.Decimal `json:"total_weight"`
	Records     []uint64        `json:"records"`
}

// --- Vault handlers ---

// ListVaults handles GET /api/v1/vaults
func (s *Service) ListVaults(w http.ResponseWriter, r *http.Request) {
	summaries := []VaultSummary{}
	for _, tok := range s.protocol.Tokens() {
		summary, err := s.vaultSummary(tok)
		if err != nil {
			writeProtocolError(w, err)
			return
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, http.StatusOK, summaries)
}

// GetPool handles GET /api/v1/vaults/{token}/pool
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	tok, ok := addressParam(w, r, "token")
	if !ok {
		return
	}
	pool, err := s.protocol.Pool(tok)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// GetLiquidable handles GET /api/v1/vaults/{token}/liquidable
// Returns every matured record; liquidable is set once grace has elapsed.
func (s *Service) GetLiquidable(w http.ResponseWriter, r *http.Request) {
	tok, ok := addressParam(w, r, "token")
	if !ok {
		return
	}
	list, err := s.protocol.Liquidable(tok)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	if list == nil {
		list = []model.LiquidableDeposit{}
	}
	writeJSON(w, http.StatusOK, list)
}

// DistributeYield handles POST /api/v1/vaults/{token}/yield
func (s *Service) DistributeYield(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	tok, ok := addressParam(w, r, "token")
	if !ok {
		return
	}
	var req AmountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	pool, err := s.protocol.DistributeYield(r.Context(), caller, tok, req.Amount)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// --- Deposit handlers ---

// Deposit handles POST /api/v1/deposits
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tok, err := parseAddress(req.Token)
	if err != nil {
		writeError(w, "token: "+err.Error(), http.StatusBadRequest)
		return
	}
	recipient := caller
	if req.Recipient != "" {
		if recipient, err = parseAddress(req.Recipient); err != nil {
			writeError(w, "recipient: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	rec, err := s.protocol.DepositCollateral(r.Context(), caller, tok, req.Amount, req.DurationDays, recipient, req.AutoRestake)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GetDeposit handles GET /api/v1/deposits/{token}/{id}
func (s *Service) GetDeposit(w http.ResponseWriter, r *http.Request) {
	tok, id, ok := depositParams(w, r)
	if !ok {
		return
	}
	rec, err := s.protocol.Record(tok, id)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetDepositEvents handles GET /api/v1/deposits/{token}/{id}/events
func (s *Service) GetDepositEvents(w http.ResponseWriter, r *http.Request) {
	tok, id, ok := depositParams(w, r)
	if !ok {
		return
	}
	events, err := s.store.ListEventsByDeposit(r.Context(), tok, id)
	if err != nil {
		writeError(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// Borrow handles POST /api/v1/deposits/{token}/{id}/borrow
func (s *Service) Borrow(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	tok, id, ok := depositParams(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.protocol.BorrowStable(r.Context(), caller, tok, id, req.Amount)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Claim handles POST /api/v1/deposits/{token}/{id}/claim
// The owner claims from maturity; anyone liquidates after grace.
func (s *Service) Claim(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	tok, id, ok := depositParams(w, r)
	if !ok {
		return
	}
	res, err := s.protocol.ClaimCollateral(r.Context(), caller, tok, id)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TopUp handles POST /api/v1/deposits/{token}/{id}/top-up
func (s *Service) TopUp(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	tok, id, ok := depositParams(w, r)
	if !ok {
		return
	}
	var req TopUpRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.protocol.AddCollateralForLiquidate(r.Context(), caller, tok, id, req.Amount, req.DurationDays)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Owner handlers ---

// GetOwnerDeposits handles GET /api/v1/owners/{owner}/deposits
// With ?token= it returns the owner's active records with live valuation;
// without it, every persisted record of the owner across vaults.
func (s *Service) GetOwnerDeposits(w http.ResponseWriter, r *http.Request) {
	owner, ok := addressParam(w, r, "owner")
	if !ok {
		return
	}
	if r.URL.Query().Get("token") == "" {
		recs, err := s.store.ListDepositsByOwner(r.Context(), owner)
		if err != nil {
			writeError(w, "failed to load deposits", http.StatusInternalServerError)
			return
		}
		if recs == nil {
			recs = []model.DepositRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
		return
	}

	tok, ok := tokenQuery(w, r)
	if !ok {
		return
	}
	infos, err := s.protocol.DepositInfos(r.Context(), owner, tok)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	if infos == nil {
		infos = []model.DepositInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// GetBorrowable handles GET /api/v1/owners/{owner}/borrowable?token=
func (s *Service) GetBorrowable(w http.ResponseWriter, r *http.Request) {
	owner, ok := addressParam(w, r, "owner")
	if !ok {
		return
	}
	tok, ok := tokenQuery(w, r)
	if !ok {
		return
	}
	amounts, err := s.protocol.Borrowable(r.Context(), owner, tok)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	if amounts == nil {
		amounts = []model.BorrowableAmount{}
	}
	writeJSON(w, http.StatusOK, amounts)
}

// GetShares handles GET /api/v1/owners/{owner}/shares?token=
func (s *Service) GetShares(w http.ResponseWriter, r *http.Request) {
	owner, ok := addressParam(w, r, "owner")
	if !ok {
		return
	}
	tok, ok := tokenQuery(w, r)
	if !ok {
		return
	}
	shares, err := s.protocol.ShareBalance(owner, tok)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SharesResponse{Owner: owner, Token: tok, Shares: shares})
}

// GetOwnerEvents handles GET /api/v1/owners/{owner}/events
func (s *Service) GetOwnerEvents(w http.ResponseWriter, r *http.Request) {
	owner, ok := addressParam(w, r, "owner")
	if !ok {
		return
	}
	events, err := s.store.ListEventsByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetBalances handles GET /api/v1/balances/{holder}
func (s *Service) GetBalances(w http.ResponseWriter, r *http.Request) {
	holder, ok := addressParam(w, r, "holder")
	if !ok {
		return
	}
	resp := BalancesResponse{
		Holder:     holder,
		Stable:     s.protocol.Stable().BalanceOf(holder),
		Collateral: make(map[common.Address]decimal.Decimal),
	}
	for _, tok := range s.protocol.Tokens() {
		ledger, err := s.protocol.Collateral(tok)
		if err != nil {
			writeProtocolError(w, err)
			return
		}
		resp.Collateral[tok] = ledger.BalanceOf(holder)
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Admin handlers (owner only) ---

// Faucet handles POST /api/v1/admin/faucet/{token}
// Mints collateral to an account; only the collateral admin may call it.
func (s *Service) Faucet(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	tok, ok := addressParam(w, r, "token")
	if !ok {
		return
	}
	var req FaucetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeError(w, "to: "+err.Error(), http.StatusBadRequest)
		return
	}
	ledger, err := s.protocol.Collateral(tok)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	if err := ledger.Mint(caller, to, req.Amount); err != nil {
		writeProtocolError(w, err)
		return
	}
	slog.Info("collateral minted", "token", tok.Hex(), "to", to.Hex(), "amount", req.Amount.String())
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"balance": ledger.BalanceOf(to)})
}

// SetVaults handles PUT /api/v1/admin/vaults
func (s *Service) SetVaults(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req SetVaultsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tokens := make([]common.Address, 0, len(req.Tokens))
	for _, t := range req.Tokens {
		tok, err := parseAddress(t)
		if err != nil {
			writeError(w, "tokens: "+err.Error(), http.StatusBadRequest)
			return
		}
		tokens = append(tokens, tok)
	}
	if err := s.protocol.SetVaults(caller, tokens, req.Enabled); err != nil {
		writeProtocolError(w, err)
		return
	}
	s.ListVaults(w, r)
}

// SetFees handles PUT /api/v1/admin/fees/{token}
func (s *Service) SetFees(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	tok, ok := addressParam(w, r, "token")
	if !ok {
		return
	}
	var req SetFeesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Rate != nil {
		if err := s.protocol.SetDepositFee(caller, tok, *req.Rate); err != nil {
			writeProtocolError(w, err)
			return
		}
	}
	if req.Enabled != nil {
		if err := s.protocol.SetDepositFeeEnable(caller, tok, *req.Enabled); err != nil {
			writeProtocolError(w, err)
			return
		}
	}
	fees, err := s.protocol.Fees(tok)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fees)
}

// SetDurations handles PUT /api/v1/admin/durations
func (s *Service) SetDurations(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req SetDurationsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.protocol.SetDurationBounds(caller, req.Min, req.Max); err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// SetOracleRate handles PUT /api/v1/admin/oracles/{token}
func (s *Service) SetOracleRate(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	tok, ok := addressParam(w, r, "token")
	if !ok {
		return
	}
	var req SetRateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.protocol.SetOracleRate(caller, tok, req.Rate); err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// --- Escrow handlers ---

// GetEscrow handles GET /api/v1/escrow
func (s *Service) GetEscrow(w http.ResponseWriter, r *http.Request) {
	if !s.requireEscrow(w) {
		return
	}
	writeJSON(w, http.StatusOK, EscrowSummary{
		Address:     s.escrow.Address(),
		Token:       s.escrow.Token(),
		Open:        s.escrow.Open(),
		TotalWeight: s.escrow.TotalWeight(),
		Records:     s.escrow.Records(),
	})
}

// Sacrifice handles POST /api/v1/escrow/sacrifice
func (s *Service) Sacrifice(w http.ResponseWriter, r *http.Request) {
	if !s.requireEscrow(w) {
		return
	}
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.escrow.Sacrifice(caller, req.Amount); err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"weight": s.escrow.Weight(caller)})
}

// EscrowDeposit handles POST /api/v1/escrow/deposit
func (s *Service) EscrowDeposit(w http.ResponseWriter, r *http.Request) {
	if !s.requireEscrow(w) {
		return
	}
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req DurationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.escrow.DepositCollateral(r.Context(), caller, req.DurationDays)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// EscrowReDeposit handles POST /api/v1/escrow/redeposit
func (s *Service) EscrowReDeposit(w http.ResponseWriter, r *http.Request) {
	if !s.requireEscrow(w) {
		return
	}
	rolled, err := s.escrow.ReDeposit(r.Context())
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"rolled": rolled})
}

// --- helpers ---

func (s *Service) vaultSummary(tok common.Address) (VaultSummary, error) {
	fees, err := s.protocol.Fees(tok)
	if err != nil {
		return VaultSummary{}, err
	}
	pool, err := s.protocol.Pool(tok)
	if err != nil {
		return VaultSummary{}, err
	}
	return VaultSummary{Token: tok, Allowed: s.protocol.IsAllowedToken(tok), Fees: fees, Pool: pool}, nil
}

func (s *Service) requireEscrow(w http.ResponseWriter) bool {
	if s.escrow == nil {
		writeError(w, "escrow is not configured", http.StatusNotFound)
		return false
	}
	return true
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func callerFrom(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	caller, err := parseAddress(r.Header.Get(CallerHeader))
	if err != nil {
		writeError(w, CallerHeader+" header: "+err.Error(), http.StatusUnauthorized)
		return common.Address{}, false
	}
	return caller, true
}

func addressParam(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	addr, err := parseAddress(chi.URLParam(r, name))
	if err != nil {
		writeError(w, name+": "+err.Error(), http.StatusBadRequest)
		return common.Address{}, false
	}
	return addr, true
}

func tokenQuery(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	tok, err := parseAddress(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, "token: "+err.Error(), http.StatusBadRequest)
		return common.Address{}, false
	}
	return tok, true
}

func depositParams(w http.ResponseWriter, r *http.Request) (common.Address, uint64, bool) {
	tok, ok := addressParam(w, r, "token")
	if !ok {
		return common.Address{}, 0, false
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, "invalid deposit id", http.StatusBadRequest)
		return common.Address{}, 0, false
	}
	return tok, id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, protocol.ErrUnauthorized),
		errors.Is(err, protocol.ErrNotOwner),
		errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden

	case errors.Is(err, protocol.ErrDepositNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, protocol.ErrInvalidToken),
		errors.Is(err, protocol.ErrInvalidAmount),
		errors.Is(err, protocol.ErrInvalidDuration),
		errors.Is(err, protocol.ErrInvalidFeeRate),
		errors.Is(err, protocol.ErrInvalidAddress),
		errors.Is(err, vault.ErrInvalidConfig),
		errors.Is(err, oracle.ErrInvalidRate),
		errors.Is(err, token.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidAmount):
		return http.StatusBadRequest

	case errors.Is(err, protocol.ErrNotMatured),
		errors.Is(err, protocol.ErrNotLiquidable),
		errors.Is(err, protocol.ErrNoHeadroom),
		errors.Is(err, protocol.ErrDepositClosed),
		errors.Is(err, protocol.ErrInsufficientBalance),
		errors.Is(err, protocol.ErrRateNotSupported),
		errors.Is(err, vault.ErrPoolInsolvent),
		errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, escrow.ErrClosed),
		errors.Is(err, escrow.ErrNothingToCommit):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeProtocolError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
