package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/stablevault/cdp-engine/internal/api"
	"github.com/stablevault/cdp-engine/internal/escrow"
	"github.com/stablevault/cdp-engine/internal/model"
	"github.com/stablevault/cdp-engine/internal/oracle"
	"github.com/stablevault/cdp-engine/internal/protocol"
	"github.com/stablevault/cdp-engine/internal/store"
	"github.com/stablevault/cdp-engine/internal/token"
	"github.com/stablevault/cdp-engine/internal/vault"
)

var (
	owner      = common.HexToAddress("0x01")
	protoAddr  = common.HexToAddress("0x02")
	rewards    = common.HexToAddress("0x03")
	escrowAddr = common.HexToAddress("0x04")
	collToken  = common.HexToAddress("0xc0")
	custody    = common.HexToAddress("0xcc")
	stableTok  = common.HexToAddress("0x57")
	alice      = common.HexToAddress("0xa1")
	bob        = common.HexToAddress("0xb0")
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time            { return c.t }
func (c *fakeClock) Advance(dur time.Duration) { c.t = c.t.Add(dur) }

type testEnv struct {
	router chi.Router
	clock  *fakeClock
	stable *token.Ledger
	proto  *protocol.Protocol
}

// newTestEnv creates a protocol with one allow-listed vault behind a chi
// router. withEscrow attaches an escrow.
func newTestEnv(t *testing.T, withEscrow bool) *testEnv {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	stable := token.NewLedger(stableTok, "STBL", 18, protoAddr)
	coll := token.NewLedger(collToken, "HEX", 8, owner)
	for _, holder := range []common.Address{alice, bob, owner} {
		coll.Mint(owner, holder, d("10000"))
	}

	o, _ := oracle.NewFixedRate(d("1"), 18)
	v, err := vault.New(vault.Config{
		Token: collToken, Custody: custody, Decimals: 8,
		MinDurationDays: 30, MaxDurationDays: 120, Grace: 7 * vault.Day,
	}, clock.Now)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	ms := store.NewMemoryStore()
	p, err := protocol.New(protocol.Config{
		Owner: owner, Address: protoAddr, RewardsPool: rewards, Escrow: escrowAddr,
		Stable: stable, Store: ms, Now: clock.Now,
	})
	if err != nil {
		t.Fatalf("protocol: %v", err)
	}
	p.RegisterVault(owner, v, coll, o)
	p.SetVaults(owner, []common.Address{collToken}, true)

	var esc *escrow.Escrow
	if withEscrow {
		esc, err = escrow.New(escrow.Config{Owner: owner, Address: escrowAddr, Collateral: coll, Stable: stable, Protocol: p})
		if err != nil {
			t.Fatalf("escrow: %v", err)
		}
	}

	svc := api.NewService(p, ms, esc)
	r := chi.NewRouter()
	r.Use(api.RequestID)
	r.Route("/api/v1", svc.Routes)

	return &testEnv{router: r, clock: clock, stable: stable, proto: p}
}

func (e *testEnv) do(t *testing.T, method, path string, caller common.Address, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != (common.Address{}) {
		req.Header.Set(api.CallerHeader, caller.Hex())
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) deposit(t *testing.T, caller common.Address, amount string, days int) model.DepositRecord {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/deposits", caller, api.DepositRequest{
		Token: collToken.Hex(), Amount: d(amount), DurationDays: days,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("deposit: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var rec model.DepositRecord
	json.Unmarshal(w.Body.Bytes(), &rec)
	return rec
}

func depositPath(id uint64, action string) string {
	return fmt.Sprintf("/api/v1/deposits/%s/%d/%s", collToken.Hex(), id, action)
}

// --- Deposit ---

func TestDeposit_Created(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.deposit(t, alice, "1000", 40)

	if rec.ID != 1 || rec.Owner != alice || !rec.MintedDebt.Equal(d("1000")) {
		t.Errorf("unexpected record %+v", rec)
	}
	if !e.stable.BalanceOf(alice).Equal(d("1000")) {
		t.Errorf("alice should hold 1000 Stable, got %s", e.stable.BalanceOf(alice))
	}
}

func TestDeposit_Errors(t *testing.T) {
	e := newTestEnv(t, false)

	tests := []struct {
		name   string
		caller common.Address
		body   any
		want   int
	}{
		{"missing caller", common.Address{}, api.DepositRequest{Token: collToken.Hex(), Amount: d("1"), DurationDays: 30}, http.StatusUnauthorized},
		{"bad body", alice, "not json object", http.StatusBadRequest},
		{"bad token", alice, api.DepositRequest{Token: "0xzz", Amount: d("1"), DurationDays: 30}, http.StatusBadRequest},
		{"unknown token", alice, api.DepositRequest{Token: bob.Hex(), Amount: d("1"), DurationDays: 30}, http.StatusBadRequest},
		{"bad duration", alice, api.DepositRequest{Token: collToken.Hex(), Amount: d("1"), DurationDays: 10}, http.StatusBadRequest},
		{"insufficient balance", rewards, api.DepositRequest{Token: collToken.Hex(), Amount: d("1"), DurationDays: 30}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, "POST", "/api/v1/deposits", tt.caller, tt.body)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), `"error"`) {
				t.Errorf("expected JSON error body, got %s", w.Body.String())
			}
		})
	}
}

func TestRequestID_Assigned(t *testing.T) {
	e := newTestEnv(t, false)
	w := e.do(t, "GET", "/api/v1/vaults", common.Address{}, nil)
	if w.Header().Get(api.RequestIDHeader) == "" {
		t.Error("expected a request id header")
	}
}

// --- Borrow / claim ---

func TestBorrow(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.deposit(t, alice, "1000", 40)

	w := e.do(t, "POST", depositPath(rec.ID, "borrow"), alice, api.AmountRequest{Amount: d("1")})
	if w.Code != http.StatusConflict {
		t.Fatalf("no headroom: expected 409, got %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, "PUT", "/api/v1/admin/oracles/"+collToken.Hex(), owner, api.SetRateRequest{Rate: 1200})
	if w.Code != http.StatusOK {
		t.Fatalf("set rate: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, "POST", depositPath(rec.ID, "borrow"), bob, api.AmountRequest{Amount: d("100")})
	if w.Code != http.StatusForbidden {
		t.Errorf("not owner: expected 403, got %d", w.Code)
	}
	w = e.do(t, "POST", depositPath(rec.ID, "borrow"), alice, api.AmountRequest{Amount: d("200")})
	if w.Code != http.StatusOK {
		t.Fatalf("borrow: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got model.DepositRecord
	json.Unmarshal(w.Body.Bytes(), &got)
	if !got.BorrowedDebt.Equal(d("200")) {
		t.Errorf("expected borrowed 200, got %s", got.BorrowedDebt)
	}

	w = e.do(t, "GET", "/api/v1/owners/"+alice.Hex()+"/borrowable?token="+collToken.Hex(), common.Address{}, nil)
	var amounts []model.BorrowableAmount
	json.Unmarshal(w.Body.Bytes(), &amounts)
	if len(amounts) != 1 || !amounts[0].Amount.IsZero() {
		t.Errorf("expected headroom exhausted, got %+v", amounts)
	}
}

func TestClaim(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.deposit(t, alice, "1000", 30)

	w := e.do(t, "POST", depositPath(rec.ID, "claim"), alice, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("before maturity: expected 409, got %d", w.Code)
	}

	e.clock.Advance(30 * vault.Day)
	w = e.do(t, "POST", depositPath(rec.ID, "claim"), alice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res protocol.ClaimResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if !res.Settlement.CollateralOut.Equal(d("1000")) || !res.StableBurned.Equal(d("1000")) {
		t.Errorf("unexpected claim result %+v", res)
	}

	w = e.do(t, "POST", depositPath(rec.ID, "claim"), alice, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second claim: expected 409, got %d", w.Code)
	}
	w = e.do(t, "POST", depositPath(99, "claim"), alice, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown deposit: expected 404, got %d", w.Code)
	}

	w = e.do(t, "GET", fmt.Sprintf("/api/v1/deposits/%s/%d/events", collToken.Hex(), rec.ID), common.Address{}, nil)
	var events []model.Event
	json.Unmarshal(w.Body.Bytes(), &events)
	if len(events) != 2 || events[0].Kind != model.EventDeposit || events[1].Kind != model.EventClaim {
		t.Errorf("expected deposit and claim events, got %+v", events)
	}
}

func TestTopUp(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.deposit(t, alice, "1000", 30)

	w := e.do(t, "POST", depositPath(rec.ID, "top-up"), alice, api.TopUpRequest{Amount: d("500"), DurationDays: 60})
	if w.Code != http.StatusOK {
		t.Fatalf("top-up: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res protocol.TopUpResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if !res.Record.CollateralAmount.Equal(d("1500")) || res.Record.DurationDays != 60 {
		t.Errorf("unexpected top-up result %+v", res.Record)
	}
}

// --- Queries ---

func TestOwnerQueries(t *testing.T) {
	e := newTestEnv(t, false)
	e.deposit(t, alice, "1000", 30)
	e.deposit(t, alice, "500", 60)

	w := e.do(t, "GET", "/api/v1/owners/"+alice.Hex()+"/deposits?token="+collToken.Hex(), common.Address{}, nil)
	var infos []model.DepositInfo
	json.Unmarshal(w.Body.Bytes(), &infos)
	if len(infos) != 2 || !infos[1].CurrentValue.Equal(d("500")) {
		t.Errorf("unexpected infos %+v", infos)
	}

	w = e.do(t, "GET", "/api/v1/owners/"+alice.Hex()+"/deposits", common.Address{}, nil)
	var recs []model.DepositRecord
	json.Unmarshal(w.Body.Bytes(), &recs)
	if len(recs) != 2 {
		t.Errorf("expected 2 persisted records, got %d", len(recs))
	}

	w = e.do(t, "GET", "/api/v1/owners/"+alice.Hex()+"/shares?token="+collToken.Hex(), common.Address{}, nil)
	var shares api.SharesResponse
	json.Unmarshal(w.Body.Bytes(), &shares)
	if !shares.Shares.Equal(d("1500")) {
		t.Errorf("expected 1500 shares, got %s", shares.Shares)
	}

	w = e.do(t, "GET", "/api/v1/owners/"+alice.Hex()+"/shares", common.Address{}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing token: expected 400, got %d", w.Code)
	}

	w = e.do(t, "GET", "/api/v1/owners/"+bob.Hex()+"/events", common.Address{}, nil)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty event list, got %s", w.Body.String())
	}
}

func TestLiquidableAndPool(t *testing.T) {
	e := newTestEnv(t, false)
	e.deposit(t, alice, "1000", 30)

	w := e.do(t, "GET", "/api/v1/vaults/"+collToken.Hex()+"/liquidable", common.Address{}, nil)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %s", w.Body.String())
	}

	e.clock.Advance(40 * vault.Day)
	w = e.do(t, "GET", "/api/v1/vaults/"+collToken.Hex()+"/liquidable", common.Address{}, nil)
	var list []model.LiquidableDeposit
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 1 || !list[0].Liquidable {
		t.Errorf("expected one liquidable record, got %+v", list)
	}

	w = e.do(t, "POST", "/api/v1/vaults/"+collToken.Hex()+"/yield", alice, api.AmountRequest{Amount: d("10")})
	if w.Code != http.StatusForbidden {
		t.Errorf("yield by non-owner: expected 403, got %d", w.Code)
	}
	w = e.do(t, "POST", "/api/v1/vaults/"+collToken.Hex()+"/yield", owner, api.AmountRequest{Amount: d("10")})
	var pool model.PoolState
	json.Unmarshal(w.Body.Bytes(), &pool)
	if !pool.PoolCollateral.Equal(d("1010")) {
		t.Errorf("expected pool collateral 1010, got %s", pool.PoolCollateral)
	}
}

// --- Admin ---

func TestAdmin(t *testing.T) {
	e := newTestEnv(t, false)
	feesPath := "/api/v1/admin/fees/" + collToken.Hex()
	rate, enabled := int64(30), true

	w := e.do(t, "PUT", feesPath, alice, api.SetFeesRequest{Rate: &rate})
	if w.Code != http.StatusForbidden {
		t.Errorf("non-owner: expected 403, got %d", w.Code)
	}
	tooHigh := int64(1001)
	w = e.do(t, "PUT", feesPath, owner, api.SetFeesRequest{Rate: &tooHigh})
	if w.Code != http.StatusBadRequest {
		t.Errorf("fee too high: expected 400, got %d", w.Code)
	}
	w = e.do(t, "PUT", feesPath, owner, api.SetFeesRequest{Rate: &rate, Enabled: &enabled})
	var fees model.FeeInfo
	json.Unmarshal(w.Body.Bytes(), &fees)
	if fees.Rate != 30 || !fees.Enabled {
		t.Errorf("unexpected fees %+v", fees)
	}

	w = e.do(t, "PUT", "/api/v1/admin/durations", owner, api.SetDurationsRequest{Min: 60, Max: 30})
	if w.Code != http.StatusBadRequest {
		t.Errorf("inverted bounds: expected 400, got %d", w.Code)
	}

	w = e.do(t, "PUT", "/api/v1/admin/vaults", owner, api.SetVaultsRequest{Tokens: []string{collToken.Hex()}, Enabled: false})
	var vaults []api.VaultSummary
	json.Unmarshal(w.Body.Bytes(), &vaults)
	if len(vaults) != 1 || vaults[0].Allowed {
		t.Errorf("expected the vault disabled, got %+v", vaults)
	}
}

func TestFaucetAndBalances(t *testing.T) {
	e := newTestEnv(t, false)
	faucetPath := "/api/v1/admin/faucet/" + collToken.Hex()
	carol := common.HexToAddress("0xca")

	w := e.do(t, "POST", faucetPath, alice, api.FaucetRequest{To: carol.Hex(), Amount: d("50")})
	if w.Code != http.StatusForbidden {
		t.Errorf("non-admin faucet: expected 403, got %d", w.Code)
	}
	w = e.do(t, "POST", faucetPath, owner, api.FaucetRequest{To: carol.Hex(), Amount: d("0")})
	if w.Code != http.StatusBadRequest {
		t.Errorf("zero faucet: expected 400, got %d", w.Code)
	}
	w = e.do(t, "POST", faucetPath, owner, api.FaucetRequest{To: carol.Hex(), Amount: d("50")})
	if w.Code != http.StatusOK {
		t.Fatalf("faucet: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	e.deposit(t, alice, "1000", 30)
	w = e.do(t, "GET", "/api/v1/balances/"+alice.Hex(), common.Address{}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balances: expected 200, got %d", w.Code)
	}
	var bal api.BalancesResponse
	json.Unmarshal(w.Body.Bytes(), &bal)
	if !bal.Stable.Equal(d("1000")) {
		t.Errorf("expected 1000 Stable, got %s", bal.Stable)
	}
	if !bal.Collateral[collToken].Equal(d("9000")) {
		t.Errorf("expected 9000 collateral left, got %s", bal.Collateral[collToken])
	}

	w = e.do(t, "GET", "/api/v1/balances/"+carol.Hex(), common.Address{}, nil)
	json.Unmarshal(w.Body.Bytes(), &bal)
	if !bal.Collateral[collToken].Equal(d("50")) || !bal.Stable.IsZero() {
		t.Errorf("unexpected carol balances %+v", bal)
	}
}

// --- Escrow ---

func TestEscrow(t *testing.T) {
	e := newTestEnv(t, false)
	if w := e.do(t, "GET", "/api/v1/escrow/", common.Address{}, nil); w.Code != http.StatusNotFound {
		t.Errorf("no escrow: expected 404, got %d", w.Code)
	}

	e = newTestEnv(t, true)
	w := e.do(t, "POST", "/api/v1/escrow/sacrifice", alice, api.AmountRequest{Amount: d("300")})
	if w.Code != http.StatusOK {
		t.Fatalf("sacrifice: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = e.do(t, "POST", "/api/v1/escrow/deposit", alice, api.DurationRequest{DurationDays: 30})
	if w.Code != http.StatusForbidden {
		t.Errorf("non-owner deposit: expected 403, got %d", w.Code)
	}
	w = e.do(t, "POST", "/api/v1/escrow/deposit", owner, api.DurationRequest{DurationDays: 30})
	if w.Code != http.StatusCreated {
		t.Fatalf("escrow deposit: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if !e.stable.BalanceOf(alice).Equal(d("300")) {
		t.Errorf("alice should receive 300 Stable, got %s", e.stable.BalanceOf(alice))
	}
	w = e.do(t, "POST", "/api/v1/escrow/sacrifice", bob, api.AmountRequest{Amount: d("1")})
	if w.Code != http.StatusConflict {
		t.Errorf("closed sacrifice: expected 409, got %d", w.Code)
	}

	e.clock.Advance(30 * vault.Day)
	w = e.do(t, "POST", "/api/v1/escrow/redeposit", owner, nil)
	var out map[string]int
	json.Unmarshal(w.Body.Bytes(), &out)
	if out["rolled"] != 1 {
		t.Errorf("expected one record rolled, got %s", w.Body.String())
	}
}

// --- WebSocket ---

func TestWSHub_BroadcastsEvents(t *testing.T) {
	hub := api.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(model.Event{ID: "evt-1", Kind: model.EventDeposit, Token: collToken, DepositID: 7})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "deposit" || msg.Event.ID != "evt-1" || msg.Event.DepositID != 7 {
		t.Errorf("unexpected message %+v", msg)
	}

	// Stopping the hub closes subscribers and turns away new ones.
	cancel()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected subscriber closed on shutdown")
	}
	if n := hub.Clients(); n != 0 {
		t.Errorf("expected no clients after shutdown, got %d", n)
	}

	late, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("late dial: %v", err)
	}
	defer late.Close()
	late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = late.ReadMessage()
	if err == nil {
		t.Fatal("expected late subscriber closed")
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Error("late subscriber was left hanging instead of closed")
	}
	if n := hub.Clients(); n != 0 {
		t.Errorf("late subscriber registered after shutdown: %d clients", n)
	}
}
