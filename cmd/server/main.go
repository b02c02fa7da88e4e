package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/stablevault/cdp-engine/internal/api"
	"github.com/stablevault/cdp-engine/internal/config"
	"github.com/stablevault/cdp-engine/internal/escrow"
	"github.com/stablevault/cdp-engine/internal/logging"
	"github.com/stablevault/cdp-engine/internal/metrics"
	"github.com/stablevault/cdp-engine/internal/oracle"
	"github.com/stablevault/cdp-engine/internal/protocol"
	"github.com/stablevault/cdp-engine/internal/store"
	"github.com/stablevault/cdp-engine/internal/token"
	"github.com/stablevault/cdp-engine/internal/vault"
)

func main() {
	configPath := flag.String("config", os.Getenv("CDP_CONFIG"), "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.ServiceName, cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid redis_url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("database_url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- Protocol ---
	p, err := bootstrap(ctx, cfg, st, wsHub)
	if err != nil {
		slog.Error("protocol bootstrap failed", "err", err)
		os.Exit(1)
	}

	var esc *escrow.Escrow
	if cfg.Protocol.Escrow != "" {
		esc, err = newEscrow(cfg, p)
		if err != nil {
			slog.Error("escrow setup failed", "err", err)
			os.Exit(1)
		}
		slog.Info("escrow enabled", "address", esc.Address().Hex(), "token", esc.Token().Hex())
	}

	svc := api.NewService(p, st, esc)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+api.CallerHeader+", "+api.RequestIDHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":%q}`, cfg.ServiceName)
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time protocol events.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		slog.Info(cfg.ServiceName+" listening", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down " + cfg.ServiceName + "...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println(cfg.ServiceName + " stopped")
}

// bootstrap builds the Stable ledger, one vault per configured collateral
// token, and the protocol that owns them, then restores persisted state.
func bootstrap(ctx context.Context, cfg *config.AppConfig, st store.Store, hub *api.WSHub) (*protocol.Protocol, error) {
	owner := common.HexToAddress(cfg.Protocol.Owner)
	address := common.HexToAddress(cfg.Protocol.Address)

	stable := token.NewLedger(common.HexToAddress(cfg.Stable.Address), "STABLE", cfg.Stable.Decimals, address)

	var escrowAddr common.Address
	if cfg.Protocol.Escrow != "" {
		escrowAddr = common.HexToAddress(cfg.Protocol.Escrow)
	}
	p, err := protocol.New(protocol.Config{
		Owner:       owner,
		Address:     address,
		RewardsPool: common.HexToAddress(cfg.Protocol.RewardsPool),
		Escrow:      escrowAddr,
		Stable:      stable,
		Store:       st,
		Notifier:    hub,
	})
	if err != nil {
		return nil, err
	}

	tokens := make([]common.Address, 0, len(cfg.Vaults))
	for _, vc := range cfg.Vaults {
		tok := common.HexToAddress(vc.Token)
		o, err := oracle.NewFixedRate(decimal.RequireFromString(vc.Price), cfg.Stable.Decimals)
		if err != nil {
			return nil, fmt.Errorf("vault %s: %w", tok.Hex(), err)
		}
		v, err := vault.New(vault.Config{
			Token:           tok,
			Custody:         common.HexToAddress(vc.Address),
			Decimals:        vc.Decimals,
			MinDurationDays: cfg.Protocol.MinDurationDays,
			MaxDurationDays: cfg.Protocol.MaxDurationDays,
			Grace:           cfg.Protocol.Grace(),
		}, time.Now)
		if err != nil {
			return nil, fmt.Errorf("vault %s: %w", tok.Hex(), err)
		}
		symbol := vc.Symbol
		if symbol == "" {
			symbol = tok.Hex()[:8]
		}
		collateral := token.NewLedger(tok, symbol, vc.Decimals, owner)
		if err := p.RegisterVault(owner, v, collateral, o); err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	if len(tokens) > 0 {
		if err := p.SetVaults(owner, tokens, true); err != nil {
			return nil, err
		}
	}
	for _, vc := range cfg.Vaults {
		tok := common.HexToAddress(vc.Token)
		if err := p.SetDepositFee(owner, tok, vc.FeeRate); err != nil {
			return nil, err
		}
		if err := p.SetDepositFeeEnable(owner, tok, vc.FeeEnabled); err != nil {
			return nil, err
		}
	}

	if err := p.Restore(ctx); err != nil {
		return nil, err
	}
	if err := reconcileBalances(ctx, p, st, owner); err != nil {
		return nil, err
	}
	slog.Info("protocol ready", "owner", owner.Hex(), "address", address.Hex(), "vaults", len(tokens))
	return p, nil
}

// reconcileBalances re-creates token balances implied by restored state:
// each vault's custody holds its pooled collateral and each active record's
// owner holds its outstanding debt in Stable.
func reconcileBalances(ctx context.Context, p *protocol.Protocol, st store.Store, owner common.Address) error {
	for _, tok := range p.Tokens() {
		pool, err := p.Pool(tok)
		if err != nil {
			return err
		}
		if !pool.PoolCollateral.IsPositive() {
			continue
		}
		collateral, err := p.Collateral(tok)
		if err != nil {
			return err
		}
		custody, err := p.Custody(tok)
		if err != nil {
			return err
		}
		recs, err := st.ListDeposits(ctx, tok)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", tok.Hex(), err)
		}
		for _, rec := range recs {
			if !rec.Active() || !rec.Debt().IsPositive() {
				continue
			}
			if err := p.Stable().Mint(p.Address(), rec.Owner, rec.Debt()); err != nil {
				return fmt.Errorf("reconcile debt %s/%d: %w", tok.Hex(), rec.ID, err)
			}
		}
		if err := collateral.Mint(owner, custody, pool.PoolCollateral); err != nil {
			return fmt.Errorf("reconcile custody %s: %w", tok.Hex(), err)
		}
		slog.Warn("token balances reconciled from restored state",
			"token", tok.Hex(),
			"pool_collateral", pool.PoolCollateral.String(),
			"records", len(recs),
		)
	}
	return nil
}

// newEscrow attaches the escrow to protocol.escrow_token, or to the first
// configured vault when unset.
func newEscrow(cfg *config.AppConfig, p *protocol.Protocol) (*escrow.Escrow, error) {
	var tok common.Address
	switch {
	case cfg.Protocol.EscrowToken != "":
		tok = common.HexToAddress(cfg.Protocol.EscrowToken)
	case len(cfg.Vaults) > 0:
		tok = common.HexToAddress(cfg.Vaults[0].Token)
	default:
		return nil, errors.New("escrow needs at least one vault")
	}
	collateral, err := p.Collateral(tok)
	if err != nil {
		return nil, err
	}
	return escrow.New(escrow.Config{
		Owner:      p.Owner(),
		Address:    common.HexToAddress(cfg.Protocol.Escrow),
		Collateral: collateral,
		Stable:     p.Stable(),
		Protocol:   p,
	})
}
