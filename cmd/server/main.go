package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/peerlend/ledger-engine/internal/auth"
	"github.com/peerlend/ledger-engine/internal/collateral"
	"github.com/peerlend/ledger-engine/internal/config"
	"github.com/peerlend/ledger-engine/internal/escrow"
	"github.com/peerlend/ledger-engine/internal/explorer"
	"github.com/peerlend/ledger-engine/internal/holdings"
	"github.com/peerlend/ledger-engine/internal/httpapi"
	"github.com/peerlend/ledger-engine/internal/journal"
	"github.com/peerlend/ledger-engine/internal/ledger"
	"github.com/peerlend/ledger-engine/internal/loan"
	"github.com/peerlend/ledger-engine/internal/metrics"
	"github.com/peerlend/ledger-engine/internal/party"
	"github.com/peerlend/ledger-engine/internal/txhistory"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "err", err)
		os.Exit(1)
	}

	custodian, err := party.Parse(cfg.CustodianParty)
	if err != nil {
		slog.Error("invalid CUSTODIAN_PARTY", "err", err)
		os.Exit(1)
	}

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Reconciliation journal ---
	var jn *journal.Journal
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if _, err := pool.Exec(context.Background(), journal.Schema); err != nil {
			slog.Error("journal schema setup failed", "err", err)
			os.Exit(1)
		}
		jn = journal.New(pool)
		slog.Info("reconciliation journal connected")
	} else {
		slog.Warn("DATABASE_URL not set, reconciliation failures are log-only")
	}

	// --- Clients ---
	tokens := auth.NewCache(cfg.TokenURL, cfg.ClientID, cfg.ClientSecret)
	transport := ledger.NewTransport()
	ledgerClient := ledger.NewClient(transport, tokens, cfg.LedgerBaseURL, cfg.LedgerAudience, cfg.LedgerUserID)
	escrowClient := escrow.NewClient(transport, tokens, cfg.EscrowBaseURL, cfg.EscrowAudience)

	templates := ledger.Templates{
		LendingPackageID: cfg.LendingPackageID,
		AmuletPackageID:  cfg.AmuletPackageID,
	}

	// --- Engine ---
	allocator := holdings.NewAllocator(ledgerClient, templates)
	manager := collateral.NewManager(ledgerClient, escrowClient, allocator, templates)
	engine := loan.NewEngine(ledgerClient, manager, jn, templates, custodian, loan.Defaults{
		LTVRatio: cfg.DefaultLTVRatio,
		CCPrice:  cfg.DefaultCCPrice,
	})
	decoder := txhistory.NewDecoder(ledgerClient)

	// The service user submits with both parties plus the custodian as
	// authorizers, so it needs act-as rights for the custodian.
	grantCtx, grantCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ledgerClient.GrantActAsRights(grantCtx, cfg.LedgerUserID, []party.ID{custodian}); err != nil {
		slog.Warn("custodian act-as grant failed, accept/repay submissions may be rejected", "err", err)
	}
	grantCancel()

	// --- Balance cache ---
	var balances collateral.BalanceSource = manager
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		balances = collateral.NewCachedBalances(manager, rdb, 15*time.Second)
		slog.Info("balance cache enabled")
	}

	// --- Explorer feed ---
	hub := explorer.NewHub()
	go hub.Run()

	// Poll as the custodian: it observes every offer and loan.
	pollCtx, pollCancel := context.WithCancel(context.Background())
	defer pollCancel()
	poller := explorer.NewPoller(decoder, hub, custodian, 5*time.Second)
	go poller.Run(pollCtx)

	api := httpapi.New(balances, engine, decoder, escrowClient, hub)
	if jn != nil {
		api.WithJournal(jn)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", api.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ledger-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down ledger-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("ledger-engine stopped")
}
