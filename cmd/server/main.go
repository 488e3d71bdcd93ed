package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ashare-arena/settlement/internal/api"
	"github.com/ashare-arena/settlement/internal/broadcast"
	"github.com/ashare-arena/settlement/internal/config"
	"github.com/ashare-arena/settlement/internal/decision"
	"github.com/ashare-arena/settlement/internal/ledger"
	"github.com/ashare-arena/settlement/internal/marketdata"
	"github.com/ashare-arena/settlement/internal/metrics"
	"github.com/ashare-arena/settlement/internal/model"
	"github.com/ashare-arena/settlement/internal/order"
	"github.com/ashare-arena/settlement/internal/rules"
	"github.com/ashare-arena/settlement/internal/scheduler"
	"github.com/ashare-arena/settlement/internal/settlement"
	"github.com/ashare-arena/settlement/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
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
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.RedisCacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.RedisCacheTTL)
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Domain ---
	re := rules.New(cfg.Rules)
	universe, err := rules.NewUniverse(cfg.Universe)
	if err != nil {
		slog.Error("invalid universe", "err", err)
		os.Exit(1)
	}

	if err := seedTraders(ctx, st, cfg); err != nil {
		slog.Error("trader seeding failed", "err", err)
		os.Exit(1)
	}

	led := ledger.New(st, re)
	orders := order.NewLifecycle(st, re, universe, nil)
	market := marketdata.NewRandomWalk(universe, re, marketdata.DefaultBasePrices, uint64(time.Now().UnixNano()))

	var policy decision.Policy = decision.HoldPolicy{}
	if cfg.DecisionURL != "" {
		policy = decision.NewHTTPPolicy(cfg.DecisionURL, &http.Client{Timeout: cfg.DecisionTimeout + 5*time.Second})
		slog.Info("decision endpoint configured", "url", cfg.DecisionURL)
	} else {
		slog.Warn("DECISION_URL not set, traders will hold")
	}

	// --- Broadcast ---
	hub := broadcast.NewHub()
	go hub.Run(ctx)

	sinks := broadcast.Fanout{hub}
	var quotes scheduler.QuoteCache = scheduler.NewMemoryQuoteCache()
	if rdb != nil {
		sinks = append(sinks, broadcast.NewRedisPublisher(rdb, "arena:events"))
		rq := scheduler.NewRedisQuoteCache(rdb, "arena:quotes")
		if n, err := rq.Restore(ctx); err != nil {
			slog.Warn("quote mirror restore failed", "err", err)
		} else {
			slog.Info("quotes restored from Redis", "count", n)
		}
		quotes = rq
	}

	engine := settlement.New(st, re, led, orders, market, universe, sinks)

	sched := scheduler.New(scheduler.Config{
		MarketInterval:      cfg.MarketInterval,
		DecisionInterval:    cfg.DecisionInterval,
		SettlementInterval:  cfg.SettlementInterval,
		DecisionDelay:       cfg.DecisionDelay,
		SettlementDelay:     cfg.SettlementDelay,
		DecisionTimeout:     cfg.DecisionTimeout,
		PausedSleep:         cfg.PausedSleep,
		EnforceTradingHours: cfg.EnforceTradingHours,
		BarsDays:            5,
	}, scheduler.Deps{
		Store:      st,
		Rules:      re,
		Ledger:     led,
		Orders:     orders,
		Settlement: engine,
		Market:     market,
		Universe:   universe,
		Policy:     policy,
		Quotes:     quotes,
		Sink:       sinks,
	})

	svc := api.NewService(st, led, orders, sched)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", svc.Health)

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for trades, decisions and market updates.
		// Registered outside the timeout group: the connection is long-lived.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("settlement-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	if err := sched.Start(ctx); err != nil {
		slog.Error("scheduler start failed", "err", err)
		os.Exit(1)
	}

	// Graceful shutdown.
	<-ctx.Done()
	slog.Info("shutting down settlement-engine...")

	if err := sched.Stop(); err != nil {
		slog.Error("scheduler stop error", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("settlement-engine stopped")
}

// seedTraders creates every configured trader that does not exist yet,
// matching by name.
func seedTraders(ctx context.Context, st store.Store, cfg *config.Config) error {
	existing, err := st.ListTraders(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, t := range existing {
		known[t.Name] = true
	}

	for _, seed := range cfg.Traders {
		if known[seed.Name] {
			continue
		}
		now := time.Now().UTC()
		t := &model.Trader{
			ID:          uuid.New().String(),
			Name:        seed.Name,
			ModelName:   seed.Model,
			Cash:        cfg.InitialCash,
			TotalAssets: cfg.InitialCash,
			InitialCash: cfg.InitialCash,
			Active:      true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := st.CreateTrader(ctx, t); err != nil {
			return fmt.Errorf("create trader %s: %w", seed.Name, err)
		}
		slog.Info("trader created", "trader_id", t.ID, "name", t.Name, "model", t.ModelName)
	}
	return nil
}
