package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/easyfin/trading-engine/internal/api"
	"github.com/easyfin/trading-engine/internal/auth"
	"github.com/easyfin/trading-engine/internal/config"
	"github.com/easyfin/trading-engine/internal/metrics"
	"github.com/easyfin/trading-engine/internal/quote"
	"github.com/easyfin/trading-engine/internal/store"
	"github.com/easyfin/trading-engine/internal/stream"
	"github.com/easyfin/trading-engine/internal/trade"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("trading-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("trading-engine stopped")
}

// run wires the server and blocks until a shutdown signal or a listener
// failure. Deferred closers run on every return path.
func run(args []string) error {
	fs := flag.NewFlagSet("trading-engine", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(config.NewLogger(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	switch {
	case cfg.Storage.DatabaseURL != "":
		pool, err := store.NewPool(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer pool.Close()
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case cfg.Storage.SQLitePath != "":
		sq, err := store.NewSQLiteStore(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite %s: %w", cfg.Storage.SQLitePath, err)
		}
		defer sq.Close()
		st = sq
		slog.Info("using SQLite store", "path", cfg.Storage.SQLitePath)
	default:
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Redis backs the read cache and the session store when configured.
	var sessions auth.SessionStore = auth.NewMemorySessions()
	if cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		st = store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL)
		sessions = auth.NewRedisSessions(rdb)
		slog.Info("Redis cache and sessions enabled")
	}
	metrics.SetSessionCounter(func() float64 {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := sessions.Count(cctx)
		if err != nil {
			slog.Warn("count sessions", "err", err)
			return math.NaN()
		}
		return float64(n)
	})

	secret := []byte(cfg.Auth.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate jwt secret: %w", err)
		}
		slog.Warn("JWT_SECRET not set, using a random secret; sessions will not survive a restart",
			"fingerprint", hex.EncodeToString(secret[:4]))
	}

	// --- Quotes ---
	quotes := quote.NewService(st, nil)
	if err := quotes.Seed(ctx, quote.DefaultInstruments()); err != nil {
		return fmt.Errorf("seed instruments: %w", err)
	}

	// --- WebSocket hub ---
	hub := stream.NewHub(cfg.Server.AllowedOrigins)
	go hub.Run(ctx)

	if cfg.Trading.NoiseInterval > 0 {
		go runNoise(ctx, quotes, hub, cfg.Trading.NoiseInterval)
	}

	// --- Services ---
	engine := trade.NewEngine(st, quotes, hub)
	authSvc := auth.NewService(st, sessions, auth.Config{
		Secret:          secret,
		TTL:             cfg.Auth.SessionTTL,
		StartingBalance: cfg.Trading.StartingBalance,
	})

	handler := api.NewHandler(engine, authSvc, quotes, hub)
	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		WebSocket:      hub.HandleWS,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("trading-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down trading-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	return nil
}

// runNoise moves prices on a fixed period and pushes each snapshot to the
// WebSocket clients.
func runNoise(ctx context.Context, quotes *quote.Service, hub *stream.Hub, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			instruments, err := quotes.ApplyNoise(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("quote noise", "err", err)
				}
				continue
			}
			hub.PricesUpdated(instruments)
		}
	}
}
