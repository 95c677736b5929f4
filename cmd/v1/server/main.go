package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/studyhive/studyhive/backend/go/internal/v1/api"
	"github.com/studyhive/studyhive/backend/go/internal/v1/bus"
	"github.com/studyhive/studyhive/backend/go/internal/v1/config"
	"github.com/studyhive/studyhive/backend/go/internal/v1/governor"
	"github.com/studyhive/studyhive/backend/go/internal/v1/health"
	"github.com/studyhive/studyhive/backend/go/internal/v1/identity"
	"github.com/studyhive/studyhive/backend/go/internal/v1/journal"
	"github.com/studyhive/studyhive/backend/go/internal/v1/logging"
	"github.com/studyhive/studyhive/backend/go/internal/v1/ratelimit"
	"github.com/studyhive/studyhive/backend/go/internal/v1/registry"
	"github.com/studyhive/studyhive/backend/go/internal/v1/store"
	"github.com/studyhive/studyhive/backend/go/internal/v1/tracing"
	"github.com/studyhive/studyhive/backend/go/internal/v1/transport"
)

// redisPinger adapts the redis client to the health probe.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode()); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer logging.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DevelopmentMode() {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	}

	// --- Tracing (optional) ---
	if cfg.OTelEnabled {
		tp, err := tracing.InitTracer(ctx, "studyhive-backend", cfg.OTelEndpoint)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			defer func() {
				if err := tp.Shutdown(context.Background()); err != nil {
					logging.Error(ctx, "Tracer shutdown failed", zap.Error(err))
				}
			}()
			logging.Info(ctx, "✅ Tracing initialized", zap.String("endpoint", cfg.OTelEndpoint))
		}
	}

	// --- Storage ---
	st, err := store.New(cfg.DBPath)
	if err != nil {
		logging.Fatal(ctx, "Failed to open store", zap.Error(err))
	}
	defer st.Close()

	clk := clock.RealClock{}
	b := bus.New()

	reg := registry.New(st, b, clk)
	if err := reg.Bootstrap(ctx, cfg.RoomCount, cfg.CapacityPerRoom); err != nil {
		logging.Fatal(ctx, "Failed to bootstrap rooms", zap.Error(err))
	}
	logging.Info(ctx, "✅ Rooms bootstrapped",
		zap.Int("rooms", cfg.RoomCount), zap.Int("capacity", cfg.CapacityPerRoom))

	ids := identity.New(st, cfg.IdleTimeout, clk)
	go ids.RunSweeper(ctx, cfg.IdleSweepInterval, clk)

	// --- Redis (optional, shared rate-limit counters) ---
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logging.Error(ctx, "Redis unreachable, falling back to in-memory rate limiting", zap.Error(err))
			_ = redisClient.Close()
			redisClient = nil
		} else {
			logging.Info(ctx, "✅ Redis connected", zap.String("addr", cfg.RedisAddr))
		}
	}

	engine, err := ratelimit.NewEngine(cfg, redisClient, clk)
	if err != nil {
		logging.Fatal(ctx, "Failed to build rate limiter", zap.Error(err))
	}

	gov := governor.New(cfg.SystemCapacity, cfg.MaxConnsPerPrincipal, clk)
	go gov.Run(ctx)

	jr := journal.New(st, cfg.ChatHistoryLimit, clk)

	hub := transport.NewHub(ids, reg, jr, b, engine, gov, transport.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		TrustProxy:       cfg.TrustProxy,
		HashSecret:       cfg.AddressHashSecret,
		PingInterval:     cfg.PingInterval,
		PingMaxMissed:    cfg.PingMaxMissed,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ChatHistoryLimit: cfg.ChatHistoryLimit,
	}, clk)

	var redisProbe health.Pinger
	if redisClient != nil {
		redisProbe = redisPinger{client: redisClient}
	}

	router := api.NewRouter(api.Deps{
		Config:   cfg,
		Identity: ids,
		Rooms:    reg,
		Engine:   engine,
		Governor: gov,
		Hub:      hub,
		Health:   health.NewHandler(st, redisProbe),
		Clock:    clk,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: cfg.HandshakeTimeout,
	}

	// --- Graceful Shutdown ---
	go func() {
		logging.Info(ctx, "API server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting requests, then notify and close live sessions.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Error during gateway shutdown", zap.Error(err))
	}

	// Stop background work, then release shared resources.
	gov.Stop()
	cancel()
	b.Close()

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logging.Error(context.Background(), "Failed to close Redis connection", zap.Error(err))
		}
	}

	logging.Info(context.Background(), "Server exiting")
}
