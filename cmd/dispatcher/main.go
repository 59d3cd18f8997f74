package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/storelinehq/courier/internal/api"
	"github.com/storelinehq/courier/internal/circuitbreaker"
	"github.com/storelinehq/courier/internal/config"
	"github.com/storelinehq/courier/internal/db"
	"github.com/storelinehq/courier/internal/dispatch"
	"github.com/storelinehq/courier/internal/metrics"
	"github.com/storelinehq/courier/internal/observ"
	"github.com/storelinehq/courier/internal/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier dispatcher",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("transport", cfg.Transport),
		zap.Duration("tick_interval", cfg.TickInterval),
	)

	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs the tick lock. Without it, replicas fall back to
	// lock-free ticking; the claim itself stays safe, only pacing
	// guarantees weaken across overlapping runs.
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	var tickLock *redis.TickLock
	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, dispatch lock disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		tickLock = redis.NewTickLock(redisClient, logger, "courier:dispatch:lock", cfg.LockTTL)
		defer redisClient.Close()
	}

	transport, err := buildTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(cfg.Transport), logger)
	protected := circuitbreaker.NewProtectedTransport(transport, breaker, logger)

	dispatcher := dispatch.New(repo, protected, dispatch.Config{
		BatchSize:        cfg.BatchSize,
		ClaimLease:       cfg.ClaimLease,
		SendTimeout:      cfg.SendTimeout,
		DayOffset:        cfg.DayOffset,
		TenantDayOffsets: cfg.TenantDayOffsets,
	}, logger)

	tickCtx, tickCancel := context.WithCancel(context.Background())
	defer tickCancel()

	go runTicker(tickCtx, dispatcher, tickLock, cfg.TickInterval, logger)

	logger.Info("dispatch ticker started")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))
	r.Use(metrics.Middleware)

	handler := api.NewHandler(logger, repo, dispatcher)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", handler.CreateMessage)
		r.Get("/messages", handler.ListMessages)
		r.Get("/messages/{id}", handler.GetMessage)
		r.Post("/dispatch/tick", handler.TriggerTick)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop ticking first so no new batch starts mid-shutdown.
		tickCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// runTicker drives the periodic dispatch loop. When a tick lock is
// configured, only one replica runs a tick at a time.
func runTicker(ctx context.Context, dispatcher *dispatch.Dispatcher, lock *redis.TickLock, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("dispatch ticker stopping")
			return
		case <-ticker.C:
			runOneTick(ctx, dispatcher, lock, logger)
		}
	}
}

func runOneTick(ctx context.Context, dispatcher *dispatch.Dispatcher, lock *redis.TickLock, logger *zap.Logger) {
	if lock != nil {
		token, acquired, err := lock.Acquire(ctx)
		if err != nil {
			logger.Error("failed to acquire tick lock", zap.Error(err))
			return
		}
		if !acquired {
			metrics.RecordTickLockContention()
			return
		}
		defer func() {
			if err := lock.Release(ctx, token); err != nil {
				logger.Error("failed to release tick lock", zap.Error(err))
			}
		}()
	}

	if _, err := dispatcher.RunTick(ctx); err != nil {
		logger.Error("dispatch tick failed", zap.Error(err))
	}
}

func buildTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (dispatch.Transport, error) {
	switch cfg.Transport {
	case "sns":
		transport, err := dispatch.NewSNSTransport(ctx, dispatch.SNSConfig{Region: cfg.SNSRegion}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SNS transport: %w", err)
		}
		return transport, nil
	case "http":
		return dispatch.NewHTTPTransport(dispatch.HTTPConfig{
			GatewayURL: cfg.GatewayURL,
			APIKey:     cfg.GatewayAPIKey,
			Timeout:    cfg.SendTimeout,
		}, logger), nil
	default:
		return dispatch.NewLogTransport(logger), nil
	}
}
