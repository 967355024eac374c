package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/gestibat/gestibat/internal/api"
	"github.com/gestibat/gestibat/internal/detection"
	"github.com/gestibat/gestibat/internal/events"
	"github.com/gestibat/gestibat/internal/governor"
	"github.com/gestibat/gestibat/internal/store"
	"github.com/gestibat/gestibat/pkg/config"
	"github.com/gestibat/gestibat/pkg/logging"
	"github.com/gestibat/gestibat/pkg/metrics"
	"github.com/gestibat/gestibat/pkg/resilience"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "scheduler failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments configure through the environment
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "gestibat-scheduler",
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	breakerCfg := resilience.DefaultBreakerConfig()
	breakerCfg.OnStateChange = func(name string, from, to resilience.BreakerState) {
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	}
	breakers := resilience.NewBreakerRegistry(breakerCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bus events.Bus = events.NewMemoryBus()
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, falling back to in-process event bus", "error", err)
		} else {
			defer client.Close()
			redisBus := events.NewRedisBus(client)
			go redisBus.Listen(ctx)
			bus = redisBus
			logger.Info("Event bus connected", "redis_addr", cfg.Redis.Addr())
		}
	}

	var entityStore detection.EntityStore
	pg, err := store.NewPostgres(cfg.Database)
	if err != nil {
		logger.Warn("Database unreachable, falling back to in-memory entity store", "error", err)
		entityStore = store.NewMemory()
	} else {
		defer pg.Close()
		entityStore = pg
		logger.Info("Database connected", "host", cfg.Database.Host, "database", cfg.Database.Name)
	}

	gov := governor.New(cfg.Governor, breakers, m)
	gov.Start(ctx)
	defer gov.Stop()

	scheduler := detection.NewScheduler(cfg.Scheduler, cfg.SchedulerEnabled(), detection.Deps{
		Detector: detection.NewStoreDetector(entityStore),
		Store:    entityStore,
		Bus:      bus,
		Governor: gov,
		Breakers: breakers,
		Metrics:  m,
	})
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer scheduler.Stop()

	handlers := api.NewHandlers(scheduler, gov, breakers, entityStore)
	router := api.NewRouter(cfg, handlers, registry)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			"addr", server.Addr,
			"environment", cfg.Environment,
			"scheduler_enabled", cfg.SchedulerEnabled(),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-quit:
		logger.Info("Shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	return nil
}
