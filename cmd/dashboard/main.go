package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/api"
	"github.com/lalithlochan/outreach/internal/campaign"
	"github.com/lalithlochan/outreach/internal/circuitbreaker"
	"github.com/lalithlochan/outreach/internal/config"
	"github.com/lalithlochan/outreach/internal/db"
	"github.com/lalithlochan/outreach/internal/events"
	"github.com/lalithlochan/outreach/internal/metrics"
	"github.com/lalithlochan/outreach/internal/observ"
	"github.com/lalithlochan/outreach/internal/processor"
	"github.com/lalithlochan/outreach/internal/provider"
	"github.com/lalithlochan/outreach/internal/redis"
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

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "dashboard")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting outreach dashboard",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	database, err := db.New(ctx, cfg.Database("outreach-dashboard"), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)
	manager := campaign.NewManager(repo, logger)

	var (
		sink     processor.EventSink
		procOpts []processor.Option
	)
	if cfg.EventsTopicARN != "" {
		publisher, err := events.NewPublisher(ctx, events.Config{
			TopicARN: cfg.EventsTopicARN,
			Region:   cfg.AWSRegion,
			Endpoint: cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			logger.Warn("sns publisher unavailable, tracking events will not be fanned out", zap.Error(err))
		} else {
			sink = publisher
			procOpts = append(procOpts, processor.WithEventSink(publisher))
		}
	}
	tracker := processor.NewTracker(repo, sink, logger)

	var (
		wrap        func(provider.Provider) provider.Provider
		handlerOpts []api.HandlerOption
	)
	if cfg.BreakerMaxFailures > 0 {
		breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
			MaxFailures:     cfg.BreakerMaxFailures,
			RecoveryTimeout: cfg.BreakerRecoveryTimeout,
		}, logger)
		wrap = breakers.Wrap
		handlerOpts = append(handlerOpts, api.WithBreakers(breakers))
	}
	sender := processor.NewCampaignSender(
		repo,
		processor.NewProviderFactory(cfg.ProviderSettings(), logger, wrap),
		processor.Config{SendDelay: cfg.SendDelay},
		logger,
		procOpts...,
	)

	// Redis backs rate limiting and idempotency; both are skipped without it.
	var (
		limiter     *redis.RateLimiter
		redisClient *redis.Client
	)
	if cfg.RedisURL != "" {
		redisClient, err = redis.New(ctx, redis.Config{URL: cfg.RedisURL}, logger)
		if err != nil {
			logger.Warn("redis unavailable, rate limiting and idempotency disabled", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
			limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.APIRateLimit,
				Window: cfg.APIRateWindow,
			})
			handlerOpts = append(handlerOpts,
				api.WithIdempotency(redis.NewIdempotencyService(redisClient, logger), cfg.IdempotencyTTL))
		}
	}

	handler := api.NewHandler(logger, manager, tracker, sender, handlerOpts...)
	health := func(r *http.Request) error {
		if err := database.Health(r.Context()); err != nil {
			return err
		}
		metrics.SetDBConnections(int(database.Pool().Stat().TotalConns()))

		// Redis is optional: the limiter and idempotency fail open without it.
		if redisClient != nil {
			if err := redisClient.Ping(r.Context()); err != nil {
				logger.Warn("redis ping failed", zap.Error(err))
			}
		}
		return nil
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, limiter, health, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
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
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
