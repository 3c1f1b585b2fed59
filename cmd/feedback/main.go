package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/config"
	"github.com/lalithlochan/outreach/internal/db"
	"github.com/lalithlochan/outreach/internal/events"
	"github.com/lalithlochan/outreach/internal/feedback"
	"github.com/lalithlochan/outreach/internal/observ"
	"github.com/lalithlochan/outreach/internal/processor"
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
	if cfg.FeedbackQueueURL == "" {
		return fmt.Errorf("FEEDBACK_QUEUE_URL is required")
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "feedback")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.Database("outreach-feedback"), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	var sink processor.EventSink
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
		}
	}

	consumer, err := feedback.NewConsumer(ctx, feedback.Config{
		Region:   cfg.AWSRegion,
		QueueURL: cfg.FeedbackQueueURL,
		Endpoint: cfg.AWSEndpoint,
	}, processor.NewTracker(repo, sink, logger), logger)
	if err != nil {
		return fmt.Errorf("failed to create feedback consumer: %w", err)
	}

	logger.Info("starting outreach feedback consumer", zap.String("env", cfg.Env))
	return consumer.Run(ctx)
}
