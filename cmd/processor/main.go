package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/campaign"
	"github.com/lalithlochan/outreach/internal/circuitbreaker"
	"github.com/lalithlochan/outreach/internal/config"
	"github.com/lalithlochan/outreach/internal/db"
	"github.com/lalithlochan/outreach/internal/events"
	"github.com/lalithlochan/outreach/internal/observ"
	"github.com/lalithlochan/outreach/internal/processor"
	"github.com/lalithlochan/outreach/internal/provider"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	provider  string
	batchSize int
	rateLimit int
	interval  int
	once      bool
}

func parseFlags(args []string, cfg *config.Config) (options, error) {
	var opts options

	fs := flag.NewFlagSet("processor", flag.ContinueOnError)
	fs.StringVar(&opts.provider, "provider", cfg.EmailProvider,
		"email provider ("+strings.Join(provider.Kinds(), ", ")+")")
	fs.IntVar(&opts.batchSize, "batch-size", cfg.BatchSize, "emails claimed per pass")
	fs.IntVar(&opts.rateLimit, "rate-limit", cfg.RateLimit, "successful sends allowed per hour")
	fs.IntVar(&opts.interval, "interval", int(cfg.Interval/time.Second), "seconds between passes")
	fs.BoolVar(&opts.once, "once", false, "process one batch and the retry queue, then exit")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.batchSize <= 0 {
		return opts, fmt.Errorf("--batch-size must be positive")
	}
	if opts.rateLimit < 0 {
		return opts, fmt.Errorf("--rate-limit must not be negative")
	}
	if opts.interval <= 0 {
		return opts, fmt.Errorf("--interval must be positive")
	}
	return opts, nil
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	opts, err := parseFlags(args, cfg)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "processor")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.Database("outreach-processor"), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	p, err := provider.New(opts.provider, cfg.ProviderSettings(), logger)
	if err != nil {
		return err
	}
	if cfg.BreakerMaxFailures > 0 {
		breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
			MaxFailures:     cfg.BreakerMaxFailures,
			RecoveryTimeout: cfg.BreakerRecoveryTimeout,
		}, logger)
		p = breakers.Wrap(p)
	}

	var procOpts []processor.Option
	if cfg.EventsTopicARN != "" {
		publisher, err := events.NewPublisher(ctx, events.Config{
			TopicARN: cfg.EventsTopicARN,
			Region:   cfg.AWSRegion,
			Endpoint: cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			logger.Warn("sns publisher unavailable, tracking events will not be fanned out", zap.Error(err))
		} else {
			procOpts = append(procOpts, processor.WithEventSink(publisher))
		}
	}
	if cfg.FollowUpSchedule != "" {
		procOpts = append(procOpts, processor.WithFollowUps(campaign.NewManager(repo, logger)))
	}

	proc := processor.New(repo, p, processor.Config{
		BatchSize:        opts.batchSize,
		RateLimit:        opts.rateLimit,
		Interval:         time.Duration(opts.interval) * time.Second,
		SendDelay:        cfg.SendDelay,
		FollowUpSchedule: cfg.FollowUpSchedule,
		StaleAfter:       cfg.StaleAfter,
	}, logger, procOpts...)

	if opts.once {
		stats := proc.Once(ctx)
		fmt.Printf("Sent: %d, Retried: %d, Total: %d\n", stats.Sent, stats.Retried, stats.Total)
		return nil
	}

	logger.Info("starting outreach processor",
		zap.String("env", cfg.Env),
		zap.String("provider", p.Name()),
		zap.Bool("follow_ups", cfg.FollowUpSchedule != ""),
	)

	return proc.Run(ctx)
}
