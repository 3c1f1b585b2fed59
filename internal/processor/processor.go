// Package processor drains the email queue through a provider under an hourly
// send limit, retries failed rows and records tracking events.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/outreach/internal/db"
	"github.com/lalithlochan/outreach/internal/metrics"
	"github.com/lalithlochan/outreach/internal/provider"
)

// Store is the queue persistence the processor needs.
type Store interface {
	ClaimableEmails(ctx context.Context, now time.Time, limit int, campaignID int64) ([]*db.QueuedEmail, error)
	RetryableEmails(ctx context.Context, limit int, campaignID int64) ([]*db.QueuedEmail, error)
	ClaimEmail(ctx context.Context, id int64) (bool, error)
	RequeueEmail(ctx context.Context, id int64) (bool, error)
	CompleteSend(ctx context.Context, e *db.QueuedEmail, out db.SendOutcome) (*db.TrackingEvent, error)
	FailSend(ctx context.Context, e *db.QueuedEmail, out db.SendOutcome) (*db.TrackingEvent, error)
	StaleSendingEmails(ctx context.Context, cutoff time.Time, limit int) ([]*db.QueuedEmail, error)
}

// EventSink receives tracking events after they are persisted.
type EventSink interface {
	Publish(ctx context.Context, ev *db.TrackingEvent) error
}

// FollowUpScheduler queues follow-ups that have become due.
type FollowUpScheduler interface {
	ExpandDueFollowUps(ctx context.Context) (int, error)
}

// Config controls batching, the hourly limit and the polling loop.
type Config struct {
	BatchSize int
	// RateLimit is the number of successful sends allowed per hour.
	RateLimit int
	// Interval is the pause between passes in continuous mode.
	Interval time.Duration
	// SendDelay is the minimum gap between attempts. Zero disables pacing.
	SendDelay time.Duration
	// CampaignID restricts the processor to one campaign when non-zero.
	CampaignID int64
	// FollowUpSchedule is a standard cron expression. Empty disables
	// follow-up expansion in Run.
	FollowUpSchedule string
	// StaleAfter is how long a row may stay sending before Run fails it.
	StaleAfter time.Duration
}

// RunStats summarises one pass.
type RunStats struct {
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Total   int `json:"total"`
}

const staleBatch = 100

type Processor struct {
	store     Store
	provider  provider.Provider
	config    Config
	logger    *zap.Logger
	sink      EventSink
	followUps FollowUpScheduler
	pacer     *rate.Limiter
	now       func() time.Time
}

// Option configures optional collaborators.
type Option func(*Processor)

// WithEventSink publishes every tracking event the processor records.
func WithEventSink(sink EventSink) Option {
	return func(p *Processor) { p.sink = sink }
}

// WithFollowUps lets Run expand due follow-ups on Config.FollowUpSchedule.
func WithFollowUps(f FollowUpScheduler) Option {
	return func(p *Processor) { p.followUps = f }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func New(store Store, p provider.Provider, cfg Config, logger *zap.Logger, opts ...Option) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.RateLimit < 0 {
		cfg.RateLimit = 0
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}

	proc := &Processor{
		store:    store,
		provider: p,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
	if cfg.SendDelay > 0 {
		proc.pacer = rate.NewLimiter(rate.Every(cfg.SendDelay), 1)
	}
	for _, opt := range opts {
		opt(proc)
	}
	return proc
}

// ClaimBatch returns up to limit pending emails that are due, earliest first.
// The rows are not locked; SendOne claims each one individually.
func (p *Processor) ClaimBatch(ctx context.Context, limit int) ([]*db.QueuedEmail, error) {
	if limit <= 0 {
		limit = p.config.BatchSize
	}
	return p.store.ClaimableEmails(ctx, p.now(), limit, p.config.CampaignID)
}

// SendOne delivers one pending email. It moves the row to sending, calls the
// provider and persists the outcome, and reports whether the email was sent.
// A row already claimed by another processor is skipped.
func (p *Processor) SendOne(ctx context.Context, e *db.QueuedEmail) (sent bool) {
	log := p.logger.With(
		zap.Int64("email_id", e.ID),
		zap.Int64("campaign_id", e.CampaignID),
	)

	claimed, err := p.store.ClaimEmail(ctx, e.ID)
	if err != nil {
		log.Error("failed to claim email", zap.Error(err))
		return false
	}
	if !claimed {
		log.Debug("email already claimed, skipping")
		metrics.RecordClaimConflict()
		return false
	}
	e.Status = db.StatusSending

	// Once claimed, the send and its bookkeeping run to completion.
	ctx = context.WithoutCancel(ctx)

	start := p.now()
	res := p.deliver(ctx, e)
	elapsed := p.now().Sub(start)

	out := db.SendOutcome{
		Provider:          res.Provider,
		ProviderMessageID: res.MessageID,
		Error:             res.Error,
		At:                p.now(),
	}
	if out.Provider == "" {
		out.Provider = p.provider.Name()
	}

	var ev *db.TrackingEvent
	if res.Success {
		metrics.RecordSend(out.Provider, db.StatusSent, elapsed)
		ev, err = p.store.CompleteSend(ctx, e, out)
		if err != nil && !errors.Is(err, db.ErrConflict) {
			log.Warn("retrying send bookkeeping", zap.Error(err))
			ev, err = p.store.CompleteSend(ctx, e, out)
		}
		if err != nil {
			// The provider accepted the email; the row stays sending until
			// stale recovery picks it up.
			log.Error("email sent but outcome not recorded",
				zap.Error(err),
				zap.String("provider_message_id", out.ProviderMessageID),
			)
			return true
		}
		log.Info("email sent",
			zap.String("provider", out.Provider),
			zap.String("provider_message_id", out.ProviderMessageID),
		)
	} else {
		if out.Error == "" {
			out.Error = "unknown error"
		}
		metrics.RecordSend(out.Provider, db.StatusFailed, elapsed)
		ev, err = p.store.FailSend(ctx, e, out)
		if err != nil {
			log.Error("failed to record send failure", zap.Error(err), zap.String("send_error", out.Error))
			return false
		}
		log.Warn("email send failed",
			zap.String("provider", out.Provider),
			zap.String("error", out.Error),
			zap.Int("retry_count", e.RetryCount),
		)
	}

	metrics.RecordTrackingEvent(ev.EventType)
	p.publish(ctx, ev)
	return res.Success
}

// deliver calls the provider, turning a panic into a failed Result.
func (p *Processor) deliver(ctx context.Context, e *db.QueuedEmail) (res provider.Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("provider panicked", zap.Int64("email_id", e.ID), zap.Any("panic", r))
			res = provider.Result{Provider: p.provider.Name(), Error: fmt.Sprintf("provider panic: %v", r)}
		}
	}()
	return p.provider.Send(ctx, toMessage(e))
}

func (p *Processor) publish(ctx context.Context, ev *db.TrackingEvent) {
	if p.sink == nil || ev == nil {
		return
	}
	if err := p.sink.Publish(ctx, ev); err != nil {
		p.logger.Warn("failed to publish tracking event",
			zap.Error(err),
			zap.Int64("email_id", ev.EmailID),
			zap.String("event_type", ev.EventType),
		)
	}
}

// pace blocks until the next attempt may start.
func (p *Processor) pace(ctx context.Context) error {
	if p.pacer == nil {
		return ctx.Err()
	}
	return p.pacer.Wait(ctx)
}

// ProcessBatch sends due pending emails until the batch or the window is
// exhausted. It returns the number sent and the updated window.
func (p *Processor) ProcessBatch(ctx context.Context, win RateWindow) (int, RateWindow, error) {
	emails, err := p.ClaimBatch(ctx, p.config.BatchSize)
	if err != nil {
		return 0, win, fmt.Errorf("claim batch: %w", err)
	}
	if len(emails) == 0 {
		return 0, win, nil
	}

	p.logger.Info("processing batch", zap.Int("count", len(emails)))

	sent := 0
	for _, e := range emails {
		var ok bool
		if win, ok = win.Check(p.now(), p.config.RateLimit); !ok {
			p.rateLimited(win)
			break
		}
		if err := p.pace(ctx); err != nil {
			break
		}
		if p.SendOne(ctx, e) {
			sent++
			win = win.Record()
		}
	}

	return sent, win, nil
}

// ProcessRetryQueue moves failed emails with retries left back to pending and
// resends them under the same window and pacing as ProcessBatch.
func (p *Processor) ProcessRetryQueue(ctx context.Context, win RateWindow) (int, RateWindow, error) {
	emails, err := p.store.RetryableEmails(ctx, p.config.BatchSize, p.config.CampaignID)
	if err != nil {
		return 0, win, fmt.Errorf("load retry queue: %w", err)
	}
	if len(emails) == 0 {
		return 0, win, nil
	}

	p.logger.Info("processing retry queue", zap.Int("count", len(emails)))

	retried := 0
	for _, e := range emails {
		var ok bool
		if win, ok = win.Check(p.now(), p.config.RateLimit); !ok {
			p.rateLimited(win)
			break
		}
		if err := p.pace(ctx); err != nil {
			break
		}

		requeued, err := p.store.RequeueEmail(ctx, e.ID)
		if err != nil {
			p.logger.Error("failed to requeue email", zap.Error(err), zap.Int64("email_id", e.ID))
			continue
		}
		if !requeued {
			continue
		}
		e.Status = db.StatusPending

		if p.SendOne(ctx, e) {
			retried++
			win = win.Record()
		}
	}

	return retried, win, nil
}

func (p *Processor) rateLimited(win RateWindow) {
	metrics.RecordRateWindowHalt()
	p.logger.Warn("hourly send limit reached",
		zap.Int("limit", p.config.RateLimit),
		zap.Int("sent_in_window", win.Count),
		zap.Time("window_start", win.Start),
	)
}

// RunOnce processes one batch and then the retry queue. Store errors are
// logged and the pass continues with what it has.
func (p *Processor) RunOnce(ctx context.Context, win RateWindow) (RunStats, RateWindow) {
	sent, win, err := p.ProcessBatch(ctx, win)
	if err != nil {
		p.logger.Error("batch failed", zap.Error(err))
	}

	retried, win, err := p.ProcessRetryQueue(ctx, win)
	if err != nil {
		p.logger.Error("retry pass failed", zap.Error(err))
	}

	return RunStats{Sent: sent, Retried: retried, Total: sent + retried}, win
}

// Once recovers stale rows and then runs a single pass with a fresh rate
// window. It serves one-shot invocations that never enter Run.
func (p *Processor) Once(ctx context.Context) RunStats {
	if _, err := p.RecoverStale(ctx); err != nil {
		p.logger.Error("stale recovery failed", zap.Error(err))
	}
	stats, _ := p.RunOnce(ctx, NewRateWindow(p.now()))
	return stats
}

// RecoverStale fails rows left in sending for longer than Config.StaleAfter so
// the retry queue can pick them up. It returns the number recovered.
func (p *Processor) RecoverStale(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.config.StaleAfter)
	emails, err := p.store.StaleSendingEmails(ctx, cutoff, staleBatch)
	if err != nil {
		return 0, fmt.Errorf("load stale emails: %w", err)
	}

	recovered := 0
	for _, e := range emails {
		out := db.SendOutcome{
			Provider: e.Provider,
			Error:    "interrupted while sending",
			At:       p.now(),
		}
		if out.Provider == "" {
			out.Provider = p.provider.Name()
		}
		ev, err := p.store.FailSend(ctx, e, out)
		if errors.Is(err, db.ErrConflict) {
			continue
		}
		if err != nil {
			p.logger.Error("failed to recover stale email", zap.Error(err), zap.Int64("email_id", e.ID))
			continue
		}
		recovered++
		p.publish(ctx, ev)
	}

	if recovered > 0 {
		p.logger.Warn("recovered stale sending emails", zap.Int("count", recovered))
	}
	return recovered, nil
}

// Run processes the queue every Config.Interval until ctx is cancelled. Due
// follow-ups are expanded between passes when a schedule is configured.
func (p *Processor) Run(ctx context.Context) error {
	var schedule cron.Schedule
	if p.config.FollowUpSchedule != "" && p.followUps != nil {
		s, err := cron.ParseStandard(p.config.FollowUpSchedule)
		if err != nil {
			return fmt.Errorf("parse follow-up schedule %q: %w", p.config.FollowUpSchedule, err)
		}
		schedule = s
	}

	if _, err := p.RecoverStale(ctx); err != nil {
		p.logger.Error("stale recovery failed", zap.Error(err))
	}

	p.logger.Info("processor started",
		zap.String("provider", p.provider.Name()),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Int("rate_limit", p.config.RateLimit),
		zap.Duration("interval", p.config.Interval),
	)

	win := NewRateWindow(p.now())
	var nextFollowUp time.Time
	if schedule != nil {
		nextFollowUp = schedule.Next(p.now())
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("processor stopping")
			return nil
		case <-timer.C:
		}

		if schedule != nil && !p.now().Before(nextFollowUp) {
			p.expandFollowUps(ctx)
			nextFollowUp = schedule.Next(p.now())
		}

		var stats RunStats
		stats, win = p.RunOnce(ctx, win)
		if stats.Total > 0 {
			p.logger.Info("pass complete",
				zap.Int("sent", stats.Sent),
				zap.Int("retried", stats.Retried),
				zap.Int("total", stats.Total),
			)
		}

		timer.Reset(p.config.Interval)
	}
}

func (p *Processor) expandFollowUps(ctx context.Context) {
	n, err := p.followUps.ExpandDueFollowUps(ctx)
	if err != nil {
		p.logger.Error("follow-up expansion failed", zap.Error(err))
		return
	}
	if n > 0 {
		p.logger.Info("follow-ups queued", zap.Int("count", n))
	}
}

func toMessage(e *db.QueuedEmail) *provider.Message {
	msg := &provider.Message{
		To:       e.RecipientEmail,
		ToName:   e.RecipientName,
		From:     e.SenderEmail,
		FromName: e.SenderName,
		ReplyTo:  e.ReplyTo,
		Subject:  e.Subject,
		Text:     e.BodyText,
		HTML:     e.BodyHTML,
	}
	for _, a := range e.Attachments {
		msg.Attachments = append(msg.Attachments, provider.Attachment{
			Path:        a.Path,
			Filename:    a.Filename,
			ContentType: a.ContentType,
		})
	}
	return msg
}
