package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/db"
	"github.com/lalithlochan/outreach/internal/provider"
)

// ProviderFactory builds the provider a campaign sends through.
type ProviderFactory func(c *db.Campaign) (provider.Provider, error)

// CampaignSettings returns the provider settings of a campaign with anything
// it leaves unset taken from defaults. A campaign SMTP host without a
// username logs in as the sender address.
func CampaignSettings(c *db.Campaign, defaults provider.Settings) provider.Settings {
	s := provider.Settings{
		SMTPHost:     c.SMTPHost,
		SMTPPort:     c.SMTPPort,
		SMTPUsername: c.SMTPUsername,
		SMTPPassword: c.SMTPPassword,
		DefaultFrom:  c.SenderEmail,
	}
	if s.SMTPHost != "" && s.SMTPUsername == "" {
		s.SMTPUsername = c.SenderEmail
	}
	return s.Merge(defaults)
}

// NewProviderFactory returns a factory that builds each campaign's
// configured provider kind from CampaignSettings. wrap, when non-nil,
// decorates every provider built.
func NewProviderFactory(defaults provider.Settings, logger *zap.Logger, wrap func(provider.Provider) provider.Provider) ProviderFactory {
	return func(c *db.Campaign) (provider.Provider, error) {
		kind := c.EmailProvider
		if kind == "" {
			kind = provider.KindSMTP
		}
		p, err := provider.New(kind, CampaignSettings(c, defaults), logger)
		if err != nil {
			return nil, err
		}
		if wrap != nil {
			p = wrap(p)
		}
		return p, nil
	}
}

// CampaignSender sends one batch of a single campaign on demand. Each
// campaign keeps its own hourly window for the life of the sender.
type CampaignSender struct {
	store   Store
	build   ProviderFactory
	config  Config
	logger  *zap.Logger
	opts    []Option
	now     func() time.Time
	mu      sync.Mutex
	windows map[int64]RateWindow
}

// NewCampaignSender creates a CampaignSender. cfg supplies pacing and the
// fallback batch size; the rate limit comes from each campaign.
func NewCampaignSender(store Store, build ProviderFactory, cfg Config, logger *zap.Logger, opts ...Option) *CampaignSender {
	return &CampaignSender{
		store:   store,
		build:   build,
		config:  cfg,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
		windows: make(map[int64]RateWindow),
	}
}

// Send delivers up to batchSize due pending emails of c under the campaign's
// send_rate_limit and returns how many were sent. Concurrent sends of the
// same campaign are serialised.
func (s *CampaignSender) Send(ctx context.Context, c *db.Campaign, batchSize int) (int, error) {
	p, err := s.build(c)
	if err != nil {
		return 0, fmt.Errorf("campaign %d provider: %w", c.ID, err)
	}

	cfg := s.config
	cfg.CampaignID = c.ID
	cfg.RateLimit = c.SendRateLimit
	if batchSize > 0 {
		cfg.BatchSize = batchSize
	}

	opts := append([]Option{WithClock(s.now)}, s.opts...)
	proc := New(s.store, p, cfg, s.logger.With(zap.Int64("campaign_id", c.ID)), opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	sent, win, err := proc.ProcessBatch(ctx, s.windows[c.ID])
	s.windows[c.ID] = win
	if err != nil {
		return sent, err
	}

	s.logger.Info("campaign batch sent",
		zap.Int64("campaign_id", c.ID),
		zap.String("provider", p.Name()),
		zap.Int("sent", sent),
		zap.Int("remaining_in_window", win.Remaining(cfg.RateLimit)),
	)
	return sent, nil
}
