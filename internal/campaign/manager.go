// Package campaign creates templates and campaigns, selects target leads and
// expands campaigns into queued emails and follow-ups.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/db"
	"github.com/lalithlochan/outreach/internal/render"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrTemplateNotFound = errors.New("template not found")
	ErrNoTemplate       = errors.New("campaign has no template")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidStatus    = errors.New("invalid status transition")
)

// MaxCampaignLeads caps the leads selected from a campaign's stored filters.
const MaxCampaignLeads = 1000

// Store is the persistence the manager needs.
type Store interface {
	CreateTemplate(ctx context.Context, t *db.Template) error
	GetTemplate(ctx context.Context, id int64) (*db.Template, error)
	UpdateTemplate(ctx context.Context, t *db.Template) error
	DeleteTemplate(ctx context.Context, id int64) error
	TouchTemplateUsage(ctx context.Context, id int64, at time.Time) error

	CreateCampaign(ctx context.Context, c *db.Campaign) error
	GetCampaign(ctx context.Context, id int64) (*db.Campaign, error)
	ListFollowUpCampaigns(ctx context.Context) ([]*db.Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id int64, status string, at time.Time) error
	DeleteCampaign(ctx context.Context, id int64) error

	ListLeads(ctx context.Context, q db.LeadQuery) ([]*db.Lead, error)
	LatestCompletedRunID(ctx context.Context, actorID string) (string, error)

	ActiveInitialLeadIDs(ctx context.Context, campaignID int64, leadIDs []int64) (map[int64]bool, error)
	EnqueueInitial(ctx context.Context, campaignID int64, emails []*db.QueuedEmail) (int, error)
	FollowUpCandidates(ctx context.Context, campaignID int64) ([]*db.QueuedEmail, error)
	EnqueueFollowUps(ctx context.Context, emails []*db.QueuedEmail) (int, error)
}

type Manager struct {
	store    Store
	renderer render.Renderer
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithStrictRendering makes expansion fail when a template references a
// variable the lead does not provide.
func WithStrictRendering() Option {
	return func(m *Manager) { m.renderer.Strict = true }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) campaign(ctx context.Context, id int64) (*db.Campaign, error) {
	c, err := m.store.GetCampaign(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrCampaignNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (m *Manager) template(ctx context.Context, id int64) (*db.Template, error) {
	t, err := m.store.GetTemplate(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrTemplateNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
