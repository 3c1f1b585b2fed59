package campaign

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/db"
	"github.com/lalithlochan/outreach/internal/provider"
)

// Campaign defaults
const (
	DefaultProvider          = provider.KindSMTP
	DefaultSendRateLimit     = 100
	DefaultFollowUpDelayDays = 3
)

// CampaignInput holds the fields of a new campaign. Pointer fields fall back
// to their defaults when nil.
type CampaignInput struct {
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	TemplateID         int64           `json:"template_id"`
	TargetFilters      db.LeadFilter   `json:"target_filters"`
	ScheduledAt        *time.Time      `json:"scheduled_at"`
	FollowUpEnabled    bool            `json:"follow_up_enabled"`
	FollowUpDelayDays  *int            `json:"follow_up_delay_days"`
	FollowUpTemplateID int64           `json:"follow_up_template_id"`
	SenderName         string          `json:"sender_name"`
	SenderEmail        string          `json:"sender_email"`
	ReplyTo            string          `json:"reply_to"`
	EmailProvider      string          `json:"email_provider"`
	SMTPHost           string          `json:"smtp_host"`
	SMTPPort           int             `json:"smtp_port"`
	SMTPUsername       string          `json:"smtp_username"`
	SMTPPassword       string          `json:"smtp_password"`
	Attachments        []db.Attachment `json:"attachments"`
	SendRateLimit      *int            `json:"send_rate_limit"`
}

func optionalID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

// CreateCampaign stores a new draft campaign. Referenced templates must exist.
func (m *Manager) CreateCampaign(ctx context.Context, in CampaignInput) (*db.Campaign, error) {
	c := &db.Campaign{
		Name:               strings.TrimSpace(in.Name),
		Description:        in.Description,
		Status:             db.CampaignDraft,
		TemplateID:         optionalID(in.TemplateID),
		TargetFilters:      in.TargetFilters,
		ScheduledAt:        in.ScheduledAt,
		FollowUpEnabled:    in.FollowUpEnabled,
		FollowUpDelayDays:  DefaultFollowUpDelayDays,
		FollowUpTemplateID: optionalID(in.FollowUpTemplateID),
		SenderName:         in.SenderName,
		SenderEmail:        strings.TrimSpace(in.SenderEmail),
		ReplyTo:            in.ReplyTo,
		EmailProvider:      in.EmailProvider,
		SMTPHost:           in.SMTPHost,
		SMTPPort:           in.SMTPPort,
		SMTPUsername:       in.SMTPUsername,
		SMTPPassword:       in.SMTPPassword,
		Attachments:        in.Attachments,
		SendRateLimit:      DefaultSendRateLimit,
	}
	if c.EmailProvider == "" {
		c.EmailProvider = DefaultProvider
	}
	if in.FollowUpDelayDays != nil {
		c.FollowUpDelayDays = *in.FollowUpDelayDays
	}
	if in.SendRateLimit != nil {
		c.SendRateLimit = *in.SendRateLimit
	}

	if err := checkCampaign(c); err != nil {
		return nil, err
	}
	for _, id := range []*int64{c.TemplateID, c.FollowUpTemplateID} {
		if id == nil {
			continue
		}
		if _, err := m.template(ctx, *id); err != nil {
			return nil, err
		}
	}

	if err := m.store.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}

	m.logger.Info("campaign created",
		zap.Int64("campaign_id", c.ID),
		zap.String("name", c.Name),
		zap.String("provider", c.EmailProvider),
	)
	return c, nil
}

func checkCampaign(c *db.Campaign) error {
	if c.Name == "" {
		return invalid("campaign name is required")
	}
	if _, err := mail.ParseAddress(c.SenderEmail); err != nil {
		return invalid("sender_email %q is not an address", c.SenderEmail)
	}
	if c.ReplyTo != "" {
		if _, err := mail.ParseAddress(c.ReplyTo); err != nil {
			return invalid("reply_to %q is not an address", c.ReplyTo)
		}
	}
	if !provider.Valid(c.EmailProvider) {
		return invalid("email_provider %q must be one of %s", c.EmailProvider, strings.Join(provider.Kinds(), ", "))
	}
	if c.SendRateLimit < 0 {
		return invalid("send_rate_limit must not be negative")
	}
	if c.FollowUpDelayDays < 0 {
		return invalid("follow_up_delay_days must not be negative")
	}
	if c.SMTPPort < 0 || c.SMTPPort > 65535 {
		return invalid("smtp_port %d out of range", c.SMTPPort)
	}
	return nil
}

// GetCampaign returns a live campaign.
func (m *Manager) GetCampaign(ctx context.Context, id int64) (*db.Campaign, error) {
	return m.campaign(ctx, id)
}

// DeleteCampaign soft-deletes a campaign. Its queued emails are left alone.
func (m *Manager) DeleteCampaign(ctx context.Context, id int64) error {
	if _, err := m.campaign(ctx, id); err != nil {
		return err
	}
	return m.store.DeleteCampaign(ctx, id)
}

func validCampaignStatus(s string) bool {
	switch s {
	case db.CampaignDraft, db.CampaignScheduled, db.CampaignRunning,
		db.CampaignPaused, db.CampaignCompleted, db.CampaignCancelled:
		return true
	}
	return false
}

// SetStatus moves a campaign to status. Completion is always an operator
// decision; completed and cancelled campaigns cannot change again.
func (m *Manager) SetStatus(ctx context.Context, id int64, status string) (*db.Campaign, error) {
	if !validCampaignStatus(status) {
		return nil, invalid("unknown campaign status %q", status)
	}

	c, err := m.campaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == status {
		return c, nil
	}
	if c.Status == db.CampaignCompleted || c.Status == db.CampaignCancelled {
		return nil, fmt.Errorf("%w: campaign %d is %s", ErrInvalidStatus, id, c.Status)
	}

	if err := m.store.UpdateCampaignStatus(ctx, id, status, m.now()); err != nil {
		return nil, err
	}
	return m.campaign(ctx, id)
}

// Stats is a read-only summary of a campaign's counters.
type Stats struct {
	CampaignID      int64      `json:"campaign_id"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	TotalRecipients int        `json:"total_recipients"`
	EmailsSent      int        `json:"emails_sent"`
	EmailsDelivered int        `json:"emails_delivered"`
	EmailsOpened    int        `json:"emails_opened"`
	EmailsClicked   int        `json:"emails_clicked"`
	EmailsFailed    int        `json:"emails_failed"`
	EmailsBounced   int        `json:"emails_bounced"`
	EmailsReplied   int        `json:"emails_replied"`
	OpenRate        string     `json:"open_rate"`
	ClickRate       string     `json:"click_rate"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Stats summarises a campaign. It returns nil, nil when the campaign does not
// exist.
func (m *Manager) Stats(ctx context.Context, id int64) (*Stats, error) {
	c, err := m.campaign(ctx, id)
	if err != nil {
		if errors.Is(err, ErrCampaignNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &Stats{
		CampaignID:      c.ID,
		Name:            c.Name,
		Status:          c.Status,
		TotalRecipients: c.TotalRecipients,
		EmailsSent:      c.EmailsSent,
		EmailsDelivered: c.EmailsDelivered,
		EmailsOpened:    c.EmailsOpened,
		EmailsClicked:   c.EmailsClicked,
		EmailsFailed:    c.EmailsFailed,
		EmailsBounced:   c.EmailsBounced,
		EmailsReplied:   c.EmailsReplied,
		OpenRate:        Rate(c.EmailsOpened, c.EmailsSent),
		ClickRate:       Rate(c.EmailsClicked, c.EmailsSent),
		CreatedAt:       c.CreatedAt,
		StartedAt:       c.StartedAt,
		CompletedAt:     c.CompletedAt,
	}, nil
}

// Rate formats n/sent as a percentage with one decimal, or "0%" when nothing
// was sent.
func Rate(n, sent int) string {
	if sent <= 0 {
		return "0%"
	}
	return fmt.Sprintf("%.1f%%", float64(n)/float64(sent)*100)
}
