package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const campaignColumns = `
	id, name, COALESCE(description, ''), status, template_id, target_filters,
	scheduled_at, started_at, completed_at,
	follow_up_enabled, follow_up_delay_days, follow_up_template_id,
	COALESCE(sender_name, ''), sender_email, COALESCE(reply_to, ''), email_provider,
	COALESCE(smtp_host, ''), COALESCE(smtp_port, 0), COALESCE(smtp_username, ''), COALESCE(smtp_password, ''),
	attachments, send_rate_limit,
	total_recipients, emails_sent, emails_delivered, emails_opened,
	emails_clicked, emails_failed, emails_bounced, emails_replied,
	created_at, updated_at`

func scanCampaign(row rowScanner) (*Campaign, error) {
	var c Campaign
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Description,
		&c.Status,
		&c.TemplateID,
		&c.TargetFilters,
		&c.ScheduledAt,
		&c.StartedAt,
		&c.CompletedAt,
		&c.FollowUpEnabled,
		&c.FollowUpDelayDays,
		&c.FollowUpTemplateID,
		&c.SenderName,
		&c.SenderEmail,
		&c.ReplyTo,
		&c.EmailProvider,
		&c.SMTPHost,
		&c.SMTPPort,
		&c.SMTPUsername,
		&c.SMTPPassword,
		&c.Attachments,
		&c.SendRateLimit,
		&c.TotalRecipients,
		&c.EmailsSent,
		&c.EmailsDelivered,
		&c.EmailsOpened,
		&c.EmailsClicked,
		&c.EmailsFailed,
		&c.EmailsBounced,
		&c.EmailsReplied,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCampaign inserts a new campaign and fills its id and timestamps.
// Counters always start at zero.
func (r *Repository) CreateCampaign(ctx context.Context, c *Campaign) error {
	if c.Attachments == nil {
		c.Attachments = []Attachment{}
	}

	query := `
		INSERT INTO email_campaigns (
			name, description, status, template_id, target_filters, scheduled_at,
			follow_up_enabled, follow_up_delay_days, follow_up_template_id,
			sender_name, sender_email, reply_to, email_provider,
			smtp_host, smtp_port, smtp_username, smtp_password,
			attachments, send_rate_limit
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, NULLIF($15::int, 0), $16, $17, $18, $19
		)
		RETURNING id, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		c.Name,
		c.Description,
		c.Status,
		c.TemplateID,
		c.TargetFilters,
		c.ScheduledAt,
		c.FollowUpEnabled,
		c.FollowUpDelayDays,
		c.FollowUpTemplateID,
		c.SenderName,
		c.SenderEmail,
		c.ReplyTo,
		c.EmailProvider,
		c.SMTPHost,
		c.SMTPPort,
		c.SMTPUsername,
		c.SMTPPassword,
		c.Attachments,
		c.SendRateLimit,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create campaign",
			zap.Error(err),
			zap.String("name", c.Name),
		)
		return fmt.Errorf("insert campaign: %w", err)
	}

	r.logger.Info("campaign created",
		zap.Int64("campaign_id", c.ID),
		zap.String("provider", c.EmailProvider),
	)

	return nil
}

// GetCampaign retrieves a campaign by ID. Soft-deleted campaigns are not found.
func (r *Repository) GetCampaign(ctx context.Context, id int64) (*Campaign, error) {
	query := `SELECT ` + campaignColumns + `
		FROM email_campaigns
		WHERE id = $1 AND is_deleted = FALSE`

	c, err := scanCampaign(r.db.Pool().QueryRow(ctx, query, id))
	if notFound(err) {
		return nil, fmt.Errorf("campaign %d: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to get campaign", zap.Error(err), zap.Int64("campaign_id", id))
		return nil, fmt.Errorf("query campaign: %w", err)
	}

	return c, nil
}

// ListFollowUpCampaigns returns live campaigns that have follow-ups configured.
func (r *Repository) ListFollowUpCampaigns(ctx context.Context) ([]*Campaign, error) {
	query := `SELECT ` + campaignColumns + `
		FROM email_campaigns
		WHERE is_deleted = FALSE
		  AND follow_up_enabled = TRUE
		  AND follow_up_template_id IS NOT NULL
		  AND status IN ('scheduled', 'running')
		ORDER BY id`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query follow-up campaigns: %w", err)
	}

	campaigns, err := collect(rows, scanCampaign)
	if err != nil {
		return nil, fmt.Errorf("scan campaign: %w", err)
	}
	return campaigns, nil
}

// UpdateCampaignStatus sets the campaign status. Entering running stamps
// started_at once; entering completed or cancelled stamps completed_at.
// Cancelling also cancels the campaign's pending emails in the same
// transaction.
func (r *Repository) UpdateCampaignStatus(ctx context.Context, id int64, status string, at time.Time) error {
	query := `
		UPDATE email_campaigns
		SET status = $1::text,
			started_at = CASE WHEN $1::text = 'running' THEN COALESCE(started_at, $2) ELSE started_at END,
			completed_at = CASE WHEN $1::text IN ('completed', 'cancelled') THEN $2 ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $3 AND is_deleted = FALSE
	`

	var cancelled int64
	err := WithTx(ctx, r.db.Pool(), func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, query, status, at, id)
		if err != nil {
			return fmt.Errorf("update campaign status: %w", err)
		}
		if result.RowsAffected() == 0 {
			return fmt.Errorf("campaign %d: %w", id, ErrNotFound)
		}
		if status != CampaignCancelled {
			return nil
		}

		result, err = tx.Exec(ctx, `
			UPDATE email_queue SET status = 'cancelled', updated_at = NOW()
			WHERE campaign_id = $1 AND status = 'pending'
		`, id)
		if err != nil {
			return fmt.Errorf("cancel pending emails: %w", err)
		}
		cancelled = result.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("campaign status updated",
		zap.Int64("campaign_id", id),
		zap.String("status", status),
		zap.Int64("emails_cancelled", cancelled),
	)

	return nil
}

// DeleteCampaign soft-deletes a campaign.
func (r *Repository) DeleteCampaign(ctx context.Context, id int64) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE email_campaigns SET is_deleted = TRUE, updated_at = NOW() WHERE id = $1 AND is_deleted = FALSE`,
		id,
	)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("campaign %d: %w", id, ErrNotFound)
	}
	return nil
}
