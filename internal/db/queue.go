package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// campaignSendable excludes rows whose campaign an operator has paused,
// completed or cancelled. It expects the queue table aliased as q.
const campaignSendable = `
	NOT EXISTS (
		SELECT 1 FROM email_campaigns c
		WHERE c.id = q.campaign_id
		  AND c.status IN ('paused', 'completed', 'cancelled')
	)`

const emailColumns = `
	id, campaign_id, lead_id, recipient_email, COALESCE(recipient_name, ''),
	sender_email, COALESCE(sender_name, ''), COALESCE(reply_to, ''),
	subject, COALESCE(body_html, ''), body_text,
	scheduled_at, sent_at, status, email_type, parent_email_id,
	retry_count, max_retries, COALESCE(last_error, ''),
	COALESCE(provider, ''), COALESCE(provider_message_id, ''),
	variables, attachments, created_at, updated_at`

func scanEmail(row rowScanner) (*QueuedEmail, error) {
	var e QueuedEmail
	err := row.Scan(
		&e.ID,
		&e.CampaignID,
		&e.LeadID,
		&e.RecipientEmail,
		&e.RecipientName,
		&e.SenderEmail,
		&e.SenderName,
		&e.ReplyTo,
		&e.Subject,
		&e.BodyHTML,
		&e.BodyText,
		&e.ScheduledAt,
		&e.SentAt,
		&e.Status,
		&e.EmailType,
		&e.ParentEmailID,
		&e.RetryCount,
		&e.MaxRetries,
		&e.LastError,
		&e.Provider,
		&e.ProviderMessageID,
		&e.Variables,
		&e.Attachments,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func insertEmail(ctx context.Context, tx pgx.Tx, e *QueuedEmail) error {
	if e.Variables == nil {
		e.Variables = map[string]string{}
	}
	if e.Attachments == nil {
		e.Attachments = []Attachment{}
	}

	query := `
		INSERT INTO email_queue (
			campaign_id, lead_id, recipient_email, recipient_name,
			sender_email, sender_name, reply_to, subject, body_html, body_text,
			scheduled_at, status, email_type, parent_email_id,
			retry_count, max_retries, variables, attachments
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id, created_at, updated_at
	`

	return tx.QueryRow(ctx, query,
		e.CampaignID,
		e.LeadID,
		e.RecipientEmail,
		e.RecipientName,
		e.SenderEmail,
		e.SenderName,
		e.ReplyTo,
		e.Subject,
		e.BodyHTML,
		e.BodyText,
		e.ScheduledAt,
		e.Status,
		e.EmailType,
		e.ParentEmailID,
		e.RetryCount,
		e.MaxRetries,
		e.Variables,
		e.Attachments,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

// GetEmail retrieves a queued email by ID.
func (r *Repository) GetEmail(ctx context.Context, id int64) (*QueuedEmail, error) {
	query := `SELECT ` + emailColumns + ` FROM email_queue WHERE id = $1`

	e, err := scanEmail(r.db.Pool().QueryRow(ctx, query, id))
	if notFound(err) {
		return nil, fmt.Errorf("email %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query email: %w", err)
	}
	return e, nil
}

// GetEmailByProviderMessageID looks up a queued email by the id its provider
// assigned at send time.
func (r *Repository) GetEmailByProviderMessageID(ctx context.Context, messageID string) (*QueuedEmail, error) {
	query := `SELECT ` + emailColumns + `
		FROM email_queue
		WHERE provider_message_id = $1
		ORDER BY id DESC
		LIMIT 1`

	e, err := scanEmail(r.db.Pool().QueryRow(ctx, query, messageID))
	if notFound(err) {
		return nil, fmt.Errorf("email with message id %q: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query email by message id: %w", err)
	}
	return e, nil
}

// ActiveInitialLeadIDs returns which of leadIDs already have a pending or sent
// initial email in the campaign.
func (r *Repository) ActiveInitialLeadIDs(ctx context.Context, campaignID int64, leadIDs []int64) (map[int64]bool, error) {
	active := make(map[int64]bool)
	if len(leadIDs) == 0 {
		return active, nil
	}

	query := `
		SELECT DISTINCT lead_id FROM email_queue
		WHERE campaign_id = $1
		  AND lead_id = ANY($2)
		  AND email_type = 'initial'
		  AND status IN ('pending', 'sent')
	`

	rows, err := r.db.Pool().Query(ctx, query, campaignID, leadIDs)
	if err != nil {
		return nil, fmt.Errorf("query active leads: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan lead id: %w", err)
		}
		active[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return active, nil
}

// EnqueueInitial inserts initial emails for a campaign and, in the same
// transaction, sets total_recipients to the number inserted and moves the
// campaign to scheduled. A paused campaign stays paused.
func (r *Repository) EnqueueInitial(ctx context.Context, campaignID int64, emails []*QueuedEmail) (int, error) {
	err := WithTx(ctx, r.db.Pool(), func(tx pgx.Tx) error {
		for _, e := range emails {
			if err := insertEmail(ctx, tx, e); err != nil {
				return fmt.Errorf("insert email for lead %d: %w", e.LeadID, err)
			}
		}

		_, err := tx.Exec(ctx, `
			UPDATE email_campaigns
			SET total_recipients = $1,
				status = CASE WHEN status = 'paused' THEN status ELSE 'scheduled' END,
				updated_at = NOW()
			WHERE id = $2
		`, len(emails), campaignID)
		if err != nil {
			return fmt.Errorf("update campaign recipients: %w", err)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to enqueue campaign",
			zap.Error(err),
			zap.Int64("campaign_id", campaignID),
		)
		return 0, err
	}

	r.logger.Info("campaign emails queued",
		zap.Int64("campaign_id", campaignID),
		zap.Int("count", len(emails)),
	)

	return len(emails), nil
}

// FollowUpCandidates returns sent initial emails of a campaign that have no
// pending or sent follow-up yet.
func (r *Repository) FollowUpCandidates(ctx context.Context, campaignID int64) ([]*QueuedEmail, error) {
	query := `SELECT ` + emailColumns + `
		FROM email_queue q
		WHERE q.campaign_id = $1
		  AND q.email_type = 'initial'
		  AND q.status = 'sent'
		  AND NOT EXISTS (
			SELECT 1 FROM email_queue f
			WHERE f.parent_email_id = q.id
			  AND f.status IN ('pending', 'sent')
		  )
		ORDER BY q.sent_at, q.id`

	rows, err := r.db.Pool().Query(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query follow-up candidates: %w", err)
	}

	emails, err := collect(rows, scanEmail)
	if err != nil {
		return nil, fmt.Errorf("scan email: %w", err)
	}
	return emails, nil
}

// EnqueueFollowUps inserts follow-up emails in one transaction.
func (r *Repository) EnqueueFollowUps(ctx context.Context, emails []*QueuedEmail) (int, error) {
	err := WithTx(ctx, r.db.Pool(), func(tx pgx.Tx) error {
		for _, e := range emails {
			if err := insertEmail(ctx, tx, e); err != nil {
				return fmt.Errorf("insert follow-up for lead %d: %w", e.LeadID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(emails), nil
}

// ClaimableEmails returns pending emails due at or before now, earliest
// first, skipping campaigns that are paused, completed or cancelled. A zero
// campaignID means every campaign.
func (r *Repository) ClaimableEmails(ctx context.Context, now time.Time, limit int, campaignID int64) ([]*QueuedEmail, error) {
	query := `SELECT ` + emailColumns + `
		FROM email_queue q
		WHERE q.status = 'pending'
		  AND q.scheduled_at <= $1
		  AND ($3::bigint = 0 OR q.campaign_id = $3)
		  AND ` + campaignSendable + `
		ORDER BY q.scheduled_at ASC, q.id ASC
		LIMIT $2`

	rows, err := r.db.Pool().Query(ctx, query, now, limit, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query pending emails: %w", err)
	}

	emails, err := collect(rows, scanEmail)
	if err != nil {
		return nil, fmt.Errorf("scan email: %w", err)
	}
	return emails, nil
}

// RetryableEmails returns failed emails still inside their retry budget
// whose campaign is still sendable.
func (r *Repository) RetryableEmails(ctx context.Context, limit int, campaignID int64) ([]*QueuedEmail, error) {
	query := `SELECT ` + emailColumns + `
		FROM email_queue q
		WHERE q.status = 'failed'
		  AND q.retry_count < q.max_retries
		  AND ($2::bigint = 0 OR q.campaign_id = $2)
		  AND ` + campaignSendable + `
		ORDER BY q.scheduled_at ASC, q.id ASC
		LIMIT $1`

	rows, err := r.db.Pool().Query(ctx, query, limit, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query retryable emails: %w", err)
	}

	emails, err := collect(rows, scanEmail)
	if err != nil {
		return nil, fmt.Errorf("scan email: %w", err)
	}
	return emails, nil
}

// ClaimEmail moves an email from pending to sending. It reports false when
// another processor got there first or the campaign stopped sending.
func (r *Repository) ClaimEmail(ctx context.Context, id int64) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE email_queue q SET status = 'sending', updated_at = NOW()
		WHERE q.id = $1 AND q.status = 'pending' AND `+campaignSendable,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("claim email: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// RequeueEmail moves a failed email back to pending when it still has
// retries left.
func (r *Repository) RequeueEmail(ctx context.Context, id int64) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE email_queue SET status = 'pending', updated_at = NOW()
		WHERE id = $1 AND status = 'failed' AND retry_count < max_retries
	`, id)
	if err != nil {
		return false, fmt.Errorf("requeue email: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// CompleteSend marks a sending email as sent, bumps emails_sent and appends a
// sent tracking event, all in one transaction.
func (r *Repository) CompleteSend(ctx context.Context, e *QueuedEmail, out SendOutcome) (*TrackingEvent, error) {
	ev := &TrackingEvent{
		CampaignID:     e.CampaignID,
		EmailID:        e.ID,
		LeadID:         e.LeadID,
		EventType:      EventSent,
		EventTimestamp: out.At,
		EventData: map[string]any{
			"provider":   out.Provider,
			"message_id": out.ProviderMessageID,
		},
		ProviderEventID: out.ProviderMessageID,
	}

	err := WithTx(ctx, r.db.Pool(), func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE email_queue
			SET status = 'sent', sent_at = $2, provider = $3, provider_message_id = $4,
				last_error = NULL, updated_at = NOW()
			WHERE id = $1 AND status = 'sending'
		`, e.ID, out.At, out.Provider, out.ProviderMessageID)
		if err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}
		if result.RowsAffected() == 0 {
			return fmt.Errorf("email %d not sending: %w", e.ID, ErrConflict)
		}

		if err := bumpCounter(ctx, tx, e.CampaignID, EventSent); err != nil {
			return err
		}
		return insertEvent(ctx, tx, ev)
	})
	if err != nil {
		return nil, err
	}

	sentAt := out.At
	e.Status = StatusSent
	e.SentAt = &sentAt
	e.Provider = out.Provider
	e.ProviderMessageID = out.ProviderMessageID
	e.LastError = ""
	return ev, nil
}

// FailSend marks a sending email as failed, increments its retry count and
// the campaign's emails_failed, and appends a failed tracking event.
func (r *Repository) FailSend(ctx context.Context, e *QueuedEmail, out SendOutcome) (*TrackingEvent, error) {
	ev := &TrackingEvent{
		CampaignID:     e.CampaignID,
		EmailID:        e.ID,
		LeadID:         e.LeadID,
		EventType:      EventFailed,
		EventTimestamp: out.At,
		EventData: map[string]any{
			"provider":    out.Provider,
			"error":       out.Error,
			"retry_count": e.RetryCount + 1,
		},
	}

	err := WithTx(ctx, r.db.Pool(), func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE email_queue
			SET status = 'failed', last_error = $2, provider = $3,
				retry_count = retry_count + 1, updated_at = NOW()
			WHERE id = $1 AND status = 'sending'
		`, e.ID, out.Error, out.Provider)
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		if result.RowsAffected() == 0 {
			return fmt.Errorf("email %d not sending: %w", e.ID, ErrConflict)
		}

		if err := bumpCounter(ctx, tx, e.CampaignID, EventFailed); err != nil {
			return err
		}
		return insertEvent(ctx, tx, ev)
	})
	if err != nil {
		return nil, err
	}

	e.Status = StatusFailed
	e.RetryCount++
	e.LastError = out.Error
	e.Provider = out.Provider
	return ev, nil
}

// StaleSendingEmails returns emails stuck in sending since before cutoff,
// typically left behind by a processor that died mid-send.
func (r *Repository) StaleSendingEmails(ctx context.Context, cutoff time.Time, limit int) ([]*QueuedEmail, error) {
	query := `SELECT ` + emailColumns + `
		FROM email_queue
		WHERE status = 'sending' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`

	rows, err := r.db.Pool().Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale emails: %w", err)
	}

	emails, err := collect(rows, scanEmail)
	if err != nil {
		return nil, fmt.Errorf("scan email: %w", err)
	}
	return emails, nil
}
