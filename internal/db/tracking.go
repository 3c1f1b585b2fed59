package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

func insertEvent(ctx context.Context, tx pgx.Tx, ev *TrackingEvent) error {
	query := `
		INSERT INTO email_tracking (
			campaign_id, email_id, lead_id, event_type, event_timestamp,
			event_data, provider_event_id, user_agent, ip_address
		) VALUES ($1, $2, NULLIF($3::bigint, 0), $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''))
		RETURNING id, created_at
	`

	err := tx.QueryRow(ctx, query,
		ev.CampaignID,
		ev.EmailID,
		ev.LeadID,
		ev.EventType,
		ev.EventTimestamp,
		ev.EventData,
		ev.ProviderEventID,
		ev.UserAgent,
		ev.IPAddress,
	).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", ev.EventType, err)
	}
	return nil
}

// bumpCounter increments the campaign counter matching eventType, if any.
func bumpCounter(ctx context.Context, tx pgx.Tx, campaignID int64, eventType string) error {
	column := CounterColumn(eventType)
	if column == "" {
		return nil
	}

	// column comes from a fixed set, never from input
	query := fmt.Sprintf(
		`UPDATE email_campaigns SET %[1]s = %[1]s + 1, updated_at = NOW() WHERE id = $1`,
		column,
	)
	if _, err := tx.Exec(ctx, query, campaignID); err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	return nil
}

// RecordEvent appends an externally observed tracking event and bumps the
// matching campaign counter in one transaction. A bounce also moves a sent
// email to bounced.
func (r *Repository) RecordEvent(ctx context.Context, ev *TrackingEvent) error {
	err := WithTx(ctx, r.db.Pool(), func(tx pgx.Tx) error {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
		if err := bumpCounter(ctx, tx, ev.CampaignID, ev.EventType); err != nil {
			return err
		}
		if ev.EventType == EventBounced {
			_, err := tx.Exec(ctx, `
				UPDATE email_queue SET status = 'bounced', updated_at = NOW()
				WHERE id = $1 AND status = 'sent'
			`, ev.EmailID)
			if err != nil {
				return fmt.Errorf("mark bounced: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to record tracking event",
			zap.Error(err),
			zap.Int64("email_id", ev.EmailID),
			zap.String("event_type", ev.EventType),
		)
		return err
	}

	r.logger.Debug("tracking event recorded",
		zap.Int64("email_id", ev.EmailID),
		zap.Int64("campaign_id", ev.CampaignID),
		zap.String("event_type", ev.EventType),
	)

	return nil
}

// ListEvents returns the tracking history of one email, oldest first.
func (r *Repository) ListEvents(ctx context.Context, emailID int64) ([]*TrackingEvent, error) {
	query := `
		SELECT id, campaign_id, email_id, COALESCE(lead_id, 0), event_type, event_timestamp,
			event_data, COALESCE(provider_event_id, ''), COALESCE(user_agent, ''),
			COALESCE(ip_address, ''), created_at
		FROM email_tracking
		WHERE email_id = $1
		ORDER BY event_timestamp, id
	`

	rows, err := r.db.Pool().Query(ctx, query, emailID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	return collect(rows, func(row rowScanner) (*TrackingEvent, error) {
		var ev TrackingEvent
		err := row.Scan(
			&ev.ID,
			&ev.CampaignID,
			&ev.EmailID,
			&ev.LeadID,
			&ev.EventType,
			&ev.EventTimestamp,
			&ev.EventData,
			&ev.ProviderEventID,
			&ev.UserAgent,
			&ev.IPAddress,
			&ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		return &ev, nil
	})
}
