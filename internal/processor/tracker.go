package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/db"
	"github.com/lalithlochan/outreach/internal/metrics"
)

// ErrInvalidEvent is returned for tracking input that cannot be recorded.
var ErrInvalidEvent = errors.New("invalid tracking event")

// TrackerStore is the persistence Tracker needs.
type TrackerStore interface {
	GetEmail(ctx context.Context, id int64) (*db.QueuedEmail, error)
	GetEmailByProviderMessageID(ctx context.Context, messageID string) (*db.QueuedEmail, error)
	RecordEvent(ctx context.Context, ev *db.TrackingEvent) error
	ListEvents(ctx context.Context, emailID int64) ([]*db.TrackingEvent, error)
}

// TrackInput describes an event observed after sending. The email is found by
// EmailID when set, otherwise by ProviderMessageID.
type TrackInput struct {
	EmailID           int64          `json:"email_id,omitempty"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	EventType         string         `json:"event_type"`
	EventData         map[string]any `json:"event_data,omitempty"`
	ProviderEventID   string         `json:"provider_event_id,omitempty"`
	UserAgent         string         `json:"user_agent,omitempty"`
	IPAddress         string         `json:"ip_address,omitempty"`
	At                time.Time      `json:"at,omitempty"`
}

// Tracker records delivery, engagement and bounce events for sent emails.
type Tracker struct {
	store  TrackerStore
	sink   EventSink
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker creates a Tracker. sink may be nil.
func NewTracker(store TrackerStore, sink EventSink, logger *zap.Logger) *Tracker {
	return &Tracker{
		store:  store,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

// Record appends the event and bumps the matching campaign counter. Sent and
// failed events belong to the processor and are rejected here.
func (t *Tracker) Record(ctx context.Context, in TrackInput) (*db.TrackingEvent, error) {
	if !db.IsValidEventType(in.EventType) || in.EventType == db.EventSent || in.EventType == db.EventFailed {
		return nil, fmt.Errorf("%w: event type %q", ErrInvalidEvent, in.EventType)
	}

	var (
		email *db.QueuedEmail
		err   error
	)
	switch {
	case in.EmailID > 0:
		email, err = t.store.GetEmail(ctx, in.EmailID)
	case in.ProviderMessageID != "":
		email, err = t.store.GetEmailByProviderMessageID(ctx, in.ProviderMessageID)
	default:
		return nil, fmt.Errorf("%w: email id or provider message id required", ErrInvalidEvent)
	}
	if err != nil {
		return nil, err
	}

	at := in.At
	if at.IsZero() {
		at = t.now()
	}

	ev := &db.TrackingEvent{
		CampaignID:      email.CampaignID,
		EmailID:         email.ID,
		LeadID:          email.LeadID,
		EventType:       in.EventType,
		EventTimestamp:  at,
		EventData:       in.EventData,
		ProviderEventID: in.ProviderEventID,
		UserAgent:       in.UserAgent,
		IPAddress:       in.IPAddress,
	}
	if err := t.store.RecordEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("record %s event: %w", in.EventType, err)
	}

	metrics.RecordTrackingEvent(ev.EventType)
	t.logger.Info("tracking event recorded",
		zap.Int64("email_id", ev.EmailID),
		zap.Int64("campaign_id", ev.CampaignID),
		zap.String("event_type", ev.EventType),
	)

	if t.sink != nil {
		if err := t.sink.Publish(ctx, ev); err != nil {
			t.logger.Warn("failed to publish tracking event", zap.Error(err), zap.Int64("email_id", ev.EmailID))
		}
	}

	return ev, nil
}

// History returns the tracking events of one email, oldest first.
func (t *Tracker) History(ctx context.Context, emailID int64) ([]*db.TrackingEvent, error) {
	if _, err := t.store.GetEmail(ctx, emailID); err != nil {
		return nil, err
	}
	events, err := t.store.ListEvents(ctx, emailID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}
