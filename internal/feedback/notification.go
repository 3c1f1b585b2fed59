// Package feedback turns SES delivery, engagement and bounce notifications
// into tracking events.
package feedback

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lalithlochan/outreach/internal/db"
	"github.com/lalithlochan/outreach/internal/processor"
)

var (
	// ErrUnsupported marks notifications that carry no trackable event.
	ErrUnsupported = errors.New("unsupported notification")
	// ErrMalformed marks bodies that are not SES notifications.
	ErrMalformed = errors.New("malformed notification")
)

// snsEnvelope wraps SES notifications delivered through an SNS subscription
// without raw message delivery.
type snsEnvelope struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	Message   string `json:"Message"`
}

type recipient struct {
	EmailAddress string `json:"emailAddress"`
}

// sesNotification covers SES event publishing (eventType) and the older
// identity notifications (notificationType).
type sesNotification struct {
	EventType        string `json:"eventType"`
	NotificationType string `json:"notificationType"`

	Mail struct {
		MessageID   string    `json:"messageId"`
		Timestamp   time.Time `json:"timestamp"`
		Destination []string  `json:"destination"`
	} `json:"mail"`

	Delivery *struct {
		Timestamp            time.Time `json:"timestamp"`
		ProcessingTimeMillis int64     `json:"processingTimeMillis"`
		SMTPResponse         string    `json:"smtpResponse"`
	} `json:"delivery"`

	Bounce *struct {
		BounceType        string      `json:"bounceType"`
		BounceSubType     string      `json:"bounceSubType"`
		BouncedRecipients []recipient `json:"bouncedRecipients"`
		Timestamp         time.Time   `json:"timestamp"`
		FeedbackID        string      `json:"feedbackId"`
	} `json:"bounce"`

	Complaint *struct {
		ComplainedRecipients  []recipient `json:"complainedRecipients"`
		ComplaintFeedbackType string      `json:"complaintFeedbackType"`
		Timestamp             time.Time   `json:"timestamp"`
		FeedbackID            string      `json:"feedbackId"`
	} `json:"complaint"`

	Open *struct {
		IPAddress string    `json:"ipAddress"`
		UserAgent string    `json:"userAgent"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"open"`

	Click *struct {
		IPAddress string    `json:"ipAddress"`
		UserAgent string    `json:"userAgent"`
		Link      string    `json:"link"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"click"`
}

func addresses(rs []recipient) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.EmailAddress)
	}
	return out
}

// Parse decodes an SQS message body holding an SES notification, raw or in
// an SNS envelope, into tracking input keyed by the SES message id.
func Parse(body []byte) (processor.TrackInput, error) {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return processor.TrackInput{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type != "" {
		if env.Type != "Notification" {
			return processor.TrackInput{}, fmt.Errorf("%w: SNS %s", ErrUnsupported, env.Type)
		}
		body = []byte(env.Message)
	}

	var n sesNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return processor.TrackInput{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n.Mail.MessageID == "" {
		return processor.TrackInput{}, fmt.Errorf("%w: missing mail.messageId", ErrMalformed)
	}

	kind := n.EventType
	if kind == "" {
		kind = n.NotificationType
	}

	in := processor.TrackInput{
		ProviderMessageID: n.Mail.MessageID,
		ProviderEventID:   env.MessageID,
		EventData:         map[string]any{"source": "ses"},
	}

	switch strings.ToLower(kind) {
	case "delivery":
		if n.Delivery == nil {
			return processor.TrackInput{}, fmt.Errorf("%w: delivery without details", ErrMalformed)
		}
		in.EventType = db.EventDelivered
		in.At = n.Delivery.Timestamp
		in.EventData["smtp_response"] = n.Delivery.SMTPResponse
		in.EventData["processing_time_ms"] = n.Delivery.ProcessingTimeMillis

	case "bounce":
		if n.Bounce == nil {
			return processor.TrackInput{}, fmt.Errorf("%w: bounce without details", ErrMalformed)
		}
		in.EventType = db.EventBounced
		in.At = n.Bounce.Timestamp
		in.ProviderEventID = n.Bounce.FeedbackID
		in.EventData["bounce_type"] = n.Bounce.BounceType
		in.EventData["bounce_sub_type"] = n.Bounce.BounceSubType
		in.EventData["recipients"] = addresses(n.Bounce.BouncedRecipients)

	case "complaint":
		if n.Complaint == nil {
			return processor.TrackInput{}, fmt.Errorf("%w: complaint without details", ErrMalformed)
		}
		in.EventType = db.EventUnsubscribed
		in.At = n.Complaint.Timestamp
		in.ProviderEventID = n.Complaint.FeedbackID
		in.EventData["reason"] = "complaint"
		in.EventData["feedback_type"] = n.Complaint.ComplaintFeedbackType
		in.EventData["recipients"] = addresses(n.Complaint.ComplainedRecipients)

	case "open":
		if n.Open == nil {
			return processor.TrackInput{}, fmt.Errorf("%w: open without details", ErrMalformed)
		}
		in.EventType = db.EventOpened
		in.At = n.Open.Timestamp
		in.UserAgent = n.Open.UserAgent
		in.IPAddress = n.Open.IPAddress

	case "click":
		if n.Click == nil {
			return processor.TrackInput{}, fmt.Errorf("%w: click without details", ErrMalformed)
		}
		in.EventType = db.EventClicked
		in.At = n.Click.Timestamp
		in.UserAgent = n.Click.UserAgent
		in.IPAddress = n.Click.IPAddress
		in.EventData["url"] = n.Click.Link

	default:
		return processor.TrackInput{}, fmt.Errorf("%w: %q", ErrUnsupported, kind)
	}

	return in, nil
}
