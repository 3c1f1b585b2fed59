package db

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist or is soft-deleted.
var ErrNotFound = errors.New("not found")

// Template types
const (
	TemplateInitial  = "initial"
	TemplateFollowUp = "follow_up"
	TemplateCustom   = "custom"
)

// Campaign status constants
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignRunning   = "running"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignCancelled = "cancelled"
)

// Queue status constants
const (
	StatusPending   = "pending"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusBounced   = "bounced"
	StatusCancelled = "cancelled"
)

// Email types
const (
	EmailInitial  = "initial"
	EmailFollowUp = "follow_up"
)

// Tracking event types
const (
	EventSent         = "sent"
	EventDelivered    = "delivered"
	EventOpened       = "opened"
	EventClicked      = "clicked"
	EventBounced      = "bounced"
	EventFailed       = "failed"
	EventReplied      = "replied"
	EventUnsubscribed = "unsubscribed"
)

// DefaultMaxRetries is the retry bound given to new queue rows.
const DefaultMaxRetries = 3

// Lead is a contact row from the externally owned sales_leads table.
// Nullable text columns are read as empty strings.
type Lead struct {
	ID          int64     `json:"id"`
	Email       string    `json:"email"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	FullName    string    `json:"full_name"`
	CompanyName string    `json:"company_name"`
	Industry    string    `json:"industry"`
	City        string    `json:"city"`
	Country     string    `json:"country"`
	Source      string    `json:"source"`
	LeadStatus  string    `json:"lead_status"`
	RunID       string    `json:"run_id"`
	IsDeleted   bool      `json:"is_deleted"`
	CreatedAt   time.Time `json:"created_at"`
}

// LeadFilter holds equality constraints over lead attributes.
// Empty fields are not applied.
type LeadFilter struct {
	Country    string `json:"country,omitempty"`
	Source     string `json:"source,omitempty"`
	Industry   string `json:"industry,omitempty"`
	LeadStatus string `json:"lead_status,omitempty"`
}

// LeadQuery selects leads for a campaign.
type LeadQuery struct {
	Filter LeadFilter
	RunID  string
	Limit  int
}

// Attachment references a file attached to outgoing mail.
type Attachment struct {
	Path        string `json:"path,omitempty"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Template is a reusable email body with {{var}} placeholders.
type Template struct {
	ID                 int64      `json:"id"`
	Name               string     `json:"name"`
	Description        string     `json:"description,omitempty"`
	Type               string     `json:"template_type"`
	Subject            string     `json:"subject"`
	BodyHTML           string     `json:"body_html,omitempty"`
	BodyText           string     `json:"body_text"`
	AvailableVariables []string   `json:"available_variables,omitempty"`
	IsActive           bool       `json:"is_active"`
	IsDefault          bool       `json:"is_default"`
	UsageCount         int        `json:"usage_count"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Campaign is a bulk send of one template against a filtered lead set.
type Campaign struct {
	ID                 int64        `json:"id"`
	Name               string       `json:"name"`
	Description        string       `json:"description,omitempty"`
	Status             string       `json:"status"`
	TemplateID         *int64       `json:"template_id,omitempty"`
	TargetFilters      LeadFilter   `json:"target_filters"`
	ScheduledAt        *time.Time   `json:"scheduled_at,omitempty"`
	StartedAt          *time.Time   `json:"started_at,omitempty"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
	FollowUpEnabled    bool         `json:"follow_up_enabled"`
	FollowUpDelayDays  int          `json:"follow_up_delay_days"`
	FollowUpTemplateID *int64       `json:"follow_up_template_id,omitempty"`
	SenderName         string       `json:"sender_name,omitempty"`
	SenderEmail        string       `json:"sender_email"`
	ReplyTo            string       `json:"reply_to,omitempty"`
	EmailProvider      string       `json:"email_provider"`
	SMTPHost           string       `json:"smtp_host,omitempty"`
	SMTPPort           int          `json:"smtp_port,omitempty"`
	SMTPUsername       string       `json:"smtp_username,omitempty"`
	SMTPPassword       string       `json:"-"`
	Attachments        []Attachment `json:"attachments,omitempty"`
	SendRateLimit      int          `json:"send_rate_limit"`

	TotalRecipients int `json:"total_recipients"`
	EmailsSent      int `json:"emails_sent"`
	EmailsDelivered int `json:"emails_delivered"`
	EmailsOpened    int `json:"emails_opened"`
	EmailsClicked   int `json:"emails_clicked"`
	EmailsFailed    int `json:"emails_failed"`
	EmailsBounced   int `json:"emails_bounced"`
	EmailsReplied   int `json:"emails_replied"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QueuedEmail is one rendered, scheduled email for a campaign and lead
// (a row of email_queue).
type QueuedEmail struct {
	ID                int64             `json:"id"`
	CampaignID        int64             `json:"campaign_id"`
	LeadID            int64             `json:"lead_id"`
	RecipientEmail    string            `json:"recipient_email"`
	RecipientName     string            `json:"recipient_name,omitempty"`
	SenderEmail       string            `json:"sender_email"`
	SenderName        string            `json:"sender_name,omitempty"`
	ReplyTo           string            `json:"reply_to,omitempty"`
	Subject           string            `json:"subject"`
	BodyHTML          string            `json:"body_html,omitempty"`
	BodyText          string            `json:"body_text"`
	ScheduledAt       time.Time         `json:"scheduled_at"`
	SentAt            *time.Time        `json:"sent_at,omitempty"`
	Status            string            `json:"status"`
	EmailType         string            `json:"email_type"`
	ParentEmailID     *int64            `json:"parent_email_id,omitempty"`
	RetryCount        int               `json:"retry_count"`
	MaxRetries        int               `json:"max_retries"`
	LastError         string            `json:"last_error,omitempty"`
	Provider          string            `json:"provider,omitempty"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	Variables         map[string]string `json:"variables,omitempty"`
	Attachments       []Attachment      `json:"attachments,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// CanRetry reports whether a failed row is still inside its retry budget.
func (e *QueuedEmail) CanRetry() bool {
	return e.Status == StatusFailed && e.RetryCount < e.MaxRetries
}

// TrackingEvent is an append-only record of something that happened to a
// queued email.
type TrackingEvent struct {
	ID              int64          `json:"id"`
	CampaignID      int64          `json:"campaign_id"`
	EmailID         int64          `json:"email_id"`
	LeadID          int64          `json:"lead_id,omitempty"`
	EventType       string         `json:"event_type"`
	EventTimestamp  time.Time      `json:"event_timestamp"`
	EventData       map[string]any `json:"event_data,omitempty"`
	ProviderEventID string         `json:"provider_event_id,omitempty"`
	UserAgent       string         `json:"user_agent,omitempty"`
	IPAddress       string         `json:"ip_address,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// SendOutcome describes the result of one delivery attempt, persisted together
// with the campaign counter and the tracking event.
type SendOutcome struct {
	Provider          string
	ProviderMessageID string
	Error             string
	At                time.Time
}

// IsValidEventType reports whether t is a known tracking event type.
func IsValidEventType(t string) bool {
	switch t {
	case EventSent, EventDelivered, EventOpened, EventClicked,
		EventBounced, EventFailed, EventReplied, EventUnsubscribed:
		return true
	}
	return false
}

// CounterColumn returns the campaign counter column bumped by an event type,
// or "" when the event does not move a counter.
func CounterColumn(eventType string) string {
	switch eventType {
	case EventSent:
		return "emails_sent"
	case EventDelivered:
		return "emails_delivered"
	case EventOpened:
		return "emails_opened"
	case EventClicked:
		return "emails_clicked"
	case EventFailed:
		return "emails_failed"
	case EventBounced:
		return "emails_bounced"
	case EventReplied:
		return "emails_replied"
	default:
		return ""
	}
}
