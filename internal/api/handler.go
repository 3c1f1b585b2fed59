// Package api serves the JSON dashboard over the campaign manager, the
// tracker and a campaign-scoped sender.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/campaign"
	"github.com/lalithlochan/outreach/internal/circuitbreaker"
	"github.com/lalithlochan/outreach/internal/db"
	"github.com/lalithlochan/outreach/internal/processor"
	"github.com/lalithlochan/outreach/internal/provider"
	"github.com/lalithlochan/outreach/internal/redis"
	"github.com/lalithlochan/outreach/internal/render"
)

const (
	defaultLeadLimit  = 50
	defaultQueueLimit = 100
	defaultSendBatch  = 10
)

// CampaignManager is the campaign and template surface the dashboard drives.
type CampaignManager interface {
	CreateTemplate(ctx context.Context, in campaign.TemplateInput) (*db.Template, error)
	GetTemplate(ctx context.Context, id int64) (*db.Template, error)
	UpdateTemplate(ctx context.Context, id int64, in campaign.TemplateUpdate) (*db.Template, error)
	DeleteTemplate(ctx context.Context, id int64) error
	PreviewTemplate(ctx context.Context, id int64, vars map[string]string) (render.Content, error)

	CreateCampaign(ctx context.Context, in campaign.CampaignInput) (*db.Campaign, error)
	GetCampaign(ctx context.Context, id int64) (*db.Campaign, error)
	DeleteCampaign(ctx context.Context, id int64) error
	SetStatus(ctx context.Context, id int64, status string) (*db.Campaign, error)
	Stats(ctx context.Context, id int64) (*campaign.Stats, error)

	SelectLeads(ctx context.Context, filter db.LeadFilter, limit int, runID string) ([]*db.Lead, error)
	ExpandCampaign(ctx context.Context, id int64, leads []*db.Lead, scheduledAt *time.Time) (int, error)
	ExpandFromLatestRun(ctx context.Context, id int64, actorID string, limit int) (int, error)
	ExpandFollowUps(ctx context.Context, id int64) (int, error)
}

// EventRecorder records operator-reported tracking events and reads an
// email's history.
type EventRecorder interface {
	Record(ctx context.Context, in processor.TrackInput) (*db.TrackingEvent, error)
	History(ctx context.Context, emailID int64) ([]*db.TrackingEvent, error)
}

// CampaignSender sends one batch of a campaign.
type CampaignSender interface {
	Send(ctx context.Context, c *db.Campaign, batchSize int) (int, error)
}

// BreakerRegistry exposes the provider circuit breakers to operators.
type BreakerRegistry interface {
	Stats() []circuitbreaker.Stats
	Reset(name string) bool
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// PreviewRequest carries the variables a template preview is rendered with.
type PreviewRequest struct {
	Variables map[string]string `json:"variables"`
}

// PreviewResponse is a rendered template. HTML is sanitized for display.
type PreviewResponse struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// StatusRequest moves a campaign to a new status.
type StatusRequest struct {
	Status string `json:"status"`
}

// QueueRequest controls how a campaign is expanded. All fields are optional.
type QueueRequest struct {
	FromLatestRun bool       `json:"from_latest_run"`
	ActorID       string     `json:"actor_id"`
	Limit         int        `json:"limit"`
	ScheduledAt   *time.Time `json:"scheduled_at"`
}

// SendRequest sets the batch size of a campaign send.
type SendRequest struct {
	BatchSize int `json:"batch_size"`
}

// CountResponse reports how many emails an operation queued or sent.
type CountResponse struct {
	CampaignID int64 `json:"campaign_id"`
	Queued     *int  `json:"queued,omitempty"`
	Sent       *int  `json:"sent,omitempty"`
}

// EventRequest is an operator-reported tracking event, e.g. a reply.
type EventRequest struct {
	EventType       string         `json:"event_type"`
	EventData       map[string]any `json:"event_data"`
	ProviderEventID string         `json:"provider_event_id"`
	UserAgent       string         `json:"user_agent"`
	IPAddress       string         `json:"ip_address"`
	At              time.Time      `json:"at"`
}

// BreakersResponse lists provider circuit breakers.
type BreakersResponse struct {
	Breakers []circuitbreaker.Stats `json:"breakers"`
}

// EventsResponse lists the tracking history of one email.
type EventsResponse struct {
	EmailID int64               `json:"email_id"`
	Events  []*db.TrackingEvent `json:"events"`
}

// LeadsResponse lists selected leads.
type LeadsResponse struct {
	Leads []*db.Lead `json:"leads"`
	Count int        `json:"count"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger         *zap.Logger
	manager        CampaignManager
	tracker        EventRecorder
	sender         CampaignSender
	idempotency    *redis.IdempotencyService // nil if Redis not configured
	idempotencyTTL time.Duration
	breakers       BreakerRegistry // nil when breakers are disabled
	policy         *bluemonday.Policy
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithIdempotency honours the Idempotency-Key header on queue-mutating routes.
func WithIdempotency(svc *redis.IdempotencyService, ttl time.Duration) HandlerOption {
	return func(h *Handler) {
		h.idempotency = svc
		h.idempotencyTTL = ttl
	}
}

// WithBreakers exposes the provider circuit breakers.
func WithBreakers(b BreakerRegistry) HandlerOption {
	return func(h *Handler) { h.breakers = b }
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, manager CampaignManager, tracker EventRecorder, sender CampaignSender, opts ...HandlerOption) *Handler {
	h := &Handler{
		logger:         logger,
		manager:        manager,
		tracker:        tracker,
		sender:         sender,
		idempotencyTTL: redis.IdempotencyTTL,
		policy:         bluemonday.UGCPolicy(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateTemplate handles POST /v1/templates
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var in campaign.TemplateInput
	if !h.decode(w, r, &in) {
		return
	}

	t, err := h.manager.CreateTemplate(r.Context(), in)
	if err != nil {
		h.fail(w, err, "create template")
		return
	}

	writeJSON(w, http.StatusCreated, t)
}

// GetTemplate handles GET /v1/templates/{id}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	t, err := h.manager.GetTemplate(r.Context(), id)
	if err != nil {
		h.fail(w, err, "get template")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// UpdateTemplate handles PATCH /v1/templates/{id}
func (h *Handler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var in campaign.TemplateUpdate
	if !h.decode(w, r, &in) {
		return
	}

	t, err := h.manager.UpdateTemplate(r.Context(), id, in)
	if err != nil {
		h.fail(w, err, "update template")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// DeleteTemplate handles DELETE /v1/templates/{id}
func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.manager.DeleteTemplate(r.Context(), id); err != nil {
		h.fail(w, err, "delete template")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PreviewTemplate handles POST /v1/templates/{id}/preview
func (h *Handler) PreviewTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req PreviewRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	c, err := h.manager.PreviewTemplate(r.Context(), id, req.Variables)
	if err != nil {
		h.fail(w, err, "preview template")
		return
	}

	writeJSON(w, http.StatusOK, PreviewResponse{
		Subject: c.Subject,
		HTML:    h.policy.Sanitize(c.HTML),
		Text:    c.Text,
	})
}

// CreateCampaign handles POST /v1/campaigns
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaign.CampaignInput
	if !h.decode(w, r, &in) {
		return
	}

	c, err := h.manager.CreateCampaign(r.Context(), in)
	if err != nil {
		h.fail(w, err, "create campaign")
		return
	}

	writeJSON(w, http.StatusCreated, c)
}

// GetCampaign handles GET /v1/campaigns/{id}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	c, err := h.manager.GetCampaign(r.Context(), id)
	if err != nil {
		h.fail(w, err, "get campaign")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// DeleteCampaign handles DELETE /v1/campaigns/{id}. Queued rows are left in
// place.
func (h *Handler) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.manager.DeleteCampaign(r.Context(), id); err != nil {
		h.fail(w, err, "delete campaign")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CampaignStats handles GET /v1/campaigns/{id}/stats
func (h *Handler) CampaignStats(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	stats, err := h.manager.Stats(r.Context(), id)
	if err != nil {
		h.fail(w, err, "campaign stats")
		return
	}
	if stats == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found", "")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// SetCampaignStatus handles POST /v1/campaigns/{id}/status
func (h *Handler) SetCampaignStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req StatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	c, err := h.manager.SetStatus(r.Context(), id, req.Status)
	if err != nil {
		h.fail(w, err, "set campaign status")
		return
	}

	h.logger.Info("campaign status changed", zap.Int64("campaign_id", id), zap.String("status", c.Status))
	writeJSON(w, http.StatusOK, c)
}

// QueueCampaign handles POST /v1/campaigns/{id}/queue
func (h *Handler) QueueCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req QueueRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	var (
		n   int
		err error
	)
	if req.FromLatestRun {
		limit := req.Limit
		if limit <= 0 {
			limit = defaultQueueLimit
		}
		n, err = h.manager.ExpandFromLatestRun(r.Context(), id, req.ActorID, limit)
	} else {
		n, err = h.manager.ExpandCampaign(r.Context(), id, nil, req.ScheduledAt)
	}
	if err != nil {
		h.fail(w, err, "queue campaign")
		return
	}

	h.logger.Info("campaign queued", zap.Int64("campaign_id", id), zap.Int("queued", n))
	writeJSON(w, http.StatusOK, CountResponse{CampaignID: id, Queued: &n})
}

// QueueFollowUps handles POST /v1/campaigns/{id}/follow-ups
func (h *Handler) QueueFollowUps(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	n, err := h.manager.ExpandFollowUps(r.Context(), id)
	if err != nil {
		h.fail(w, err, "queue follow-ups")
		return
	}

	h.logger.Info("follow-ups queued", zap.Int64("campaign_id", id), zap.Int("queued", n))
	writeJSON(w, http.StatusOK, CountResponse{CampaignID: id, Queued: &n})
}

// SendCampaign handles POST /v1/campaigns/{id}/send
func (h *Handler) SendCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req SendRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	if req.BatchSize <= 0 {
		req.BatchSize = defaultSendBatch
	}

	c, err := h.manager.GetCampaign(r.Context(), id)
	if err != nil {
		h.fail(w, err, "send campaign")
		return
	}

	n, err := h.sender.Send(r.Context(), c, req.BatchSize)
	if err != nil {
		h.fail(w, err, "send campaign")
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{CampaignID: id, Sent: &n})
}

// ListLeads handles GET /v1/leads
func (h *Handler) ListLeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultLeadLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit", "limit must be a positive integer")
			return
		}
		limit = min(n, campaign.MaxCampaignLeads)
	}

	filter := db.LeadFilter{
		Country:    q.Get("country"),
		Source:     q.Get("source"),
		Industry:   q.Get("industry"),
		LeadStatus: q.Get("lead_status"),
	}

	leads, err := h.manager.SelectLeads(r.Context(), filter, limit, q.Get("run_id"))
	if err != nil {
		h.fail(w, err, "list leads")
		return
	}
	if leads == nil {
		leads = []*db.Lead{}
	}
	writeJSON(w, http.StatusOK, LeadsResponse{Leads: leads, Count: len(leads)})
}

// RecordEmailEvent handles POST /v1/emails/{id}/events
func (h *Handler) RecordEmailEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req EventRequest
	if !h.decode(w, r, &req) {
		return
	}

	ev, err := h.tracker.Record(r.Context(), processor.TrackInput{
		EmailID:         id,
		EventType:       req.EventType,
		EventData:       req.EventData,
		ProviderEventID: req.ProviderEventID,
		UserAgent:       req.UserAgent,
		IPAddress:       req.IPAddress,
		At:              req.At,
	})
	if err != nil {
		h.fail(w, err, "record event")
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// ListEmailEvents handles GET /v1/emails/{id}/events
func (h *Handler) ListEmailEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	events, err := h.tracker.History(r.Context(), id)
	if err != nil {
		h.fail(w, err, "list events")
		return
	}
	if events == nil {
		events = []*db.TrackingEvent{}
	}
	writeJSON(w, http.StatusOK, EventsResponse{EmailID: id, Events: events})
}

// ListBreakers handles GET /v1/breakers
func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	resp := BreakersResponse{Breakers: []circuitbreaker.Stats{}}
	if h.breakers != nil {
		resp.Breakers = h.breakers.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ResetBreaker handles POST /v1/breakers/{name}/reset
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if h.breakers == nil || !h.breakers.Reset(name) {
		h.writeError(w, http.StatusNotFound, "not_found", "Breaker not found", "")
		return
	}

	h.logger.Info("circuit breaker reset by operator", zap.String("breaker", name))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	return true
}

// decodeOptional is decode for routes whose body may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
	return false
}

// fail maps domain errors to problem responses. Anything unrecognised is
// logged and reported as a 500 without detail.
func (h *Handler) fail(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, campaign.ErrCampaignNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found", "")
	case errors.Is(err, campaign.ErrTemplateNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Template not found", "")
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Resource not found", "")
	case errors.Is(err, campaign.ErrInvalidInput),
		errors.Is(err, processor.ErrInvalidEvent),
		errors.Is(err, provider.ErrUnknownProvider):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request", err.Error())
	case errors.Is(err, campaign.ErrNoTemplate), errors.Is(err, render.ErrUnresolved):
		h.writeError(w, http.StatusUnprocessableEntity, "unprocessable", "Campaign cannot be rendered", err.Error())
	case errors.Is(err, campaign.ErrInvalidStatus):
		h.writeError(w, http.StatusConflict, "invalid_status", "Invalid status transition", err.Error())
	default:
		h.logger.Error("request failed", zap.String("action", action), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to "+action, "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
