package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/campaign"
	"github.com/lalithlochan/outreach/internal/circuitbreaker"
	"github.com/lalithlochan/outreach/internal/db"
	"github.com/lalithlochan/outreach/internal/db/dbtest"
	"github.com/lalithlochan/outreach/internal/processor"
)

// MockSender records campaign sends instead of delivering anything.
type MockSender struct {
	mu    sync.Mutex
	calls []int
	sent  int
	err   error
}

func (m *MockSender) Send(ctx context.Context, c *db.Campaign, batchSize int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, batchSize)
	if m.err != nil {
		return 0, m.err
	}
	return m.sent, nil
}

func (m *MockSender) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type testServer struct {
	store  *dbtest.Store
	sender *MockSender
	router http.Handler
}

func newTestServer(t *testing.T, opts ...HandlerOption) *testServer {
	t.Helper()
	store := dbtest.New()
	sender := &MockSender{sent: 3}
	logger := zap.NewNop()

	h := NewHandler(logger,
		campaign.NewManager(store, logger),
		processor.NewTracker(store, nil, logger),
		sender,
		opts...,
	)

	return &testServer{
		store:  store,
		sender: sender,
		router: NewRouter(h, nil, nil, logger),
	}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

func (s *testServer) createTemplate(t *testing.T) *db.Template {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/v1/templates", `{
		"name": "intro",
		"subject": "Hello {{first_name}}",
		"body_text": "Hi {{first_name}} at {{company_name}}",
		"body_html": "<p>Hi {{first_name}}</p><script>alert(1)</script>"
	}`)
	expectStatus(t, rr, http.StatusCreated)
	return decodeBody[*db.Template](t, rr)
}

func (s *testServer) createCampaign(t *testing.T, templateID int64) *db.Campaign {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"name":           "spring",
		"template_id":    templateID,
		"sender_email":   "sales@example.com",
		"target_filters": map[string]string{"country": "DE"},
		"email_provider": "log",
	})
	rr := s.do(t, http.MethodPost, "/v1/campaigns", string(body))
	expectStatus(t, rr, http.StatusCreated)
	return decodeBody[*db.Campaign](t, rr)
}

func TestTemplateLifecycle(t *testing.T) {
	s := newTestServer(t)
	tmpl := s.createTemplate(t)

	if tmpl.Type != db.TemplateInitial {
		t.Errorf("expected default type initial, got %s", tmpl.Type)
	}
	if len(tmpl.AvailableVariables) != 2 {
		t.Errorf("expected 2 variables, got %v", tmpl.AvailableVariables)
	}

	rr := s.do(t, http.MethodGet, fmt.Sprintf("/v1/templates/%d", tmpl.ID), "")
	expectStatus(t, rr, http.StatusOK)

	rr = s.do(t, http.MethodPatch, fmt.Sprintf("/v1/templates/%d", tmpl.ID), `{"subject":"Quick question, {{first_name}}"}`)
	expectStatus(t, rr, http.StatusOK)
	if got := decodeBody[*db.Template](t, rr); got.Subject != "Quick question, {{first_name}}" {
		t.Errorf("subject not updated: %s", got.Subject)
	}
}

func TestPreviewTemplate_SanitizesHTML(t *testing.T) {
	s := newTestServer(t)
	tmpl := s.createTemplate(t)

	rr := s.do(t, http.MethodPost, fmt.Sprintf("/v1/templates/%d/preview", tmpl.ID), `{"variables":{"first_name":"Ada","company_name":"Analytical"}}`)
	expectStatus(t, rr, http.StatusOK)

	preview := decodeBody[PreviewResponse](t, rr)
	if preview.Subject != "Hello Ada" {
		t.Errorf("subject: got %q", preview.Subject)
	}
	if preview.Text != "Hi Ada at Analytical" {
		t.Errorf("text: got %q", preview.Text)
	}
	if strings.Contains(preview.HTML, "<script") {
		t.Errorf("html should be sanitized: %q", preview.HTML)
	}
	if !strings.Contains(preview.HTML, "<p>Hi Ada</p>") {
		t.Errorf("html lost content: %q", preview.HTML)
	}
}

func TestCreateTemplate_Invalid(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"name":`},
		{"missing subject", `{"name":"x","body_text":"y"}`},
		{"bad type", `{"name":"x","subject":"s","body_text":"y","template_type":"blast"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(t, http.MethodPost, "/v1/templates", tt.body)
			expectStatus(t, rr, http.StatusBadRequest)
			if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("expected problem+json, got %s", ct)
			}
		})
	}
}

func TestGetTemplate_Errors(t *testing.T) {
	s := newTestServer(t)

	expectStatus(t, s.do(t, http.MethodGet, "/v1/templates/9999", ""), http.StatusNotFound)
	expectStatus(t, s.do(t, http.MethodGet, "/v1/templates/abc", ""), http.StatusBadRequest)
}

func TestQueueCampaign_AndStats(t *testing.T) {
	s := newTestServer(t)
	tmpl := s.createTemplate(t)
	c := s.createCampaign(t, tmpl.ID)

	s.store.AddLead(&db.Lead{Email: "ada@example.com", FirstName: "Ada", Country: "DE"})
	s.store.AddLead(&db.Lead{Email: "max@example.com", FullName: "Max Mustermann", Country: "DE"})
	s.store.AddLead(&db.Lead{Email: "jo@example.com", Country: "FR"})

	rr := s.do(t, http.MethodPost, fmt.Sprintf("/v1/campaigns/%d/queue", c.ID), "")
	expectStatus(t, rr, http.StatusOK)
	resp := decodeBody[CountResponse](t, rr)
	if resp.Queued == nil || *resp.Queued != 2 {
		t.Fatalf("expected 2 queued, got %+v", resp)
	}

	rr = s.do(t, http.MethodGet, fmt.Sprintf("/v1/campaigns/%d/stats", c.ID), "")
	expectStatus(t, rr, http.StatusOK)
	stats := decodeBody[campaign.Stats](t, rr)
	if stats.CampaignID != c.ID || stats.TotalRecipients != 2 || stats.Status != db.CampaignScheduled {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.OpenRate != "0%" {
		t.Errorf("open rate with nothing sent: got %s", stats.OpenRate)
	}
}

func TestQueueCampaign_FromLatestRunWithoutRuns(t *testing.T) {
	s := newTestServer(t)
	c := s.createCampaign(t, s.createTemplate(t).ID)

	rr := s.do(t, http.MethodPost, fmt.Sprintf("/v1/campaigns/%d/queue", c.ID), `{"from_latest_run":true,"actor_id":"apify/google-maps"}`)
	expectStatus(t, rr, http.StatusOK)
	if resp := decodeBody[CountResponse](t, rr); resp.Queued == nil || *resp.Queued != 0 {
		t.Errorf("expected 0 queued, got %+v", resp)
	}
}

func TestCampaignStats_NotFound(t *testing.T) {
	s := newTestServer(t)
	expectStatus(t, s.do(t, http.MethodGet, "/v1/campaigns/4242/stats", ""), http.StatusNotFound)
	expectStatus(t, s.do(t, http.MethodPost, "/v1/campaigns/4242/queue", ""), http.StatusNotFound)
}

func TestSetCampaignStatus(t *testing.T) {
	s := newTestServer(t)
	c := s.createCampaign(t, s.createTemplate(t).ID)

	rr := s.do(t, http.MethodPost, fmt.Sprintf("/v1/campaigns/%d/status", c.ID), `{"status":"running"}`)
	expectStatus(t, rr, http.StatusOK)
	if c := decodeBody[*db.Campaign](t, rr); c.StartedAt == nil {
		t.Error("running should set started_at")
	}

	expectStatus(t, s.do(t, http.MethodPost, fmt.Sprintf("/v1/campaigns/%d/status", c.ID), `{"status":"completed"}`), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodPost, fmt.Sprintf("/v1/campaigns/%d/status", c.ID), `{"status":"running"}`), http.StatusConflict)
	expectStatus(t, s.do(t, http.MethodPost, fmt.Sprintf("/v1/campaigns/%d/status", c.ID), `{"status":"done"}`), http.StatusBadRequest)
}

func TestSendCampaign(t *testing.T) {
	s := newTestServer(t)
	c := s.createCampaign(t, s.createTemplate(t).ID)

	rr := s.do(t, http.MethodPost, fmt.Sprintf("/v1/campaigns/%d/send", c.ID), "")
	expectStatus(t, rr, http.StatusOK)
	resp := decodeBody[CountResponse](t, rr)
	if resp.Sent == nil || *resp.Sent != 3 {
		t.Fatalf("expected 3 sent, got %+v", resp)
	}

	expectStatus(t, s.do(t, http.MethodPost, fmt.Sprintf("/v1/campaigns/%d/send", c.ID), `{"batch_size":25}`), http.StatusOK)

	if len(s.sender.calls) != 2 || s.sender.calls[0] != defaultSendBatch || s.sender.calls[1] != 25 {
		t.Errorf("unexpected batch sizes: %v", s.sender.calls)
	}

	expectStatus(t, s.do(t, http.MethodPost, "/v1/campaigns/9999/send", ""), http.StatusNotFound)
}

func TestSendCampaign_SenderError(t *testing.T) {
	s := newTestServer(t)
	c := s.createCampaign(t, s.createTemplate(t).ID)
	s.sender.err = errors.New("database unavailable")

	rr := s.do(t, http.MethodPost, fmt.Sprintf("/v1/campaigns/%d/send", c.ID), "")
	expectStatus(t, rr, http.StatusInternalServerError)
	if problem := decodeBody[ErrorResponse](t, rr); problem.Detail != "" {
		t.Errorf("internal errors should not leak detail: %q", problem.Detail)
	}
}

func TestListLeads(t *testing.T) {
	s := newTestServer(t)
	s.store.AddLead(&db.Lead{Email: "a@example.com", Country: "DE", Source: "maps"})
	s.store.AddLead(&db.Lead{Email: "b@example.com", Country: "DE", Source: "csv"})
	s.store.AddLead(&db.Lead{Country: "DE", Source: "maps"})

	rr := s.do(t, http.MethodGet, "/v1/leads?country=DE&source=maps", "")
	expectStatus(t, rr, http.StatusOK)
	resp := decodeBody[LeadsResponse](t, rr)
	if resp.Count != 1 || resp.Leads[0].Email != "a@example.com" {
		t.Errorf("unexpected leads: %+v", resp)
	}

	rr = s.do(t, http.MethodGet, "/v1/leads?country=IT", "")
	expectStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), `"leads":[]`) {
		t.Errorf("empty result should be an empty array: %s", rr.Body.String())
	}

	expectStatus(t, s.do(t, http.MethodGet, "/v1/leads?limit=-1", ""), http.StatusBadRequest)
}

func TestRecordEmailEvent(t *testing.T) {
	s := newTestServer(t)
	c := s.createCampaign(t, s.createTemplate(t).ID)
	email := s.store.InsertEmail(&db.QueuedEmail{
		CampaignID:     c.ID,
		RecipientEmail: "ada@example.com",
		Status:         db.StatusSent,
	})

	rr := s.do(t, http.MethodPost, fmt.Sprintf("/v1/emails/%d/events", email.ID), `{"event_type":"replied","event_data":{"snippet":"Sounds good"}}`)
	expectStatus(t, rr, http.StatusCreated)
	ev := decodeBody[*db.TrackingEvent](t, rr)
	if ev.EmailID != email.ID || ev.EventType != db.EventReplied {
		t.Errorf("unexpected event: %+v", ev)
	}

	stored, err := s.store.GetCampaign(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if stored.EmailsReplied != 1 {
		t.Errorf("replied counter: got %d, want 1", stored.EmailsReplied)
	}

	expectStatus(t, s.do(t, http.MethodPost, fmt.Sprintf("/v1/emails/%d/events", email.ID), `{"event_type":"sent"}`), http.StatusBadRequest)
	expectStatus(t, s.do(t, http.MethodPost, "/v1/emails/7777/events", `{"event_type":"opened"}`), http.StatusNotFound)
}

func TestListEmailEvents(t *testing.T) {
	s := newTestServer(t)
	c := s.createCampaign(t, s.createTemplate(t).ID)
	email := s.store.InsertEmail(&db.QueuedEmail{
		CampaignID:     c.ID,
		RecipientEmail: "ada@example.com",
		Status:         db.StatusSent,
	})
	path := fmt.Sprintf("/v1/emails/%d/events", email.ID)

	rr := s.do(t, http.MethodGet, path, "")
	expectStatus(t, rr, http.StatusOK)
	if resp := decodeBody[EventsResponse](t, rr); len(resp.Events) != 0 {
		t.Fatalf("expected empty history, got %+v", resp.Events)
	}

	expectStatus(t, s.do(t, http.MethodPost, path, `{"event_type":"opened"}`), http.StatusCreated)
	expectStatus(t, s.do(t, http.MethodPost, path, `{"event_type":"replied"}`), http.StatusCreated)

	rr = s.do(t, http.MethodGet, path, "")
	expectStatus(t, rr, http.StatusOK)
	resp := decodeBody[EventsResponse](t, rr)
	if resp.EmailID != email.ID || len(resp.Events) != 2 {
		t.Fatalf("unexpected history: %+v", resp)
	}
	if resp.Events[0].EventType != db.EventOpened || resp.Events[1].EventType != db.EventReplied {
		t.Errorf("events out of order: %s, %s", resp.Events[0].EventType, resp.Events[1].EventType)
	}

	expectStatus(t, s.do(t, http.MethodGet, "/v1/emails/7777/events", ""), http.StatusNotFound)
}

func TestHealth(t *testing.T) {
	logger := zap.NewNop()
	h := NewHandler(logger, nil, nil, nil)

	rr := httptest.NewRecorder()
	NewRouter(h, nil, nil, logger).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	expectStatus(t, rr, http.StatusOK)

	down := func(*http.Request) error { return errors.New("connection refused") }
	rr = httptest.NewRecorder()
	NewRouter(h, nil, down, logger).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	expectStatus(t, rr, http.StatusServiceUnavailable)
}

func TestDeleteTemplateAndCampaign(t *testing.T) {
	s := newTestServer(t)
	tmpl := s.createTemplate(t)
	c := s.createCampaign(t, tmpl.ID)

	campaignPath := fmt.Sprintf("/v1/campaigns/%d", c.ID)
	expectStatus(t, s.do(t, http.MethodDelete, campaignPath, ""), http.StatusNoContent)
	expectStatus(t, s.do(t, http.MethodGet, campaignPath, ""), http.StatusNotFound)
	expectStatus(t, s.do(t, http.MethodDelete, campaignPath, ""), http.StatusNotFound)

	templatePath := fmt.Sprintf("/v1/templates/%d", tmpl.ID)
	expectStatus(t, s.do(t, http.MethodDelete, templatePath, ""), http.StatusNoContent)
	expectStatus(t, s.do(t, http.MethodGet, templatePath, ""), http.StatusNotFound)
}

func TestBreakers(t *testing.T) {
	reg := circuitbreaker.NewRegistry(circuitbreaker.Config{MaxFailures: 1}, zap.NewNop())
	cb := reg.Get("smtp")
	cb.Allow()
	cb.RecordFailure("dial tcp: connection refused")

	s := newTestServer(t, WithBreakers(reg))

	rr := s.do(t, http.MethodGet, "/v1/breakers", "")
	expectStatus(t, rr, http.StatusOK)
	resp := decodeBody[BreakersResponse](t, rr)
	if len(resp.Breakers) != 1 || resp.Breakers[0].State != "open" {
		t.Fatalf("unexpected breakers: %+v", resp.Breakers)
	}
	if resp.Breakers[0].LastError != "dial tcp: connection refused" || resp.Breakers[0].RetryAt == "" {
		t.Errorf("open breaker should report its last error and retry time: %+v", resp.Breakers[0])
	}

	expectStatus(t, s.do(t, http.MethodPost, "/v1/breakers/smtp/reset", ""), http.StatusNoContent)
	if cb.State() != circuitbreaker.StateClosed {
		t.Error("breaker should be closed after reset")
	}
	expectStatus(t, s.do(t, http.MethodPost, "/v1/breakers/resend/reset", ""), http.StatusNotFound)
}

func TestBreakers_Disabled(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodGet, "/v1/breakers", "")
	expectStatus(t, rr, http.StatusOK)
	if resp := decodeBody[BreakersResponse](t, rr); len(resp.Breakers) != 0 {
		t.Errorf("expected no breakers, got %+v", resp.Breakers)
	}
	expectStatus(t, s.do(t, http.MethodPost, "/v1/breakers/smtp/reset", ""), http.StatusNotFound)
}
