// Package dbtest provides an in-memory stand-in for db.Repository with the
// same state transitions, for tests that do not need PostgreSQL.
package dbtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lalithlochan/outreach/internal/db"
)

type run struct {
	runID    string
	actorID  string
	status   string
	syncedAt time.Time
}

// Store keeps templates, campaigns, leads, queue rows and tracking events in
// memory. It is safe for concurrent use.
type Store struct {
	mu sync.Mutex

	nextID    int64
	templates map[int64]*db.Template
	campaigns map[int64]*db.Campaign
	deleted   map[string]bool
	leads     []*db.Lead
	runs      []run
	emails    map[int64]*db.QueuedEmail
	events    []*db.TrackingEvent

	// Now stamps created_at/updated_at. Defaults to time.Now.
	Now func() time.Time

	// Err, when set, is returned by every store method.
	Err error
}

func New() *Store {
	return &Store{
		templates: make(map[int64]*db.Template),
		campaigns: make(map[int64]*db.Campaign),
		deleted:   make(map[string]bool),
		emails:    make(map[int64]*db.QueuedEmail),
		Now:       time.Now,
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func key(kind string, id int64) string { return fmt.Sprintf("%s/%d", kind, id) }

// AddLead inserts a lead, assigning an id and created_at when unset.
func (s *Store) AddLead(l *db.Lead) *db.Lead {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *l
	if c.ID == 0 {
		c.ID = s.id()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.Now()
	}
	s.leads = append(s.leads, &c)
	return &c
}

// AddRun records an ingestion run.
func (s *Store) AddRun(runID, actorID, status string, syncedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run{runID: runID, actorID: actorID, status: status, syncedAt: syncedAt})
}

// Emails returns copies of every queue row ordered by id.
func (s *Store) Emails() []*db.QueuedEmail {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*db.QueuedEmail, 0, len(s.emails))
	for _, e := range s.emails {
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Events returns copies of every tracking event in insertion order.
func (s *Store) Events() []*db.TrackingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*db.TrackingEvent, len(s.events))
	for i, ev := range s.events {
		c := *ev
		out[i] = &c
	}
	return out
}

// UpdateEmail applies fn to a stored queue row.
func (s *Store) UpdateEmail(id int64, fn func(*db.QueuedEmail)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.emails[id]; ok {
		fn(e)
	}
}

// UpdateCampaign applies fn to a stored campaign.
func (s *Store) UpdateCampaign(id int64, fn func(*db.Campaign)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.campaigns[id]; ok {
		fn(c)
	}
}

// InsertEmail stores a queue row as is, bypassing campaign bookkeeping.
func (s *Store) InsertEmail(e *db.QueuedEmail) *db.QueuedEmail {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertEmail(e)
	c := *e
	return &c
}

// Templates

func (s *Store) CreateTemplate(ctx context.Context, t *db.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}

	t.ID = s.id()
	t.CreatedAt = s.Now()
	t.UpdatedAt = t.CreatedAt
	c := *t
	s.templates[t.ID] = &c
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, id int64) (*db.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	t, ok := s.templates[id]
	if !ok || s.deleted[key("template", id)] {
		return nil, fmt.Errorf("template %d: %w", id, db.ErrNotFound)
	}
	c := *t
	return &c, nil
}

func (s *Store) UpdateTemplate(ctx context.Context, t *db.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}

	cur, ok := s.templates[t.ID]
	if !ok || s.deleted[key("template", t.ID)] {
		return fmt.Errorf("template %d: %w", t.ID, db.ErrNotFound)
	}
	t.UpdatedAt = s.Now()
	c := *t
	c.UsageCount = cur.UsageCount
	c.LastUsedAt = cur.LastUsedAt
	c.CreatedAt = cur.CreatedAt
	s.templates[t.ID] = &c
	return nil
}

func (s *Store) DeleteTemplate(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}

	if _, ok := s.templates[id]; !ok || s.deleted[key("template", id)] {
		return fmt.Errorf("template %d: %w", id, db.ErrNotFound)
	}
	s.deleted[key("template", id)] = true
	return nil
}

func (s *Store) TouchTemplateUsage(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}

	if t, ok := s.templates[id]; ok {
		t.UsageCount++
		t.LastUsedAt = &at
	}
	return nil
}

// Campaigns

func (s *Store) CreateCampaign(ctx context.Context, c *db.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}

	c.ID = s.id()
	c.CreatedAt = s.Now()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	s.campaigns[c.ID] = &cp
	return nil
}

func (s *Store) campaign(id int64) (*db.Campaign, error) {
	c, ok := s.campaigns[id]
	if !ok || s.deleted[key("campaign", id)] {
		return nil, fmt.Errorf("campaign %d: %w", id, db.ErrNotFound)
	}
	return c, nil
}

func (s *Store) GetCampaign(ctx context.Context, id int64) (*db.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	c, err := s.campaign(id)
	if err != nil {
		return nil, err
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListFollowUpCampaigns(ctx context.Context) ([]*db.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	var out []*db.Campaign
	for _, c := range s.campaigns {
		if s.deleted[key("campaign", c.ID)] || !c.FollowUpEnabled || c.FollowUpTemplateID == nil {
			continue
		}
		if c.Status != db.CampaignScheduled && c.Status != db.CampaignRunning {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateCampaignStatus(ctx context.Context, id int64, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}

	c, err := s.campaign(id)
	if err != nil {
		return err
	}
	c.Status = status
	if status == db.CampaignRunning && c.StartedAt == nil {
		c.StartedAt = &at
	}
	if status == db.CampaignCompleted || status == db.CampaignCancelled {
		c.CompletedAt = &at
	}
	c.UpdatedAt = s.Now()

	if status == db.CampaignCancelled {
		for _, e := range s.emails {
			if e.CampaignID == id && e.Status == db.StatusPending {
				e.Status = db.StatusCancelled
				e.UpdatedAt = s.Now()
			}
		}
	}
	return nil
}

func (s *Store) DeleteCampaign(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}

	if _, err := s.campaign(id); err != nil {
		return err
	}
	s.deleted[key("campaign", id)] = true
	return nil
}

// Leads

func (s *Store) ListLeads(ctx context.Context, q db.LeadQuery) ([]*db.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	match := func(want, got string) bool { return want == "" || want == got }

	var out []*db.Lead
	for _, l := range s.leads {
		if l.IsDeleted || l.Email == "" {
			continue
		}
		if !match(q.RunID, l.RunID) ||
			!match(q.Filter.Country, l.Country) ||
			!match(q.Filter.Source, l.Source) ||
			!match(q.Filter.Industry, l.Industry) ||
			!match(q.Filter.LeadStatus, l.LeadStatus) {
			continue
		}
		c := *l
		out = append(out, &c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) LatestCompletedRunID(ctx context.Context, actorID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}

	var best *run
	for i := range s.runs {
		r := &s.runs[i]
		if r.status != "completed" || (actorID != "" && r.actorID != actorID) {
			continue
		}
		if best == nil || r.syncedAt.After(best.syncedAt) {
			best = r
		}
	}
	if best == nil {
		return "", nil
	}
	return best.runID, nil
}

// Queue

func (s *Store) insertEmail(e *db.QueuedEmail) {
	if e.Variables == nil {
		e.Variables = map[string]string{}
	}
	if e.Attachments == nil {
		e.Attachments = []db.Attachment{}
	}
	e.ID = s.id()
	e.CreatedAt = s.Now()
	e.UpdatedAt = e.CreatedAt
	c := *e
	s.emails[e.ID] = &c
}

func (s *Store) GetEmail(ctx context.Context, id int64) (*db.QueuedEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	e, ok := s.emails[id]
	if !ok {
		return nil, fmt.Errorf("email %d: %w", id, db.ErrNotFound)
	}
	c := *e
	return &c, nil
}

func (s *Store) GetEmailByProviderMessageID(ctx context.Context, messageID string) (*db.QueuedEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	var found *db.QueuedEmail
	for _, e := range s.emails {
		if e.ProviderMessageID == messageID && (found == nil || e.ID > found.ID) {
			found = e
		}
	}
	if found == nil {
		return nil, fmt.Errorf("email with message id %q: %w", messageID, db.ErrNotFound)
	}
	c := *found
	return &c, nil
}

func (s *Store) ActiveInitialLeadIDs(ctx context.Context, campaignID int64, leadIDs []int64) (map[int64]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	want := make(map[int64]bool, len(leadIDs))
	for _, id := range leadIDs {
		want[id] = true
	}

	active := make(map[int64]bool)
	for _, e := range s.emails {
		if e.CampaignID != campaignID || e.EmailType != db.EmailInitial || !want[e.LeadID] {
			continue
		}
		if e.Status == db.StatusPending || e.Status == db.StatusSent {
			active[e.LeadID] = true
		}
	}
	return active, nil
}

func (s *Store) EnqueueInitial(ctx context.Context, campaignID int64, emails []*db.QueuedEmail) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}

	for _, e := range emails {
		s.insertEmail(e)
	}
	if c, ok := s.campaigns[campaignID]; ok {
		c.TotalRecipients = len(emails)
		if c.Status != db.CampaignPaused {
			c.Status = db.CampaignScheduled
		}
		c.UpdatedAt = s.Now()
	}
	return len(emails), nil
}

func (s *Store) FollowUpCandidates(ctx context.Context, campaignID int64) ([]*db.QueuedEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	hasChild := make(map[int64]bool)
	for _, e := range s.emails {
		if e.ParentEmailID != nil && (e.Status == db.StatusPending || e.Status == db.StatusSent) {
			hasChild[*e.ParentEmailID] = true
		}
	}

	var out []*db.QueuedEmail
	for _, e := range s.emails {
		if e.CampaignID != campaignID || e.EmailType != db.EmailInitial || e.Status != db.StatusSent || hasChild[e.ID] {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) EnqueueFollowUps(ctx context.Context, emails []*db.QueuedEmail) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}

	for _, e := range emails {
		s.insertEmail(e)
	}
	return len(emails), nil
}

func (s *Store) sorted(keep func(*db.QueuedEmail) bool, limit int) []*db.QueuedEmail {
	var out []*db.QueuedEmail
	for _, e := range s.emails {
		if keep(e) {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// sendable mirrors the campaign status check of the SQL queue queries.
func (s *Store) sendable(campaignID int64) bool {
	c, ok := s.campaigns[campaignID]
	if !ok {
		return true
	}
	switch c.Status {
	case db.CampaignPaused, db.CampaignCompleted, db.CampaignCancelled:
		return false
	}
	return true
}

func (s *Store) ClaimableEmails(ctx context.Context, now time.Time, limit int, campaignID int64) ([]*db.QueuedEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	return s.sorted(func(e *db.QueuedEmail) bool {
		return e.Status == db.StatusPending &&
			!e.ScheduledAt.After(now) &&
			(campaignID == 0 || e.CampaignID == campaignID) &&
			s.sendable(e.CampaignID)
	}, limit), nil
}

func (s *Store) RetryableEmails(ctx context.Context, limit int, campaignID int64) ([]*db.QueuedEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	return s.sorted(func(e *db.QueuedEmail) bool {
		return e.CanRetry() && (campaignID == 0 || e.CampaignID == campaignID) && s.sendable(e.CampaignID)
	}, limit), nil
}

func (s *Store) ClaimEmail(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}

	e, ok := s.emails[id]
	if !ok || e.Status != db.StatusPending || !s.sendable(e.CampaignID) {
		return false, nil
	}
	e.Status = db.StatusSending
	e.UpdatedAt = s.Now()
	return true, nil
}

func (s *Store) RequeueEmail(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}

	e, ok := s.emails[id]
	if !ok || !e.CanRetry() {
		return false, nil
	}
	e.Status = db.StatusPending
	e.UpdatedAt = s.Now()
	return true, nil
}

func (s *Store) bump(campaignID int64, eventType string) {
	c, ok := s.campaigns[campaignID]
	if !ok {
		return
	}
	switch db.CounterColumn(eventType) {
	case "emails_sent":
		c.EmailsSent++
	case "emails_delivered":
		c.EmailsDelivered++
	case "emails_opened":
		c.EmailsOpened++
	case "emails_clicked":
		c.EmailsClicked++
	case "emails_failed":
		c.EmailsFailed++
	case "emails_bounced":
		c.EmailsBounced++
	case "emails_replied":
		c.EmailsReplied++
	}
}

func (s *Store) appendEvent(ev *db.TrackingEvent) {
	ev.ID = s.id()
	ev.CreatedAt = s.Now()
	c := *ev
	s.events = append(s.events, &c)
}

func (s *Store) CompleteSend(ctx context.Context, e *db.QueuedEmail, out db.SendOutcome) (*db.TrackingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	row, ok := s.emails[e.ID]
	if !ok || row.Status != db.StatusSending {
		return nil, fmt.Errorf("email %d not sending: %w", e.ID, db.ErrConflict)
	}

	sentAt := out.At
	row.Status = db.StatusSent
	row.SentAt = &sentAt
	row.Provider = out.Provider
	row.ProviderMessageID = out.ProviderMessageID
	row.LastError = ""
	row.UpdatedAt = s.Now()
	s.bump(row.CampaignID, db.EventSent)

	ev := &db.TrackingEvent{
		CampaignID:     row.CampaignID,
		EmailID:        row.ID,
		LeadID:         row.LeadID,
		EventType:      db.EventSent,
		EventTimestamp: out.At,
		EventData: map[string]any{
			"provider":   out.Provider,
			"message_id": out.ProviderMessageID,
		},
		ProviderEventID: out.ProviderMessageID,
	}
	s.appendEvent(ev)

	e.Status = row.Status
	e.SentAt = row.SentAt
	e.Provider = row.Provider
	e.ProviderMessageID = row.ProviderMessageID
	e.LastError = ""
	return ev, nil
}

func (s *Store) FailSend(ctx context.Context, e *db.QueuedEmail, out db.SendOutcome) (*db.TrackingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	row, ok := s.emails[e.ID]
	if !ok || row.Status != db.StatusSending {
		return nil, fmt.Errorf("email %d not sending: %w", e.ID, db.ErrConflict)
	}

	row.Status = db.StatusFailed
	row.RetryCount++
	row.LastError = out.Error
	row.Provider = out.Provider
	row.UpdatedAt = s.Now()
	s.bump(row.CampaignID, db.EventFailed)

	ev := &db.TrackingEvent{
		CampaignID:     row.CampaignID,
		EmailID:        row.ID,
		LeadID:         row.LeadID,
		EventType:      db.EventFailed,
		EventTimestamp: out.At,
		EventData: map[string]any{
			"provider":    out.Provider,
			"error":       out.Error,
			"retry_count": row.RetryCount,
		},
	}
	s.appendEvent(ev)

	e.Status = row.Status
	e.RetryCount = row.RetryCount
	e.LastError = row.LastError
	e.Provider = row.Provider
	return ev, nil
}

func (s *Store) StaleSendingEmails(ctx context.Context, cutoff time.Time, limit int) ([]*db.QueuedEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	return s.sorted(func(e *db.QueuedEmail) bool {
		return e.Status == db.StatusSending && e.UpdatedAt.Before(cutoff)
	}, limit), nil
}

// Tracking

func (s *Store) RecordEvent(ctx context.Context, ev *db.TrackingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}

	s.appendEvent(ev)
	s.bump(ev.CampaignID, ev.EventType)
	if ev.EventType == db.EventBounced {
		if e, ok := s.emails[ev.EmailID]; ok && e.Status == db.StatusSent {
			e.Status = db.StatusBounced
			e.UpdatedAt = s.Now()
		}
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, emailID int64) ([]*db.TrackingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	var out []*db.TrackingEvent
	for _, ev := range s.events {
		if ev.EmailID == emailID {
			c := *ev
			out = append(out, &c)
		}
	}
	return out, nil
}
