package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/db"
	"github.com/lalithlochan/outreach/internal/metrics"
)

// SelectLeads returns live leads with an email address matching filter,
// newest first. A non-empty runID restricts them to one ingestion run.
func (m *Manager) SelectLeads(ctx context.Context, filter db.LeadFilter, limit int, runID string) ([]*db.Lead, error) {
	leads, err := m.store.ListLeads(ctx, db.LeadQuery{Filter: filter, RunID: runID, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("select leads: %w", err)
	}
	m.logger.Debug("leads selected", zap.Int("count", len(leads)), zap.String("run_id", runID))
	return leads, nil
}

// LeadVariables returns the template variables for a lead. first_name falls
// back to the full name and then to "there".
func LeadVariables(l *db.Lead) map[string]string {
	first := l.FirstName
	if first == "" {
		first = l.FullName
	}
	if first == "" {
		first = "there"
	}
	return map[string]string{
		"first_name":   first,
		"last_name":    l.LastName,
		"full_name":    l.FullName,
		"email":        l.Email,
		"company_name": l.CompanyName,
		"industry":     l.Industry,
		"city":         l.City,
		"country":      l.Country,
	}
}

// ExpandCampaign queues one initial email per lead. With nil leads the
// campaign's stored filters select up to MaxCampaignLeads. Leads without an
// email, leads that already have a pending or sent initial email, and repeats
// within leads are skipped. The campaign's total_recipients is set to the
// number queued and its status to scheduled unless it is paused. When no
// leads resolve nothing is written. Completed and cancelled campaigns are
// rejected with ErrInvalidStatus.
func (m *Manager) ExpandCampaign(ctx context.Context, id int64, leads []*db.Lead, scheduledAt *time.Time) (int, error) {
	c, err := m.campaign(ctx, id)
	if err != nil {
		return 0, err
	}
	if c.Status == db.CampaignCompleted || c.Status == db.CampaignCancelled {
		return 0, fmt.Errorf("%w: campaign %d is %s", ErrInvalidStatus, id, c.Status)
	}
	if c.TemplateID == nil {
		return 0, fmt.Errorf("%w: campaign %d", ErrNoTemplate, id)
	}
	tpl, err := m.template(ctx, *c.TemplateID)
	if err != nil {
		return 0, err
	}

	if leads == nil {
		leads, err = m.SelectLeads(ctx, c.TargetFilters, MaxCampaignLeads, "")
		if err != nil {
			return 0, err
		}
	}
	if len(leads) == 0 {
		m.logger.Warn("no leads found to queue", zap.Int64("campaign_id", id))
		return 0, nil
	}

	at := m.now()
	if scheduledAt != nil {
		at = *scheduledAt
	}

	ids := make([]int64, 0, len(leads))
	for _, l := range leads {
		if l.Email != "" {
			ids = append(ids, l.ID)
		}
	}
	active, err := m.store.ActiveInitialLeadIDs(ctx, id, ids)
	if err != nil {
		return 0, fmt.Errorf("check queued leads: %w", err)
	}

	seen := make(map[int64]bool, len(leads))
	emails := make([]*db.QueuedEmail, 0, len(leads))
	for _, l := range leads {
		if l.Email == "" {
			continue
		}
		if active[l.ID] || seen[l.ID] {
			m.logger.Debug("lead already queued", zap.Int64("campaign_id", id), zap.Int64("lead_id", l.ID))
			continue
		}
		seen[l.ID] = true

		vars := LeadVariables(l)
		content, err := m.renderer.Render(templateContent(tpl), vars)
		if err != nil {
			return 0, fmt.Errorf("render template %d for lead %d: %w", tpl.ID, l.ID, err)
		}

		emails = append(emails, &db.QueuedEmail{
			CampaignID:     c.ID,
			LeadID:         l.ID,
			RecipientEmail: l.Email,
			RecipientName:  l.FullName,
			SenderEmail:    c.SenderEmail,
			SenderName:     c.SenderName,
			ReplyTo:        c.ReplyTo,
			Subject:        content.Subject,
			BodyHTML:       content.HTML,
			BodyText:       content.Text,
			ScheduledAt:    at,
			Status:         db.StatusPending,
			EmailType:      db.EmailInitial,
			MaxRetries:     db.DefaultMaxRetries,
			Variables:      vars,
			Attachments:    c.Attachments,
		})
	}

	n, err := m.store.EnqueueInitial(ctx, c.ID, emails)
	if err != nil {
		return 0, fmt.Errorf("enqueue campaign %d: %w", c.ID, err)
	}
	metrics.RecordQueued(db.EmailInitial, n)

	if n > 0 {
		if err := m.store.TouchTemplateUsage(ctx, tpl.ID, m.now()); err != nil {
			m.logger.Warn("failed to update template usage", zap.Error(err), zap.Int64("template_id", tpl.ID))
		}
	}

	m.logger.Info("campaign queued",
		zap.Int64("campaign_id", c.ID),
		zap.Int("queued", n),
		zap.Int("candidates", len(leads)),
	)
	return n, nil
}

// ExpandFromLatestRun queues the campaign for up to limit leads of the most
// recent completed ingestion run, optionally of one actor. It returns 0 when
// there is no completed run.
func (m *Manager) ExpandFromLatestRun(ctx context.Context, id int64, actorID string, limit int) (int, error) {
	runID, err := m.store.LatestCompletedRunID(ctx, actorID)
	if err != nil {
		return 0, fmt.Errorf("find latest run: %w", err)
	}
	if runID == "" {
		m.logger.Warn("no completed runs found", zap.String("actor_id", actorID))
		return 0, nil
	}

	leads, err := m.SelectLeads(ctx, db.LeadFilter{}, limit, runID)
	if err != nil {
		return 0, err
	}
	if leads == nil {
		leads = []*db.Lead{}
	}
	return m.ExpandCampaign(ctx, id, leads, nil)
}

// ExpandFollowUps queues a follow-up for every sent initial email of the
// campaign that does not have a pending or sent follow-up yet. Each follow-up
// is due follow_up_delay_days after its parent was sent and is rendered from
// the parent's variables. Campaigns without follow-ups configured yield 0.
func (m *Manager) ExpandFollowUps(ctx context.Context, id int64) (int, error) {
	c, err := m.campaign(ctx, id)
	if err != nil {
		return 0, err
	}
	if !c.FollowUpEnabled {
		return 0, nil
	}
	if c.FollowUpTemplateID == nil {
		m.logger.Warn("campaign has no follow-up template", zap.Int64("campaign_id", id))
		return 0, nil
	}
	tpl, err := m.template(ctx, *c.FollowUpTemplateID)
	if err != nil {
		return 0, err
	}

	parents, err := m.store.FollowUpCandidates(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("load follow-up candidates: %w", err)
	}
	if len(parents) == 0 {
		return 0, nil
	}

	delay := time.Duration(c.FollowUpDelayDays) * 24 * time.Hour
	emails := make([]*db.QueuedEmail, 0, len(parents))
	for _, p := range parents {
		if p.SentAt == nil {
			continue
		}

		content, err := m.renderer.Render(templateContent(tpl), p.Variables)
		if err != nil {
			return 0, fmt.Errorf("render follow-up for email %d: %w", p.ID, err)
		}

		parentID := p.ID
		emails = append(emails, &db.QueuedEmail{
			CampaignID:     c.ID,
			LeadID:         p.LeadID,
			RecipientEmail: p.RecipientEmail,
			RecipientName:  p.RecipientName,
			SenderEmail:    c.SenderEmail,
			SenderName:     c.SenderName,
			ReplyTo:        c.ReplyTo,
			Subject:        content.Subject,
			BodyHTML:       content.HTML,
			BodyText:       content.Text,
			ScheduledAt:    p.SentAt.Add(delay),
			Status:         db.StatusPending,
			EmailType:      db.EmailFollowUp,
			ParentEmailID:  &parentID,
			MaxRetries:     db.DefaultMaxRetries,
			Variables:      p.Variables,
		})
	}
	if len(emails) == 0 {
		return 0, nil
	}

	n, err := m.store.EnqueueFollowUps(ctx, emails)
	if err != nil {
		return 0, fmt.Errorf("enqueue follow-ups for campaign %d: %w", c.ID, err)
	}
	metrics.RecordQueued(db.EmailFollowUp, n)

	if err := m.store.TouchTemplateUsage(ctx, tpl.ID, m.now()); err != nil {
		m.logger.Warn("failed to update template usage", zap.Error(err), zap.Int64("template_id", tpl.ID))
	}

	m.logger.Info("follow-ups scheduled", zap.Int64("campaign_id", c.ID), zap.Int("count", n))
	return n, nil
}

// ExpandDueFollowUps runs ExpandFollowUps for every scheduled or running
// campaign with follow-ups configured. A failing campaign does not stop the
// others; their errors are joined.
func (m *Manager) ExpandDueFollowUps(ctx context.Context) (int, error) {
	campaigns, err := m.store.ListFollowUpCampaigns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list follow-up campaigns: %w", err)
	}

	total := 0
	var errs []error
	for _, c := range campaigns {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		n, err := m.ExpandFollowUps(ctx, c.ID)
		if err != nil {
			m.logger.Error("follow-up expansion failed", zap.Error(err), zap.Int64("campaign_id", c.ID))
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}
