package campaign

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/db"
	"github.com/lalithlochan/outreach/internal/render"
)

// TemplateInput holds the fields of a new template. Type defaults to initial
// and IsActive to true.
type TemplateInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"template_type"`
	Subject     string `json:"subject"`
	BodyHTML    string `json:"body_html"`
	BodyText    string `json:"body_text"`
	IsActive    *bool  `json:"is_active"`
	IsDefault   bool   `json:"is_default"`
}

// TemplateUpdate is a partial edit; nil fields are left unchanged.
type TemplateUpdate struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Type        *string `json:"template_type"`
	Subject     *string `json:"subject"`
	BodyHTML    *string `json:"body_html"`
	BodyText    *string `json:"body_text"`
	IsActive    *bool   `json:"is_active"`
	IsDefault   *bool   `json:"is_default"`
}

func validTemplateType(t string) bool {
	switch t {
	case db.TemplateInitial, db.TemplateFollowUp, db.TemplateCustom:
		return true
	}
	return false
}

func checkTemplate(t *db.Template) error {
	switch {
	case strings.TrimSpace(t.Name) == "":
		return invalid("template name is required")
	case strings.TrimSpace(t.Subject) == "":
		return invalid("template subject is required")
	case strings.TrimSpace(t.BodyText) == "":
		return invalid("template body_text is required")
	case !validTemplateType(t.Type):
		return invalid("template type %q must be initial, follow_up or custom", t.Type)
	}
	return nil
}

// CreateTemplate stores a new template. Templates are not deduplicated.
func (m *Manager) CreateTemplate(ctx context.Context, in TemplateInput) (*db.Template, error) {
	t := &db.Template{
		Name:        in.Name,
		Description: in.Description,
		Type:        in.Type,
		Subject:     in.Subject,
		BodyHTML:    in.BodyHTML,
		BodyText:    in.BodyText,
		IsActive:    true,
		IsDefault:   in.IsDefault,
	}
	if t.Type == "" {
		t.Type = db.TemplateInitial
	}
	if in.IsActive != nil {
		t.IsActive = *in.IsActive
	}
	if err := checkTemplate(t); err != nil {
		return nil, err
	}
	t.AvailableVariables = render.Placeholders(t.Subject, t.BodyHTML, t.BodyText)

	if err := m.store.CreateTemplate(ctx, t); err != nil {
		return nil, err
	}

	m.logger.Info("template created",
		zap.Int64("template_id", t.ID),
		zap.String("name", t.Name),
		zap.String("type", t.Type),
	)
	return t, nil
}

// GetTemplate returns a live template.
func (m *Manager) GetTemplate(ctx context.Context, id int64) (*db.Template, error) {
	return m.template(ctx, id)
}

// UpdateTemplate applies an administrative edit.
func (m *Manager) UpdateTemplate(ctx context.Context, id int64, in TemplateUpdate) (*db.Template, error) {
	t, err := m.template(ctx, id)
	if err != nil {
		return nil, err
	}

	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&t.Name, in.Name)
	set(&t.Description, in.Description)
	set(&t.Type, in.Type)
	set(&t.Subject, in.Subject)
	set(&t.BodyHTML, in.BodyHTML)
	set(&t.BodyText, in.BodyText)
	if in.IsActive != nil {
		t.IsActive = *in.IsActive
	}
	if in.IsDefault != nil {
		t.IsDefault = *in.IsDefault
	}

	if err := checkTemplate(t); err != nil {
		return nil, err
	}
	t.AvailableVariables = render.Placeholders(t.Subject, t.BodyHTML, t.BodyText)

	if err := m.store.UpdateTemplate(ctx, t); err != nil {
		return nil, err
	}

	m.logger.Info("template updated", zap.Int64("template_id", t.ID))
	return t, nil
}

// DeleteTemplate soft-deletes a template. Queued emails keep their rendered
// copies.
func (m *Manager) DeleteTemplate(ctx context.Context, id int64) error {
	if _, err := m.template(ctx, id); err != nil {
		return err
	}
	return m.store.DeleteTemplate(ctx, id)
}

// PreviewTemplate renders a template against vars without side effects.
func (m *Manager) PreviewTemplate(ctx context.Context, id int64, vars map[string]string) (render.Content, error) {
	t, err := m.template(ctx, id)
	if err != nil {
		return render.Content{}, err
	}
	return m.renderer.Render(templateContent(t), vars)
}

func templateContent(t *db.Template) render.Content {
	return render.Content{Subject: t.Subject, HTML: t.BodyHTML, Text: t.BodyText}
}
