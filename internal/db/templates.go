package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const templateColumns = `
	id, name, COALESCE(description, ''), template_type, subject,
	COALESCE(body_html, ''), body_text, available_variables,
	is_active, is_default, usage_count, last_used_at,
	created_at, updated_at`

func scanTemplate(row rowScanner) (*Template, error) {
	var t Template
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Description,
		&t.Type,
		&t.Subject,
		&t.BodyHTML,
		&t.BodyText,
		&t.AvailableVariables,
		&t.IsActive,
		&t.IsDefault,
		&t.UsageCount,
		&t.LastUsedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTemplate inserts a new template and fills its id and timestamps.
func (r *Repository) CreateTemplate(ctx context.Context, t *Template) error {
	if t.AvailableVariables == nil {
		t.AvailableVariables = []string{}
	}

	query := `
		INSERT INTO email_templates (
			name, description, template_type, subject, body_html, body_text,
			available_variables, is_active, is_default
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		t.Name,
		t.Description,
		t.Type,
		t.Subject,
		t.BodyHTML,
		t.BodyText,
		t.AvailableVariables,
		t.IsActive,
		t.IsDefault,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create template",
			zap.Error(err),
			zap.String("name", t.Name),
		)
		return fmt.Errorf("insert template: %w", err)
	}

	r.logger.Info("template created",
		zap.Int64("template_id", t.ID),
		zap.String("template_type", t.Type),
	)

	return nil
}

// GetTemplate retrieves a template by ID. Soft-deleted templates are not found.
func (r *Repository) GetTemplate(ctx context.Context, id int64) (*Template, error) {
	query := `SELECT ` + templateColumns + `
		FROM email_templates
		WHERE id = $1 AND is_deleted = FALSE`

	t, err := scanTemplate(r.db.Pool().QueryRow(ctx, query, id))
	if notFound(err) {
		return nil, fmt.Errorf("template %d: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to get template", zap.Error(err), zap.Int64("template_id", id))
		return nil, fmt.Errorf("query template: %w", err)
	}

	return t, nil
}

// UpdateTemplate writes the editable fields of t back to the store.
func (r *Repository) UpdateTemplate(ctx context.Context, t *Template) error {
	if t.AvailableVariables == nil {
		t.AvailableVariables = []string{}
	}

	query := `
		UPDATE email_templates
		SET name = $1, description = $2, template_type = $3, subject = $4,
			body_html = $5, body_text = $6, available_variables = $7,
			is_active = $8, is_default = $9, updated_at = NOW()
		WHERE id = $10 AND is_deleted = FALSE
		RETURNING updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		t.Name,
		t.Description,
		t.Type,
		t.Subject,
		t.BodyHTML,
		t.BodyText,
		t.AvailableVariables,
		t.IsActive,
		t.IsDefault,
		t.ID,
	).Scan(&t.UpdatedAt)
	if notFound(err) {
		return fmt.Errorf("template %d: %w", t.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}

	return nil
}

// DeleteTemplate soft-deletes a template.
func (r *Repository) DeleteTemplate(ctx context.Context, id int64) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE email_templates SET is_deleted = TRUE, updated_at = NOW() WHERE id = $1 AND is_deleted = FALSE`,
		id,
	)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("template %d: %w", id, ErrNotFound)
	}
	return nil
}

// TouchTemplateUsage bumps the usage counter of a template.
func (r *Repository) TouchTemplateUsage(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE email_templates SET usage_count = usage_count + 1, last_used_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("touch template usage: %w", err)
	}
	return nil
}
