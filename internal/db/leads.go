package db

import (
	"context"
	"fmt"
	"strings"
)

const leadColumns = `
	id, email, COALESCE(first_name, ''), COALESCE(last_name, ''), COALESCE(full_name, ''),
	COALESCE(company_name, ''), COALESCE(industry, ''), COALESCE(city, ''), COALESCE(country, ''),
	COALESCE(source, ''), COALESCE(lead_status, ''), COALESCE(run_id, ''), is_deleted, created_at`

func scanLead(row rowScanner) (*Lead, error) {
	var l Lead
	err := row.Scan(
		&l.ID,
		&l.Email,
		&l.FirstName,
		&l.LastName,
		&l.FullName,
		&l.CompanyName,
		&l.Industry,
		&l.City,
		&l.Country,
		&l.Source,
		&l.LeadStatus,
		&l.RunID,
		&l.IsDeleted,
		&l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ListLeads returns live leads that have an email address, newest first.
func (r *Repository) ListLeads(ctx context.Context, q LeadQuery) ([]*Lead, error) {
	conds := []string{"is_deleted = FALSE", "email IS NOT NULL", "email <> ''"}
	var args []any

	eq := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	eq("run_id", q.RunID)
	eq("country", q.Filter.Country)
	eq("source", q.Filter.Source)
	eq("industry", q.Filter.Industry)
	eq("lead_status", q.Filter.LeadStatus)

	query := `SELECT ` + leadColumns + `
		FROM sales_leads
		WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY created_at DESC, id DESC`

	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query leads: %w", err)
	}

	leads, err := collect(rows, scanLead)
	if err != nil {
		return nil, fmt.Errorf("scan lead: %w", err)
	}
	return leads, nil
}

// LatestCompletedRunID returns the run id of the most recently synced
// completed ingestion run, optionally for one actor. It returns "" when there
// is none.
func (r *Repository) LatestCompletedRunID(ctx context.Context, actorID string) (string, error) {
	query := `
		SELECT run_id FROM apify_sync_states
		WHERE sync_status = 'completed' AND is_deleted = FALSE
		  AND ($1::text = '' OR actor_id = $1)
		ORDER BY last_sync_at DESC NULLS LAST
		LIMIT 1
	`

	var runID string
	err := r.db.Pool().QueryRow(ctx, query, actorID).Scan(&runID)
	if notFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query latest run: %w", err)
	}
	return runID, nil
}
