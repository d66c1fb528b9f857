package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// InsertSearch stores a search record.
func (db *DB) InsertSearch(ctx context.Context, rec *models.SearchRecord) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO search_requests (
			id, workspace_id, account_name, complexity, policy, tier,
			credits, model, input_tokens, output_tokens, latency_ms,
			upgrade_reason, status, error_kind, timestamp
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, rec.ID, rec.WorkspaceID, rec.AccountName, rec.Complexity, rec.Policy, string(rec.Tier),
		rec.Credits, rec.Model, rec.InputTokens, rec.OutputTokens, rec.LatencyMs,
		rec.UpgradeReason, rec.Status, rec.ErrorKind, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting search: %w", err)
	}
	return nil
}

// SearchFilter narrows GetRecentSearches.
type SearchFilter struct {
	WorkspaceID string // Empty = all workspaces
	Limit       int
}

// GetRecentSearches returns the most recent search records, newest first.
func (db *DB) GetRecentSearches(ctx context.Context, f SearchFilter) ([]models.SearchRecord, error) {
	const cols = `id, workspace_id, account_name, complexity, policy, tier,
		credits, model, input_tokens, output_tokens, latency_ms,
		upgrade_reason, status, error_kind, timestamp`

	var query string
	var args []interface{}
	if f.WorkspaceID != "" {
		query = `SELECT ` + cols + ` FROM search_requests WHERE workspace_id = $1 ORDER BY timestamp DESC LIMIT $2`
		args = []interface{}{f.WorkspaceID, f.Limit}
	} else {
		query = `SELECT ` + cols + ` FROM search_requests ORDER BY timestamp DESC LIMIT $1`
		args = []interface{}{f.Limit}
	}

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recent searches: %w", err)
	}
	defer rows.Close()

	var results []models.SearchRecord
	for rows.Next() {
		var r models.SearchRecord
		var tier string
		if err := rows.Scan(
			&r.ID, &r.WorkspaceID, &r.AccountName, &r.Complexity, &r.Policy, &tier,
			&r.Credits, &r.Model, &r.InputTokens, &r.OutputTokens, &r.LatencyMs,
			&r.UpgradeReason, &r.Status, &r.ErrorKind, &r.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scanning search: %w", err)
		}
		r.Tier = models.Tier(tier)
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetTierSummary returns completed-search totals per tier in [from, to].
// An empty workspaceID aggregates all workspaces.
func (db *DB) GetTierSummary(ctx context.Context, workspaceID string, from, to time.Time) ([]models.TierSummary, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT
			tier,
			COUNT(*) AS total_searches,
			COALESCE(SUM(credits), 0) AS total_credits,
			COALESCE(SUM(input_tokens + output_tokens), 0) AS total_tokens,
			COALESCE(AVG(latency_ms), 0) AS avg_latency_ms
		FROM search_requests
		WHERE status = $1
		  AND timestamp >= $2 AND timestamp <= $3
		  AND ($4::text = '' OR workspace_id = $4)
		GROUP BY tier
		ORDER BY tier
	`, models.StatusCompleted, from, to, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("querying tier summary: %w", err)
	}
	defer rows.Close()

	var results []models.TierSummary
	for rows.Next() {
		var ts models.TierSummary
		var tier string
		if err := rows.Scan(&tier, &ts.TotalSearches, &ts.TotalCredits, &ts.TotalTokens, &ts.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scanning tier summary: %w", err)
		}
		ts.Tier = models.Tier(tier)
		results = append(results, ts)
	}
	return results, rows.Err()
}

// GetCreditBudget retrieves the persisted budget of a workspace.
func (db *DB) GetCreditBudget(ctx context.Context, workspaceID string) (*models.CreditBudget, error) {
	var b models.CreditBudget
	err := db.Pool.QueryRow(ctx, `
		SELECT workspace_id, limit_credits, spent_credits, period_days, created_at, updated_at
		FROM credit_budgets WHERE workspace_id = $1
	`, workspaceID).Scan(
		&b.WorkspaceID, &b.LimitCredits, &b.SpentCredits, &b.PeriodDays, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credit budget: %w", err)
	}
	return &b, nil
}

// UpsertCreditBudget creates or updates a workspace budget limit.
func (db *DB) UpsertCreditBudget(ctx context.Context, b *models.CreditBudget) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO credit_budgets (workspace_id, limit_credits, spent_credits, period_days)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id) DO UPDATE
		SET limit_credits = EXCLUDED.limit_credits,
		    period_days = EXCLUDED.period_days,
		    updated_at = NOW()
	`, b.WorkspaceID, b.LimitCredits, b.SpentCredits, b.PeriodDays)
	if err != nil {
		return fmt.Errorf("upserting credit budget: %w", err)
	}
	return nil
}

// AddCreditSpend atomically increments the persisted spend for a workspace.
// Workspaces without a persisted budget are ignored.
func (db *DB) AddCreditSpend(ctx context.Context, workspaceID string, credits int64) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE credit_budgets SET spent_credits = spent_credits + $1, updated_at = NOW()
		WHERE workspace_id = $2
	`, credits, workspaceID)
	if err != nil {
		return fmt.Errorf("updating credit spend: %w", err)
	}
	return nil
}

// ListCreditBudgets returns all persisted workspace budgets.
func (db *DB) ListCreditBudgets(ctx context.Context) ([]models.CreditBudget, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT workspace_id, limit_credits, spent_credits, period_days, created_at, updated_at
		FROM credit_budgets ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying credit budgets: %w", err)
	}
	defer rows.Close()

	var results []models.CreditBudget
	for rows.Next() {
		var b models.CreditBudget
		if err := rows.Scan(&b.WorkspaceID, &b.LimitCredits, &b.SpentCredits, &b.PeriodDays, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning credit budget: %w", err)
		}
		results = append(results, b)
	}
	return results, rows.Err()
}

// DeleteCreditBudget removes a workspace budget.
func (db *DB) DeleteCreditBudget(ctx context.Context, workspaceID string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM credit_budgets WHERE workspace_id = $1`, workspaceID)
	if err != nil {
		return fmt.Errorf("deleting credit budget: %w", err)
	}
	return nil
}

// ResetCreditSpend zeroes the persisted spend for a new billing period.
func (db *DB) ResetCreditSpend(ctx context.Context, workspaceID string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE credit_budgets SET spent_credits = 0, updated_at = NOW()
		WHERE workspace_id = $1
	`, workspaceID)
	if err != nil {
		return fmt.Errorf("resetting credit spend: %w", err)
	}
	return nil
}
