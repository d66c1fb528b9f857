// Package analytics implements credit analytics for Smart Search.
//
// The analytics engine aggregates completed searches per tier, measures the
// credits saved against sending every query to the deep tier, and turns the
// result into actionable recommendations for a workspace.
package analytics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/budget"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/pkg/models"
)

// InsightType categorizes the kind of insight generated.
type InsightType string

const (
	InsightSavingsFound  InsightType = "savings_found"
	InsightDeepHeavy     InsightType = "deep_heavy"
	InsightBudgetWarning InsightType = "budget_warning"
)

// Severity indicates the urgency of an insight.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Thresholds for generated insights.
const (
	// MinSearchesForInsight is the sample size below which tier-mix insights
	// are not generated.
	MinSearchesForInsight = 20
	// DeepShareThreshold flags workspaces where more than this share of
	// searches ran on the deep tier.
	DeepShareThreshold = 0.6
	// BudgetWarningRatio and BudgetCriticalRatio are spent/limit ratios.
	BudgetWarningRatio  = 0.8
	BudgetCriticalRatio = 1.0
)

// Insight represents an actionable recommendation or alert.
type Insight struct {
	ID             string      `json:"id"`
	Type           InsightType `json:"type"`
	Severity       Severity    `json:"severity"`
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	CreditsImpact  int64       `json:"credits_impact"`
	AffectedEntity string      `json:"affected_entity"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Report is a summary of search usage and credit savings over a period.
type Report struct {
	From              time.Time            `json:"from"`
	To                time.Time            `json:"to"`
	WorkspaceID       string               `json:"workspace_id,omitempty"`
	TotalSearches     int64                `json:"total_searches"`
	Tier1Searches     int64                `json:"tier1_searches"`
	Tier2Searches     int64                `json:"tier2_searches"`
	TotalCredits      int64                `json:"total_credits"`
	AlwaysDeepCredits int64                `json:"always_deep_credits"`
	SavedCredits      int64                `json:"saved_credits"`
	SavingsPercent    float64              `json:"savings_percent"`
	DeepShare         float64              `json:"deep_share"`
	TotalTokens       int64                `json:"total_tokens"`
	AvgLatencyMs      float64              `json:"avg_latency_ms"`
	Tiers             []models.TierSummary `json:"tiers"`
	Insights          []Insight            `json:"insights,omitempty"`
}

// BuildReport aggregates per-tier summaries into a Report.
func BuildReport(workspaceID string, from, to time.Time, tiers []models.TierSummary) *Report {
	r := &Report{From: from, To: to, WorkspaceID: workspaceID, Tiers: tiers}
	if r.Tiers == nil {
		r.Tiers = []models.TierSummary{}
	}

	deepCost := int64(models.TierDeep.Credits())
	var latencyWeighted float64
	for _, ts := range tiers {
		r.TotalSearches += ts.TotalSearches
		r.TotalCredits += ts.TotalCredits
		r.TotalTokens += ts.TotalTokens
		latencyWeighted += ts.AvgLatencyMs * float64(ts.TotalSearches)
		switch ts.Tier {
		case models.TierDeep:
			r.Tier2Searches += ts.TotalSearches
		default:
			r.Tier1Searches += ts.TotalSearches
		}
	}

	r.AlwaysDeepCredits = r.TotalSearches * deepCost
	r.SavedCredits = r.AlwaysDeepCredits - r.TotalCredits
	if r.AlwaysDeepCredits > 0 {
		r.SavingsPercent = round2(float64(r.SavedCredits) * 100 / float64(r.AlwaysDeepCredits))
	}
	if r.TotalSearches > 0 {
		r.DeepShare = round2(float64(r.Tier2Searches) / float64(r.TotalSearches))
		r.AvgLatencyMs = round2(latencyWeighted / float64(r.TotalSearches))
	}
	return r
}

// GenerateInsights derives recommendations from a report and, when known,
// the workspace budget.
func GenerateInsights(r *Report, b *models.CreditBudget, now time.Time) []Insight {
	var insights []Insight
	entity := r.WorkspaceID
	if entity == "" {
		entity = "all"
	}

	if r.TotalSearches >= MinSearchesForInsight {
		if r.DeepShare > DeepShareThreshold {
			extra := int64(models.TierDeep.Credits() - models.TierFast.Credits())
			insights = append(insights, Insight{
				ID:       "deep-heavy-" + entity,
				Type:     InsightDeepHeavy,
				Severity: SeverityInfo,
				Title:    "Most searches run on Deep Search",
				Description: fmt.Sprintf(
					"%.0f%% of %d searches used Deep Search. Lookup-style queries "+
						"(addresses, headcount, founding year) answered with fast_only would "+
						"cost %d credits less each.",
					r.DeepShare*100, r.TotalSearches, extra,
				),
				CreditsImpact:  r.Tier2Searches * extra,
				AffectedEntity: entity,
				CreatedAt:      now,
			})
		}
		if r.SavedCredits > 0 {
			insights = append(insights, Insight{
				ID:       "savings-" + entity,
				Type:     InsightSavingsFound,
				Severity: SeverityInfo,
				Title:    fmt.Sprintf("Auto routing saved %d credits", r.SavedCredits),
				Description: fmt.Sprintf(
					"%d of %d searches were answered by Fast Search, %.1f%% fewer credits than always using Deep Search.",
					r.Tier1Searches, r.TotalSearches, r.SavingsPercent,
				),
				CreditsImpact:  r.SavedCredits,
				AffectedEntity: entity,
				CreatedAt:      now,
			})
		}
	}

	if b != nil && b.LimitCredits > 0 {
		ratio := float64(b.SpentCredits) / float64(b.LimitCredits)
		if ratio >= BudgetWarningRatio {
			severity := SeverityWarning
			title := fmt.Sprintf("Workspace %s has used %.0f%% of its credits", b.WorkspaceID, ratio*100)
			if ratio >= BudgetCriticalRatio {
				severity = SeverityCritical
				title = fmt.Sprintf("Workspace %s has exhausted its credits", b.WorkspaceID)
			}
			insights = append(insights, Insight{
				ID:       "budget-" + b.WorkspaceID,
				Type:     InsightBudgetWarning,
				Severity: severity,
				Title:    title,
				Description: fmt.Sprintf(
					"%d of %d credits spent; %d remaining this period. Deep searches need %d credits each.",
					b.SpentCredits, b.LimitCredits, budget.Remaining(b), models.TierDeep.Credits(),
				),
				CreditsImpact:  b.SpentCredits - b.LimitCredits,
				AffectedEntity: b.WorkspaceID,
				CreatedAt:      now,
			})
		}
	}

	return insights
}

// SummarySource provides per-tier aggregates. *database.DB implements it.
type SummarySource interface {
	GetTierSummary(ctx context.Context, workspaceID string, from, to time.Time) ([]models.TierSummary, error)
}

// Engine generates reports from stored search history.
type Engine struct {
	source SummarySource
	now    func() time.Time
}

// NewEngine creates a new Engine.
func NewEngine(source SummarySource) *Engine {
	return &Engine{source: source, now: time.Now}
}

// GenerateReport creates a savings report for a workspace ("" = all) over
// [from, to], with insights attached.
func (e *Engine) GenerateReport(ctx context.Context, workspaceID string, from, to time.Time, b *models.CreditBudget) (*Report, error) {
	tiers, err := e.source.GetTierSummary(ctx, workspaceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("generating report: %w", err)
	}
	r := BuildReport(workspaceID, from, to, tiers)
	r.Insights = GenerateInsights(r, b, e.now())
	return r, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
