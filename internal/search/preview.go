package search

import (
	"context"
	"fmt"
	"math"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/apperr"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/logger"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/prompt"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/pkg/models"
)

// PreviewRequest runs one query against several accounts.
type PreviewRequest struct {
	Query       string
	BudgetMode  string
	Accounts    []string
	WorkspaceID string
}

// PreviewItem is the outcome for one account. Exactly one of Result and
// Error is set.
type PreviewItem struct {
	Account string       `json:"account"`
	Result  *Result      `json:"result,omitempty"`
	Error   *apperr.Wire `json:"error,omitempty"`
}

// PreviewResult is the per-account outcome plus the cost breakdown of the
// successful items.
type PreviewResult struct {
	Items     []PreviewItem `json:"items"`
	Breakdown Breakdown     `json:"breakdown"`
}

// Preview runs the search pipeline once per account with the account name
// substituted for the company placeholder. At most PreviewConcurrency
// searches are in flight. A failing account does not fail the batch; a
// canceled context does.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (*PreviewResult, error) {
	if _, _, err := validate(req.Query, req.BudgetMode); err != nil {
		return nil, err
	}
	accounts := make([]string, 0, len(req.Accounts))
	for _, a := range req.Accounts {
		if a = strings.TrimSpace(a); a != "" {
			accounts = append(accounts, a)
		}
	}
	if len(accounts) == 0 {
		return nil, apperr.Validation("at least one account is required")
	}
	if len(accounts) > s.previewMaxAccounts {
		return nil, apperr.Validation(fmt.Sprintf("at most %d accounts per preview, got %d", s.previewMaxAccounts, len(accounts)))
	}

	if !prompt.HasPlaceholder(req.Query) {
		logger.C(ctx).Debug().Int("accounts", len(accounts)).Msg("preview query has no company placeholder, every account runs the same query")
	}

	items := make([]PreviewItem, len(accounts))
	var g errgroup.Group
	g.SetLimit(s.previewConcurrency)
	for i, account := range accounts {
		i, account := i, account
		g.Go(func() error {
			name := account
			res, err := s.Search(ctx, Request{
				Query:       req.Query,
				CompanyName: &name,
				BudgetMode:  req.BudgetMode,
				WorkspaceID: req.WorkspaceID,
				AccountName: name,
			})
			items[i] = PreviewItem{Account: name, Result: res}
			if err != nil {
				w := apperr.WireFrom(err)
				items[i].Error = &w
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, apperr.Canceled(err)
	}

	results := make([]Result, 0, len(items))
	failed := 0
	for _, it := range items {
		if it.Result != nil {
			results = append(results, *it.Result)
		} else {
			failed++
		}
	}
	bd := NewBreakdown(results)
	logger.C(ctx).Info().
		Int("accounts", len(accounts)).
		Int("failed", failed).
		Int("total_credits", bd.TotalCredits).
		Msg("preview completed")

	return &PreviewResult{Items: items, Breakdown: bd}, nil
}

// Breakdown summarizes the tier mix and credit usage of a batch against the
// cost of sending every query to the deep tier.
type Breakdown struct {
	Tier1Count        int `json:"tier1Count"`
	Tier2Count        int `json:"tier2Count"`
	TotalCredits      int `json:"totalCredits"`
	AlwaysDeepCredits int `json:"alwaysDeepCredits"`
	SavedCredits      int `json:"savedCredits"`
	SavingsPercent    int `json:"savingsPercent"`
}

// NewBreakdown computes the Breakdown of results.
func NewBreakdown(results []Result) Breakdown {
	var b Breakdown
	deepCost := models.TierDeep.Credits()
	for _, r := range results {
		switch r.Tier {
		case models.TierDeep:
			b.Tier2Count++
		default:
			b.Tier1Count++
		}
		b.TotalCredits += r.Cost
		b.AlwaysDeepCredits += deepCost
	}
	b.SavedCredits = b.AlwaysDeepCredits - b.TotalCredits
	if b.AlwaysDeepCredits > 0 {
		b.SavingsPercent = int(math.Round(float64(b.SavedCredits) * 100 / float64(b.AlwaysDeepCredits)))
	}
	return b
}
