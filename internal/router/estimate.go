package router

import (
	"fmt"
	"math"

	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/classifier"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/pkg/models"
)

// Estimate is the credit range a single search may cost under a policy.
type Estimate struct {
	Policy     models.BudgetPolicy `json:"policy"`
	MinCredits int                 `json:"min_credits"`
	MaxCredits int                 `json:"max_credits"`
}

// String renders the range the way the configuration screen shows it.
func (e Estimate) String() string {
	if e.MinCredits == e.MaxCredits {
		if e.MinCredits == 1 {
			return "1 credit"
		}
		return fmt.Sprintf("%d credits", e.MinCredits)
	}
	return fmt.Sprintf("%d-%d credits", e.MinCredits, e.MaxCredits)
}

// EstimateCost returns the per-search credit range for policy.
func EstimateCost(policy models.BudgetPolicy) Estimate {
	fast := models.TierFast.Credits()
	deep := models.TierDeep.Credits()

	switch policy {
	case models.PolicyFastOnly:
		return Estimate{Policy: policy, MinCredits: fast, MaxCredits: fast}
	case models.PolicyDeepOnly:
		return Estimate{Policy: policy, MinCredits: deep, MaxCredits: deep}
	default:
		return Estimate{Policy: models.PolicyAuto, MinCredits: fast, MaxCredits: deep}
	}
}

// MaxSavingsPercent is the share of the deep-tier cost saved when a search
// stays on the fast tier, rounded down.
func MaxSavingsPercent() int {
	fast := float64(models.TierFast.Credits())
	deep := float64(models.TierDeep.Credits())
	return int(math.Floor((deep - fast) / deep * 100))
}

// Hint describes how the auto policy is expected to treat a query.
func Hint(complexity classifier.Complexity) string {
	switch complexity {
	case classifier.Complex:
		return "Complex query - Auto mode will use Deep Search more often"
	case classifier.Medium:
		return "Medium complexity - Auto mode will try Fast Search first"
	default:
		return fmt.Sprintf("Simple query - Auto mode will likely use Fast Search (save up to %d%%)", MaxSavingsPercent())
	}
}
