// Package router implements the two-tier Smart Search routing engine.
//
// The router takes the complexity class of a research query and the caller's
// budget policy and decides whether the fast tier or the deep tier services
// the request. Forced policies (fast_only, deep_only) always win; under the
// auto policy complex queries go deep, simple queries stay fast, and medium
// queries are split between the two tiers at random.
package router

import (
	"math/rand"

	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/classifier"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/pkg/models"
)

// Upgrade reasons reported when the auto policy escalates to the deep tier.
const (
	ReasonComplex      = "Complex query detected — used Deep Search directly"
	ReasonMedium       = "Fast search found basic info, but query needs more analysis"
	ReasonInsufficient = "Insufficient detail in initial results"
)

// mediumSplit is the fraction of medium auto-policy traffic kept on the fast tier.
const mediumSplit = 0.5

// RandomSource yields fractions in [0, 1).
type RandomSource interface {
	Float64() float64
}

// RandomFunc adapts a plain function to RandomSource.
type RandomFunc func() float64

// Float64 implements RandomSource.
func (f RandomFunc) Float64() float64 { return f() }

// defaultSource draws from the math/rand/v2 global generator, which is safe
// for concurrent use.
type defaultSource struct{}

func (defaultSource) Float64() float64 { return rand.Float64() }

// Decision is the outcome of a routing call.
type Decision struct {
	Tier          models.Tier           `json:"tier"`
	Cost          int                   `json:"cost"`
	Complexity    classifier.Complexity `json:"complexity"`
	Policy        models.BudgetPolicy   `json:"policy"`
	UpgradeReason string                `json:"upgrade_reason,omitempty"`
}

// Router selects service tiers. It holds no mutable state, so a single
// Router may be shared across goroutines as long as its RandomSource is.
type Router struct {
	rnd RandomSource
}

// NewRouter creates a Router. A nil source uses math/rand/v2.
func NewRouter(rnd RandomSource) *Router {
	if rnd == nil {
		rnd = defaultSource{}
	}
	return &Router{rnd: rnd}
}

// SelectTier returns the tier for the given complexity under policy.
// An empty policy is treated as auto.
func (r *Router) SelectTier(complexity classifier.Complexity, policy models.BudgetPolicy) models.Tier {
	switch policy {
	case models.PolicyFastOnly:
		return models.TierFast
	case models.PolicyDeepOnly:
		return models.TierDeep
	}

	switch complexity {
	case classifier.Complex:
		return models.TierDeep
	case classifier.Medium:
		if r.rnd.Float64() < mediumSplit {
			return models.TierFast
		}
		return models.TierDeep
	default:
		return models.TierFast
	}
}

// ExplainUpgrade returns the human-readable reason for an auto-policy deep
// selection driven by complexity.
func ExplainUpgrade(complexity classifier.Complexity) string {
	switch complexity {
	case classifier.Complex:
		return ReasonComplex
	case classifier.Medium:
		return ReasonMedium
	default:
		return ReasonInsufficient
	}
}

// UpgradeReason returns the reason to report for a finished decision, or ""
// when none applies. Only adaptive upgrades carry a reason: an explicit
// deep_only selection does not.
func UpgradeReason(tier models.Tier, complexity classifier.Complexity, policy models.BudgetPolicy) string {
	if tier != models.TierDeep || !isAuto(policy) {
		return ""
	}
	return ExplainUpgrade(complexity)
}

// Route selects a tier and reports its cost and upgrade reason.
func (r *Router) Route(complexity classifier.Complexity, policy models.BudgetPolicy) Decision {
	if policy == "" {
		policy = models.PolicyAuto
	}
	tier := r.SelectTier(complexity, policy)
	return Decision{
		Tier:          tier,
		Cost:          tier.Credits(),
		Complexity:    complexity,
		Policy:        policy,
		UpgradeReason: UpgradeReason(tier, complexity, policy),
	}
}

func isAuto(policy models.BudgetPolicy) bool {
	return policy == models.PolicyAuto || policy == ""
}
