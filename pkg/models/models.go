// Package models defines the core data structures used across Smart Search.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Tier is one of the two fixed service levels for answering a research query.
type Tier string

const (
	TierFast Tier = "fast"
	TierDeep Tier = "deep"
)

// Wire names used in API responses.
const (
	WireTierFast = "tier1_fast"
	WireTierDeep = "tier2_deep"
)

// ModelClass designates the upstream model family a tier runs on.
type ModelClass string

const (
	ModelClassFast    ModelClass = "fast"
	ModelClassCapable ModelClass = "capable"
)

// TierSpec holds the fixed execution parameters of a tier.
type TierSpec struct {
	Tier       Tier       `json:"tier"`
	WireName   string     `json:"wire_name"`
	Label      string     `json:"label"`
	Credits    int        `json:"credits"`
	MaxTokens  int        `json:"max_tokens"`
	ModelClass ModelClass `json:"model_class"`
	Model      string     `json:"model"` // Default upstream model for the class
	Framing    string     `json:"framing"`
}

// Tiers is the per-tier configuration table. Cost, token budget, model class
// and framing are read from here by the router, the executor and any display
// code; they are never overridden per request.
var Tiers = map[Tier]TierSpec{
	TierFast: {
		Tier:       TierFast,
		WireName:   WireTierFast,
		Label:      "Quick Research",
		Credits:    1,
		MaxTokens:  200,
		ModelClass: ModelClassFast,
		Model:      "gpt-4o-mini",
		Framing:    "You are a fast research assistant. Answer concisely and directly.",
	},
	TierDeep: {
		Tier:       TierDeep,
		WireName:   WireTierDeep,
		Label:      "Deep Research",
		Credits:    6,
		MaxTokens:  500,
		ModelClass: ModelClassCapable,
		Model:      "gpt-4o",
		Framing:    "You are an intelligent research assistant with deep reasoning capabilities. Provide a thorough, well-reasoned answer.",
	},
}

// Spec returns the fixed parameters for t. Unknown tiers fall back to the fast tier.
func (t Tier) Spec() TierSpec {
	if s, ok := Tiers[t]; ok {
		return s
	}
	return Tiers[TierFast]
}

// Credits returns the credited cost of the tier.
func (t Tier) Credits() int { return t.Spec().Credits }

// WireName returns the API name of the tier ("tier1_fast" / "tier2_deep").
func (t Tier) WireName() string { return t.Spec().WireName }

// BudgetPolicy is the caller-supplied directive constraining tier choice.
type BudgetPolicy string

const (
	PolicyAuto     BudgetPolicy = "auto"
	PolicyFastOnly BudgetPolicy = "fast_only"
	PolicyDeepOnly BudgetPolicy = "deep_only"
)

// ParsePolicy validates a budget_mode value. Surrounding whitespace is
// ignored and an empty value means auto.
func ParsePolicy(s string) (BudgetPolicy, error) {
	p := BudgetPolicy(strings.TrimSpace(s))
	switch p {
	case "":
		return PolicyAuto, nil
	case PolicyAuto, PolicyFastOnly, PolicyDeepOnly:
		return p, nil
	}
	return "", fmt.Errorf("unrecognized budget_mode %q", s)
}

// SearchRecord is the persisted metadata of a completed search.
// Note: query text and answer text are NEVER stored.
type SearchRecord struct {
	ID            string    `json:"id" db:"id"`
	WorkspaceID   string    `json:"workspace_id" db:"workspace_id"`
	AccountName   string    `json:"account_name,omitempty" db:"account_name"`
	Complexity    string    `json:"complexity" db:"complexity"`
	Policy        string    `json:"policy" db:"policy"`
	Tier          Tier      `json:"tier" db:"tier"`
	Credits       int       `json:"credits" db:"credits"`
	Model         string    `json:"model" db:"model"`
	InputTokens   int64     `json:"input_tokens" db:"input_tokens"`
	OutputTokens  int64     `json:"output_tokens" db:"output_tokens"`
	LatencyMs     int64     `json:"latency_ms" db:"latency_ms"`
	UpgradeReason string    `json:"upgrade_reason,omitempty" db:"upgrade_reason"`
	Status        string    `json:"status" db:"status"`
	ErrorKind     string    `json:"error_kind,omitempty" db:"error_kind"`
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`
}

// Search outcome statuses. Only completed searches are charged.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// TierSummary provides aggregated usage for one tier over a period.
type TierSummary struct {
	Tier          Tier    `json:"tier"`
	TotalSearches int64   `json:"total_searches"`
	TotalCredits  int64   `json:"total_credits"`
	TotalTokens   int64   `json:"total_tokens"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
}

// CreditBudget is a workspace credit allowance for a billing period.
type CreditBudget struct {
	WorkspaceID  string    `json:"workspace_id" db:"workspace_id"`
	LimitCredits int64     `json:"limit_credits" db:"limit_credits"`
	SpentCredits int64     `json:"spent_credits" db:"spent_credits"`
	PeriodDays   int       `json:"period_days" db:"period_days"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
