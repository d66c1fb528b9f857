// Package api implements the REST API endpoints for Smart Search.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/analytics"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/apperr"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/budget"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/database"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/logger"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/middleware"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/search"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/pkg/models"
)

// Store is the persistence used by the management endpoints.
// *database.DB implements it.
type Store interface {
	Ping(ctx context.Context) error
	GetRecentSearches(ctx context.Context, f database.SearchFilter) ([]models.SearchRecord, error)
	GetTierSummary(ctx context.Context, workspaceID string, from, to time.Time) ([]models.TierSummary, error)
	GetCreditBudget(ctx context.Context, workspaceID string) (*models.CreditBudget, error)
	UpsertCreditBudget(ctx context.Context, b *models.CreditBudget) error
	DeleteCreditBudget(ctx context.Context, workspaceID string) error
	ResetCreditSpend(ctx context.Context, workspaceID string) error
	ListCreditBudgets(ctx context.Context) ([]models.CreditBudget, error)
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures Handlers. Service is required; a nil Store disables
// the history and analytics endpoints.
type Options struct {
	Service *search.Service
	Store   Store
	Credits *budget.Enforcer
	Cache   Pinger
	Version string
}

// Handlers provides REST API endpoint handlers.
type Handlers struct {
	svc       *search.Service
	store     Store
	credits   *budget.Enforcer
	cache     Pinger
	analytics *analytics.Engine
	version   string
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(opts Options) *Handlers {
	registerValidators()

	h := &Handlers{
		svc:     opts.Service,
		store:   opts.Store,
		credits: opts.Credits,
		cache:   opts.Cache,
		version: opts.Version,
	}
	if h.credits == nil {
		h.credits = budget.NewEnforcer(nil, budget.Options{FailOpen: true})
	}
	if h.store != nil {
		h.analytics = analytics.NewEngine(h.store)
	}
	if h.version == "" {
		h.version = "dev"
	}
	return h
}

// RegisterSearchRoutes mounts the caller-facing search endpoints on g.
func (h *Handlers) RegisterSearchRoutes(g gin.IRoutes) {
	g.POST("", h.SmartSearch)
	g.POST("/preview", h.Preview)
	g.POST("/classify", h.Classify)
}

// RegisterManagementRoutes mounts the admin endpoints on g.
func (h *Handlers) RegisterManagementRoutes(g gin.IRoutes) {
	g.GET("/tiers", h.ListTiers)
	g.GET("/searches", h.GetRecentSearches)
	g.GET("/costs/tiers", h.GetTierCosts)
	g.GET("/report", h.GetReport)

	g.GET("/credits", h.ListCredits)
	g.GET("/credits/:workspace", h.GetCredits)
	g.PUT("/credits/:workspace", h.SetCredits)
	g.POST("/credits/:workspace/reset", h.ResetCredits)
}

// fail writes err in its wire form. Unclassified errors are logged and
// reported without their internal message.
func (h *Handlers) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	wire := apperr.WireFrom(err)
	if apperr.KindOf(err) == apperr.KindUnknown {
		logger.C(c.Request.Context()).Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		wire.Message = "An unexpected error occurred."
	}
	c.AbortWithStatusJSON(apperr.HTTPStatus(err), wire)
}

// requireDB returns true if the database is available, or sends a 503 and returns false.
func (h *Handlers) requireDB(c *gin.Context) bool {
	if h.store == nil {
		h.fail(c, apperr.Unavailable("database unavailable"))
		return false
	}
	return true
}

// HealthCheck returns the service health status with the state of each
// backing service.
func (h *Handlers) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	components := gin.H{}
	for name, p := range map[string]Pinger{"database": h.store, "cache": h.cache} {
		switch {
		case p == nil:
			components[name] = "disabled"
		case p.Ping(ctx) != nil:
			components[name] = "unavailable"
			status = "degraded"
		default:
			components[name] = "ok"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"service":    "smartsearch",
		"version":    h.version,
		"components": components,
	})
}

// SearchRequest is the body of POST /api/smart-search.
type SearchRequest struct {
	Query       string  `json:"query" binding:"required"`
	CompanyName *string `json:"company_name"`
	BudgetMode  string  `json:"budget_mode" binding:"omitempty,budget_mode"`
}

// SmartSearch classifies, routes and answers one query.
func (h *Handlers) SmartSearch(c *gin.Context) {
	var req SearchRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}

	// An empty company name is treated as absent.
	if req.CompanyName != nil && *req.CompanyName == "" {
		req.CompanyName = nil
	}

	res, err := h.svc.Search(c.Request.Context(), search.Request{
		Query:       req.Query,
		CompanyName: req.CompanyName,
		BudgetMode:  req.BudgetMode,
		WorkspaceID: middleware.WorkspaceID(c),
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("X-Search-ID", res.SearchID)
	c.Header("X-Credits-Used", strconv.Itoa(res.Cost))
	c.JSON(http.StatusOK, res)
}

// PreviewRequest is the body of POST /api/smart-search/preview.
type PreviewRequest struct {
	Query      string   `json:"query" binding:"required"`
	BudgetMode string   `json:"budget_mode" binding:"omitempty,budget_mode"`
	Accounts   []string `json:"accounts" binding:"required,min=1"`
}

// Preview runs one query against several accounts and returns the
// per-account answers with a cost breakdown.
func (h *Handlers) Preview(c *gin.Context) {
	var req PreviewRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}

	out, err := h.svc.Preview(c.Request.Context(), search.PreviewRequest{
		Query:       req.Query,
		BudgetMode:  req.BudgetMode,
		Accounts:    req.Accounts,
		WorkspaceID: middleware.WorkspaceID(c),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ClassifyRequest is the body of POST /api/smart-search/classify.
type ClassifyRequest struct {
	Query      string `json:"query" binding:"required"`
	BudgetMode string `json:"budget_mode" binding:"omitempty,budget_mode"`
}

// ClassifyResponse describes how a query would be treated without running it.
type ClassifyResponse struct {
	Complexity   string          `json:"complexity"`
	Policy       string          `json:"policy"`
	Hint         string          `json:"hint"`
	Estimate     router.Estimate `json:"estimate"`
	EstimateText string          `json:"estimate_text"`
}

// Classify returns the complexity class, the UI hint and the credit range
// for a query. No upstream call is made and no credits are charged.
func (h *Handlers) Classify(c *gin.Context) {
	var req ClassifyRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}

	plan, err := h.svc.Plan(search.Request{Query: req.Query, BudgetMode: req.BudgetMode})
	if err != nil {
		h.fail(c, err)
		return
	}
	est := router.EstimateCost(plan.Decision.Policy)
	c.JSON(http.StatusOK, ClassifyResponse{
		Complexity:   string(plan.Decision.Complexity),
		Policy:       string(plan.Decision.Policy),
		Hint:         plan.Hint,
		Estimate:     est,
		EstimateText: est.String(),
	})
}

// ListTiers returns the tier table and per-policy credit estimates.
func (h *Handlers) ListTiers(c *gin.Context) {
	tiers := []models.TierSpec{models.TierFast.Spec(), models.TierDeep.Spec()}
	estimates := []router.Estimate{
		router.EstimateCost(models.PolicyAuto),
		router.EstimateCost(models.PolicyFastOnly),
		router.EstimateCost(models.PolicyDeepOnly),
	}
	c.JSON(http.StatusOK, gin.H{
		"tiers":               tiers,
		"estimates":           estimates,
		"max_savings_percent": router.MaxSavingsPercent(),
	})
}

// GetRecentSearches returns the most recent searches.
// Query params: workspace, limit (1-1000, default 50)
func (h *Handlers) GetRecentSearches(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 1000 {
		limit = 50
	}

	searches, err := h.store.GetRecentSearches(c.Request.Context(), database.SearchFilter{
		WorkspaceID: c.Query("workspace"),
		Limit:       limit,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count": len(searches),
		"data":  searches,
	})
}

// parseRange reads the from/to query params (RFC3339), defaulting to the
// last month.
func parseRange(c *gin.Context) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from, to := now.AddDate(0, -1, 0), now

	var err error
	if s := c.Query("from"); s != "" {
		if from, err = time.Parse(time.RFC3339, s); err != nil {
			return from, to, apperr.Validation("invalid 'from' date format, use RFC3339")
		}
	}
	if s := c.Query("to"); s != "" {
		if to, err = time.Parse(time.RFC3339, s); err != nil {
			return from, to, apperr.Validation("invalid 'to' date format, use RFC3339")
		}
	}
	if from.After(to) {
		return from, to, apperr.Validation("'from' must not be after 'to'")
	}
	return from, to, nil
}

// GetTierCosts returns completed-search totals per tier.
// Query params: workspace, from, to
func (h *Handlers) GetTierCosts(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}
	from, to, err := parseRange(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	summaries, err := h.store.GetTierSummary(c.Request.Context(), c.Query("workspace"), from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	if summaries == nil {
		summaries = []models.TierSummary{}
	}

	c.JSON(http.StatusOK, gin.H{
		"from": from,
		"to":   to,
		"data": summaries,
	})
}

// GetReport returns the savings report against always using the deep tier,
// with insights. A workspace report includes its budget status.
func (h *Handlers) GetReport(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}
	from, to, err := parseRange(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	ws := c.Query("workspace")
	var b *models.CreditBudget
	if ws != "" {
		if b, err = h.credits.Status(c.Request.Context(), ws); err != nil {
			logger.C(c.Request.Context()).Warn().Err(err).Str("workspace_id", ws).Msg("budget status unavailable for report")
			b = nil
		}
	}

	report, err := h.analytics.GenerateReport(c.Request.Context(), ws, from, to, b)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// CreditsResponse is a budget with its remaining credits (-1 = unlimited).
type CreditsResponse struct {
	models.CreditBudget
	RemainingCredits int64 `json:"remaining_credits"`
}

func workspaceParam(c *gin.Context) (string, error) {
	ws := c.Param("workspace")
	if !middleware.ValidWorkspaceID(ws) {
		return "", apperr.Validation("invalid workspace id")
	}
	return ws, nil
}

// ListCredits returns all persisted workspace budgets.
func (h *Handlers) ListCredits(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}

	budgets, err := h.store.ListCreditBudgets(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if budgets == nil {
		budgets = []models.CreditBudget{}
	}

	c.JSON(http.StatusOK, gin.H{
		"count": len(budgets),
		"data":  budgets,
	})
}

// GetCredits returns the live budget of a workspace. When the ledger is
// unreachable the persisted budget is returned instead.
func (h *Handlers) GetCredits(c *gin.Context) {
	ws, err := workspaceParam(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	ctx := c.Request.Context()

	var stored *models.CreditBudget
	if h.store != nil {
		stored, err = h.store.GetCreditBudget(ctx, ws)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			logger.C(ctx).Warn().Err(err).Str("workspace_id", ws).Msg("failed to read persisted budget")
		}
	}

	b, err := h.credits.Status(ctx, ws)
	if err != nil {
		if stored == nil {
			h.fail(c, err)
			return
		}
		b = stored
	} else if stored != nil {
		b.PeriodDays = stored.PeriodDays
		b.CreatedAt = stored.CreatedAt
		b.UpdatedAt = stored.UpdatedAt
	}

	c.JSON(http.StatusOK, CreditsResponse{CreditBudget: *b, RemainingCredits: budget.Remaining(b)})
}

// SetCreditsRequest is the body of PUT /api/v1/credits/:workspace.
type SetCreditsRequest struct {
	LimitCredits *int64 `json:"limit_credits" binding:"required,min=0"`
	PeriodDays   int    `json:"period_days" binding:"omitempty,min=1,max=366"`
}

// SetCredits creates or updates the credit limit of a workspace. The limit
// is persisted first and then synced to the ledger; a failed sync rolls the
// persisted row back.
func (h *Handlers) SetCredits(c *gin.Context) {
	ws, err := workspaceParam(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var req SetCreditsRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	if req.PeriodDays == 0 {
		req.PeriodDays = int(budget.DefaultPeriod / (24 * time.Hour))
	}

	ctx := c.Request.Context()
	log := logger.C(ctx).With().Str("workspace_id", ws).Logger()
	b := &models.CreditBudget{WorkspaceID: ws, LimitCredits: *req.LimitCredits, PeriodDays: req.PeriodDays}

	var existing *models.CreditBudget
	if h.store != nil {
		// Snapshot the existing budget (if any) so a rollback restores it.
		existing, _ = h.store.GetCreditBudget(ctx, ws)
		if err := h.store.UpsertCreditBudget(ctx, b); err != nil {
			h.fail(c, err)
			return
		}
	}

	if err := h.credits.SetLimit(ctx, ws, b.LimitCredits); err != nil {
		log.Error().Err(err).Msg("ledger sync failed for credit limit, rolling back")
		if h.store != nil {
			rbCtx := context.WithoutCancel(ctx)
			if existing != nil {
				if rbErr := h.store.UpsertCreditBudget(rbCtx, existing); rbErr != nil {
					log.Error().Err(rbErr).Msg("rollback (restore) failed")
				}
			} else if rbErr := h.store.DeleteCreditBudget(rbCtx, ws); rbErr != nil {
				log.Error().Err(rbErr).Msg("rollback (delete) failed")
			}
		}
		h.fail(c, err)
		return
	}

	log.Info().Int64("limit_credits", b.LimitCredits).Msg("credit limit updated")
	if existing != nil {
		b.SpentCredits = existing.SpentCredits
	}
	c.JSON(http.StatusOK, CreditsResponse{CreditBudget: *b, RemainingCredits: budget.Remaining(b)})
}

// ResetCredits starts a new billing period for a workspace.
func (h *Handlers) ResetCredits(c *gin.Context) {
	ws, err := workspaceParam(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	ctx := c.Request.Context()

	if err := h.credits.Reset(ctx, ws); err != nil {
		h.fail(c, err)
		return
	}
	if h.store != nil {
		if err := h.store.ResetCreditSpend(ctx, ws); err != nil {
			h.fail(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"workspace_id": ws, "status": "reset"})
}
