package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/apperr"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/budget"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/database"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/executor"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/middleware"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/search"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/pkg/cache"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// memStore is an in-memory Store.
type memStore struct {
	mu       sync.Mutex
	searches []models.SearchRecord
	tiers    []models.TierSummary
	budgets  map[string]models.CreditBudget
	filter   database.SearchFilter
	pingErr  error
	deleted  []string
}

func newMemStore() *memStore {
	return &memStore{budgets: map[string]models.CreditBudget{}}
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) GetRecentSearches(_ context.Context, f database.SearchFilter) ([]models.SearchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = f
	return m.searches, nil
}

func (m *memStore) GetTierSummary(context.Context, string, time.Time, time.Time) ([]models.TierSummary, error) {
	return m.tiers, nil
}

func (m *memStore) GetCreditBudget(_ context.Context, ws string) (*models.CreditBudget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[ws]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &b, nil
}

func (m *memStore) UpsertCreditBudget(_ context.Context, b *models.CreditBudget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.budgets[b.WorkspaceID]
	nb := *b
	nb.SpentCredits = prev.SpentCredits
	m.budgets[b.WorkspaceID] = nb
	return nil
}

func (m *memStore) DeleteCreditBudget(_ context.Context, ws string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.budgets, ws)
	m.deleted = append(m.deleted, ws)
	return nil
}

func (m *memStore) ResetCreditSpend(_ context.Context, ws string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.budgets[ws]; ok {
		b.SpentCredits = 0
		m.budgets[ws] = b
	}
	return nil
}

func (m *memStore) ListCreditBudgets(context.Context) ([]models.CreditBudget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CreditBudget
	for _, b := range m.budgets {
		out = append(out, b)
	}
	return out, nil
}

// memLedger is an in-memory budget.Store keyed by workspace.
type memLedger struct {
	mu     sync.Mutex
	limits map[string]int64
	spent  map[string]int64
}

func newMemLedger() *memLedger {
	return &memLedger{limits: map[string]int64{}, spent: map[string]int64{}}
}

func (l *memLedger) ReserveCredits(_ context.Context, ws string, amount, _ int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim := l.limits[ws]; lim > 0 && l.spent[ws]+amount > lim {
		return false, nil
	}
	return true, nil
}

func (l *memLedger) CommitCredits(_ context.Context, ws string, amount int64, _ time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.spent[ws] += amount
	return l.spent[ws], nil
}

func (l *memLedger) ReleaseCredits(context.Context, string, int64) error { return nil }

func (l *memLedger) GetCredits(_ context.Context, ws string) (cache.CreditState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limits[ws]
	return cache.CreditState{Limit: lim, HasLimit: ok, Spent: l.spent[ws]}, nil
}

func (l *memLedger) SetCreditLimit(_ context.Context, ws string, limit int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[ws] = limit
	return nil
}

func (l *memLedger) ResetCredits(_ context.Context, ws string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.spent, ws)
	return nil
}

type testServer struct {
	engine *gin.Engine
	store  *memStore
	ledger *memLedger
}

func echoExecutor(_ context.Context, req executor.AnswerRequest) (*executor.Answer, error) {
	return &executor.Answer{Text: "answer: " + req.Query, Model: "test-model"}, nil
}

func newTestServer(t *testing.T, exec executor.Func, withStore bool) *testServer {
	t.Helper()
	if exec == nil {
		exec = echoExecutor
	}
	ts := &testServer{ledger: newMemLedger()}
	credits := budget.NewEnforcer(ts.ledger, budget.Options{})

	opts := Options{
		Service: search.NewService(search.Options{
			Router:   router.NewRouter(router.RandomFunc(func() float64 { return 0.9 })),
			Executor: exec,
			Credits:  credits,
		}),
		Credits: credits,
		Version: "test",
	}
	if withStore {
		ts.store = newMemStore()
		opts.Store = ts.store
	}
	h := NewHandlers(opts)

	r := gin.New()
	r.GET("/health", h.HealthCheck)
	h.RegisterSearchRoutes(r.Group("/api/smart-search", middleware.Workspace()))
	h.RegisterManagementRoutes(r.Group("/api/v1"))
	ts.engine = r
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestSmartSearch_Scenarios(t *testing.T) {
	ts := newTestServer(t, nil, false)
	acme := "Acme Corp"

	tests := []struct {
		name       string
		body       any
		wantTier   string
		wantCost   int
		wantReason string
		wantAnswer string
	}{
		{
			name:       "simple lookup stays fast",
			body:       SearchRequest{Query: "What is {COMPANY_NAME}'s headquarters address?", CompanyName: &acme},
			wantTier:   "tier1_fast",
			wantCost:   1,
			wantAnswer: "answer: What is Acme Corp's headquarters address?",
		},
		{
			name:       "complex analysis goes deep",
			body:       SearchRequest{Query: "Analyze the competitive landscape", BudgetMode: "auto"},
			wantTier:   "tier2_deep",
			wantCost:   6,
			wantReason: router.ReasonComplex,
		},
		{
			name:     "fast_only overrides complexity",
			body:     SearchRequest{Query: "Compare and evaluate everything", BudgetMode: "fast_only"},
			wantTier: "tier1_fast",
			wantCost: 1,
		},
		{
			name:       "medium with high draw goes deep",
			body:       SearchRequest{Query: "Why did revenue drop?"},
			wantTier:   "tier2_deep",
			wantCost:   6,
			wantReason: router.ReasonMedium,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/smart-search", tt.body)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			got := decode[map[string]any](t, w)
			assert.Equal(t, tt.wantTier, got["tierUsed"])
			assert.EqualValues(t, tt.wantCost, got["cost"])
			if tt.wantReason == "" {
				assert.NotContains(t, got, "upgradeReason")
			} else {
				assert.Equal(t, tt.wantReason, got["upgradeReason"])
			}
			if tt.wantAnswer != "" {
				assert.Equal(t, tt.wantAnswer, got["answer"])
			}
			assert.NotEmpty(t, w.Header().Get("X-Search-ID"))
		})
	}
}

func TestSmartSearch_Validation(t *testing.T) {
	ts := newTestServer(t, func(context.Context, executor.AnswerRequest) (*executor.Answer, error) {
		t.Fatal("executor must not be called")
		return nil, nil
	}, false)

	tests := []struct {
		name    string
		body    any
		message string
	}{
		{"missing query", `{"company_name":"Acme"}`, "query is required"},
		{"blank query", SearchRequest{Query: "   "}, "query is required"},
		{"unknown budget mode", SearchRequest{Query: "q", BudgetMode: "turbo"}, `unrecognized budget_mode "turbo"`},
		{"malformed json", `{"query":`, "invalid JSON body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/smart-search", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			got := decode[apperr.Wire](t, w)
			assert.Equal(t, "validation_error", got.Error)
			assert.Equal(t, tt.message, got.Message)
		})
	}

	w := ts.do(t, http.MethodPost, "/api/smart-search", SearchRequest{Query: "q"}, middleware.HeaderWorkspaceID, "bad/ws")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSmartSearch_PolicyWhitespace(t *testing.T) {
	ts := newTestServer(t, nil, false)

	w := ts.do(t, http.MethodPost, "/api/smart-search", SearchRequest{Query: "Analyze the market", BudgetMode: " fast_only "})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "tier1_fast", decode[map[string]any](t, w)["tierUsed"])
}

func TestSmartSearch_EmptyCompanyName(t *testing.T) {
	var got string
	ts := newTestServer(t, func(_ context.Context, req executor.AnswerRequest) (*executor.Answer, error) {
		got = req.Query
		return &executor.Answer{Text: "ok"}, nil
	}, false)

	w := ts.do(t, http.MethodPost, "/api/smart-search", `{"query":"Is {COMPANY_NAME} hiring?","company_name":""}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Is {COMPANY_NAME} hiring?", got)
}

func TestSmartSearch_Errors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{"upstream", apperr.Upstream("OpenAI API error: Rate limit reached", nil), http.StatusBadGateway, "upstream_error", "OpenAI API error: Rate limit reached"},
		{"configuration", apperr.Configuration("OpenAI API key not configured"), http.StatusInternalServerError, "configuration_error", "OpenAI API key not configured"},
		{"canceled", apperr.Canceled(context.Canceled), apperr.StatusClientClosedRequest, "canceled", "request canceled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, func(context.Context, executor.AnswerRequest) (*executor.Answer, error) {
				return nil, tt.err
			}, false)

			w := ts.do(t, http.MethodPost, "/api/smart-search", SearchRequest{Query: "What is the address?"}, middleware.HeaderWorkspaceID, "acme")
			assert.Equal(t, tt.status, w.Code)
			got := decode[apperr.Wire](t, w)
			assert.Equal(t, tt.code, got.Error)
			assert.Equal(t, tt.message, got.Message)
			assert.Zero(t, ts.ledger.spent["acme"], "failed searches are never charged")
		})
	}
}

func TestSmartSearch_InsufficientCredits(t *testing.T) {
	ts := newTestServer(t, nil, false)
	ts.ledger.limits["acme"] = 3

	w := ts.do(t, http.MethodPost, "/api/smart-search", SearchRequest{Query: "Analyze the market"}, middleware.HeaderWorkspaceID, "acme")
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "insufficient_credits", decode[apperr.Wire](t, w).Error)

	w = ts.do(t, http.MethodPost, "/api/smart-search", SearchRequest{Query: "Address?"}, middleware.HeaderWorkspaceID, "acme")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, ts.ledger.spent["acme"])
}

func TestSmartSearch_ForeignExecutorError(t *testing.T) {
	ts := newTestServer(t, func(context.Context, executor.AnswerRequest) (*executor.Answer, error) {
		return nil, errors.New("dial tcp 10.0.0.1:443: connection refused")
	}, false)

	w := ts.do(t, http.MethodPost, "/api/smart-search", SearchRequest{Query: "q"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "upstream_error", decode[apperr.Wire](t, w).Error)
}

func TestPreview(t *testing.T) {
	ts := newTestServer(t, nil, false)

	w := ts.do(t, http.MethodPost, "/api/smart-search/preview", PreviewRequest{
		Query:    "Where is {COMPANY_NAME} located?",
		Accounts: []string{"Acme", "Globex"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := decode[search.PreviewResult](t, w)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "Acme", got.Items[0].Account)
	require.NotNil(t, got.Items[1].Result)
	assert.Equal(t, "answer: Where is Globex located?", got.Items[1].Result.Answer)
	assert.Equal(t, 2, got.Breakdown.Tier1Count)
	assert.Equal(t, 10, got.Breakdown.SavedCredits)

	w = ts.do(t, http.MethodPost, "/api/smart-search/preview", PreviewRequest{Query: "q"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "accounts is required", decode[apperr.Wire](t, w).Message)
}

func TestClassify(t *testing.T) {
	ts := newTestServer(t, func(context.Context, executor.AnswerRequest) (*executor.Answer, error) {
		t.Fatal("classify must not call upstream")
		return nil, nil
	}, false)

	w := ts.do(t, http.MethodPost, "/api/smart-search/classify", ClassifyRequest{Query: "What is their phone number?"})
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[ClassifyResponse](t, w)
	assert.Equal(t, "simple", got.Complexity)
	assert.Equal(t, "auto", got.Policy)
	assert.Equal(t, "1-6 credits", got.EstimateText)
	assert.Contains(t, got.Hint, "save up to 83%")

	w = ts.do(t, http.MethodPost, "/api/smart-search/classify", ClassifyRequest{Query: "Assess the risk", BudgetMode: "deep_only"})
	require.Equal(t, http.StatusOK, w.Code)
	got = decode[ClassifyResponse](t, w)
	assert.Equal(t, "complex", got.Complexity)
	assert.Equal(t, "6 credits", got.EstimateText)
}

func TestListTiers(t *testing.T) {
	ts := newTestServer(t, nil, false)
	w := ts.do(t, http.MethodGet, "/api/v1/tiers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		Tiers             []models.TierSpec `json:"tiers"`
		Estimates         []router.Estimate `json:"estimates"`
		MaxSavingsPercent int               `json:"max_savings_percent"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Tiers, 2)
	assert.Equal(t, "tier1_fast", got.Tiers[0].WireName)
	assert.Equal(t, 6, got.Tiers[1].Credits)
	assert.Len(t, got.Estimates, 3)
	assert.Equal(t, 83, got.MaxSavingsPercent)
}

func TestManagement_RequiresDB(t *testing.T) {
	ts := newTestServer(t, nil, false)
	for _, path := range []string{"/api/v1/searches", "/api/v1/costs/tiers", "/api/v1/report", "/api/v1/credits"} {
		w := ts.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
		assert.Equal(t, "unavailable", decode[apperr.Wire](t, w).Error)
	}
}

func TestGetRecentSearches(t *testing.T) {
	ts := newTestServer(t, nil, true)
	ts.store.searches = []models.SearchRecord{{ID: "s1", Tier: models.TierFast, Credits: 1}}

	w := ts.do(t, http.MethodGet, "/api/v1/searches?workspace=acme&limit=5000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "acme", ts.store.filter.WorkspaceID)
	assert.Equal(t, 50, ts.store.filter.Limit, "out-of-range limits fall back to the default")
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestGetTierCosts_BadRange(t *testing.T) {
	ts := newTestServer(t, nil, true)
	w := ts.do(t, http.MethodGet, "/api/v1/costs/tiers?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/costs/tiers?from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/costs/tiers", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"data":[]`)
}

func TestGetReport(t *testing.T) {
	ts := newTestServer(t, nil, true)
	ts.store.tiers = []models.TierSummary{
		{Tier: models.TierFast, TotalSearches: 30, TotalCredits: 30},
		{Tier: models.TierDeep, TotalSearches: 10, TotalCredits: 60},
	}

	w := ts.do(t, http.MethodGet, "/api/v1/report?workspace=acme", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[map[string]any](t, w)
	assert.EqualValues(t, 40, got["total_searches"])
	assert.EqualValues(t, 150, got["saved_credits"])
	assert.EqualValues(t, 62.5, got["savings_percent"])
}

func TestCredits_SetAndGet(t *testing.T) {
	ts := newTestServer(t, nil, true)

	w := ts.do(t, http.MethodPut, "/api/v1/credits/acme", map[string]any{"limit_credits": 100})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	set := decode[CreditsResponse](t, w)
	assert.EqualValues(t, 100, set.LimitCredits)
	assert.Equal(t, 30, set.PeriodDays)
	assert.EqualValues(t, 100, set.RemainingCredits)
	assert.EqualValues(t, 100, ts.ledger.limits["acme"])

	ts.do(t, http.MethodPost, "/api/smart-search", SearchRequest{Query: "Analyze growth"}, middleware.HeaderWorkspaceID, "acme")

	w = ts.do(t, http.MethodGet, "/api/v1/credits/acme", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[CreditsResponse](t, w)
	assert.EqualValues(t, 6, got.SpentCredits)
	assert.EqualValues(t, 94, got.RemainingCredits)
	assert.Equal(t, 30, got.PeriodDays)

	w = ts.do(t, http.MethodPost, "/api/v1/credits/acme/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, ts.ledger.spent["acme"])

	w = ts.do(t, http.MethodGet, "/api/v1/credits", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestCredits_Unlimited(t *testing.T) {
	ts := newTestServer(t, nil, false)
	w := ts.do(t, http.MethodGet, "/api/v1/credits/newco", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, -1, decode[CreditsResponse](t, w).RemainingCredits)
}

func TestCredits_Validation(t *testing.T) {
	ts := newTestServer(t, nil, true)

	tests := []struct {
		name string
		path string
		body any
	}{
		{"missing limit", "/api/v1/credits/acme", `{}`},
		{"negative limit", "/api/v1/credits/acme", map[string]any{"limit_credits": -1}},
		{"period too long", "/api/v1/credits/acme", map[string]any{"limit_credits": 5, "period_days": 400}},
		{"bad workspace", "/api/v1/credits/-acme", map[string]any{"limit_credits": 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
	assert.Empty(t, ts.store.budgets)
}

func TestCredits_RollbackOnLedgerFailure(t *testing.T) {
	store := newMemStore()
	h := NewHandlers(Options{
		Service: search.NewService(search.Options{Executor: executor.Func(echoExecutor)}),
		Store:   store,
		Credits: budget.NewEnforcer(nil, budget.Options{}),
	})
	r := gin.New()
	h.RegisterManagementRoutes(r.Group("/api/v1"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/v1/credits/acme", strings.NewReader(`{"limit_credits":10}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, store.budgets, "persisted limit must be rolled back")
	assert.Equal(t, []string{"acme"}, store.deleted)
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t, nil, true)

	w := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string]any](t, w)
	assert.Equal(t, "healthy", got["status"])
	assert.Equal(t, map[string]any{"database": "ok", "cache": "disabled"}, got["components"])

	ts.store.pingErr = errors.New("down")
	w = ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, "degraded", decode[map[string]any](t, w)["status"])
}
