// Package search orchestrates a Smart Search request: classify the query,
// route it to a tier, template it, reserve credits, execute it upstream and
// assemble the result.
package search

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/apperr"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/budget"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/classifier"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/events"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/executor"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/logger"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/prompt"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/pkg/models"
)

// Request is a single search as submitted by a caller.
type Request struct {
	Query       string
	CompanyName *string
	BudgetMode  string // auto | fast_only | deep_only; empty = auto
	WorkspaceID string
	AccountName string // Recorded with the search; defaults to CompanyName
}

// Result is the response entity returned to the caller.
type Result struct {
	TierUsed      string `json:"tierUsed"`
	Cost          int    `json:"cost"`
	Answer        string `json:"answer"`
	UpgradeReason string `json:"upgradeReason,omitempty"`

	SearchID   string                `json:"-"`
	Tier       models.Tier           `json:"-"`
	Complexity classifier.Complexity `json:"-"`
	Policy     models.BudgetPolicy   `json:"-"`
}

// BuildResult assembles the result for an answered query. Cost comes from the
// tier table; the upgrade reason is set only for deep answers under auto.
func BuildResult(tier models.Tier, answer string, complexity classifier.Complexity, policy models.BudgetPolicy) Result {
	if policy == "" {
		policy = models.PolicyAuto
	}
	return Result{
		TierUsed:      tier.WireName(),
		Cost:          tier.Credits(),
		Answer:        answer,
		UpgradeReason: router.UpgradeReason(tier, complexity, policy),
		Tier:          tier,
		Complexity:    complexity,
		Policy:        policy,
	}
}

// Plan is a validated, routed request that has not been executed.
type Plan struct {
	Query    string // Templated
	Decision router.Decision
	Hint     string
}

// Recorder persists search history. *database.DB implements it.
type Recorder interface {
	InsertSearch(ctx context.Context, rec *models.SearchRecord) error
	AddCreditSpend(ctx context.Context, workspaceID string, credits int64) error
}

// Options configures a Service. Router and Executor are required.
type Options struct {
	Router    *router.Router
	Executor  executor.Executor
	Credits   *budget.Enforcer // nil = no credit enforcement
	Recorder  Recorder         // nil = history disabled
	Publisher events.Publisher // nil = events disabled

	PreviewConcurrency int // Default 4
	PreviewMaxAccounts int // Default 10

	// PersistTimeout bounds the background history write and event publish
	// that follow each search. Default 5s.
	PersistTimeout time.Duration

	Now func() time.Time
}

// Service runs searches. It is safe for concurrent use.
type Service struct {
	router    *router.Router
	executor  executor.Executor
	credits   *budget.Enforcer
	recorder  Recorder
	publisher events.Publisher

	previewConcurrency int
	previewMaxAccounts int
	persistTimeout     time.Duration
	now                func() time.Time

	pending sync.WaitGroup
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	s := &Service{
		router:             opts.Router,
		executor:           opts.Executor,
		credits:            opts.Credits,
		recorder:           opts.Recorder,
		publisher:          opts.Publisher,
		previewConcurrency: opts.PreviewConcurrency,
		previewMaxAccounts: opts.PreviewMaxAccounts,
		persistTimeout:     opts.PersistTimeout,
		now:                opts.Now,
	}
	if s.router == nil {
		s.router = router.NewRouter(nil)
	}
	if s.credits == nil {
		s.credits = budget.NewEnforcer(nil, budget.Options{FailOpen: true})
	}
	if s.publisher == nil {
		s.publisher = events.Noop{}
	}
	if s.previewConcurrency < 1 {
		s.previewConcurrency = 4
	}
	if s.previewMaxAccounts < 1 {
		s.previewMaxAccounts = 10
	}
	if s.persistTimeout <= 0 {
		s.persistTimeout = 5 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// validate checks caller input before any tier decision.
func validate(query, budgetMode string) (string, models.BudgetPolicy, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return "", "", apperr.Validation("query is required")
	}
	policy, err := models.ParsePolicy(budgetMode)
	if err != nil {
		return "", "", apperr.Validation(err.Error())
	}
	return q, policy, nil
}

// Plan validates req and decides its tier without calling upstream. For
// medium queries under auto the decision consumes one random draw.
func (s *Service) Plan(req Request) (*Plan, error) {
	q, policy, err := validate(req.Query, req.BudgetMode)
	if err != nil {
		return nil, err
	}
	complexity := classifier.Classify(q)
	return &Plan{
		Query:    prompt.ApplyCompanyName(q, req.CompanyName),
		Decision: s.router.Route(complexity, policy),
		Hint:     router.Hint(complexity),
	}, nil
}

// Search runs the full pipeline for req. Credits are charged only when the
// executor returns an answer.
func (s *Service) Search(ctx context.Context, req Request) (*Result, error) {
	plan, err := s.Plan(req)
	if err != nil {
		return nil, err
	}
	d := plan.Decision

	workspace := req.WorkspaceID
	if workspace == "" {
		workspace = budget.DefaultWorkspace
	}
	account := req.AccountName
	if account == "" && req.CompanyName != nil {
		account = *req.CompanyName
	}

	log := logger.C(ctx).With().
		Str("workspace_id", workspace).
		Str("complexity", string(d.Complexity)).
		Str("policy", string(d.Policy)).
		Str("tier", string(d.Tier)).
		Logger()

	if err := ctx.Err(); err != nil {
		return nil, apperr.Canceled(err)
	}

	reservation, err := s.credits.Reserve(ctx, workspace, d.Cost)
	if err != nil {
		log.Warn().Err(err).Msg("credit reservation refused")
		return nil, err
	}

	rec := &models.SearchRecord{
		ID:          uuid.New().String(),
		WorkspaceID: workspace,
		AccountName: account,
		Complexity:  string(d.Complexity),
		Policy:      string(d.Policy),
		Tier:        d.Tier,
	}

	ans, err := s.executor.Answer(ctx, executor.NewRequest(d.Tier, plan.Query))
	if err != nil {
		err = normalizeExecError(ctx, err)
		_ = reservation.Release(ctx)

		rec.Status = models.StatusFailed
		if apperr.Is(err, apperr.KindCanceled) {
			rec.Status = models.StatusCanceled
		}
		rec.ErrorKind = apperr.KindOf(err).String()
		rec.Timestamp = s.now().UTC()
		s.persist(ctx, log, rec)

		if executor.IsStatus(err, http.StatusUnauthorized) {
			log.Error().Err(err).Msg("upstream rejected the API key")
		} else {
			log.Warn().Err(err).Msg("search failed")
		}
		return nil, err
	}

	if err := reservation.Commit(ctx); err != nil {
		// The answer exists; a ledger write failure is logged but not surfaced.
		log.Error().Err(err).Msg("credit commit failed")
	}

	result := BuildResult(d.Tier, ans.Text, d.Complexity, d.Policy)
	result.SearchID = rec.ID

	rec.Credits = result.Cost
	rec.Model = ans.Model
	rec.InputTokens = ans.InputTokens
	rec.OutputTokens = ans.OutputTokens
	rec.LatencyMs = ans.LatencyMs
	rec.UpgradeReason = result.UpgradeReason
	rec.Status = models.StatusCompleted
	rec.Timestamp = s.now().UTC()
	s.persist(ctx, log, rec)

	log.Info().
		Str("search_id", rec.ID).
		Int("cost", result.Cost).
		Int64("latency_ms", ans.LatencyMs).
		Bool("upgraded", result.UpgradeReason != "").
		Msg("search completed")

	return &result, nil
}

// normalizeExecError maps executor failures onto the error taxonomy.
// Any failure after the caller went away is reported as a cancellation.
func normalizeExecError(ctx context.Context, err error) error {
	if ctx.Err() != nil && !apperr.Is(err, apperr.KindCanceled) {
		return apperr.Canceled(ctx.Err())
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	if apperr.Is(err, apperr.KindCanceled) {
		return apperr.Canceled(err)
	}
	return apperr.Upstream(err.Error(), err)
}

// persist records rec and, for completed searches, publishes its event.
// Both run in the background so a slow database or broker never delays the
// caller; Wait blocks until they finish.
func (s *Service) persist(ctx context.Context, log zerolog.Logger, rec *models.SearchRecord) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
		defer cancel()

		s.record(ctx, log, rec)
		if rec.Status == models.StatusCompleted {
			s.publish(ctx, log, rec)
		}
	}()
}

// Wait blocks until background history writes and event publishes finish.
func (s *Service) Wait() {
	s.pending.Wait()
}

func (s *Service) record(ctx context.Context, log zerolog.Logger, rec *models.SearchRecord) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.InsertSearch(ctx, rec); err != nil {
		log.Error().Err(err).Str("search_id", rec.ID).Msg("failed to record search")
	}
	if rec.Status == models.StatusCompleted && rec.Credits > 0 {
		if err := s.recorder.AddCreditSpend(ctx, rec.WorkspaceID, int64(rec.Credits)); err != nil {
			log.Error().Err(err).Str("search_id", rec.ID).Msg("failed to persist credit spend")
		}
	}
}

func (s *Service) publish(ctx context.Context, log zerolog.Logger, rec *models.SearchRecord) {
	if err := s.publisher.Publish(ctx, events.FromRecord(rec)); err != nil {
		log.Warn().Err(err).Str("search_id", rec.ID).Msg("failed to publish search event")
	}
}
