// Package budget implements credit budgets for Smart Search workspaces.
//
// Each search reserves the credits of its selected tier before the upstream
// call. The reservation is committed only when an answer is returned and is
// released otherwise, so failed or canceled searches are never charged.
package budget

import (
	"context"
	"sync"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/apperr"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/logger"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/pkg/cache"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/pkg/models"
)

// DefaultWorkspace is used when a request does not name a workspace.
const DefaultWorkspace = "default"

// DefaultPeriod is the billing period of the spent counter.
const DefaultPeriod = 30 * 24 * time.Hour

// Store is the credit counter backend. *cache.Cache implements it.
type Store interface {
	ReserveCredits(ctx context.Context, workspaceID string, amount, defaultLimit int64) (bool, error)
	CommitCredits(ctx context.Context, workspaceID string, amount int64, period time.Duration) (int64, error)
	ReleaseCredits(ctx context.Context, workspaceID string, amount int64) error
	GetCredits(ctx context.Context, workspaceID string) (cache.CreditState, error)
	SetCreditLimit(ctx context.Context, workspaceID string, limit int64) error
	ResetCredits(ctx context.Context, workspaceID string) error
}

// Options configures an Enforcer.
type Options struct {
	// FailOpen allows searches when the store is missing or unreachable.
	FailOpen bool
	// DefaultLimit applies to workspaces with no explicit limit. 0 = unlimited.
	DefaultLimit int64
	// Period is the TTL of the spent counter. Defaults to DefaultPeriod.
	Period time.Duration
}

// Enforcer manages credit checks and charging.
type Enforcer struct {
	store        Store
	failOpen     bool
	defaultLimit int64
	period       time.Duration
}

// NewEnforcer creates a new credit Enforcer. A nil store disables
// enforcement: reservations succeed when FailOpen is set and fail with an
// unavailable error otherwise.
func NewEnforcer(store Store, opts Options) *Enforcer {
	period := opts.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Enforcer{
		store:        store,
		failOpen:     opts.FailOpen,
		defaultLimit: opts.DefaultLimit,
		period:       period,
	}
}

// Reservation is a hold on credits for one search. Exactly one of Commit or
// Release takes effect; later calls are no-ops.
type Reservation struct {
	WorkspaceID string
	Credits     int64

	enforcer *Enforcer
	tracked  bool // false when enforcement was bypassed (fail-open)
	once     sync.Once
}

// Reserve holds credits for workspaceID. It returns an InsufficientCredits
// error when the workspace limit would be exceeded.
func (e *Enforcer) Reserve(ctx context.Context, workspaceID string, credits int) (*Reservation, error) {
	if workspaceID == "" {
		workspaceID = DefaultWorkspace
	}
	r := &Reservation{WorkspaceID: workspaceID, Credits: int64(credits), enforcer: e}

	if e.store == nil {
		if e.failOpen {
			return r, nil
		}
		return nil, apperr.Unavailable("credit store not configured")
	}

	ok, err := e.store.ReserveCredits(ctx, workspaceID, r.Credits, e.defaultLimit)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Canceled(ctx.Err())
		}
		if e.failOpen {
			logger.C(ctx).Warn().Err(err).Str("workspace_id", workspaceID).Msg("credit store unreachable, allowing search (fail-open)")
			return r, nil
		}
		return nil, apperr.Wrap(apperr.KindUnavailable, "credit store unavailable", err)
	}
	if !ok {
		return nil, apperr.InsufficientCredits(workspaceID)
	}
	r.tracked = true
	return r, nil
}

// Commit charges the reserved credits.
func (r *Reservation) Commit(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		if !r.tracked {
			return
		}
		// The answer has been produced; charge even if the caller has gone away.
		ctx = context.WithoutCancel(ctx)
		var spent int64
		spent, err = r.enforcer.store.CommitCredits(ctx, r.WorkspaceID, r.Credits, r.enforcer.period)
		if err != nil {
			logger.C(ctx).Error().Err(err).Str("workspace_id", r.WorkspaceID).Int64("credits", r.Credits).Msg("failed to commit credits")
			return
		}
		logger.C(ctx).Debug().Str("workspace_id", r.WorkspaceID).Int64("credits", r.Credits).Int64("spent", spent).Msg("credits committed")
	})
	return err
}

// Release drops the reservation without charging it.
func (r *Reservation) Release(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		if !r.tracked {
			return
		}
		ctx = context.WithoutCancel(ctx)
		if err = r.enforcer.store.ReleaseCredits(ctx, r.WorkspaceID, r.Credits); err != nil {
			logger.C(ctx).Error().Err(err).Str("workspace_id", r.WorkspaceID).Msg("failed to release credits")
		}
	})
	return err
}

// SetLimit sets the credit limit for workspaceID. A limit of 0 is unlimited.
func (e *Enforcer) SetLimit(ctx context.Context, workspaceID string, limit int64) error {
	if limit < 0 {
		return apperr.Validation("limit_credits must not be negative")
	}
	if e.store == nil {
		return apperr.Unavailable("credit store not configured")
	}
	if err := e.store.SetCreditLimit(ctx, workspaceID, limit); err != nil {
		return apperr.Wrap(apperr.KindUnavailable, "credit store unavailable", err)
	}
	return nil
}

// Status returns the current budget of workspaceID.
func (e *Enforcer) Status(ctx context.Context, workspaceID string) (*models.CreditBudget, error) {
	b := &models.CreditBudget{
		WorkspaceID:  workspaceID,
		LimitCredits: e.defaultLimit,
		PeriodDays:   int(e.period / (24 * time.Hour)),
	}
	if e.store == nil {
		return b, nil
	}
	st, err := e.store.GetCredits(ctx, workspaceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "credit store unavailable", err)
	}
	if st.HasLimit {
		b.LimitCredits = st.Limit
	}
	b.SpentCredits = st.Spent
	return b, nil
}

// Remaining returns the credits left in b, or -1 when unlimited.
func Remaining(b *models.CreditBudget) int64 {
	if b.LimitCredits == 0 {
		return -1
	}
	if left := b.LimitCredits - b.SpentCredits; left > 0 {
		return left
	}
	return 0
}

// Reset clears the spent counter for workspaceID.
func (e *Enforcer) Reset(ctx context.Context, workspaceID string) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.ResetCredits(ctx, workspaceID); err != nil {
		return apperr.Wrap(apperr.KindUnavailable, "credit store unavailable", err)
	}
	return nil
}

// spendSeeder is implemented by stores that can restore a spent counter.
type spendSeeder interface {
	SeedCreditSpent(ctx context.Context, workspaceID string, spent int64, period time.Duration) (bool, error)
}

// Seed loads persisted budgets into the store after a restart. Limits are
// always written; spend is restored only for budgets updated within the
// current period and only where no live counter exists. It returns the
// number of budgets loaded.
func (e *Enforcer) Seed(ctx context.Context, budgets []models.CreditBudget, now time.Time) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	seeder, canSeed := e.store.(spendSeeder)

	n := 0
	for _, b := range budgets {
		if err := e.store.SetCreditLimit(ctx, b.WorkspaceID, b.LimitCredits); err != nil {
			return n, apperr.Wrap(apperr.KindUnavailable, "credit store unavailable", err)
		}
		n++

		if !canSeed || b.SpentCredits <= 0 {
			continue
		}
		period := e.period
		if b.PeriodDays > 0 {
			period = time.Duration(b.PeriodDays) * 24 * time.Hour
		}
		remaining := period - now.Sub(b.UpdatedAt)
		if remaining <= 0 {
			continue
		}
		if _, err := seeder.SeedCreditSpent(ctx, b.WorkspaceID, b.SpentCredits, remaining); err != nil {
			return n, apperr.Wrap(apperr.KindUnavailable, "credit store unavailable", err)
		}
	}
	return n, nil
}
