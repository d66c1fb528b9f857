package search

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/apperr"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/classifier"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/executor"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/pkg/models"
)

func TestPreview_PerAccountTemplating(t *testing.T) {
	f := newFixture(t, 0, nil)

	out, err := f.svc.Preview(context.Background(), PreviewRequest{
		Query:    "What does {COMPANY_NAME} sell?",
		Accounts: []string{"Acme", "Globex", " ", "Initech"},
	})
	require.NoError(t, err)
	require.Len(t, out.Items, 3)

	for i, name := range []string{"Acme", "Globex", "Initech"} {
		item := out.Items[i]
		assert.Equal(t, name, item.Account)
		require.NotNil(t, item.Result)
		assert.Nil(t, item.Error)
		assert.Equal(t, "answer for What does "+name+" sell?", item.Result.Answer)
	}

	assert.Equal(t, Breakdown{
		Tier1Count:        3,
		TotalCredits:      3,
		AlwaysDeepCredits: 18,
		SavedCredits:      15,
		SavingsPercent:    83,
	}, out.Breakdown)
}

func TestPreview_PartialFailure(t *testing.T) {
	f := newFixture(t, 0, func(_ context.Context, req executor.AnswerRequest) (*executor.Answer, error) {
		if strings.Contains(req.Query, "Globex") {
			return nil, apperr.Upstream("OpenAI API error: Rate limit reached", nil)
		}
		return &executor.Answer{Text: "ok"}, nil
	})

	out, err := f.svc.Preview(context.Background(), PreviewRequest{
		Query:    "Compare {COMPANY_NAME} to competitors",
		Accounts: []string{"Acme", "Globex"},
	})
	require.NoError(t, err)
	require.Len(t, out.Items, 2)

	assert.NotNil(t, out.Items[0].Result)
	assert.Nil(t, out.Items[1].Result)
	require.NotNil(t, out.Items[1].Error)
	assert.Equal(t, "upstream_error", out.Items[1].Error.Error)
	assert.Equal(t, "OpenAI API error: Rate limit reached", out.Items[1].Error.Message)

	assert.Equal(t, 1, out.Breakdown.Tier2Count)
	assert.Equal(t, 6, out.Breakdown.TotalCredits)

	spent, reserved := f.ledger.totals()
	assert.EqualValues(t, 6, spent, "only the successful account is charged")
	assert.Zero(t, reserved)
}

func TestPreview_BoundedConcurrency(t *testing.T) {
	var inFlight, peak int32
	exec := executor.Func(func(context.Context, executor.AnswerRequest) (*executor.Answer, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return &executor.Answer{Text: "ok"}, nil
	})
	svc := NewService(Options{Executor: exec, PreviewConcurrency: 2, PreviewMaxAccounts: 8})

	out, err := svc.Preview(context.Background(), PreviewRequest{
		Query:    "What is their address?",
		Accounts: []string{"a", "b", "c", "d", "e", "f"},
	})
	require.NoError(t, err)
	assert.Len(t, out.Items, 6)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestPreview_Validation(t *testing.T) {
	svc := NewService(Options{Executor: executor.Func(func(context.Context, executor.AnswerRequest) (*executor.Answer, error) {
		t.Fatal("executor must not be called")
		return nil, nil
	}), PreviewMaxAccounts: 2})

	tests := []struct {
		name string
		req  PreviewRequest
	}{
		{"empty query", PreviewRequest{Accounts: []string{"a"}}},
		{"bad budget mode", PreviewRequest{Query: "q", BudgetMode: "turbo", Accounts: []string{"a"}}},
		{"no accounts", PreviewRequest{Query: "q"}},
		{"blank accounts", PreviewRequest{Query: "q", Accounts: []string{"", "  "}}},
		{"too many accounts", PreviewRequest{Query: "q", Accounts: []string{"a", "b", "c"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Preview(context.Background(), tt.req)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
}

func TestPreview_Canceled(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := f.svc.Preview(ctx, PreviewRequest{Query: "q", Accounts: []string{"a", "b"}})
	assert.Nil(t, out)
	assert.Equal(t, apperr.KindCanceled, apperr.KindOf(err))
	spent, _ := f.ledger.totals()
	assert.Zero(t, spent)
}

func TestNewBreakdown(t *testing.T) {
	results := []Result{
		BuildResult(models.TierFast, "", classifier.Simple, models.PolicyAuto),
		BuildResult(models.TierDeep, "", classifier.Complex, models.PolicyAuto),
		BuildResult(models.TierFast, "", classifier.Medium, models.PolicyAuto),
	}
	b := NewBreakdown(results)

	assert.Equal(t, 2, b.Tier1Count)
	assert.Equal(t, 1, b.Tier2Count)
	assert.Equal(t, 8, b.TotalCredits)
	assert.Equal(t, 18, b.AlwaysDeepCredits)
	assert.Equal(t, 10, b.SavedCredits)
	assert.Equal(t, 56, b.SavingsPercent)

	assert.Equal(t, Breakdown{}, NewBreakdown(nil))
}
