// Package executor is the boundary to the upstream text-generation service.
//
// The search pipeline decides which tier to use; an Executor turns the tier's
// fixed parameters (framing, token budget, model class) plus the templated
// query into answer text. Executors do not retry and never change tier.
package executor

import (
	"context"

	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/pkg/models"
)

// AnswerRequest is a single call across the executor boundary.
type AnswerRequest struct {
	Tier       models.Tier
	Framing    string
	Query      string // Already templated
	MaxTokens  int
	ModelClass models.ModelClass
}

// NewRequest builds an AnswerRequest from the fixed parameters of tier.
func NewRequest(tier models.Tier, query string) AnswerRequest {
	spec := tier.Spec()
	return AnswerRequest{
		Tier:       spec.Tier,
		Framing:    spec.Framing,
		Query:      query,
		MaxTokens:  spec.MaxTokens,
		ModelClass: spec.ModelClass,
	}
}

// Answer is the generated text plus usage metadata.
type Answer struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
	LatencyMs    int64
}

// Executor obtains an answer from the upstream service. Implementations
// return *apperr.Error values of kind Configuration, Upstream or Canceled.
type Executor interface {
	Answer(ctx context.Context, req AnswerRequest) (*Answer, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, req AnswerRequest) (*Answer, error)

// Answer implements Executor.
func (f Func) Answer(ctx context.Context, req AnswerRequest) (*Answer, error) {
	return f(ctx, req)
}
