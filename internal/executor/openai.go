package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/apperr"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/logger"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/prompt"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/pkg/models"
)

const (
	defaultBaseURL             = "https://api.openai.com"
	chatCompletionsPath        = "/v1/chat/completions"
	defaultTemperature         = 0.7
	defaultTimeout             = 60 * time.Second
	defaultMaxResponseBodySize = 10 << 20 // 10 MB

	// noAnswer is returned when the upstream succeeds without any content.
	noAnswer = "No response generated"
)

// OpenAIOptions configures an OpenAIExecutor.
type OpenAIOptions struct {
	APIKey  string
	BaseURL string                       // Defaults to https://api.openai.com
	Models  map[models.ModelClass]string // Overrides the tier table's default models
	Timeout time.Duration
	RPS     float64 // Outbound call rate; 0 = unlimited
	Burst   int
	Client  *http.Client // Optional; replaces the default client
}

// OpenAIExecutor answers queries with the OpenAI chat completions API.
type OpenAIExecutor struct {
	apiKey              string
	baseURL             string
	models              map[models.ModelClass]string
	client              *http.Client
	limiter             *rate.Limiter
	maxResponseBodySize int64
}

// NewOpenAIExecutor creates a new OpenAIExecutor. A missing API key is not
// an error here: each call reports a configuration error instead, so the
// service can start and serve classification without credentials.
func NewOpenAIExecutor(opts OpenAIOptions) *OpenAIExecutor {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	modelByClass := map[models.ModelClass]string{}
	for _, spec := range models.Tiers {
		modelByClass[spec.ModelClass] = spec.Model
	}
	for class, m := range opts.Models {
		if m != "" {
			modelByClass[class] = m
		}
	}

	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	var limiter *rate.Limiter
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}

	return &OpenAIExecutor{
		apiKey:              opts.APIKey,
		baseURL:             baseURL,
		models:              modelByClass,
		client:              client,
		limiter:             limiter,
		maxResponseBodySize: defaultMaxResponseBodySize,
	}
}

// ModelFor returns the upstream model used for a model class.
func (e *OpenAIExecutor) ModelFor(class models.ModelClass) string {
	return e.models[class]
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// StatusError is the cause attached to upstream errors for non-success HTTP
// responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Answer implements Executor.
func (e *OpenAIExecutor) Answer(ctx context.Context, req AnswerRequest) (*Answer, error) {
	if e.apiKey == "" {
		return nil, apperr.Configuration("OpenAI API key not configured")
	}
	model := e.models[req.ModelClass]
	if model == "" {
		return nil, apperr.Configuration(fmt.Sprintf("no upstream model configured for class %q", req.ModelClass))
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, apperr.Canceled(ctx.Err())
			}
			return nil, apperr.Upstream("upstream rate limit wait failed", err)
		}
	}

	start := time.Now()
	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt.SystemMessage},
			{Role: "user", Content: prompt.Compose(req.Framing, req.Query)},
		},
		Temperature: defaultTemperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+chatCompletionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "invalid OpenAI endpoint", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Canceled(ctx.Err())
		}
		return nil, apperr.Upstream("OpenAI API unreachable", err)
	}
	defer resp.Body.Close()

	// Read limit+1 bytes to distinguish "exactly at limit" from "over limit".
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, e.maxResponseBodySize+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Canceled(ctx.Err())
		}
		return nil, apperr.Upstream("failed to read OpenAI response", err)
	}
	if int64(len(respBody)) > e.maxResponseBodySize {
		return nil, apperr.Upstream("OpenAI response too large", nil)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := extractErrorMessage(respBody)
		logger.C(ctx).Warn().
			Int("status", resp.StatusCode).
			Str("model", model).
			Str("upstream_message", msg).
			Msg("upstream returned non-success status")
		return nil, apperr.Upstream("OpenAI API error: "+msg, &StatusError{StatusCode: resp.StatusCode, Message: msg})
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, apperr.Upstream("malformed OpenAI response", err)
	}

	text := noAnswer
	if len(parsed.Choices) > 0 && parsed.Choices[0].Message.Content != "" {
		text = parsed.Choices[0].Message.Content
	}
	if parsed.Model != "" {
		model = parsed.Model
	}

	return &Answer{
		Text:         text,
		Model:        model,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

// extractErrorMessage pulls error.message out of an OpenAI error payload.
func extractErrorMessage(body []byte) string {
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Error.Message == "" {
		return "Unknown error"
	}
	return parsed.Error.Message
}

// IsStatus reports whether err carries an upstream HTTP status equal to code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
