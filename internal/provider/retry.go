package provider

import (
	"context"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/api/googleapi"

	"github.com/ent0n29/mnemos/internal/reliability"
)

// StatusCode extracts the HTTP status carried by an SDK error.
func StatusCode(err error) (int, bool) {
	var oaiAPI *openai.APIError
	if errors.As(err, &oaiAPI) {
		return oaiAPI.HTTPStatusCode, true
	}
	var oaiReq *openai.RequestError
	if errors.As(err, &oaiReq) {
		return oaiReq.HTTPStatusCode, true
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code, true
	}
	var olErr api.StatusError
	if errors.As(err, &olErr) {
		return olErr.StatusCode, true
	}
	var anErr *anthropic.Error
	if errors.As(err, &anErr) {
		return anErr.StatusCode, true
	}
	return 0, false
}

// Retryable reports whether a provider call is worth repeating.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrMalformedOutput) {
		return false
	}
	if code, ok := StatusCode(err); ok {
		return reliability.IsRetryableHTTPStatus(code)
	}
	return reliability.IsTransientNetworkError(err)
}

func retryPolicy(maxRetries int) reliability.Policy {
	return reliability.Policy{
		MaxRetries: maxRetries,
		Base:       200 * time.Millisecond,
		Cap:        3 * time.Second,
	}
}

// RetryingEmbedder retries transient embedding failures with backoff.
type RetryingEmbedder struct {
	next   Embedder
	policy reliability.Policy
}

func NewRetryingEmbedder(next Embedder, maxRetries int) Embedder {
	if maxRetries <= 0 {
		return next
	}
	return &RetryingEmbedder{next: next, policy: retryPolicy(maxRetries)}
}

func (e *RetryingEmbedder) Dimensions() int { return e.next.Dimensions() }

func (e *RetryingEmbedder) Embed(ctx context.Context, text string, mode EmbedMode) ([]float32, error) {
	var out []float32
	err := reliability.Retry(ctx, e.policy, Retryable, func(ctx context.Context) error {
		vec, err := e.next.Embed(ctx, text, mode)
		out = vec
		return err
	})
	return out, err
}

// RetryingSummarizer retries transient summarization failures with backoff.
type RetryingSummarizer struct {
	next   Summarizer
	policy reliability.Policy
}

func NewRetryingSummarizer(next Summarizer, maxRetries int) Summarizer {
	if maxRetries <= 0 {
		return next
	}
	return &RetryingSummarizer{next: next, policy: retryPolicy(maxRetries)}
}

func (s *RetryingSummarizer) Summarize(ctx context.Context, turns []Turn) ([]Insight, error) {
	var out []Insight
	err := reliability.Retry(ctx, s.policy, Retryable, func(ctx context.Context) error {
		insights, err := s.next.Summarize(ctx, turns)
		out = insights
		return err
	})
	return out, err
}
