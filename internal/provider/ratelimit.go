package provider

import (
	"context"

	"golang.org/x/time/rate"
)

// NewLimiter returns a token bucket allowing rps calls per second, or nil
// when rps is not positive.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// RateLimitedEmbedder waits on a shared limiter before each call.
type RateLimitedEmbedder struct {
	next    Embedder
	limiter *rate.Limiter
	name    string
}

func NewRateLimitedEmbedder(name string, next Embedder, limiter *rate.Limiter) Embedder {
	if limiter == nil {
		return next
	}
	return &RateLimitedEmbedder{next: next, limiter: limiter, name: name}
}

func (e *RateLimitedEmbedder) Dimensions() int { return e.next.Dimensions() }

func (e *RateLimitedEmbedder) Embed(ctx context.Context, text string, mode EmbedMode) ([]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, wrapErr(e.name, "embed", err)
	}
	return e.next.Embed(ctx, text, mode)
}

// RateLimitedSummarizer waits on a shared limiter before each call.
type RateLimitedSummarizer struct {
	next    Summarizer
	limiter *rate.Limiter
	name    string
}

func NewRateLimitedSummarizer(name string, next Summarizer, limiter *rate.Limiter) Summarizer {
	if limiter == nil {
		return next
	}
	return &RateLimitedSummarizer{next: next, limiter: limiter, name: name}
}

func (s *RateLimitedSummarizer) Summarize(ctx context.Context, turns []Turn) ([]Insight, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, wrapErr(s.name, "summarize", err)
	}
	return s.next.Summarize(ctx, turns)
}
