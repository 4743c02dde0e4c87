package provider

import (
	"context"
	"fmt"
	"strings"
)

// Config selects and tunes the embedding and summarization backends.
type Config struct {
	EmbeddingProvider  string
	EmbeddingModel     string
	SummarizerProvider string
	SummarizerModel    string
	Dimensions         int

	GeminiAPIKey    string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	OllamaHost      string

	RateLimit      float64
	MaxRetries     int
	QueryCacheSize int
}

// Set is the wired provider pair plus a cleanup for their clients.
type Set struct {
	Embedder   Embedder
	Summarizer Summarizer
	Cleanup    func()
}

// New builds both providers. Every attempt waits on a shared rate limiter,
// transient failures are retried, and query embeddings are cached.
func New(ctx context.Context, cfg Config) (*Set, error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	embedName := strings.ToLower(strings.TrimSpace(cfg.EmbeddingProvider))
	if embedName == "" {
		embedName = "mock"
	}
	var base Embedder
	switch embedName {
	case "mock":
		base = NewMockEmbedder(cfg.Dimensions)
	case "gemini":
		e, err := NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbeddingModel, cfg.Dimensions)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { _ = e.Close() })
		base = e
	case "openai":
		e, err := NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, cfg.Dimensions)
		if err != nil {
			return nil, err
		}
		base = e
	case "ollama":
		e, err := NewOllamaEmbedder(cfg.OllamaHost, cfg.EmbeddingModel, cfg.Dimensions)
		if err != nil {
			return nil, err
		}
		base = e
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}

	sumName := strings.ToLower(strings.TrimSpace(cfg.SummarizerProvider))
	if sumName == "" {
		sumName = "mock"
	}
	var summarizer Summarizer
	switch sumName {
	case "mock":
		summarizer = NewMockSummarizer()
	case "gemini":
		s, err := NewGeminiSummarizer(ctx, cfg.GeminiAPIKey, cfg.SummarizerModel)
		if err != nil {
			cleanup()
			return nil, err
		}
		closers = append(closers, func() { _ = s.Close() })
		summarizer = s
	case "openai":
		s, err := NewOpenAISummarizer(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.SummarizerModel)
		if err != nil {
			cleanup()
			return nil, err
		}
		summarizer = s
	case "ollama":
		s, err := NewOllamaSummarizer(cfg.OllamaHost, cfg.SummarizerModel)
		if err != nil {
			cleanup()
			return nil, err
		}
		summarizer = s
	case "anthropic":
		s, err := NewAnthropicSummarizer(cfg.AnthropicAPIKey, cfg.SummarizerModel)
		if err != nil {
			cleanup()
			return nil, err
		}
		summarizer = s
	default:
		cleanup()
		return nil, fmt.Errorf("unknown summarizer provider %q", cfg.SummarizerProvider)
	}

	limiter := NewLimiter(cfg.RateLimit)
	embedder := NewRetryingEmbedder(NewRateLimitedEmbedder(embedName, base, limiter), cfg.MaxRetries)
	summarizer = NewRetryingSummarizer(NewRateLimitedSummarizer(sumName, summarizer, limiter), cfg.MaxRetries)

	if cfg.QueryCacheSize > 0 {
		cached, err := NewCachedEmbedder(embedder, cfg.QueryCacheSize)
		if err != nil {
			cleanup()
			return nil, err
		}
		closers = append(closers, cached.Close)
		embedder = cached
	}

	return &Set{Embedder: embedder, Summarizer: summarizer, Cleanup: cleanup}, nil
}
