package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

const (
	defaultOllamaHost           = "http://localhost:11434"
	defaultOllamaEmbeddingModel = "nomic-embed-text"
	defaultOllamaSummaryModel   = "llama3.2"
)

func newOllamaClient(host string) (*api.Client, error) {
	if host == "" {
		host = defaultOllamaHost
	}
	uri, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse OLLAMA_HOST: %w", err)
	}
	return api.NewClient(uri, http.DefaultClient), nil
}

// OllamaEmbedder embeds with a local Ollama model. Nomic-style models take a
// task prefix to separate documents from queries.
type OllamaEmbedder struct {
	client *api.Client
	model  string
	dim    int
}

func NewOllamaEmbedder(host, model string, dim int) (*OllamaEmbedder, error) {
	client, err := newOllamaClient(host)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = defaultOllamaEmbeddingModel
	}
	return &OllamaEmbedder{client: client, model: model, dim: dim}, nil
}

func (e *OllamaEmbedder) Dimensions() int { return e.dim }

func (e *OllamaEmbedder) Embed(ctx context.Context, text string, mode EmbedMode) ([]float32, error) {
	prompt := text
	if strings.HasPrefix(e.model, "nomic-embed") {
		prefix := "search_document: "
		if mode == ModeQuery {
			prefix = "search_query: "
		}
		prompt = prefix + text
	}
	resp, err := e.client.Embeddings(ctx, &api.EmbeddingRequest{
		Model:  e.model,
		Prompt: prompt,
	})
	if err != nil {
		return nil, wrapErr("ollama", "embed", err)
	}
	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// OllamaSummarizer extracts insights with a local chat model.
type OllamaSummarizer struct {
	client *api.Client
	model  string
}

func NewOllamaSummarizer(host, model string) (*OllamaSummarizer, error) {
	client, err := newOllamaClient(host)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = defaultOllamaSummaryModel
	}
	return &OllamaSummarizer{client: client, model: model}, nil
}

func (s *OllamaSummarizer) Summarize(ctx context.Context, turns []Turn) ([]Insight, error) {
	stream := false
	req := &api.ChatRequest{
		Model: s.model,
		Messages: []api.Message{
			{Role: "system", Content: summarySystemPrompt},
			{Role: "user", Content: BuildSummaryPrompt(turns)},
		},
		Stream: &stream,
	}

	var b strings.Builder
	err := s.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		b.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return nil, wrapErr("ollama", "summarize", err)
	}
	insights, err := ParseInsights(b.String())
	if err != nil {
		return nil, wrapErr("ollama", "summarize", err)
	}
	return insights, nil
}
