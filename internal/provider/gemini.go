package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const (
	defaultGeminiEmbeddingModel = "text-embedding-004"
	defaultGeminiSummaryModel   = "gemini-1.5-flash"
)

// GeminiEmbedder embeds with the Gemini embedding API using retrieval task
// types for document and query mode.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
	dim    int
}

func NewGeminiEmbedder(ctx context.Context, apiKey, model string, dim int) (*GeminiEmbedder, error) {
	client, err := newGeminiClient(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = defaultGeminiEmbeddingModel
	}
	return &GeminiEmbedder{client: client, model: model, dim: dim}, nil
}

func newGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return client, nil
}

func (e *GeminiEmbedder) Dimensions() int { return e.dim }

func (e *GeminiEmbedder) Embed(ctx context.Context, text string, mode EmbedMode) ([]float32, error) {
	em := e.client.EmbeddingModel(e.model)
	em.TaskType = genai.TaskTypeRetrievalDocument
	if mode == ModeQuery {
		em.TaskType = genai.TaskTypeRetrievalQuery
	}
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, wrapErr("gemini", "embed", err)
	}
	if res == nil || res.Embedding == nil {
		return nil, wrapErr("gemini", "embed", errors.New("no embedding returned"))
	}
	return res.Embedding.Values, nil
}

func (e *GeminiEmbedder) Close() error { return e.client.Close() }

// GeminiSummarizer asks a Gemini model for a JSON array of insights.
type GeminiSummarizer struct {
	client *genai.Client
	model  string
}

func NewGeminiSummarizer(ctx context.Context, apiKey, model string) (*GeminiSummarizer, error) {
	client, err := newGeminiClient(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = defaultGeminiSummaryModel
	}
	return &GeminiSummarizer{client: client, model: model}, nil
}

func (s *GeminiSummarizer) Summarize(ctx context.Context, turns []Turn) ([]Insight, error) {
	gm := s.client.GenerativeModel(s.model)
	gm.SetTemperature(0.2)
	gm.ResponseMIMEType = "application/json"
	gm.SystemInstruction = genai.NewUserContent(genai.Text(summarySystemPrompt))

	resp, err := gm.GenerateContent(ctx, genai.Text(BuildSummaryPrompt(turns)))
	if err != nil {
		return nil, wrapErr("gemini", "summarize", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, wrapErr("gemini", "summarize", errors.New("no candidates returned"))
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	insights, err := ParseInsights(b.String())
	if err != nil {
		return nil, wrapErr("gemini", "summarize", err)
	}
	return insights, nil
}

func (s *GeminiSummarizer) Close() error { return s.client.Close() }
