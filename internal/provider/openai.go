package provider

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAISummaryModel = "gpt-4o-mini"

func newOpenAIClient(apiKey, baseURL string) (*openai.Client, error) {
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY is required")
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(config), nil
}

// OpenAIEmbedder embeds through any OpenAI-compatible embeddings endpoint.
// The API has no task types, so both modes share one request shape.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dim    int
}

func NewOpenAIEmbedder(apiKey, baseURL, model string, dim int) (*OpenAIEmbedder, error) {
	client, err := newOpenAIClient(apiKey, baseURL)
	if err != nil {
		return nil, err
	}
	m := openai.SmallEmbedding3
	if model != "" {
		m = openai.EmbeddingModel(model)
	}
	return &OpenAIEmbedder{client: client, model: m, dim: dim}, nil
}

func (e *OpenAIEmbedder) Dimensions() int { return e.dim }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string, _ EmbedMode) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      e.model,
		Dimensions: e.dim,
	})
	if err != nil {
		return nil, wrapErr("openai", "embed", err)
	}
	if len(resp.Data) == 0 {
		return nil, wrapErr("openai", "embed", errors.New("no embedding returned"))
	}
	return resp.Data[0].Embedding, nil
}

// OpenAISummarizer extracts insights with a chat completion in JSON mode.
type OpenAISummarizer struct {
	client *openai.Client
	model  string
}

func NewOpenAISummarizer(apiKey, baseURL, model string) (*OpenAISummarizer, error) {
	client, err := newOpenAIClient(apiKey, baseURL)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = defaultOpenAISummaryModel
	}
	return &OpenAISummarizer{client: client, model: model}, nil
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, turns []Turn) ([]Insight, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: 0.2,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarySystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildSummaryPrompt(turns)},
		},
	})
	if err != nil {
		return nil, wrapErr("openai", "summarize", err)
	}
	if len(resp.Choices) == 0 {
		return nil, wrapErr("openai", "summarize", errors.New("no choices returned"))
	}
	insights, err := ParseInsights(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, wrapErr("openai", "summarize", err)
	}
	return insights, nil
}
