package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicSummaryModel = "claude-3-5-haiku-latest"

// AnthropicSummarizer extracts insights with the Messages API. Anthropic has
// no embeddings endpoint, so it only serves summarization.
type AnthropicSummarizer struct {
	client anthropic.Client
	model  string
}

func NewAnthropicSummarizer(apiKey, model string) (*AnthropicSummarizer, error) {
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY is required")
	}
	if model == "" {
		model = defaultAnthropicSummaryModel
	}
	return &AnthropicSummarizer{
		client: anthropic.NewClient(anthropicoption.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

func (s *AnthropicSummarizer) Summarize(ctx context.Context, turns []Turn) ([]Insight, error) {
	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: 2048,
		System: []anthropic.TextBlockParam{
			{Text: summarySystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(BuildSummaryPrompt(turns))),
		},
	})
	if err != nil {
		return nil, wrapErr("anthropic", "summarize", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	insights, err := ParseInsights(b.String())
	if err != nil {
		return nil, wrapErr("anthropic", "summarize", err)
	}
	return insights, nil
}
