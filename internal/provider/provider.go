package provider

import "context"

// EmbedMode selects how a provider optimises an embedding.
type EmbedMode string

const (
	ModeDocument EmbedMode = "document"
	ModeQuery    EmbedMode = "query"
)

// Embedder maps text to a vector of fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, text string, mode EmbedMode) ([]float32, error)
	Dimensions() int
}

// Turn is one conversational turn handed to a summarizer.
type Turn struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	TurnNumber int    `json:"turn_number"`
}

// Insight is one structured memory extracted from a batch of turns.
type Insight struct {
	Type       string  `json:"type"`
	Content    string  `json:"content"`
	Summary    string  `json:"summary"`
	Importance float64 `json:"importance"`
}

// Summarizer extracts insights from turns given in ascending turn order.
type Summarizer interface {
	Summarize(ctx context.Context, turns []Turn) ([]Insight, error)
}

// SummarizerFunc adapts a function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, turns []Turn) ([]Insight, error)

func (f SummarizerFunc) Summarize(ctx context.Context, turns []Turn) ([]Insight, error) {
	return f(ctx, turns)
}
