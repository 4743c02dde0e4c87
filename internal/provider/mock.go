package provider

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
)

// MockEmbedder is a deterministic local embedder used when no provider is
// configured. Equal text always maps to the same unit vector.
type MockEmbedder struct {
	dim int

	mu    sync.Mutex
	calls int
}

func NewMockEmbedder(dim int) *MockEmbedder {
	if dim <= 0 {
		dim = 768
	}
	return &MockEmbedder{dim: dim}
}

func (e *MockEmbedder) Dimensions() int { return e.dim }

// Calls returns how many embeddings have been produced.
func (e *MockEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *MockEmbedder) Embed(ctx context.Context, text string, _ EmbedMode) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("mock", "embed", err)
	}
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return HashVector(text, e.dim), nil
}

// HashVector spreads the lower-cased words of text over dim buckets and
// normalises the result. Text without words still yields a non-zero vector.
func HashVector(text string, dim int) []float32 {
	vec := make([]float64, dim)
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		words = []string{text}
	}
	for _, w := range words {
		h := fnv.New64a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum64()
		idx := int(sum % uint64(dim))
		sign := 1.0
		if (sum>>63)&1 == 1 {
			sign = -1.0
		}
		vec[idx] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, dim)
	if norm == 0 {
		out[0] = 1
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}

// MockSummarizer returns canned insights, or an error when Err is set.
type MockSummarizer struct {
	mu       sync.Mutex
	Insights []Insight
	Err      error
	calls    [][]Turn
}

func NewMockSummarizer(insights ...Insight) *MockSummarizer {
	return &MockSummarizer{Insights: insights}
}

func (s *MockSummarizer) Summarize(ctx context.Context, turns []Turn) ([]Insight, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("mock", "summarize", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make([]Turn, len(turns))
	copy(batch, turns)
	s.calls = append(s.calls, batch)
	if s.Err != nil {
		return nil, wrapErr("mock", "summarize", s.Err)
	}
	out := make([]Insight, len(s.Insights))
	copy(out, s.Insights)
	return out, nil
}

// Calls returns every batch of turns the summarizer received.
func (s *MockSummarizer) Calls() [][]Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Turn, len(s.calls))
	copy(out, s.calls)
	return out
}

// SetResult replaces the canned reply.
func (s *MockSummarizer) SetResult(insights []Insight, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Insights = insights
	s.Err = err
}
