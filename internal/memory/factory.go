package memory

import (
	"context"
	"strings"
)

// Options selects and tunes a Backend.
type Options struct {
	DatabaseURL  string
	EmbeddingDim int
	IVFFlatLists int
	SearchProbes int
}

// NewBackend creates a postgres-backed store when configured, otherwise in-memory.
func NewBackend(ctx context.Context, opts Options) (Backend, error) {
	if strings.TrimSpace(opts.DatabaseURL) == "" {
		return NewInMemoryBackend(), nil
	}
	return NewPostgresBackend(ctx, opts.DatabaseURL, PostgresOptions{
		EmbeddingDim: opts.EmbeddingDim,
		IVFFlatLists: opts.IVFFlatLists,
		SearchProbes: opts.SearchProbes,
	})
}
