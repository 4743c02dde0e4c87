package memory

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/mnemos/internal/provider"
)

// VectorMemory is the long-term tier. Every stored embedding has exactly
// Dimensions() components.
type VectorMemory struct {
	store    VectorStore
	embedder provider.Embedder
	dim      int
	now      func() time.Time
}

// NewVectorMemory fails fast when the embedder produces vectors of a
// different size than the store is configured for.
func NewVectorMemory(store VectorStore, embedder provider.Embedder, dim int) (*VectorMemory, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be > 0")
	}
	if embedder != nil && embedder.Dimensions() != dim {
		return nil, fmt.Errorf("embedder produces %d dimensions, store expects %d", embedder.Dimensions(), dim)
	}
	return &VectorMemory{
		store:    store,
		embedder: embedder,
		dim:      dim,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (v *VectorMemory) SetClock(now func() time.Time) {
	if now != nil {
		v.now = now
	}
}

func (v *VectorMemory) Dimensions() int { return v.dim }

// CheckEmbedding validates a vector against the configured dimension.
func (v *VectorMemory) CheckEmbedding(vec []float32) error {
	if len(vec) != v.dim {
		return &ValidationError{
			Field:  "embedding",
			Reason: fmt.Sprintf("has %d dimensions, expected %d", len(vec), v.dim),
			Err:    ErrDimensionMismatch,
		}
	}
	var norm float64
	for _, x := range vec {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return &ValidationError{Field: "embedding", Reason: "contains non-finite values"}
		}
		norm += f * f
	}
	if norm == 0 {
		return &ValidationError{Field: "embedding", Reason: "has zero magnitude"}
	}
	return nil
}

// Add stores a memory with a caller-supplied embedding. Importance is
// clamped to [0,1]; an empty type becomes DefaultMemoryType.
func (v *VectorMemory) Add(ctx context.Context, tx Tx, in NewMemory) (LongTermMemory, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return LongTermMemory{}, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	if strings.TrimSpace(in.Content) == "" {
		return LongTermMemory{}, &ValidationError{Field: "content", Reason: "is required"}
	}
	if err := validImportance("importance", in.Importance); err != nil {
		return LongTermMemory{}, err
	}
	if err := v.CheckEmbedding(in.Embedding); err != nil {
		return LongTermMemory{}, err
	}

	memType := strings.TrimSpace(in.Type)
	if memType == "" {
		memType = DefaultMemoryType
	}
	now := v.now()
	m := LongTermMemory{
		ID:              uuid.NewString(),
		UserID:          userID,
		Content:         in.Content,
		Summary:         strings.TrimSpace(in.Summary),
		Type:            memType,
		Importance:      ClampImportance(in.Importance),
		Embedding:       copyVector(in.Embedding),
		SourceSessionID: strings.TrimSpace(in.SourceSessionID),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := v.store.Insert(ctx, tx, m); err != nil {
		return LongTermMemory{}, storageErr("insert memory", err)
	}
	return m, nil
}

// Remember embeds in.Content in document mode and stores it.
func (v *VectorMemory) Remember(ctx context.Context, tx Tx, in NewMemory) (LongTermMemory, error) {
	if strings.TrimSpace(in.Content) == "" {
		return LongTermMemory{}, &ValidationError{Field: "content", Reason: "is required"}
	}
	vec, err := v.embed(ctx, in.Content, provider.ModeDocument)
	if err != nil {
		return LongTermMemory{}, err
	}
	in.Embedding = vec
	return v.Add(ctx, tx, in)
}

// List returns a user's memories by importance, highest first, with ties in
// insertion order.
func (v *VectorMemory) List(ctx context.Context, tx Tx, opts ListOptions) ([]LongTermMemory, error) {
	if err := validImportance("min_importance", opts.MinImportance); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	opts.Type = strings.TrimSpace(opts.Type)
	out, err := v.store.List(ctx, tx, opts)
	if err != nil {
		return nil, storageErr("list memories", err)
	}
	return out, nil
}

// Count returns how many long-term memories a user has.
func (v *VectorMemory) Count(ctx context.Context, tx Tx, userID string) (int, error) {
	n, err := v.store.Count(ctx, tx, userID)
	if err != nil {
		return 0, storageErr("count memories", err)
	}
	return n, nil
}

// Search returns up to opts.Limit memories ordered by cosine similarity to
// opts.Embedding. Each hit has its access stats bumped inside tx.
func (v *VectorMemory) Search(ctx context.Context, tx Tx, opts SearchOptions) ([]ScoredMemory, error) {
	if err := validImportance("min_importance", opts.MinImportance); err != nil {
		return nil, err
	}
	if err := v.CheckEmbedding(opts.Embedding); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultSearchLimit
	}
	hits, err := v.store.Search(ctx, tx, opts, v.now())
	if err != nil {
		return nil, storageErr("search memories", err)
	}
	return hits, nil
}

// SearchText embeds query in query mode and searches with it.
func (v *VectorMemory) SearchText(ctx context.Context, tx Tx, userID, query string, minImportance float64, limit int) ([]ScoredMemory, error) {
	vec, err := v.embed(ctx, query, provider.ModeQuery)
	if err != nil {
		return nil, err
	}
	return v.Search(ctx, tx, SearchOptions{
		UserID:        userID,
		Embedding:     vec,
		MinImportance: minImportance,
		Limit:         limit,
	})
}

func (v *VectorMemory) Get(ctx context.Context, tx Tx, id string) (LongTermMemory, error) {
	m, err := v.store.Get(ctx, tx, id)
	if err != nil {
		return LongTermMemory{}, storageErr("get memory", err)
	}
	return m, nil
}

// UpdateContent replaces a memory's content and regenerates its embedding
// before persisting.
func (v *VectorMemory) UpdateContent(ctx context.Context, tx Tx, id, content string) (LongTermMemory, error) {
	if strings.TrimSpace(content) == "" {
		return LongTermMemory{}, &ValidationError{Field: "content", Reason: "is required"}
	}
	current, err := v.Get(ctx, tx, id)
	if err != nil {
		return LongTermMemory{}, err
	}
	if current.Content == content {
		return current, nil
	}

	vec, err := v.embed(ctx, content, provider.ModeDocument)
	if err != nil {
		return LongTermMemory{}, err
	}
	if err := v.CheckEmbedding(vec); err != nil {
		return LongTermMemory{}, err
	}
	updated, err := v.store.UpdateContent(ctx, tx, id, content, vec, v.now())
	if err != nil {
		return LongTermMemory{}, storageErr("update memory", err)
	}
	return updated, nil
}

// Delete removes a memory and reports whether it existed.
func (v *VectorMemory) Delete(ctx context.Context, tx Tx, id string) (bool, error) {
	ok, err := v.store.Delete(ctx, tx, id)
	if err != nil {
		return false, storageErr("delete memory", err)
	}
	return ok, nil
}

// EmbedDocument embeds text for storage and validates the result.
func (v *VectorMemory) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	vec, err := v.embed(ctx, text, provider.ModeDocument)
	if err != nil {
		return nil, err
	}
	if err := v.CheckEmbedding(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

func (v *VectorMemory) embed(ctx context.Context, text string, mode provider.EmbedMode) ([]float32, error) {
	if v.embedder == nil {
		return nil, fmt.Errorf("no embedding provider configured")
	}
	return v.embedder.Embed(ctx, text, mode)
}
