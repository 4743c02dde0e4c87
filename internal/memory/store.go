package memory

import (
	"context"
	"time"
)

// Tx is a caller-owned unit of work. Store operations participate in the Tx
// they are given and never commit on their own.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// UserStore persists the user registry.
type UserStore interface {
	// GetOrCreate creates the user when unknown and otherwise bumps
	// last_interaction. The bool reports whether the row was created.
	GetOrCreate(ctx context.Context, tx Tx, userID string, now time.Time) (User, bool, error)
	Get(ctx context.Context, tx Tx, userID string) (User, error)
}

// TurnStore persists short-term chat turns. Queries only see turns that are
// live at the supplied time. An empty sessionID spans every session.
type TurnStore interface {
	Insert(ctx context.Context, tx Tx, turn ChatTurn) error
	LatestTurnNumber(ctx context.Context, tx Tx, userID, sessionID string) (int, bool, error)
	Recent(ctx context.Context, tx Tx, userID, sessionID string, limit int, now time.Time) ([]ChatTurn, error)
	Chronological(ctx context.Context, tx Tx, userID, sessionID string, now time.Time) ([]ChatTurn, error)
	Count(ctx context.Context, tx Tx, userID, sessionID string, now time.Time) (int, error)
	DeleteByID(ctx context.Context, tx Tx, ids []string) (int, error)
	DeleteExpired(ctx context.Context, tx Tx, now time.Time) (int, error)
}

// VectorStore persists long-term memories and runs similarity search.
type VectorStore interface {
	Insert(ctx context.Context, tx Tx, m LongTermMemory) error
	Get(ctx context.Context, tx Tx, id string) (LongTermMemory, error)
	List(ctx context.Context, tx Tx, opts ListOptions) ([]LongTermMemory, error)
	// Search returns hits ordered by similarity and bumps their access
	// stats inside tx.
	Search(ctx context.Context, tx Tx, opts SearchOptions, now time.Time) ([]ScoredMemory, error)
	UpdateContent(ctx context.Context, tx Tx, id, content string, embedding []float32, now time.Time) (LongTermMemory, error)
	Delete(ctx context.Context, tx Tx, id string) (bool, error)
	Count(ctx context.Context, tx Tx, userID string) (int, error)
}

// Backend is a relational store holding both memory tiers.
type Backend interface {
	Begin(ctx context.Context) (Tx, error)
	Users() UserStore
	Turns() TurnStore
	Vectors() VectorStore
	// LockConversation serialises consolidation of one (user, session) pair
	// until tx finishes.
	LockConversation(ctx context.Context, tx Tx, userID, sessionID string) error
	Ping(ctx context.Context) error
	Name() string
	Close() error
}

// WithTx runs fn inside a new transaction on b, committing when fn returns
// nil and rolling back otherwise.
func WithTx(ctx context.Context, b Backend, fn func(tx Tx) error) error {
	tx, err := b.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit", err)
	}
	return nil
}
