package recall

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ent0n29/mnemos/internal/memory"
	"github.com/ent0n29/mnemos/internal/observability"
)

// Defaults hold the limits applied when Options leaves them unset.
type Defaults struct {
	ShortTermLimit int
	LongTermLimit  int
	MinImportance  float64
}

func DefaultDefaults() Defaults {
	return Defaults{ShortTermLimit: 5, LongTermLimit: 3, MinImportance: 0.3}
}

type Options struct {
	SessionID      string
	ShortTermLimit int
	LongTermLimit  int
}

// Bundle is the memory context handed to a response generator.
type Bundle struct {
	UserID    string                `json:"user_id"`
	SessionID string                `json:"session_id,omitempty"`
	Query     string                `json:"query"`
	ShortTerm []memory.ChatTurn     `json:"short_term"`
	LongTerm  []memory.ScoredMemory `json:"long_term"`
}

// Empty reports whether neither tier contributed anything.
func (b Bundle) Empty() bool { return len(b.ShortTerm) == 0 && len(b.LongTerm) == 0 }

// Format renders the bundle as plain text for prompt injection.
func (b Bundle) Format() string {
	var sb strings.Builder
	if len(b.ShortTerm) > 0 {
		sb.WriteString("=== RECENT CONVERSATION ===\n")
		for _, t := range b.ShortTerm {
			fmt.Fprintf(&sb, "[%s]: %s\n", strings.ToUpper(string(t.Role)), t.Content)
		}
	}
	if len(b.LongTerm) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("=== RELEVANT MEMORIES ===\n")
		for _, hit := range b.LongTerm {
			fmt.Fprintf(&sb, "- (%s, importance %.2f) %s\n", hit.Memory.Type, hit.Memory.Importance, hit.Memory.Content)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Assembler combines the most recent turns with the long-term memories most
// similar to the current query.
type Assembler struct {
	history  *memory.ChatHistory
	vectors  *memory.VectorMemory
	defaults Defaults
	logger   logrus.FieldLogger
	metrics  *observability.Metrics
}

func NewAssembler(history *memory.ChatHistory, vectors *memory.VectorMemory, defaults Defaults, logger logrus.FieldLogger, metrics *observability.Metrics) *Assembler {
	base := DefaultDefaults()
	if defaults.ShortTermLimit <= 0 {
		defaults.ShortTermLimit = base.ShortTermLimit
	}
	if defaults.LongTermLimit <= 0 {
		defaults.LongTermLimit = base.LongTermLimit
	}
	defaults.MinImportance = memory.ClampImportance(defaults.MinImportance)
	return &Assembler{
		history:  history,
		vectors:  vectors,
		defaults: defaults,
		logger:   observability.OrDiscard(logger),
		metrics:  metrics,
	}
}

// Assemble builds the context for query. Short-term turns come back in
// ascending order. A blank query skips the long-term search. Searching
// bumps the access stats of every returned memory inside tx.
func (a *Assembler) Assemble(ctx context.Context, tx memory.Tx, userID, query string, opts Options) (bundle Bundle, err error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Bundle{}, &memory.ValidationError{Field: "user_id", Reason: "is required"}
	}
	stmLimit := opts.ShortTermLimit
	if stmLimit <= 0 {
		stmLimit = a.defaults.ShortTermLimit
	}
	ltmLimit := opts.LongTermLimit
	if ltmLimit <= 0 {
		ltmLimit = a.defaults.LongTermLimit
	}

	ctx, span := observability.StartSpan(ctx, "recall.Assemble")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("user_id", userID), attribute.String("session_id", opts.SessionID))

	bundle = Bundle{
		UserID:    userID,
		SessionID: strings.TrimSpace(opts.SessionID),
		Query:     query,
		ShortTerm: []memory.ChatTurn{},
		LongTerm:  []memory.ScoredMemory{},
	}

	recent, err := a.history.Recent(ctx, tx, userID, bundle.SessionID, stmLimit)
	if err != nil {
		return Bundle{}, err
	}
	for i := len(recent) - 1; i >= 0; i-- {
		bundle.ShortTerm = append(bundle.ShortTerm, recent[i])
	}

	if strings.TrimSpace(query) != "" {
		hits, err := a.vectors.SearchText(ctx, tx, userID, query, a.defaults.MinImportance, ltmLimit)
		if err != nil {
			return Bundle{}, err
		}
		bundle.LongTerm = append(bundle.LongTerm, hits...)
		a.metrics.AddSearchHits(len(hits))
	}

	span.SetAttributes(
		attribute.Int("short_term", len(bundle.ShortTerm)),
		attribute.Int("long_term", len(bundle.LongTerm)),
	)
	a.logger.WithFields(logrus.Fields{
		"user_id":    userID,
		"session_id": bundle.SessionID,
		"short_term": len(bundle.ShortTerm),
		"long_term":  len(bundle.LongTerm),
	}).Debug("context assembled")
	return bundle, nil
}
