package consolidation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/mnemos/internal/memory"
	"github.com/ent0n29/mnemos/internal/observability"
	"github.com/ent0n29/mnemos/internal/policy"
	"github.com/ent0n29/mnemos/internal/provider"
)

// State is a step of one consolidation run.
type State string

const (
	StateIdle        State = "idle"
	StateCounting    State = "counting"
	StateSummarizing State = "summarizing"
	StateCommitting  State = "committing"
)

// Outcomes of a run, also used as the metrics label.
const (
	OutcomeConsolidated    = "consolidated"
	OutcomeBelowThreshold  = "below_threshold"
	OutcomeDeferred        = "deferred"
	OutcomeNoTurns         = "no_turns"
	OutcomeSummarizeFailed = "summarize_failed"
	OutcomeNoInsights      = "no_insights"
	OutcomeEmbedFailed     = "embed_failed"
	OutcomeError           = "error"
)

type Config struct {
	SoftThreshold int
	HardThreshold int
	// RetryAfter holds back soft-threshold attempts after a failed run.
	RetryAfter time.Duration
	// DiscardEmptyInsights clears the backlog when the summarizer answers
	// with a valid but empty list.
	DiscardEmptyInsights bool
	RedactInput          bool
	EmbedConcurrency     int
}

func DefaultConfig() Config {
	return Config{
		SoftThreshold:    15,
		HardThreshold:    20,
		RetryAfter:       5 * time.Minute,
		RedactInput:      true,
		EmbedConcurrency: 4,
	}
}

// Locker serialises runs for one conversation across processes.
type Locker interface {
	LockConversation(ctx context.Context, tx memory.Tx, userID, sessionID string) error
}

type Deps struct {
	Locker     Locker
	History    *memory.ChatHistory
	Vectors    *memory.VectorMemory
	Summarizer provider.Summarizer
	Logger     logrus.FieldLogger
	Metrics    *observability.Metrics
}

// Result describes one run. Consolidated is true only when turns were
// replaced by long-term memories.
type Result struct {
	UserID       string                  `json:"user_id"`
	SessionID    string                  `json:"session_id"`
	Consolidated bool                    `json:"consolidated"`
	Outcome      string                  `json:"outcome"`
	Count        int                     `json:"stm_count"`
	Threshold    int                     `json:"threshold"`
	Forced       bool                    `json:"forced"`
	TurnsDeleted int                     `json:"stm_deleted"`
	Memories     []memory.LongTermMemory `json:"ltm_created,omitempty"`
	Insights     []provider.Insight      `json:"insights,omitempty"`
}

// Engine moves short-term turns into long-term memory once a conversation
// crosses its thresholds.
type Engine struct {
	locker     Locker
	history    *memory.ChatHistory
	vectors    *memory.VectorMemory
	summarizer provider.Summarizer
	logger     logrus.FieldLogger
	metrics    *observability.Metrics
	cfg        Config
	locks      *keyedLocks
	now        func() time.Time

	mu           sync.Mutex
	states       map[Key]State
	retryAt      map[Key]time.Time
	onTransition func(key Key, from, to State)
}

func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	if deps.Locker == nil || deps.History == nil || deps.Vectors == nil || deps.Summarizer == nil {
		return nil, errors.New("consolidation engine requires locker, history, vectors and summarizer")
	}
	if cfg.SoftThreshold < 1 {
		return nil, fmt.Errorf("soft threshold must be >= 1")
	}
	if cfg.HardThreshold < cfg.SoftThreshold {
		return nil, fmt.Errorf("hard threshold must be >= soft threshold")
	}
	if cfg.RetryAfter < 0 {
		return nil, fmt.Errorf("retry after must be >= 0")
	}
	if cfg.EmbedConcurrency <= 0 {
		cfg.EmbedConcurrency = 4
	}
	return &Engine{
		locker:     deps.Locker,
		history:    deps.History,
		vectors:    deps.Vectors,
		summarizer: deps.Summarizer,
		logger:     observability.OrDiscard(deps.Logger),
		metrics:    deps.Metrics,
		cfg:        cfg,
		locks:      newKeyedLocks(),
		now:        func() time.Time { return time.Now().UTC() },
		states:     make(map[Key]State),
		retryAt:    make(map[Key]time.Time),
	}, nil
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// SetTransitionHook observes every state change.
func (e *Engine) SetTransitionHook(hook func(key Key, from, to State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTransition = hook
}

// State reports where the conversation currently is.
func (e *Engine) State(userID, sessionID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[Key{UserID: userID, SessionID: sessionID}]; ok {
		return s
	}
	return StateIdle
}

// CheckAndConsolidate runs after every append; it consolidates when the
// conversation is over the soft threshold and no recent failure holds it
// back, or unconditionally at the hard threshold.
func (e *Engine) CheckAndConsolidate(ctx context.Context, tx memory.Tx, userID, sessionID string) (Result, error) {
	return e.Consolidate(ctx, tx, userID, sessionID, false)
}

// Consolidate summarizes a snapshot of the conversation's live turns, stores
// one memory per insight and deletes exactly the snapshot, all inside tx.
// Provider failures are logged and reported through Result; turns are kept.
// Storage failures are returned and the caller must roll tx back.
func (e *Engine) Consolidate(ctx context.Context, tx memory.Tx, userID, sessionID string, force bool) (res Result, err error) {
	key := Key{UserID: strings.TrimSpace(userID), SessionID: strings.TrimSpace(sessionID)}
	res = Result{UserID: key.UserID, SessionID: key.SessionID, Threshold: e.cfg.SoftThreshold}
	if key.UserID == "" {
		return res, &memory.ValidationError{Field: "user_id", Reason: "is required"}
	}
	if key.SessionID == "" {
		return res, &memory.ValidationError{Field: "session_id", Reason: "is required"}
	}

	ctx, span := observability.StartSpan(ctx, "consolidation.Consolidate")
	span.SetAttributes(
		attribute.String("user_id", key.UserID),
		attribute.String("session_id", key.SessionID),
		attribute.Bool("force", force),
	)
	started := time.Now()
	defer func() {
		outcome := res.Outcome
		if err != nil {
			outcome = OutcomeError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()
		e.metrics.ObserveConsolidation(outcome, time.Since(started))
		e.metrics.ObserveStage(observability.StageTotal, time.Since(started))
	}()

	unlock, err := e.locks.Lock(ctx, key)
	if err != nil {
		return res, err
	}
	defer unlock()

	e.transition(key, StateCounting)
	defer e.transition(key, StateIdle)

	if err := e.locker.LockConversation(ctx, tx, key.UserID, key.SessionID); err != nil {
		return res, err
	}

	stage := time.Now()
	count, err := e.history.Count(ctx, tx, key.UserID, key.SessionID)
	e.metrics.ObserveStage(observability.StageCount, time.Since(stage))
	if err != nil {
		return res, err
	}
	res.Count = count
	if count >= e.cfg.HardThreshold {
		res.Threshold = e.cfg.HardThreshold
	}
	res.Forced = force || count >= e.cfg.HardThreshold

	log := e.logger.WithFields(logrus.Fields{
		"user_id":    key.UserID,
		"session_id": key.SessionID,
		"stm_count":  count,
		"threshold":  res.Threshold,
		"forced":     res.Forced,
	})

	if !res.Forced {
		if count < e.cfg.SoftThreshold {
			res.Outcome = OutcomeBelowThreshold
			return res, nil
		}
		if until, held := e.heldBack(key); held {
			res.Outcome = OutcomeDeferred
			log.WithField("retry_at", until).Debug("consolidation held back after a failed attempt")
			return res, nil
		}
	}

	stage = time.Now()
	snapshot, err := e.history.Snapshot(ctx, tx, key.UserID, key.SessionID)
	e.metrics.ObserveStage(observability.StageRead, time.Since(stage))
	if err != nil {
		return res, err
	}
	if len(snapshot) == 0 {
		res.Outcome = OutcomeNoTurns
		return res, nil
	}

	e.transition(key, StateSummarizing)
	stage = time.Now()
	insights, err := e.summarize(ctx, snapshot)
	e.metrics.ObserveStage(observability.StageSummarize, time.Since(stage))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		e.providerFailed(err, "summarize")
		e.holdBack(key)
		res.Outcome = OutcomeSummarizeFailed
		log.WithError(err).Warn("summarization failed, short-term turns retained")
		return res, nil
	}
	insights = normalizeInsights(insights)
	res.Insights = insights
	if len(insights) == 0 && !e.cfg.DiscardEmptyInsights {
		e.holdBack(key)
		res.Outcome = OutcomeNoInsights
		log.Info("summarizer extracted no insights, short-term turns retained")
		return res, nil
	}

	e.transition(key, StateCommitting)
	stage = time.Now()
	vectors, err := e.embedInsights(ctx, insights)
	e.metrics.ObserveStage(observability.StageEmbed, time.Since(stage))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		e.providerFailed(err, "embed")
		e.holdBack(key)
		res.Outcome = OutcomeEmbedFailed
		log.WithError(err).Warn("insight embedding failed, short-term turns retained")
		return res, nil
	}

	stage = time.Now()
	memories := make([]memory.LongTermMemory, 0, len(insights))
	for i, in := range insights {
		m, err := e.vectors.Add(ctx, tx, memory.NewMemory{
			UserID:          key.UserID,
			Content:         in.Content,
			Summary:         in.Summary,
			Type:            in.Type,
			Importance:      in.Importance,
			Embedding:       vectors[i],
			SourceSessionID: key.SessionID,
		})
		if err != nil {
			return res, fmt.Errorf("store insight %d: %w", i, err)
		}
		memories = append(memories, m)
	}
	deleted, err := e.history.Forget(ctx, tx, snapshot)
	e.metrics.ObserveStage(observability.StageCommit, time.Since(stage))
	if err != nil {
		return res, err
	}

	res.Memories = memories
	res.TurnsDeleted = deleted
	res.Consolidated = true
	res.Outcome = OutcomeConsolidated
	e.clearHold(key)
	e.metrics.AddConsolidated(deleted, len(memories))
	log.WithFields(logrus.Fields{
		"stm_deleted": deleted,
		"ltm_created": len(memories),
	}).Info("conversation consolidated")
	return res, nil
}

func (e *Engine) summarize(ctx context.Context, snapshot []memory.ChatTurn) ([]provider.Insight, error) {
	turns := make([]provider.Turn, 0, len(snapshot))
	contents := make([]string, 0, len(snapshot))
	for _, t := range snapshot {
		contents = append(contents, t.Content)
	}
	if e.cfg.RedactInput {
		policy.RedactAll(contents)
	}
	for i, t := range snapshot {
		turns = append(turns, provider.Turn{
			Role:       string(t.Role),
			Content:    contents[i],
			TurnNumber: t.TurnNumber,
		})
	}
	return e.summarizer.Summarize(ctx, turns)
}

func (e *Engine) embedInsights(ctx context.Context, insights []provider.Insight) ([][]float32, error) {
	out := make([][]float32, len(insights))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.EmbedConcurrency)
	for i, in := range insights {
		g.Go(func() error {
			vec, err := e.vectors.EmbedDocument(gctx, in.Content)
			if err != nil {
				return err
			}
			out[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeInsights(in []provider.Insight) []provider.Insight {
	out := make([]provider.Insight, 0, len(in))
	for _, ins := range in {
		ins.Content = strings.TrimSpace(ins.Content)
		if ins.Content == "" {
			continue
		}
		ins.Type = strings.ToLower(strings.TrimSpace(ins.Type))
		if ins.Type == "" {
			ins.Type = memory.DefaultMemoryType
		}
		ins.Summary = strings.TrimSpace(ins.Summary)
		if math.IsNaN(ins.Importance) {
			ins.Importance = 0.5
		}
		ins.Importance = memory.ClampImportance(ins.Importance)
		out = append(out, ins)
	}
	return out
}

func (e *Engine) providerFailed(err error, op string) {
	var pe *provider.Error
	if errors.As(err, &pe) {
		e.metrics.ProviderError(pe.Provider, pe.Op)
		return
	}
	e.metrics.ProviderError("unknown", op)
}

func (e *Engine) transition(key Key, to State) {
	e.mu.Lock()
	from, ok := e.states[key]
	if !ok {
		from = StateIdle
	}
	if to == StateIdle {
		delete(e.states, key)
	} else {
		e.states[key] = to
	}
	hook := e.onTransition
	e.mu.Unlock()

	if hook != nil && from != to {
		hook(key, from, to)
	}
}

func (e *Engine) holdBack(key Key) {
	if e.cfg.RetryAfter <= 0 {
		return
	}
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	// Holds for conversations that went quiet are never checked again.
	for k, until := range e.retryAt {
		if !now.Before(until) {
			delete(e.retryAt, k)
		}
	}
	e.retryAt[key] = now.Add(e.cfg.RetryAfter)
}

func (e *Engine) heldBack(key Key) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.retryAt[key]
	if !ok {
		return time.Time{}, false
	}
	if !e.now().Before(until) {
		delete(e.retryAt, key)
		return time.Time{}, false
	}
	return until, true
}

func (e *Engine) clearHold(key Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.retryAt, key)
}
