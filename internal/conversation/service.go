package conversation

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/mnemos/internal/consolidation"
	"github.com/ent0n29/mnemos/internal/memory"
	"github.com/ent0n29/mnemos/internal/observability"
	"github.com/ent0n29/mnemos/internal/recall"
	"github.com/ent0n29/mnemos/internal/session"
)

// Mode selects where consolidation runs after a turn is stored.
type Mode string

const (
	ModeInline Mode = "inline"
	ModeAsync  Mode = "async"
)

type Message struct {
	UserID    string      `json:"user_id"`
	SessionID string      `json:"session_id"`
	Role      memory.Role `json:"role"`
	Content   string      `json:"content"`
}

type Reply struct {
	UserID        string                `json:"user_id"`
	SessionID     string                `json:"session_id"`
	IsNewUser     bool                  `json:"is_new_user"`
	Turn          memory.ChatTurn       `json:"turn"`
	Context       recall.Bundle         `json:"context"`
	Consolidation *consolidation.Result `json:"consolidation,omitempty"`
	Queued        bool                  `json:"consolidation_queued"`
}

type Deps struct {
	Backend    memory.Backend
	History    *memory.ChatHistory
	Assembler  *recall.Assembler
	Engine     *consolidation.Engine
	Dispatcher *consolidation.Dispatcher
	Tracker    *session.Manager
	Logger     logrus.FieldLogger
	Metrics    *observability.Metrics
}

type Options struct {
	Mode    Mode
	TurnTTL time.Duration
}

// Service runs the per-message memory flow: register the user, gather
// context, store the turn and consolidate when due.
type Service struct {
	deps Deps
	opts Options
	now  func() time.Time
}

func NewService(deps Deps, opts Options) *Service {
	if opts.Mode == "" {
		opts.Mode = ModeInline
	}
	if opts.Mode == ModeAsync && deps.Dispatcher == nil {
		opts.Mode = ModeInline
	}
	deps.Logger = observability.OrDiscard(deps.Logger)
	return &Service{deps: deps, opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// HandleMessage stores one turn and returns the context that was gathered
// before it. Everything up to the consolidation check commits atomically.
// Provider failures during consolidation never fail the message.
func (s *Service) HandleMessage(ctx context.Context, msg Message) (Reply, error) {
	if msg.Role == "" {
		msg.Role = memory.RoleUser
	}
	if !msg.Role.Valid() {
		return Reply{}, &memory.ValidationError{Field: "role", Reason: "must be user, assistant or system"}
	}
	if strings.TrimSpace(msg.Content) == "" {
		return Reply{}, &memory.ValidationError{Field: "content", Reason: "is required"}
	}

	userID := strings.TrimSpace(msg.UserID)
	if userID == "" {
		userID = uuid.NewString()
	}
	sessionID := strings.TrimSpace(msg.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
		s.deps.Metrics.ConversationEvent("session_started")
	}

	reply := Reply{UserID: userID, SessionID: sessionID}
	err := memory.WithTx(ctx, s.deps.Backend, func(tx memory.Tx) error {
		_, created, err := s.deps.Backend.Users().GetOrCreate(ctx, tx, userID, s.now())
		if err != nil {
			return err
		}
		reply.IsNewUser = created

		bundle, err := s.deps.Assembler.Assemble(ctx, tx, userID, msg.Content, recall.Options{SessionID: sessionID})
		if err != nil {
			return err
		}
		reply.Context = bundle

		next, err := s.deps.History.NextTurnNumber(ctx, tx, userID, sessionID)
		if err != nil {
			return err
		}
		turn, err := s.deps.History.Append(ctx, tx, memory.NewTurn{
			UserID:     userID,
			SessionID:  sessionID,
			Role:       msg.Role,
			Content:    msg.Content,
			TurnNumber: next,
			TTL:        s.opts.TurnTTL,
		})
		if err != nil {
			return err
		}
		reply.Turn = turn

		if s.opts.Mode != ModeInline || s.deps.Engine == nil {
			return nil
		}
		res, err := s.deps.Engine.CheckAndConsolidate(ctx, tx, userID, sessionID)
		if err != nil {
			return err
		}
		reply.Consolidation = &res
		return nil
	})
	if err != nil {
		return Reply{}, err
	}

	if reply.IsNewUser {
		s.deps.Metrics.ConversationEvent("user_created")
	}
	s.deps.Metrics.ConversationEvent("turn_stored")
	if s.deps.Tracker != nil {
		s.deps.Tracker.Touch(userID, sessionID)
		s.deps.Metrics.SetActiveConversations(s.deps.Tracker.ActiveCount())
	}
	if s.opts.Mode == ModeAsync {
		reply.Queued = s.deps.Dispatcher.Enqueue(consolidation.Job{
			Key: consolidation.Key{UserID: userID, SessionID: sessionID},
		})
	}

	s.deps.Logger.WithFields(logrus.Fields{
		"user_id":     userID,
		"session_id":  sessionID,
		"turn_number": reply.Turn.TurnNumber,
		"new_user":    reply.IsNewUser,
	}).Debug("turn stored")
	return reply, nil
}

// EndConversation schedules a forced consolidation of the conversation,
// as happens when it goes idle.
func (s *Service) EndConversation(userID, sessionID string) bool {
	if s.deps.Tracker != nil {
		_, _ = s.deps.Tracker.End(userID, sessionID)
		s.deps.Metrics.SetActiveConversations(s.deps.Tracker.ActiveCount())
	}
	s.deps.Metrics.ConversationEvent("session_ended")
	if s.deps.Dispatcher == nil {
		return false
	}
	return s.deps.Dispatcher.Enqueue(consolidation.Job{
		Key:   consolidation.Key{UserID: userID, SessionID: sessionID},
		Force: true,
	})
}
