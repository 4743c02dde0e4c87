package memory

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChatHistory is the short-term tier: an append-only log of turns per user
// and session, with optional expiry.
type ChatHistory struct {
	turns TurnStore
	now   func() time.Time
}

func NewChatHistory(turns TurnStore) *ChatHistory {
	return &ChatHistory{
		turns: turns,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for expiry.
func (h *ChatHistory) SetClock(now func() time.Time) {
	if now != nil {
		h.now = now
	}
}

// Append validates and persists a turn. A blank session id starts a new
// session. Turn numbers must strictly increase within a session.
func (h *ChatHistory) Append(ctx context.Context, tx Tx, in NewTurn) (ChatTurn, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return ChatTurn{}, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	if !in.Role.Valid() {
		return ChatTurn{}, &ValidationError{Field: "role", Reason: "must be user, assistant or system"}
	}
	if strings.TrimSpace(in.Content) == "" {
		return ChatTurn{}, &ValidationError{Field: "content", Reason: "is required"}
	}
	if in.TurnNumber < 0 {
		return ChatTurn{}, &ValidationError{Field: "turn_number", Reason: "must be >= 0"}
	}
	if in.TTL < 0 {
		return ChatTurn{}, &ValidationError{Field: "ttl", Reason: "must be >= 0"}
	}

	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	} else {
		latest, ok, err := h.turns.LatestTurnNumber(ctx, tx, userID, sessionID)
		if err != nil {
			return ChatTurn{}, storageErr("latest turn number", err)
		}
		if ok && in.TurnNumber <= latest {
			return ChatTurn{}, &ValidationError{Field: "turn_number", Reason: "must increase within a session"}
		}
	}

	now := h.now()
	turn := ChatTurn{
		ID:         uuid.NewString(),
		UserID:     userID,
		SessionID:  sessionID,
		Role:       in.Role,
		Content:    in.Content,
		TurnNumber: in.TurnNumber,
		CreatedAt:  now,
	}
	if in.TTL > 0 {
		expires := now.Add(in.TTL)
		turn.ExpiresAt = &expires
	}

	if err := h.turns.Insert(ctx, tx, turn); err != nil {
		return ChatTurn{}, storageErr("append turn", err)
	}
	return turn, nil
}

// NextTurnNumber returns the turn number the next append in a session should use.
func (h *ChatHistory) NextTurnNumber(ctx context.Context, tx Tx, userID, sessionID string) (int, error) {
	if strings.TrimSpace(sessionID) == "" {
		return 0, nil
	}
	latest, ok, err := h.turns.LatestTurnNumber(ctx, tx, userID, sessionID)
	if err != nil {
		return 0, storageErr("latest turn number", err)
	}
	if !ok {
		return 0, nil
	}
	return latest + 1, nil
}

// Recent returns up to limit live turns, newest first.
func (h *ChatHistory) Recent(ctx context.Context, tx Tx, userID, sessionID string, limit int) ([]ChatTurn, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	turns, err := h.turns.Recent(ctx, tx, userID, sessionID, limit, h.now())
	if err != nil {
		return nil, storageErr("recent turns", err)
	}
	return turns, nil
}

// Count returns the number of live turns; it drives consolidation.
func (h *ChatHistory) Count(ctx context.Context, tx Tx, userID, sessionID string) (int, error) {
	n, err := h.turns.Count(ctx, tx, userID, sessionID, h.now())
	if err != nil {
		return 0, storageErr("count turns", err)
	}
	return n, nil
}

// Snapshot returns every live turn in ascending turn order.
func (h *ChatHistory) Snapshot(ctx context.Context, tx Tx, userID, sessionID string) ([]ChatTurn, error) {
	turns, err := h.turns.Chronological(ctx, tx, userID, sessionID, h.now())
	if err != nil {
		return nil, storageErr("snapshot turns", err)
	}
	return turns, nil
}

// Forget deletes exactly the given turns by id.
func (h *ChatHistory) Forget(ctx context.Context, tx Tx, turns []ChatTurn) (int, error) {
	if len(turns) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(turns))
	for _, t := range turns {
		ids = append(ids, t.ID)
	}
	n, err := h.turns.DeleteByID(ctx, tx, ids)
	if err != nil {
		return 0, storageErr("delete turns", err)
	}
	return n, nil
}

// PurgeExpired deletes every turn whose expiry has passed.
func (h *ChatHistory) PurgeExpired(ctx context.Context, tx Tx) (int, error) {
	n, err := h.turns.DeleteExpired(ctx, tx, h.now())
	if err != nil {
		return 0, storageErr("purge expired", err)
	}
	return n, nil
}
