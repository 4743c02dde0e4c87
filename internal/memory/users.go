package memory

import (
	"context"
	"strings"
)

// UserInfo is a user together with the size of both memory tiers.
type UserInfo struct {
	User
	ShortTermCount int `json:"short_term_count"`
	LongTermCount  int `json:"long_term_count"`
}

// DescribeUser loads a user and counts its live turns across sessions and
// its long-term memories. Unknown users yield a NotFoundError.
func DescribeUser(ctx context.Context, tx Tx, users UserStore, h *ChatHistory, v *VectorMemory, userID string) (UserInfo, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return UserInfo{}, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	u, err := users.Get(ctx, tx, userID)
	if err != nil {
		return UserInfo{}, storageErr("get user", err)
	}
	stm, err := h.Count(ctx, tx, userID, "")
	if err != nil {
		return UserInfo{}, err
	}
	ltm, err := v.Count(ctx, tx, userID)
	if err != nil {
		return UserInfo{}, err
	}
	return UserInfo{User: u, ShortTermCount: stm, LongTermCount: ltm}, nil
}
