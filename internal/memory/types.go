package memory

import (
	"math"
	"time"
)

// Role identifies who produced a chat turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// DefaultMemoryType is stored when an insight arrives without a type.
const DefaultMemoryType = "general"

// User anchors both memory tiers.
type User struct {
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	LastInteraction time.Time `json:"last_interaction"`
}

// ChatTurn is a single short-term conversational turn.
type ChatTurn struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	SessionID  string     `json:"session_id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	TurnNumber int        `json:"turn_number"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Live reports whether the turn is still visible at now.
func (t ChatTurn) Live(now time.Time) bool {
	return t.ExpiresAt == nil || t.ExpiresAt.After(now)
}

// LongTermMemory is a durable insight with its embedding and access stats.
type LongTermMemory struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Content         string     `json:"content"`
	Summary         string     `json:"summary"`
	Type            string     `json:"memory_type"`
	Importance      float64    `json:"importance"`
	Embedding       []float32  `json:"-"`
	SourceSessionID string     `json:"source_session_id,omitempty"`
	AccessCount     int        `json:"access_count"`
	LastAccessed    *time.Time `json:"last_accessed,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ScoredMemory pairs a search hit with its cosine similarity to the query.
type ScoredMemory struct {
	Memory     LongTermMemory `json:"memory"`
	Similarity float64        `json:"similarity"`
}

// NewTurn is the input to ChatHistory.Append. A zero TTL keeps the turn
// until consolidation removes it.
type NewTurn struct {
	UserID     string
	SessionID  string
	Role       Role
	Content    string
	TurnNumber int
	TTL        time.Duration
}

// NewMemory is the input to VectorMemory.Add and VectorMemory.Remember.
type NewMemory struct {
	UserID          string
	Content         string
	Summary         string
	Type            string
	Importance      float64
	Embedding       []float32
	SourceSessionID string
}

// ListOptions filters VectorMemory.List. An empty Type matches every type.
type ListOptions struct {
	UserID        string
	Type          string
	MinImportance float64
	Limit         int
}

// SearchOptions drives a nearest-neighbour search over one user's memories.
type SearchOptions struct {
	UserID        string
	Embedding     []float32
	MinImportance float64
	Limit         int
}

const (
	defaultRecentLimit = 10
	defaultListLimit   = 20
	defaultSearchLimit = 5
)

// ClampImportance bounds v to [0,1]. NaN is not clamped; callers reject it.
func ClampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func validImportance(field string, v float64) error {
	if math.IsNaN(v) {
		return &ValidationError{Field: field, Reason: "must be a number"}
	}
	return nil
}

func copyVector(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
