package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("conversation not found")

// Conversation is the activity record of one (user, session) pair.
type Conversation struct {
	UserID         string    `json:"user_id"`
	SessionID      string    `json:"session_id"`
	Status         Status    `json:"status"`
	Turns          int       `json:"turns"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type key struct{ user, session string }

// Manager tracks which conversations are active and ends the ones that go
// quiet for longer than the inactivity timeout.
type Manager struct {
	mu                sync.RWMutex
	conversations     map[key]*Conversation
	inactivityTimeout time.Duration
	onExpire          func(*Conversation)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		conversations:     make(map[key]*Conversation),
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetExpireHook is called, outside the lock, for every conversation the
// janitor ends.
func (m *Manager) SetExpireHook(hook func(*Conversation)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Touch records activity, starting or reviving the conversation as needed.
func (m *Manager) Touch(userID, sessionID string) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	k := key{userID, sessionID}
	c, ok := m.conversations[k]
	if !ok || c.Status == StatusEnded {
		c = &Conversation{
			UserID:    userID,
			SessionID: sessionID,
			Status:    StatusActive,
			StartedAt: now,
		}
		m.conversations[k] = c
	}
	c.Turns++
	c.LastActivityAt = now
	return clone(c)
}

func (m *Manager) Get(userID, sessionID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[key{userID, sessionID}]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

// End marks a conversation as ended without firing the expire hook.
func (m *Manager) End(userID, sessionID string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[key{userID, sessionID}]
	if !ok {
		return nil, ErrNotFound
	}
	c.Status = StatusEnded
	c.LastActivityAt = m.now()
	return clone(c), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ExpireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.conversations {
		if c.Status == StatusActive {
			count++
		}
	}
	return count
}

// ExpireInactive ends idle conversations, drops ended ones and returns how
// many were ended by this call.
func (m *Manager) ExpireInactive() int {
	var expired []*Conversation

	m.mu.Lock()
	now := m.now()
	for k, c := range m.conversations {
		if c.Status != StatusActive {
			delete(m.conversations, k)
			continue
		}
		if now.Sub(c.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		c.Status = StatusEnded
		expired = append(expired, clone(c))
		delete(m.conversations, k)
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, c := range expired {
			hook(c)
		}
	}
	return len(expired)
}

func clone(c *Conversation) *Conversation {
	cp := *c
	return &cp
}
