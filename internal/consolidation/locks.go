package consolidation

import (
	"context"
	"sync"
)

// Key identifies one conversation.
type Key struct {
	UserID    string
	SessionID string
}

func (k Key) String() string { return k.UserID + "/" + k.SessionID }

// keyedLocks is a per-key mutex whose waits can be cancelled.
type keyedLocks struct {
	mu    sync.Mutex
	slots map[Key]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{slots: make(map[Key]*lockSlot)}
}

func (l *keyedLocks) Lock(ctx context.Context, key Key) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.release(key, s)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	}
}

func (l *keyedLocks) release(key Key, s *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
