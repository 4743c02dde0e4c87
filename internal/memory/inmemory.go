package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// InMemoryBackend keeps both tiers in process for local/dev use and tests.
// Writes are journaled per transaction and undone on rollback.
type InMemoryBackend struct {
	mu        sync.RWMutex
	users     map[string]User
	turns     map[string]ChatTurn
	memories  map[string]memRecord
	// highWater keeps the last turn number per session after its turns are
	// deleted.
	highWater map[sessionKey]int
	seq       int64
}

type sessionKey struct{ user, session string }

type memRecord struct {
	LongTermMemory
	seq int64
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		users:     make(map[string]User),
		turns:     make(map[string]ChatTurn),
		memories:  make(map[string]memRecord),
		highWater: make(map[sessionKey]int),
	}
}

type memTx struct {
	b    *InMemoryBackend
	mu   sync.Mutex
	undo []func()
	done bool
}

func (t *memTx) record(fn func()) {
	t.mu.Lock()
	t.undo = append(t.undo, fn)
	t.mu.Unlock()
}

func (t *memTx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.undo = nil
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrTxDone
	}
	t.done = true
	undo := t.undo
	t.undo = nil
	t.mu.Unlock()

	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
	return nil
}

func (b *InMemoryBackend) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("begin", err)
	}
	return &memTx{b: b}, nil
}

func (b *InMemoryBackend) txFrom(ctx context.Context, tx Tx) (*memTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, ok := tx.(*memTx)
	if !ok || t.b != b {
		return nil, ErrForeignTx
	}
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done {
		return nil, ErrTxDone
	}
	return t, nil
}

func (b *InMemoryBackend) Users() UserStore     { return memUsers{b} }
func (b *InMemoryBackend) Turns() TurnStore     { return memTurns{b} }
func (b *InMemoryBackend) Vectors() VectorStore { return memVectors{b} }

// LockConversation is a no-op; in-process callers serialise with their own
// keyed lock.
func (b *InMemoryBackend) LockConversation(ctx context.Context, tx Tx, _, _ string) error {
	_, err := b.txFrom(ctx, tx)
	return err
}

func (b *InMemoryBackend) Ping(ctx context.Context) error { return ctx.Err() }
func (b *InMemoryBackend) Name() string                   { return "memory" }
func (b *InMemoryBackend) Close() error                   { return nil }

type memUsers struct{ b *InMemoryBackend }

func (s memUsers) GetOrCreate(ctx context.Context, tx Tx, userID string, now time.Time) (User, bool, error) {
	t, err := s.b.txFrom(ctx, tx)
	if err != nil {
		return User{}, false, err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	prev, exists := s.b.users[userID]
	u := prev
	if !exists {
		u = User{ID: userID, CreatedAt: now}
	}
	u.LastInteraction = now
	s.b.users[userID] = u
	t.record(func() {
		if exists {
			s.b.users[userID] = prev
		} else {
			delete(s.b.users, userID)
		}
	})
	return u, !exists, nil
}

func (s memUsers) Get(ctx context.Context, tx Tx, userID string) (User, error) {
	if _, err := s.b.txFrom(ctx, tx); err != nil {
		return User{}, err
	}
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	u, ok := s.b.users[userID]
	if !ok {
		return User{}, &NotFoundError{Kind: "user", ID: userID}
	}
	return u, nil
}

type memTurns struct{ b *InMemoryBackend }

func (s memTurns) Insert(ctx context.Context, tx Tx, turn ChatTurn) error {
	t, err := s.b.txFrom(ctx, tx)
	if err != nil {
		return err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	for _, existing := range s.b.turns {
		if existing.UserID == turn.UserID && existing.SessionID == turn.SessionID && existing.TurnNumber == turn.TurnNumber {
			return &ValidationError{Field: "turn_number", Reason: "already used in this session"}
		}
	}
	s.b.turns[turn.ID] = turn
	id := turn.ID
	t.record(func() { delete(s.b.turns, id) })

	key := sessionKey{turn.UserID, turn.SessionID}
	prev, had := s.b.highWater[key]
	if !had || turn.TurnNumber > prev {
		s.b.highWater[key] = turn.TurnNumber
		t.record(func() {
			if had {
				s.b.highWater[key] = prev
			} else {
				delete(s.b.highWater, key)
			}
		})
	}
	return nil
}

func (s memTurns) LatestTurnNumber(ctx context.Context, tx Tx, userID, sessionID string) (int, bool, error) {
	if _, err := s.b.txFrom(ctx, tx); err != nil {
		return 0, false, err
	}
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	latest, found := s.b.highWater[sessionKey{userID, sessionID}]
	return latest, found, nil
}

// live returns matching live turns in chronological order.
func (s memTurns) live(userID, sessionID string, now time.Time) []ChatTurn {
	out := make([]ChatTurn, 0)
	for _, turn := range s.b.turns {
		if turn.UserID != userID || !turn.Live(now) {
			continue
		}
		if sessionID != "" && turn.SessionID != sessionID {
			continue
		}
		out = append(out, turn)
	}
	sort.Slice(out, func(i, j int) bool {
		if sessionID != "" || out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TurnNumber < out[j].TurnNumber
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s memTurns) Recent(ctx context.Context, tx Tx, userID, sessionID string, limit int, now time.Time) ([]ChatTurn, error) {
	if _, err := s.b.txFrom(ctx, tx); err != nil {
		return nil, err
	}
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	all := s.live(userID, sessionID, now)
	if limit > len(all) {
		limit = len(all)
	}
	out := make([]ChatTurn, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s memTurns) Chronological(ctx context.Context, tx Tx, userID, sessionID string, now time.Time) ([]ChatTurn, error) {
	if _, err := s.b.txFrom(ctx, tx); err != nil {
		return nil, err
	}
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	return s.live(userID, sessionID, now), nil
}

func (s memTurns) Count(ctx context.Context, tx Tx, userID, sessionID string, now time.Time) (int, error) {
	if _, err := s.b.txFrom(ctx, tx); err != nil {
		return 0, err
	}
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	return len(s.live(userID, sessionID, now)), nil
}

func (s memTurns) DeleteByID(ctx context.Context, tx Tx, ids []string) (int, error) {
	t, err := s.b.txFrom(ctx, tx)
	if err != nil {
		return 0, err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	n := 0
	for _, id := range ids {
		if s.remove(t, id) {
			n++
		}
	}
	return n, nil
}

func (s memTurns) remove(t *memTx, id string) bool {
	turn, ok := s.b.turns[id]
	if !ok {
		return false
	}
	delete(s.b.turns, id)
	t.record(func() { s.b.turns[id] = turn })
	return true
}

func (s memTurns) DeleteExpired(ctx context.Context, tx Tx, now time.Time) (int, error) {
	t, err := s.b.txFrom(ctx, tx)
	if err != nil {
		return 0, err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	n := 0
	for id, turn := range s.b.turns {
		if turn.Live(now) {
			continue
		}
		if s.remove(t, id) {
			n++
		}
	}
	return n, nil
}

type memVectors struct{ b *InMemoryBackend }

func cloneMemory(m LongTermMemory) LongTermMemory {
	m.Embedding = copyVector(m.Embedding)
	if m.LastAccessed != nil {
		ts := *m.LastAccessed
		m.LastAccessed = &ts
	}
	return m
}

func (s memVectors) Insert(ctx context.Context, tx Tx, m LongTermMemory) error {
	t, err := s.b.txFrom(ctx, tx)
	if err != nil {
		return err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.seq++
	s.b.memories[m.ID] = memRecord{LongTermMemory: cloneMemory(m), seq: s.b.seq}
	id := m.ID
	t.record(func() { delete(s.b.memories, id) })
	return nil
}

func (s memVectors) Get(ctx context.Context, tx Tx, id string) (LongTermMemory, error) {
	if _, err := s.b.txFrom(ctx, tx); err != nil {
		return LongTermMemory{}, err
	}
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	rec, ok := s.b.memories[id]
	if !ok {
		return LongTermMemory{}, &NotFoundError{Kind: "memory", ID: id}
	}
	return cloneMemory(rec.LongTermMemory), nil
}

func (s memVectors) List(ctx context.Context, tx Tx, opts ListOptions) ([]LongTermMemory, error) {
	if _, err := s.b.txFrom(ctx, tx); err != nil {
		return nil, err
	}
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	recs := make([]memRecord, 0)
	for _, rec := range s.b.memories {
		if rec.UserID != opts.UserID || rec.Importance < opts.MinImportance {
			continue
		}
		if opts.Type != "" && rec.Type != opts.Type {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Importance != recs[j].Importance {
			return recs[i].Importance > recs[j].Importance
		}
		return recs[i].seq < recs[j].seq
	})
	if opts.Limit > 0 && len(recs) > opts.Limit {
		recs = recs[:opts.Limit]
	}
	out := make([]LongTermMemory, 0, len(recs))
	for _, rec := range recs {
		out = append(out, cloneMemory(rec.LongTermMemory))
	}
	return out, nil
}

func (s memVectors) Count(ctx context.Context, tx Tx, userID string) (int, error) {
	if _, err := s.b.txFrom(ctx, tx); err != nil {
		return 0, err
	}
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	n := 0
	for _, rec := range s.b.memories {
		if rec.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s memVectors) Search(ctx context.Context, tx Tx, opts SearchOptions, now time.Time) ([]ScoredMemory, error) {
	t, err := s.b.txFrom(ctx, tx)
	if err != nil {
		return nil, err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	type hit struct {
		rec memRecord
		sim float64
	}
	hits := make([]hit, 0)
	for _, rec := range s.b.memories {
		if rec.UserID != opts.UserID || rec.Importance < opts.MinImportance {
			continue
		}
		hits = append(hits, hit{rec: rec, sim: CosineSimilarity(rec.Embedding, opts.Embedding)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].sim != hits[j].sim {
			return hits[i].sim > hits[j].sim
		}
		return hits[i].rec.seq < hits[j].rec.seq
	})
	if opts.Limit > 0 && len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}

	out := make([]ScoredMemory, 0, len(hits))
	for _, h := range hits {
		prev := h.rec
		next := prev
		next.AccessCount++
		accessed := now
		next.LastAccessed = &accessed
		s.b.memories[prev.ID] = next
		t.record(func() { s.b.memories[prev.ID] = prev })
		out = append(out, ScoredMemory{Memory: cloneMemory(next.LongTermMemory), Similarity: h.sim})
	}
	return out, nil
}

func (s memVectors) UpdateContent(ctx context.Context, tx Tx, id, content string, embedding []float32, now time.Time) (LongTermMemory, error) {
	t, err := s.b.txFrom(ctx, tx)
	if err != nil {
		return LongTermMemory{}, err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	prev, ok := s.b.memories[id]
	if !ok {
		return LongTermMemory{}, &NotFoundError{Kind: "memory", ID: id}
	}
	next := prev
	next.Content = content
	next.Embedding = copyVector(embedding)
	next.UpdatedAt = now
	s.b.memories[id] = next
	t.record(func() { s.b.memories[id] = prev })
	return cloneMemory(next.LongTermMemory), nil
}

func (s memVectors) Delete(ctx context.Context, tx Tx, id string) (bool, error) {
	t, err := s.b.txFrom(ctx, tx)
	if err != nil {
		return false, err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	prev, ok := s.b.memories[id]
	if !ok {
		return false, nil
	}
	delete(s.b.memories, id)
	t.record(func() { s.b.memories[id] = prev })
	return true, nil
}

// CosineSimilarity returns 1 - cosine distance between a and b, or 0 when
// either vector is empty, zero or of a different length.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		magA += x * x
		magB += y * y
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
