package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/mnemos/internal/provider"
)

const testDim = 8

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	backend  Backend
	history  *ChatHistory
	vectors  *VectorMemory
	embedder *provider.MockEmbedder
	clock    *fakeClock
}

func newFixture(t *testing.T, b Backend) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	h := NewChatHistory(b.Turns())
	h.SetClock(clock.Now)
	e := provider.NewMockEmbedder(testDim)
	v, err := NewVectorMemory(b.Vectors(), e, testDim)
	require.NoError(t, err)
	v.SetClock(clock.Now)
	return &fixture{backend: b, history: h, vectors: v, embedder: e, clock: clock}
}

func (f *fixture) tx(t *testing.T) Tx {
	t.Helper()
	tx, err := f.backend.Begin(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Rollback(context.Background()) })
	return tx
}

type contractCase struct {
	name string
	run  func(t *testing.T, f *fixture)
}

var storageContract = []contractCase{
	{"AppendValidatesInput", testAppendValidatesInput},
	{"AppendGeneratesSessionAndSetsExpiry", testAppendGeneratesSessionAndSetsExpiry},
	{"AppendRequiresIncreasingTurnNumbers", testAppendRequiresIncreasingTurnNumbers},
	{"TurnNumbersStayMonotonicAfterForget", testTurnNumbersStayMonotonicAfterForget},
	{"RecentNewestFirstAndScoped", testRecentNewestFirstAndScoped},
	{"ExpiredTurnsAreHiddenAndPurgedIdempotently", testExpiredTurnsAreHiddenAndPurgedIdempotently},
	{"AddClampsImportanceAndDefaultsType", testAddClampsImportanceAndDefaultsType},
	{"AddRejectsWrongDimensionWithoutWriting", testAddRejectsWrongDimensionWithoutWriting},
	{"SearchSelfSimilarityAndAccessBookkeeping", testSearchSelfSimilarityAndAccessBookkeeping},
	{"SearchEmptyResults", testSearchEmptyResults},
	{"SearchOrdersBySimilarityAndCaps", testSearchOrdersBySimilarityAndCaps},
	{"ListOrdersByImportanceWithStableTies", testListOrdersByImportanceWithStableTies},
	{"UpdateContentRegeneratesEmbedding", testUpdateContentRegeneratesEmbedding},
	{"UpdateContentRejectsWrongDimension", testUpdateContentRejectsWrongDimension},
	{"DeleteReportsExistence", testDeleteReportsExistence},
	{"RememberEmbedsContent", testRememberEmbedsContent},
	{"RollbackUndoesWrites", testRollbackUndoesWrites},
	{"UsersGetOrCreate", testUsersGetOrCreate},
	{"PurgeOnceCommits", testPurgeOnceCommits},
	{"DescribeUserCountsBothTiers", testDescribeUserCountsBothTiers},
	{"SearchFillsLimitUnderFilters", testSearchFillsLimitUnderFilters},
}

// TestStorageContract runs every storage behaviour against each backend.
func TestStorageContract(t *testing.T) {
	for _, backend := range testBackends() {
		t.Run(backend.name, func(t *testing.T) {
			for _, tc := range storageContract {
				t.Run(tc.name, func(t *testing.T) {
					tc.run(t, newFixture(t, backend.open(t)))
				})
			}
		})
	}
}

func unitVec(i int) []float32 {
	v := make([]float32, testDim)
	v[i%testDim] = 1
	return v
}

func testAppendValidatesInput(t *testing.T, f *fixture) {
	tx := f.tx(t)
	ctx := context.Background()

	cases := []NewTurn{
		{SessionID: "s", Role: RoleUser, Content: "hi"},
		{UserID: "u", SessionID: "s", Role: "robot", Content: "hi"},
		{UserID: "u", SessionID: "s", Role: RoleUser, Content: "   "},
		{UserID: "u", SessionID: "s", Role: RoleUser, Content: "hi", TurnNumber: -1},
		{UserID: "u", SessionID: "s", Role: RoleUser, Content: "hi", TTL: -time.Second},
	}
	for _, in := range cases {
		_, err := f.history.Append(ctx, tx, in)
		require.Error(t, err)
		assert.True(t, IsValidation(err), "%+v: %v", in, err)
	}
	n, err := f.history.Count(ctx, tx, "u", "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testAppendGeneratesSessionAndSetsExpiry(t *testing.T, f *fixture) {
	tx := f.tx(t)

	turn, err := f.history.Append(context.Background(), tx, NewTurn{
		UserID: "u", Role: RoleUser, Content: "hello", TTL: 2 * time.Hour,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, turn.SessionID)
	assert.NotEmpty(t, turn.ID)
	require.NotNil(t, turn.ExpiresAt)
	assert.Equal(t, f.clock.Now().Add(2*time.Hour), *turn.ExpiresAt)

	permanent, err := f.history.Append(context.Background(), tx, NewTurn{
		UserID: "u", SessionID: turn.SessionID, Role: RoleAssistant, Content: "hi", TurnNumber: 1,
	})
	require.NoError(t, err)
	assert.Nil(t, permanent.ExpiresAt)
}

func testAppendRequiresIncreasingTurnNumbers(t *testing.T, f *fixture) {
	tx := f.tx(t)
	ctx := context.Background()

	_, err := f.history.Append(ctx, tx, NewTurn{UserID: "u", SessionID: "s", Role: RoleUser, Content: "a", TurnNumber: 3})
	require.NoError(t, err)
	_, err = f.history.Append(ctx, tx, NewTurn{UserID: "u", SessionID: "s", Role: RoleUser, Content: "b", TurnNumber: 3})
	assert.True(t, IsValidation(err), "duplicate turn: %v", err)
	_, err = f.history.Append(ctx, tx, NewTurn{UserID: "u", SessionID: "s", Role: RoleUser, Content: "c", TurnNumber: 1})
	assert.True(t, IsValidation(err), "older turn: %v", err)

	next, err := f.history.NextTurnNumber(ctx, tx, "u", "s")
	require.NoError(t, err)
	assert.Equal(t, 4, next)

	_, err = f.history.Append(ctx, tx, NewTurn{UserID: "u", SessionID: "other", Role: RoleUser, Content: "d", TurnNumber: 0})
	require.NoError(t, err)
}

func testTurnNumbersStayMonotonicAfterForget(t *testing.T, f *fixture) {
	ctx := context.Background()

	err := WithTx(ctx, f.backend, func(tx Tx) error {
		for i := 0; i < 3; i++ {
			if _, err := f.history.Append(ctx, tx, NewTurn{UserID: "u", SessionID: "s", Role: RoleUser, Content: "x", TurnNumber: i}); err != nil {
				return err
			}
		}
		snapshot, err := f.history.Snapshot(ctx, tx, "u", "s")
		if err != nil {
			return err
		}
		_, err = f.history.Forget(ctx, tx, snapshot)
		return err
	})
	require.NoError(t, err)

	tx := f.tx(t)
	next, err := f.history.NextTurnNumber(ctx, tx, "u", "s")
	require.NoError(t, err)
	assert.Equal(t, 3, next)
	_, err = f.history.Append(ctx, tx, NewTurn{UserID: "u", SessionID: "s", Role: RoleUser, Content: "again", TurnNumber: 0})
	assert.True(t, IsValidation(err))

	// A rolled back append does not advance the mark.
	_, err = f.history.Append(ctx, tx, NewTurn{UserID: "u", SessionID: "s", Role: RoleUser, Content: "later", TurnNumber: 9})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	tx = f.tx(t)
	next, err = f.history.NextTurnNumber(ctx, tx, "u", "s")
	require.NoError(t, err)
	assert.Equal(t, 3, next)
}

func testRecentNewestFirstAndScoped(t *testing.T, f *fixture) {
	tx := f.tx(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := f.history.Append(ctx, tx, NewTurn{UserID: "u", SessionID: "s1", Role: RoleUser, Content: "s1 turn", TurnNumber: i})
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}
	_, err := f.history.Append(ctx, tx, NewTurn{UserID: "u", SessionID: "s2", Role: RoleUser, Content: "s2 turn"})
	require.NoError(t, err)

	recent, err := f.history.Recent(ctx, tx, "u", "s1", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{recent[0].TurnNumber, recent[1].TurnNumber, recent[2].TurnNumber})

	all, err := f.history.Recent(ctx, tx, "u", "", 10)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "s2", all[0].SessionID)

	n, err := f.history.Count(ctx, tx, "u", "s1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func testExpiredTurnsAreHiddenAndPurgedIdempotently(t *testing.T, f *fixture) {
	tx := f.tx(t)
	ctx := context.Background()

	_, err := f.history.Append(ctx, tx, NewTurn{UserID: "u", SessionID: "s", Role: RoleUser, Content: "short", TTL: time.Hour})
	require.NoError(t, err)
	_, err = f.history.Append(ctx, tx, NewTurn{UserID: "u", SessionID: "s", Role: RoleUser, Content: "long", TurnNumber: 1})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)

	n, err := f.history.Count(ctx, tx, "u", "s")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	purged, err := f.history.PurgeExpired(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	purged, err = f.history.PurgeExpired(ctx, tx)
	require.NoError(t, err)
	assert.Zero(t, purged)
}

func testAddClampsImportanceAndDefaultsType(t *testing.T, f *fixture) {
	tx := f.tx(t)
	ctx := context.Background()

	high, err := f.vectors.Add(ctx, tx, NewMemory{UserID: "u", Content: "a", Embedding: unitVec(0), Importance: 1.7})
	require.NoError(t, err)
	assert.Equal(t, 1.0, high.Importance)
	assert.Equal(t, DefaultMemoryType, high.Type)

	low, err := f.vectors.Add(ctx, tx, NewMemory{UserID: "u", Content: "b", Embedding: unitVec(1), Importance: -3, Type: "fact"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, low.Importance)
	assert.Equal(t, "fact", low.Type)
}

func testAddRejectsWrongDimensionWithoutWriting(t *testing.T, f *fixture) {
	tx := f.tx(t)
	ctx := context.Background()

	_, err := f.vectors.Add(ctx, tx, NewMemory{UserID: "u", Content: "a", Embedding: make([]float32, testDim+1), Importance: 0.5})
	require.Error(t, err)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.True(t, errors.Is(err, ErrDimensionMismatch))

	_, err = f.vectors.Add(ctx, tx, NewMemory{UserID: "u", Content: "a", Embedding: make([]float32, testDim), Importance: 0.5})
	assert.True(t, IsValidation(err), "zero vector: %v", err)

	list, err := f.vectors.List(ctx, tx, ListOptions{UserID: "u"})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testSearchSelfSimilarityAndAccessBookkeeping(t *testing.T, f *fixture) {
	tx := f.tx(t)
	ctx := context.Background()

	v := provider.HashVector("User is stressed by deadlines", testDim)
	added, err := f.vectors.Add(ctx, tx, NewMemory{UserID: "U", Content: "User is stressed by deadlines", Embedding: v, Importance: 0.9})
	require.NoError(t, err)
	assert.Zero(t, added.AccessCount)
	assert.Nil(t, added.LastAccessed)

	f.clock.Advance(time.Minute)
	hits, err := f.vectors.Search(ctx, tx, SearchOptions{UserID: "U", Embedding: v, MinImportance: 0.5, Limit: 5})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, added.ID, hits[0].Memory.ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5)
	assert.Equal(t, 1, hits[0].Memory.AccessCount)
	require.NotNil(t, hits[0].Memory.LastAccessed)
	assert.WithinDuration(t, f.clock.Now(), *hits[0].Memory.LastAccessed, time.Millisecond)

	stored, err := f.vectors.Get(ctx, tx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.AccessCount)
}

func testSearchEmptyResults(t *testing.T, f *fixture) {
	tx := f.tx(t)
	ctx := context.Background()

	hits, err := f.vectors.Search(ctx, tx, SearchOptions{UserID: "nobody", Embedding: unitVec(0)})
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = f.vectors.Add(ctx, tx, NewMemory{UserID: "u", Content: "a", Embedding: unitVec(0), Importance: 0.4})
	require.NoError(t, err)
	hits, err = f.vectors.Search(ctx, tx, SearchOptions{UserID: "u", Embedding: unitVec(0), MinImportance: 0.9})
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = f.vectors.Search(ctx, tx, SearchOptions{UserID: "u", Embedding: unitVec(0)[:3]})
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
}

func testSearchOrdersBySimilarityAndCaps(t *testing.T, f *fixture) {
	tx := f.tx(t)
	ctx := context.Background()

	near := []float32{1, 0.1, 0, 0, 0, 0, 0, 0}
	far := []float32{0, 1, 0, 0, 0, 0, 0, 0}
	mid := []float32{1, 1, 0, 0, 0, 0, 0, 0}
	for _, vec := range [][]float32{far, near, mid} {
		_, err := f.vectors.Add(ctx, tx, NewMemory{UserID: "u", Content: "m", Embedding: vec, Importance: 0.5})
		require.NoError(t, err)
	}
	hits, err := f.vectors.Search(ctx, tx, SearchOptions{UserID: "u", Embedding: unitVec(0), Limit: 2})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Greater(t, hits[0].Similarity, hits[1].Similarity)
	assert.Equal(t, near, hits[0].Memory.Embedding)
	assert.Equal(t, mid, hits[1].Memory.Embedding)
}

func testListOrdersByImportanceWithStableTies(t *testing.T, f *fixture) {
	tx := f.tx(t)
	ctx := context.Background()

	var ids []string
	for i, imp := range []float64{0.5, 0.9, 0.5, 0.2} {
		m, err := f.vectors.Add(ctx, tx, NewMemory{UserID: "u", Content: "m", Embedding: unitVec(i), Importance: imp, Type: "fact"})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	_, err := f.vectors.Add(ctx, tx, NewMemory{UserID: "u", Content: "g", Embedding: unitVec(5), Importance: 1, Type: "goal"})
	require.NoError(t, err)

	list, err := f.vectors.List(ctx, tx, ListOptions{UserID: "u", Type: "fact", MinImportance: 0.3})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{ids[1], ids[0], ids[2]}, []string{list[0].ID, list[1].ID, list[2].ID})
}

type shortEmbedder struct{}

func (shortEmbedder) Dimensions() int { return testDim }
func (shortEmbedder) Embed(context.Context, string, provider.EmbedMode) ([]float32, error) {
	return []float32{1, 2}, nil
}

func testUpdateContentRegeneratesEmbedding(t *testing.T, f *fixture) {
	tx := f.tx(t)
	ctx := context.Background()

	m, err := f.vectors.Remember(ctx, tx, NewMemory{UserID: "u", Content: "likes tea", Importance: 0.6})
	require.NoError(t, err)
	assert.Equal(t, provider.HashVector("likes tea", testDim), m.Embedding)

	f.clock.Advance(time.Minute)
	updated, err := f.vectors.UpdateContent(ctx, tx, m.ID, "likes green tea")
	require.NoError(t, err)
	assert.Equal(t, "likes green tea", updated.Content)
	assert.Equal(t, provider.HashVector("likes green tea", testDim), updated.Embedding)
	assert.True(t, updated.UpdatedAt.After(m.UpdatedAt))

	_, err = f.vectors.UpdateContent(ctx, tx, "missing", "x")
	assert.True(t, IsNotFound(err))
}

func testUpdateContentRejectsWrongDimension(t *testing.T, f *fixture) {
	tx := f.tx(t)
	ctx := context.Background()

	m, err := f.vectors.Add(ctx, tx, NewMemory{UserID: "u", Content: "orig", Embedding: unitVec(0), Importance: 0.5})
	require.NoError(t, err)

	broken, err := NewVectorMemory(f.backend.Vectors(), shortEmbedder{}, testDim)
	require.NoError(t, err)
	_, err = broken.UpdateContent(ctx, tx, m.ID, "changed")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDimensionMismatch))

	stored, err := f.vectors.Get(ctx, tx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "orig", stored.Content)
	assert.Equal(t, unitVec(0), stored.Embedding)
}

func testDeleteReportsExistence(t *testing.T, f *fixture) {
	tx := f.tx(t)
	ctx := context.Background()

	m, err := f.vectors.Add(ctx, tx, NewMemory{UserID: "u", Content: "a", Embedding: unitVec(0), Importance: 0.5})
	require.NoError(t, err)
	ok, err := f.vectors.Delete(ctx, tx, m.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.vectors.Delete(ctx, tx, m.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testRememberEmbedsContent(t *testing.T, f *fixture) {
	tx := f.tx(t)
	ctx := context.Background()

	m, err := f.vectors.Remember(ctx, tx, NewMemory{UserID: "u", Content: "likes hiking", Type: "preference", Importance: 0.6})
	require.NoError(t, err)
	assert.Len(t, m.Embedding, testDim)
	assert.Equal(t, 1, f.embedder.Calls())

	got, err := f.vectors.Get(ctx, tx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "likes hiking", got.Content)

	hits, err := f.vectors.SearchText(ctx, tx, "u", "likes hiking", 0, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5)

	_, err = f.vectors.Remember(ctx, tx, NewMemory{UserID: "u", Content: "  "})
	assert.True(t, IsValidation(err))

	_, err = f.vectors.Get(ctx, tx, "missing")
	assert.True(t, IsNotFound(err))
}

func TestNewVectorMemoryRejectsMismatchedEmbedder(t *testing.T) {
	_, err := NewVectorMemory(NewInMemoryBackend().Vectors(), provider.NewMockEmbedder(4), testDim)
	require.Error(t, err)
}

func testRollbackUndoesWrites(t *testing.T, f *fixture) {
	ctx := context.Background()

	seed, err := f.backend.Begin(ctx)
	require.NoError(t, err)
	m, err := f.vectors.Add(ctx, seed, NewMemory{UserID: "u", Content: "kept", Embedding: unitVec(0), Importance: 0.5})
	require.NoError(t, err)
	require.NoError(t, seed.Commit(ctx))

	tx, err := f.backend.Begin(ctx)
	require.NoError(t, err)
	_, err = f.history.Append(ctx, tx, NewTurn{UserID: "u", SessionID: "s", Role: RoleUser, Content: "gone"})
	require.NoError(t, err)
	_, err = f.vectors.Search(ctx, tx, SearchOptions{UserID: "u", Embedding: unitVec(0)})
	require.NoError(t, err)
	_, err = f.vectors.Delete(ctx, tx, m.ID)
	require.NoError(t, err)
	_, _, err = f.backend.Users().GetOrCreate(ctx, tx, "u", f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))
	assert.ErrorIs(t, tx.Commit(ctx), ErrTxDone)

	check := f.tx(t)
	n, err := f.history.Count(ctx, check, "u", "s")
	require.NoError(t, err)
	assert.Zero(t, n)
	stored, err := f.vectors.Get(ctx, check, m.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.AccessCount)
	_, err = f.backend.Users().Get(ctx, check, "u")
	assert.True(t, IsNotFound(err))
}

func testUsersGetOrCreate(t *testing.T, f *fixture) {
	tx := f.tx(t)
	ctx := context.Background()

	u, created, err := f.backend.Users().GetOrCreate(ctx, tx, "alice", f.clock.Now())
	require.NoError(t, err)
	assert.True(t, created)

	f.clock.Advance(time.Hour)
	again, created, err := f.backend.Users().GetOrCreate(ctx, tx, "alice", f.clock.Now())
	require.NoError(t, err)
	assert.False(t, created)
	assert.WithinDuration(t, u.CreatedAt, again.CreatedAt, time.Millisecond)
	assert.WithinDuration(t, f.clock.Now(), again.LastInteraction, time.Millisecond)
}

func TestForeignTransactionRejected(t *testing.T) {
	a := NewInMemoryBackend()
	b := NewInMemoryBackend()
	tx, err := a.Begin(context.Background())
	require.NoError(t, err)
	_, err = b.Turns().Count(context.Background(), tx, "u", "", time.Now())
	assert.ErrorIs(t, err, ErrForeignTx)
}

func testPurgeOnceCommits(t *testing.T, f *fixture) {
	ctx := context.Background()
	require.NoError(t, WithTx(ctx, f.backend, func(tx Tx) error {
		_, err := f.history.Append(ctx, tx, NewTurn{UserID: "u", SessionID: "s", Role: RoleUser, Content: "x", TTL: time.Minute})
		return err
	}))
	f.clock.Advance(2 * time.Minute)

	n, err := PurgeOnce(ctx, f.backend, f.history)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = PurgeOnce(ctx, f.backend, f.history)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 2}))
}
