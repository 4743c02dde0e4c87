package memory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDatabaseEnv names a disposable PostgreSQL database with pgvector
// installed. Its memory tables are dropped before every test.
const testDatabaseEnv = "MNEMOS_TEST_DATABASE_URL"

type testBackend struct {
	name string
	open func(t *testing.T) Backend
}

func testBackends() []testBackend {
	return []testBackend{
		{name: "memory", open: func(*testing.T) Backend { return NewInMemoryBackend() }},
		{name: "postgres", open: openTestPostgres},
	}
}

func testDatabaseURL(t *testing.T) string {
	t.Helper()
	url := strings.TrimSpace(os.Getenv(testDatabaseEnv))
	if url == "" {
		t.Skipf("%s not set", testDatabaseEnv)
	}
	return url
}

func resetTestSchema(t *testing.T, url string) {
	t.Helper()
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, url)
	require.NoError(t, err)
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, `DROP TABLE IF EXISTS chat_history, chat_sessions, vector_memories, users`)
	require.NoError(t, err)
}

func openTestPostgres(t *testing.T) Backend {
	t.Helper()
	url := testDatabaseURL(t)
	resetTestSchema(t, url)
	b, err := NewPostgresBackend(context.Background(), url, PostgresOptions{
		EmbeddingDim: testDim,
		IVFFlatLists: 1,
		SearchProbes: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testDescribeUserCountsBothTiers(t *testing.T, f *fixture) {
	tx := f.tx(t)
	ctx := context.Background()

	_, err := DescribeUser(ctx, tx, f.backend.Users(), f.history, f.vectors, "u")
	assert.True(t, IsNotFound(err), "unknown user: %v", err)
	_, err = DescribeUser(ctx, tx, f.backend.Users(), f.history, f.vectors, " ")
	assert.True(t, IsValidation(err))

	_, _, err = f.backend.Users().GetOrCreate(ctx, tx, "u", f.clock.Now())
	require.NoError(t, err)
	for i, session := range []string{"s1", "s1", "s2"} {
		_, err := f.history.Append(ctx, tx, NewTurn{UserID: "u", SessionID: session, Role: RoleUser, Content: "hi", TurnNumber: i})
		require.NoError(t, err)
	}
	_, err = f.history.Append(ctx, tx, NewTurn{UserID: "u", SessionID: "s3", Role: RoleUser, Content: "brief", TTL: time.Hour})
	require.NoError(t, err)
	_, err = f.vectors.Add(ctx, tx, NewMemory{UserID: "u", Content: "a", Embedding: unitVec(0), Importance: 0.5})
	require.NoError(t, err)
	_, err = f.vectors.Add(ctx, tx, NewMemory{UserID: "other", Content: "b", Embedding: unitVec(1), Importance: 0.5})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	info, err := DescribeUser(ctx, tx, f.backend.Users(), f.history, f.vectors, "u")
	require.NoError(t, err)
	assert.Equal(t, "u", info.ID)
	assert.Equal(t, 3, info.ShortTermCount)
	assert.Equal(t, 1, info.LongTermCount)
}

func testSearchFillsLimitUnderFilters(t *testing.T, f *fixture) {
	tx := f.tx(t)
	ctx := context.Background()

	// Closer vectors belong to another user or sit below the floor; the
	// search must still fill its limit from the rows that qualify.
	for i := 0; i < 6; i++ {
		vec := []float32{1, float32(i) * 0.01, 0, 0, 0, 0, 0, 0}
		_, err := f.vectors.Add(ctx, tx, NewMemory{UserID: "noise", Content: "n", Embedding: vec, Importance: 0.9})
		require.NoError(t, err)
		_, err = f.vectors.Add(ctx, tx, NewMemory{UserID: "u", Content: "low", Embedding: vec, Importance: 0.1})
		require.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		vec := []float32{1, 1, float32(i), 0, 0, 0, 0, 0}
		_, err := f.vectors.Add(ctx, tx, NewMemory{UserID: "u", Content: fmt.Sprintf("kept %d", i), Embedding: vec, Importance: 0.8})
		require.NoError(t, err)
	}

	hits, err := f.vectors.Search(ctx, tx, SearchOptions{UserID: "u", Embedding: unitVec(0), MinImportance: 0.5, Limit: 3})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	for i, h := range hits {
		assert.Equal(t, "u", h.Memory.UserID)
		assert.GreaterOrEqual(t, h.Memory.Importance, 0.5)
		if i > 0 {
			assert.GreaterOrEqual(t, hits[i-1].Similarity, h.Similarity)
		}
	}
	assert.Equal(t, "kept 0", hits[0].Memory.Content)
}

func TestPostgresRejectsDimensionChange(t *testing.T) {
	url := testDatabaseURL(t)
	openTestPostgres(t)

	_, err := NewPostgresBackend(context.Background(), url, PostgresOptions{EmbeddingDim: testDim * 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("has %d dimensions, configured %d", testDim, testDim*2))
}

func TestPostgresConversationLockExcludes(t *testing.T) {
	b := openTestPostgres(t)
	ctx := context.Background()

	holder, err := b.Begin(ctx)
	require.NoError(t, err)
	defer holder.Rollback(ctx)
	require.NoError(t, b.LockConversation(ctx, holder, "u", "s"))

	other, err := b.Begin(ctx)
	require.NoError(t, err)
	defer other.Rollback(ctx)
	require.NoError(t, b.LockConversation(ctx, other, "u", "s2"))

	waiter, err := b.Begin(ctx)
	require.NoError(t, err)
	defer waiter.Rollback(ctx)
	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	assert.Error(t, b.LockConversation(waitCtx, waiter, "u", "s"))

	require.NoError(t, holder.Commit(ctx))
	next, err := b.Begin(ctx)
	require.NoError(t, err)
	defer next.Rollback(ctx)
	require.NoError(t, b.LockConversation(ctx, next, "u", "s"))
}

func TestPostgresDuplicateTurnIsValidation(t *testing.T) {
	b := openTestPostgres(t)
	ctx := context.Background()
	tx, err := b.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	turn := ChatTurn{ID: "t1", UserID: "u", SessionID: "s", Role: RoleUser, Content: "a", TurnNumber: 2, CreatedAt: now}
	require.NoError(t, b.Turns().Insert(ctx, tx, turn))
	turn.ID = "t2"
	err = b.Turns().Insert(ctx, tx, turn)
	assert.True(t, IsValidation(err), "duplicate insert: %v", err)
}

func TestPgvectorAtLeast(t *testing.T) {
	cases := []struct {
		version string
		want    bool
	}{
		{"0.8.0", true},
		{"0.8.1", true},
		{"0.10.0", true},
		{"1.0.0", true},
		{"0.7.4", false},
		{"0.5", false},
		{"dev", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, pgvectorAtLeast(tc.version, 0, 8), tc.version)
	}
}

func TestPostgresRejectsForeignTransaction(t *testing.T) {
	b := openTestPostgres(t)
	tx, err := NewInMemoryBackend().Begin(context.Background())
	require.NoError(t, err)
	_, err = b.Turns().Count(context.Background(), tx, "u", "", time.Now())
	assert.ErrorIs(t, err, ErrForeignTx)
}
