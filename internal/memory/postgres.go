package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// PostgresOptions tunes the schema and the ivfflat index.
type PostgresOptions struct {
	EmbeddingDim int
	IVFFlatLists int
	SearchProbes int
}

// PostgresBackend persists both memory tiers in PostgreSQL with pgvector.
type PostgresBackend struct {
	pool *pgxpool.Pool
	opts PostgresOptions
	// iterativeScan is set when pgvector can keep scanning lists until a
	// filtered search has enough rows (0.8.0 and later).
	iterativeScan bool
}

func NewPostgresBackend(ctx context.Context, databaseURL string, opts PostgresOptions) (*PostgresBackend, error) {
	if opts.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be > 0")
	}
	if opts.IVFFlatLists <= 0 {
		opts.IVFFlatLists = 100
	}
	if opts.SearchProbes <= 0 {
		opts.SearchProbes = 10
	}

	// The vector type must exist before pooled connections register it.
	if err := ensureVectorExtension(ctx, databaseURL); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool, opts); err != nil {
		pool.Close()
		return nil, err
	}
	if err := checkEmbeddingDim(ctx, pool, opts.EmbeddingDim); err != nil {
		pool.Close()
		return nil, err
	}
	iterative, err := supportsIterativeScan(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresBackend{pool: pool, opts: opts, iterativeScan: iterative}, nil
}

func supportsIterativeScan(ctx context.Context, pool *pgxpool.Pool) (bool, error) {
	var version string
	err := pool.QueryRow(ctx, `SELECT extversion FROM pg_extension WHERE extname = 'vector'`).Scan(&version)
	if err != nil {
		return false, fmt.Errorf("read pgvector version: %w", err)
	}
	return pgvectorAtLeast(version, 0, 8), nil
}

func pgvectorAtLeast(version string, major, minor int) bool {
	var gotMajor, gotMinor int
	if _, err := fmt.Sscanf(version, "%d.%d", &gotMajor, &gotMinor); err != nil {
		return false
	}
	if gotMajor != major {
		return gotMajor > major
	}
	return gotMinor >= minor
}

func ensureVectorExtension(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if _, err := conn.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	return nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool, opts PostgresOptions) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_interaction TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS chat_history (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
			content TEXT NOT NULL,
			turn_number INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ
		);`,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			last_turn_number INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, session_id)
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_history_session_turn ON chat_history (user_id, session_id, turn_number);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_history_user_created ON chat_history (user_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_history_expires ON chat_history (expires_at) WHERE expires_at IS NOT NULL;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vector_memories (
			id TEXT PRIMARY KEY,
			seq BIGINT GENERATED ALWAYS AS IDENTITY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			memory_type TEXT NOT NULL DEFAULT 'general',
			importance DOUBLE PRECISION NOT NULL CHECK (importance >= 0 AND importance <= 1),
			embedding vector(%d) NOT NULL,
			source_session_id TEXT,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, opts.EmbeddingDim),
		`CREATE INDEX IF NOT EXISTS idx_vector_memories_user_importance ON vector_memories (user_id, importance DESC, seq);`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_vector_memories_embedding ON vector_memories
			USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d);`, opts.IVFFlatLists),
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// checkEmbeddingDim refuses to start against a table created for another model.
func checkEmbeddingDim(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	var typmod int32
	err := pool.QueryRow(ctx,
		`SELECT atttypmod FROM pg_attribute
		 WHERE attrelid = 'vector_memories'::regclass AND attname = 'embedding'`,
	).Scan(&typmod)
	if err != nil {
		return fmt.Errorf("inspect embedding column: %w", err)
	}
	if int(typmod) != dim {
		return fmt.Errorf("vector_memories.embedding has %d dimensions, configured %d", typmod, dim)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Commit(ctx context.Context) error   { return txDone(t.tx.Commit(ctx)) }
func (t *pgTx) Rollback(ctx context.Context) error { return txDone(t.tx.Rollback(ctx)) }

func txDone(err error) error {
	if errors.Is(err, pgx.ErrTxClosed) {
		return ErrTxDone
	}
	return err
}

func (b *PostgresBackend) Begin(ctx context.Context) (Tx, error) {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, storageErr("begin", err)
	}
	return &pgTx{tx: tx}, nil
}

func pgTxFrom(tx Tx) (pgx.Tx, error) {
	t, ok := tx.(*pgTx)
	if !ok || t == nil {
		return nil, ErrForeignTx
	}
	return t.tx, nil
}

func (b *PostgresBackend) Users() UserStore     { return pgUsers{} }
func (b *PostgresBackend) Turns() TurnStore     { return pgTurns{} }
func (b *PostgresBackend) Vectors() VectorStore {
	return pgVectors{probes: b.opts.SearchProbes, iterativeScan: b.iterativeScan}
}

// LockConversation takes a transaction-scoped advisory lock keyed on the pair.
func (b *PostgresBackend) LockConversation(ctx context.Context, tx Tx, userID, sessionID string) error {
	ptx, err := pgTxFrom(tx)
	if err != nil {
		return err
	}
	if _, err := ptx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		userID+"\x00"+sessionID,
	); err != nil {
		return storageErr("lock conversation", err)
	}
	return nil
}

func (b *PostgresBackend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

func (b *PostgresBackend) Name() string { return "postgres" }

// Reindex rebuilds the ivfflat index so its lists are trained on the rows
// that exist now. An index built on an empty table has poor recall.
func (b *PostgresBackend) Reindex(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, `REINDEX INDEX idx_vector_memories_embedding`); err != nil {
		return storageErr("reindex embeddings", err)
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

type pgUsers struct{}

func (pgUsers) GetOrCreate(ctx context.Context, tx Tx, userID string, now time.Time) (User, bool, error) {
	ptx, err := pgTxFrom(tx)
	if err != nil {
		return User{}, false, err
	}
	var (
		u       User
		created bool
	)
	err = ptx.QueryRow(ctx,
		`INSERT INTO users (id, created_at, last_interaction) VALUES ($1, $2, $2)
		 ON CONFLICT (id) DO UPDATE SET last_interaction = EXCLUDED.last_interaction
		 RETURNING id, created_at, last_interaction, (xmax = 0)`,
		userID, now,
	).Scan(&u.ID, &u.CreatedAt, &u.LastInteraction, &created)
	if err != nil {
		return User{}, false, fmt.Errorf("upsert user: %w", err)
	}
	return u, created, nil
}

func (pgUsers) Get(ctx context.Context, tx Tx, userID string) (User, error) {
	ptx, err := pgTxFrom(tx)
	if err != nil {
		return User{}, err
	}
	var u User
	err = ptx.QueryRow(ctx,
		`SELECT id, created_at, last_interaction FROM users WHERE id=$1`, userID,
	).Scan(&u.ID, &u.CreatedAt, &u.LastInteraction)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, &NotFoundError{Kind: "user", ID: userID}
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

type pgTurns struct{}

const turnColumns = `id, user_id, session_id, role, content, turn_number, created_at, expires_at`

func (pgTurns) Insert(ctx context.Context, tx Tx, t ChatTurn) error {
	ptx, err := pgTxFrom(tx)
	if err != nil {
		return err
	}
	_, err = ptx.Exec(ctx,
		`INSERT INTO chat_history (`+turnColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.UserID, t.SessionID, string(t.Role), t.Content, t.TurnNumber, t.CreatedAt, t.ExpiresAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &ValidationError{Field: "turn_number", Reason: "already used in this session"}
	}
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	_, err = ptx.Exec(ctx,
		`INSERT INTO chat_sessions (user_id, session_id, last_turn_number, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, session_id) DO UPDATE
		 SET last_turn_number = GREATEST(chat_sessions.last_turn_number, EXCLUDED.last_turn_number),
		     updated_at = EXCLUDED.updated_at`,
		t.UserID, t.SessionID, t.TurnNumber, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save session high-water mark: %w", err)
	}
	return nil
}

func (pgTurns) LatestTurnNumber(ctx context.Context, tx Tx, userID, sessionID string) (int, bool, error) {
	ptx, err := pgTxFrom(tx)
	if err != nil {
		return 0, false, err
	}
	var latest int
	err = ptx.QueryRow(ctx,
		`SELECT last_turn_number FROM chat_sessions WHERE user_id=$1 AND session_id=$2`,
		userID, sessionID,
	).Scan(&latest)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("latest turn number: %w", err)
	}
	return latest, true, nil
}

// liveFilter builds the WHERE clause shared by turn queries.
func liveFilter(userID, sessionID string, now time.Time) (string, []any) {
	where := `user_id=$1 AND (expires_at IS NULL OR expires_at > $2)`
	args := []any{userID, now}
	if sessionID != "" {
		args = append(args, sessionID)
		where += fmt.Sprintf(" AND session_id=$%d", len(args))
	}
	return where, args
}

func (pgTurns) query(ctx context.Context, ptx pgx.Tx, sql string, args ...any) ([]ChatTurn, error) {
	rows, err := ptx.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	items := make([]ChatTurn, 0)
	for rows.Next() {
		var (
			t    ChatTurn
			role string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.SessionID, &role, &t.Content, &t.TurnNumber, &t.CreatedAt, &t.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Role = Role(role)
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return items, nil
}

func (s pgTurns) Recent(ctx context.Context, tx Tx, userID, sessionID string, limit int, now time.Time) ([]ChatTurn, error) {
	ptx, err := pgTxFrom(tx)
	if err != nil {
		return nil, err
	}
	where, args := liveFilter(userID, sessionID, now)
	order := `created_at DESC, turn_number DESC`
	if sessionID != "" {
		order = `turn_number DESC`
	}
	args = append(args, limit)
	return s.query(ctx, ptx,
		fmt.Sprintf(`SELECT %s FROM chat_history WHERE %s ORDER BY %s LIMIT $%d`, turnColumns, where, order, len(args)),
		args...,
	)
}

func (s pgTurns) Chronological(ctx context.Context, tx Tx, userID, sessionID string, now time.Time) ([]ChatTurn, error) {
	ptx, err := pgTxFrom(tx)
	if err != nil {
		return nil, err
	}
	where, args := liveFilter(userID, sessionID, now)
	order := `created_at ASC, turn_number ASC`
	if sessionID != "" {
		order = `turn_number ASC`
	}
	return s.query(ctx, ptx,
		fmt.Sprintf(`SELECT %s FROM chat_history WHERE %s ORDER BY %s`, turnColumns, where, order),
		args...,
	)
}

func (pgTurns) Count(ctx context.Context, tx Tx, userID, sessionID string, now time.Time) (int, error) {
	ptx, err := pgTxFrom(tx)
	if err != nil {
		return 0, err
	}
	where, args := liveFilter(userID, sessionID, now)
	var n int
	if err := ptx.QueryRow(ctx, `SELECT COUNT(*) FROM chat_history WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

func (pgTurns) DeleteByID(ctx context.Context, tx Tx, ids []string) (int, error) {
	ptx, err := pgTxFrom(tx)
	if err != nil {
		return 0, err
	}
	tag, err := ptx.Exec(ctx, `DELETE FROM chat_history WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete turns: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (pgTurns) DeleteExpired(ctx context.Context, tx Tx, now time.Time) (int, error) {
	ptx, err := pgTxFrom(tx)
	if err != nil {
		return 0, err
	}
	tag, err := ptx.Exec(ctx,
		`DELETE FROM chat_history WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired turns: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

type pgVectors struct {
	probes        int
	iterativeScan bool
}

const memoryColumns = `id, user_id, content, summary, memory_type, importance, embedding,
	source_session_id, access_count, last_accessed, created_at, updated_at`

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanMemory(row pgx.Row, extra ...any) (LongTermMemory, error) {
	var (
		m      LongTermMemory
		vec    pgvector.Vector
		source *string
	)
	dest := []any{
		&m.ID, &m.UserID, &m.Content, &m.Summary, &m.Type, &m.Importance, &vec,
		&source, &m.AccessCount, &m.LastAccessed, &m.CreatedAt, &m.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return LongTermMemory{}, err
	}
	m.Embedding = vec.Slice()
	if source != nil {
		m.SourceSessionID = *source
	}
	return m, nil
}

func (pgVectors) Insert(ctx context.Context, tx Tx, m LongTermMemory) error {
	ptx, err := pgTxFrom(tx)
	if err != nil {
		return err
	}
	_, err = ptx.Exec(ctx,
		`INSERT INTO vector_memories (`+memoryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.UserID, m.Content, m.Summary, m.Type, m.Importance, pgvector.NewVector(m.Embedding),
		nullable(m.SourceSessionID), m.AccessCount, m.LastAccessed, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func (pgVectors) Get(ctx context.Context, tx Tx, id string) (LongTermMemory, error) {
	ptx, err := pgTxFrom(tx)
	if err != nil {
		return LongTermMemory{}, err
	}
	m, err := scanMemory(ptx.QueryRow(ctx, `SELECT `+memoryColumns+` FROM vector_memories WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return LongTermMemory{}, &NotFoundError{Kind: "memory", ID: id}
	}
	if err != nil {
		return LongTermMemory{}, fmt.Errorf("get memory: %w", err)
	}
	return m, nil
}

func (pgVectors) List(ctx context.Context, tx Tx, opts ListOptions) ([]LongTermMemory, error) {
	ptx, err := pgTxFrom(tx)
	if err != nil {
		return nil, err
	}
	conds := []string{`user_id=$1`, `importance >= $2`}
	args := []any{opts.UserID, opts.MinImportance}
	if opts.Type != "" {
		args = append(args, opts.Type)
		conds = append(conds, fmt.Sprintf("memory_type=$%d", len(args)))
	}
	args = append(args, opts.Limit)
	rows, err := ptx.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM vector_memories WHERE %s ORDER BY importance DESC, seq ASC LIMIT $%d`,
			memoryColumns, strings.Join(conds, " AND "), len(args)),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	out := make([]LongTermMemory, 0)
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory rows: %w", err)
	}
	return out, nil
}

// Search selects the nearest neighbours and bumps their access stats in one
// statement, so the read and the bookkeeping share the caller's transaction.
func (s pgVectors) Search(ctx context.Context, tx Tx, opts SearchOptions, now time.Time) ([]ScoredMemory, error) {
	ptx, err := pgTxFrom(tx)
	if err != nil {
		return nil, err
	}
	if _, err := ptx.Exec(ctx, fmt.Sprintf(`SET LOCAL ivfflat.probes = %d`, s.probes)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}
	if s.iterativeScan {
		if _, err := ptx.Exec(ctx, `SET LOCAL ivfflat.iterative_scan = relaxed_order`); err != nil {
			return nil, fmt.Errorf("set ivfflat iterative scan: %w", err)
		}
	}

	rows, err := ptx.Query(ctx,
		`WITH hits AS (
			SELECT id, 1 - (embedding <=> $2) AS similarity
			FROM vector_memories
			WHERE user_id = $1 AND importance >= $3
			ORDER BY embedding <=> $2
			LIMIT $4
		)
		UPDATE vector_memories m
		SET access_count = m.access_count + 1, last_accessed = $5
		FROM hits
		WHERE m.id = hits.id
		RETURNING m.id, m.user_id, m.content, m.summary, m.memory_type, m.importance, m.embedding,
			m.source_session_id, m.access_count, m.last_accessed, m.created_at, m.updated_at,
			hits.similarity, m.seq`,
		opts.UserID, pgvector.NewVector(opts.Embedding), opts.MinImportance, opts.Limit, now,
	)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	type hit struct {
		ScoredMemory
		seq int64
	}
	hits := make([]hit, 0, opts.Limit)
	for rows.Next() {
		var h hit
		m, err := scanMemory(rows, &h.Similarity, &h.seq)
		if err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		h.Memory = m
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search rows: %w", err)
	}

	// RETURNING does not preserve the CTE ordering, and relaxed_order
	// iterative scans may not either.
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].seq < hits[j].seq
	})
	out := make([]ScoredMemory, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.ScoredMemory)
	}
	return out, nil
}

func (pgVectors) UpdateContent(ctx context.Context, tx Tx, id, content string, embedding []float32, now time.Time) (LongTermMemory, error) {
	ptx, err := pgTxFrom(tx)
	if err != nil {
		return LongTermMemory{}, err
	}
	m, err := scanMemory(ptx.QueryRow(ctx,
		`UPDATE vector_memories SET content=$2, embedding=$3, updated_at=$4 WHERE id=$1 RETURNING `+memoryColumns,
		id, content, pgvector.NewVector(embedding), now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return LongTermMemory{}, &NotFoundError{Kind: "memory", ID: id}
	}
	if err != nil {
		return LongTermMemory{}, fmt.Errorf("update memory: %w", err)
	}
	return m, nil
}

func (pgVectors) Count(ctx context.Context, tx Tx, userID string) (int, error) {
	ptx, err := pgTxFrom(tx)
	if err != nil {
		return 0, err
	}
	var n int
	if err := ptx.QueryRow(ctx, `SELECT COUNT(*) FROM vector_memories WHERE user_id=$1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

func (pgVectors) Delete(ctx context.Context, tx Tx, id string) (bool, error) {
	ptx, err := pgTxFrom(tx)
	if err != nil {
		return false, err
	}
	tag, err := ptx.Exec(ctx, `DELETE FROM vector_memories WHERE id=$1`, id)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
