package postgres

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/fabula/internal/store"
	"github.com/MrWong99/fabula/internal/story"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed persistence layer. All operations are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store around dsn, verifies connectivity, and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool wraps an existing pool without migrating.
func NewStoreWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying connection pool, shared with the advisory-lock
// locker and the energy gate.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases all connections held by the pool.
func (s *Store) Close() { s.pool.Close() }

// ─────────────────────────────────────────────────────────────────────────────
// StoryStore
// ─────────────────────────────────────────────────────────────────────────────

// GetStory implements [store.StoryStore].
func (s *Store) GetStory(ctx context.Context, id string) (*story.Story, error) {
	const q = `
		SELECT id, name, owner_id, cast_ids, human_char_id, setup, fabula,
		       summary, checkpoint, turn_char_id, COALESCE(reason, ''), created_at
		FROM   stories
		WHERE  id = $1`

	var st story.Story
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&st.ID, &st.Name, &st.OwnerID, &st.CastIDs, &st.HumanCharID,
		&st.Setup, &st.Fabula, &st.Summary, &st.Checkpoint, &st.TurnCharID,
		&st.Reason, &st.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get story: %w", err)
	}
	return &st, nil
}

// CreateStory implements [store.StoryStore].
func (s *Store) CreateStory(ctx context.Context, st *story.Story) (*story.Story, error) {
	if st.ID == "" {
		st.ID = newStoryID()
	}
	if st.TurnCharID == 0 {
		st.TurnCharID = st.HumanCharID
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("postgres store: create story: %w", err)
	}

	const q = `
		INSERT INTO stories
		    (id, name, owner_id, cast_ids, human_char_id, setup, fabula,
		     summary, checkpoint, turn_char_id, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''))
		RETURNING created_at`

	err := s.pool.QueryRow(ctx, q,
		st.ID, st.Name, st.OwnerID, st.CastIDs, st.HumanCharID,
		st.Setup, st.Fabula, st.Summary, st.Checkpoint, st.TurnCharID, st.Reason,
	).Scan(&st.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create story: %w", err)
	}
	return st, nil
}

// SetReason implements [store.StoryStore]. An empty reason is stored as NULL.
func (s *Store) SetReason(ctx context.Context, id string, reason string) error {
	const q = `UPDATE stories SET reason = NULLIF($2, '') WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, reason)
	if err != nil {
		return fmt.Errorf("postgres store: set reason: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetTurn implements [store.StoryStore].
func (s *Store) SetTurn(ctx context.Context, id string, charID int64) error {
	const q = `UPDATE stories SET turn_char_id = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, charID)
	if err != nil {
		return fmt.Errorf("postgres store: set turn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CommitCompaction implements [store.StoryStore]. Summary and checkpoint move
// together in one statement so a crash cannot separate them.
func (s *Store) CommitCompaction(ctx context.Context, id string, summary string, checkpoint int64) error {
	const q = `UPDATE stories SET summary = $2, checkpoint = $3 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, summary, checkpoint)
	if err != nil {
		return fmt.Errorf("postgres store: commit compaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// MessageLog
// ─────────────────────────────────────────────────────────────────────────────

// ReserveMessageID implements [store.MessageLog].
func (s *Store) ReserveMessageID(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT nextval('story_message_ids')`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres store: reserve message id: %w", err)
	}
	return id, nil
}

// Append implements [store.MessageLog].
func (s *Store) Append(ctx context.Context, m *story.Message) (int64, error) {
	const withID = `
		INSERT INTO story_messages
		    (id, story_id, char_id, text, token_length, token_usage, energy_usage)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`
	const autoID = `
		INSERT INTO story_messages
		    (story_id, char_id, text, token_length, token_usage, energy_usage)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	var row pgx.Row
	if m.ID != 0 {
		row = s.pool.QueryRow(ctx, withID,
			m.ID, m.StoryID, m.CharID, m.Text, m.TokenLength, m.TokenUsage, m.EnergyUsage)
	} else {
		row = s.pool.QueryRow(ctx, autoID,
			m.StoryID, m.CharID, m.Text, m.TokenLength, m.TokenUsage, m.EnergyUsage)
	}
	if err := row.Scan(&m.ID, &m.CreatedAt); err != nil {
		return 0, fmt.Errorf("postgres store: append message: %w", err)
	}
	return m.ID, nil
}

// Buffer implements [store.MessageLog].
func (s *Store) Buffer(ctx context.Context, storyID string, sinceID int64) ([]story.Message, error) {
	const q = `
		SELECT id, story_id, char_id, text, token_length, token_usage, energy_usage, created_at
		FROM   story_messages
		WHERE  story_id = $1 AND id > $2
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, storyID, sinceID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: load buffer: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[story.Message])
	if err != nil {
		return nil, fmt.Errorf("postgres store: load buffer: %w", err)
	}
	return msgs, nil
}

// BufferTokenSum implements [store.MessageLog].
func (s *Store) BufferTokenSum(ctx context.Context, storyID string, sinceID int64) (int, error) {
	const q = `
		SELECT COALESCE(SUM(token_length), 0)
		FROM   story_messages
		WHERE  story_id = $1 AND id > $2`

	var sum int
	if err := s.pool.QueryRow(ctx, q, storyID, sinceID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("postgres store: sum buffer tokens: %w", err)
	}
	return sum, nil
}

// List implements [store.MessageLog].
func (s *Store) List(ctx context.Context, storyID string, limit int) ([]story.Message, error) {
	q := `
		SELECT id, story_id, char_id, text, token_length, token_usage, energy_usage, created_at
		FROM   story_messages
		WHERE  story_id = $1
		ORDER  BY id`
	args := []any{storyID}
	if limit > 0 {
		// Most recent `limit` rows, still returned ascending.
		q = `
			SELECT id, story_id, char_id, text, token_length, token_usage, energy_usage, created_at
			FROM (
			    SELECT id, story_id, char_id, text, token_length, token_usage, energy_usage, created_at
			    FROM   story_messages
			    WHERE  story_id = $1
			    ORDER  BY id DESC
			    LIMIT  $2
			) recent
			ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[story.Message])
	if err != nil {
		return nil, fmt.Errorf("postgres store: list messages: %w", err)
	}
	return msgs, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// CharacterStore
// ─────────────────────────────────────────────────────────────────────────────

// Characters implements [store.CharacterStore]. Results are returned in the
// order of ids.
func (s *Store) Characters(ctx context.Context, ids []int64) ([]story.Character, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	const q = `
		SELECT id, name, bio, personality, created_at
		FROM   characters
		WHERE  id = ANY($1)`

	rows, err := s.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres store: load characters: %w", err)
	}
	chars, err := pgx.CollectRows(rows, pgx.RowToStructByPos[story.Character])
	if err != nil {
		return nil, fmt.Errorf("postgres store: load characters: %w", err)
	}

	byID := make(map[int64]story.Character, len(chars))
	for _, c := range chars {
		byID[c.ID] = c
	}
	ordered := make([]story.Character, 0, len(ids))
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("postgres store: character %d: %w", id, store.ErrNotFound)
		}
		ordered = append(ordered, c)
	}
	return ordered, nil
}

// CreateCharacter implements [store.CharacterStore].
func (s *Store) CreateCharacter(ctx context.Context, c *story.Character) (*story.Character, error) {
	const q = `
		INSERT INTO characters (name, bio, personality)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	err := s.pool.QueryRow(ctx, q, c.Name, c.Bio, c.Personality).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create character: %w", err)
	}
	return c, nil
}

// newStoryID returns a random 16-hex-character story id.
func newStoryID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
