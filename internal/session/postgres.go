package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists voice sessions in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voice_sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'idle',
			call_id TEXT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NULL,
			duration TEXT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_sessions_status ON voice_sessions (status);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const sessionColumns = `id, agent_id, status, call_id, start_time, end_time, duration, metadata, created_at`

func (s *PostgresStore) Create(ctx context.Context, params CreateParams) (Session, error) {
	if err := params.validate(); err != nil {
		return Session{}, err
	}
	sess := newSession(uuid.NewString(), params, time.Now().UTC())

	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID,
		sess.AgentID,
		string(sess.Status),
		nullString(sess.CallID),
		sess.StartTime,
		sess.EndTime,
		nullString(sess.Duration),
		sess.Metadata,
		sess.CreatedAt,
	)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM voice_sessions WHERE id=$1`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, patch Patch) (Session, error) {
	if err := patch.validate(); err != nil {
		return Session{}, err
	}
	return s.mutate(ctx, id, func(sess *Session) { applyPatch(sess, patch) })
}

func (s *PostgresStore) End(ctx context.Context, id string, endTime time.Time, duration string) (Session, error) {
	return s.mutate(ctx, id, func(sess *Session) { applyEnd(sess, endTime, duration) })
}

// mutate applies fn to the locked row so merges behave the same as the
// in-memory store.
func (s *PostgresStore) mutate(ctx context.Context, id string, fn func(*Session)) (Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM voice_sessions WHERE id=$1 FOR UPDATE`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("lock session: %w", err)
	}

	fn(&sess)

	_, err = tx.Exec(ctx,
		`UPDATE voice_sessions
		 SET agent_id=$2, status=$3, call_id=$4, end_time=$5, duration=$6, metadata=$7
		 WHERE id=$1`,
		sess.ID,
		sess.AgentID,
		string(sess.Status),
		nullString(sess.CallID),
		sess.EndTime,
		nullString(sess.Duration),
		sess.Metadata,
	)
	if err != nil {
		return Session{}, fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Session{}, fmt.Errorf("commit session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		sess     Session
		status   string
		callID   *string
		duration *string
		metadata map[string]any
	)
	if err := row.Scan(
		&sess.ID,
		&sess.AgentID,
		&status,
		&callID,
		&sess.StartTime,
		&sess.EndTime,
		&duration,
		&metadata,
		&sess.CreatedAt,
	); err != nil {
		return Session{}, err
	}
	sess.Status = Status(status)
	if callID != nil {
		sess.CallID = *callID
	}
	if duration != nil {
		sess.Duration = *duration
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	sess.Metadata = metadata
	return sess, nil
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
