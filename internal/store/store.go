package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned when a snapshot or action session id is unknown.
var ErrNotFound = errors.New("record not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists serialized snapshots and recorded action sessions in PostgreSQL.
// Snapshot blobs are stored byte for byte; their checksums stay verifiable after a round trip.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var (
	_ schemas.SnapshotStore      = (*Store)(nil)
	_ schemas.ActionSessionStore = (*Store)(nil)
)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

// Open connects a pgx pool to url and returns a Store plus the function that closes the pool.
func Open(ctx context.Context, url string, logger *zap.Logger) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS state_snapshots (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL DEFAULT '',
    url         TEXT NOT NULL DEFAULT '',
    version     TEXT NOT NULL,
    size        INTEGER NOT NULL,
    payload     BYTEA NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS action_sessions (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL DEFAULT '',
    seed_id     TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS action_session_steps (
    session_id  TEXT NOT NULL REFERENCES action_sessions(id) ON DELETE CASCADE,
    idx         INTEGER NOT NULL,
    type        TEXT NOT NULL,
    payload     JSONB NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (session_id, idx)
);`

// EnsureSchema creates the tables used by the store when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const sqlUpsertSnapshot = `
    INSERT INTO state_snapshots (id, name, url, version, size, payload, created_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7)
    ON CONFLICT (id) DO UPDATE SET
        name = EXCLUDED.name,
        url = EXCLUDED.url,
        version = EXCLUDED.version,
        size = EXCLUDED.size,
        payload = EXCLUDED.payload,
        created_at = EXCLUDED.created_at;
`

func (s *Store) SaveSnapshot(ctx context.Context, rec schemas.SnapshotRecord, blob []byte) error {
	if rec.ID == "" {
		return &schemas.ValidationError{Field: "id", Reason: "is required"}
	}
	if len(blob) == 0 {
		return &schemas.ValidationError{Field: "payload", Reason: "is empty"}
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.pool.Exec(ctx, sqlUpsertSnapshot,
		rec.ID, rec.Name, rec.URL, rec.Version, len(blob), blob, created.UTC())
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", rec.ID, err)
	}
	s.log.Debug("Snapshot saved.", zap.String("id", rec.ID), zap.Int("size", len(blob)))
	return nil
}

func (s *Store) LoadSnapshot(ctx context.Context, id string) ([]byte, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM state_snapshots WHERE id = $1`, id).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", id, err)
	}
	return blob, nil
}

func (s *Store) ListSnapshots(ctx context.Context) ([]schemas.SnapshotRecord, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, name, url, version, size, created_at
        FROM state_snapshots
        ORDER BY created_at DESC, id ASC;
    `)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []schemas.SnapshotRecord
	for rows.Next() {
		var rec schemas.SnapshotRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.URL, &rec.Version, &rec.Size, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM state_snapshots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	return nil
}

const sqlUpsertSession = `
    INSERT INTO action_sessions (id, name, seed_id, created_at)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (id) DO UPDATE SET
        name = EXCLUDED.name,
        seed_id = EXCLUDED.seed_id;
`

var stepColumns = []string{"session_id", "idx", "type", "payload", "occurred_at"}

// SaveActionSession replaces the stored session and all of its steps in one transaction.
func (s *Store) SaveActionSession(ctx context.Context, session *schemas.ActionSession) error {
	if session == nil || session.ID == "" {
		return &schemas.ValidationError{Field: "id", Reason: "is required"}
	}
	rows := make([][]any, len(session.Actions))
	for i, a := range session.Actions {
		payload, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to encode action %d: %w", i, err)
		}
		rows[i] = []any{session.ID, i, string(a.Type), payload, a.Timestamp.UTC()}
	}
	created := session.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlUpsertSession, session.ID, session.Name, session.SeedID, created.UTC()); err != nil {
		return fmt.Errorf("failed to save action session %s: %w", session.ID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM action_session_steps WHERE session_id = $1`, session.ID); err != nil {
		return fmt.Errorf("failed to clear steps of %s: %w", session.ID, err)
	}
	if len(rows) > 0 {
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"action_session_steps"}, stepColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy steps: %w", err)
		}
		if int(n) != len(rows) {
			return fmt.Errorf("mismatch in copied steps count: expected %d, got %d", len(rows), n)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) LoadActionSession(ctx context.Context, id string) (*schemas.ActionSession, error) {
	session := &schemas.ActionSession{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, seed_id, created_at FROM action_sessions WHERE id = $1`, id,
	).Scan(&session.ID, &session.Name, &session.SeedID, &session.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("action session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load action session %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM action_session_steps WHERE session_id = $1 ORDER BY idx ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		var a schemas.Action
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, fmt.Errorf("failed to decode step %d of %s: %w", len(session.Actions), id, err)
		}
		session.Actions = append(session.Actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return session, nil
}
