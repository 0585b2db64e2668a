package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/snare/api/schemas"
)

// DBPool abstracts pgxpool.Pool so the store can be tested with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS snare_tasks (
    id          TEXT PRIMARY KEY,
    url         TEXT NOT NULL,
    status      TEXT NOT NULL,
    state       TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,
    result      JSONB NOT NULL DEFAULT '{}',
    error       TEXT NOT NULL DEFAULT '',
    expires_at  TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS snare_sessions (
    id                  TEXT PRIMARY KEY,
    investigation_id    TEXT NOT NULL,
    target_url          TEXT NOT NULL,
    state               TEXT NOT NULL,
    termination_reason  TEXT NOT NULL,
    playbook_id         TEXT NOT NULL DEFAULT '',
    started_at          TIMESTAMPTZ NOT NULL,
    ended_at            TIMESTAMPTZ NOT NULL,
    cost_usd            DOUBLE PRECISION NOT NULL DEFAULT 0,
    summary             JSONB NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS snare_session_steps (
    session_id  TEXT NOT NULL REFERENCES snare_sessions(id) ON DELETE CASCADE,
    number      INTEGER NOT NULL,
    state       TEXT NOT NULL,
    source      TEXT NOT NULL,
    action      TEXT NOT NULL,
    selector    TEXT NOT NULL DEFAULT '',
    outcome     TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    observed_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (session_id, number)
);
CREATE TABLE IF NOT EXISTS snare_wallets (
    session_id  TEXT NOT NULL REFERENCES snare_sessions(id) ON DELETE CASCADE,
    chain       TEXT NOT NULL,
    address     TEXT NOT NULL,
    source      TEXT NOT NULL,
    PRIMARY KEY (session_id, address)
);`

const (
	sqlSelectTask = `
        SELECT id, url, status, state, created_at, updated_at, result, error
        FROM snare_tasks
        WHERE id = $1 AND (expires_at IS NULL OR expires_at > $2)`
	sqlSelectTaskForUpdate = sqlSelectTask + `
        FOR UPDATE`
	sqlUpsertTask = `
        INSERT INTO snare_tasks (id, url, status, state, created_at, updated_at, result, error, expires_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO UPDATE SET
            url = EXCLUDED.url,
            status = EXCLUDED.status,
            state = EXCLUDED.state,
            updated_at = EXCLUDED.updated_at,
            result = EXCLUDED.result,
            error = EXCLUDED.error,
            expires_at = EXCLUDED.expires_at`
	sqlUpdateTask = `
        UPDATE snare_tasks
        SET status = $2, state = $3, updated_at = $4, result = $5, error = $6
        WHERE id = $1`
	sqlDeleteTask = `DELETE FROM snare_tasks WHERE id = $1`
	sqlListTasks  = `
        SELECT id, url, status, state, created_at, updated_at, result, error
        FROM snare_tasks
        WHERE expires_at IS NULL OR expires_at > $1
        ORDER BY created_at ASC, id ASC`
	sqlInsertSession = `
        INSERT INTO snare_sessions (id, investigation_id, target_url, state, termination_reason, playbook_id, started_at, ended_at, cost_usd, summary)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (id) DO NOTHING`
)

var (
	stepColumns   = []string{"session_id", "number", "state", "source", "action", "selector", "outcome", "error", "observed_at"}
	walletColumns = []string{"session_id", "chain", "address", "source"}
)

// PostgresStore keeps task records and session archives in PostgreSQL.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

var (
	_ Backend         = (*PostgresStore)(nil)
	_ SessionArchiver = (*PostgresStore)(nil)
)

// NewPostgresStore verifies the connection and returns the store.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool, log: logger.Named("postgres_store"), now: time.Now}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func scanTask(row pgx.Row) (*schemas.TaskRecord, error) {
	var (
		rec    schemas.TaskRecord
		status string
		result []byte
	)
	if err := row.Scan(&rec.ID, &rec.URL, &status, &rec.State, &rec.CreatedAt, &rec.UpdatedAt, &result, &rec.Error); err != nil {
		return nil, err
	}
	rec.Status = schemas.TaskStatus(status)
	if len(result) > 0 && string(result) != "{}" && string(result) != "null" {
		if err := json.Unmarshal(result, &rec.Result); err != nil {
			return nil, fmt.Errorf("failed to decode task result: %w", err)
		}
	}
	return &rec, nil
}

func encodeResult(result map[string]interface{}) ([]byte, error) {
	if len(result) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task result: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*schemas.TaskRecord, error) {
	rec, err := scanTask(s.pool.QueryRow(ctx, sqlSelectTask, id, s.now().UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, schemas.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return rec, nil
}

func (s *PostgresStore) Set(ctx context.Context, rec *schemas.TaskRecord, ttl time.Duration) error {
	result, err := encodeResult(rec.Result)
	if err != nil {
		return err
	}
	var expires *time.Time
	if ttl > 0 {
		at := s.now().Add(ttl).UTC()
		expires = &at
	}
	_, err = s.pool.Exec(ctx, sqlUpsertTask,
		rec.ID, rec.URL, string(rec.Status), rec.State,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(), result, rec.Error, expires)
	if err != nil {
		return fmt.Errorf("failed to set task %s: %w", rec.ID, err)
	}
	return nil
}

// Update locks the row, merges patch and writes it back in one transaction.
func (s *PostgresStore) Update(ctx context.Context, id string, patch schemas.TaskPatch) (rec *schemas.TaskRecord, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	rec, err = scanTask(tx.QueryRow(ctx, sqlSelectTaskForUpdate, id, s.now().UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, schemas.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}

	patch.Apply(rec, s.now().UTC())
	result, err := encodeResult(rec.Result)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, sqlUpdateTask, rec.ID, string(rec.Status), rec.State, rec.UpdatedAt, result, rec.Error); err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, sqlDeleteTask, id); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*schemas.TaskRecord, error) {
	rows, err := s.pool.Query(ctx, sqlListTasks, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []*schemas.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// SaveSession writes the session row, its steps and its wallets in a single
// transaction. Saving the same session twice is a no-op for the session row.
func (s *PostgresStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	summary, err := encodeResult(rec.Summary)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	tag, err := tx.Exec(ctx, sqlInsertSession,
		rec.ID, rec.InvestigationID, rec.TargetURL, rec.State, rec.TerminationReason, rec.PlaybookID,
		rec.StartedAt.UTC(), rec.EndedAt.UTC(), rec.CostUSD, summary)
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		s.log.Debug("Session already archived.", zap.String("session_id", rec.ID))
		return tx.Commit(ctx)
	}

	if len(rec.Steps) > 0 {
		rows := make([][]any, len(rec.Steps))
		for i, st := range rec.Steps {
			rows[i] = []any{rec.ID, st.Number, st.State, st.Source, st.Action, st.Selector, st.Outcome, st.Error, st.Timestamp.UTC()}
		}
		if err := copyRows(ctx, tx, "snare_session_steps", stepColumns, rows); err != nil {
			return err
		}
	}
	if len(rec.Wallets) > 0 {
		rows := make([][]any, len(rec.Wallets))
		for i, w := range rec.Wallets {
			rows[i] = []any{rec.ID, w.Chain, w.Address, w.Source}
		}
		if err := copyRows(ctx, tx, "snare_wallets", walletColumns, rows); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func copyRows(ctx context.Context, tx pgx.Tx, table string, columns []string, rows [][]any) error {
	n, err := tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", table, err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("mismatch in copied %s count: expected %d, got %d", table, len(rows), n)
	}
	return nil
}

// rollback is deferred after Begin. It is a no-op once the tx is committed.
func (s *PostgresStore) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.log.Error("Failed to rollback transaction", zap.Error(err))
	}
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
