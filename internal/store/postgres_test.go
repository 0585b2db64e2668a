package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/snare/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

var taskColumns = []string{"id", "url", "status", "state", "created_at", "updated_at", "result", "error"}

var fixedNow = time.Date(2025, 10, 26, 9, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T, logger *zap.Logger) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := NewPostgresStore(context.Background(), mockPool, logger)
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }
	return s, mockPool
}

func TestNewPostgresStorePingFails(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	pingErr := errors.New("database unavailable")
	mockPool.ExpectPing().WillReturnError(pingErr)

	_, err = NewPostgresStore(context.Background(), mockPool, zap.NewNop())
	assert.ErrorIs(t, err, pingErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresGet(t *testing.T) {
	ctx := context.Background()

	t.Run("decodes the record", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		created := fixedNow.Add(-time.Hour)
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectTask)).
			WithArgs("inv-1", fixedNow).
			WillReturnRows(pgxmock.NewRows(taskColumns).
				AddRow("inv-1", "https://scam.example/", "running", "FIND_REGISTER", created, fixedNow, []byte(`{"steps":3}`), ""))

		rec, err := s.Get(ctx, "inv-1")
		require.NoError(t, err)
		assert.Equal(t, schemas.TaskRunning, rec.Status)
		assert.Equal(t, "FIND_REGISTER", rec.State)
		assert.Equal(t, created, rec.CreatedAt)
		assert.Equal(t, float64(3), rec.Result["steps"])
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("missing row is ErrTaskNotFound", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectTask)).
			WithArgs("nope", fixedNow).
			WillReturnRows(pgxmock.NewRows(taskColumns))

		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, schemas.ErrTaskNotFound)
	})
}

func TestPostgresSetStoresExpiry(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	rec := &schemas.TaskRecord{ID: "inv-1", URL: "https://scam.example/", Status: schemas.TaskPending, CreatedAt: fixedNow, UpdatedAt: fixedNow}
	expires := fixedNow.Add(24 * time.Hour)

	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertTask)).
		WithArgs("inv-1", "https://scam.example/", "pending", "", fixedNow, fixedNow, []byte("{}"), "", &expires).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Set(context.Background(), rec, 24*time.Hour))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("merges inside a transaction", func(t *testing.T) {
		core, logs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(core))

		mockPool.ExpectBegin()
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectTaskForUpdate)).
			WithArgs("inv-1", fixedNow).
			WillReturnRows(pgxmock.NewRows(taskColumns).
				AddRow("inv-1", "https://scam.example/", "running", "LOAD_SITE", fixedNow, fixedNow, []byte(`{"recon":"ok"}`), ""))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpdateTask)).
			WithArgs("inv-1", "complete", "COMPLETE", fixedNow, []byte(`{"recon":"ok","wallets":1}`), "").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		rec, err := s.Update(ctx, "inv-1", schemas.TaskPatch{
			Status: schemas.TaskComplete,
			State:  "COMPLETE",
			Result: map[string]interface{}{"wallets": 1},
		})
		require.NoError(t, err)
		assert.Equal(t, schemas.TaskComplete, rec.Status)
		assert.Equal(t, "ok", rec.Result["recon"])
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, logs.All(), "no rollback errors after commit")
	})

	t.Run("missing row rolls back", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectBegin()
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectTaskForUpdate)).
			WithArgs("nope", fixedNow).
			WillReturnRows(pgxmock.NewRows(taskColumns))
		mockPool.ExpectRollback()

		_, err := s.Update(ctx, "nope", schemas.TaskPatch{Status: schemas.TaskError})
		assert.ErrorIs(t, err, schemas.ErrTaskNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresList(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlListTasks)).
		WithArgs(fixedNow).
		WillReturnRows(pgxmock.NewRows(taskColumns).
			AddRow("a", "https://a.example/", "complete", "COMPLETE", fixedNow, fixedNow, []byte("{}"), "").
			AddRow("b", "https://b.example/", "error", "ERROR", fixedNow, fixedNow, []byte("{}"), "budget_exceeded"))

	list, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Nil(t, list[0].Result)
	assert.Equal(t, "budget_exceeded", list[1].Error)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func sampleSession() *SessionRecord {
	return &SessionRecord{
		ID:                "sess-1",
		InvestigationID:   "inv-1",
		TargetURL:         "https://scam.example/",
		State:             "COMPLETE",
		TerminationReason: "completed",
		StartedAt:         fixedNow,
		EndedAt:           fixedNow.Add(3 * time.Minute),
		CostUSD:           0.0123,
		Summary:           map[string]interface{}{"total_steps": 2},
		Steps: []StepRecord{
			{Number: 1, State: "INIT", Source: "system", Action: "navigate", Outcome: "navigated", Timestamp: fixedNow},
			{Number: 2, State: "EXTRACT_WALLETS", Source: "vision", Action: "done", Timestamp: fixedNow},
		},
		Wallets: []WalletRecord{{Chain: "ETH", Address: "0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe", Source: "vision_done"}},
	}
}

func TestSaveSession(t *testing.T) {
	ctx := context.Background()

	t.Run("writes session, steps and wallets in one transaction", func(t *testing.T) {
		core, logs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(core))
		rec := sampleSession()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertSession)).
			WithArgs("sess-1", "inv-1", "https://scam.example/", "COMPLETE", "completed", "",
				fixedNow, fixedNow.Add(3*time.Minute), 0.0123, []byte(`{"total_steps":2}`)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"snare_session_steps"}, stepColumns).WillReturnResult(2)
		mockPool.ExpectCopyFrom(pgx.Identifier{"snare_wallets"}, walletColumns).WillReturnResult(1)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.SaveSession(ctx, rec))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, logs.All())
	})

	t.Run("already archived session is skipped", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertSession)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.SaveSession(ctx, sampleSession()))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("copy failure rolls back", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		copyErr := errors.New("disk full")

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertSession)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"snare_session_steps"}, stepColumns).WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := s.SaveSession(ctx, sampleSession())
		assert.ErrorIs(t, err, copyErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS snare_tasks").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
