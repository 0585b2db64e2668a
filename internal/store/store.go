// Package store persists investigation task records and archives finished
// agent sessions. Three task backends share the schemas.TaskStore contract:
// an in-process map, Redis and PostgreSQL. Only PostgreSQL keeps session
// archives.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/snare/api/schemas"
	"github.com/xkilldash9x/snare/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Backend is a task store that holds resources until closed.
type Backend interface {
	schemas.TaskStore
	Close() error
}

// SessionArchiver keeps the full record of a finished agent session.
type SessionArchiver interface {
	SaveSession(ctx context.Context, rec *SessionRecord) error
}

// SessionRecord is the archived form of one agent session.
type SessionRecord struct {
	ID                string
	InvestigationID   string
	TargetURL         string
	State             string
	TerminationReason string
	PlaybookID        string
	StartedAt         time.Time
	EndedAt           time.Time
	CostUSD           float64
	Summary           map[string]interface{}
	Steps             []StepRecord
	Wallets           []WalletRecord
}

// StepRecord is one archived agent step.
type StepRecord struct {
	Number    int
	State     string
	Source    string
	Action    string
	Selector  string
	Outcome   string
	Error     string
	Timestamp time.Time
}

// WalletRecord is one wallet address found during a session.
type WalletRecord struct {
	Chain   string
	Address string
	Source  string
}

// Open builds the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return NewRedisStore(client, logger), nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		s, err := NewPostgresStore(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func cloneRecord(rec *schemas.TaskRecord) *schemas.TaskRecord {
	out := *rec
	if rec.Result != nil {
		out.Result = make(map[string]interface{}, len(rec.Result))
		for k, v := range rec.Result {
			out.Result[k] = v
		}
	}
	return &out
}
