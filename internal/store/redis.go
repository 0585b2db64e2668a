package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/snare/api/schemas"
)

// KeyPrefix namespaces task records in Redis.
const KeyPrefix = "snare:task:"

const maxUpdateRetries = 5

// RedisStore keeps task records as JSON strings under KeyPrefix+id.
type RedisStore struct {
	client redis.UniversalClient
	log    *zap.Logger
	now    func() time.Time
}

var _ Backend = (*RedisStore)(nil)

// NewRedisStore wraps an already connected client.
func NewRedisStore(client redis.UniversalClient, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, log: logger.Named("redis_store"), now: time.Now}
}

func taskKey(id string) string { return KeyPrefix + id }

func decodeRecord(raw string) (*schemas.TaskRecord, error) {
	var rec schemas.TaskRecord
	if err := json.UnmarshalFromString(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode task record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*schemas.TaskRecord, error) {
	raw, err := s.client.Get(ctx, taskKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, schemas.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return decodeRecord(raw)
}

func (s *RedisStore) Set(ctx context.Context, rec *schemas.TaskRecord, ttl time.Duration) error {
	raw, err := json.MarshalToString(rec)
	if err != nil {
		return fmt.Errorf("failed to encode task record: %w", err)
	}
	if err := s.client.Set(ctx, taskKey(rec.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set task %s: %w", rec.ID, err)
	}
	return nil
}

// Update merges patch under WATCH so concurrent writers never lose fields.
// The key's TTL is preserved.
func (s *RedisStore) Update(ctx context.Context, id string, patch schemas.TaskPatch) (*schemas.TaskRecord, error) {
	key := taskKey(id)
	var updated *schemas.TaskRecord
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return schemas.ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		patch.Apply(rec, s.now().UTC())
		out, err := json.MarshalToString(rec)
		if err != nil {
			return fmt.Errorf("failed to encode task record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, out, redis.SetArgs{KeepTTL: true})
			return nil
		})
		if err == nil {
			updated = rec
		}
		return err
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			s.log.Debug("Task update raced, retrying.", zap.String("task_id", id), zap.Int("attempt", attempt+1))
			continue
		}
		if errors.Is(err, schemas.ErrTaskNotFound) {
			return nil, err
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update task %s: %w", id, err)
		}
		return updated, nil
	}
	return nil, fmt.Errorf("failed to update task %s: too much contention", id)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, taskKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// List scans KeyPrefix keys and returns the records oldest first. Keys that
// expire between SCAN and MGET are skipped.
func (s *RedisStore) List(ctx context.Context) ([]*schemas.TaskRecord, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, KeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan tasks: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	out := make([]*schemas.TaskRecord, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			s.log.Warn("Skipping undecodable task record.", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
