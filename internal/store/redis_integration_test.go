//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/snare/api/schemas"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	addr, err := c.PortEndpoint(ctx, "6379/tcp", "")
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisStoreAgainstContainer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	client := startRedis(t)
	s := NewRedisStore(client, zaptest.NewLogger(t))
	defer s.Close()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.Set(ctx, newRecord("a", now), time.Hour))
	require.NoError(t, s.Set(ctx, newRecord("b", now.Add(time.Second)), 0))

	ttl, err := client.TTL(ctx, KeyPrefix+"a").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)

	// Concurrent patches must all land.
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		key := string(rune('a' + i))
		g.Go(func() error {
			_, err := s.Update(ctx, "a", schemas.TaskPatch{Result: map[string]interface{}{key: true}})
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, got.Result, 10)

	ttl, err = client.TTL(ctx, KeyPrefix+"a").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "update keeps the ttl")

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, schemas.ErrTaskNotFound)
}
