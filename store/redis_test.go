package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, opts ...Option) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, opts...)
}

func TestRedisStoreConformance(t *testing.T) {
	runStoreConformance(t, newTestRedis)
}

func TestRedisStoreKeyPrefix(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	a := NewRedis(client, WithKeyPrefix("tenant_a"))
	b := NewRedis(client, WithKeyPrefix("tenant_b"))

	require.NoError(t, a.UpdateSession(ctx, testRecord("s1", time.Unix(100, 0).UTC())))

	_, err := b.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound, "prefixes isolate tenants")

	got, err := a.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
}

func TestRedisStoreCloseLeavesClientOpen(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedis(client)
	require.NoError(t, s.Close())
	assert.NoError(t, client.Ping(ctx).Err(), "caller owns the client lifecycle")
}
