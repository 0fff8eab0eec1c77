package broker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, visibility time.Duration) *Redis {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client, err := NewRedisClient(ctx, addr, "", 0)
	require.NoError(t, err)

	stream := "feed-depot:test:" + uuid.NewString()
	b, err := NewRedis(ctx, client, RedisConfig{
		Stream:            stream,
		Group:             "workers",
		VisibilityTimeout: visibility,
		Block:             100 * time.Millisecond,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Del(context.Background(), stream)
		b.Close()
	})
	return b
}

func TestRedisPublishConsumeAck(t *testing.T) {
	b := newTestRedis(t, time.Minute)
	ctx := context.Background()

	job := NewFetchJob("feed-a", time.Now())
	require.NoError(t, b.Publish(ctx, job))

	d := consumeWithin(t, b, 2*time.Second)
	assert.Equal(t, job.ID, d.Job.ID)
	assert.Equal(t, "feed-a", d.Job.FeedID)
	assert.Equal(t, 1, d.Job.AttemptCount)

	require.NoError(t, b.Ack(ctx, d))

	health := b.Health(ctx)
	assert.Equal(t, "healthy", health["status"])
	assert.EqualValues(t, 0, health["length"])
}

func TestRedisRedeliversAfterVisibilityTimeout(t *testing.T) {
	b := newTestRedis(t, 200*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, NewFetchJob("feed-a", time.Now())))

	first := consumeWithin(t, b, 2*time.Second)
	assert.Equal(t, 1, first.Job.AttemptCount)

	second := consumeWithin(t, b, 2*time.Second)
	assert.Equal(t, first.Job.ID, second.Job.ID)
	assert.Equal(t, 2, second.Job.AttemptCount)

	require.NoError(t, b.Ack(ctx, second))
}

func TestRedisLease(t *testing.T) {
	b := newTestRedis(t, time.Minute)
	ctx := context.Background()
	key := "feed-depot:test:lease:" + uuid.NewString()
	t.Cleanup(func() { b.Client().Del(context.Background(), key) })

	a := NewLease(b.Client(), key, time.Second)
	other := NewLease(b.Client(), key, time.Second)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = other.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// renewal keeps the lease with its holder
	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, a.Release(ctx))

	ok, err = other.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
