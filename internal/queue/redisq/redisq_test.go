package redisq

import (
	"context"
	"sync"
	"testing"
	"time"

	"conversation-engine/backend/internal/queue"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T) (*Queue, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(client, Options{Prefix: "test", VisibilityTimeout: 30 * time.Second, Now: c.Now}), c
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, err := queue.EnqueueJSON(ctx, q, queue.TopicGenerateResponse, queue.MessagePayload{MessageID: "m1"})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, queue.TopicGenerateResponse)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, queue.TopicGenerateResponse, job.Topic)

	var p queue.MessagePayload
	require.NoError(t, job.Decode(&p))
	assert.Equal(t, "m1", p.MessageID)

	empty, err := q.Dequeue(ctx, queue.TopicGenerateResponse)
	require.NoError(t, err)
	assert.Nil(t, empty)

	require.NoError(t, q.Ack(ctx, job))
	assert.ErrorIs(t, q.Ack(ctx, job), ErrLeaseLost)
}

func TestNackAndLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue(t)

	_, err := q.Enqueue(ctx, "t", []byte(`{}`))
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, job, 5*time.Second))

	none, err := q.Dequeue(ctx, "t")
	require.NoError(t, err)
	assert.Nil(t, none)

	c.Advance(5 * time.Second)
	second, err := q.Dequeue(ctx, "t")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.Attempts)

	// abandon the lease; it comes back after the visibility timeout
	c.Advance(31 * time.Second)
	third, err := q.Dequeue(ctx, "t")
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, 3, third.Attempts)
	assert.ErrorIs(t, q.Nack(ctx, second, 0), ErrLeaseLost)
}

func TestDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue(t)

	_, err := q.Enqueue(ctx, "t", []byte(`{}`))
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(ctx, job, "poison"))

	c.Advance(time.Hour)
	none, err := q.Dequeue(ctx, "t")
	require.NoError(t, err)
	assert.Nil(t, none)

	n, err := q.DeadCount(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
