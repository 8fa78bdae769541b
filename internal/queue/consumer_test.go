package queue_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"conversation-engine/backend/internal/queue"
	"conversation-engine/backend/internal/queue/sqliteq"
	"conversation-engine/backend/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openQueue(t *testing.T) *sqliteq.Queue {
	t.Helper()
	q, err := sqliteq.Open(filepath.Join(t.TempDir(), "q.db"), sqliteq.Options{VisibilityTimeout: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func testConfig() queue.ConsumerConfig {
	return queue.ConsumerConfig{
		Concurrency:    2,
		PollInterval:   5 * time.Millisecond,
		JobTimeout:     time.Second,
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	}
}

func dequeue(t *testing.T, q *sqliteq.Queue, topic string) *queue.Job {
	t.Helper()
	var job *queue.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = q.Dequeue(context.Background(), topic)
		require.NoError(t, err)
		return job != nil
	}, time.Second, 5*time.Millisecond)
	return job
}

func TestProcessAcksOnSuccess(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t)
	c := queue.NewConsumer(q, testConfig(), logger.Nop(), nil)
	c.Handle("t", func(context.Context, *queue.Job) error { return nil })

	_, err := queue.EnqueueJSON(ctx, q, "t", map[string]string{"k": "v"})
	require.NoError(t, err)

	c.Process(ctx, dequeue(t, q, "t"))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestProcessRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t)
	c := queue.NewConsumer(q, testConfig(), logger.Nop(), nil)

	var calls int
	c.Handle("t", func(context.Context, *queue.Job) error {
		calls++
		return errors.New("backend down")
	})

	_, err := q.Enqueue(ctx, "t", []byte(`{}`))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		job := dequeue(t, q, "t")
		assert.Equal(t, i, job.Attempts)
		c.Process(ctx, job)
	}
	assert.Equal(t, 3, calls)

	next, err := q.Dequeue(ctx, "t")
	require.NoError(t, err)
	assert.Nil(t, next)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Dead)
}

func TestProcessDropsPoison(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t)
	c := queue.NewConsumer(q, testConfig(), logger.Nop(), nil)
	c.Handle("t", func(ctx context.Context, job *queue.Job) error {
		var p queue.MessagePayload
		return job.Decode(&p)
	})

	_, err := q.Enqueue(ctx, "t", []byte(`not json`))
	require.NoError(t, err)

	c.Process(ctx, dequeue(t, q, "t"))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Dead)
}

func TestProcessRecoversPanics(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t)
	c := queue.NewConsumer(q, testConfig(), logger.Nop(), nil)
	c.Handle("t", func(context.Context, *queue.Job) error { panic("boom") })

	_, err := q.Enqueue(ctx, "t", []byte(`{}`))
	require.NoError(t, err)

	assert.NotPanics(t, func() { c.Process(ctx, dequeue(t, q, "t")) })
	assert.NotNil(t, dequeue(t, q, "t"), "panicking job is retried")
}

func TestRunDrainsTopics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := openQueue(t)
	c := queue.NewConsumer(q, testConfig(), logger.Nop(), nil)

	var handled atomic.Int32
	for _, topic := range []string{queue.TopicSweepIdle, queue.TopicSweepExpired} {
		c.Handle(topic, func(context.Context, *queue.Job) error {
			handled.Add(1)
			return nil
		})
		for i := 0; i < 3; i++ {
			_, err := q.Enqueue(ctx, topic, []byte(`{}`))
			require.NoError(t, err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return handled.Load() == 6 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestRunWithoutHandlers(t *testing.T) {
	c := queue.NewConsumer(openQueue(t), testConfig(), logger.Nop(), nil)
	assert.Error(t, c.Run(context.Background()))
}
