package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c := Load()

	assert.Equal(t, QueueSQLite, c.Queue.Backend)
	assert.Equal(t, 0.6, c.Closure.SuspectThreshold)
	assert.Equal(t, 0.8, c.Closure.CloseThreshold)
	assert.Equal(t, 100, c.Sweep.BatchSize)
	require.NoError(t, c.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "RabbitMQ")
	t.Setenv("IDLE_TIMEOUT", "5m")
	t.Setenv("SWEEP_BATCH_SIZE", "7")
	t.Setenv("CLOSURE_CLOSE_THRESHOLD", "0.9")

	c := Load()

	assert.Equal(t, QueueRabbitMQ, c.Queue.Backend)
	assert.Equal(t, 5*time.Minute, c.Lifecycle.IdleTimeout)
	assert.Equal(t, 7, c.Sweep.BatchSize)
	assert.Equal(t, 0.9, c.Closure.CloseThreshold)
}

func TestValidate(t *testing.T) {
	c := Load()
	c.Closure.SuspectThreshold = 0.9
	c.Closure.CloseThreshold = 0.8
	assert.Error(t, c.Validate())

	c = Load()
	c.Queue.Backend = "kafka"
	assert.Error(t, c.Validate())

	c = Load()
	c.Queue.Backend = QueueSQS
	assert.Error(t, c.Validate(), "sqs needs a queue url prefix")
	c.Queue.SQSQueuePrefix = "https://sqs.us-east-1.amazonaws.com/123456789012/"
	assert.NoError(t, c.Validate())
}
