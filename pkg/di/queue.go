package di

import (
	"context"
	"fmt"

	"conversation-engine/backend/internal/queue"
	"conversation-engine/backend/internal/queue/rabbitmq"
	"conversation-engine/backend/internal/queue/redisq"
	"conversation-engine/backend/internal/queue/sqliteq"
	"conversation-engine/backend/internal/queue/sqsq"
	"conversation-engine/backend/pkg/config"
	"conversation-engine/backend/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// NewQueue opens the backend selected by QUEUE_BACKEND. redisClient is only
// used by the redis backend and may be nil otherwise.
func NewQueue(ctx context.Context, cfg *config.Config, redisClient redis.UniversalClient, log *logger.Logger) (queue.Queue, error) {
	q := cfg.Queue
	switch q.Backend {
	case config.QueueSQLite:
		return sqliteq.Open(q.SQLitePath, sqliteq.Options{VisibilityTimeout: q.VisibilityTimeout})
	case config.QueueRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("di: redis queue backend needs a redis client")
		}
		return redisq.New(redisClient, redisq.Options{Prefix: q.RedisKey, VisibilityTimeout: q.VisibilityTimeout}), nil
	case config.QueueRabbitMQ:
		return rabbitmq.Dial(rabbitmq.Config{
			URL:      q.RabbitURL,
			Exchange: q.RabbitExchange,
			Prefetch: q.RabbitPrefetch,
			PoolSize: q.RabbitPoolSize,
		}, log)
	case config.QueueSQS:
		client, err := sqsq.NewClient(ctx, q.SQSRegion, q.SQSEndpoint)
		if err != nil {
			return nil, err
		}
		return sqsq.New(client, sqsq.Options{
			URLPrefix:         q.SQSQueuePrefix,
			VisibilityTimeout: q.VisibilityTimeout,
			WaitTime:          q.SQSWaitTime,
			DeadSuffix:        q.SQSDeadSuffix,
		})
	default:
		return nil, fmt.Errorf("di: unknown queue backend %q", q.Backend)
	}
}

// ConsumerConfig maps queue settings onto the consumer runtime.
func ConsumerConfig(cfg *config.Config) queue.ConsumerConfig {
	return queue.ConsumerConfig{
		Concurrency:    cfg.Queue.Concurrency,
		PollInterval:   cfg.Queue.PollInterval,
		JobTimeout:     cfg.Queue.JobTimeout,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		RetryBaseDelay: cfg.Queue.RetryBaseDelay,
		RetryMaxDelay:  cfg.Queue.RetryMaxDelay,
	}
}
