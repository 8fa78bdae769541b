// Package redisq is the networked pull queue on Redis. Each topic owns a
// ready sorted set (score = visible-at) and a leased sorted set (score =
// lease expiry); Lua scripts keep lease moves atomic.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"conversation-engine/backend/internal/queue"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseLost means the lease expired and the job was handed to another worker.
var ErrLeaseLost = errors.New("redisq: lease lost")

var dequeueScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], ARGV[1], id)
  redis.call('HDEL', KEYS[5], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', KEYS[5], id, ARGV[3])
local attempts = redis.call('HINCRBY', KEYS[4], id, 1)
local body = redis.call('HGET', KEYS[3], id)
return {id, body, attempts}
`)

var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[5], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
return 1
`)

var nackScript = redis.NewScript(`
if redis.call('HGET', KEYS[5], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

var deadScript = redis.NewScript(`
if redis.call('HGET', KEYS[5], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('RPUSH', KEYS[6], ARGV[3])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

type Options struct {
	Prefix            string
	VisibilityTimeout time.Duration
	Now               func() time.Time
}

type Queue struct {
	client     redis.UniversalClient
	prefix     string
	visibility time.Duration
	now        func() time.Time
}

var (
	_ queue.Puller       = (*Queue)(nil)
	_ queue.DeadLetterer = (*Queue)(nil)
)

func New(client redis.UniversalClient, opts Options) *Queue {
	if opts.Prefix == "" {
		opts.Prefix = "convq"
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{client: client, prefix: opts.Prefix, visibility: opts.VisibilityTimeout, now: opts.Now}
}

type envelope struct {
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type deadRecord struct {
	ID       string    `json:"id"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	Payload  []byte    `json:"payload"`
	DiedAt   time.Time `json:"died_at"`
}

// keys order is shared by every script.
func (q *Queue) keys(topic string) []string {
	return []string{
		fmt.Sprintf("%s:%s:ready", q.prefix, topic),
		fmt.Sprintf("%s:%s:leased", q.prefix, topic),
		q.prefix + ":jobs",
		q.prefix + ":attempts",
		q.prefix + ":leases",
		fmt.Sprintf("%s:%s:dead", q.prefix, topic),
	}
}

func (q *Queue) Enqueue(ctx context.Context, topic string, payload []byte, opts ...queue.EnqueueOption) (string, error) {
	now := q.now()
	id := uuid.Must(uuid.NewV7()).String()
	body, err := json.Marshal(envelope{Topic: topic, Payload: payload, EnqueuedAt: now})
	if err != nil {
		return "", fmt.Errorf("redisq: encode: %w", err)
	}

	keys := q.keys(topic)
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, keys[2], id, body)
		p.ZAdd(ctx, keys[0], redis.Z{Score: float64(now.Add(queue.ApplyOptions(opts)).UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redisq: enqueue %s: %w", topic, err)
	}
	return id, nil
}

func (q *Queue) Dequeue(ctx context.Context, topic string) (*queue.Job, error) {
	now := q.now()
	token := uuid.NewString()

	res, err := dequeueScript.Run(ctx, q.client, q.keys(topic),
		now.UnixMilli(), now.Add(q.visibility).UnixMilli(), token).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisq: dequeue %s: %w", topic, err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("redisq: dequeue %s: unexpected reply %v", topic, res)
	}

	id, _ := res[0].(string)
	body, _ := res[1].(string)
	attempts, _ := res[2].(int64)

	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("redisq: decode job %s: %w", id, err)
	}
	return &queue.Job{
		ID:         id,
		Topic:      env.Topic,
		Payload:    env.Payload,
		Attempts:   int(attempts),
		EnqueuedAt: env.EnqueuedAt,
		Receipt:    token,
	}, nil
}

func (q *Queue) settle(ctx context.Context, script *redis.Script, job *queue.Job, args ...any) error {
	n, err := script.Run(ctx, q.client, q.keys(job.Topic), append([]any{job.ID, job.Receipt}, args...)...).Int()
	if err != nil {
		return fmt.Errorf("redisq: settle %s: %w", job.ID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *Queue) Ack(ctx context.Context, job *queue.Job) error {
	return q.settle(ctx, ackScript, job)
}

func (q *Queue) Nack(ctx context.Context, job *queue.Job, retryAfter time.Duration) error {
	return q.settle(ctx, nackScript, job, q.now().Add(retryAfter).UnixMilli())
}

// DeadLetter moves the job to the topic's dead list.
func (q *Queue) DeadLetter(ctx context.Context, job *queue.Job, reason string) error {
	rec, err := json.Marshal(deadRecord{
		ID: job.ID, Reason: reason, Attempts: job.Attempts, Payload: job.Payload, DiedAt: q.now(),
	})
	if err != nil {
		return fmt.Errorf("redisq: encode dead record: %w", err)
	}
	return q.settle(ctx, deadScript, job, rec)
}

// DeadCount returns the length of the topic's dead list.
func (q *Queue) DeadCount(ctx context.Context, topic string) (int64, error) {
	return q.client.LLen(ctx, q.keys(topic)[5]).Result()
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close is a no-op: the client is owned by the caller.
func (q *Queue) Close() error { return nil }
