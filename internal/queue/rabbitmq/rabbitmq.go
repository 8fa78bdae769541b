// Package rabbitmq is the push broker backend. Retries are scheduled with a
// per-topic delay queue using per-message TTL and dead-lettering back to the
// work queue; the attempt count travels in a header.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"conversation-engine/backend/internal/queue"
	"conversation-engine/backend/pkg/logger"
	"conversation-engine/backend/pkg/retry"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrUnknownDelivery = errors.New("rabbitmq: unknown or already settled delivery")

type Config struct {
	URL      string
	Exchange string
	Prefetch int
	PoolSize int
}

type Queue struct {
	cfg Config
	log *logger.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	pool     *channelPool
	declared map[string]bool

	pending sync.Map
}

var (
	_ queue.Subscriber   = (*Queue)(nil)
	_ queue.DeadLetterer = (*Queue)(nil)
)

// Dial connects to the broker. Topology is declared lazily per topic.
func Dial(cfg Config, log *logger.Logger) (*Queue, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "conversation.jobs"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	q := &Queue{cfg: cfg, log: log, declared: make(map[string]bool)}
	if _, err := q.connection(); err != nil {
		return nil, err
	}
	return q, nil
}

// connection returns a live connection, redialling when the old one closed.
func (q *Queue) connection() (*amqp.Connection, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.conn != nil && !q.conn.IsClosed() {
		return q.conn, nil
	}
	conn, err := amqp.Dial(q.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	if q.pool != nil {
		q.pool.close()
	}
	q.conn = conn
	q.pool = newChannelPool(conn, q.cfg.PoolSize)
	q.declared = make(map[string]bool)
	return conn, nil
}

// withChannel borrows a publishing channel with the topic topology declared.
func (q *Queue) withChannel(ctx context.Context, topic string, fn func(ch *amqp.Channel) error) error {
	if _, err := q.connection(); err != nil {
		return err
	}
	q.mu.Lock()
	pool := q.pool
	q.mu.Unlock()

	ch, err := pool.borrow(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq: borrow channel: %w", err)
	}
	defer pool.give(ch)

	if err := q.ensureTopology(ch, topic); err != nil {
		return err
	}
	return fn(ch)
}

func (q *Queue) ensureTopology(ch *amqp.Channel, topic string) error {
	q.mu.Lock()
	done := q.declared[topic]
	q.mu.Unlock()
	if done {
		return nil
	}
	if err := declare(ch, q.cfg.Exchange, topic); err != nil {
		return fmt.Errorf("rabbitmq: declare %s: %w", topic, err)
	}
	q.mu.Lock()
	q.declared[topic] = true
	q.mu.Unlock()
	return nil
}

func publishing(id string, payload []byte, attempts int) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
		Headers:      amqp.Table{headerAttempts: int32(attempts)},
	}
}

func (q *Queue) Enqueue(ctx context.Context, topic string, payload []byte, opts ...queue.EnqueueOption) (string, error) {
	id := uuid.Must(uuid.NewV7()).String()
	delay := queue.ApplyOptions(opts)

	err := q.withChannel(ctx, topic, func(ch *amqp.Channel) error {
		msg := publishing(id, payload, 0)
		if delay > 0 {
			msg.Expiration = expiration(delay)
			return ch.PublishWithContext(ctx, "", namesFor(q.cfg.Exchange, topic).delay, false, false, msg)
		}
		return ch.PublishWithContext(ctx, q.cfg.Exchange, topic, false, false, msg)
	})
	if err != nil {
		return "", fmt.Errorf("rabbitmq: enqueue %s: %w", topic, err)
	}
	return id, nil
}

// Subscribe consumes topic until ctx is done, reconnecting with backoff when
// the channel or connection drops.
func (q *Queue) Subscribe(ctx context.Context, topic string, deliver queue.Delivery) error {
	for attempt := 1; ; attempt++ {
		err := q.consume(ctx, topic, deliver)
		if ctx.Err() != nil {
			return nil
		}
		wait := retry.Delay(attempt, time.Second, 30*time.Second)
		q.log.Warn("rabbitmq consumer interrupted, reconnecting", "topic", topic, "error", err, "retry_in", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (q *Queue) consume(ctx context.Context, topic string, deliver queue.Delivery) error {
	conn, err := q.connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer safeClose(ch)

	if err := ch.Qos(q.cfg.Prefetch, 0, false); err != nil {
		return err
	}
	if err := declare(ch, q.cfg.Exchange, topic); err != nil {
		return err
	}
	msgs, err := ch.Consume(namesFor(q.cfg.Exchange, topic).main, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	q.log.Info("rabbitmq consumer started", "topic", topic)
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errConnClosed
			}
			return amqpErr
		case d, ok := <-msgs:
			if !ok {
				return errConnClosed
			}
			receipt := uuid.NewString()
			q.pending.Store(receipt, d)
			deliver(ctx, &queue.Job{
				ID:         d.MessageId,
				Topic:      topic,
				Payload:    d.Body,
				Attempts:   attemptsFrom(d.Headers, d.Redelivered),
				EnqueuedAt: d.Timestamp,
				Receipt:    receipt,
			})
		}
	}
}

func (q *Queue) take(job *queue.Job) (amqp.Delivery, error) {
	v, ok := q.pending.LoadAndDelete(job.Receipt)
	if !ok {
		return amqp.Delivery{}, ErrUnknownDelivery
	}
	return v.(amqp.Delivery), nil
}

func (q *Queue) Ack(_ context.Context, job *queue.Job) error {
	d, err := q.take(job)
	if err != nil {
		return err
	}
	return d.Ack(false)
}

// Nack republishes the job to the delay queue and acks the original. If the
// republish fails the broker requeues the original immediately.
func (q *Queue) Nack(ctx context.Context, job *queue.Job, retryAfter time.Duration) error {
	d, err := q.take(job)
	if err != nil {
		return err
	}

	err = q.withChannel(ctx, job.Topic, func(ch *amqp.Channel) error {
		msg := publishing(job.ID, job.Payload, job.Attempts)
		msg.Expiration = expiration(retryAfter)
		return ch.PublishWithContext(ctx, "", namesFor(q.cfg.Exchange, job.Topic).delay, false, false, msg)
	})
	if err != nil {
		q.log.LogError(err, "rabbitmq retry publish failed, requeueing", "job_id", job.ID)
		return d.Nack(false, true)
	}
	return d.Ack(false)
}

// DeadLetter parks the job on the topic's dead queue.
func (q *Queue) DeadLetter(ctx context.Context, job *queue.Job, reason string) error {
	d, err := q.take(job)
	if err != nil {
		return err
	}

	err = q.withChannel(ctx, job.Topic, func(ch *amqp.Channel) error {
		msg := publishing(job.ID, job.Payload, job.Attempts)
		msg.Headers[headerDeadReason] = reason
		return ch.PublishWithContext(ctx, "", namesFor(q.cfg.Exchange, job.Topic).dead, false, false, msg)
	})
	if err != nil {
		q.pending.Store(job.Receipt, d)
		return err
	}
	return d.Ack(false)
}

func (q *Queue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.conn == nil || q.conn.IsClosed() {
		return errConnClosed
	}
	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pool != nil {
		q.pool.close()
	}
	if q.conn != nil && !q.conn.IsClosed() {
		return q.conn.Close()
	}
	return nil
}
