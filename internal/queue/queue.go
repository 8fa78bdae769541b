// Package queue is the transport between producers and workers. It knows
// nothing about conversations: jobs are opaque payloads grouped by topic.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Job is one unit of deferred work.
type Job struct {
	ID      string
	Topic   string
	Payload []byte
	// Attempts counts deliveries including the current one.
	Attempts   int
	NotBefore  time.Time
	EnqueuedAt time.Time
	// Receipt is the backend handle needed to ack or nack this delivery.
	Receipt string
}

// Decode unmarshals the JSON payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Poison(fmt.Errorf("decode %s payload: %w", j.Topic, err))
	}
	return nil
}

type enqueueOptions struct {
	delay time.Duration
}

// EnqueueOption customises a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

// WithDelay hides the job for d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// ApplyOptions resolves options; used by backends.
func ApplyOptions(opts []EnqueueOption) (delay time.Duration) {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.delay < 0 {
		return 0
	}
	return o.delay
}

type Producer interface {
	Enqueue(ctx context.Context, topic string, payload []byte, opts ...EnqueueOption) (string, error)
}

// Queue is the contract shared by every backend. A backend additionally
// implements Puller or Subscriber.
type Queue interface {
	Producer
	Ack(ctx context.Context, job *Job) error
	// Nack returns the job to the queue, visible again after retryAfter.
	Nack(ctx context.Context, job *Job, retryAfter time.Duration) error
	Close() error
}

// Puller is implemented by backends workers poll.
type Puller interface {
	Queue
	// Dequeue leases the next ready job, or returns nil when none is ready.
	// An unacked lease becomes visible again after the visibility timeout.
	Dequeue(ctx context.Context, topic string) (*Job, error)
}

// Delivery receives jobs pushed by a Subscriber.
type Delivery func(ctx context.Context, job *Job)

// Subscriber is implemented by broker backends that push jobs.
type Subscriber interface {
	Queue
	// Subscribe blocks, invoking deliver for each job, until ctx is done.
	Subscribe(ctx context.Context, topic string, deliver Delivery) error
}

// DeadLetterer is implemented by backends with a native dead-letter route.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, job *Job, reason string) error
}

// EnqueueJSON marshals v and enqueues it.
func EnqueueJSON(ctx context.Context, p Producer, topic string, v any, opts ...EnqueueOption) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("queue: encode %s payload: %w", topic, err)
	}
	return p.Enqueue(ctx, topic, payload, opts...)
}

var ErrPoison = errors.New("queue: poison job")

type poisonError struct{ err error }

func (e *poisonError) Error() string        { return "poison: " + e.err.Error() }
func (e *poisonError) Unwrap() error        { return e.err }
func (e *poisonError) Is(target error) bool { return target == ErrPoison }

// Poison marks err as permanent: the job is dropped instead of retried.
func Poison(err error) error {
	if err == nil {
		return nil
	}
	return &poisonError{err: err}
}
