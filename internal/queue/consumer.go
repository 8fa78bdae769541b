package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"conversation-engine/backend/pkg/logger"
	"conversation-engine/backend/pkg/observability"
	"conversation-engine/backend/pkg/retry"

	"golang.org/x/sync/errgroup"
)

// Handler processes one job. Returning nil acks it; an error wrapped with
// Poison drops it; any other error nacks it with backoff until MaxAttempts.
// Handlers must be idempotent: every backend may redeliver.
type Handler func(ctx context.Context, job *Job) error

type ConsumerConfig struct {
	Concurrency    int
	PollInterval   time.Duration
	JobTimeout     time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Second
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 5
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = c.RetryBaseDelay
	}
	return c
}

// Consumer dispatches jobs from any backend to registered handlers.
type Consumer struct {
	q        Queue
	cfg      ConsumerConfig
	log      *logger.Logger
	metrics  *observability.Metrics
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewConsumer(q Queue, cfg ConsumerConfig, log *logger.Logger, metrics *observability.Metrics) *Consumer {
	return &Consumer{
		q:        q,
		cfg:      cfg.withDefaults(),
		log:      log,
		metrics:  metrics,
		handlers: make(map[string]Handler),
	}
}

// Handle registers h for topic. Must be called before Run.
func (c *Consumer) Handle(topic string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = h
}

func (c *Consumer) handler(topic string) (Handler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[topic]
	return h, ok
}

// Run consumes every registered topic until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.RLock()
	topics := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		topics = append(topics, t)
	}
	c.mu.RUnlock()
	if len(topics) == 0 {
		return errors.New("queue: consumer has no handlers")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range topics {
		topic := topic
		switch q := c.q.(type) {
		case Puller:
			for i := 0; i < c.cfg.Concurrency; i++ {
				g.Go(func() error { return c.poll(ctx, q, topic) })
			}
		case Subscriber:
			g.Go(func() error { return c.subscribe(ctx, q, topic) })
		default:
			return fmt.Errorf("queue: backend %T can neither pull nor subscribe", c.q)
		}
	}

	c.log.Info("consumer started", "topics", topics, "concurrency", c.cfg.Concurrency)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Consumer) poll(ctx context.Context, q Puller, topic string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		job, err := q.Dequeue(ctx, topic)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.LogError(err, "dequeue failed", "topic", topic)
			if !sleep(ctx, c.cfg.PollInterval) {
				return nil
			}
			continue
		}
		if job == nil {
			if !sleep(ctx, c.cfg.PollInterval) {
				return nil
			}
			continue
		}
		c.Process(ctx, job)
	}
}

func (c *Consumer) subscribe(ctx context.Context, q Subscriber, topic string) error {
	sem := make(chan struct{}, c.cfg.Concurrency)
	var wg sync.WaitGroup
	err := q.Subscribe(ctx, topic, func(ctx context.Context, job *Job) {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() { <-sem; wg.Done() }()
			c.Process(ctx, job)
		}()
	})
	wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Process runs the handler for one job and settles it with the backend.
func (c *Consumer) Process(ctx context.Context, job *Job) {
	log := c.log.WithJob(job.ID, job.Topic, job.Attempts)

	h, ok := c.handler(job.Topic)
	if !ok {
		log.Error("no handler for topic, dropping job")
		c.settleDead(ctx, job, "no handler")
		return
	}

	jobCtx, cancel := context.WithTimeout(logger.IntoContext(ctx, log), c.cfg.JobTimeout)
	start := time.Now()
	err := runHandler(jobCtx, h, job)
	cancel()
	took := time.Since(start)

	// settle even when shutdown cancelled ctx mid-handler
	ctx = context.WithoutCancel(ctx)

	switch {
	case err == nil:
		c.metrics.Job(ctx, job.Topic, "ok", took)
		if ackErr := c.q.Ack(ctx, job); ackErr != nil {
			log.LogError(ackErr, "ack failed; job will be redelivered")
		}

	case errors.Is(err, ErrPoison):
		c.metrics.Job(ctx, job.Topic, "poison", took)
		log.LogError(err, "poison job dropped")
		c.settleDead(ctx, job, err.Error())

	case job.Attempts >= c.cfg.MaxAttempts:
		c.metrics.Job(ctx, job.Topic, "dead", took)
		log.LogError(err, "job exhausted attempts", "max_attempts", c.cfg.MaxAttempts)
		c.settleDead(ctx, job, err.Error())

	default:
		delay := retry.Delay(job.Attempts, c.cfg.RetryBaseDelay, c.cfg.RetryMaxDelay)
		c.metrics.Job(ctx, job.Topic, "retry", took)
		log.Warn("job failed, scheduling retry", "error", err.Error(), "retry_in", delay)
		if nackErr := c.q.Nack(ctx, job, delay); nackErr != nil {
			log.LogError(nackErr, "nack failed; job will reappear after its lease expires")
		}
	}
}

func (c *Consumer) settleDead(ctx context.Context, job *Job, reason string) {
	if dl, ok := c.q.(DeadLetterer); ok {
		if err := dl.DeadLetter(ctx, job, reason); err == nil {
			return
		}
	}
	if err := c.q.Ack(ctx, job); err != nil {
		c.log.LogError(err, "ack of dead job failed", "job_id", job.ID)
	}
}

func runHandler(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
