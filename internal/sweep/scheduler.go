// Package sweep applies time-based transitions. The Scheduler only enqueues
// sweep jobs on a fixed cadence; the Worker consumes them and asks the
// lifecycle to close idle and expired conversations in batches.
package sweep

import (
	"context"
	"time"

	"conversation-engine/backend/internal/queue"
	"conversation-engine/backend/pkg/logger"

	"github.com/hashicorp/go-multierror"
)

type SchedulerConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Scheduler is a pure producer: it never touches conversation data.
type Scheduler struct {
	producer queue.Producer
	cfg      SchedulerConfig
	clock    func() time.Time
	log      *logger.Logger
}

func NewScheduler(producer queue.Producer, cfg SchedulerConfig, log *logger.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Scheduler{
		producer: producer,
		cfg:      cfg,
		clock:    func() time.Time { return time.Now().UTC() },
		log:      log,
	}
}

// Run ticks immediately and then every interval until ctx is cancelled.
// Enqueue failures are logged; the next tick tries again.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("sweep scheduler started", "interval", s.cfg.Interval, "batch_size", s.cfg.BatchSize)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			s.log.LogError(err, "sweep tick failed")
		}
		select {
		case <-ctx.Done():
			s.log.Info("sweep scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick enqueues one sweep_idle and one sweep_expired job.
func (s *Scheduler) Tick(ctx context.Context) error {
	payload := queue.SweepPayload{BatchSize: s.cfg.BatchSize, ScheduledAt: s.clock()}

	var result *multierror.Error
	for _, topic := range []string{queue.TopicSweepIdle, queue.TopicSweepExpired} {
		id, err := queue.EnqueueJSON(ctx, s.producer, topic, payload)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		s.log.Debug("sweep enqueued", "topic", topic, "job_id", id)
	}
	return result.ErrorOrNil()
}
