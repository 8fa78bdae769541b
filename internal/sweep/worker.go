package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conversation-engine/backend/internal/models"
	"conversation-engine/backend/internal/queue"
	"conversation-engine/backend/internal/repository"
	"conversation-engine/backend/internal/service"
	apperrors "conversation-engine/backend/pkg/errors"
	"conversation-engine/backend/pkg/logger"
	"conversation-engine/backend/pkg/observability"

	"github.com/hashicorp/go-multierror"
)

type Kind string

const (
	KindIdle    Kind = "idle"
	KindExpired Kind = "expired"
)

type WorkerConfig struct {
	IdleTimeout time.Duration
	// MaxBatch caps the batch size hint carried by the job.
	MaxBatch int
	// MaxContinuations bounds how often a full batch re-enqueues itself
	// before waiting for the next scheduler tick.
	MaxContinuations int
}

// Report summarises one sweep batch.
type Report struct {
	Kind      Kind
	Scanned   int
	Closed    int
	Skipped   int
	Failed    int
	Continued bool
}

type Worker struct {
	convs     repository.ConversationRepository
	lifecycle *service.Lifecycle
	producer  queue.Producer
	cfg       WorkerConfig
	clock     func() time.Time
	log       *logger.Logger
	metrics   *observability.Metrics
}

func NewWorker(convs repository.ConversationRepository, lifecycle *service.Lifecycle, producer queue.Producer, cfg WorkerConfig, log *logger.Logger, metrics *observability.Metrics) *Worker {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 500
	}
	if cfg.MaxContinuations < 0 {
		cfg.MaxContinuations = 0
	}
	return &Worker{
		convs:     convs,
		lifecycle: lifecycle,
		producer:  producer,
		cfg:       cfg,
		clock:     func() time.Time { return time.Now().UTC() },
		log:       log,
		metrics:   metrics,
	}
}

func (w *Worker) WithClock(clock func() time.Time) *Worker {
	w.clock = clock
	return w
}

func (w *Worker) Register(c *queue.Consumer) {
	c.Handle(queue.TopicSweepIdle, w.Handler(KindIdle))
	c.Handle(queue.TopicSweepExpired, w.Handler(KindExpired))
}

// Handler adapts Sweep to a queue handler for kind.
func (w *Worker) Handler(kind Kind) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var p queue.SweepPayload
		if err := job.Decode(&p); err != nil {
			return err
		}
		_, err := w.Sweep(ctx, kind, p)
		return err
	}
}

// Sweep closes one batch. Per-row conflicts and rejected transitions are
// logged and skipped; backend failures are collected and returned after the
// whole batch ran, so the job is retried.
func (w *Worker) Sweep(ctx context.Context, kind Kind, p queue.SweepPayload) (*Report, error) {
	batch := p.BatchSize
	if batch <= 0 || batch > w.cfg.MaxBatch {
		batch = w.cfg.MaxBatch
	}
	now := w.clock()

	convs, to, reason, guard, err := w.candidates(ctx, kind, now, batch)
	if err != nil {
		w.metrics.Swept(ctx, string(kind), "error", 0)
		return nil, err
	}

	report := &Report{Kind: kind, Scanned: len(convs)}
	var result *multierror.Error
	for i := range convs {
		conv := &convs[i]
		log := w.log.WithTenant(conv.TenantID).WithConversation(conv.ID)

		res, err := w.lifecycle.Transition(ctx, service.TransitionRequest{
			ConversationID: conv.ID,
			To:             to,
			Reason:         reason,
			Actor:          models.Actor{Kind: models.ActorSweeper},
			Observed:       conv,
			Guard:          guard,
		})
		switch {
		case err == nil && res.Changed():
			report.Closed++
		case err == nil:
			report.Skipped++
		case errors.Is(err, apperrors.ErrConcurrencyConflict), errors.Is(err, apperrors.ErrInvalidTransition):
			report.Skipped++
			log.Warn("sweep skipped conversation", "kind", kind, "error", err.Error())
		default:
			report.Failed++
			result = multierror.Append(result, fmt.Errorf("conversation %s: %w", conv.ID, err))
		}
	}

	w.metrics.Swept(ctx, string(kind), "closed", report.Closed)
	w.metrics.Swept(ctx, string(kind), "skipped", report.Skipped)
	w.metrics.Swept(ctx, string(kind), "failed", report.Failed)

	if w.producer != nil && len(convs) == batch && p.Continuation < w.cfg.MaxContinuations {
		next := queue.SweepPayload{BatchSize: batch, ScheduledAt: now, Continuation: p.Continuation + 1}
		if _, err := queue.EnqueueJSON(ctx, w.producer, topicFor(kind), next); err != nil {
			result = multierror.Append(result, err)
		} else {
			report.Continued = true
		}
	}

	w.log.Info("sweep finished",
		"kind", kind, "scanned", report.Scanned, "closed", report.Closed,
		"skipped", report.Skipped, "failed", report.Failed, "continued", report.Continued)
	return report, result.ErrorOrNil()
}

func (w *Worker) candidates(ctx context.Context, kind Kind, now time.Time, batch int) ([]models.Conversation, models.Status, string, func(*models.Conversation) bool, error) {
	switch kind {
	case KindIdle:
		convs, err := w.convs.ListIdle(ctx, now.Add(-w.cfg.IdleTimeout), batch)
		guard := func(c *models.Conversation) bool {
			return c.Status == models.StatusProgress && c.IsIdle(now, w.cfg.IdleTimeout)
		}
		return convs, models.StatusIdleTimeout, service.ReasonIdleSweep, guard, err
	case KindExpired:
		convs, err := w.convs.ListExpired(ctx, now, batch)
		guard := func(c *models.Conversation) bool { return c.IsExpired(now) }
		return convs, models.StatusExpired, service.ReasonExpirySweep, guard, err
	}
	return nil, "", "", nil, fmt.Errorf("sweep: unknown kind %q", kind)
}

func topicFor(kind Kind) string {
	if kind == KindIdle {
		return queue.TopicSweepIdle
	}
	return queue.TopicSweepExpired
}
