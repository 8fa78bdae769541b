package service

import (
	"context"
	"errors"
	"time"

	"conversation-engine/backend/internal/models"
	"conversation-engine/backend/internal/repository"
	apperrors "conversation-engine/backend/pkg/errors"
	"conversation-engine/backend/pkg/logger"
	"conversation-engine/backend/pkg/observability"
	"conversation-engine/backend/pkg/retry"

	"github.com/google/uuid"
)

// Reasons recorded in the state history by the engine itself.
const (
	ReasonFirstExchange   = "first_exchange"
	ReasonClosureDetected = "closure_detected"
	ReasonIdleSweep       = "idle_sweep"
	ReasonExpirySweep     = "expiry_sweep"
	ReasonExpiredOnIngest = "expired_on_ingest"
	ReasonFatalError      = "fatal_error"

	overridePrefix = "override:"
	preemptPrefix  = "priority_preempt:"
)

// Outcome describes what Transition did.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeOverride Outcome = "override"
	OutcomeNoOp     Outcome = "noop"
)

// TransitionRequest asks the lifecycle to move a conversation to To.
type TransitionRequest struct {
	ConversationID string
	To             models.Status
	Reason         string
	Actor          models.Actor
	// Force bypasses the transition table and lets a stronger terminal state
	// replace a weaker one. Only operator and system actors may force.
	Force bool
	// Observed, when set, is used for the first decision instead of a read.
	Observed *models.Conversation
	// Guard, when set, must hold for the row being written; otherwise the
	// request ends as a no-op. It is re-checked after every re-read.
	Guard func(*models.Conversation) bool
}

type TransitionResult struct {
	Conversation *models.Conversation
	Outcome      Outcome
	Record       *models.StateTransition
	Attempts     int
}

// Changed reports whether a history row was written.
func (r *TransitionResult) Changed() bool {
	return r != nil && r.Outcome != OutcomeNoOp
}

// Lifecycle is the only writer of conversation status. Every write is guarded
// by the version read in the same attempt; lost races are re-read and
// re-decided within a bounded, jittered retry budget.
type Lifecycle struct {
	convs   repository.ConversationRepository
	policy  retry.Policy
	clock   func() time.Time
	log     *logger.Logger
	metrics *observability.Metrics
}

func NewLifecycle(convs repository.ConversationRepository, policy retry.Policy, log *logger.Logger, metrics *observability.Metrics) *Lifecycle {
	return &Lifecycle{
		convs:   convs,
		policy:  policy,
		clock:   func() time.Time { return time.Now().UTC() },
		log:     log,
		metrics: metrics,
	}
}

// WithClock replaces the time source. Used by tests and replays.
func (l *Lifecycle) WithClock(clock func() time.Time) *Lifecycle {
	l.clock = clock
	return l
}

type decision struct {
	outcome Outcome
	reason  string
}

// decide applies the transition table and priority rules to the current row.
// baseline is the status seen on the first attempt.
func decide(current, baseline models.Status, req TransitionRequest) (decision, error) {
	if current == req.To {
		return decision{outcome: OutcomeNoOp}, nil
	}

	if req.Force && !req.Actor.CanForce() {
		return decision{}, apperrors.OverrideForbidden(req.Actor.String())
	}

	if current.Terminal() {
		if !req.To.Outranks(current) {
			if !req.To.Terminal() {
				return decision{}, apperrors.InvalidTransition(string(current), string(req.To))
			}
			return decision{outcome: OutcomeNoOp}, nil
		}
		if req.Force {
			return decision{outcome: OutcomeOverride, reason: overridePrefix + req.Reason}, nil
		}
		if !baseline.Terminal() {
			// the row went terminal while this request was in flight; the
			// stronger state still wins, recorded as an override
			return decision{outcome: OutcomeOverride, reason: overridePrefix + preemptPrefix + req.Reason}, nil
		}
		return decision{outcome: OutcomeNoOp}, nil
	}

	if models.CanTransition(current, req.To) {
		return decision{outcome: OutcomeApplied, reason: req.Reason}, nil
	}
	if req.Force && req.To.Terminal() {
		return decision{outcome: OutcomeOverride, reason: overridePrefix + req.Reason}, nil
	}
	return decision{}, apperrors.InvalidTransition(string(current), string(req.To))
}

// Transition requests a status change and returns the definite outcome.
// Errors are InvalidTransition, OverrideForbidden, NotFound, a
// ConcurrencyConflict once the retry budget is spent, or a backend error.
func (l *Lifecycle) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	if !req.To.Valid() {
		return nil, apperrors.NewValidationError("unknown status " + string(req.To))
	}
	if req.Reason == "" {
		return nil, apperrors.NewValidationError("transition reason is required")
	}

	log := l.log.WithConversation(req.ConversationID)
	var (
		result   *TransitionResult
		baseline models.Status
		observed = req.Observed
	)

	err := retry.Do(ctx, l.policy, isConflict, func(attempt int) error {
		conv := observed
		observed = nil
		if conv == nil {
			var err error
			if conv, err = l.convs.Get(ctx, req.ConversationID); err != nil {
				return err
			}
		}
		if attempt == 1 {
			baseline = conv.Status
		}

		d, err := decide(conv.Status, baseline, req)
		if err != nil {
			return err
		}
		if d.outcome != OutcomeNoOp && req.Guard != nil && !req.Guard(conv) {
			d.outcome = OutcomeNoOp
		}
		if d.outcome == OutcomeNoOp {
			result = &TransitionResult{Conversation: conv, Outcome: OutcomeNoOp, Attempts: attempt}
			return nil
		}

		record := &models.StateTransition{
			ID:         uuid.Must(uuid.NewV7()).String(),
			FromStatus: conv.Status,
			ToStatus:   req.To,
			Reason:     d.reason,
			Actor:      req.Actor.String(),
			CreatedAt:  l.clock(),
		}
		if err := l.convs.ApplyTransition(ctx, conv, record); err != nil {
			if isConflict(err) {
				l.metrics.Conflict(ctx)
				log.Debug("transition lost version race", "to", req.To, "attempt", attempt)
			}
			return err
		}

		result = &TransitionResult{Conversation: conv, Outcome: d.outcome, Record: record, Attempts: attempt}
		return nil
	})

	if err != nil {
		switch {
		case isConflict(err):
			l.metrics.Transition(ctx, string(req.To), "conflict")
			log.Warn("transition abandoned after retries", "to", req.To, "reason", req.Reason)
			return nil, apperrors.ConcurrencyConflict(req.ConversationID, l.policy.MaxAttempts)
		case errors.Is(err, apperrors.ErrInvalidTransition):
			l.metrics.Transition(ctx, string(req.To), "rejected")
			log.Info("transition rejected", "to", req.To, "reason", req.Reason, "error", err.Error())
		}
		return nil, err
	}

	l.metrics.Transition(ctx, string(req.To), string(result.Outcome))
	switch result.Outcome {
	case OutcomeNoOp:
		log.Debug("transition not applied", "to", req.To, "status", result.Conversation.Status, "reason", req.Reason)
	case OutcomeOverride:
		log.Warn("transition forced by override",
			"from", result.Record.FromStatus, "to", req.To, "actor", req.Actor.String(), "reason", req.Reason)
	default:
		log.Info("conversation transitioned",
			"from", result.Record.FromStatus, "to", req.To, "reason", result.Record.Reason,
			"version", result.Conversation.Version, "attempts", result.Attempts)
	}
	return result, nil
}

// Fail moves a conversation to FAILED after an unrecoverable error.
func (l *Lifecycle) Fail(ctx context.Context, conversationID string, cause error) (*TransitionResult, error) {
	l.log.WithConversation(conversationID).LogError(cause, "escalating conversation to FAILED")
	return l.Transition(ctx, TransitionRequest{
		ConversationID: conversationID,
		To:             models.StatusFailed,
		Reason:         ReasonFatalError,
		Actor:          models.Actor{Kind: models.ActorSystem},
		Force:          true,
	})
}

func isConflict(err error) bool {
	return errors.Is(err, apperrors.ErrConcurrencyConflict)
}
