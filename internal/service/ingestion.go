package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"conversation-engine/backend/internal/closure"
	"conversation-engine/backend/internal/external"
	"conversation-engine/backend/internal/models"
	"conversation-engine/backend/internal/queue"
	"conversation-engine/backend/internal/repository"
	apperrors "conversation-engine/backend/pkg/errors"
	"conversation-engine/backend/pkg/logger"
	"conversation-engine/backend/pkg/observability"
	"conversation-engine/backend/pkg/retry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const ReasonExplicitClose = "explicit_close"

// IdentityResolver maps a tenant and the end user's address to a known user.
type IdentityResolver interface {
	Resolve(ctx context.Context, tenantID, address string) (*external.Identity, error)
}

// InboundEvent is one chat event as delivered by a gateway adapter, in
// either direction.
type InboundEvent struct {
	TenantID      string
	From          string
	To            string
	ChannelType   string
	ExternalToken string
	Body          string
	Direction     models.Direction
	// SenderRole defaults to end_user for inbound and automated_agent for
	// outbound events.
	SenderRole    models.SenderRole
	CorrelationID string
	Timestamp     time.Time
	Metadata      map[string]any
	Synthetic     bool
}

func (e *InboundEvent) validate() error {
	var missing []string
	if e.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if e.From == "" {
		missing = append(missing, "from")
	}
	if e.To == "" {
		missing = append(missing, "to")
	}
	if e.ExternalToken == "" {
		missing = append(missing, "external_token")
	}
	if len(missing) > 0 {
		return apperrors.NewValidationError("missing fields: " + strings.Join(missing, ", "))
	}
	if !e.Direction.Valid() {
		return apperrors.NewValidationError("unknown direction " + string(e.Direction))
	}
	if e.SenderRole != "" && !e.SenderRole.Valid() {
		return apperrors.NewValidationError("unknown sender role " + string(e.SenderRole))
	}
	return nil
}

// userAddress is the end user's side of the event.
func (e *InboundEvent) userAddress() string {
	if e.Direction == models.DirectionOutbound {
		return e.To
	}
	return e.From
}

type IngestResult struct {
	Message      *models.Message
	Conversation *models.Conversation
	// Duplicate is set when the external token had been seen before. The
	// caller acknowledges the delivery as successful either way.
	Duplicate     bool
	Closure       *closure.Result
	Transition    *TransitionResult
	FollowupJobID string
}

type IngestConfig struct {
	Expiration time.Duration
	// RecentWindow bounds how many messages feed the closure detector.
	RecentWindow int
}

// Ingestor is the entry point for chat events. Deduplication rests on the
// unique (tenant_id, external_token) index: the message is inserted first
// and a rejected insert means the event was already seen.
type Ingestor struct {
	msgs      repository.MessageRepository
	convs     repository.ConversationRepository
	lifecycle *Lifecycle
	detector  *closure.Detector
	producer  queue.Producer
	identity  IdentityResolver
	cfg       IngestConfig
	policy    retry.Policy
	clock     func() time.Time
	log       *logger.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
}

type IngestorDeps struct {
	Messages      repository.MessageRepository
	Conversations repository.ConversationRepository
	Lifecycle     *Lifecycle
	Detector      *closure.Detector
	// Producer receives follow-up jobs; nil disables follow-ups.
	Producer queue.Producer
	// Identity is optional.
	Identity IdentityResolver
	Policy   retry.Policy
	Logger   *logger.Logger
	Metrics  *observability.Metrics
}

func NewIngestor(deps IngestorDeps, cfg IngestConfig) *Ingestor {
	if cfg.Expiration <= 0 {
		cfg.Expiration = 24 * time.Hour
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 10
	}
	return &Ingestor{
		msgs:      deps.Messages,
		convs:     deps.Conversations,
		lifecycle: deps.Lifecycle,
		detector:  deps.Detector,
		producer:  deps.Producer,
		identity:  deps.Identity,
		cfg:       cfg,
		policy:    deps.Policy,
		clock:     func() time.Time { return time.Now().UTC() },
		log:       deps.Logger,
		metrics:   deps.Metrics,
		tracer:    otel.Tracer("conversation-engine/ingest"),
	}
}

func (in *Ingestor) WithClock(clock func() time.Time) *Ingestor {
	in.clock = clock
	return in
}

// Ingest stores ev and routes it to its conversation. A redelivered event
// returns the stored result with Duplicate set; an event whose first
// delivery stopped half way is finished on redelivery.
func (in *Ingestor) Ingest(ctx context.Context, ev InboundEvent) (*IngestResult, error) {
	ctx, span := in.tracer.Start(ctx, "ingest", trace.WithAttributes(
		attribute.String("tenant.id", ev.TenantID),
		attribute.String("message.direction", string(ev.Direction)),
	))
	defer span.End()

	res, err := in.ingest(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		in.metrics.Ingested(ctx, "rejected")
		return nil, err
	}

	outcome := "accepted"
	if res.Duplicate {
		outcome = "duplicate"
	}
	span.SetAttributes(
		attribute.String("conversation.id", res.Conversation.ID),
		attribute.Bool("message.duplicate", res.Duplicate),
	)
	in.metrics.Ingested(ctx, outcome)
	return res, nil
}

func (in *Ingestor) ingest(ctx context.Context, ev InboundEvent) (*IngestResult, error) {
	if err := ev.validate(); err != nil {
		return nil, err
	}
	if ev.SenderRole == "" {
		ev.SenderRole = models.SenderEndUser
		if ev.Direction == models.DirectionOutbound {
			ev.SenderRole = models.SenderAutomatedAgent
		}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = in.clock()
	}

	var ident *external.Identity
	if in.identity != nil {
		var err error
		if ident, err = in.identity.Resolve(ctx, ev.TenantID, ev.userAddress()); err != nil {
			return nil, err
		}
	}

	msg := &models.Message{
		ID:            uuid.Must(uuid.NewV7()).String(),
		TenantID:      ev.TenantID,
		ExternalToken: ev.ExternalToken,
		Direction:     ev.Direction,
		SenderRole:    ev.SenderRole,
		Body:          ev.Body,
		CorrelationID: ev.CorrelationID,
		Timestamp:     ev.Timestamp.UTC(),
		Metadata:      ev.Metadata,
		Synthetic:     ev.Synthetic,
		CreatedAt:     in.clock(),
	}

	err := in.msgs.Insert(ctx, msg)
	switch {
	case err == nil:
		return in.process(ctx, ev, msg, ident, false)
	case errors.Is(err, apperrors.ErrDuplicateEvent):
		return in.resumeDuplicate(ctx, ev, ident)
	default:
		return nil, err
	}
}

func (in *Ingestor) resumeDuplicate(ctx context.Context, ev InboundEvent, ident *external.Identity) (*IngestResult, error) {
	existing, err := in.msgs.GetByToken(ctx, ev.TenantID, ev.ExternalToken)
	if err != nil {
		return nil, err
	}
	log := in.log.WithTenant(ev.TenantID)

	if !existing.Attached() {
		log.Info("resuming unattached duplicate", "message_id", existing.ID)
		return in.process(ctx, ev, existing, ident, true)
	}

	conv, err := in.convs.Get(ctx, *existing.ConversationID)
	if err != nil {
		return nil, err
	}
	res := &IngestResult{Message: existing, Conversation: conv, Duplicate: true}
	res.FollowupJobID = existing.MetaString(models.MetaFollowupJobID)
	if res.FollowupJobID == "" && needsFollowup(existing, conv) {
		if err := in.enqueueFollowup(ctx, res); err != nil {
			return nil, err
		}
	}
	log.Debug("duplicate event absorbed", "message_id", existing.ID, "conversation_id", conv.ID)
	return res, nil
}

// process attaches msg to its conversation and runs the state checks.
func (in *Ingestor) process(ctx context.Context, ev InboundEvent, msg *models.Message, ident *external.Identity, duplicate bool) (*IngestResult, error) {
	conv, err := in.attach(ctx, ev, msg, ident)
	if errors.Is(err, repository.ErrMessageAttached) {
		// a concurrent delivery of the same event attached it first
		res, err := in.resumeDuplicate(ctx, ev, ident)
		if res != nil {
			res.Duplicate = duplicate
		}
		return res, err
	}
	if err != nil {
		return nil, err
	}
	cid := conv.ID
	msg.ConversationID = &cid

	res := &IngestResult{Message: msg, Conversation: conv, Duplicate: duplicate}
	log := in.log.WithTenant(ev.TenantID).WithConversation(conv.ID)

	in.promote(ctx, res, log)
	in.detectClosure(ctx, res, log)

	if needsFollowup(msg, res.Conversation) {
		if err := in.enqueueFollowup(ctx, res); err != nil {
			return nil, err
		}
	}

	log.Info("message ingested",
		"message_id", msg.ID, "direction", msg.Direction, "status", res.Conversation.Status,
		"version", res.Conversation.Version, "duplicate", duplicate)
	return res, nil
}

// attach finds or creates the open conversation for the event's session and
// links msg to it. Lost version races re-run the whole resolution.
func (in *Ingestor) attach(ctx context.Context, ev InboundEvent, msg *models.Message, ident *external.Identity) (*models.Conversation, error) {
	channel := ChannelOf(ev.ChannelType, ev.From, ev.To)
	key := SessionKey(ev.TenantID, channel, ev.From, ev.To)

	var conv *models.Conversation
	err := retry.Do(ctx, in.policy, isResolveConflict, func(attempt int) error {
		var err error
		conv, err = in.resolveConversation(ctx, ev, msg, channel, key, ident)
		if err != nil {
			return err
		}
		return in.convs.AttachMessage(ctx, conv, msg.ID, in.clock())
	})
	if isResolveConflict(err) {
		return nil, apperrors.ConcurrencyConflict(msg.ID, in.policy.MaxAttempts)
	}
	return conv, err
}

func isResolveConflict(err error) bool {
	return isConflict(err) || errors.Is(err, repository.ErrOpenConversationExists)
}

func (in *Ingestor) resolveConversation(ctx context.Context, ev InboundEvent, msg *models.Message, channel, key string, ident *external.Identity) (*models.Conversation, error) {
	open, err := in.convs.FindOpenBySessionKey(ctx, ev.TenantID, key)
	if err != nil && !repository.IsNotFound(err) {
		return nil, err
	}
	if open == nil {
		return in.createConversation(ctx, ev, msg, channel, key, ident, nil)
	}

	now := in.clock()
	if !open.IsExpired(now) {
		return open, nil
	}

	if _, err := in.lifecycle.Transition(ctx, TransitionRequest{
		ConversationID: open.ID,
		To:             models.StatusExpired,
		Reason:         ReasonExpiredOnIngest,
		Actor:          models.Actor{Kind: models.ActorSystem},
		Observed:       open,
	}); err != nil && !errors.Is(err, apperrors.ErrInvalidTransition) {
		return nil, err
	}
	predecessor := open.ID
	return in.createConversation(ctx, ev, msg, channel, key, ident, &predecessor)
}

func (in *Ingestor) createConversation(ctx context.Context, ev InboundEvent, msg *models.Message, channel, key string, ident *external.Identity, predecessor *string) (*models.Conversation, error) {
	started := msg.Timestamp
	if started.IsZero() {
		started = in.clock()
	}
	conv := &models.Conversation{
		ID:            uuid.Must(uuid.NewV7()).String(),
		TenantID:      ev.TenantID,
		FromAddress:   ev.From,
		ToAddress:     ev.To,
		ChannelType:   channel,
		SessionKey:    key,
		Status:        models.StatusPending,
		Version:       1,
		StartedAt:     started,
		UpdatedAt:     in.clock(),
		ExpiresAt:     started.Add(in.cfg.Expiration),
		Context:       map[string]any{},
		Metadata:      map[string]any{models.MetaOpenerDirection: string(msg.Direction)},
		PredecessorID: predecessor,
	}
	if ident != nil {
		conv.Context[models.ContextUserID] = ident.UserID
		if ident.DisplayName != "" {
			conv.Context[models.ContextDisplayName] = ident.DisplayName
		}
	}
	if err := in.convs.Create(ctx, conv); err != nil {
		return nil, err
	}

	args := []any{"session_key", key, "channel", channel}
	if predecessor != nil {
		args = append(args, "predecessor_id", *predecessor)
	}
	in.log.WithTenant(ev.TenantID).WithConversation(conv.ID).Info("conversation opened", args...)
	return conv, nil
}

// promote moves a PENDING conversation to PROGRESS on the first message that
// answers its opener.
func (in *Ingestor) promote(ctx context.Context, res *IngestResult, log *logger.Logger) {
	conv := res.Conversation
	if conv.Status != models.StatusPending {
		return
	}
	if opener := conv.MetaString(models.MetaOpenerDirection); opener == "" || opener == string(res.Message.Direction) {
		return
	}

	tr, err := in.lifecycle.Transition(ctx, TransitionRequest{
		ConversationID: conv.ID,
		To:             models.StatusProgress,
		Reason:         ReasonFirstExchange,
		Actor:          actorFor(res.Message),
		Observed:       conv,
	})
	if err != nil {
		log.LogError(err, "promote to PROGRESS failed")
		return
	}
	res.Conversation = tr.Conversation
	res.Transition = tr
}

// detectClosure scores end-user messages and honours explicit close flags
// on agent messages.
func (in *Ingestor) detectClosure(ctx context.Context, res *IngestResult, log *logger.Logger) {
	msg, conv := res.Message, res.Conversation
	if !conv.IsOpen() {
		return
	}

	if msg.Direction == models.DirectionOutbound {
		if msg.MetaBool(models.MetaCloseConversation) {
			in.close(ctx, res, agentCloseStatus(msg.SenderRole), ReasonExplicitClose, log)
		}
		return
	}
	if msg.SenderRole != models.SenderEndUser || in.detector == nil {
		return
	}

	input, err := in.closureInput(ctx, msg, conv)
	if err != nil {
		log.LogError(err, "closure context unavailable")
		return
	}
	result := in.detector.Evaluate(input)
	res.Closure = &result

	if _, err := in.msgs.MergeMetadata(ctx, msg.ID, map[string]any{models.MetaClosureScore: result.Score}); err != nil {
		log.LogError(err, "recording closure score failed", "message_id", msg.ID)
	}

	switch result.Band {
	case closure.BandClose:
		in.close(ctx, res, models.StatusUserClosed, ReasonClosureDetected, log)
	case closure.BandSuspect:
		in.markSuspected(ctx, res, result.Score, log)
	}
}

func (in *Ingestor) closureInput(ctx context.Context, msg *models.Message, conv *models.Conversation) (closure.Input, error) {
	recent, err := in.msgs.ListRecent(ctx, conv.ID, in.cfg.RecentWindow)
	if err != nil {
		return closure.Input{}, err
	}
	count, err := in.msgs.Count(ctx, conv.ID)
	if err != nil {
		return closure.Input{}, err
	}

	var previous models.SenderRole
	for i := range recent {
		if recent[i].ID == msg.ID && i > 0 {
			previous = recent[i-1].SenderRole
			break
		}
	}
	return closure.Input{
		Body:                  msg.Body,
		Metadata:              msg.Metadata,
		Timestamp:             msg.Timestamp,
		ConversationStartedAt: conv.StartedAt,
		MessageCount:          int(count),
		PreviousSender:        previous,
	}, nil
}

func (in *Ingestor) close(ctx context.Context, res *IngestResult, to models.Status, reason string, log *logger.Logger) {
	tr, err := in.lifecycle.Transition(ctx, TransitionRequest{
		ConversationID: res.Conversation.ID,
		To:             to,
		Reason:         reason,
		Actor:          actorFor(res.Message),
		Observed:       res.Conversation,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidTransition) {
			log.Info("closure signal ignored", "status", res.Conversation.Status, "to", to)
			return
		}
		log.LogError(err, "closing conversation failed", "to", to)
		return
	}
	res.Conversation = tr.Conversation
	res.Transition = tr
}

func (in *Ingestor) markSuspected(ctx context.Context, res *IngestResult, score float64, log *logger.Logger) {
	patch := map[string]any{
		models.ContextClosureSuspected:  true,
		models.ContextClosureConfidence: score,
	}
	conv := res.Conversation
	err := retry.Do(ctx, in.policy, isConflict, func(attempt int) error {
		if attempt > 1 {
			fresh, err := in.convs.Get(ctx, conv.ID)
			if err != nil {
				return err
			}
			conv = fresh
		}
		if !conv.IsOpen() {
			return nil
		}
		return in.convs.MergeContext(ctx, conv, patch)
	})
	if err != nil {
		log.LogError(err, "annotating suspected closure failed")
		return
	}
	res.Conversation = conv
	log.Info("closure suspected", "confidence", score)
}

func (in *Ingestor) enqueueFollowup(ctx context.Context, res *IngestResult) error {
	if in.producer == nil {
		return nil
	}
	msg := res.Message
	jobID, err := queue.EnqueueJSON(ctx, in.producer, queue.TopicGenerateResponse, queue.MessagePayload{
		TenantID:       msg.TenantID,
		ConversationID: res.Conversation.ID,
		MessageID:      msg.ID,
	})
	if err != nil {
		return apperrors.Transient("enqueue follow-up", err)
	}
	res.FollowupJobID = jobID

	// losing this marker only costs a duplicate job, which the handler absorbs
	if _, err := in.msgs.MergeMetadata(ctx, msg.ID, map[string]any{models.MetaFollowupJobID: jobID}); err != nil {
		in.log.WithConversation(res.Conversation.ID).LogError(err, "recording follow-up job failed", "message_id", msg.ID)
	}
	return nil
}

// needsFollowup reports whether msg should get a generated reply.
func needsFollowup(msg *models.Message, conv *models.Conversation) bool {
	return msg.Direction == models.DirectionInbound &&
		msg.SenderRole == models.SenderEndUser &&
		conv.IsOpen()
}

func actorFor(msg *models.Message) models.Actor {
	switch msg.SenderRole {
	case models.SenderEndUser:
		return models.Actor{Kind: models.ActorUser}
	case models.SenderHumanAgent, models.SenderAutomatedAgent:
		return models.Actor{Kind: models.ActorAgent, ID: string(msg.SenderRole)}
	default:
		return models.Actor{Kind: models.ActorSystem}
	}
}

func agentCloseStatus(role models.SenderRole) models.Status {
	if role == models.SenderHumanAgent {
		return models.StatusSupportClosed
	}
	return models.StatusAgentClosed
}
