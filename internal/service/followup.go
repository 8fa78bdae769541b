package service

import (
	"context"
	"errors"
	"time"

	"conversation-engine/backend/internal/external"
	"conversation-engine/backend/internal/models"
	"conversation-engine/backend/internal/queue"
	"conversation-engine/backend/internal/repository"
	apperrors "conversation-engine/backend/pkg/errors"
	"conversation-engine/backend/pkg/logger"
)

// FallbackReply is stored, flagged synthetic, when no reply could be
// generated within the job's attempt budget.
const FallbackReply = "Sorry, we could not process your message right now. Please try again in a few minutes."

const replyTokenPrefix = "reply:"

type ReplyGenerator interface {
	Generate(ctx context.Context, req external.GenerateRequest) (*external.Reply, error)
}

type Sender interface {
	Send(ctx context.Context, msg external.OutboundMessage) (string, error)
}

type FollowupConfig struct {
	HistoryWindow int
	// MaxAttempts must match the consumer's; the final attempt falls back
	// to FallbackReply instead of failing.
	MaxAttempts int
}

// Followups handles the work ingestion defers to the queue: generating a
// reply to an inbound message and delivering outbound messages. Both
// handlers are safe to run more than once per job.
type Followups struct {
	ingestor  *Ingestor
	lifecycle *Lifecycle
	msgs      repository.MessageRepository
	convs     repository.ConversationRepository
	generator ReplyGenerator
	sender    Sender
	producer  queue.Producer
	cfg       FollowupConfig
	clock     func() time.Time
	log       *logger.Logger
}

type FollowupDeps struct {
	Ingestor      *Ingestor
	Lifecycle     *Lifecycle
	Messages      repository.MessageRepository
	Conversations repository.ConversationRepository
	Generator     ReplyGenerator
	Sender        Sender
	Producer      queue.Producer
	Logger        *logger.Logger
}

func NewFollowups(deps FollowupDeps, cfg FollowupConfig) *Followups {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Followups{
		ingestor:  deps.Ingestor,
		lifecycle: deps.Lifecycle,
		msgs:      deps.Messages,
		convs:     deps.Conversations,
		generator: deps.Generator,
		sender:    deps.Sender,
		producer:  deps.Producer,
		cfg:       cfg,
		clock:     func() time.Time { return time.Now().UTC() },
		log:       deps.Logger,
	}
}

func (f *Followups) WithClock(clock func() time.Time) *Followups {
	f.clock = clock
	return f
}

// Register wires the handlers into a consumer.
func (f *Followups) Register(c *queue.Consumer) {
	c.Handle(queue.TopicGenerateResponse, f.GenerateResponse)
	c.Handle(queue.TopicDeliverOutbound, f.DeliverOutbound)
}

// ReplyToken is the external token of the generated reply to inboundID.
func ReplyToken(inboundID string) string {
	return replyTokenPrefix + inboundID
}

// GenerateResponse produces and stores the reply to an inbound message,
// then queues its delivery.
func (f *Followups) GenerateResponse(ctx context.Context, job *queue.Job) error {
	var p queue.MessagePayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	log := f.log.WithJob(job.ID, job.Topic, job.Attempts).WithConversation(p.ConversationID)

	inbound, err := f.msgs.Get(ctx, p.MessageID)
	if err != nil {
		return f.settle(ctx, p.ConversationID, err)
	}
	conv, err := f.convs.Get(ctx, p.ConversationID)
	if err != nil {
		return f.settle(ctx, p.ConversationID, err)
	}

	existing, err := f.msgs.GetByToken(ctx, p.TenantID, ReplyToken(inbound.ID))
	switch {
	case err == nil && existing.Attached():
		log.Debug("reply already stored", "reply_id", existing.ID)
		return f.settle(ctx, conv.ID, f.enqueueDelivery(ctx, existing))
	case err != nil && !repository.IsNotFound(err):
		return err
	}
	if !conv.IsOpen() {
		log.Info("conversation closed before reply", "status", conv.Status)
		return nil
	}

	reply, synthetic, err := f.generate(ctx, job, inbound, conv)
	if err != nil {
		return err
	}

	user, business := Parties(conv)
	ev := InboundEvent{
		TenantID:      conv.TenantID,
		From:          business,
		To:            user,
		ChannelType:   conv.ChannelType,
		ExternalToken: ReplyToken(inbound.ID),
		Body:          reply.Body,
		Direction:     models.DirectionOutbound,
		SenderRole:    models.SenderAutomatedAgent,
		CorrelationID: inbound.ID,
		Timestamp:     f.clock(),
		Synthetic:     synthetic,
	}
	if reply.Close {
		ev.Metadata = map[string]any{models.MetaCloseConversation: true}
	}

	res, err := f.ingestor.Ingest(ctx, ev)
	if err != nil {
		return f.settle(ctx, conv.ID, err)
	}
	log.Info("reply stored", "reply_id", res.Message.ID, "synthetic", synthetic, "duplicate", res.Duplicate)
	return f.settle(ctx, conv.ID, f.enqueueDelivery(ctx, res.Message))
}

// generate calls the response generator. Transient failures are retried by
// the queue until the final attempt, which falls back to a synthetic reply.
func (f *Followups) generate(ctx context.Context, job *queue.Job, inbound *models.Message, conv *models.Conversation) (*external.Reply, bool, error) {
	recent, err := f.msgs.ListRecent(ctx, conv.ID, f.cfg.HistoryWindow)
	if err != nil {
		return nil, false, err
	}
	history := make([]external.HistoryMessage, 0, len(recent))
	for _, m := range recent {
		history = append(history, external.HistoryMessage{Role: string(m.SenderRole), Body: m.Body, Timestamp: m.Timestamp})
	}

	reply, err := f.generator.Generate(ctx, external.GenerateRequest{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		MessageID:      inbound.ID,
		Context:        conv.Context,
		History:        history,
	})
	if err == nil {
		return reply, false, nil
	}

	final := job.Attempts >= f.cfg.MaxAttempts
	if !final && !external.IsPermanent(err) {
		return nil, false, err
	}
	f.log.WithConversation(conv.ID).LogError(err, "response generation failed, sending fallback",
		"message_id", inbound.ID, "attempt", job.Attempts)
	return &external.Reply{Body: FallbackReply}, true, nil
}

func (f *Followups) enqueueDelivery(ctx context.Context, msg *models.Message) error {
	if msg.MetaString(models.MetaDeliveryJobID) != "" || msg.MetaString(models.MetaDeliveredAt) != "" {
		return nil
	}
	jobID, err := queue.EnqueueJSON(ctx, f.producer, queue.TopicDeliverOutbound, queue.MessagePayload{
		TenantID:       msg.TenantID,
		ConversationID: derefString(msg.ConversationID),
		MessageID:      msg.ID,
	})
	if err != nil {
		return apperrors.Transient("enqueue delivery", err)
	}
	if _, err := f.msgs.MergeMetadata(ctx, msg.ID, map[string]any{models.MetaDeliveryJobID: jobID}); err != nil {
		f.log.LogError(err, "recording delivery job failed", "message_id", msg.ID)
	}
	return nil
}

// DeliverOutbound sends a stored outbound message through the gateway and
// records the provider receipt.
func (f *Followups) DeliverOutbound(ctx context.Context, job *queue.Job) error {
	var p queue.MessagePayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	log := f.log.WithJob(job.ID, job.Topic, job.Attempts).WithConversation(p.ConversationID)

	msg, err := f.msgs.Get(ctx, p.MessageID)
	if err != nil {
		return f.settle(ctx, p.ConversationID, err)
	}
	if msg.MetaString(models.MetaDeliveredAt) != "" {
		log.Debug("message already delivered", "message_id", msg.ID)
		return nil
	}
	if msg.Direction != models.DirectionOutbound {
		return queue.Poison(apperrors.NewValidationError("only outbound messages are delivered"))
	}
	conv, err := f.convs.Get(ctx, p.ConversationID)
	if err != nil {
		return f.settle(ctx, p.ConversationID, err)
	}

	user, business := Parties(conv)
	providerID, err := f.sender.Send(ctx, external.OutboundMessage{
		TenantID:  msg.TenantID,
		Channel:   conv.ChannelType,
		From:      business,
		To:        user,
		Body:      msg.Body,
		MessageID: msg.ID,
	})
	if err != nil {
		return f.settle(ctx, conv.ID, err)
	}

	if _, err := f.msgs.MergeMetadata(ctx, msg.ID, map[string]any{
		models.MetaDeliveredAt:       f.clock().Format(time.RFC3339Nano),
		models.MetaProviderMessageID: providerID,
	}); err != nil {
		// the gateway dedupes on message id, so a redelivery is harmless
		return err
	}
	log.Info("message delivered", "message_id", msg.ID, "provider_message_id", providerID)
	return nil
}

// settle maps a handler error onto queue semantics. Retryable errors nack;
// missing or invalid input is dropped; anything else is fatal for the
// conversation, which is escalated to FAILED before the job is dropped.
func (f *Followups) settle(ctx context.Context, conversationID string, err error) error {
	switch {
	case err == nil:
		return nil
	case apperrors.IsRetryable(err):
		return err
	case errors.Is(err, apperrors.ErrNotFound),
		errors.Is(err, apperrors.ErrInvalidTransition),
		errors.Is(err, apperrors.ErrOverrideForbidden),
		apperrors.GetErrorCode(err) == apperrors.CodeValidation:
		return queue.Poison(err)
	}
	if conversationID != "" {
		if _, ferr := f.lifecycle.Fail(ctx, conversationID, err); ferr != nil {
			return ferr
		}
	}
	return queue.Poison(err)
}

// Parties returns the end user's and the business's address.
func Parties(conv *models.Conversation) (user, business string) {
	if conv.MetaString(models.MetaOpenerDirection) == string(models.DirectionOutbound) {
		return conv.ToAddress, conv.FromAddress
	}
	return conv.FromAddress, conv.ToAddress
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
