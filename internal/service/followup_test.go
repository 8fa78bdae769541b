package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"conversation-engine/backend/internal/external"
	"conversation-engine/backend/internal/models"
	"conversation-engine/backend/internal/queue"
	apperrors "conversation-engine/backend/pkg/errors"
	"conversation-engine/backend/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	reply *external.Reply
	err   error
}

func (g *fakeGenerator) Generate(_ context.Context, req external.GenerateRequest) (*external.Reply, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return g.reply, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []external.OutboundMessage
	err  error
}

func (s *fakeSender) Send(_ context.Context, msg external.OutboundMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, msg)
	return "wamid-1", nil
}

func newFollowups(f *fixture, gen *fakeGenerator, sender *fakeSender) *Followups {
	return NewFollowups(FollowupDeps{
		Ingestor:      f.ingestor,
		Lifecycle:     f.lifecycle,
		Messages:      f.msgs,
		Conversations: f.convs,
		Generator:     gen,
		Sender:        sender,
		Producer:      f.producer,
		Logger:        logger.Nop(),
	}, FollowupConfig{MaxAttempts: 3}).WithClock(f.clock.Now)
}

func lastJob(t *testing.T, f *fixture, topic string) *queue.Job {
	t.Helper()
	jobs := f.producer.Jobs(topic)
	require.NotEmpty(t, jobs)
	return jobs[len(jobs)-1].Job()
}

func TestGenerateResponseStoresReplyAndQueuesDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gen := &fakeGenerator{reply: &external.Reply{Body: "Sure, what is the order number?"}}
	fu := newFollowups(f, gen, &fakeSender{})

	in := f.ingest(t, inbound("T1", "I need help", t0))
	job := lastJob(t, f, queue.TopicGenerateResponse)

	require.NoError(t, fu.GenerateResponse(ctx, job))

	reply, err := f.msgs.GetByToken(ctx, "tenant-1", ReplyToken(in.Message.ID))
	require.NoError(t, err)
	assert.Equal(t, models.DirectionOutbound, reply.Direction)
	assert.Equal(t, models.SenderAutomatedAgent, reply.SenderRole)
	assert.Equal(t, in.Message.ID, reply.CorrelationID)
	assert.False(t, reply.Synthetic)
	assert.NotEmpty(t, reply.MetaString(models.MetaDeliveryJobID))

	conv, err := f.convs.Get(ctx, in.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProgress, conv.Status)
	assert.Len(t, f.producer.Jobs(queue.TopicDeliverOutbound), 1)

	// redelivery of the same job changes nothing
	require.NoError(t, fu.GenerateResponse(ctx, job))
	assert.Equal(t, 1, gen.calls)
	assert.Len(t, f.producer.Jobs(queue.TopicDeliverOutbound), 1)
}

func TestGenerateResponseRetriesThenFallsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gen := &fakeGenerator{err: apperrors.Transient("response-generator", assert.AnError)}
	fu := newFollowups(f, gen, &fakeSender{})

	in := f.ingest(t, inbound("T1", "I need help", t0))
	job := lastJob(t, f, queue.TopicGenerateResponse)

	err := fu.GenerateResponse(ctx, job)
	assert.True(t, apperrors.IsRetryable(err))
	_, err = f.msgs.GetByToken(ctx, "tenant-1", ReplyToken(in.Message.ID))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	job.Attempts = 3
	require.NoError(t, fu.GenerateResponse(ctx, job))

	reply, err := f.msgs.GetByToken(ctx, "tenant-1", ReplyToken(in.Message.ID))
	require.NoError(t, err)
	assert.True(t, reply.Synthetic)
	assert.Equal(t, FallbackReply, reply.Body)
}

func TestGeneratedCloseEndsConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gen := &fakeGenerator{reply: &external.Reply{Body: "Glad I could help, goodbye!", Close: true}}
	fu := newFollowups(f, gen, &fakeSender{})

	startExchange(t, f, "+15550009", t0)
	ev := inbound("T-more", "one more question about shipping", t0.Add(time.Minute))
	ev.From = "+15550009"
	in := f.ingest(t, ev)
	require.NoError(t, fu.GenerateResponse(ctx, lastJob(t, f, queue.TopicGenerateResponse)))

	conv, err := f.convs.Get(ctx, in.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAgentClosed, conv.Status)
	assert.Len(t, f.producer.Jobs(queue.TopicDeliverOutbound), 1, "the closing reply is still delivered")
}

func TestGenerateResponseSkipsClosedConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gen := &fakeGenerator{reply: &external.Reply{Body: "late"}}
	fu := newFollowups(f, gen, &fakeSender{})

	in := f.ingest(t, inbound("T1", "hi", t0))
	_, err := f.lifecycle.Transition(ctx, TransitionRequest{
		ConversationID: in.Conversation.ID, To: models.StatusExpired, Reason: ReasonExpirySweep, Actor: sweeper,
	})
	require.NoError(t, err)

	require.NoError(t, fu.GenerateResponse(ctx, lastJob(t, f, queue.TopicGenerateResponse)))
	assert.Equal(t, 0, gen.calls)
}

func TestDeliverOutboundRecordsReceiptOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sender := &fakeSender{}
	fu := newFollowups(f, &fakeGenerator{reply: &external.Reply{Body: "hello"}}, sender)

	in := f.ingest(t, inbound("T1", "hi", t0))
	require.NoError(t, fu.GenerateResponse(ctx, lastJob(t, f, queue.TopicGenerateResponse)))
	job := lastJob(t, f, queue.TopicDeliverOutbound)

	require.NoError(t, fu.DeliverOutbound(ctx, job))
	require.NoError(t, fu.DeliverOutbound(ctx, job))

	require.Len(t, sender.sent, 1)
	sent := sender.sent[0]
	assert.Equal(t, "hello", sent.Body)
	assert.Equal(t, userAddr, sent.To)
	assert.Equal(t, businessAddr, sent.From)
	assert.Equal(t, "whatsapp", sent.Channel)

	reply, err := f.msgs.GetByToken(ctx, "tenant-1", ReplyToken(in.Message.ID))
	require.NoError(t, err)
	assert.Equal(t, "wamid-1", reply.MetaString(models.MetaProviderMessageID))
	assert.NotEmpty(t, reply.MetaString(models.MetaDeliveredAt))
}

func TestPermanentDeliveryFailureFailsConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sender := &fakeSender{err: apperrors.Fatal("gateway", assert.AnError)}
	fu := newFollowups(f, &fakeGenerator{reply: &external.Reply{Body: "hello"}}, sender)

	in := f.ingest(t, inbound("T1", "hi", t0))
	require.NoError(t, fu.GenerateResponse(ctx, lastJob(t, f, queue.TopicGenerateResponse)))

	err := fu.DeliverOutbound(ctx, lastJob(t, f, queue.TopicDeliverOutbound))
	assert.ErrorIs(t, err, queue.ErrPoison)

	conv, err := f.convs.Get(ctx, in.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, conv.Status)
	rows := f.history(t, conv.ID)
	assert.Equal(t, models.StatusProgress, rows[len(rows)-1].FromStatus)
	assert.Equal(t, ReasonFatalError, rows[len(rows)-1].Reason)
}

func TestMissingMessageIsDropped(t *testing.T) {
	f := newFixture(t)
	fu := newFollowups(f, &fakeGenerator{}, &fakeSender{})

	job := &queue.Job{ID: "j", Topic: queue.TopicDeliverOutbound, Attempts: 1,
		Payload: []byte(`{"tenant_id":"tenant-1","conversation_id":"c","message_id":"missing"}`)}
	err := fu.DeliverOutbound(context.Background(), job)
	assert.ErrorIs(t, err, queue.ErrPoison)

	job.Payload = []byte(`not json`)
	assert.ErrorIs(t, fu.GenerateResponse(context.Background(), job), queue.ErrPoison)
}
