package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"conversation-engine/backend/internal/closure"
	"conversation-engine/backend/internal/external"
	"conversation-engine/backend/internal/models"
	"conversation-engine/backend/internal/queue"
	"conversation-engine/backend/internal/queue/queuetest"
	apperrors "conversation-engine/backend/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionKeyIsDirectionAgnostic(t *testing.T) {
	a := SessionKey("t1", "whatsapp", "whatsapp:+55 (11) 99999-0000", "whatsapp:+551133330000")
	b := SessionKey("t1", "whatsapp", "+551133330000", "+55-11-99999-0000")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, SessionKey("t2", "whatsapp", "+5511999990000", "+551133330000"))
	assert.NotEqual(t, a, SessionKey("t1", "sms", "+5511999990000", "+551133330000"))
}

func TestSessionKeySeparatesDottedHandles(t *testing.T) {
	a := SessionKey("t1", "web", "web:john.smith@x.com", "web:support@biz.com")
	b := SessionKey("t1", "web", "web:johnsmith@x.com", "web:support@biz.com")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, SessionKey("t1", "web", "web:John.Smith@X.com", "web:support@biz.com"))
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "+5511999990000", NormalizeAddress("WhatsApp:+55 (11) 99999-0000"))
	assert.Equal(t, "+5511999990000", NormalizeAddress("＋５５１１９９９９９００００"))
	assert.Equal(t, "user@example.com", NormalizeAddress("web:User@Example.com"))
	assert.Equal(t, "john.smith@x.com", NormalizeAddress("web:John.Smith@x.com"))
	assert.Equal(t, "+15550001", NormalizeAddress("sms:+1 555.0001"))
	assert.Equal(t, "whatsapp", ChannelOf("", "whatsapp:+1", "+2"))
	assert.Equal(t, "telegram", ChannelOf("Telegram", "whatsapp:+1", "+2"))
	assert.Equal(t, "sms", ChannelOf("", "+1", "+2"))
}

// Inbound T1 on a fresh pair creates one conversation and one message; a
// redelivery of T1 is absorbed. The generated reply then moves the
// conversation PENDING -> PROGRESS.
func TestIngestFreshPairAndDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := f.ingest(t, inbound("T1", "hello, I need help with my order", t0))
	assert.False(t, first.Duplicate)
	assert.Equal(t, models.StatusPending, first.Conversation.Status)
	assert.Equal(t, "whatsapp", first.Conversation.ChannelType)
	assert.Equal(t, first.Conversation.StartedAt.Add(24*time.Hour), first.Conversation.ExpiresAt)
	require.True(t, first.Message.Attached())
	assert.NotEmpty(t, first.FollowupJobID)

	second := f.ingest(t, inbound("T1", "hello, I need help with my order", t0))
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Message.ID, second.Message.ID)
	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)
	assert.Equal(t, first.FollowupJobID, second.FollowupJobID)

	count, err := f.msgs.Count(ctx, first.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	counts, err := f.convs.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[models.Status]int64{models.StatusPending: 1}, counts)
	assert.Len(t, f.producer.Jobs(queue.TopicGenerateResponse), 1)

	reply := outbound(ReplyToken(first.Message.ID), "Sure, what is the order number?", t0.Add(time.Second))
	reply.CorrelationID = first.Message.ID
	res := f.ingest(t, reply)
	assert.Equal(t, first.Conversation.ID, res.Conversation.ID)
	assert.Equal(t, models.StatusProgress, res.Conversation.Status)

	rows := f.history(t, first.Conversation.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StatusPending, rows[0].FromStatus)
	assert.Equal(t, models.StatusProgress, rows[0].ToStatus)
	assert.Equal(t, ReasonFirstExchange, rows[0].Reason)
	assert.Equal(t, "agent:automated_agent", rows[0].Actor)
}

func TestConcurrentDuplicatesStoreOneMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*IngestResult
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.ingestor.Ingest(ctx, inbound("T-race", "hi", t0))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, results, n)

	fresh := 0
	for _, res := range results {
		if !res.Duplicate {
			fresh++
		}
		assert.Equal(t, results[0].Message.ID, res.Message.ID)
		assert.Equal(t, results[0].Conversation.ID, res.Conversation.ID)
	}
	assert.Equal(t, 1, fresh)

	count, err := f.msgs.Count(ctx, results[0].Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestBothDirectionsShareConversation(t *testing.T) {
	f := newFixture(t)

	in := f.ingest(t, inbound("in-1", "hi", t0))
	ev := outbound("out-1", "hello!", t0.Add(time.Second))
	ev.From = "whatsapp:+551133330000"
	ev.To = "+55 11 99999 0000"
	out := f.ingest(t, ev)

	assert.Equal(t, in.Conversation.ID, out.Conversation.ID)
	assert.Empty(t, f.producer.Jobs(queue.TopicDeliverOutbound), "ingesting an outbound event does not deliver it")
	assert.Len(t, f.producer.Jobs(queue.TopicGenerateResponse), 1)
}

func TestUnattachedDuplicateIsResumed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// first delivery crashed right after the insert
	orphan := &models.Message{
		ID:            uuid.Must(uuid.NewV7()).String(),
		TenantID:      "tenant-1",
		ExternalToken: "T-orphan",
		Direction:     models.DirectionInbound,
		SenderRole:    models.SenderEndUser,
		Body:          "hi",
		Timestamp:     t0,
	}
	require.NoError(t, f.msgs.Insert(ctx, orphan))

	res := f.ingest(t, inbound("T-orphan", "hi", t0))
	assert.True(t, res.Duplicate)
	assert.Equal(t, orphan.ID, res.Message.ID)
	require.NotNil(t, res.Conversation)

	stored, err := f.msgs.Get(ctx, orphan.ID)
	require.NoError(t, err)
	require.True(t, stored.Attached())
	assert.Equal(t, res.Conversation.ID, *stored.ConversationID)
	assert.Len(t, f.producer.Jobs(queue.TopicGenerateResponse), 1)
}

func TestFollowupIsEnqueuedOnRedeliveryAfterQueueOutage(t *testing.T) {
	f := newFixture(t)
	f.producer.Err = errors.New("queue down")

	_, err := f.ingestor.Ingest(context.Background(), inbound("T-q", "hi", t0))
	assert.ErrorIs(t, err, apperrors.ErrTransientBackend)

	f.producer.Err = nil
	res := f.ingest(t, inbound("T-q", "hi", t0))
	assert.True(t, res.Duplicate)
	assert.NotEmpty(t, res.FollowupJobID)
	assert.Len(t, f.producer.Jobs(queue.TopicGenerateResponse), 1)

	again := f.ingest(t, inbound("T-q", "hi", t0))
	assert.Equal(t, res.FollowupJobID, again.FollowupJobID)
	assert.Len(t, f.producer.Jobs(queue.TopicGenerateResponse), 1)
}

func TestExpiredConversationIsReplaced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	old := f.ingest(t, inbound("T-old", "hi", t0))
	f.clock.Advance(25 * time.Hour)

	res := f.ingest(t, inbound("T-new", "hi again", f.clock.Now()))
	assert.NotEqual(t, old.Conversation.ID, res.Conversation.ID)
	require.NotNil(t, res.Conversation.PredecessorID)
	assert.Equal(t, old.Conversation.ID, *res.Conversation.PredecessorID)
	assert.Equal(t, models.StatusPending, res.Conversation.Status)

	prev, err := f.convs.Get(ctx, old.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, prev.Status)
	rows := f.history(t, prev.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, ReasonExpiredOnIngest, rows[0].Reason)
}

// startExchange opens a conversation from addr and answers it so it is in
// PROGRESS with an agent message last.
func startExchange(t *testing.T, f *fixture, addr string, at time.Time) *IngestResult {
	t.Helper()
	ev := inbound("hi-"+addr, "hi", at)
	ev.From = addr
	first := f.ingest(t, ev)

	reply := outbound(ReplyToken(first.Message.ID), "Hello! How can I help?", at.Add(time.Second))
	reply.To = addr
	res := f.ingest(t, reply)
	require.Equal(t, models.StatusProgress, res.Conversation.Status)
	return res
}

func TestClosingKeywordClosesAfterMinimumDuration(t *testing.T) {
	f := newFixture(t)
	conv := startExchange(t, f, "+15550001", t0).Conversation
	f.clock.Advance(5 * time.Minute)

	ev := inbound("bye-1", "bye", t0.Add(5*time.Minute))
	ev.From = "+15550001"
	res := f.ingest(t, ev)

	require.NotNil(t, res.Closure)
	assert.GreaterOrEqual(t, res.Closure.Score, 0.8)
	assert.Equal(t, closure.BandClose, res.Closure.Band)
	assert.Equal(t, conv.ID, res.Conversation.ID)
	assert.Equal(t, models.StatusUserClosed, res.Conversation.Status)
	assert.Empty(t, res.FollowupJobID)

	rows := f.history(t, conv.ID)
	last := rows[len(rows)-1]
	assert.Equal(t, models.StatusProgress, last.FromStatus)
	assert.Equal(t, models.StatusUserClosed, last.ToStatus)
	assert.Equal(t, ReasonClosureDetected, last.Reason)

	stored, err := f.msgs.Get(context.Background(), res.Message.ID)
	require.NoError(t, err)
	score, ok := stored.MetaFloat(models.MetaClosureScore)
	require.True(t, ok)
	assert.Equal(t, res.Closure.Score, score)
}

func TestClosingKeywordIsPenalizedEarly(t *testing.T) {
	f := newFixture(t)
	conv := startExchange(t, f, "+15550002", t0).Conversation

	ev := inbound("bye-2", "bye", t0.Add(2*time.Second))
	ev.From = "+15550002"
	res := f.ingest(t, ev)

	require.NotNil(t, res.Closure)
	assert.True(t, res.Closure.Penalized)
	assert.Less(t, res.Closure.Score, 0.6)
	assert.Equal(t, models.StatusProgress, res.Conversation.Status)
	assert.Len(t, f.history(t, conv.ID), 1)
	assert.NotEmpty(t, res.FollowupJobID)
}

func TestSuspectedClosureAnnotatesContext(t *testing.T) {
	f := newFixture(t)
	startExchange(t, f, "+15550003", t0)

	ev := inbound("thx-3", "great, thanks a lot", t0.Add(10*time.Minute))
	ev.From = "+15550003"
	res := f.ingest(t, ev)

	require.NotNil(t, res.Closure)
	assert.Equal(t, closure.BandSuspect, res.Closure.Band)
	assert.Equal(t, models.StatusProgress, res.Conversation.Status)
	assert.Equal(t, true, res.Conversation.Context[models.ContextClosureSuspected])
	confidence, ok := res.Conversation.ContextFloat(models.ContextClosureConfidence)
	assert.True(t, ok)
	assert.Equal(t, res.Closure.Score, confidence)
}

func TestClosureConfidenceSurvivesStoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	startExchange(t, f, "+15550013", t0)

	ev := inbound("thx-13", "great, thanks a lot", t0.Add(10*time.Minute))
	ev.From = "+15550013"
	res := f.ingest(t, ev)
	require.NotNil(t, res.Closure)

	stored, err := f.convs.Get(context.Background(), res.Conversation.ID)
	require.NoError(t, err)
	confidence, ok := stored.ContextFloat(models.ContextClosureConfidence)
	require.True(t, ok)
	assert.InDelta(t, res.Closure.Score, confidence, 1e-9)
}

func TestHumanAgentExplicitCloseIsSupportClosed(t *testing.T) {
	f := newFixture(t)
	conv := startExchange(t, f, "+15550004", t0).Conversation

	ev := outbound("agent-close", "Closing this ticket, have a nice day.", t0.Add(time.Minute))
	ev.To = "+15550004"
	ev.SenderRole = models.SenderHumanAgent
	ev.Metadata = map[string]any{models.MetaCloseConversation: "true"}
	res := f.ingest(t, ev)

	assert.Equal(t, conv.ID, res.Conversation.ID)
	assert.Equal(t, models.StatusSupportClosed, res.Conversation.Status)
}

type stubIdentity struct {
	ident *external.Identity
	err   error
}

func (s stubIdentity) Resolve(context.Context, string, string) (*external.Identity, error) {
	return s.ident, s.err
}

func TestIdentityIsStoredOnNewConversation(t *testing.T) {
	f := newFixture(t)
	f.ingestor.identity = stubIdentity{ident: &external.Identity{TenantID: "tenant-1", UserID: "u-42", DisplayName: "Ana"}}

	res := f.ingest(t, inbound("T-id", "hi", t0))
	assert.Equal(t, "u-42", res.Conversation.Context[models.ContextUserID])
	assert.Equal(t, "Ana", res.Conversation.Context[models.ContextDisplayName])
}

func TestUnknownTenantIsRejectedBeforeStoring(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ingestor.identity = stubIdentity{err: apperrors.NotFound("tenant", "ghost")}

	_, err := f.ingestor.Ingest(ctx, inbound("T-ghost", "hi", t0))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = f.msgs.GetByToken(ctx, "tenant-1", "T-ghost")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestIngestValidates(t *testing.T) {
	f := newFixture(t)

	ev := inbound("", "hi", t0)
	_, err := f.ingestor.Ingest(context.Background(), ev)
	assert.Equal(t, apperrors.CodeValidation, apperrors.GetErrorCode(err))

	ev = inbound("T", "hi", t0)
	ev.Direction = "sideways"
	_, err = f.ingestor.Ingest(context.Background(), ev)
	assert.Equal(t, apperrors.CodeValidation, apperrors.GetErrorCode(err))
}

func TestFollowupPayload(t *testing.T) {
	f := newFixture(t)
	res := f.ingest(t, inbound("T-p", "hi", t0))

	jobs := f.producer.Jobs(queue.TopicGenerateResponse)
	require.Len(t, jobs, 1)
	p := queuetest.Decode[queue.MessagePayload](t, jobs[0])
	assert.Equal(t, queue.MessagePayload{TenantID: "tenant-1", ConversationID: res.Conversation.ID, MessageID: res.Message.ID}, p)
}
