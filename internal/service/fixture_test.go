package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"conversation-engine/backend/internal/closure"
	"conversation-engine/backend/internal/models"
	"conversation-engine/backend/internal/queue/queuetest"
	"conversation-engine/backend/internal/repository"
	"conversation-engine/backend/internal/repository/repotest"
	"conversation-engine/backend/pkg/logger"
	"conversation-engine/backend/pkg/observability"
	"conversation-engine/backend/pkg/retry"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	msgs      *repository.GormMessageRepository
	convs     *repository.GormConversationRepository
	lifecycle *Lifecycle
	ingestor  *Ingestor
	producer  *queuetest.Recorder
	clock     *testClock
}

var testPolicy = retry.Policy{MaxAttempts: 8, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := repotest.NewDB(t)

	f := &fixture{
		msgs:     repository.NewGormMessageRepository(db),
		convs:    repository.NewGormConversationRepository(db),
		producer: &queuetest.Recorder{},
		clock:    &testClock{now: t0},
	}
	f.lifecycle = NewLifecycle(f.convs, testPolicy, logger.Nop(), observability.NopMetrics()).WithClock(f.clock.Now)
	f.ingestor = NewIngestor(IngestorDeps{
		Messages:      f.msgs,
		Conversations: f.convs,
		Lifecycle:     f.lifecycle,
		Detector:      closure.New(closure.Config{SuspectThreshold: 0.6, CloseThreshold: 0.8, MinDuration: 2 * time.Minute}),
		Producer:      f.producer,
		Policy:        testPolicy,
		Logger:        logger.Nop(),
		Metrics:       observability.NopMetrics(),
	}, IngestConfig{Expiration: 24 * time.Hour}).WithClock(f.clock.Now)
	return f
}

const (
	userAddr     = "whatsapp:+55 (11) 99999-0000"
	businessAddr = "whatsapp:+55 11 3333-0000"
)

func inbound(token, body string, at time.Time) InboundEvent {
	return InboundEvent{
		TenantID:      "tenant-1",
		From:          userAddr,
		To:            businessAddr,
		ExternalToken: token,
		Body:          body,
		Direction:     models.DirectionInbound,
		Timestamp:     at,
	}
}

func outbound(token, body string, at time.Time) InboundEvent {
	return InboundEvent{
		TenantID:      "tenant-1",
		From:          businessAddr,
		To:            userAddr,
		ExternalToken: token,
		Body:          body,
		Direction:     models.DirectionOutbound,
		Timestamp:     at,
	}
}

func (f *fixture) ingest(t *testing.T, ev InboundEvent) *IngestResult {
	t.Helper()
	res, err := f.ingestor.Ingest(context.Background(), ev)
	require.NoError(t, err)
	return res
}

// openConversation stores a conversation directly in the given status.
func (f *fixture) openConversation(t *testing.T, status models.Status) *models.Conversation {
	t.Helper()
	res := f.ingest(t, inbound("open-"+t.Name(), "hello", f.clock.Now()))
	conv := res.Conversation
	if status == models.StatusPending {
		return conv
	}
	tr, err := f.lifecycle.Transition(context.Background(), TransitionRequest{
		ConversationID: conv.ID,
		To:             models.StatusProgress,
		Reason:         ReasonFirstExchange,
		Actor:          models.Actor{Kind: models.ActorSystem},
	})
	require.NoError(t, err)
	return tr.Conversation
}

func (f *fixture) history(t *testing.T, conversationID string) []models.StateTransition {
	t.Helper()
	rows, err := f.convs.History(context.Background(), conversationID)
	require.NoError(t, err)
	return rows
}
