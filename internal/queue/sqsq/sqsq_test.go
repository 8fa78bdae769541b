package sqsq

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"conversation-engine/backend/internal/queue"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessage struct {
	body      string
	attrs     map[string]types.MessageAttributeValue
	receipts  int
	visibleAt time.Time
	deleted   bool
}

// fakeSQS keeps messages in memory per queue url.
type fakeSQS struct {
	mu     sync.Mutex
	now    time.Time
	queues map[string][]*fakeMessage
	byRcpt map[string]*fakeMessage
	seq    int
	err    error
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{
		now:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		queues: make(map[string][]*fakeMessage),
		byRcpt: make(map[string]*fakeMessage),
	}
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	url := aws.ToString(in.QueueUrl)
	f.queues[url] = append(f.queues[url], &fakeMessage{
		body:      aws.ToString(in.MessageBody),
		attrs:     in.MessageAttributes,
		visibleAt: f.now.Add(time.Duration(in.DelaySeconds) * time.Second),
	})
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.queues[aws.ToString(in.QueueUrl)] {
		if m.deleted || m.visibleAt.After(f.now) {
			continue
		}
		m.receipts++
		m.visibleAt = f.now.Add(time.Duration(in.VisibilityTimeout) * time.Second)
		f.seq++
		rcpt := "rcpt-" + strconv.Itoa(f.seq)
		f.byRcpt[rcpt] = m
		return &sqs.ReceiveMessageOutput{Messages: []types.Message{{
			MessageId:         aws.String("sqs-" + strconv.Itoa(f.seq)),
			ReceiptHandle:     aws.String(rcpt),
			Body:              aws.String(m.body),
			MessageAttributes: m.attrs,
			Attributes: map[string]string{
				string(types.MessageSystemAttributeNameApproximateReceiveCount): strconv.Itoa(m.receipts),
			},
		}}}, nil
	}
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byRcpt[aws.ToString(in.ReceiptHandle)]
	if !ok {
		return nil, errors.New("ReceiptHandleIsInvalid")
	}
	m.deleted = true
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byRcpt[aws.ToString(in.ReceiptHandle)]
	if !ok {
		return nil, errors.New("ReceiptHandleIsInvalid")
	}
	m.visibleAt = f.now.Add(time.Duration(in.VisibilityTimeout) * time.Second)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func mustNewQueue(t *testing.T, api sqsAPI, opts Options) *Queue {
	t.Helper()
	q, err := New(api, opts)
	require.NoError(t, err)
	return q
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Options{URLPrefix: "x"})
	assert.Error(t, err)
	_, err = New(newFakeSQS(), Options{})
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	api := newFakeSQS()
	q := mustNewQueue(t, api, Options{URLPrefix: "https://sqs.local/000/conv-", VisibilityTimeout: 30 * time.Second})

	id, err := q.Enqueue(ctx, queue.TopicDeliverOutbound, []byte(`{"message_id":"m1"}`))
	require.NoError(t, err)
	assert.Len(t, api.queues["https://sqs.local/000/conv-deliver_outbound"], 1)

	job, err := q.Dequeue(ctx, queue.TopicDeliverOutbound)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 1, job.Attempts)
	assert.False(t, job.EnqueuedAt.IsZero())

	none, err := q.Dequeue(ctx, queue.TopicDeliverOutbound)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, q.Ack(ctx, job))
	api.advance(time.Hour)
	none, err = q.Dequeue(ctx, queue.TopicDeliverOutbound)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestNackChangesVisibilityAndCountsAttempts(t *testing.T) {
	ctx := context.Background()
	api := newFakeSQS()
	q := mustNewQueue(t, api, Options{URLPrefix: "p-", VisibilityTimeout: 30 * time.Second})

	_, err := q.Enqueue(ctx, "t", []byte(`{}`))
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, job, 5*time.Second))

	api.advance(5 * time.Second)
	again, err := q.Dequeue(ctx, "t")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempts)
}

func TestDeadLetterParksAndDeletes(t *testing.T) {
	ctx := context.Background()
	api := newFakeSQS()
	q := mustNewQueue(t, api, Options{URLPrefix: "p-", DeadSuffix: "-dead"})

	_, err := q.Enqueue(ctx, "t", []byte(`{"x":1}`))
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, "t")
	require.NoError(t, err)

	require.NoError(t, q.DeadLetter(ctx, job, "poison"))
	require.Len(t, api.queues["p-t-dead"], 1)
	assert.Equal(t, `{"x":1}`, api.queues["p-t-dead"][0].body)
	assert.True(t, api.queues["p-t"][0].deleted)
}

func TestSendErrorIsWrapped(t *testing.T) {
	api := newFakeSQS()
	api.err = errors.New("throttled")
	q := mustNewQueue(t, api, Options{URLPrefix: "p-"})

	_, err := q.Enqueue(context.Background(), "t", []byte(`{}`))
	assert.ErrorContains(t, err, "throttled")
}
