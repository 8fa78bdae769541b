// Package sqsq is the cloud queue backend on Amazon SQS. One SQS queue per
// topic, addressed as URLPrefix+topic. Nack shortens the message's
// visibility timeout; SQS itself counts receives.
package sqsq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"conversation-engine/backend/internal/queue"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
)

const (
	attrJobID      = "job_id"
	attrEnqueuedAt = "enqueued_at"
	attrDeadReason = "dead_reason"

	maxDelay      = 15 * time.Minute
	maxVisibility = 12 * time.Hour
)

// sqsAPI is the subset of *sqs.Client the backend uses.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

type Options struct {
	URLPrefix         string
	VisibilityTimeout time.Duration
	WaitTime          time.Duration
	// DeadSuffix names the parking queue (URLPrefix+topic+DeadSuffix). Empty
	// means dead jobs are deleted; configure a redrive policy instead.
	DeadSuffix string
}

type Queue struct {
	api  sqsAPI
	opts Options
}

var (
	_ queue.Puller       = (*Queue)(nil)
	_ queue.DeadLetterer = (*Queue)(nil)
)

func New(api sqsAPI, opts Options) (*Queue, error) {
	if api == nil {
		return nil, errors.New("sqsq: api must not be nil")
	}
	if opts.URLPrefix == "" {
		return nil, errors.New("sqsq: queue url prefix is required")
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = time.Minute
	}
	if opts.WaitTime < 0 || opts.WaitTime > 20*time.Second {
		opts.WaitTime = 20 * time.Second
	}
	return &Queue{api: api, opts: opts}, nil
}

func (q *Queue) url(topic string) *string {
	return aws.String(q.opts.URLPrefix + topic)
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

func seconds(d, max time.Duration) int32 {
	if d < 0 {
		d = 0
	}
	if d > max {
		d = max
	}
	return int32(d / time.Second)
}

func (q *Queue) Enqueue(ctx context.Context, topic string, payload []byte, opts ...queue.EnqueueOption) (string, error) {
	id := uuid.Must(uuid.NewV7()).String()
	_, err := q.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     q.url(topic),
		MessageBody:  aws.String(string(payload)),
		DelaySeconds: seconds(queue.ApplyOptions(opts), maxDelay),
		MessageAttributes: map[string]types.MessageAttributeValue{
			attrJobID:      stringAttr(id),
			attrEnqueuedAt: stringAttr(strconv.FormatInt(time.Now().UnixMilli(), 10)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("sqsq: send %s: %w", topic, err)
	}
	return id, nil
}

// Dequeue long-polls for one message. SQS hides it for the visibility
// timeout; an unsettled message reappears on its own.
func (q *Queue) Dequeue(ctx context.Context, topic string) (*queue.Job, error) {
	out, err := q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    q.url(topic),
		MaxNumberOfMessages:         1,
		WaitTimeSeconds:             seconds(q.opts.WaitTime, 20*time.Second),
		VisibilityTimeout:           seconds(q.opts.VisibilityTimeout, maxVisibility),
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return nil, fmt.Errorf("sqsq: receive %s: %w", topic, err)
	}
	if out == nil || len(out.Messages) == 0 {
		return nil, nil
	}

	m := out.Messages[0]
	job := &queue.Job{
		ID:       aws.ToString(m.MessageId),
		Topic:    topic,
		Payload:  []byte(aws.ToString(m.Body)),
		Attempts: 1,
		Receipt:  aws.ToString(m.ReceiptHandle),
	}
	if v, ok := m.MessageAttributes[attrJobID]; ok && v.StringValue != nil {
		job.ID = *v.StringValue
	}
	if v, ok := m.MessageAttributes[attrEnqueuedAt]; ok && v.StringValue != nil {
		if ms, err := strconv.ParseInt(*v.StringValue, 10, 64); err == nil {
			job.EnqueuedAt = time.UnixMilli(ms)
		}
	}
	if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil && n > 0 {
		job.Attempts = n
	}
	return job, nil
}

func (q *Queue) Ack(ctx context.Context, job *queue.Job) error {
	_, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      q.url(job.Topic),
		ReceiptHandle: aws.String(job.Receipt),
	})
	if err != nil {
		return fmt.Errorf("sqsq: delete %s: %w", job.ID, err)
	}
	return nil
}

// Nack makes the message visible again after retryAfter.
func (q *Queue) Nack(ctx context.Context, job *queue.Job, retryAfter time.Duration) error {
	_, err := q.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          q.url(job.Topic),
		ReceiptHandle:     aws.String(job.Receipt),
		VisibilityTimeout: seconds(retryAfter, maxVisibility),
	})
	if err != nil {
		return fmt.Errorf("sqsq: change visibility %s: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) DeadLetter(ctx context.Context, job *queue.Job, reason string) error {
	if q.opts.DeadSuffix != "" {
		_, err := q.api.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    q.url(job.Topic + q.opts.DeadSuffix),
			MessageBody: aws.String(string(job.Payload)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				attrJobID:      stringAttr(job.ID),
				attrDeadReason: stringAttr(reason),
			},
		})
		if err != nil {
			return fmt.Errorf("sqsq: park %s: %w", job.ID, err)
		}
	}
	return q.Ack(ctx, job)
}

func (q *Queue) Close() error { return nil }
