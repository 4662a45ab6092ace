package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// maxDelay is the longest DelaySeconds SQS accepts.
const maxDelay = 15 * time.Minute

// DefaultVisibilityTimeout exceeds the worker's default job timeout.
const DefaultVisibilityTimeout = 6 * time.Minute

type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSQueue struct {
	client     SQSAPI
	queueURL   string
	wait       time.Duration
	visibility time.Duration
}

type SQSOption func(*SQSQueue)

// WithVisibilityTimeout must exceed the longest time a worker holds a job.
func WithVisibilityTimeout(d time.Duration) SQSOption {
	return func(q *SQSQueue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

func NewSQSQueue(ctx context.Context, region, queueURL string, opts ...SQSOption) (*SQSQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSQueueWithConfig(cfg, queueURL, opts...), nil
}

func NewSQSQueueWithConfig(cfg aws.Config, queueURL string, opts ...SQSOption) *SQSQueue {
	return NewSQSQueueWithClient(sqs.NewFromConfig(cfg), queueURL, 20*time.Second, opts...)
}

// NewSQSQueueWithClient sets the long-poll wait used by Receive.
func NewSQSQueueWithClient(client SQSAPI, queueURL string, wait time.Duration, opts ...SQSOption) *SQSQueue {
	q := &SQSQueue{
		client:     client,
		queueURL:   queueURL,
		wait:       wait,
		visibility: DefaultVisibilityTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *SQSQueue) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(job.Kind)),
			},
			"JobID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.ID),
			},
			"Attempt": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(job.Attempt)),
			},
		},
	}
	if delay := time.Until(job.NotBefore); delay > 0 {
		if delay > maxDelay {
			delay = maxDelay
		}
		input.DelaySeconds = int32(delay.Seconds())
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, maxJobs int) ([]Job, error) {
	if maxJobs > 10 {
		maxJobs = 10
	}
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   int32(maxJobs),
		WaitTimeSeconds:       int32(q.wait.Seconds()),
		VisibilityTimeout:     int32(q.visibility.Seconds()),
		MessageAttributeNames: []string{"All"},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	jobs := make([]Job, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var job Job
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &job); err != nil {
			slog.Warn("failed to unmarshal job", "message_id", aws.ToString(msg.MessageId), "error", err)
			continue
		}
		job.ReceiptHandle = aws.ToString(msg.ReceiptHandle)
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *SQSQueue) Delete(ctx context.Context, job Job) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(job.ReceiptHandle),
	}

	if _, err := q.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}
