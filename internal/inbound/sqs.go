package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the part of the SQS client the source uses
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSConfig identifies the queue and its polling behaviour
type SQSConfig struct {
	QueueURL string
	// DeadLetterQueueURL receives rejected messages; without it they are deleted
	DeadLetterQueueURL string
	WaitTime           time.Duration
	VisibilityTimeout  time.Duration
	// ExtendInterval is how often an unsettled message's visibility is renewed
	ExtendInterval time.Duration
}

// SQSSource long-polls an SQS queue one message at a time. A received message
// stays invisible until it is settled, however long its job runs.
type SQSSource struct {
	client SQSAPI
	config SQSConfig
	logger *slog.Logger

	mu     sync.Mutex
	leases map[*sqsLease]struct{}
}

// sqsLease renews a message's visibility until it is released
type sqsLease struct {
	receipt string
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSQSSource(client SQSAPI, config SQSConfig, logger *slog.Logger) *SQSSource {
	if config.WaitTime <= 0 {
		config.WaitTime = 20 * time.Second
	}
	if config.VisibilityTimeout < time.Second {
		config.VisibilityTimeout = 5 * time.Minute
	}
	if config.ExtendInterval <= 0 || config.ExtendInterval >= config.VisibilityTimeout {
		config.ExtendInterval = config.VisibilityTimeout / 2
	}
	return &SQSSource{
		client: client,
		config: config,
		logger: logger,
		leases: make(map[*sqsLease]struct{}),
	}
}

func (s *SQSSource) Poll(ctx context.Context) (*Message, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(s.config.QueueURL),
		MaxNumberOfMessages:         1,
		WaitTimeSeconds:             int32(s.config.WaitTime / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
		VisibilityTimeout:           s.visibilitySeconds(),
	}

	out, err := s.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to receive message: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	m := out.Messages[0]
	receives, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	id := aws.ToString(m.MessageId)
	return &Message{
		ID:          id,
		Body:        []byte(aws.ToString(m.Body)),
		Redelivered: receives > 1,
		handle:      s.lease(ctx, id, aws.ToString(m.ReceiptHandle)),
	}, nil
}

func (s *SQSSource) visibilitySeconds() int32 {
	return int32(s.config.VisibilityTimeout / time.Second)
}

// lease renews the message's visibility every ExtendInterval until released.
// It outlives ctx so a message interrupted by shutdown is still hidden until
// it is requeued.
func (s *SQSSource) lease(ctx context.Context, id, receipt string) *sqsLease {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &sqsLease{receipt: receipt, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.leases[l] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(s.config.ExtendInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, err := s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
					QueueUrl:          aws.String(s.config.QueueURL),
					ReceiptHandle:     aws.String(receipt),
					VisibilityTimeout: s.visibilitySeconds(),
				})
				if err != nil && ctx.Err() == nil {
					s.logger.Warn("Failed to extend message visibility",
						slog.String("message_id", id),
						slog.Any("error", err),
					)
				}
			}
		}
	}()
	return l
}

func (s *SQSSource) release(l *sqsLease) {
	l.cancel()
	<-l.done

	s.mu.Lock()
	delete(s.leases, l)
	s.mu.Unlock()
}

// receipt stops the message's lease and returns its receipt handle
func (s *SQSSource) receipt(msg *Message) (string, error) {
	l, ok := msg.handle.(*sqsLease)
	if !ok || l == nil || l.receipt == "" {
		return "", ErrUnknownMessage
	}
	s.release(l)
	return l.receipt, nil
}

// Ack deletes the message
func (s *SQSSource) Ack(ctx context.Context, msg *Message) error {
	handle, err := s.receipt(msg)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.config.QueueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// Requeue makes the message visible again immediately
func (s *SQSSource) Requeue(ctx context.Context, msg *Message) error {
	handle, err := s.receipt(msg)
	if err != nil {
		return err
	}
	_, err = s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(s.config.QueueURL),
		ReceiptHandle:     aws.String(handle),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("failed to reset message visibility: %w", err)
	}
	return nil
}

// Reject moves the message to the dead letter queue when one is configured
func (s *SQSSource) Reject(ctx context.Context, msg *Message) error {
	if s.config.DeadLetterQueueURL != "" {
		_, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(s.config.DeadLetterQueueURL),
			MessageBody: aws.String(string(msg.Body)),
		})
		if err != nil {
			return fmt.Errorf("failed to dead-letter message: %w", err)
		}
	} else {
		s.logger.Warn("Dropping rejected message, no dead letter queue configured",
			slog.String("message_id", msg.ID),
		)
	}
	return s.Ack(ctx, msg)
}

// Close stops renewing every unsettled message
func (s *SQSSource) Close() error {
	s.mu.Lock()
	leases := make([]*sqsLease, 0, len(s.leases))
	for l := range s.leases {
		leases = append(leases, l)
	}
	s.mu.Unlock()

	for _, l := range leases {
		s.release(l)
	}
	return nil
}
