package feedback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/db"
	"github.com/lalithlochan/outreach/internal/metrics"
	"github.com/lalithlochan/outreach/internal/processor"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// Endpoint overrides the AWS endpoint, for LocalStack.
	Endpoint string

	MaxMessages       int32
	WaitTimeSeconds   int32
	VisibilityTimeout int32
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

// Recorder stores tracking events.
type Recorder interface {
	Record(ctx context.Context, in processor.TrackInput) (*db.TrackingEvent, error)
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Consumer long-polls an SQS queue subscribed to SES notifications and
// records each one through a Recorder.
type Consumer struct {
	client   sqsAPI
	recorder Recorder
	config   Config
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, recorder Recorder, logger *zap.Logger) (*Consumer, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs feedback consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return newConsumer(client, cfg, recorder, logger), nil
}

func newConsumer(client sqsAPI, cfg Config, recorder Recorder, logger *zap.Logger) *Consumer {
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.WaitTimeSeconds <= 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}

	return &Consumer{
		client:   client,
		recorder: recorder,
		config:   cfg,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("feedback consumer started")

	for {
		if ctx.Err() != nil {
			c.logger.Info("feedback consumer stopping")
			return nil
		}

		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("failed to receive feedback", zap.Error(err))

			select {
			case <-ctx.Done():
			case <-time.After(c.config.ErrorBackoff):
			}
		}
	}
}

// Poll receives one batch of messages and handles each. It returns how many
// messages were removed from the queue.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.config.QueueURL),
		MaxNumberOfMessages: c.config.MaxMessages,
		WaitTimeSeconds:     c.config.WaitTimeSeconds,
		VisibilityTimeout:   c.config.VisibilityTimeout,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}
	if len(result.Messages) == 0 {
		return 0, nil
	}

	metrics.SetSQSMessagesInFlight(len(result.Messages))
	defer metrics.SetSQSMessagesInFlight(0)

	done := 0
	for _, msg := range result.Messages {
		if c.handle(ctx, msg) {
			done++
		}
	}
	return done, nil
}

// handle records one message and deletes it unless recording failed for a
// reason a redelivery could fix.
func (c *Consumer) handle(ctx context.Context, msg types.Message) bool {
	log := c.logger.With(zap.String("sqs_message_id", aws.ToString(msg.MessageId)))

	outcome := "recorded"
	in, err := Parse([]byte(aws.ToString(msg.Body)))
	switch {
	case errors.Is(err, ErrUnsupported):
		outcome = "skipped"
		log.Debug("skipping notification", zap.Error(err))
	case err != nil:
		outcome = "malformed"
		log.Warn("dropping malformed notification", zap.Error(err))
	default:
		_, err = c.recorder.Record(ctx, in)
		switch {
		case errors.Is(err, db.ErrNotFound):
			outcome = "unmatched"
			log.Debug("notification for unknown email",
				zap.String("provider_message_id", in.ProviderMessageID),
			)
		case err != nil:
			metrics.RecordFeedbackMessage("error")
			log.Error("failed to record notification, leaving it for redelivery",
				zap.Error(err),
				zap.String("event_type", in.EventType),
			)
			return false
		}
	}

	metrics.RecordFeedbackMessage(outcome)

	if err := c.delete(ctx, msg.ReceiptHandle); err != nil {
		log.Error("failed to delete message", zap.Error(err))
		return false
	}
	return true
}

func (c *Consumer) delete(ctx context.Context, receiptHandle *string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.config.QueueURL),
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}
