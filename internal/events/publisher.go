// Package events fans recorded tracking events out to an SNS topic.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/db"
)

// Config holds SNS configuration. Endpoint overrides the AWS endpoint, for
// LocalStack.
type Config struct {
	TopicARN string
	Region   string
	Endpoint string
}

// Message is the JSON body published for each tracking event.
type Message struct {
	EventID         int64          `json:"event_id"`
	EventType       string         `json:"event_type"`
	CampaignID      int64          `json:"campaign_id"`
	EmailID         int64          `json:"email_id"`
	LeadID          int64          `json:"lead_id,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	Data            map[string]any `json:"data,omitempty"`
	ProviderEventID string         `json:"provider_event_id,omitempty"`
}

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher publishes tracking events to an SNS topic. Subscribers filter on
// the event_type and campaign_id message attributes.
type Publisher struct {
	client   snsAPI
	topicARN string
	logger   *zap.Logger
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sns event publisher initialized", zap.String("topic_arn", cfg.TopicARN))

	return &Publisher{
		client:   client,
		topicARN: cfg.TopicARN,
		logger:   logger,
	}, nil
}

// NewMessage converts a tracking event to its published form.
func NewMessage(ev *db.TrackingEvent) Message {
	return Message{
		EventID:         ev.ID,
		EventType:       ev.EventType,
		CampaignID:      ev.CampaignID,
		EmailID:         ev.EmailID,
		LeadID:          ev.LeadID,
		Timestamp:       ev.EventTimestamp,
		Data:            ev.EventData,
		ProviderEventID: ev.ProviderEventID,
	}
}

// Publish sends one tracking event to the topic.
func (p *Publisher) Publish(ctx context.Context, ev *db.TrackingEvent) error {
	msg := NewMessage(ev)
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.EventType),
			},
			"campaign_id": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.FormatInt(msg.CampaignID, 10)),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("tracking event published",
		zap.String("sns_message_id", aws.ToString(result.MessageId)),
		zap.Int64("email_id", msg.EmailID),
		zap.String("event_type", msg.EventType),
	)
	return nil
}
