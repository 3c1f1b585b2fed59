package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// sesAPI is the part of the SES client used here.
type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
	SendRawEmail(ctx context.Context, params *ses.SendRawEmailInput, optFns ...func(*ses.Options)) (*ses.SendRawEmailOutput, error)
}

// SES delivers mail through Amazon SES. Messages with attachments go out as
// raw MIME.
type SES struct {
	s      Settings
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	client sesAPI
}

// NewSES creates an SES provider. The AWS client is built on first send so
// that configuration problems surface as failed Results.
func NewSES(s Settings, logger *zap.Logger) *SES {
	return &SES{s: s, logger: logger, now: time.Now}
}

func (p *SES) Name() string { return KindSES }

func (p *SES) api(ctx context.Context) (sesAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	if p.s.AWSRegion == "" {
		return nil, errors.New("aws region is not configured")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(p.s.AWSRegion)}
	if p.s.AWSAccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(p.s.AWSAccessKeyID, p.s.AWSSecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	p.client = ses.NewFromConfig(awsCfg)
	return p.client, nil
}

// Send submits msg and returns the SES message id.
func (p *SES) Send(ctx context.Context, msg *Message) (res Result) {
	defer guard(KindSES, p.logger, &res)

	msg = withFrom(msg, p.s)
	if err := validate(msg); err != nil {
		return failure(KindSES, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.s.timeout())
	defer cancel()

	client, err := p.api(ctx)
	if err != nil {
		return failure(KindSES, err)
	}

	var messageID string
	if files := loadAttachments(msg.Attachments, p.logger); len(files) > 0 {
		messageID, err = p.sendRaw(ctx, client, msg, files)
	} else {
		messageID, err = p.sendSimple(ctx, client, msg)
	}
	if err != nil {
		p.logger.Warn("ses send failed", zap.String("to", msg.To), zap.Error(err))
		return failure(KindSES, err)
	}

	p.logger.Info("email sent via SES",
		zap.String("to", msg.To),
		zap.String("message_id", messageID),
	)

	return success(KindSES, messageID)
}

func (p *SES) sendSimple(ctx context.Context, client sesAPI, msg *Message) (string, error) {
	body := &types.Body{
		Text: &types.Content{
			Data:    aws.String(msg.Text),
			Charset: aws.String("UTF-8"),
		},
	}
	html := msg.HTML
	if html == "" {
		html = msg.Text
	}
	body.Html = &types.Content{
		Data:    aws.String(html),
		Charset: aws.String("UTF-8"),
	}

	input := &ses.SendEmailInput{
		Source: aws.String(formatAddress(msg.FromName, msg.From)),
		Destination: &types.Destination{
			ToAddresses: []string{formatAddress(msg.ToName, msg.To)},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	out, err := client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

func (p *SES) sendRaw(ctx context.Context, client sesAPI, msg *Message, files []file) (string, error) {
	raw, err := buildMIME(msg, newMessageID(msg.From), p.now(), files)
	if err != nil {
		return "", fmt.Errorf("build message: %w", err)
	}

	out, err := client.SendRawEmail(ctx, &ses.SendRawEmailInput{
		Source:       aws.String(formatAddress(msg.FromName, msg.From)),
		Destinations: []string{msg.To},
		RawMessage:   &types.RawMessage{Data: raw},
	})
	if err != nil {
		return "", fmt.Errorf("ses send raw: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}
