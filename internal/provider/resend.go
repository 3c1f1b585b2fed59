package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/resend/resend-go/v3"
	"go.uber.org/zap"
)

// resendEmails is the part of the Resend client used here.
type resendEmails interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// Resend delivers mail through the Resend HTTP API.
type Resend struct {
	emails resendEmails
	logger *zap.Logger
	s      Settings
}

// NewResend creates a Resend provider. A missing API key is reported on send.
func NewResend(s Settings, logger *zap.Logger) *Resend {
	p := &Resend{logger: logger, s: s}
	if s.ResendAPIKey != "" {
		p.emails = resend.NewClient(s.ResendAPIKey).Emails
	}
	return p
}

func (p *Resend) Name() string { return KindResend }

// Send submits msg and returns the id assigned by Resend.
func (p *Resend) Send(ctx context.Context, msg *Message) (res Result) {
	defer guard(KindResend, p.logger, &res)

	msg = withFrom(msg, p.s)
	if err := validate(msg); err != nil {
		return failure(KindResend, err)
	}
	if p.emails == nil {
		return failure(KindResend, errors.New("resend api key is not configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, p.s.timeout())
	defer cancel()

	req := &resend.SendEmailRequest{
		From:    formatAddress(msg.FromName, msg.From),
		To:      []string{formatAddress(msg.ToName, msg.To)},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
		ReplyTo: msg.ReplyTo,
		Headers: msg.Headers,
	}

	for _, f := range loadAttachments(msg.Attachments, p.logger) {
		req.Attachments = append(req.Attachments, &resend.Attachment{
			Filename:    f.Name,
			Content:     f.Content,
			ContentType: f.ContentType,
		})
	}

	resp, err := p.emails.SendWithContext(ctx, req)
	if err != nil {
		p.logger.Warn("resend send failed", zap.String("to", msg.To), zap.Error(err))
		return failure(KindResend, fmt.Errorf("resend: %w", err))
	}

	p.logger.Info("email sent via resend",
		zap.String("to", msg.To),
		zap.String("message_id", resp.Id),
	)

	return success(KindResend, resp.Id)
}
