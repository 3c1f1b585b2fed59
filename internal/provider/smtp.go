package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// SMTP TLS modes
const (
	TLSModeStartTLS = "starttls"
	TLSModeImplicit = "tls"
	TLSModeNone     = "none"
)

const defaultSMTPPort = 587

// SMTP delivers mail over a fresh SMTP session per message.
type SMTP struct {
	settings Settings
	logger   *zap.Logger
	now      func() time.Time
}

// NewSMTP creates an SMTP provider.
func NewSMTP(s Settings, logger *zap.Logger) *SMTP {
	return &SMTP{
		settings: s,
		logger:   logger,
		now:      time.Now,
	}
}

func (p *SMTP) Name() string { return KindSMTP }

// Send delivers msg and returns the generated Message-ID on success.
func (p *SMTP) Send(ctx context.Context, msg *Message) (res Result) {
	defer guard(KindSMTP, p.logger, &res)

	msg = withFrom(msg, p.settings)
	if err := validate(msg); err != nil {
		return failure(KindSMTP, err)
	}
	if p.settings.SMTPHost == "" {
		return failure(KindSMTP, errors.New("smtp host is not configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, p.settings.timeout())
	defer cancel()

	messageID := newMessageID(msg.From)
	raw, err := buildMIME(msg, messageID, p.now(), loadAttachments(msg.Attachments, p.logger))
	if err != nil {
		return failure(KindSMTP, fmt.Errorf("build message: %w", err))
	}

	if err := p.deliver(ctx, msg, raw); err != nil {
		p.logger.Warn("smtp send failed",
			zap.String("to", msg.To),
			zap.String("host", p.settings.SMTPHost),
			zap.Error(err),
		)
		return failure(KindSMTP, err)
	}

	p.logger.Info("email sent via smtp",
		zap.String("to", msg.To),
		zap.String("message_id", messageID),
	)

	return success(KindSMTP, messageID)
}

func (p *SMTP) deliver(ctx context.Context, msg *Message, raw []byte) error {
	host := p.settings.SMTPHost
	port := p.settings.SMTPPort
	if port == 0 {
		port = defaultSMTPPort
	}
	mode := p.settings.SMTPTLSMode
	if mode == "" {
		mode = TLSModeStartTLS
	}

	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}
	// Unblock any pending read or write when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = netConn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	conn := netConn
	if mode == TLSModeImplicit {
		conn = tls.Client(netConn, &tls.Config{ServerName: host})
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if mode == TLSModeStartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return errors.New("smtp server does not support STARTTLS")
		}
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if p.settings.SMTPUsername != "" && p.settings.SMTPPassword != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("smtp server does not support AUTH")
		}
		auth := smtp.PlainAuth("", p.settings.SMTPUsername, p.settings.SMTPPassword, host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(msg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(msg.To); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish message: %w", err)
	}

	return c.Quit()
}
