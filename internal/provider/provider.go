// Package provider hands rendered emails to an outside transport.
//
// Every Provider reports the outcome of a send as a Result. Transport, auth
// and configuration problems, and panics inside a transport, become failed
// Results; Send never returns an error and never panics.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Provider kinds
const (
	KindSMTP   = "smtp"
	KindResend = "resend"
	KindSES    = "aws_ses"
	KindLog    = "log"
)

// DefaultTimeout bounds a single send when Settings.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// ErrUnknownProvider is returned by New for a kind outside the known set.
var ErrUnknownProvider = errors.New("unknown provider")

// Provider sends one email.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg *Message) Result
}

// Message is a fully rendered email.
type Message struct {
	To          string
	ToName      string
	From        string
	FromName    string
	ReplyTo     string
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
	Headers     map[string]string
}

// Attachment is a file read from disk at send time.
type Attachment struct {
	Path        string
	Filename    string
	ContentType string
}

// Result is the outcome of a send.
type Result struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Provider  string `json:"provider"`
	Error     string `json:"error,omitempty"`
}

// Settings carries transport credentials. Zero fields are filled from
// process-wide defaults with Merge.
type Settings struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	// SMTPTLSMode is one of TLSModeStartTLS, TLSModeImplicit or TLSModeNone.
	SMTPTLSMode string

	ResendAPIKey string

	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string

	// DefaultFrom is used when a message has no From address.
	DefaultFrom string

	Timeout time.Duration
}

// Merge returns s with every zero field taken from defaults.
func (s Settings) Merge(defaults Settings) Settings {
	pick := func(v, d string) string {
		if v != "" {
			return v
		}
		return d
	}

	out := s
	out.SMTPHost = pick(s.SMTPHost, defaults.SMTPHost)
	if out.SMTPPort == 0 {
		out.SMTPPort = defaults.SMTPPort
	}
	// Credentials travel as a pair so a campaign-specific user is never
	// combined with the global password.
	if s.SMTPUsername == "" && s.SMTPPassword == "" {
		out.SMTPUsername = defaults.SMTPUsername
		out.SMTPPassword = defaults.SMTPPassword
	}
	out.SMTPTLSMode = pick(s.SMTPTLSMode, defaults.SMTPTLSMode)
	out.ResendAPIKey = pick(s.ResendAPIKey, defaults.ResendAPIKey)
	out.AWSRegion = pick(s.AWSRegion, defaults.AWSRegion)
	if s.AWSAccessKeyID == "" && s.AWSSecretAccessKey == "" {
		out.AWSAccessKeyID = defaults.AWSAccessKeyID
		out.AWSSecretAccessKey = defaults.AWSSecretAccessKey
	}
	out.DefaultFrom = pick(s.DefaultFrom, defaults.DefaultFrom)
	if out.Timeout == 0 {
		out.Timeout = defaults.Timeout
	}
	return out
}

func (s Settings) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

// Kinds lists the supported provider kinds.
func Kinds() []string {
	return []string{KindSMTP, KindResend, KindSES, KindLog}
}

// Valid reports whether kind names a supported provider.
func Valid(kind string) bool {
	for _, k := range Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// New builds the provider for kind. Only an unknown kind is an error; missing
// credentials surface as failed Results when sending.
func New(kind string, s Settings, logger *zap.Logger) (Provider, error) {
	switch kind {
	case KindSMTP:
		return NewSMTP(s, logger), nil
	case KindResend:
		return NewResend(s, logger), nil
	case KindSES:
		return NewSES(s, logger), nil
	case KindLog:
		return NewLog(logger), nil
	default:
		return nil, fmt.Errorf("%w: %q (want one of %s)", ErrUnknownProvider, kind, strings.Join(Kinds(), ", "))
	}
}

func success(name, messageID string) Result {
	return Result{Success: true, MessageID: messageID, Provider: name}
}

func failure(name string, err error) Result {
	return Result{Success: false, Provider: name, Error: err.Error()}
}

// guard turns a panic inside a transport into a failed Result.
func guard(name string, logger *zap.Logger, res *Result) {
	if p := recover(); p != nil {
		logger.Error("provider panicked",
			zap.String("provider", name),
			zap.Any("panic", p),
		)
		*res = failure(name, fmt.Errorf("provider panic: %v", p))
	}
}

func validate(msg *Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	if msg.To == "" {
		return errors.New("recipient address is required")
	}
	if msg.From == "" {
		return errors.New("sender address is required")
	}
	return nil
}

// withFrom fills the sender from the default when the message has none.
func withFrom(msg *Message, s Settings) *Message {
	if msg == nil || msg.From != "" || s.DefaultFrom == "" {
		return msg
	}
	m := *msg
	m.From = s.DefaultFrom
	return &m
}
