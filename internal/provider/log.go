package provider

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Log writes messages to the logger instead of sending them. Use it for
// development and dry runs.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a logging provider.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (p *Log) Name() string { return KindLog }

func (p *Log) Send(ctx context.Context, msg *Message) Result {
	if err := validate(msg); err != nil {
		return failure(KindLog, err)
	}

	messageID := "log-" + uuid.NewString()
	p.logger.Info("logging email (development mode)",
		zap.String("message_id", messageID),
		zap.String("to", msg.To),
		zap.String("from", msg.From),
		zap.String("subject", msg.Subject),
		zap.Int("attachments", len(msg.Attachments)),
	)

	return success(KindLog, messageID)
}
