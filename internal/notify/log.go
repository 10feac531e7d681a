package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogSender writes notifications to the log. It is the fallback channel for
// recipients no other channel can reach and the only channel in dry runs.
type LogSender struct {
	log *zap.SugaredLogger
}

// NewLogSender creates a log-only sender
func NewLogSender(log *zap.SugaredLogger) *LogSender {
	return &LogSender{log: log}
}

// Name returns the channel name
func (s *LogSender) Name() string {
	return "log"
}

// Send logs the message and always succeeds
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.log.Infow("Notification",
		"id", msg.ID,
		"kind", msg.Kind,
		"recipients", msg.Recipients,
		"subject", msg.Subject)
	return nil
}
