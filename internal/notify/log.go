package notify

import (
	"context"
	"log/slog"
)

// LogChannel writes notifications to a structured logger.
type LogChannel struct {
	Logger *slog.Logger
}

func (c LogChannel) Send(ctx context.Context, recipient string, msg Message) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notify: "+msg.Subject, "recipient", recipient, "kind", msg.Kind, "body", msg.Body)
	return nil
}
