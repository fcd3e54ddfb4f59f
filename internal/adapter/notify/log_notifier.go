package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/rl1809/commerce-core/internal/port"
)

// LogNotifier writes notifications to the log. It stands in for a broker in
// development and single-process deployments.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

func (l *LogNotifier) Notify(ctx context.Context, n port.Notification) error {
	l.logger.Info("notification",
		zap.String("recipient_id", n.RecipientID),
		zap.String("template", n.TemplateKey),
		zap.Any("payload", n.Payload))
	return nil
}
