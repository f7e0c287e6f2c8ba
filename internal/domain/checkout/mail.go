package checkout

import (
	"context"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Email is an outbound notification.
type Email struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Mailer hands emails to the notification service.
type Mailer interface {
	Send(ctx context.Context, e Email) error
}

func sendEmail(ctx context.Context, m Mailer, e Email) {
	if m == nil || e.To == "" {
		return
	}
	if err := m.Send(ctx, e); err != nil {
		zctx.From(ctx).Error("Send email failed",
			zap.String("to", e.To),
			zap.String("subject", e.Subject),
			zap.Error(err),
		)
	}
}
