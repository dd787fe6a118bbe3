package handler

import (
	"context"
	"log/slog"
)

// EmailSender delivers verification links. The real implementation talks to
// the hub's email service; deployments without one fall back to LogEmailSender.
type EmailSender interface {
	SendVerification(ctx context.Context, email, token string) error
}

// LogEmailSender logs instead of sending. It keeps the verification flow
// testable when no email service is configured.
type LogEmailSender struct{}

// SendVerification logs the verification token.
func (LogEmailSender) SendVerification(_ context.Context, email, token string) error {
	slog.Info("email service not configured, verification token not sent", "email", email, "token", token)
	return nil
}
