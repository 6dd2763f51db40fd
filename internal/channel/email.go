package channel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/dispatch-worker/internal/provider"
	"github.com/cuongbtq/dispatch-worker/internal/worker/domain"
)

// Email sends through one shared SMTP relay, so binding credentials is a no-op
type Email struct {
	queue  Queue
	sender provider.Sender
	logger *slog.Logger
}

// NewEmail creates the email channel service
func NewEmail(queue Queue, sender provider.Sender, logger *slog.Logger) *Email {
	return &Email{
		queue:  queue,
		sender: sender,
		logger: logger.With(slog.String("channel", domain.ChannelEmail.String())),
	}
}

func (e *Email) Type() domain.ChannelType {
	return domain.ChannelEmail
}

// EnqueueMessages materializes the sendable rows and reconciles the campaign
// counters, since enqueue can mark recipients invalid.
func (e *Email) EnqueueMessages(ctx context.Context, jobID, campaignID int64) error {
	if err := e.queue.EnqueueMessages(ctx, domain.ChannelEmail, jobID); err != nil {
		return err
	}

	if err := e.queue.ReconcileCampaignStats(ctx, domain.ChannelEmail, campaignID); err != nil {
		return fmt.Errorf("reconcile campaign %d: %w", campaignID, err)
	}

	return nil
}

func (e *Email) GetMessages(ctx context.Context, jobID int64, rate int) ([]domain.Message, error) {
	return e.queue.GetMessagesToSend(ctx, domain.ChannelEmail, jobID, rate)
}

func (e *Email) SendMessage(ctx context.Context, msg domain.Message) error {
	return send(ctx, e.queue, domain.ChannelEmail, e.sender, msg, e.logger)
}

func (e *Email) SetSendingService(ctx context.Context, credentialName string) error {
	return nil
}

func (e *Email) DestroySendingService() {}
