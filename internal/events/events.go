// Package events publishes campaign lifecycle notifications
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/dispatch-worker/internal/worker/domain"
)

// Broker is the message broker the publisher writes to
type Broker interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// CampaignFinalized is emitted when a logger worker finalizes a job
type CampaignFinalized struct {
	CampaignID  int64     `json:"campaign_id"`
	Channel     string    `json:"channel"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// Publisher emits campaign events. A nil broker turns publishing into a no-op.
type Publisher struct {
	broker Broker
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher creates a new event publisher
func NewPublisher(broker Broker, logger *slog.Logger) *Publisher {
	return &Publisher{
		broker: broker,
		logger: logger,
		now:    time.Now,
	}
}

// CampaignFinalized publishes a finalized event for campaignID
func (p *Publisher) CampaignFinalized(ctx context.Context, ch domain.ChannelType, campaignID int64) error {
	if p.broker == nil {
		return nil
	}

	body, err := json.Marshal(CampaignFinalized{
		CampaignID:  campaignID,
		Channel:     ch.String(),
		FinalizedAt: p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode finalized event: %w", err)
	}

	if err := p.broker.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish finalized event: %w", err)
	}

	p.logger.Debug("Finalized event published",
		slog.Int64("campaign_id", campaignID),
		slog.String("channel", ch.String()),
	)

	return nil
}
