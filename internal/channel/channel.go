// Package channel implements enqueue, fetch and send for each outbound channel.
//
// A Service instance is scoped to one job at a time: the worker binds a
// provider client with SetSendingService before the send loop and clears it
// with DestroySendingService afterwards.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cuongbtq/dispatch-worker/internal/provider"
	"github.com/cuongbtq/dispatch-worker/internal/worker/domain"
)

// Service is the per-channel capability set driven by the worker loop
type Service interface {
	Type() domain.ChannelType
	EnqueueMessages(ctx context.Context, jobID, campaignID int64) error
	GetMessages(ctx context.Context, jobID int64, rate int) ([]domain.Message, error)
	SendMessage(ctx context.Context, msg domain.Message) error
	SetSendingService(ctx context.Context, credentialName string) error
	DestroySendingService()
}

// Queue is the subset of the job queue the channel services write through
type Queue interface {
	EnqueueMessages(ctx context.Context, ch domain.ChannelType, jobID int64) error
	ReconcileCampaignStats(ctx context.Context, ch domain.ChannelType, campaignID int64) error
	GetMessagesToSend(ctx context.Context, ch domain.ChannelType, jobID int64, rate int) ([]domain.Message, error)
	UpdateMessageStatus(ctx context.Context, ch domain.ChannelType, outcome domain.Outcome) error
}

// CredentialResolver resolves a credential name into a decrypted bundle
type CredentialResolver interface {
	ResolveCredential(ctx context.Context, name string) (*domain.CredentialBundle, error)
}

// Registry is the channel lookup table built at startup
type Registry struct {
	services map[domain.ChannelType]Service
}

// NewRegistry creates a registry from the given services
func NewRegistry(services ...Service) *Registry {
	r := &Registry{services: make(map[domain.ChannelType]Service, len(services))}
	for _, s := range services {
		r.services[s.Type()] = s
	}
	return r
}

// Get returns the service for ch
func (r *Registry) Get(ch domain.ChannelType) (Service, error) {
	s, ok := r.services[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownChannel, ch)
	}
	return s, nil
}

// Types returns the registered channel types in a stable order
func (r *Registry) Types() []domain.ChannelType {
	types := make([]domain.ChannelType, 0, len(r.services))
	for t := range r.services {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// deliver renders msg and hands it to sender. Provider panics are turned into errors.
func deliver(ctx context.Context, sender provider.Sender, msg domain.Message) (id string, err error) {
	if sender == nil {
		return "", domain.ErrMissingCredential
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()

	return sender.Send(ctx, provider.Envelope{
		To:      msg.Recipient,
		Subject: Render(msg.Subject, msg.Params),
		Body:    Render(msg.Body, msg.Params),
	})
}

// send performs one delivery and records the outcome. Only a failed status
// write is returned to the caller.
func send(ctx context.Context, q Queue, ch domain.ChannelType, sender provider.Sender, msg domain.Message, logger *slog.Logger) error {
	outcome := domain.Outcome{MessageID: msg.ID}

	providerID, err := deliver(ctx, sender, msg)
	if err != nil {
		outcome.Status = domain.MessageStatusError
		outcome.ErrorText = domain.TruncateErrorText(err.Error())

		logger.Warn("Message send failed",
			slog.Int64("message_id", msg.ID),
			slog.String("channel", ch.String()),
			slog.String("error", err.Error()),
		)
	} else {
		outcome.Status = domain.MessageStatusSending
		outcome.ProviderMessageID = providerID
	}

	if err := q.UpdateMessageStatus(ctx, ch, outcome); err != nil {
		logger.Error("Failed to record message status",
			slog.Int64("message_id", msg.ID),
			slog.String("status", outcome.Status),
			slog.String("error", err.Error()),
		)
		return domain.NewStatusWriteError(msg.ID, err)
	}

	return nil
}
