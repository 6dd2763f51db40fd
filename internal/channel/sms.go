package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cuongbtq/dispatch-worker/internal/provider"
	"github.com/cuongbtq/dispatch-worker/internal/worker/domain"
)

// SMS builds a provider client per job from that job's credential, so one
// worker pool can send for many tenants.
type SMS struct {
	queue             Queue
	credentials       CredentialResolver
	newSender         provider.SMSFactory
	defaultCredential string
	logger            *slog.Logger

	mu             sync.RWMutex
	sender         provider.Sender
	credentialName string
}

// SMSConfig holds the SMS channel dependencies
type SMSConfig struct {
	Queue             Queue
	Credentials       CredentialResolver
	NewSender         provider.SMSFactory
	DefaultCredential string
	Logger            *slog.Logger
}

// NewSMS creates the SMS channel service
func NewSMS(cfg *SMSConfig) *SMS {
	return &SMS{
		queue:             cfg.Queue,
		credentials:       cfg.Credentials,
		newSender:         cfg.NewSender,
		defaultCredential: cfg.DefaultCredential,
		logger:            cfg.Logger.With(slog.String("channel", domain.ChannelSMS.String())),
	}
}

func (s *SMS) Type() domain.ChannelType {
	return domain.ChannelSMS
}

func (s *SMS) EnqueueMessages(ctx context.Context, jobID, campaignID int64) error {
	return s.queue.EnqueueMessages(ctx, domain.ChannelSMS, jobID)
}

func (s *SMS) GetMessages(ctx context.Context, jobID int64, rate int) ([]domain.Message, error) {
	return s.queue.GetMessagesToSend(ctx, domain.ChannelSMS, jobID, rate)
}

func (s *SMS) SendMessage(ctx context.Context, msg domain.Message) error {
	return send(ctx, s.queue, domain.ChannelSMS, s.currentSender(), msg, s.logger)
}

// SetSendingService resolves credentialName (or the default credential when
// empty) and binds a fresh provider client for the current job.
func (s *SMS) SetSendingService(ctx context.Context, credentialName string) error {
	name := credentialName
	if name == "" {
		name = s.defaultCredential
	}
	if name == "" {
		return fmt.Errorf("%w: no credential for sms job", domain.ErrMissingCredential)
	}

	bundle, err := s.credentials.ResolveCredential(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to resolve sms credential: %w", err)
	}

	sender, err := s.newSender(*bundle)
	if err != nil {
		return fmt.Errorf("failed to build sms provider client: %w", err)
	}

	s.mu.Lock()
	s.sender = sender
	s.credentialName = name
	s.mu.Unlock()

	s.logger.Debug("Sending service bound",
		slog.String("credential", name),
	)

	return nil
}

// DestroySendingService drops the provider client and its credentials
func (s *SMS) DestroySendingService() {
	s.mu.Lock()
	s.sender = nil
	s.credentialName = ""
	s.mu.Unlock()
}

// CredentialName reports the credential currently bound, empty when none
func (s *SMS) CredentialName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credentialName
}

func (s *SMS) currentSender() provider.Sender {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sender
}
