// Package provider holds the minimal send interface the channel services call
// and the concrete email and SMS provider clients behind it.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cuongbtq/dispatch-worker/internal/worker/domain"
	"golang.org/x/time/rate"
)

// SMS provider strategies, chosen once at startup
const (
	SMSProviderTwilio  = "twilio"
	SMSProviderGateway = "gateway"
)

// Envelope is a fully rendered outbound message
type Envelope struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers one envelope and returns the provider's message id
type Sender interface {
	Send(ctx context.Context, env Envelope) (string, error)
}

// SMSOptions configures the SMS sender factory
type SMSOptions struct {
	Provider      string
	TwilioBaseURL string
	GatewayURL    string
	Timeout       time.Duration
}

// SMSFactory builds a provider client bound to one credential bundle
type SMSFactory func(bundle domain.CredentialBundle) (Sender, error)

// NewSMSFactory returns a factory for the configured SMS provider strategy
func NewSMSFactory(opts SMSOptions) (SMSFactory, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	switch opts.Provider {
	case SMSProviderTwilio, "":
		baseURL := opts.TwilioBaseURL
		if baseURL == "" {
			baseURL = DefaultTwilioBaseURL
		}
		return func(bundle domain.CredentialBundle) (Sender, error) {
			return NewTwilioSender(httpClient, baseURL, bundle)
		}, nil
	case SMSProviderGateway:
		if opts.GatewayURL == "" {
			return nil, errors.New("sms gateway url is required")
		}
		return func(bundle domain.CredentialBundle) (Sender, error) {
			return NewGatewaySender(httpClient, opts.GatewayURL, bundle)
		}, nil
	default:
		return nil, fmt.Errorf("unknown sms provider: %s", opts.Provider)
	}
}

// newLimiter paces requests made with one credential. A zero limit disables pacing.
func newLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

func wait(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}
	return nil
}
