package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cuongbtq/dispatch-worker/internal/worker/domain"
	"golang.org/x/time/rate"
)

// GatewaySender sends SMS through a generic JSON HTTP gateway.
// It is the fallback strategy when the primary provider is not deployed.
type GatewaySender struct {
	client  *http.Client
	url     string
	apiKey  string
	from    string
	limiter *rate.Limiter
}

// NewGatewaySender creates a sender bound to one gateway API key
func NewGatewaySender(client *http.Client, url string, bundle domain.CredentialBundle) (*GatewaySender, error) {
	if bundle.APIKey == "" {
		return nil, errors.New("gateway credential requires api_key")
	}

	return &GatewaySender{
		client:  client,
		url:     url,
		apiKey:  bundle.APIKey,
		from:    bundle.From,
		limiter: newLimiter(bundle.MaxPerSecond),
	}, nil
}

type gatewayRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Body string `json:"body"`
}

type gatewayResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Send posts one message and returns the gateway message id
func (s *GatewaySender) Send(ctx context.Context, env Envelope) (string, error) {
	if err := wait(ctx, s.limiter); err != nil {
		return "", err
	}

	payload, err := json.Marshal(gatewayRequest{To: env.To, From: s.from, Body: env.Body})
	if err != nil {
		return "", fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("failed to read gateway response: %w", err)
	}

	var out gatewayResponse
	var decodeErr error
	if len(body) > 0 {
		decodeErr = json.Unmarshal(body, &out)
	}

	if resp.StatusCode >= 300 {
		switch {
		case out.Error != "":
			return "", fmt.Errorf("gateway %d: %s", resp.StatusCode, out.Error)
		case decodeErr != nil:
			return "", fmt.Errorf("gateway %d: undecodable response: %w", resp.StatusCode, decodeErr)
		}
		return "", fmt.Errorf("gateway %d", resp.StatusCode)
	}

	if decodeErr != nil {
		return "", fmt.Errorf("failed to decode gateway response: %w", decodeErr)
	}

	if out.ID == "" {
		return "", errors.New("gateway response missing message id")
	}

	return out.ID, nil
}
