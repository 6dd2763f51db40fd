package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cuongbtq/dispatch-worker/internal/worker/domain"
	"golang.org/x/time/rate"
)

// DefaultTwilioBaseURL is the public Twilio REST endpoint
const DefaultTwilioBaseURL = "https://api.twilio.com"

// TwilioSender sends SMS through the Twilio Messages API
type TwilioSender struct {
	client     *http.Client
	endpoint   string
	accountSID string
	authToken  string
	from       string
	limiter    *rate.Limiter
}

// NewTwilioSender creates a sender bound to one account's credentials
func NewTwilioSender(client *http.Client, baseURL string, bundle domain.CredentialBundle) (*TwilioSender, error) {
	if bundle.AccountSID == "" || bundle.AuthToken == "" {
		return nil, errors.New("twilio credential requires account_sid and auth_token")
	}
	if bundle.From == "" {
		return nil, errors.New("twilio credential requires from")
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(baseURL, "/"),
		url.PathEscape(bundle.AccountSID),
	)

	return &TwilioSender{
		client:     client,
		endpoint:   endpoint,
		accountSID: bundle.AccountSID,
		authToken:  bundle.AuthToken,
		from:       bundle.From,
		limiter:    newLimiter(bundle.MaxPerSecond),
	}, nil
}

type twilioResponse struct {
	SID     string `json:"sid"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send posts one message and returns the Twilio message SID
func (s *TwilioSender) Send(ctx context.Context, env Envelope) (string, error) {
	if err := wait(ctx, s.limiter); err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("To", env.To)
	form.Set("From", s.from)
	form.Set("Body", env.Body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build twilio request: %w", err)
	}
	req.SetBasicAuth(s.accountSID, s.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("twilio request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("failed to read twilio response: %w", err)
	}

	var out twilioResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil && resp.StatusCode < 300 {
			return "", fmt.Errorf("failed to decode twilio response: %w", err)
		}
	}

	if resp.StatusCode >= 300 {
		if out.Message != "" {
			return "", fmt.Errorf("twilio %d: code %d: %s", resp.StatusCode, out.Code, out.Message)
		}
		return "", fmt.Errorf("twilio %d", resp.StatusCode)
	}

	if out.SID == "" {
		return "", errors.New("twilio response missing message sid")
	}

	return out.SID, nil
}
