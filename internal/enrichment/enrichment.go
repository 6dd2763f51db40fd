// Package enrichment attaches routing metadata to recipients before a batch
// is sent. The remote call is guarded by a circuit breaker so a failing
// dependency cannot stall the send loop.
package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/dispatch-worker/internal/worker/domain"
	"github.com/sony/gobreaker/v2"
)

// ParamRoutingLink is the message param populated from the enrichment response
const ParamRoutingLink = "routing_link"

// Failure policies applied by the worker when enrichment is unavailable
const (
	OnFailureSend = "send"
	OnFailureSkip = "skip"
)

// Config holds enrichment client and breaker settings
type Config struct {
	URL          string
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
	Interval     time.Duration
	OpenTimeout  time.Duration
}

type request struct {
	Channel    string `json:"channel"`
	ChannelID  string `json:"channelId"`
	CampaignID int64  `json:"campaignId"`
}

type response struct {
	ChannelID   string `json:"channelId"`
	RoutingLink string `json:"routingLink"`
}

// Client calls the enrichment endpoint through a circuit breaker
type Client struct {
	url     string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[map[string]string]
	logger  *slog.Logger
}

// NewClient creates an enrichment client. Zero config values fall back to a
// 5s timeout, a 20% failure ratio over at least 5 requests, a 60s counting
// window and a 30s open state.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.2
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 5
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	c := &Client{
		url:    cfg.URL,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}

	c.breaker = gobreaker.NewCircuitBreaker[map[string]string](gobreaker.Settings{
		Name:        "enrichment",
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return c
}

// State reports the breaker state: closed, open or half-open
func (c *Client) State() string {
	return c.breaker.State().String()
}

// Lookup returns routing links keyed by recipient. An open breaker fails fast
// with domain.ErrCircuitOpen without calling the endpoint.
func (c *Client) Lookup(ctx context.Context, ch domain.ChannelType, campaignID int64, recipients []string) (map[string]string, error) {
	links, err := c.breaker.Execute(func() (map[string]string, error) {
		return c.call(ctx, ch, campaignID, recipients)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", domain.ErrCircuitOpen, err)
	}
	if err != nil {
		return nil, err
	}
	return links, nil
}

// Apply enriches batch in place, setting the routing link param on every
// message the endpoint returned a link for.
func (c *Client) Apply(ctx context.Context, ch domain.ChannelType, batch []domain.Message) error {
	if len(batch) == 0 {
		return nil
	}

	recipients := make([]string, len(batch))
	for i, msg := range batch {
		recipients[i] = msg.Recipient
	}

	links, err := c.Lookup(ctx, ch, batch[0].CampaignID, recipients)
	if err != nil {
		return err
	}

	for i := range batch {
		link, ok := links[batch[i].Recipient]
		if !ok {
			continue
		}
		if batch[i].Params == nil {
			batch[i].Params = map[string]string{}
		}
		batch[i].Params[ParamRoutingLink] = link
	}

	return nil
}

func (c *Client) call(ctx context.Context, ch domain.ChannelType, campaignID int64, recipients []string) (map[string]string, error) {
	reqBody := make([]request, len(recipients))
	for i, r := range recipients {
		reqBody[i] = request{Channel: ch.String(), ChannelID: r, CampaignID: campaignID}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to encode enrichment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enrichment request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("enrichment %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out []response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode enrichment response: %w", err)
	}

	links := make(map[string]string, len(out))
	for _, r := range out {
		links[r.ChannelID] = r.RoutingLink
	}
	return links, nil
}
