package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"
)

// DefaultSMTPTimeout bounds one relay conversation when no timeout is configured
const DefaultSMTPTimeout = 30 * time.Second

// SMTPOptions holds the shared SMTP relay settings used by the email channel
type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPSender relays email through a single SMTP server with static credentials
type SMTPSender struct {
	opts   SMTPOptions
	dialer *net.Dialer
}

// NewSMTPSender creates an SMTP sender
func NewSMTPSender(opts SMTPOptions) (*SMTPSender, error) {
	if opts.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if opts.From == "" {
		return nil, errors.New("smtp from address is required")
	}
	if opts.Port == 0 {
		opts.Port = 587
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultSMTPTimeout
	}

	return &SMTPSender{
		opts:   opts,
		dialer: &net.Dialer{Timeout: opts.Timeout},
	}, nil
}

// Send relays one email and returns the generated Message-ID. The relay
// connection is closed as soon as ctx is done and never outlives the
// configured timeout.
func (s *SMTPSender) Send(ctx context.Context, env Envelope) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	deadline := time.Now().Add(s.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var stop func() bool
	dial := func(dialCtx context.Context, network, addr string) (net.Conn, error) {
		conn, err := s.dialer.DialContext(dialCtx, network, addr)
		if err != nil {
			return nil, err
		}
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, err
		}
		stop = context.AfterFunc(ctx, func() { conn.Close() })
		return conn, nil
	}

	client, err := mail.NewClient(s.opts.Host, s.clientOptions(dial)...)
	if err != nil {
		return "", fmt.Errorf("failed to create smtp client: %w", err)
	}

	messageID := fmt.Sprintf("%s@%s", uuid.NewString(), s.opts.Host)
	msg, err := s.buildMessage(env, messageID)
	if err != nil {
		return "", err
	}

	err = client.DialAndSendWithContext(ctx, msg)
	if stop != nil {
		stop()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("smtp send failed: %w: %v", ctxErr, err)
		}
		return "", fmt.Errorf("smtp send failed: %w", err)
	}

	return "<" + messageID + ">", nil
}

func (s *SMTPSender) clientOptions(dial mail.DialContextFunc) []mail.Option {
	opts := []mail.Option{
		mail.WithPort(s.opts.Port),
		mail.WithTimeout(s.opts.Timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithDialContextFunc(dial),
	}
	if s.opts.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.opts.Username),
			mail.WithPassword(s.opts.Password),
		)
	}
	return opts
}

func (s *SMTPSender) buildMessage(env Envelope, messageID string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(s.opts.From); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := msg.To(env.To); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	msg.Subject(env.Subject)
	msg.SetMessageIDWithValue(messageID)
	msg.SetDate()

	contentType := mail.TypeTextPlain
	if looksLikeHTML(env.Body) {
		contentType = mail.TypeTextHTML
	}
	msg.SetBodyString(contentType, env.Body)

	return msg, nil
}

func looksLikeHTML(body string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(body))
	return strings.HasPrefix(trimmed, "<!doctype html") || strings.HasPrefix(trimmed, "<html")
}
