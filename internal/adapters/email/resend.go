package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"

	"bulkmail/internal/domain/message"
)

// resendKeyPrefix is carried by every Resend API key.
const resendKeyPrefix = "re_"

// ResendTransport submits mail through the Resend HTTP API. The credential
// identity is the From address and the secret is the API key.
type ResendTransport struct {
	replyTo   string
	newClient func(apiKey string) *resend.Client
}

// NewResendTransport creates a new ResendTransport.
// PRE: none
// POST: Returns a transport that creates one API client per session
func NewResendTransport(replyTo string) *ResendTransport {
	return &ResendTransport{
		replyTo:   replyTo,
		newClient: resend.NewClient,
	}
}

// Open builds an API client for the key. The API has no login step, so a key
// that is obviously not a Resend key is rejected here as an auth failure.
// PRE: none
// POST: Returns a session or an error matching ErrAuthFailed
func (t *ResendTransport) Open(_ context.Context, identity, secret string) (Session, error) {
	if !strings.HasPrefix(secret, resendKeyPrefix) {
		return nil, fmt.Errorf("%w: not a Resend API key", ErrAuthFailed)
	}
	return &resendSession{
		client:  t.newClient(secret),
		from:    identity,
		replyTo: t.replyTo,
	}, nil
}

type resendSession struct {
	client  *resend.Client
	from    string
	replyTo string
	closed  bool
}

// Submit sends a single email via Resend.
// PRE: session is open; env has a recipient
// POST: Email is queued for delivery; returns the Resend message ID
func (s *resendSession) Submit(ctx context.Context, env message.Envelope) (SendResult, error) {
	if s.closed {
		return SendResult{}, ErrSessionClosed
	}
	from := env.From
	if from == "" {
		from = s.from
	}

	params := &resend.SendEmailRequest{
		From:    from,
		To:      []string{env.To.String()},
		Subject: env.Message.Subject(),
		Text:    env.Message.Text(),
	}
	if env.Message.HasHTML() {
		params.Html = env.Message.HTML()
	}
	if s.replyTo != "" {
		params.ReplyTo = s.replyTo
	}

	sent, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		slog.Error("resend_send_failed", "error", err, "to", env.To.String(), "subject", env.Message.Subject())
		return SendResult{}, fmt.Errorf("resend send failed: %w", err)
	}

	slog.Info("resend_sent", "message_id", sent.Id, "to", env.To.String(), "subject", env.Message.Subject())
	return SendResult{
		MessageID: sent.Id,
		SentAt:    time.Now(),
	}, nil
}

// Close releases the session. The HTTP client holds no per-session connection.
func (s *resendSession) Close() error {
	s.closed = true
	return nil
}
