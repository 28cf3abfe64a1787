package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bulkmail/internal/domain/message"
)

// NoopTransport is a no-op transport for development and testing.
// It logs submissions but does not actually deliver emails.
type NoopTransport struct{}

// NewNoopTransport creates a new NoopTransport.
func NewNoopTransport() *NoopTransport {
	return &NoopTransport{}
}

// Open accepts any non-empty secret.
// PRE: none
// POST: Returns a session that logs instead of delivering
func (t *NoopTransport) Open(_ context.Context, identity, secret string) (Session, error) {
	if secret == "" {
		return nil, ErrAuthFailed
	}
	slog.Info("noop_session_open", "identity", identity)
	return &noopSession{identity: identity}, nil
}

type noopSession struct {
	identity string
	count    int
	closed   bool
}

// Submit logs the envelope but does not deliver it.
// PRE: session is open
// POST: Returns a noop result without actual delivery
func (s *noopSession) Submit(_ context.Context, env message.Envelope) (SendResult, error) {
	if s.closed {
		return SendResult{}, ErrSessionClosed
	}
	s.count++
	slog.Info("noop_email_send", "from", env.From, "to", env.To.String(), "subject", env.Message.Subject())
	return SendResult{
		MessageID: fmt.Sprintf("noop-%d-%d", time.Now().UnixNano(), s.count),
		SentAt:    time.Now(),
	}, nil
}

// Close ends the session.
func (s *noopSession) Close() error {
	s.closed = true
	slog.Info("noop_session_close", "identity", s.identity, "submitted", s.count)
	return nil
}
