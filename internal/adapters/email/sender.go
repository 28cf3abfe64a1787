package email

import (
	"context"
	"errors"
	"time"

	"bulkmail/internal/domain/message"
)

// ErrAuthFailed is returned by Transport.Open when the endpoint rejects the
// sender's credentials. It is terminal for a batch.
var ErrAuthFailed = errors.New("authentication rejected by mail endpoint")

// ErrSessionClosed is returned by Submit after Close.
var ErrSessionClosed = errors.New("transport session is closed")

// SendResult contains the response from the mail endpoint for one submission.
type SendResult struct {
	MessageID string    // Provider or generated message ID for tracking
	SentAt    time.Time // When the submission was accepted
}

// Transport opens authenticated sessions against a mail-submission endpoint.
type Transport interface {
	// Open authenticates identity with secret. Rejected credentials yield an
	// error matching ErrAuthFailed; any other error means the endpoint could
	// not be reached.
	Open(ctx context.Context, identity, secret string) (Session, error)
}

// Session is one authenticated, reusable connection scoped to a batch.
// Sessions are not safe for concurrent use.
type Session interface {
	Submit(ctx context.Context, env message.Envelope) (SendResult, error)
	Close() error
}
