package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"bulkmail/internal/domain/message"
)

// Security selects how the SMTP connection is protected.
type Security string

// Supported connection security modes.
const (
	SecuritySSL      Security = "ssl"      // implicit TLS, usually port 465
	SecurityStartTLS Security = "starttls" // upgrade, usually port 587
	SecurityNone     Security = "none"     // plaintext, local relays and tests only
)

// SMTPConfig describes the submission endpoint.
type SMTPConfig struct {
	Host               string
	Port               int
	Security           Security
	LocalName          string
	DialTimeout        time.Duration
	CommandTimeout     time.Duration
	SubmissionTimeout  time.Duration
	InsecureSkipVerify bool
}

// DefaultSMTPConfig targets Gmail's implicit-TLS submission port.
func DefaultSMTPConfig() SMTPConfig {
	return SMTPConfig{
		Host:              "smtp.gmail.com",
		Port:              465,
		Security:          SecuritySSL,
		LocalName:         "localhost",
		DialTimeout:       30 * time.Second,
		CommandTimeout:    30 * time.Second,
		SubmissionTimeout: 2 * time.Minute,
	}
}

// Addr returns host:port.
func (c SMTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SMTPTransport authenticates with SASL PLAIN and submits over one connection per session.
type SMTPTransport struct {
	cfg SMTPConfig
}

// NewSMTPTransport creates a new SMTPTransport.
func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	return &SMTPTransport{cfg: cfg}
}

// Open dials the endpoint and authenticates.
// PRE: none
// POST: Returns an authenticated session; rejected credentials match ErrAuthFailed
func (t *SMTPTransport) Open(ctx context.Context, identity, secret string) (Session, error) {
	s := &smtpSession{cfg: t.cfg, identity: identity, secret: secret}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	slog.Info("smtp_session_open", "addr", t.cfg.Addr(), "identity", identity)
	return s, nil
}

type smtpSession struct {
	cfg      SMTPConfig
	identity string
	secret   string
	conn     net.Conn
	client   *smtp.Client
	broken   bool
	closed   bool
}

func (s *smtpSession) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         s.cfg.Host,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}

// connect establishes the connection and authenticates.
func (s *smtpSession) connect(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: s.cfg.DialTimeout}
	var (
		conn   net.Conn
		client *smtp.Client
		err    error
	)

	switch s.cfg.Security {
	case SecuritySSL:
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: s.tlsConfig()}).DialContext(ctx, "tcp", s.cfg.Addr())
		if err != nil {
			return fmt.Errorf("failed to connect to SMTP server: %w", err)
		}
		client = smtp.NewClient(conn)
	case SecurityStartTLS:
		conn, err = dialer.DialContext(ctx, "tcp", s.cfg.Addr())
		if err != nil {
			return fmt.Errorf("failed to connect to SMTP server: %w", err)
		}
		client, err = smtp.NewClientStartTLS(conn, s.tlsConfig())
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	case SecurityNone:
		conn, err = dialer.DialContext(ctx, "tcp", s.cfg.Addr())
		if err != nil {
			return fmt.Errorf("failed to connect to SMTP server: %w", err)
		}
		client = smtp.NewClient(conn)
	default:
		return fmt.Errorf("unsupported SMTP security mode %q", s.cfg.Security)
	}

	client.CommandTimeout = s.cfg.CommandTimeout
	client.SubmissionTimeout = s.cfg.SubmissionTimeout

	if err := client.Hello(s.cfg.LocalName); err != nil {
		client.Close()
		return fmt.Errorf("SMTP greeting failed: %w", err)
	}

	if err := client.Auth(sasl.NewPlainClient("", s.identity, s.secret)); err != nil {
		client.Close()
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) && isAuthRejection(smtpErr.Code) {
			return fmt.Errorf("%w: %d %s", ErrAuthFailed, smtpErr.Code, smtpErr.Message)
		}
		return fmt.Errorf("SMTP authentication failed: %w", err)
	}

	s.conn = conn
	s.client = client
	s.broken = false
	return nil
}

// isAuthRejection reports whether an SMTP reply code means the credentials
// themselves were refused.
func isAuthRejection(code int) bool {
	switch code {
	case 530, 534, 535, 538:
		return true
	}
	return false
}

// Submit renders and submits one envelope. A connection lost mid-batch is
// re-established once before the attempt.
// PRE: session is open
// POST: Returns the Message-ID on acceptance; the session is left ready for the next envelope
func (s *smtpSession) Submit(ctx context.Context, env message.Envelope) (SendResult, error) {
	if s.closed {
		return SendResult{}, ErrSessionClosed
	}
	if s.broken {
		s.drop()
		if err := s.connect(ctx); err != nil {
			return SendResult{}, fmt.Errorf("reconnect: %w", err)
		}
		slog.Info("smtp_session_reconnected", "addr", s.cfg.Addr())
	}

	raw, messageID, err := RenderMIME(env)
	if err != nil {
		return SendResult{}, err
	}

	// Cancellation or timeout tears down the connection so a blocked write returns.
	conn := s.conn
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	err = s.client.SendMail(env.From, []string{env.To.String()}, bytes.NewReader(raw))
	interrupted := !stop()

	if err != nil {
		var smtpErr *smtp.SMTPError
		if !interrupted && errors.As(err, &smtpErr) {
			// Protocol-level rejection; the connection is still usable.
			if rerr := s.client.Reset(); rerr != nil {
				s.broken = true
			}
			return SendResult{}, fmt.Errorf("%d %s", smtpErr.Code, smtpErr.Message)
		}
		s.broken = true
		if interrupted && ctx.Err() != nil {
			return SendResult{}, fmt.Errorf("submission interrupted: %w", ctx.Err())
		}
		return SendResult{}, fmt.Errorf("submission failed: %w", err)
	}

	if interrupted {
		s.broken = true
	}
	return SendResult{MessageID: messageID, SentAt: time.Now()}, nil
}

// drop closes a broken connection without the QUIT exchange.
func (s *smtpSession) drop() {
	if s.client != nil {
		s.client.Close()
	}
	s.client = nil
	s.conn = nil
}

// Close quits the SMTP conversation and closes the connection.
func (s *smtpSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.secret = ""
	if s.client == nil {
		return nil
	}
	if s.broken {
		return s.client.Close()
	}
	if err := s.client.Quit(); err != nil {
		s.client.Close()
		return err
	}
	return nil
}
