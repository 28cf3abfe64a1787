package email

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"

	"bulkmail/internal/domain/message"
)

const mailerName = "bulkmail"

// RenderMIME serialises an envelope as an RFC 5322 message. Messages with an
// HTML part are multipart/alternative with the plain-text part first.
// PRE: env.From and env.To are parseable mailbox addresses
// POST: Returns the raw message and its Message-ID header value
func RenderMIME(env message.Envelope) ([]byte, string, error) {
	m := mail.NewMsg()
	if err := m.From(env.From); err != nil {
		return nil, "", fmt.Errorf("invalid sender address: %w", err)
	}
	if err := m.To(env.To.String()); err != nil {
		return nil, "", fmt.Errorf("invalid recipient address %q: %w", env.To.String(), err)
	}
	m.Subject(env.Message.Subject())
	m.SetDate()
	m.SetMessageID()
	m.SetUserAgent(mailerName)

	m.SetBodyString(mail.TypeTextPlain, env.Message.Text())
	if env.Message.HasHTML() {
		m.AddAlternativeString(mail.TypeTextHTML, env.Message.HTML())
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, "", fmt.Errorf("render message: %w", err)
	}

	var id string
	if ids := m.GetGenHeader(mail.HeaderMessageID); len(ids) > 0 {
		id = strings.Trim(ids[0], "<>")
	}
	return buf.Bytes(), id, nil
}
