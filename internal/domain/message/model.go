package message

import (
	"bytes"
	"errors"
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	goldmarkHTML "github.com/yuin/goldmark/renderer/html"

	"bulkmail/internal/domain/recipient"
)

// Format selects how the body is interpreted.
type Format string

// Supported body formats.
const (
	FormatPlainText Format = "plain"
	FormatHTML      Format = "html"
	FormatMarkdown  Format = "markdown"
)

// HTMLFallbackText is sent as the plain-text part when an HTML body has no
// readable text of its own.
const HTMLFallbackText = "Please enable HTML viewing."

// Domain errors
var (
	ErrEmptySubject  = errors.New("email subject is required")
	ErrUnknownFormat = errors.New("unknown body format")
)

// mdRenderer converts Markdown bodies. Raw HTML in the source is escaped.
var mdRenderer = goldmark.New(
	goldmark.WithRendererOptions(
		goldmarkHTML.WithHardWraps(),
	),
)

var (
	stripPolicy     *bluemonday.Policy
	stripPolicyOnce sync.Once
)

// blockBreaks puts a newline after block-level closers so stripped text keeps
// paragraph boundaries.
var blockBreaks = strings.NewReplacer(
	"</p>", "</p>\n",
	"</div>", "</div>\n",
	"</li>", "</li>\n",
	"</tr>", "</tr>\n",
	"</h1>", "</h1>\n",
	"</h2>", "</h2>\n",
	"</h3>", "</h3>\n",
	"<br>", "<br>\n",
	"<br/>", "<br/>\n",
	"<br />", "<br />\n",
)

// Part is one MIME alternative of a message.
type Part struct {
	ContentType string // "text/plain" or "text/html"
	Content     string
}

// Message is the single logical message sent to every recipient of a batch.
// INVARIANT: Message values are never mutated after Compose returns.
type Message struct {
	subject string
	body    string
	format  Format
	text    string
	html    string
}

// Envelope is one outgoing copy of a Message addressed to a single recipient.
type Envelope struct {
	From    string
	To      recipient.Address
	Message Message
}

// ParseFormat maps a form value to a Format. Empty selects plain text.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatPlainText, "text":
		return FormatPlainText, nil
	case FormatHTML:
		return FormatHTML, nil
	case FormatMarkdown, "md":
		return FormatMarkdown, nil
	}
	return "", ErrUnknownFormat
}

// Compose builds a Message from user input.
// PRE: none
// POST: Returns ErrEmptySubject if subject is blank; otherwise a Message whose
//
//	parts match the format (HTML and Markdown carry a text fallback)
func Compose(subject, body string, format Format) (Message, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Message{}, ErrEmptySubject
	}

	m := Message{subject: subject, body: body, format: format}
	switch format {
	case FormatPlainText:
		m.text = body
	case FormatHTML:
		m.html = body
		m.text = plainFallback(body)
	case FormatMarkdown:
		var buf bytes.Buffer
		if err := mdRenderer.Convert([]byte(body), &buf); err != nil {
			return Message{}, err
		}
		m.html = buf.String()
		m.text = body
		if strings.TrimSpace(m.text) == "" {
			m.text = HTMLFallbackText
		}
	default:
		return Message{}, ErrUnknownFormat
	}
	return m, nil
}

// plainFallback strips tags from an HTML body for the text/plain alternative.
func plainFallback(body string) string {
	stripPolicyOnce.Do(func() {
		stripPolicy = bluemonday.StrictPolicy()
	})
	text := html.UnescapeString(stripPolicy.Sanitize(blockBreaks.Replace(body)))

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		return HTMLFallbackText
	}
	return strings.Join(kept, "\n")
}

// Subject returns the subject line.
func (m Message) Subject() string { return m.subject }

// Body returns the body exactly as composed.
func (m Message) Body() string { return m.body }

// Format returns the body format.
func (m Message) Format() Format { return m.format }

// Text returns the text/plain part.
func (m Message) Text() string { return m.text }

// HTML returns the text/html part, or "" for plain-text messages.
func (m Message) HTML() string { return m.html }

// HasHTML reports whether the message carries an HTML alternative.
func (m Message) HasHTML() bool { return m.html != "" || m.format == FormatHTML }

// IsZero reports whether the message was never composed.
func (m Message) IsZero() bool { return m.subject == "" }

// Parts lists the MIME alternatives in preference order (plain first).
func (m Message) Parts() []Part {
	parts := []Part{{ContentType: "text/plain", Content: m.text}}
	if m.HasHTML() {
		parts = append(parts, Part{ContentType: "text/html", Content: m.html})
	}
	return parts
}

// Materialize addresses the message to one recipient.
func (m Message) Materialize(from string, to recipient.Address) Envelope {
	return Envelope{From: from, To: to, Message: m}
}
