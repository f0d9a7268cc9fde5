// Package mailapi sends single messages to the external mail provider and classifies its
// failures as permanent or retryable.
package mailapi

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"

	"github.com/BTreeMap/MailPipe/internal/models"
)

// Sender delivers one message and returns the provider's acceptance id.
type Sender interface {
	Send(ctx context.Context, cfg models.SendConfig, p Payload) (string, error)
}

// Payload is the wire form of a message. MessageID is used as the idempotency key and is
// never sent as content.
type Payload struct {
	MessageID    string          `json:"-"`
	From         string          `json:"from"`
	To           []string        `json:"to"`
	Cc           []string        `json:"cc,omitempty"`
	Bcc          []string        `json:"bcc,omitempty"`
	ReplyTo      []string        `json:"reply_to,omitempty"`
	Subject      string          `json:"subject,omitempty"`
	HTML         string          `json:"html,omitempty"`
	Text         string          `json:"text,omitempty"`
	Template     string          `json:"template,omitempty"`
	TemplateData map[string]any  `json:"template_data,omitempty"`
	Headers      []models.Header `json:"headers,omitempty"`
}

// UsesTemplate reports whether the payload references a provider-side template.
func (p Payload) UsesTemplate() bool {
	return p.Template != ""
}

// PayloadFor builds the payload of m. Template messages carry the template reference and
// data; simple messages carry the subject and resolved bodies.
func PayloadFor(m *models.Message, html, text string) Payload {
	p := Payload{
		MessageID: m.ID,
		From:      m.From,
		To:        m.To,
		Cc:        m.Cc,
		Bcc:       m.Bcc,
		ReplyTo:   m.ReplyTo,
		Headers:   m.Headers,
	}
	if m.UsesTemplate() {
		p.Template = m.Template
		p.TemplateData = m.TemplateData
		return p
	}
	p.Subject = m.Subject
	p.HTML = html
	p.Text = text
	return p
}

// APIError is a non-2xx answer from the mail provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("mail api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("mail api returned status %d: %s", e.StatusCode, e.Message)
}

// permanentStatus lists client errors that will fail again on retry. Conflict, precondition,
// too-early, timeout and rate-limit codes are not in the list.
var permanentStatus = map[int]bool{
	400: true,
	401: true,
	403: true,
	404: true,
	405: true,
	406: true,
	410: true,
	413: true,
	415: true,
	422: true,
}

// IsPermanent reports whether err is a definitive rejection of this one message.
// Transport errors, 5xx and ambiguous 4xx answers are retryable.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return permanentStatus[apiErr.StatusCode]
	}
	var smtpErr *textproto.Error
	if errors.As(err, &smtpErr) {
		return smtpErr.Code >= 500 && smtpErr.Code < 600
	}
	return false
}
