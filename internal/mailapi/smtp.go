package mailapi

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/BTreeMap/MailPipe/internal/models"
)

// SMTPSender relays messages through an SMTP server. The generated Message-ID is the
// acceptance id.
type SMTPSender struct {
	dialer *gomail.Dialer
}

// Compile-time check that SMTPSender implements Sender.
var _ Sender = (*SMTPSender)(nil)

// NewSMTPSender creates a sender for the given relay.
func NewSMTPSender(host string, port int, username, password string) *SMTPSender {
	slog.Debug("NewSMTPSender: configuring relay", "host", host, "port", port, "auth", username != "")
	return &SMTPSender{dialer: gomail.NewDialer(host, port, username, password)}
}

// Send dials the relay and submits one message. Server replies surface as
// *textproto.Error so that IsPermanent can classify 5xx codes.
func (s *SMTPSender) Send(ctx context.Context, cfg models.SendConfig, p Payload) (string, error) {
	if p.UsesTemplate() {
		return "", &APIError{StatusCode: 422, Message: "templates cannot be rendered over SMTP"}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	messageID := uuid.NewString() + "@" + domainOf(p.From)
	msg := buildMessage(p, messageID)

	sc, err := s.dialer.Dial()
	if err != nil {
		return "", fmt.Errorf("smtp dial failed: %w", err)
	}
	defer sc.Close()

	recipients := make([]string, 0, len(p.To)+len(p.Cc)+len(p.Bcc))
	recipients = append(recipients, p.To...)
	recipients = append(recipients, p.Cc...)
	recipients = append(recipients, p.Bcc...)
	if err := sc.Send(p.From, recipients, msg); err != nil {
		return "", fmt.Errorf("smtp send failed: %w", err)
	}
	slog.Debug("SMTPSender.Send: accepted", "id", p.MessageID, "messageID", messageID)
	return messageID, nil
}

func buildMessage(p Payload, messageID string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", p.From)
	m.SetHeader("To", p.To...)
	if len(p.Cc) > 0 {
		m.SetHeader("Cc", p.Cc...)
	}
	if len(p.ReplyTo) > 0 {
		m.SetHeader("Reply-To", strings.Join(p.ReplyTo, ", "))
	}
	m.SetHeader("Subject", p.Subject)
	m.SetHeader("Message-ID", "<"+messageID+">")
	for _, h := range p.Headers {
		m.SetHeader(h.Name, h.Value)
	}

	switch {
	case p.Text != "" && p.HTML != "":
		m.SetBody("text/plain", p.Text)
		m.AddAlternative("text/html", p.HTML)
	case p.HTML != "":
		m.SetBody("text/html", p.HTML)
	default:
		m.SetBody("text/plain", p.Text)
	}
	return m
}

func domainOf(addr string) string {
	addr = strings.TrimSuffix(strings.TrimSpace(addr), ">")
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "mailpipe.local"
}
