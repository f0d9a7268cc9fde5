package mailapi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/BTreeMap/MailPipe/internal/models"
)

// DefaultHTTPTimeout bounds a single provider call.
const DefaultHTTPTimeout = 30 * time.Second

type acceptResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// HTTPSender posts messages to a JSON mail API.
type HTTPSender struct {
	client *resty.Client
}

// Compile-time check that HTTPSender implements Sender.
var _ Sender = (*HTTPSender)(nil)

// HTTPOption configures an HTTPSender.
type HTTPOption func(*resty.Client)

// WithTimeout overrides DefaultHTTPTimeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *resty.Client) {
		c.SetTimeout(d)
	}
}

// NewHTTPSender creates a sender for the API rooted at baseURL.
func NewHTTPSender(baseURL string, opts ...HTTPOption) *HTTPSender {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(DefaultHTTPTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "MailPipe")
	for _, opt := range opts {
		opt(client)
	}
	return &HTTPSender{client: client}
}

// Send posts p to /emails. Retries are left to the caller.
func (s *HTTPSender) Send(ctx context.Context, cfg models.SendConfig, p Payload) (string, error) {
	var accepted acceptResponse
	var apiErr errorResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetAuthToken(cfg.APIKey).
		SetHeader("Idempotency-Key", p.MessageID).
		SetBody(p).
		SetResult(&accepted).
		SetError(&apiErr).
		Post("/emails")
	if err != nil && (resp == nil || !resp.IsError()) {
		return "", fmt.Errorf("mail api request failed: %w", err)
	}
	if resp.IsError() {
		msg := apiErr.Message
		if msg == "" {
			msg = resp.Status()
		}
		return "", &APIError{StatusCode: resp.StatusCode(), Message: msg}
	}
	if accepted.ID == "" {
		return "", fmt.Errorf("mail api accepted message %s without an id", p.MessageID)
	}
	slog.Debug("HTTPSender.Send: accepted", "id", p.MessageID, "externalID", accepted.ID)
	return accepted.ID, nil
}
