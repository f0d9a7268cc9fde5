// Package models defines the core data structures for MailPipe.
//
// It includes the message record and its lifecycle status, the send configuration shared by the
// background jobs, the delivery-event audit row, and the JSON envelope used by the HTTP API.
package models

import (
	"errors"
	"strings"
	"time"
)

// Status is the lifecycle state of a message.
type Status string

const (
	StatusWaiting         Status = "waiting"
	StatusQueued          Status = "queued"
	StatusSent            Status = "sent"
	StatusDeliveryDelayed Status = "delivery_delayed"
	StatusDelivered       Status = "delivered"
	StatusBounced         Status = "bounced"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// rankCancelled sits above every other rank; cancelled is sticky.
const rankCancelled = 1 << 30

var statusRanks = map[Status]int{
	StatusWaiting:         0,
	StatusQueued:          1,
	StatusSent:            2,
	StatusDeliveryDelayed: 3,
	StatusDelivered:       4,
	StatusBounced:         5,
	StatusFailed:          5,
	StatusCancelled:       rankCancelled,
}

// Rank returns the position of the status in the upgrade order.
// Unknown statuses rank below waiting.
func (s Status) Rank() int {
	r, ok := statusRanks[s]
	if !ok {
		return -1
	}
	return r
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	_, ok := statusRanks[s]
	return ok
}

// CanUpgrade reports whether a message currently at from may move to to.
// Moves are only allowed to a strictly higher rank, and never out of cancelled.
func CanUpgrade(from, to Status) bool {
	if from == StatusCancelled {
		return false
	}
	return to.Rank() > from.Rank()
}

// Error messages recorded on messages that never reached the mail API.
const (
	CancelledByCaller   = "Email was cancelled"
	CancelledInDispatch = "Email dispatch was cancelled"
	RetriesExhausted    = "Failed to send email after retries"
)

// NotFinalized is stored in FinalizedAt until the message reaches a terminal outcome.
var NotFinalized = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// Header is a custom email header passed through to the mail API.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Message is the central record tracked from enqueue until retention cleanup.
type Message struct {
	ID      string   `json:"id"`
	From    string   `json:"from"`
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Bcc     []string `json:"bcc,omitempty"`
	ReplyTo []string `json:"reply_to,omitempty"`

	Subject      string         `json:"subject,omitempty"`
	HTMLBodyID   string         `json:"html_body_id,omitempty"`
	TextBodyID   string         `json:"text_body_id,omitempty"`
	Template     string         `json:"template,omitempty"`
	TemplateData map[string]any `json:"template_data,omitempty"`
	Headers      []Header       `json:"headers,omitempty"`

	Status            Status `json:"status"`
	ErrorMessage      string `json:"error_message,omitempty"`
	ExternalMessageID string `json:"external_message_id,omitempty"`
	Segment           int64  `json:"segment"`

	Bounced         bool `json:"bounced"`
	Complained      bool `json:"complained"`
	Failed          bool `json:"failed"`
	DeliveryDelayed bool `json:"delivery_delayed"`
	Opened          bool `json:"opened"`
	Clicked         bool `json:"clicked"`

	FinalizedAt time.Time `json:"finalized_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsFinalized reports whether the message has reached a terminal outcome.
func (m *Message) IsFinalized() bool {
	return m.FinalizedAt.Before(NotFinalized)
}

// Finalize records the completion time unless the message is already finalized.
func (m *Message) Finalize(at time.Time) {
	if !m.IsFinalized() {
		m.FinalizedAt = at
	}
}

// UsesTemplate reports whether the message content is a template reference.
func (m *Message) UsesTemplate() bool {
	return m.Template != ""
}

// Error variables for message validation. The texts are part of the API contract.
var (
	ErrSubjectRequired  = errors.New("Subject is required when not using a template")
	ErrContentConflict  = errors.New("Cannot provide both html/text and template")
	ErrMissingContent   = errors.New("Either html/text or template must be provided")
	ErrMissingFrom      = errors.New("From address is required")
	ErrMissingRecipient = errors.New("At least one recipient is required")
	ErrEmptyAddress     = errors.New("Email addresses cannot be empty")
)

// SendRequest is the producer-facing input for enqueueing a message.
type SendRequest struct {
	From         string         `json:"from"`
	To           []string       `json:"to"`
	Cc           []string       `json:"cc,omitempty"`
	Bcc          []string       `json:"bcc,omitempty"`
	ReplyTo      []string       `json:"reply_to,omitempty"`
	Subject      string         `json:"subject,omitempty"`
	HTML         string         `json:"html,omitempty"`
	Text         string         `json:"text,omitempty"`
	Template     string         `json:"template,omitempty"`
	TemplateData map[string]any `json:"template_data,omitempty"`
	Headers      []Header       `json:"headers,omitempty"`
}

// Validate checks addressing and the content rules: exactly one of html/text or template,
// and a subject unless a template is used.
func (r *SendRequest) Validate() error {
	if strings.TrimSpace(r.From) == "" {
		return ErrMissingFrom
	}
	if len(r.To) == 0 {
		return ErrMissingRecipient
	}
	for _, group := range [][]string{r.To, r.Cc, r.Bcc, r.ReplyTo} {
		for _, addr := range group {
			if strings.TrimSpace(addr) == "" {
				return ErrEmptyAddress
			}
		}
	}

	hasBody := r.HTML != "" || r.Text != ""
	hasTemplate := r.Template != ""
	switch {
	case hasBody && hasTemplate:
		return ErrContentConflict
	case !hasBody && !hasTemplate:
		return ErrMissingContent
	case !hasTemplate && strings.TrimSpace(r.Subject) == "":
		return ErrSubjectRequired
	}
	return nil
}

// SendConfig is the runtime configuration cached as the last known send configuration.
// Background jobs read it from the store instead of receiving it as an argument.
type SendConfig struct {
	APIKey             string `json:"api_key,omitempty"`
	RateLimitPerSecond int    `json:"rate_limit_per_second"`
	RetryAttempts      int    `json:"retry_attempts"`
	InitialBackoffMs   int64  `json:"initial_backoff_ms"`
	EventCallback      string `json:"event_callback,omitempty"`
}

// InitialBackoff returns the first retry delay as a duration.
func (c SendConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffMs) * time.Millisecond
}

// Equal reports whether two configurations are identical.
func (c SendConfig) Equal(o SendConfig) bool {
	return c == o
}

// DeliveryEvent is one audit row per accepted inbound notification. Rows are append-only.
type DeliveryEvent struct {
	ID                int64     `json:"id"`
	MessageID         string    `json:"message_id"`
	ExternalMessageID string    `json:"external_message_id"`
	EventType         string    `json:"event_type"`
	Timestamp         time.Time `json:"timestamp"`
	Detail            string    `json:"detail,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// MessageStatus is the compact status view returned by the producer API.
type MessageStatus struct {
	Status          Status    `json:"status"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	Bounced         bool      `json:"bounced"`
	Complained      bool      `json:"complained"`
	Failed          bool      `json:"failed"`
	DeliveryDelayed bool      `json:"delivery_delayed"`
	Opened          bool      `json:"opened"`
	Clicked         bool      `json:"clicked"`
	FinalizedAt     time.Time `json:"finalized_at"`
}

// StatusOf projects a message onto its status view.
func StatusOf(m *Message) MessageStatus {
	return MessageStatus{
		Status:          m.Status,
		ErrorMessage:    m.ErrorMessage,
		Bounced:         m.Bounced,
		Complained:      m.Complained,
		Failed:          m.Failed,
		DeliveryDelayed: m.DeliveryDelayed,
		Opened:          m.Opened,
		Clicked:         m.Clicked,
		FinalizedAt:     m.FinalizedAt,
	}
}

// MessageDetail is a message with its bodies resolved.
type MessageDetail struct {
	Message
	HTML string `json:"html,omitempty"`
	Text string `json:"text,omitempty"`
}
