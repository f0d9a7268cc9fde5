// Package events applies inbound delivery notifications to message records.
//
// Notifications use the SES event publishing shape: an "eventType" discriminator, a "mail"
// object carrying the provider message id, and one type-specific object.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event type names as they appear on the wire.
const (
	TypeSend             = "Send"
	TypeDelivery         = "Delivery"
	TypeBounce           = "Bounce"
	TypeComplaint        = "Complaint"
	TypeReject           = "Reject"
	TypeRenderingFailure = "Rendering Failure"
	TypeDeliveryDelay    = "DeliveryDelay"
	TypeOpen             = "Open"
	TypeClick            = "Click"
)

// Parse errors.
var (
	ErrMissingType      = errors.New("notification has no eventType")
	ErrMissingMessageID = errors.New("notification has no mail.messageId")
	ErrUnknownType      = errors.New("unhandled event type")
)

// Event is one validated notification. The concrete types are listed in Parse.
type Event interface {
	Type() string
	ExternalMessageID() string
	Timestamp() time.Time
	// Raw is the notification as received.
	Raw() json.RawMessage
	base() *Base
}

// Base holds the fields every event carries.
type Base struct {
	EventType  string
	ExternalID string
	At         time.Time
	Body       json.RawMessage
}

func (b *Base) Type() string              { return b.EventType }
func (b *Base) ExternalMessageID() string { return b.ExternalID }
func (b *Base) Timestamp() time.Time      { return b.At }
func (b *Base) Raw() json.RawMessage      { return b.Body }
func (b *Base) base() *Base               { return b }

type Send struct{ Base }

type Delivery struct {
	Base
	Recipients   []string
	SMTPResponse string
}

// BouncedRecipient is the per-recipient diagnostic of a bounce.
type BouncedRecipient struct {
	EmailAddress   string `json:"emailAddress"`
	Action         string `json:"action"`
	Status         string `json:"status"`
	DiagnosticCode string `json:"diagnosticCode"`
}

type Bounce struct {
	Base
	BounceType    string
	BounceSubType string
	Recipients    []BouncedRecipient
}

// Reason joins the bounce classification and the recipient diagnostics.
func (b *Bounce) Reason() string {
	var sb strings.Builder
	sb.WriteString(b.BounceType)
	if b.BounceSubType != "" {
		sb.WriteString("/")
		sb.WriteString(b.BounceSubType)
	}
	for _, r := range b.Recipients {
		sb.WriteString("; ")
		sb.WriteString(r.EmailAddress)
		if r.DiagnosticCode != "" {
			sb.WriteString(": ")
			sb.WriteString(r.DiagnosticCode)
		} else if r.Status != "" {
			sb.WriteString(": ")
			sb.WriteString(r.Status)
		}
	}
	return sb.String()
}

type Complaint struct {
	Base
	FeedbackType string
	Recipients   []string
}

type Reject struct {
	Base
	Reason string
}

type RenderingFailure struct {
	Base
	TemplateName string
	ErrorMessage string
}

type DeliveryDelay struct {
	Base
	DelayType  string
	Recipients []string
}

type Open struct {
	Base
	IPAddress string
	UserAgent string
}

type Click struct {
	Base
	IPAddress string
	UserAgent string
	Link      string
}

type recipient struct {
	EmailAddress string `json:"emailAddress"`
}

func addresses(rs []recipient) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.EmailAddress)
	}
	return out
}

// wireEvent is the union of every type-specific object.
type wireEvent struct {
	EventType string `json:"eventType"`
	Mail      struct {
		MessageID string    `json:"messageId"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"mail"`

	Delivery *struct {
		Timestamp    time.Time `json:"timestamp"`
		Recipients   []string  `json:"recipients"`
		SMTPResponse string    `json:"smtpResponse"`
	} `json:"delivery"`
	Bounce *struct {
		Timestamp         time.Time          `json:"timestamp"`
		BounceType        string             `json:"bounceType"`
		BounceSubType     string             `json:"bounceSubType"`
		BouncedRecipients []BouncedRecipient `json:"bouncedRecipients"`
	} `json:"bounce"`
	Complaint *struct {
		Timestamp             time.Time   `json:"timestamp"`
		ComplaintFeedbackType string      `json:"complaintFeedbackType"`
		ComplainedRecipients  []recipient `json:"complainedRecipients"`
	} `json:"complaint"`
	Reject *struct {
		Reason string `json:"reason"`
	} `json:"reject"`
	Failure *struct {
		TemplateName string `json:"templateName"`
		ErrorMessage string `json:"errorMessage"`
	} `json:"failure"`
	DeliveryDelay *struct {
		Timestamp         time.Time   `json:"timestamp"`
		DelayType         string      `json:"delayType"`
		DelayedRecipients []recipient `json:"delayedRecipients"`
	} `json:"deliveryDelay"`
	Open *struct {
		Timestamp time.Time `json:"timestamp"`
		IPAddress string    `json:"ipAddress"`
		UserAgent string    `json:"userAgent"`
	} `json:"open"`
	Click *struct {
		Timestamp time.Time `json:"timestamp"`
		IPAddress string    `json:"ipAddress"`
		UserAgent string    `json:"userAgent"`
		Link      string    `json:"link"`
	} `json:"click"`
}

// Parse validates raw and returns the concrete event. The result is one of *Send, *Delivery,
// *Bounce, *Complaint, *Reject, *RenderingFailure, *DeliveryDelay, *Open or *Click.
func Parse(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if w.EventType == "" {
		return nil, ErrMissingType
	}
	if w.Mail.MessageID == "" {
		return nil, ErrMissingMessageID
	}

	b := Base{
		EventType:  w.EventType,
		ExternalID: w.Mail.MessageID,
		At:         w.Mail.Timestamp,
		Body:       append(json.RawMessage(nil), raw...),
	}
	at := func(t time.Time) {
		if !t.IsZero() {
			b.At = t
		}
	}

	var ev Event
	switch w.EventType {
	case TypeSend:
		ev = &Send{}
	case TypeDelivery:
		e := &Delivery{}
		if d := w.Delivery; d != nil {
			at(d.Timestamp)
			e.Recipients, e.SMTPResponse = d.Recipients, d.SMTPResponse
		}
		ev = e
	case TypeBounce:
		e := &Bounce{}
		if d := w.Bounce; d != nil {
			at(d.Timestamp)
			e.BounceType, e.BounceSubType, e.Recipients = d.BounceType, d.BounceSubType, d.BouncedRecipients
		}
		ev = e
	case TypeComplaint:
		e := &Complaint{}
		if d := w.Complaint; d != nil {
			at(d.Timestamp)
			e.FeedbackType, e.Recipients = d.ComplaintFeedbackType, addresses(d.ComplainedRecipients)
		}
		ev = e
	case TypeReject:
		e := &Reject{}
		if d := w.Reject; d != nil {
			e.Reason = d.Reason
		}
		ev = e
	case TypeRenderingFailure:
		e := &RenderingFailure{}
		if d := w.Failure; d != nil {
			e.TemplateName, e.ErrorMessage = d.TemplateName, d.ErrorMessage
		}
		ev = e
	case TypeDeliveryDelay:
		e := &DeliveryDelay{}
		if d := w.DeliveryDelay; d != nil {
			at(d.Timestamp)
			e.DelayType, e.Recipients = d.DelayType, addresses(d.DelayedRecipients)
		}
		ev = e
	case TypeOpen:
		e := &Open{}
		if d := w.Open; d != nil {
			at(d.Timestamp)
			e.IPAddress, e.UserAgent = d.IPAddress, d.UserAgent
		}
		ev = e
	case TypeClick:
		e := &Click{}
		if d := w.Click; d != nil {
			at(d.Timestamp)
			e.IPAddress, e.UserAgent, e.Link = d.IPAddress, d.UserAgent, d.Link
		}
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.EventType)
	}
	*ev.base() = b
	return ev, nil
}
