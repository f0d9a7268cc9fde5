// Package notify handles the inbound notification channel: SNS-style envelopes carrying delivery
// events from the mail provider.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/BTreeMap/MailPipe/internal/metrics"
	"github.com/BTreeMap/MailPipe/internal/models"
)

// Envelope types.
const (
	TypeSubscriptionConfirmation = "SubscriptionConfirmation"
	TypeNotification             = "Notification"
	TypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

// DefaultConfirmTimeout bounds the subscription confirmation request.
const DefaultConfirmTimeout = 10 * time.Second

// Envelope is the outer message of the notification channel.
type Envelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Subject      string `json:"Subject,omitempty"`
	Message      string `json:"Message"`
	Timestamp    string `json:"Timestamp"`
	SubscribeURL string `json:"SubscribeURL,omitempty"`
	Token        string `json:"Token,omitempty"`
}

// Applier consumes the event carried by a notification. It returns an error only when the
// event could not be stored; invalid events are dropped without one.
type Applier interface {
	Apply(ctx context.Context, raw []byte) error
}

// Handler processes envelopes.
type Handler struct {
	events Applier
	dedup  Deduper
	client *resty.Client
}

// Option configures a Handler.
type Option func(*Handler)

// WithDeduper filters repeated notifications.
func WithDeduper(d Deduper) Option {
	return func(h *Handler) {
		h.dedup = d
	}
}

// WithHTTPClient sets the client used to confirm subscriptions.
func WithHTTPClient(c *resty.Client) Option {
	return func(h *Handler) {
		h.client = c
	}
}

// NewHandler creates a Handler that hands notifications to events.
func NewHandler(events Applier, opts ...Option) *Handler {
	h := &Handler{
		events: events,
		client: resty.New().SetTimeout(DefaultConfirmTimeout),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Process handles one request body and returns the HTTP status and response to send.
// Notifications are acknowledged also when the event inside is dropped; only a failure to store
// the event gets a 5xx so the channel redelivers it.
func (h *Handler) Process(ctx context.Context, body []byte) (int, models.APIResponse) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		slog.Warn("Handler.Process: malformed envelope", "error", err)
		metrics.Notifications.WithLabelValues("malformed").Inc()
		return http.StatusBadRequest, models.Error("Invalid JSON format")
	}

	switch env.Type {
	case TypeSubscriptionConfirmation:
		metrics.Notifications.WithLabelValues(env.Type).Inc()
		if err := h.confirm(ctx, env.SubscribeURL); err != nil {
			slog.Error("Handler.Process: subscription confirmation failed", "topic", env.TopicArn, "error", err)
			return http.StatusBadGateway, models.Error("Subscription confirmation failed")
		}
		slog.Info("Handler.Process: subscription confirmed", "topic", env.TopicArn)
		return http.StatusOK, models.SuccessWithMessage("Subscription confirmed", nil)

	case TypeNotification:
		metrics.Notifications.WithLabelValues(env.Type).Inc()
		if err := h.notification(ctx, &env); err != nil {
			slog.Error("Handler.Process: notification not applied", "notification", env.MessageID, "error", err)
			metrics.Notifications.WithLabelValues("failed").Inc()
			return http.StatusServiceUnavailable, models.Error("Failed to process notification")
		}
		return http.StatusOK, models.Success(nil)

	case TypeUnsubscribeConfirmation:
		metrics.Notifications.WithLabelValues(env.Type).Inc()
		slog.Info("Handler.Process: unsubscribed from topic", "topic", env.TopicArn)
		return http.StatusOK, models.Success(nil)

	default:
		slog.Warn("Handler.Process: unsupported envelope type", "type", env.Type)
		metrics.Notifications.WithLabelValues("unsupported").Inc()
		return http.StatusBadRequest, models.Error("Unsupported notification type")
	}
}

func (h *Handler) notification(ctx context.Context, env *Envelope) error {
	claimed := false
	if h.dedup != nil && env.MessageID != "" {
		first, err := h.dedup.Claim(ctx, env.MessageID)
		switch {
		case err != nil:
			slog.Warn("Handler.notification: dedup unavailable, applying anyway", "notification", env.MessageID, "error", err)
		case !first:
			slog.Debug("Handler.notification: duplicate notification skipped", "notification", env.MessageID)
			metrics.Notifications.WithLabelValues("duplicate").Inc()
			return nil
		default:
			claimed = true
		}
	}

	if err := h.events.Apply(ctx, []byte(env.Message)); err != nil {
		if claimed {
			if rerr := h.dedup.Release(ctx, env.MessageID); rerr != nil {
				slog.Error("Handler.notification: failed to release dedup claim", "notification", env.MessageID, "error", rerr)
			}
		}
		return err
	}

	if claimed {
		if err := h.dedup.Done(ctx, env.MessageID); err != nil {
			slog.Warn("Handler.notification: failed to mark notification processed", "notification", env.MessageID, "error", err)
		}
	}
	return nil
}

func (h *Handler) confirm(ctx context.Context, subscribeURL string) error {
	u, err := url.Parse(subscribeURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("invalid subscribe url %q", subscribeURL)
	}
	resp, err := h.client.R().SetContext(ctx).Get(u.String())
	if err != nil {
		return fmt.Errorf("get subscribe url: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("subscribe url returned %s", resp.Status())
	}
	return nil
}
