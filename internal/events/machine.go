package events

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/MailPipe/internal/callback"
	"github.com/BTreeMap/MailPipe/internal/metrics"
	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/pool"
	"github.com/BTreeMap/MailPipe/internal/store"
)

// Callback delivery retry policy.
const (
	CallbackAttempts       = 3
	CallbackInitialBackoff = time.Second
)

// Repo is the part of the store the state machine needs.
type Repo interface {
	ApplyEvent(ctx context.Context, externalID string, fn store.EventFunc) (bool, error)
	GetSendConfig(ctx context.Context) (*models.SendConfig, error)
}

// Enqueuer runs callback deliveries.
type Enqueuer interface {
	Enqueue(task pool.Task) error
}

// Deliverer sends a payload to a callback reference.
type Deliverer interface {
	Deliver(ctx context.Context, ref string, p callback.Payload) error
}

// Machine applies notifications to messages and forwards them to the event callback.
type Machine struct {
	repo      Repo
	callbacks Enqueuer
	sinks     Deliverer
	now       func() time.Time
}

// NewMachine creates a Machine. Callback deliveries run on callbacks.
func NewMachine(repo Repo, callbacks Enqueuer, sinks Deliverer) *Machine {
	return &Machine{repo: repo, callbacks: callbacks, sinks: sinks, now: time.Now}
}

// Apply validates raw and applies it. Invalid notifications and notifications for unknown
// messages are logged and dropped; the returned error only reports a store failure, after which
// the notification can be applied again.
func (m *Machine) Apply(ctx context.Context, raw []byte) error {
	ev, err := Parse(raw)
	if err != nil {
		slog.Warn("Machine.Apply: dropping invalid notification", "error", err)
		metrics.Events.WithLabelValues("invalid", "false").Inc()
		return nil
	}

	var (
		messageID string
		prior     models.Status
		changed   bool
	)
	now := m.now().UTC()
	matched, err := m.repo.ApplyEvent(ctx, ev.ExternalMessageID(), func(msg *models.Message) (models.DeliveryEvent, *models.Message) {
		messageID, prior = msg.ID, msg.Status
		audit := models.DeliveryEvent{
			MessageID:         msg.ID,
			ExternalMessageID: ev.ExternalMessageID(),
			EventType:         ev.Type(),
			Timestamp:         eventTime(ev, now),
			Detail:            Detail(ev),
		}
		next, ok := ComputeUpdate(msg, ev, now)
		changed = ok
		return audit, next
	})
	if err != nil {
		slog.Error("Machine.Apply: failed to apply event", "type", ev.Type(), "externalID", ev.ExternalMessageID(), "error", err)
		return fmt.Errorf("apply %s event for %s: %w", ev.Type(), ev.ExternalMessageID(), err)
	}
	if !matched {
		slog.Warn("Machine.Apply: no message for notification", "type", ev.Type(), "externalID", ev.ExternalMessageID())
		metrics.Events.WithLabelValues(ev.Type(), "false").Inc()
		return nil
	}

	metrics.Events.WithLabelValues(ev.Type(), strconv.FormatBool(changed)).Inc()
	if _, ok := ev.(*Delivery); ok && prior == models.StatusBounced {
		slog.Debug("Machine.Apply: delivery after bounce ignored", "id", messageID)
	}
	slog.Debug("Machine.Apply: event applied", "id", messageID, "type", ev.Type(), "changed", changed)

	m.forward(ctx, messageID, ev)
	return nil
}

// forward enqueues the callback delivery when an event callback is configured.
func (m *Machine) forward(ctx context.Context, messageID string, ev Event) {
	cfg, err := m.repo.GetSendConfig(ctx)
	if err != nil {
		slog.Error("Machine.forward: failed to load send configuration", "error", err)
		return
	}
	if cfg == nil || cfg.EventCallback == "" {
		return
	}

	ref := cfg.EventCallback
	payload := callback.Payload{MessageID: messageID, EventType: ev.Type(), Event: ev.Raw()}
	err = m.callbacks.Enqueue(pool.Task{
		Name:  "callback",
		Retry: pool.RetryPolicy{MaxAttempts: CallbackAttempts, InitialBackoff: CallbackInitialBackoff},
		Run: func(ctx context.Context) (any, error) {
			return nil, m.sinks.Deliver(ctx, ref, payload)
		},
		OnComplete: func(res pool.Result) {
			metrics.Callbacks.WithLabelValues(res.Outcome.String()).Inc()
			if res.Outcome != pool.OutcomeSuccess {
				slog.Warn("Machine.forward: callback not delivered", "id", messageID, "type", ev.Type(), "outcome", res.Outcome, "error", res.Err)
			}
		},
	})
	if err != nil {
		slog.Warn("Machine.forward: failed to enqueue callback", "id", messageID, "error", err)
	}
}

func eventTime(ev Event, now time.Time) time.Time {
	if t := ev.Timestamp(); !t.IsZero() {
		return t
	}
	return now
}
