package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// DefaultQueue receives events when the reference does not name a queue.
const DefaultQueue = "mailpipe.events"

// AMQPSink publishes payloads to a durable queue. The connection is opened on first delivery
// and reopened after a failure.
type AMQPSink struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPSink creates a sink for u. A "queue" query parameter overrides DefaultQueue and is not
// passed to the broker.
func NewAMQPSink(u *url.URL) *AMQPSink {
	dial := *u
	q := dial.Query()
	queue := q.Get("queue")
	if queue == "" {
		queue = DefaultQueue
	}
	q.Del("queue")
	dial.RawQuery = q.Encode()
	return &AMQPSink{url: dial.String(), queue: queue}
}

// Queue returns the destination queue name.
func (s *AMQPSink) Queue() string {
	return s.queue
}

func (s *AMQPSink) Deliver(ctx context.Context, p Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode callback payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, err := s.channel()
	if err != nil {
		return err
	}
	err = ch.Publish("", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    p.MessageID,
		Type:         p.EventType,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		s.reset()
		return fmt.Errorf("publish callback: %w", err)
	}
	return nil
}

// channel returns an open channel, dialing if needed. Callers hold s.mu.
func (s *AMQPSink) channel() (*amqp.Channel, error) {
	if s.ch != nil {
		return s.ch, nil
	}
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(s.queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", s.queue, err)
	}
	slog.Info("AMQPSink: connected", "queue", s.queue)
	s.conn, s.ch = conn, ch
	return ch, nil
}

// reset drops the current connection. Callers hold s.mu.
func (s *AMQPSink) reset() {
	if s.ch != nil {
		s.ch.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn, s.ch = nil, nil
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}
