// Package callback delivers accepted delivery events to the user-configured event callback.
//
// The callback reference in the send configuration is a URL. http(s) references receive a JSON
// POST; amqp(s) references publish to a durable queue.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
)

// ErrUnsupportedRef is returned for callback references with an unknown scheme.
var ErrUnsupportedRef = errors.New("unsupported callback reference")

// Payload is what every sink delivers.
type Payload struct {
	MessageID string          `json:"message_id"`
	EventType string          `json:"event_type"`
	Event     json.RawMessage `json:"event"`
}

// Sink delivers payloads to one callback reference.
type Sink interface {
	Deliver(ctx context.Context, p Payload) error
	Close() error
}

// NewSink creates the sink for ref.
func NewSink(ref string) (Sink, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedRef, err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPSink(ref), nil
	case "amqp", "amqps":
		return NewAMQPSink(u), nil
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedRef, u.Scheme)
	}
}

// Registry caches one sink per reference so connections are reused across deliveries.
type Registry struct {
	mu    sync.Mutex
	sinks map[string]Sink
	build func(ref string) (Sink, error)
}

// NewRegistry creates an empty Registry using NewSink.
func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]Sink), build: NewSink}
}

// Get returns the sink for ref, creating it on first use.
func (r *Registry) Get(ref string) (Sink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sinks[ref]; ok {
		return s, nil
	}
	s, err := r.build(ref)
	if err != nil {
		return nil, err
	}
	r.sinks[ref] = s
	return s, nil
}

// Deliver sends p to the sink for ref.
func (r *Registry) Deliver(ctx context.Context, ref string, p Payload) error {
	s, err := r.Get(ref)
	if err != nil {
		return err
	}
	return s.Deliver(ctx, p)
}

// Close closes every cached sink.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for ref, s := range r.sinks {
		if err := s.Close(); err != nil {
			slog.Warn("Registry.Close: failed to close sink", "error", err)
			errs = append(errs, err)
		}
		delete(r.sinks, ref)
	}
	return errors.Join(errs...)
}
