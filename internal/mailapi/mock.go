package mailapi

import (
	"context"
	"sync"

	"github.com/BTreeMap/MailPipe/internal/models"
)

// MockSender records payloads instead of sending them.
type MockSender struct {
	mu   sync.Mutex
	sent []Payload

	// SendFunc, when set, decides the outcome of each call. By default every message is
	// accepted with id "ext-" + MessageID.
	SendFunc func(p Payload) (string, error)
}

// Compile-time check that MockSender implements Sender.
var _ Sender = (*MockSender)(nil)

// NewMockSender creates a MockSender that accepts everything.
func NewMockSender() *MockSender {
	return &MockSender{}
}

// Send records the payload and returns the configured outcome.
func (m *MockSender) Send(ctx context.Context, cfg models.SendConfig, p Payload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.sent = append(m.sent, p)
	fn := m.SendFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(p)
	}
	return "ext-" + p.MessageID, nil
}

// Sent returns a copy of every payload passed to Send.
func (m *MockSender) Sent() []Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Payload, len(m.sent))
	copy(out, m.sent)
	return out
}
