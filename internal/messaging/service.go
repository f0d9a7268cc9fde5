// Package messaging is the producer-facing side of MailPipe: enqueueing messages, reading their
// status and cancelling them before dispatch.
package messaging

import (
	"context"
	"errors"

	"github.com/BTreeMap/MailPipe/internal/models"
)

// Errors returned by Service implementations. Cancel wraps ErrNotCancellable in a
// NotCancellableError naming the state the message is in.
var (
	ErrMessageNotFound = errors.New("Email not found")
	ErrNotCancellable  = errors.New("Email can no longer be cancelled")
)

// NotCancellableError rejects a cancel of a message that already left the queue.
type NotCancellableError struct {
	Status models.Status
}

func (e *NotCancellableError) Error() string {
	if e.Status == models.StatusFailed {
		return "Email has already failed"
	}
	return "Email has already been sent"
}

func (e *NotCancellableError) Is(target error) bool {
	return target == ErrNotCancellable
}

// ValidationError wraps a rejected send request. Its text is the validation message.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Service defines the producer API.
type Service interface {
	// Enqueue validates and stores a message and returns its id.
	Enqueue(ctx context.Context, req models.SendRequest) (string, error)

	// Status returns the status view of a message, or nil if it does not exist.
	Status(ctx context.Context, id string) (*models.MessageStatus, error)

	// Get returns the full message with its bodies, or nil if it does not exist.
	Get(ctx context.Context, id string) (*models.MessageDetail, error)

	// Cancel cancels a message that has not been dispatched yet. Cancelling a cancelled message
	// again succeeds without changing it.
	Cancel(ctx context.Context, id string) error

	// Events returns the delivery-event audit rows of a message.
	Events(ctx context.Context, id string) ([]models.DeliveryEvent, error)
}
