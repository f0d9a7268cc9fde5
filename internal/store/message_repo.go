package store

import (
	"context"
	"time"

	"github.com/BTreeMap/MailPipe/internal/models"
)

// EventFunc inspects a message inside ApplyEvent's transaction. It returns the audit row to
// append and, when the message state changes, the new snapshot to persist (nil for no change).
type EventFunc func(m *models.Message) (audit models.DeliveryEvent, next *models.Message)

// MessageRepo persists message records, their bodies, and their delivery-event audit rows.
//
// Getters return (nil, nil) when the row does not exist.
type MessageRepo interface {
	// InsertMessage stores the bodies and the message row in one transaction. Non-empty bodies
	// get fresh ids written into m.HTMLBodyID / m.TextBodyID.
	InsertMessage(ctx context.Context, m *models.Message, html, text string) error

	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetMessageByExternalID(ctx context.Context, externalID string) (*models.Message, error)

	// GetBody returns the content blob, or "" if it does not exist.
	GetBody(ctx context.Context, id string) (string, error)

	// ListWaiting returns up to limit waiting messages with segment <= maxSegment, oldest first.
	ListWaiting(ctx context.Context, maxSegment int64, limit int) ([]models.Message, error)

	// HasWaiting reports whether any message is waiting, regardless of segment.
	HasWaiting(ctx context.Context) (bool, error)

	// MarkQueued moves waiting messages to queued and returns the ids that moved.
	MarkQueued(ctx context.Context, ids []string) ([]string, error)

	// ListQueued returns the messages among ids that are still queued, in the order of ids.
	ListQueued(ctx context.Context, ids []string) ([]models.Message, error)

	// MarkSent records the external id and moves a queued or waiting message to sent. A
	// waiting message here was reset while its dispatch was in flight; marking it sent keeps it
	// out of the next batch. Any other status is kept but still gets the external id.
	MarkSent(ctx context.Context, id, externalID string) error

	// MarkFailed records a permanent send failure for a message that is still queued.
	MarkFailed(ctx context.Context, id, errMsg string, at time.Time) (bool, error)

	// ResolveQueued moves every message among ids that is still queued to status, recording
	// errMsg and finalizing at at. It returns how many rows changed.
	ResolveQueued(ctx context.Context, ids []string, status models.Status, errMsg string, at time.Time) (int, error)

	// CancelMessage cancels a waiting or queued message and returns its prior status.
	// The prior status is "" when the message does not exist.
	CancelMessage(ctx context.Context, id string, at time.Time) (models.Status, error)

	// ResetQueued returns queued messages last touched before staleBefore to waiting. Callers
	// pick staleBefore so that no dispatch attempt for those messages can still be in flight.
	ResetQueued(ctx context.Context, staleBefore time.Time) (int, error)

	// ApplyEvent loads the message by external id, calls fn, appends the audit row and
	// persists the new snapshot, all in one transaction. It reports whether a message matched.
	ApplyEvent(ctx context.Context, externalID string, fn EventFunc) (bool, error)

	// ListEvents returns the audit rows of a message in arrival order.
	ListEvents(ctx context.Context, messageID string) ([]models.DeliveryEvent, error)

	// DeleteFinalizedBefore deletes up to limit messages finalized before cutoff, with their
	// bodies and audit rows.
	DeleteFinalizedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)

	// DeleteCreatedBefore deletes up to limit messages created before cutoff regardless of
	// finalization, with their bodies and audit rows.
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// RunMarker is the singleton record present while a batch-build job is scheduled or running.
type RunMarker struct {
	JobID     string    `json:"job_id"`
	CreatedAt time.Time `json:"created_at"`
}

// MarkerRepo stores the singleton scheduler run marker and the last send configuration.
type MarkerRepo interface {
	// CreateRunMarker inserts the marker if absent and reports whether it was created.
	CreateRunMarker(ctx context.Context) (bool, error)
	SetRunMarkerJob(ctx context.Context, jobID string) error
	GetRunMarker(ctx context.Context) (*RunMarker, error)
	DeleteRunMarker(ctx context.Context) error
	// DeleteRunMarkerForJob deletes the marker only while it still points at jobID.
	DeleteRunMarkerForJob(ctx context.Context, jobID string) (bool, error)

	// SaveSendConfig stores cfg if it differs from the stored one and reports whether it did.
	SaveSendConfig(ctx context.Context, cfg models.SendConfig) (bool, error)
	GetSendConfig(ctx context.Context) (*models.SendConfig, error)
}
