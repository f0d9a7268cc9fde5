// Package store provides the DedupRepo interface for inbound notification deduplication.
package store

import (
	"context"
	"time"
)

// DedupRecord represents an inbound notification deduplication record.
type DedupRecord struct {
	NotificationID string     `json:"notification_id"`
	Source         string     `json:"source"`
	ReceivedAt     time.Time  `json:"received_at"`
	ProcessedAt    *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound notification deduplication.
type DedupRepo interface {
	// IsDuplicate checks if a notification ID has already been recorded.
	IsDuplicate(ctx context.Context, notificationID string) (bool, error)

	// RecordInbound inserts a new inbound record. Returns false if the
	// notification was already recorded (duplicate).
	RecordInbound(ctx context.Context, notificationID, source string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a notification.
	MarkProcessed(ctx context.Context, notificationID string) error

	// ReleaseInbound forgets a recorded notification so a redelivery is processed again.
	ReleaseInbound(ctx context.Context, notificationID string) error

	// PruneInboundBefore removes records received before cutoff.
	PruneInboundBefore(ctx context.Context, cutoff time.Time) (int, error)
}
