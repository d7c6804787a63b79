package interfaces

import (
	"context"
)

// ProgressFields is one progress update: a flat map of snapshot fields.
// Values survive a store round trip with their JSON types intact.
type ProgressFields map[string]interface{}

// ProgressStore - dual-channel progress state for import jobs.
// The snapshot channel is a durable last-known-state record with a TTL;
// the live channel is fire-and-forget in-process pub/sub. Writers update
// the snapshot first, then publish live, so a subscriber that reads the
// snapshot before subscribing never observes a gap.
type ProgressStore interface {
	// PutSnapshot merges fields into the job's snapshot and refreshes
	// the snapshot TTL
	PutSnapshot(ctx context.Context, jobID string, fields ProgressFields) error

	// GetSnapshot returns the current snapshot, or nil when the job has
	// no snapshot (never written or expired)
	GetSnapshot(ctx context.Context, jobID string) (ProgressFields, error)

	// PublishLive delivers fields to current subscribers without
	// blocking, returns the number of subscribers reached
	PublishLive(jobID string, fields ProgressFields) int

	// Subscribe registers a live listener for the job. The returned
	// cancel func releases the subscription; after cancel the channel
	// is closed.
	Subscribe(jobID string) (<-chan ProgressFields, func())

	// Close releases the underlying store
	Close() error
}

// EventPublisher - fan-out entry point for domain events. Implementations
// record deliveries and enqueue dispatch work; publishing never fails the
// caller's operation.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]interface{})
}
