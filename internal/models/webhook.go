package models

import (
	"time"
)

// Event types fanned out to webhook subscriptions
const (
	EventProductCreated     = "product.created"
	EventProductUpdated     = "product.updated"
	EventProductDeleted     = "product.deleted"
	EventProductBulkDeleted = "product.bulk_deleted"
	EventImportCompleted    = "import.completed"
	EventImportFailed       = "import.failed"
)

// KnownEventTypes lists every event type the service emits
var KnownEventTypes = []string{
	EventProductCreated,
	EventProductUpdated,
	EventProductDeleted,
	EventProductBulkDeleted,
	EventImportCompleted,
	EventImportFailed,
}

// WebhookSubscription is one configured delivery endpoint
type WebhookSubscription struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url" validate:"required,url,startswith=http"`
	Events    []string  `json:"events" validate:"required,min=1"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubscribesTo reports whether the subscription lists the event type
func (w *WebhookSubscription) SubscribesTo(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// DeliveryStatus tracks one webhook delivery attempt
type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSuccess DeliveryStatus = "success"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// WebhookDelivery records a single delivery attempt. Appended once as
// pending, then updated exactly once to a terminal status.
type WebhookDelivery struct {
	ID             int64          `json:"id"`
	SubscriptionID int64          `json:"subscription_id"`
	EventType      string         `json:"event_type"`
	Payload        string         `json:"payload"` // JSON captured at dispatch time
	Status         DeliveryStatus `json:"status"`
	ResponseCode   *int           `json:"response_code,omitempty"`
	ResponseBody   *string        `json:"response_body,omitempty"`
	ResponseTimeMS *int64         `json:"response_time_ms,omitempty"`
	AttemptedAt    time.Time      `json:"attempted_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}
