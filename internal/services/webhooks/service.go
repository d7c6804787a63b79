package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/interfaces"
	"github.com/ternarybob/catalogd/internal/queue"
)

// WorkTypeDelivery is the queue item type for webhook deliveries
const WorkTypeDelivery = "webhook.delivery"

// deliveryPayload is the body of a webhook delivery work item. The
// payload JSON is captured at publish time so later attempts deliver
// exactly what was fanned out.
type deliveryPayload struct {
	SubscriptionID int64           `json:"subscription_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
}

// Service fans domain events out to webhook subscriptions by enqueueing
// one delivery work item per matching subscription. Publishing is best
// effort: nothing here may fail the caller's operation.
type Service struct {
	storage interfaces.WebhookStorage
	queue   *queue.Manager
	logger  arbor.ILogger
}

// NewService creates the webhook fan-out service
func NewService(storage interfaces.WebhookStorage, queueMgr *queue.Manager, logger arbor.ILogger) *Service {
	return &Service{
		storage: storage,
		queue:   queueMgr,
		logger:  logger,
	}
}

// Publish enqueues a delivery for every enabled subscription listing
// the event type. A failure for one subscription does not stop the
// others.
func (s *Service) Publish(ctx context.Context, eventType string, payload map[string]interface{}) {
	envelope := map[string]interface{}{
		"event":     eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      payload,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to encode event payload")
		return
	}

	subs, err := s.storage.ListEnabledForEvent(ctx, eventType)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to list subscriptions for event")
		return
	}
	if len(subs) == 0 {
		return
	}

	for _, sub := range subs {
		item, err := json.Marshal(deliveryPayload{
			SubscriptionID: sub.ID,
			EventType:      eventType,
			Payload:        body,
		})
		if err != nil {
			s.logger.Warn().Err(err).Int64("subscription_id", sub.ID).Msg("Failed to encode delivery work item")
			continue
		}

		if err := s.queue.Enqueue(ctx, queue.QueueWebhook, queue.WorkItem{
			ID:   uuid.New().String(),
			Type: WorkTypeDelivery,
			Body: item,
		}, 0); err != nil {
			s.logger.Warn().Err(err).Int64("subscription_id", sub.ID).Str("event", eventType).Msg("Failed to enqueue webhook delivery")
			continue
		}
	}

	s.logger.Debug().Str("event", eventType).Int("subscriptions", len(subs)).Msg("Event fanned out")
}
