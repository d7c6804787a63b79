package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/interfaces"
	"github.com/ternarybob/catalogd/internal/models"
	"github.com/ternarybob/catalogd/internal/queue"
)

// truncationSuffix marks a response body cut at the storage limit
const truncationSuffix = "... (truncated)"

// Deliverer consumes webhook delivery work items. Each attempt appends
// its own pending delivery record, posts the payload, and moves the
// record to a terminal status exactly once. Failed attempts re-raise so
// the queue retries with its own backoff.
type Deliverer struct {
	storage interfaces.WebhookStorage
	client  *http.Client
	maxBody int
	logger  arbor.ILogger
}

// NewDeliverer creates a webhook deliverer. Timeout bounds the whole
// POST including body read.
func NewDeliverer(storage interfaces.WebhookStorage, timeout time.Duration, maxBody int, logger arbor.ILogger) *Deliverer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxBody <= 0 {
		maxBody = 1000
	}
	return &Deliverer{
		storage: storage,
		client:  &http.Client{Timeout: timeout},
		maxBody: maxBody,
		logger:  logger,
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + truncationSuffix
}

// Handle processes one webhook delivery
func (d *Deliverer) Handle(ctx context.Context, delivery *queue.Delivery) error {
	var payload deliveryPayload
	if err := json.Unmarshal(delivery.Item.Body, &payload); err != nil {
		return fmt.Errorf("%w: undecodable delivery payload: %v", queue.ErrBadMessage, err)
	}

	sub, err := d.storage.GetSubscription(ctx, payload.SubscriptionID)
	if err == interfaces.ErrNotFound {
		// Subscription deleted after fan-out
		return fmt.Errorf("%w: subscription %d no longer exists", queue.ErrBadMessage, payload.SubscriptionID)
	}
	if err != nil {
		return fmt.Errorf("failed to load subscription: %w", err)
	}

	if !sub.Enabled {
		d.logger.Debug().Int64("subscription_id", sub.ID).Str("event", payload.EventType).Msg("Subscription disabled, skipping delivery")
		return nil
	}

	record := &models.WebhookDelivery{
		SubscriptionID: sub.ID,
		EventType:      payload.EventType,
		Payload:        string(payload.Payload),
	}
	if err := d.storage.CreateDelivery(ctx, record); err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}

	start := time.Now()
	code, body, postErr := d.post(ctx, sub.URL, payload.Payload)
	elapsed := time.Since(start).Milliseconds()

	if postErr != nil {
		reason := truncate(postErr.Error(), d.maxBody)
		d.complete(ctx, record.ID, interfaces.DeliveryResult{
			Status:         models.DeliveryStatusFailed,
			ResponseBody:   &reason,
			ResponseTimeMS: &elapsed,
		})
		return fmt.Errorf("delivery to %s failed: %w", sub.URL, postErr)
	}

	truncated := truncate(body, d.maxBody)
	if code >= 200 && code < 300 {
		d.complete(ctx, record.ID, interfaces.DeliveryResult{
			Status:         models.DeliveryStatusSuccess,
			ResponseCode:   &code,
			ResponseBody:   &truncated,
			ResponseTimeMS: &elapsed,
		})
		d.logger.Debug().Int64("subscription_id", sub.ID).Str("event", payload.EventType).Int("status", code).Msg("Webhook delivered")
		return nil
	}

	d.complete(ctx, record.ID, interfaces.DeliveryResult{
		Status:         models.DeliveryStatusFailed,
		ResponseCode:   &code,
		ResponseBody:   &truncated,
		ResponseTimeMS: &elapsed,
	})
	return fmt.Errorf("delivery to %s returned status %d", sub.URL, code)
}

// post sends the payload and reads a bounded response body
func (d *Deliverer) post(ctx context.Context, url string, payload []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	// Read a little past the limit so truncation is detectable
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(d.maxBody)+1024))
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(body), nil
}

// complete records the terminal outcome, tolerating the record already
// being terminal after a racing attempt
func (d *Deliverer) complete(ctx context.Context, id int64, result interfaces.DeliveryResult) {
	if err := d.storage.CompleteDelivery(ctx, id, result); err != nil && err != interfaces.ErrNotFound {
		d.logger.Warn().Err(err).Int64("delivery_id", id).Msg("Failed to record delivery outcome")
	}
}
