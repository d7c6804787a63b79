package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/interfaces"
	"github.com/ternarybob/catalogd/internal/models"
)

// WebhookStorage implements SQLite storage for webhook subscriptions
// and their delivery log
type WebhookStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewWebhookStorage creates a new webhook storage instance
func NewWebhookStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.WebhookStorage {
	return &WebhookStorage{
		db:     db,
		logger: logger,
	}
}

// CreateSubscription inserts a new subscription
func (s *WebhookStorage) CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("failed to serialize events: %w", err)
	}

	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	result, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO webhooks (url, events, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		sub.URL, string(eventsJSON), boolToInt(sub.Enabled), now.Unix(), now.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return interfaces.ErrConflict
		}
		return fmt.Errorf("failed to insert subscription: %w", err)
	}

	sub.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read insert id: %w", err)
	}
	return nil
}

func scanSubscription(row rowScanner) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	var eventsJSON string
	var enabled int
	var createdAt, updatedAt int64

	err := row.Scan(&sub.ID, &sub.URL, &eventsJSON, &enabled, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}

	if err := json.Unmarshal([]byte(eventsJSON), &sub.Events); err != nil {
		return nil, fmt.Errorf("failed to parse events for webhook %d: %w", sub.ID, err)
	}
	sub.Enabled = enabled != 0
	sub.CreatedAt = unixToTime(createdAt)
	sub.UpdatedAt = unixToTime(updatedAt)
	return &sub, nil
}

// GetSubscription retrieves a subscription by id
func (s *WebhookStorage) GetSubscription(ctx context.Context, id int64) (*models.WebhookSubscription, error) {
	return scanSubscription(s.db.DB().QueryRowContext(ctx, `
		SELECT id, url, events, enabled, created_at, updated_at
		FROM webhooks WHERE id = ?`, id))
}

// ListSubscriptions returns all subscriptions
func (s *WebhookStorage) ListSubscriptions(ctx context.Context) ([]*models.WebhookSubscription, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, url, events, enabled, created_at, updated_at
		FROM webhooks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// UpdateSubscription replaces the mutable fields of a subscription
func (s *WebhookStorage) UpdateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("failed to serialize events: %w", err)
	}

	sub.UpdatedAt = time.Now()
	result, err := s.db.DB().ExecContext(ctx, `
		UPDATE webhooks SET url = ?, events = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		sub.URL, string(eventsJSON), boolToInt(sub.Enabled), sub.UpdatedAt.Unix(), sub.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return interfaces.ErrConflict
		}
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

// DeleteSubscription removes a subscription; deliveries cascade
func (s *WebhookStorage) DeleteSubscription(ctx context.Context, id int64) error {
	result, err := s.db.DB().ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

// ListEnabledForEvent returns enabled subscriptions listing the event type.
// The events column holds a JSON array, so matching happens in Go.
func (s *WebhookStorage) ListEnabledForEvent(ctx context.Context, eventType string) ([]*models.WebhookSubscription, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, url, events, enabled, created_at, updated_at
		FROM webhooks WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		if sub.SubscribesTo(eventType) {
			subs = append(subs, sub)
		}
	}
	return subs, rows.Err()
}

// CreateDelivery appends a pending delivery row
func (s *WebhookStorage) CreateDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	if delivery.Status == "" {
		delivery.Status = models.DeliveryStatusPending
	}
	if delivery.AttemptedAt.IsZero() {
		delivery.AttemptedAt = time.Now()
	}

	result, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO webhook_deliveries (webhook_id, event_type, payload, status, attempted_at)
		VALUES (?, ?, ?, ?, ?)`,
		delivery.SubscriptionID, delivery.EventType, delivery.Payload,
		string(delivery.Status), delivery.AttemptedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert delivery: %w", err)
	}

	delivery.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read insert id: %w", err)
	}
	return nil
}

// CompleteDelivery moves a pending delivery to a terminal status. The
// pending guard in the WHERE clause makes the transition exactly-once.
func (s *WebhookStorage) CompleteDelivery(ctx context.Context, id int64, result interfaces.DeliveryResult) error {
	var responseCode sql.NullInt64
	if result.ResponseCode != nil {
		responseCode.Valid = true
		responseCode.Int64 = int64(*result.ResponseCode)
	}
	var responseBody sql.NullString
	if result.ResponseBody != nil {
		responseBody.Valid = true
		responseBody.String = *result.ResponseBody
	}
	var responseTime sql.NullInt64
	if result.ResponseTimeMS != nil {
		responseTime.Valid = true
		responseTime.Int64 = *result.ResponseTimeMS
	}

	res, err := s.db.DB().ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = ?, response_code = ?, response_body = ?, response_time_ms = ?, completed_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(result.Status), responseCode, responseBody, responseTime,
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to complete delivery: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

// ListDeliveries returns a page of deliveries for a subscription, newest
// first, plus the total count
func (s *WebhookStorage) ListDeliveries(ctx context.Context, subscriptionID int64, limit, offset int) ([]*models.WebhookDelivery, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int64
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_deliveries WHERE webhook_id = ?`, subscriptionID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count deliveries: %w", err)
	}

	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, webhook_id, event_type, payload, status, response_code, response_body, response_time_ms, attempted_at, completed_at
		FROM webhook_deliveries WHERE webhook_id = ?
		ORDER BY attempted_at DESC, id DESC LIMIT ? OFFSET ?`,
		subscriptionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*models.WebhookDelivery
	for rows.Next() {
		var d models.WebhookDelivery
		var status string
		var responseCode, responseTime, completedAt sql.NullInt64
		var responseBody sql.NullString
		var attemptedAt int64

		err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.Payload, &status,
			&responseCode, &responseBody, &responseTime, &attemptedAt, &completedAt)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan delivery: %w", err)
		}

		d.Status = models.DeliveryStatus(status)
		if responseCode.Valid {
			code := int(responseCode.Int64)
			d.ResponseCode = &code
		}
		if responseBody.Valid {
			body := responseBody.String
			d.ResponseBody = &body
		}
		if responseTime.Valid {
			d.ResponseTimeMS = &responseTime.Int64
		}
		d.AttemptedAt = unixToTime(attemptedAt)
		if completedAt.Valid {
			t := unixToTime(completedAt.Int64)
			d.CompletedAt = &t
		}
		deliveries = append(deliveries, &d)
	}
	return deliveries, total, rows.Err()
}
