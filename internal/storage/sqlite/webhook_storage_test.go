package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/interfaces"
	"github.com/ternarybob/catalogd/internal/models"
)

func setupWebhookStorage(t *testing.T) interfaces.WebhookStorage {
	db, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)
	return NewWebhookStorage(db, arbor.NewLogger())
}

func TestWebhookStorage_SubscriptionCRUD(t *testing.T) {
	storage := setupWebhookStorage(t)
	ctx := context.Background()

	sub := &models.WebhookSubscription{
		URL:     "https://example.com/hook",
		Events:  []string{models.EventImportCompleted, models.EventImportFailed},
		Enabled: true,
	}
	require.NoError(t, storage.CreateSubscription(ctx, sub))
	require.NotZero(t, sub.ID)

	got, err := storage.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.URL, got.URL)
	assert.Equal(t, sub.Events, got.Events)
	assert.True(t, got.Enabled)

	got.Enabled = false
	got.Events = []string{models.EventProductBulkDeleted}
	require.NoError(t, storage.UpdateSubscription(ctx, got))

	got, err = storage.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, []string{models.EventProductBulkDeleted}, got.Events)

	require.NoError(t, storage.DeleteSubscription(ctx, sub.ID))
	_, err = storage.GetSubscription(ctx, sub.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestWebhookStorage_DuplicateURL(t *testing.T) {
	storage := setupWebhookStorage(t)
	ctx := context.Background()

	first := &models.WebhookSubscription{URL: "https://example.com/a", Events: []string{models.EventProductCreated}, Enabled: true}
	require.NoError(t, storage.CreateSubscription(ctx, first))

	dup := &models.WebhookSubscription{URL: "https://example.com/a", Events: []string{models.EventProductCreated}, Enabled: true}
	assert.ErrorIs(t, storage.CreateSubscription(ctx, dup), interfaces.ErrConflict)
}

func TestWebhookStorage_ListEnabledForEvent(t *testing.T) {
	storage := setupWebhookStorage(t)
	ctx := context.Background()

	subscribed := &models.WebhookSubscription{
		URL:     "https://example.com/match",
		Events:  []string{models.EventImportCompleted},
		Enabled: true,
	}
	require.NoError(t, storage.CreateSubscription(ctx, subscribed))

	disabled := &models.WebhookSubscription{
		URL:     "https://example.com/disabled",
		Events:  []string{models.EventImportCompleted},
		Enabled: false,
	}
	require.NoError(t, storage.CreateSubscription(ctx, disabled))

	other := &models.WebhookSubscription{
		URL:     "https://example.com/other",
		Events:  []string{models.EventProductDeleted},
		Enabled: true,
	}
	require.NoError(t, storage.CreateSubscription(ctx, other))

	matches, err := storage.ListEnabledForEvent(ctx, models.EventImportCompleted)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, subscribed.ID, matches[0].ID)
}

func TestWebhookStorage_DeliveryLifecycle(t *testing.T) {
	storage := setupWebhookStorage(t)
	ctx := context.Background()

	sub := &models.WebhookSubscription{URL: "https://example.com/d", Events: []string{models.EventProductCreated}, Enabled: true}
	require.NoError(t, storage.CreateSubscription(ctx, sub))

	delivery := &models.WebhookDelivery{
		SubscriptionID: sub.ID,
		EventType:      models.EventProductCreated,
		Payload:        `{"event":"product.created"}`,
	}
	require.NoError(t, storage.CreateDelivery(ctx, delivery))
	require.NotZero(t, delivery.ID)
	assert.Equal(t, models.DeliveryStatusPending, delivery.Status)

	code := 200
	body := "ok"
	elapsed := int64(42)
	require.NoError(t, storage.CompleteDelivery(ctx, delivery.ID, interfaces.DeliveryResult{
		Status:         models.DeliveryStatusSuccess,
		ResponseCode:   &code,
		ResponseBody:   &body,
		ResponseTimeMS: &elapsed,
	}))

	// A second completion finds no pending row
	err := storage.CompleteDelivery(ctx, delivery.ID, interfaces.DeliveryResult{
		Status: models.DeliveryStatusFailed,
	})
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	deliveries, total, err := storage.ListDeliveries(ctx, sub.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, deliveries, 1)
	assert.Equal(t, models.DeliveryStatusSuccess, deliveries[0].Status)
	require.NotNil(t, deliveries[0].ResponseCode)
	assert.Equal(t, 200, *deliveries[0].ResponseCode)
	require.NotNil(t, deliveries[0].CompletedAt)
}

func TestWebhookStorage_DeliveriesCascadeWithSubscription(t *testing.T) {
	storage := setupWebhookStorage(t)
	ctx := context.Background()

	sub := &models.WebhookSubscription{URL: "https://example.com/cascade", Events: []string{models.EventProductCreated}, Enabled: true}
	require.NoError(t, storage.CreateSubscription(ctx, sub))
	require.NoError(t, storage.CreateDelivery(ctx, &models.WebhookDelivery{
		SubscriptionID: sub.ID,
		EventType:      models.EventProductCreated,
		Payload:        `{}`,
	}))

	require.NoError(t, storage.DeleteSubscription(ctx, sub.ID))

	_, total, err := storage.ListDeliveries(ctx, sub.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}
