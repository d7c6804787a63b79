package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func setupManager(t *testing.T) *Manager {
	options := badger.DefaultOptions(t.TempDir())
	options.Logger = nil
	db, err := badger.Open(options)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	manager, err := NewManager(db, arbor.NewLogger())
	require.NoError(t, err)
	return manager
}

func TestManager_EnqueueReceiveAck(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	item := WorkItem{ID: "job_1", Type: "ingest", Body: json.RawMessage(`{"path":"/tmp/f.csv"}`)}
	require.NoError(t, m.Enqueue(ctx, QueueIngest, item, 0))

	delivery, err := m.Receive(ctx, QueueIngest)
	require.NoError(t, err)
	assert.Equal(t, "job_1", delivery.Item.ID)
	assert.Equal(t, "ingest", delivery.Item.Type)
	assert.Equal(t, 1, delivery.Attempt)
	assert.Equal(t, 3, delivery.MaxAttempts)

	// The claim makes the message invisible
	_, err = m.Receive(ctx, QueueIngest)
	assert.ErrorIs(t, err, ErrNoMessage)

	require.NoError(t, m.Ack(ctx, QueueIngest, "job_1"))

	depth, err := m.Depth(ctx, QueueIngest)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestManager_ReceiveEmptyQueue(t *testing.T) {
	m := setupManager(t)

	_, err := m.Receive(context.Background(), QueueWebhook)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestManager_EnqueueFIFO(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, QueueDefault, WorkItem{ID: "a", Type: "t"}, 0))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.Enqueue(ctx, QueueDefault, WorkItem{ID: "b", Type: "t"}, 0))

	first, err := m.Receive(ctx, QueueDefault)
	require.NoError(t, err)
	assert.Equal(t, "a", first.Item.ID)

	second, err := m.Receive(ctx, QueueDefault)
	require.NoError(t, err)
	assert.Equal(t, "b", second.Item.ID)
}

func TestManager_EnqueueDeduplicatesOutstanding(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, QueueIngest, WorkItem{ID: "job_dup", Type: "ingest"}, 0))
	require.NoError(t, m.Enqueue(ctx, QueueIngest, WorkItem{ID: "job_dup", Type: "ingest"}, 0))

	depth, err := m.Depth(ctx, QueueIngest)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// After ack the id can be enqueued again
	_, err = m.Receive(ctx, QueueIngest)
	require.NoError(t, err)
	require.NoError(t, m.Ack(ctx, QueueIngest, "job_dup"))
	require.NoError(t, m.Enqueue(ctx, QueueIngest, WorkItem{ID: "job_dup", Type: "ingest"}, 0))

	depth, err = m.Depth(ctx, QueueIngest)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestManager_DelayedMessageNotVisible(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, QueueDefault, WorkItem{ID: "later", Type: "t"}, time.Hour))

	_, err := m.Receive(ctx, QueueDefault)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestManager_ReleaseSchedulesRetry(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, QueueWebhook, WorkItem{ID: "d1", Type: "webhook"}, 0))

	delivery, err := m.Receive(ctx, QueueWebhook)
	require.NoError(t, err)
	require.Equal(t, 1, delivery.Attempt)

	// Immediate release makes the message visible again
	require.NoError(t, m.Release(ctx, QueueWebhook, "d1", 0, "connection refused"))

	delivery, err = m.Receive(ctx, QueueWebhook)
	require.NoError(t, err)
	assert.Equal(t, 2, delivery.Attempt)

	// Release with a delay hides it
	require.NoError(t, m.Release(ctx, QueueWebhook, "d1", time.Hour, "connection refused"))
	_, err = m.Receive(ctx, QueueWebhook)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestManager_DeadLetterMove(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, QueueIngest, WorkItem{ID: "job_dead", Type: "ingest"}, 0))
	_, err := m.Receive(ctx, QueueIngest)
	require.NoError(t, err)

	require.NoError(t, m.DeadLetter(ctx, QueueIngest, "job_dead", "storage: disk full"))

	depth, err := m.Depth(ctx, QueueIngest)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	depth, err = m.Depth(ctx, QueueDeadLetter)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// The parked message is readable for inspection
	parked, err := m.Receive(ctx, QueueDeadLetter)
	require.NoError(t, err)
	assert.Equal(t, "job_dead", parked.Item.ID)
}

func TestManager_ExhaustedMessageMovesOnReceive(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, QueueWebhook, WorkItem{ID: "poison", Type: "webhook"}, 0))

	// Burn the delivery budget with immediate releases
	for i := 0; i < 3; i++ {
		delivery, err := m.Receive(ctx, QueueWebhook)
		require.NoError(t, err)
		require.Equal(t, i+1, delivery.Attempt)
		require.NoError(t, m.Release(ctx, QueueWebhook, "poison", 0, "boom"))
	}

	// The fourth receive refuses to claim and dead letters instead
	_, err := m.Receive(ctx, QueueWebhook)
	assert.ErrorIs(t, err, ErrNoMessage)

	depth, err := m.Depth(ctx, QueueDeadLetter)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// The move survives the empty-result scan
	depth, err = m.Depth(ctx, QueueWebhook)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestManager_ExhaustedMessageDoesNotBlockQueue(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, QueueWebhook, WorkItem{ID: "poison", Type: "webhook"}, 0))
	for i := 0; i < 3; i++ {
		_, err := m.Receive(ctx, QueueWebhook)
		require.NoError(t, err)
		require.NoError(t, m.Release(ctx, QueueWebhook, "poison", 0, "boom"))
	}
	require.NoError(t, m.Enqueue(ctx, QueueWebhook, WorkItem{ID: "healthy", Type: "webhook"}, 0))

	// One receive parks the poison message and claims the next ready one
	delivery, err := m.Receive(ctx, QueueWebhook)
	require.NoError(t, err)
	assert.Equal(t, "healthy", delivery.Item.ID)

	depth, err := m.Depth(ctx, QueueDeadLetter)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestManager_Sweep(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, QueueDefault, WorkItem{ID: "gone", Type: "t"}, 0))

	// Delete the data key directly, leaving the index dangling
	require.NoError(t, m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(msgKey(QueueDefault, "gone"))
	}))

	removed, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = m.Receive(ctx, QueueDefault)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestWorkQueuesOrderedByPriority(t *testing.T) {
	queues := WorkQueues()
	require.NotEmpty(t, queues)

	for i := 1; i < len(queues); i++ {
		assert.GreaterOrEqual(t, queues[i-1].Priority, queues[i].Priority)
	}
	for _, def := range queues {
		assert.NotEqual(t, QueueDeadLetter, def.Name)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	cap := 10 * time.Minute
	for attempt := 1; attempt <= 10; attempt++ {
		delay := RetryDelay(attempt, cap)
		assert.Greater(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, cap)
	}

	// Webhook retries stay on a short leash
	assert.LessOrEqual(t, RetryDelay(10, time.Minute), time.Minute)
}
