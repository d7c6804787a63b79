package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/interfaces"
)

func TestTracker_RateLimitsUnforcedPublishes(t *testing.T) {
	f := setupFixture(t)

	tracker := NewTracker(f.progress, "job_rate", time.Hour, arbor.NewLogger())
	ch, cancel := f.progress.Subscribe("job_rate")
	defer cancel()

	tracker.Publish(context.Background(), interfaces.ProgressFields{"seq": 1}, false)
	// Inside the window, dropped
	tracker.Publish(context.Background(), interfaces.ProgressFields{"seq": 2}, false)
	// Forced, always goes out
	tracker.Publish(context.Background(), interfaces.ProgressFields{"seq": 3}, true)

	var seqs []int
	timeout := time.After(time.Second)
	for len(seqs) < 2 {
		select {
		case update := <-ch:
			seqs = append(seqs, update["seq"].(int))
		case <-timeout:
			t.Fatalf("expected 2 updates, got %v", seqs)
		}
	}
	assert.Equal(t, []int{1, 3}, seqs)

	// The dropped update never reached the snapshot either
	snapshot, err := f.progress.GetSnapshot(context.Background(), "job_rate")
	require.NoError(t, err)
	assert.Equal(t, float64(3), snapshot["seq"])
}

func TestTracker_SnapshotBeforeLive(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	tracker := NewTracker(f.progress, "job_order", time.Second, arbor.NewLogger())

	ch, cancel := f.progress.Subscribe("job_order")
	defer cancel()

	tracker.Publish(ctx, interfaces.ProgressFields{"status": "importing"}, true)

	select {
	case <-ch:
		// By the time the live update arrives the snapshot is readable
		snapshot, err := f.progress.GetSnapshot(ctx, "job_order")
		require.NoError(t, err)
		require.NotNil(t, snapshot)
		assert.Equal(t, "importing", snapshot["status"])
	case <-time.After(time.Second):
		t.Fatal("expected live update")
	}
}
