package ingest

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/interfaces"
)

// Tracker publishes progress for one job over both channels: the
// durable snapshot first, then the live channel, so a reader that takes
// the snapshot before subscribing never sees a gap. Unforced updates
// are rate limited on a monotonic clock to cap publish volume inside a
// batch.
type Tracker struct {
	store    interfaces.ProgressStore
	jobID    string
	interval time.Duration
	logger   arbor.ILogger

	lastPublish time.Time
}

// NewTracker creates a tracker for the given job
func NewTracker(store interfaces.ProgressStore, jobID string, interval time.Duration, logger arbor.ILogger) *Tracker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Tracker{
		store:    store,
		jobID:    jobID,
		interval: interval,
		logger:   logger,
	}
}

// Publish emits a progress update. Unforced publishes inside the rate
// limit window are dropped. Store failures are logged and swallowed so
// progress reporting never fails the job.
func (t *Tracker) Publish(ctx context.Context, fields interfaces.ProgressFields, force bool) {
	if !force && !t.lastPublish.IsZero() && time.Since(t.lastPublish) < t.interval {
		return
	}
	t.lastPublish = time.Now()

	// Live subscribers get the same stamp the snapshot stores
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339)

	if err := t.store.PutSnapshot(ctx, t.jobID, fields); err != nil {
		t.logger.Warn().Err(err).Str("job_id", t.jobID).Msg("Failed to write progress snapshot")
	}
	t.store.PublishLive(t.jobID, fields)
}
