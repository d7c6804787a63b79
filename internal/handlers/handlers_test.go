package handlers

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/common"
	"github.com/ternarybob/catalogd/internal/interfaces"
	"github.com/ternarybob/catalogd/internal/progress"
	"github.com/ternarybob/catalogd/internal/queue"
	"github.com/ternarybob/catalogd/internal/services/ingest"
	"github.com/ternarybob/catalogd/internal/storage/sqlite"
)

const testPrefix = "/api"

// recordedEvent captures one fan-out call
type recordedEvent struct {
	Type    string
	Payload map[string]interface{}
}

// recordingPublisher is an EventPublisher for tests
type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingPublisher) Publish(ctx context.Context, eventType string, payload map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Type: eventType, Payload: payload})
}

func (r *recordingPublisher) byType(eventType string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type handlerFixture struct {
	storage  interfaces.StorageManager
	progress *progress.Store
	queueMgr *queue.Manager
	ingest   *ingest.Service
	events   *recordingPublisher
}

func setupHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	logger := arbor.NewLogger()

	storage, err := sqlite.NewManager(logger, &common.SQLiteConfig{
		Path:          filepath.Join(t.TempDir(), "test.db"),
		BusyTimeoutMS: 5000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	options := badger.DefaultOptions(t.TempDir())
	options.Logger = nil
	db, err := badger.Open(options)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := progress.NewStore(db, time.Hour, logger)
	t.Cleanup(func() { store.Close() })

	queueMgr, err := queue.NewManager(db, logger)
	require.NoError(t, err)

	return &handlerFixture{
		storage:  storage,
		progress: store,
		queueMgr: queueMgr,
		ingest:   ingest.NewService(storage, queueMgr, store, logger),
		events:   &recordingPublisher{},
	}
}
