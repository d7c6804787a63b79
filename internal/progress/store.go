package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/interfaces"
)

// snapshotKeyPrefix namespaces snapshot keys in the shared badger database
const snapshotKeyPrefix = "import_progress:hash:"

// subscriberBuffer is the per-subscriber channel capacity. A slow
// consumer drops updates rather than blocking the publisher; the
// snapshot channel carries the authoritative state.
const subscriberBuffer = 16

// Store implements the dual-channel progress contract: durable snapshots
// with a TTL in badger, and fire-and-forget live updates over in-process
// subscriber channels.
type Store struct {
	db     *badger.DB
	ttl    time.Duration
	logger arbor.ILogger

	mu          sync.RWMutex
	subscribers map[string]map[int]chan interfaces.ProgressFields
	nextID      int
	closed      bool
}

// NewStore creates a progress store over the given badger database
func NewStore(db *badger.DB, ttl time.Duration, logger arbor.ILogger) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{
		db:          db,
		ttl:         ttl,
		logger:      logger,
		subscribers: make(map[string]map[int]chan interfaces.ProgressFields),
	}
}

func snapshotKey(jobID string) []byte {
	return []byte(snapshotKeyPrefix + jobID)
}

// PutSnapshot merges fields into the job's snapshot, stamps updated_at,
// and refreshes the TTL. Every write extends the snapshot lifetime, so
// the record survives for the TTL past the last update.
func (s *Store) PutSnapshot(ctx context.Context, jobID string, fields interfaces.ProgressFields) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := snapshotKey(jobID)
	return s.db.Update(func(txn *badger.Txn) error {
		merged := interfaces.ProgressFields{}

		item, err := txn.Get(key)
		if err == nil {
			if err := item.Value(func(val []byte) error {
				return decodeSnapshot(val, merged)
			}); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}

		for k, v := range fields {
			merged[k] = v
		}
		merged["updated_at"] = time.Now().UTC().Format(time.RFC3339)

		data, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}

		entry := badger.NewEntry(key, data).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
}

// decodeSnapshot parses a stored snapshot. A value that is not a JSON
// object is kept under the raw key instead of being lost.
func decodeSnapshot(val []byte, into interfaces.ProgressFields) error {
	if err := json.Unmarshal(val, &into); err != nil {
		into["raw"] = string(val)
	}
	return nil
}

// GetSnapshot returns the current snapshot, or nil when the job has no
// snapshot (never written, or expired)
func (s *Store) GetSnapshot(ctx context.Context, jobID string) (interfaces.ProgressFields, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var snapshot interfaces.ProgressFields
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(jobID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}
		snapshot = interfaces.ProgressFields{}
		return item.Value(func(val []byte) error {
			return decodeSnapshot(val, snapshot)
		})
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// PublishLive delivers fields to current subscribers of the job without
// blocking. Subscribers with a full buffer miss this update.
func (s *Store) PublishLive(jobID string, fields interfaces.ProgressFields) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0
	}

	reached := 0
	for _, ch := range s.subscribers[jobID] {
		select {
		case ch <- fields:
			reached++
		default:
		}
	}
	return reached
}

// Subscribe registers a live listener for the job. The cancel func
// removes the subscription and closes the channel; it is safe to call
// more than once.
func (s *Store) Subscribe(jobID string) (<-chan interfaces.ProgressFields, func()) {
	ch := make(chan interfaces.ProgressFields, subscriberBuffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	if s.subscribers[jobID] == nil {
		s.subscribers[jobID] = make(map[int]chan interfaces.ProgressFields)
	}
	s.subscribers[jobID][id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			subs, ok := s.subscribers[jobID]
			if !ok {
				// Store already closed the channel
				s.mu.Unlock()
				return
			}
			if _, live := subs[id]; !live {
				s.mu.Unlock()
				return
			}
			delete(subs, id)
			if len(subs) == 0 {
				delete(s.subscribers, jobID)
			}
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Close drops all live subscribers. Snapshot data stays in badger; the
// owning BadgerDB is closed by its manager.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for jobID, subs := range s.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(s.subscribers, jobID)
	}
	return nil
}
