package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
)

// Manager implements persistent named queues over a shared BadgerDB.
// Message data lives at queue:{name}:msg:{id}; a visibility index at
// queue:{name}:index:{timestamp}:{id} keeps ready messages cheap to
// find in delivery order. Both keys carry the queue's message TTL, so
// unconsumed messages age out on their own.
type Manager struct {
	db     *badger.DB
	logger arbor.ILogger
}

// NewManager creates a queue manager over the given badger database
func NewManager(db *badger.DB, logger arbor.ILogger) (*Manager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	return &Manager{db: db, logger: logger}, nil
}

func msgKey(queue, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", queue, id))
}

func indexKey(queue string, visibleAt time.Time, id string) []byte {
	// Zero pad to 20 digits so string order matches numeric order
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", queue, visibleAt.UnixNano(), id))
}

func indexPrefix(queue string) []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", queue))
}

func parseIndexKey(queue string, key []byte) (time.Time, string, error) {
	prefix := fmt.Sprintf("queue:%s:index:", queue)
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	suffix := string(key[len(prefix):])
	// Suffix is "{20-digit-ts}:{id}"
	if len(suffix) < 22 {
		return time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), suffix[21:], nil
}

// Enqueue places a work item on the named queue. An item whose ID is
// already outstanding on the queue is skipped, which makes enqueue
// idempotent for job-keyed items. Delay postpones first visibility.
func (m *Manager) Enqueue(ctx context.Context, queue string, item WorkItem, delay time.Duration) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	def := Lookup(queue)

	now := time.Now()
	qMsg := queueMessage{
		ID:         item.ID,
		Queue:      queue,
		Item:       item,
		EnqueuedAt: now,
		VisibleAt:  now.Add(delay),
	}

	data, err := json.Marshal(qMsg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		key := msgKey(queue, item.ID)
		if _, err := txn.Get(key); err == nil {
			return errDuplicate
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if err := txn.SetEntry(badger.NewEntry(key, data).WithTTL(def.MessageTTL)); err != nil {
			return err
		}
		idxEntry := badger.NewEntry(indexKey(queue, qMsg.VisibleAt, item.ID), []byte{}).WithTTL(def.MessageTTL)
		return txn.SetEntry(idxEntry)
	})
	if err == errDuplicate {
		m.logger.Debug().Str("queue", queue).Str("id", item.ID).Msg("Work item already outstanding, skipping enqueue")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue on %s: %w", queue, err)
	}

	m.logger.Debug().Str("queue", queue).Str("id", item.ID).Str("type", item.Type).Msg("Work item enqueued")
	return nil
}

var errDuplicate = errors.New("duplicate work item")

// Receive claims the next visible message on the queue. The claim makes
// the message invisible for the queue's visibility timeout and bumps its
// receive count. Messages that already burned their delivery budget move
// straight to the dead letter queue instead of being claimed.
func (m *Manager) Receive(ctx context.Context, queue string) (*Delivery, error) {
	def := Lookup(queue)

	for {
		var claimed *queueMessage
		var poison *queueMessage
		var poisonIndex []byte
		var dangling [][]byte

		err := m.db.Update(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()

			now := time.Now()
			prefix := indexPrefix(queue)

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				key := it.Item().KeyCopy(nil)

				ts, id, err := parseIndexKey(queue, key)
				if err != nil {
					continue
				}
				if ts.After(now) {
					// Index is time ordered, nothing further is ready
					break
				}

				item, err := txn.Get(msgKey(queue, id))
				if err == badger.ErrKeyNotFound {
					// Message expired or was acked. The cleanup runs in its
					// own transaction after this one commits; a delete made
					// here would roll back with ErrNoMessage.
					dangling = append(dangling, key)
					continue
				}
				if err != nil {
					return err
				}

				var qMsg queueMessage
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &qMsg)
				}); err != nil {
					return err
				}

				if qMsg.ReceiveCount >= def.MaxAttempts {
					// Crash between claim and ack burned the budget. Commit
					// the scan first so the dead letter move cannot be
					// rolled back by an empty rescan.
					p := qMsg
					poison = &p
					poisonIndex = key
					return nil
				}

				qMsg.ReceiveCount++
				qMsg.VisibleAt = now.Add(def.VisibilityTimeout)

				data, err := json.Marshal(qMsg)
				if err != nil {
					return err
				}
				if err := txn.SetEntry(badger.NewEntry(msgKey(queue, id), data).WithTTL(def.MessageTTL)); err != nil {
					return err
				}
				if err := txn.Delete(key); err != nil {
					return err
				}
				idxEntry := badger.NewEntry(indexKey(queue, qMsg.VisibleAt, id), []byte{}).WithTTL(def.MessageTTL)
				if err := txn.SetEntry(idxEntry); err != nil {
					return err
				}

				claimed = &qMsg
				return nil
			}

			return ErrNoMessage
		})
		noMessage := err == ErrNoMessage
		if err != nil && !noMessage {
			return nil, err
		}

		if len(dangling) > 0 || poison != nil {
			if err := m.db.Update(func(txn *badger.Txn) error {
				for _, key := range dangling {
					if err := txn.Delete(key); err != nil && err != badger.ErrKeyNotFound {
						return err
					}
				}
				if poison != nil {
					return m.deadLetterInTxn(txn, def, *poison, poisonIndex)
				}
				return nil
			}); err != nil {
				return nil, err
			}
		}

		if claimed != nil {
			return &Delivery{
				Item:        claimed.Item,
				Queue:       queue,
				Attempt:     claimed.ReceiveCount,
				MaxAttempts: def.MaxAttempts,
			}, nil
		}
		if noMessage {
			return nil, ErrNoMessage
		}
		// A poison message was parked; rescan for the next ready one
	}
}

// Ack removes a message from the queue after processing
func (m *Manager) Ack(ctx context.Context, queue, id string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		return m.removeInTxn(txn, queue, id)
	})
}

// removeInTxn deletes a message and its current index entry
func (m *Manager) removeInTxn(txn *badger.Txn, queue, id string) error {
	key := msgKey(queue, id)
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil // Already gone
	}
	if err != nil {
		return err
	}

	var qMsg queueMessage
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &qMsg)
	}); err != nil {
		return err
	}

	if err := txn.Delete(indexKey(queue, qMsg.VisibleAt, id)); err != nil && err != badger.ErrKeyNotFound {
		return err
	}
	return txn.Delete(key)
}

// Release reschedules a claimed message to become visible after delay,
// used for retry backoff. LastError is recorded for the dead letter
// trail.
func (m *Manager) Release(ctx context.Context, queue, id string, delay time.Duration, reason string) error {
	def := Lookup(queue)
	return m.db.Update(func(txn *badger.Txn) error {
		key := msgKey(queue, id)
		item, err := txn.Get(key)
		if err != nil {
			return err
		}

		var qMsg queueMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &qMsg)
		}); err != nil {
			return err
		}

		oldIndex := indexKey(queue, qMsg.VisibleAt, id)
		qMsg.VisibleAt = time.Now().Add(delay)
		qMsg.LastError = reason

		data, err := json.Marshal(qMsg)
		if err != nil {
			return err
		}
		if err := txn.SetEntry(badger.NewEntry(key, data).WithTTL(def.MessageTTL)); err != nil {
			return err
		}
		if err := txn.Delete(oldIndex); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.SetEntry(badger.NewEntry(indexKey(queue, qMsg.VisibleAt, id), []byte{}).WithTTL(def.MessageTTL))
	})
}

// DeadLetter moves a message to the queue's dead letter queue with the
// failure reason attached. Queues without a dead letter drop the message.
func (m *Manager) DeadLetter(ctx context.Context, queue, id, reason string) error {
	def := Lookup(queue)
	return m.db.Update(func(txn *badger.Txn) error {
		key := msgKey(queue, id)
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		var qMsg queueMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &qMsg)
		}); err != nil {
			return err
		}
		qMsg.LastError = reason

		return m.deadLetterInTxn(txn, def, qMsg, indexKey(queue, qMsg.VisibleAt, id))
	})
}

// deadLetterInTxn moves an envelope out of its queue. The receive count
// resets so an operator can re-drive the message from the dead letter
// queue later.
func (m *Manager) deadLetterInTxn(txn *badger.Txn, def Definition, qMsg queueMessage, currentIndex []byte) error {
	if err := txn.Delete(currentIndex); err != nil && err != badger.ErrKeyNotFound {
		return err
	}
	if err := txn.Delete(msgKey(qMsg.Queue, qMsg.ID)); err != nil && err != badger.ErrKeyNotFound {
		return err
	}

	if def.DeadLetter == "" {
		m.logger.Warn().Str("queue", qMsg.Queue).Str("id", qMsg.ID).Msg("Dropping exhausted message, queue has no dead letter")
		return nil
	}

	dlqDef := Lookup(def.DeadLetter)
	qMsg.Queue = def.DeadLetter
	qMsg.ReceiveCount = 0
	qMsg.VisibleAt = time.Now()

	data, err := json.Marshal(qMsg)
	if err != nil {
		return err
	}
	if err := txn.SetEntry(badger.NewEntry(msgKey(dlqDef.Name, qMsg.ID), data).WithTTL(dlqDef.MessageTTL)); err != nil {
		return err
	}
	if err := txn.SetEntry(badger.NewEntry(indexKey(dlqDef.Name, qMsg.VisibleAt, qMsg.ID), []byte{}).WithTTL(dlqDef.MessageTTL)); err != nil {
		return err
	}

	m.logger.Warn().Str("queue", def.Name).Str("id", qMsg.ID).Str("reason", qMsg.LastError).Msg("Message moved to dead letter queue")
	return nil
}

// Depth counts messages currently on a queue
func (m *Manager) Depth(ctx context.Context, queue string) (int, error) {
	count := 0
	prefix := []byte(fmt.Sprintf("queue:%s:msg:", queue))
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Sweep removes index entries whose message data has expired. Badger
// TTLs take care of the data keys; this keeps polling from walking a
// tail of dead index entries.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	removed := 0
	for name := range Definitions {
		var dangling [][]byte
		prefix := indexPrefix(name)

		err := m.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				key := it.Item().KeyCopy(nil)
				_, id, err := parseIndexKey(name, key)
				if err != nil {
					dangling = append(dangling, key)
					continue
				}
				if _, err := txn.Get(msgKey(name, id)); err == badger.ErrKeyNotFound {
					dangling = append(dangling, key)
				}
			}
			return nil
		})
		if err != nil {
			return removed, err
		}

		for _, key := range dangling {
			if err := m.db.Update(func(txn *badger.Txn) error {
				return txn.Delete(key)
			}); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
