package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = errors.New("no messages in queue")

// ErrBadMessage marks a work item that can never succeed. Handlers wrap
// their error with it to make the pool ack without retrying.
var ErrBadMessage = errors.New("bad message")

// WorkItem is the message body placed on a queue. ID doubles as the
// message id, so enqueueing the same item twice while the first copy is
// outstanding is a no-op.
type WorkItem struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// queueMessage is the internal envelope stored in Badger
type queueMessage struct {
	ID           string    `json:"id"`
	Queue        string    `json:"queue"`
	Item         WorkItem  `json:"item"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAt    time.Time `json:"visible_at"`
	ReceiveCount int       `json:"receive_count"`
	// LastError carries the failure reason into the dead letter queue
	LastError string `json:"last_error,omitempty"`
}

// Delivery is one claimed work item handed to a handler
type Delivery struct {
	Item  WorkItem
	Queue string
	// Attempt is 1 on first delivery
	Attempt     int
	MaxAttempts int
}

// LastAttempt reports whether a failure of this delivery exhausts the
// retry budget
func (d *Delivery) LastAttempt() bool {
	return d.Attempt >= d.MaxAttempts
}

// Handler processes deliveries from one queue. A nil return acks the
// message. An error wrapping ErrBadMessage acks without retry; any other
// error schedules a redelivery until attempts are exhausted, then the
// message moves to the queue's dead letter queue.
type Handler func(ctx context.Context, delivery *Delivery) error
