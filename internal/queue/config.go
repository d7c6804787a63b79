package queue

import (
	"sort"
	"time"
)

// Queue names
const (
	QueueDefault    = "default"
	QueueIngest     = "ingest"
	QueueBulkOps    = "bulk_ops"
	QueueWebhook    = "webhook"
	QueueDeadLetter = "dlq"
)

// Definition fixes the policy of one named queue
type Definition struct {
	Name string
	// MessageTTL bounds how long an unconsumed message survives
	MessageTTL time.Duration
	// Priority orders queues during polling, higher first
	Priority int
	// MaxAttempts bounds deliveries before the message is dead-lettered
	MaxAttempts int
	// BackoffCap limits the exponential redelivery delay
	BackoffCap time.Duration
	// DeadLetter names the queue exhausted messages move to, empty to drop
	DeadLetter string
	// VisibilityTimeout is how long a claimed message stays invisible
	VisibilityTimeout time.Duration
}

// Definitions is the fixed queue topology. Ingest carries long-running
// CSV imports, so its messages outlive the others; webhook failures
// retry on a much shorter leash.
var Definitions = map[string]Definition{
	QueueDefault: {
		Name:              QueueDefault,
		MessageTTL:        time.Hour,
		Priority:          10,
		MaxAttempts:       3,
		BackoffCap:        10 * time.Minute,
		VisibilityTimeout: 5 * time.Minute,
	},
	QueueIngest: {
		Name:              QueueIngest,
		MessageTTL:        2 * time.Hour,
		Priority:          10,
		MaxAttempts:       3,
		BackoffCap:        10 * time.Minute,
		DeadLetter:        QueueDeadLetter,
		VisibilityTimeout: 30 * time.Minute,
	},
	QueueBulkOps: {
		Name:              QueueBulkOps,
		MessageTTL:        time.Hour,
		Priority:          5,
		MaxAttempts:       3,
		BackoffCap:        10 * time.Minute,
		DeadLetter:        QueueDeadLetter,
		VisibilityTimeout: 10 * time.Minute,
	},
	QueueWebhook: {
		Name:              QueueWebhook,
		MessageTTL:        time.Hour,
		Priority:          5,
		MaxAttempts:       3,
		BackoffCap:        time.Minute,
		DeadLetter:        QueueDeadLetter,
		VisibilityTimeout: time.Minute,
	},
	QueueDeadLetter: {
		Name:              QueueDeadLetter,
		MessageTTL:        7 * 24 * time.Hour,
		Priority:          0,
		MaxAttempts:       1,
		VisibilityTimeout: time.Hour,
	},
}

// WorkQueues returns the consumable queues ordered by priority
// descending, name ascending for a stable tie-break. The dead letter
// queue is parked storage and is not polled.
func WorkQueues() []Definition {
	defs := make([]Definition, 0, len(Definitions))
	for name, def := range Definitions {
		if name == QueueDeadLetter {
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Priority != defs[j].Priority {
			return defs[i].Priority > defs[j].Priority
		}
		return defs[i].Name < defs[j].Name
	})
	return defs
}

// Lookup returns the definition for a queue name, falling back to the
// default queue's policy for unknown names
func Lookup(name string) Definition {
	if def, ok := Definitions[name]; ok {
		return def
	}
	def := Definitions[QueueDefault]
	def.Name = name
	return def
}
