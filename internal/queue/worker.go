package queue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// backoffBase is the first retry delay, doubled on each attempt up to
// the queue's cap
const backoffBase = 2 * time.Second

// Pool runs a fixed set of workers over the queue manager. Each worker
// holds at most one claimed message at a time and polls the work queues
// in priority order.
type Pool struct {
	manager      *Manager
	handlers     map[string]Handler
	queues       []Definition
	concurrency  int
	pollInterval time.Duration
	logger       arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool
func NewPool(manager *Manager, concurrency int, pollInterval time.Duration, logger arbor.ILogger) *Pool {
	if concurrency <= 0 {
		concurrency = 4
	}
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		manager:      manager,
		handlers:     make(map[string]Handler),
		queues:       WorkQueues(),
		concurrency:  concurrency,
		pollInterval: pollInterval,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// RegisterHandler binds a handler to a queue. Queues without a handler
// are not polled.
func (p *Pool) RegisterHandler(queue string, handler Handler) {
	p.handlers[queue] = handler
	p.logger.Debug().Str("queue", queue).Msg("Queue handler registered")
}

// Start launches the worker goroutines
func (p *Pool) Start() {
	p.logger.Info().Int("concurrency", p.concurrency).Msg("Starting worker pool")
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop cancels the workers and waits for in-flight handlers to finish
func (p *Pool) Stop() {
	p.logger.Info().Msg("Stopping worker pool")
	p.cancel()
	p.wg.Wait()
}

// worker is the main polling loop
func (p *Pool) worker(workerID int) {
	defer p.wg.Done()

	// Stagger worker starts to reduce lock contention on the shared db
	stagger := (p.pollInterval / time.Duration(p.concurrency)) * time.Duration(workerID)
	if stagger > 0 {
		select {
		case <-time.After(stagger):
		case <-p.ctx.Done():
			return
		}
	}

	p.logger.Debug().Int("worker_id", workerID).Msg("Worker started")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug().Int("worker_id", workerID).Msg("Worker stopped")
			return
		case <-ticker.C:
			// Drain ready work before sleeping again
			for p.processOne(workerID) {
				if p.ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// processOne claims and processes a single message from the highest
// priority queue with ready work. Returns true when a message was
// handled.
func (p *Pool) processOne(workerID int) bool {
	for _, def := range p.queues {
		handler, ok := p.handlers[def.Name]
		if !ok {
			continue
		}

		delivery, err := p.manager.Receive(p.ctx, def.Name)
		if err == ErrNoMessage {
			continue
		}
		if err != nil {
			p.logger.Warn().Err(err).Int("worker_id", workerID).Str("queue", def.Name).Msg("Error receiving message")
			continue
		}

		p.dispatch(workerID, def, handler, delivery)
		return true
	}
	return false
}

// dispatch runs the handler and settles the message afterwards. The ack
// happens only after the handler returns, so a crash mid-handler leaves
// the message claimed and it reappears after the visibility timeout.
func (p *Pool) dispatch(workerID int, def Definition, handler Handler, delivery *Delivery) {
	log := p.logger

	log.Debug().
		Int("worker_id", workerID).
		Str("queue", def.Name).
		Str("id", delivery.Item.ID).
		Str("type", delivery.Item.Type).
		Int("attempt", delivery.Attempt).
		Msg("Processing work item")

	err := handler(p.ctx, delivery)
	if err == nil {
		if ackErr := p.manager.Ack(p.ctx, def.Name, delivery.Item.ID); ackErr != nil {
			log.Warn().Err(ackErr).Str("id", delivery.Item.ID).Msg("Failed to ack work item")
		}
		return
	}

	if errors.Is(err, ErrBadMessage) {
		log.Error().Err(err).Str("queue", def.Name).Str("id", delivery.Item.ID).Msg("Dropping unprocessable work item")
		if ackErr := p.manager.Ack(p.ctx, def.Name, delivery.Item.ID); ackErr != nil {
			log.Warn().Err(ackErr).Str("id", delivery.Item.ID).Msg("Failed to ack bad work item")
		}
		return
	}

	if delivery.LastAttempt() {
		log.Error().Err(err).
			Str("queue", def.Name).
			Str("id", delivery.Item.ID).
			Int("attempt", delivery.Attempt).
			Msg("Work item exhausted retries")
		if dlErr := p.manager.DeadLetter(p.ctx, def.Name, delivery.Item.ID, err.Error()); dlErr != nil {
			log.Warn().Err(dlErr).Str("id", delivery.Item.ID).Msg("Failed to dead letter work item")
		}
		return
	}

	delay := RetryDelay(delivery.Attempt, def.BackoffCap)
	log.Warn().Err(err).
		Str("queue", def.Name).
		Str("id", delivery.Item.ID).
		Int("attempt", delivery.Attempt).
		Str("retry_in", delay.String()).
		Msg("Work item failed, scheduling retry")
	if relErr := p.manager.Release(p.ctx, def.Name, delivery.Item.ID, delay, err.Error()); relErr != nil {
		log.Warn().Err(relErr).Str("id", delivery.Item.ID).Msg("Failed to release work item")
	}
}

// RetryDelay computes the exponential backoff for the given attempt with
// full jitter, capped by the queue policy
func RetryDelay(attempt int, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := backoffBase << uint(attempt-1)
	if delay > cap || delay <= 0 {
		delay = cap
	}
	// Full jitter spreads redeliveries from simultaneous failures
	return time.Duration(rand.Int63n(int64(delay)/2+1)) + delay/2
}
