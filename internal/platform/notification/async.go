package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("notification dispatcher closed")
)

// DefaultDeliveryTimeout bounds a single delivery attempt.
const DefaultDeliveryTimeout = 5 * time.Second

// Async queues events and delivers them from a fixed pool of workers, so a
// slow or failing sink never holds up the caller. A full queue drops the
// event.
type Async struct {
	next    Sink
	queue   chan Event
	workers int
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsync creates an Async dispatcher in front of next. Call Start before
// dispatching and Close on shutdown.
func NewAsync(next Sink, queueSize, workers int, logger zerolog.Logger) *Async {
	if queueSize < 1 {
		queueSize = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Async{
		next:    next,
		queue:   make(chan Event, queueSize),
		workers: workers,
		timeout: DefaultDeliveryTimeout,
		logger:  logger.With().Str("component", "notification").Logger(),
	}
}

// Start launches the delivery workers.
func (a *Async) Start() {
	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go a.run(i)
	}
}

func (a *Async) run(worker int) {
	defer a.wg.Done()
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Deliver(ctx, e); err != nil {
			a.logger.Warn().Err(err).
				Int("worker", worker).
				Str("case_id", e.CaseID).
				Str("status", e.NewStatus).
				Msg("event delivery failed")
		}
		cancel()
	}
}

// Dispatch enqueues e without blocking. The caller's context is not carried
// into delivery, which outlives the request.
func (a *Async) Dispatch(_ context.Context, e Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- e:
		return nil
	default:
		a.logger.Warn().
			Str("case_id", e.CaseID).
			Str("status", e.NewStatus).
			Msg("notification queue full, event dropped")
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
}

// Pending returns the number of queued events.
func (a *Async) Pending() int { return len(a.queue) }
