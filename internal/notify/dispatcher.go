package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/devopsguardian/internal/domain"
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

// Dispatcher decouples the evaluator from slow sinks. Each published event
// is handed to the notifier exactly once, in publish order.
type Dispatcher struct {
	n       Notifier
	log     *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan domain.StatusEvent
	done   chan struct{}
}

func NewDispatcher(n Notifier, log *zap.Logger, size int) *Dispatcher {
	if size < 1 {
		size = 64
	}
	d := &Dispatcher{
		n:       n,
		log:     log,
		timeout: 15 * time.Second,
		queue:   make(chan domain.StatusEvent, size),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Publish enqueues ev, blocking while the queue is full.
func (d *Dispatcher) Publish(ctx context.Context, ev domain.StatusEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.n.Notify(ctx, ev)
		cancel()
		if err != nil {
			d.log.Warn("notify_error",
				zap.String("event_id", ev.ID),
				zap.String("transaction_id", string(ev.TransactionID)),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err),
			)
			continue
		}
		d.log.Debug("notify_sent",
			zap.String("event_id", ev.ID),
			zap.String("transaction_id", string(ev.TransactionID)),
			zap.String("kind", string(ev.Kind)),
		)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
