package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/commerce-core/internal/port"
)

const jobTimeout = 5 * time.Second

type job struct {
	name string
	run  func(ctx context.Context) error
}

// Dispatcher runs side effects after their state change has committed. Jobs
// are queued on a bounded channel and drained by a fixed pool of workers; a
// failing job is logged and never reported back to the caller.
type Dispatcher struct {
	queue    chan job
	notifier port.Notifier
	logger   *zap.Logger

	mu       sync.RWMutex
	closed   bool
	workers  sync.WaitGroup
	inflight sync.WaitGroup
}

func NewDispatcher(notifier port.Notifier, workers, queueSize int, logger *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		queue:    make(chan job, queueSize),
		notifier: notifier,
		logger:   logger,
	}
	for i := 0; i < workers; i++ {
		d.workers.Add(1)
		go func(id int) {
			defer d.workers.Done()
			d.workerLoop(id)
		}(i)
	}
	return d
}

func (d *Dispatcher) workerLoop(id int) {
	for j := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)

		if err := j.run(ctx); err != nil {
			d.logger.Warn("dispatch job failed",
				zap.Int("worker", id),
				zap.String("job", j.name),
				zap.Error(err))
		}

		cancel()
		d.inflight.Done()
	}
}

// Submit queues fn without blocking. It reports false when the job was
// dropped because the queue is full or the dispatcher is closed.
func (d *Dispatcher) Submit(name string, fn func(ctx context.Context) error) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("dispatcher closed, dropping job", zap.String("job", name))
		return false
	}

	d.inflight.Add(1)
	select {
	case d.queue <- job{name: name, run: fn}:
		return true
	default:
		d.inflight.Done()
		d.logger.Error("dispatch queue full, dropping job", zap.String("job", name))
		return false
	}
}

func (d *Dispatcher) Notify(n port.Notification) bool {
	return d.Submit("notify:"+n.TemplateKey, func(ctx context.Context) error {
		return d.notifier.Notify(ctx, n)
	})
}

// Wait blocks until every job submitted so far, and any job those jobs
// submitted, has run.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Close stops accepting jobs and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.workers.Wait()
}
