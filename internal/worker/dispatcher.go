package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"aprilgo/internal/config"
)

// ErrDispatcherBusy is returned when the job queue is full and no worker can
// be added. Callers surface it as a retryable busy condition.
var ErrDispatcherBusy = errors.New("server busy, try again shortly")

// ErrUserBacklogged rejects a user who already has too many queued jobs, so
// one chatty user cannot starve the pool.
var ErrUserBacklogged = errors.New("too many pending requests")

const maxPendingPerUser = 4

// Dispatcher runs conversation jobs on a bounded worker pool. The pool grows
// up to maxWorkers under load and shrinks back to minWorkers when extra
// workers sit idle past the timeout.
type Dispatcher struct {
	jobs        chan func()
	quit        chan struct{}
	minWorkers  int
	maxWorkers  int
	idleTimeout time.Duration
	log         *zap.Logger

	workers atomic.Int32
	closed  atomic.Bool
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[int64]int
}

// NewDispatcher builds the pool from the basic config block and starts the
// resident workers.
func NewDispatcher(cfg config.BasicConfig, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	min := cfg.MinWorkers
	if min <= 0 {
		min = 2
	}
	max := cfg.MaxWorkers
	if max < min {
		max = min * 4
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 64
	}
	idle := time.Duration(cfg.WorkerIdleTimeout) * time.Minute
	if idle <= 0 {
		idle = 5 * time.Minute
	}

	d := &Dispatcher{
		jobs:        make(chan func(), queue),
		quit:        make(chan struct{}),
		minWorkers:  min,
		maxWorkers:  max,
		idleTimeout: idle,
		log:         log,
		pending:     map[int64]int{},
	}
	for i := 0; i < min; i++ {
		d.spawn(true)
	}
	return d
}

// Submit queues a job for the user. It fails fast instead of blocking when
// the user is backlogged or the queue is saturated.
func (d *Dispatcher) Submit(userID int64, fn func()) error {
	if d.closed.Load() {
		return ErrDispatcherBusy
	}

	d.mu.Lock()
	if d.pending[userID] >= maxPendingPerUser {
		d.mu.Unlock()
		return ErrUserBacklogged
	}
	d.pending[userID]++
	d.mu.Unlock()

	wrapped := func() {
		defer func() {
			d.mu.Lock()
			if d.pending[userID]--; d.pending[userID] <= 0 {
				delete(d.pending, userID)
			}
			d.mu.Unlock()
		}()
		fn()
	}

	select {
	case d.jobs <- wrapped:
		return nil
	default:
	}

	// Queue full: add a transient worker if there is headroom, then retry.
	if d.workers.Load() < int32(d.maxWorkers) {
		d.spawn(false)
	}
	select {
	case d.jobs <- wrapped:
		return nil
	default:
		d.mu.Lock()
		if d.pending[userID]--; d.pending[userID] <= 0 {
			delete(d.pending, userID)
		}
		d.mu.Unlock()
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) spawn(resident bool) {
	d.workers.Add(1)
	d.wg.Add(1)
	go func() {
		defer func() {
			d.workers.Add(-1)
			d.wg.Done()
		}()
		idle := time.NewTimer(d.idleTimeout)
		defer idle.Stop()
		for {
			select {
			case fn := <-d.jobs:
				d.runJob(fn)
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(d.idleTimeout)
			case <-d.quit:
				d.drain()
				return
			case <-idle.C:
				if !resident {
					return
				}
				idle.Reset(d.idleTimeout)
			}
		}
	}()
}

// drain runs whatever is still queued. The jobs channel is never closed, so
// a Submit racing the shutdown signal parks its job in the buffer instead of
// panicking; drain picks those up.
func (d *Dispatcher) drain() {
	for {
		select {
		case fn := <-d.jobs:
			d.runJob(fn)
		default:
			return
		}
	}
}

func (d *Dispatcher) runJob(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("job panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

// Shutdown stops accepting jobs, lets the workers finish in-flight and
// queued ones, and waits up to ctx. Later Submit calls get
// ErrDispatcherBusy.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(d.quit)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		// A job enqueued between the closed check and the quit signal can
		// outlive the workers; run it here rather than strand its caller.
		d.drain()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
