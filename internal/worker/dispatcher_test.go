package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"aprilgo/internal/config"
)

func TestDispatcherRunsSubmittedJobs(t *testing.T) {
	d := NewDispatcher(config.BasicConfig{MinWorkers: 2, MaxWorkers: 4, QueueSize: 16}, zap.NewNop())
	defer shutdownDispatcher(t, d)

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		if err := d.Submit(int64(i), func() {
			defer wg.Done()
			ran.Add(1)
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	wg.Wait()
	if ran.Load() != 10 {
		t.Fatalf("expected 10 jobs run, got %d", ran.Load())
	}
}

func TestDispatcherLimitsPerUserBacklog(t *testing.T) {
	d := NewDispatcher(config.BasicConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 32}, zap.NewNop())
	defer shutdownDispatcher(t, d)

	block := make(chan struct{})
	release := func() { close(block) }
	defer release()

	// Occupy the only worker, then fill one user's backlog.
	if err := d.Submit(99, func() { <-block }); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	var err error
	for i := 0; i < maxPendingPerUser+2; i++ {
		if err = d.Submit(1, func() {}); err != nil {
			break
		}
	}
	if !errors.Is(err, ErrUserBacklogged) {
		t.Fatalf("expected ErrUserBacklogged, got %v", err)
	}

	// Other users are unaffected.
	if err := d.Submit(2, func() {}); err != nil {
		t.Fatalf("other user must still be accepted: %v", err)
	}
}

func TestDispatcherRecoversFromPanickingJob(t *testing.T) {
	d := NewDispatcher(config.BasicConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4}, zap.NewNop())
	defer shutdownDispatcher(t, d)

	if err := d.Submit(1, func() { panic("boom") }); err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := make(chan struct{})
	if err := d.Submit(1, func() { close(done) }); err != nil {
		t.Fatalf("submit after panic: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

func TestSubmitAfterShutdownReturnsBusy(t *testing.T) {
	d := NewDispatcher(config.BasicConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4}, zap.NewNop())
	shutdownDispatcher(t, d)

	if err := d.Submit(1, func() {}); !errors.Is(err, ErrDispatcherBusy) {
		t.Fatalf("expected ErrDispatcherBusy after shutdown, got %v", err)
	}
}

func TestShutdownDrainsQueuedJobs(t *testing.T) {
	d := NewDispatcher(config.BasicConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 8}, zap.NewNop())

	var ran atomic.Int32
	block := make(chan struct{})
	if err := d.Submit(99, func() { <-block; ran.Add(1) }); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := d.Submit(int64(i), func() { ran.Add(1) }); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- d.Shutdown(ctx)
	}()
	close(block)
	if err := <-done; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if ran.Load() != 4 {
		t.Fatalf("queued jobs must run before the pool exits, ran=%d", ran.Load())
	}
}

func TestSubmitSurvivesConcurrentShutdown(t *testing.T) {
	d := NewDispatcher(config.BasicConfig{MinWorkers: 2, MaxWorkers: 4, QueueSize: 8}, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Rejected submissions are fine; panicking ones are not.
			_ = d.Submit(int64(i%3), func() {})
		}(i)
	}
	shutdownDispatcher(t, d)
	wg.Wait()
}

func shutdownDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
