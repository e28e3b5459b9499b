package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/revskill10/openagent-cli-sub002/internal/metrics"
)

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	const poolSize = 3
	pool := NewWorkerPool(poolSize, nil)
	defer pool.Shutdown()

	var current, peak int64
	for i := 0; i < 10; i++ {
		err := pool.Submit(context.Background(), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if c <= p || atomic.CompareAndSwapInt64(&peak, p, c) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}
	pool.Wait()

	if peak > poolSize {
		t.Errorf("peak concurrency %d exceeded pool size %d", peak, poolSize)
	}
	if peak == 0 {
		t.Error("no work ran")
	}
	if got := pool.Metrics().Completed; got != 10 {
		t.Errorf("expected 10 completed, got %d", got)
	}
}

func TestWorkerPool_Backpressure(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})
	if err := pool.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	<-started

	submitted := make(chan struct{})
	go func() {
		_ = pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("second submit should block while the pool is full")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("second submit did not unblock")
	}
	pool.Wait()
}

func TestWorkerPool_DoReturnsResult(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	defer pool.Shutdown()

	boom := errors.New("boom")
	if err := pool.Do(context.Background(), func(ctx context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := pool.Do(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m := pool.Metrics()
	if m.Failed != 1 || m.Completed != 1 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestWorkerPool_DoRecoversPanic(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	err := pool.Do(context.Background(), func(ctx context.Context) error { panic("tool exploded") })
	if err == nil || !strings.Contains(err.Error(), "tool exploded") {
		t.Fatalf("expected panic error, got %v", err)
	}
	if pool.Metrics().Panics != 1 {
		t.Errorf("expected 1 panic, got %d", pool.Metrics().Panics)
	}

	// The slot is released after a panic.
	if err := pool.Do(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("pool unusable after panic: %v", err)
	}
}

func TestWorkerPool_ContextCancelledWhileWaiting(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	block := make(chan struct{})
	_ = pool.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Do(ctx, func(ctx context.Context) error { return nil })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}

	close(block)
	pool.Wait()
}

func TestWorkerPool_Shutdown(t *testing.T) {
	pool := NewWorkerPool(2, nil)

	var completed int64
	for i := 0; i < 5; i++ {
		_ = pool.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&completed, 1)
			return nil
		})
	}
	pool.Shutdown()
	pool.Shutdown()

	if atomic.LoadInt64(&completed) != 5 {
		t.Errorf("expected 5 completed after shutdown, got %d", completed)
	}
	if err := pool.Do(context.Background(), func(ctx context.Context) error { return nil }); err != ErrPoolShutdown {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
}

func TestWorkerPool_ActiveGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector("test", reg)
	pool := NewWorkerPool(2, m)
	defer pool.Shutdown()

	inside := make(chan struct{})
	release := make(chan struct{})
	_ = pool.Submit(context.Background(), func(ctx context.Context) error {
		close(inside)
		<-release
		return nil
	})
	<-inside

	if err := testutil.GatherAndCompare(reg, strings.NewReader(activeGauge(1)), "test_worker_pool_active"); err != nil {
		t.Error(err)
	}
	close(release)
	pool.Wait()
	if err := testutil.GatherAndCompare(reg, strings.NewReader(activeGauge(0)), "test_worker_pool_active"); err != nil {
		t.Error(err)
	}
}

func activeGauge(n int) string {
	return fmt.Sprintf(`
# HELP test_worker_pool_active Tool calls currently running in the worker pool
# TYPE test_worker_pool_active gauge
test_worker_pool_active %d
`, n)
}
