package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type job struct {
	id   int
	fail bool
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// ─── Construction ───────────────────────────────────────────────

func TestNewPool_Defaults(t *testing.T) {
	p := NewPool(0, 0, func(context.Context, job) error { return nil })
	if p.workers != 4 || p.queueSize != 256 {
		t.Errorf("defaults = %d workers / %d queue, want 4/256", p.workers, p.queueSize)
	}
}

func TestNewPool_NilProcessor(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic for nil processor")
		}
		if err, ok := r.(error); !ok || !errors.Is(err, ErrNilProcessor) {
			t.Errorf("panic = %v, want ErrNilProcessor", r)
		}
	}()
	NewPool[job](1, 1, nil)
}

// ─── Lifecycle ──────────────────────────────────────────────────

func TestPool_SubmitBeforeStart(t *testing.T) {
	p := NewPool(1, 1, func(context.Context, job) error { return nil })
	if err := p.Submit(job{}); !errors.Is(err, ErrPoolNotStarted) {
		t.Errorf("Submit() error = %v, want ErrPoolNotStarted", err)
	}
}

func TestPool_StartTwice(t *testing.T) {
	p := NewPool(1, 1, func(context.Context, job) error { return nil })
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop(time.Second) //nolint:errcheck
	if err := p.Start(context.Background()); !errors.Is(err, ErrPoolAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrPoolAlreadyStarted", err)
	}
}

func TestPool_StopDrainsQueue(t *testing.T) {
	var count atomic.Int64
	release := make(chan struct{})
	p := NewPool(1, 10, func(_ context.Context, _ job) error {
		<-release
		count.Add(1)
		return nil
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := p.Submit(job{id: i}); err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
	}
	close(release)

	if err := p.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if count.Load() != 5 {
		t.Errorf("processed = %d, want 5 (queue drained)", count.Load())
	}
	if err := p.Submit(job{}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Submit() after Stop error = %v, want ErrPoolStopped", err)
	}
}

func TestPool_StopTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	p := NewPool(1, 1, func(context.Context, job) error {
		<-block
		return nil
	})
	_ = p.Start(context.Background())
	_ = p.Submit(job{})
	waitFor(t, func() bool { return p.Stats().BusyWorkers == 1 })

	if err := p.Stop(20 * time.Millisecond); !errors.Is(err, ErrStopTimeout) {
		t.Errorf("Stop() error = %v, want ErrStopTimeout", err)
	}
}

// ─── Backpressure ───────────────────────────────────────────────

func TestPool_QueueFull(t *testing.T) {
	block := make(chan struct{})
	p := NewPool(1, 1, func(context.Context, job) error {
		<-block
		return nil
	})
	_ = p.Start(context.Background())
	defer func() {
		close(block)
		_ = p.Stop(time.Second)
	}()

	_ = p.Submit(job{id: 1})
	waitFor(t, func() bool { return p.Stats().BusyWorkers == 1 })
	if err := p.Submit(job{id: 2}); err != nil {
		t.Fatalf("Submit(2) error = %v", err)
	}
	if err := p.Submit(job{id: 3}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Submit(3) error = %v, want ErrQueueFull", err)
	}
	if p.Stats().Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", p.Stats().Dropped)
	}
}

// ─── Failures ───────────────────────────────────────────────────

func TestPool_ErrorsAndPanicsCounted(t *testing.T) {
	var mu sync.Mutex
	var handled []error
	p := NewPool(2, 10, func(_ context.Context, j job) error {
		if j.id == 99 {
			panic("boom")
		}
		if j.fail {
			return errors.New("failed")
		}
		return nil
	}, WithErrorHandler(func(_ job, err error) {
		mu.Lock()
		handled = append(handled, err)
		mu.Unlock()
	}))
	_ = p.Start(context.Background())

	_ = p.Submit(job{id: 1})
	_ = p.Submit(job{id: 2, fail: true})
	_ = p.Submit(job{id: 99})
	_ = p.Stop(time.Second)

	stats := p.Stats()
	if stats.Processed != 3 || stats.Failed != 2 {
		t.Errorf("stats = %+v, want 3 processed / 2 failed", stats)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawPanic bool
	for _, err := range handled {
		if errors.Is(err, ErrPanic) {
			sawPanic = true
		}
	}
	if len(handled) != 2 || !sawPanic {
		t.Errorf("handled = %v, want two errors including ErrPanic", handled)
	}
}

// ─── Metrics ────────────────────────────────────────────────────

func TestPool_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPool(1, 4, func(context.Context, job) error { return nil },
		WithMetrics[job](reg, "test_pool"))
	_ = p.Start(context.Background())
	_ = p.Submit(job{})
	_ = p.Submit(job{})
	_ = p.Stop(time.Second)

	if got := testutil.ToFloat64(p.metrics.processed); got != 2 {
		t.Errorf("processed metric = %v, want 2", got)
	}
	if got := testutil.ToFloat64(p.metrics.submitted); got != 2 {
		t.Errorf("submitted metric = %v, want 2", got)
	}
	if n, err := testutil.GatherAndCount(reg, "test_pool_processed_total"); err != nil || n != 1 {
		t.Errorf("GatherAndCount = %d, %v", n, err)
	}
}

func TestPool_ConcurrentSubmit(t *testing.T) {
	var count atomic.Int64
	p := NewPool(4, 1000, func(context.Context, job) error {
		count.Add(1)
		return nil
	})
	_ = p.Start(context.Background())

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = p.Submit(job{id: i})
			}
		}()
	}
	wg.Wait()
	_ = p.Stop(2 * time.Second)

	if count.Load() != 500 {
		t.Errorf("processed = %d, want 500", count.Load())
	}
}
