// Package worker provides a bounded, generic worker pool.
//
// The rule scheduler drains its event queue, rule firings and resumed
// delayed executions through one Pool so evaluation concurrency stays
// bounded on small single-board hosts. Submit never blocks: a full queue
// is reported as ErrQueueFull and counted as dropped.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pool processes items of type T on a fixed number of goroutines.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	work    chan T
	metrics *metrics
	wg      sync.WaitGroup
	busy    atomic.Int64

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	registerer prometheus.Registerer
	prefix     string
	onError    func(T, error)
}

type metrics struct {
	queueDepth     prometheus.Gauge
	busyWorkers    prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetrics registers pool metrics named prefix_* with reg.
func WithMetrics[T any](reg prometheus.Registerer, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.registerer = reg
		p.prefix = prefix
	}
}

// WithErrorHandler is called for every item whose processor returned an
// error or panicked.
func WithErrorHandler[T any](fn func(T, error)) Option[T] {
	return func(p *Pool[T]) {
		p.onError = fn
	}
}

// NewPool creates a pool. Non-positive sizes fall back to 4 workers and a
// queue of 256. A nil processor panics with ErrNilProcessor.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		work:      make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registerer != nil && p.prefix != "" {
		p.metrics = newMetrics(p.registerer, p.prefix)
	}
	return p
}

func newMetrics(reg prometheus.Registerer, prefix string) *metrics {
	m := &metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Items waiting in the worker pool queue",
		}),
		busyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_busy_workers",
			Help: "Workers currently processing an item",
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_submitted_total",
			Help: "Items accepted by the pool",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_processed_total",
			Help: "Items processed",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_failed_total",
			Help: "Items whose processing returned an error",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_dropped_total",
			Help: "Items rejected because the queue was full",
		}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_processing_duration_seconds",
			Help:    "Time spent processing an item",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"status"}),
	}
	for _, c := range []prometheus.Collector{
		m.queueDepth, m.busyWorkers, m.submitted, m.processed, m.failed, m.dropped, m.processingTime,
	} {
		// A second pool with the same prefix keeps its metrics unregistered
		// rather than failing construction.
		_ = reg.Register(c)
	}
	return m
}

// Submit queues an item without blocking.
func (p *Pool[T]) Submit(item T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if !p.started {
		return ErrPoolNotStarted
	}

	select {
	case p.work <- item:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.work)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Start launches the workers. ctx is passed to every processor call;
// cancelling it makes idle workers exit.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	p.started = true
	return nil
}

// Stop refuses new work, lets workers drain the queue, and waits up to
// timeout for them to finish.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.work)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// PoolStats is a point-in-time view of the pool counters.
type PoolStats struct {
	Workers     int   `json:"workers"`
	BusyWorkers int64 `json:"busy_workers"`
	QueueSize   int   `json:"queue_size"`
	QueueDepth  int   `json:"queue_depth"`
	Submitted   int64 `json:"submitted"`
	Processed   int64 `json:"processed"`
	Failed      int64 `json:"failed"`
	Dropped     int64 `json:"dropped"`
}

// Stats returns current pool statistics.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:     p.workers,
		BusyWorkers: p.busy.Load(),
		QueueSize:   p.queueSize,
		QueueDepth:  len(p.work),
		Submitted:   p.submitted.Load(),
		Processed:   p.processed.Load(),
		Failed:      p.failed.Load(),
		Dropped:     p.dropped.Load(),
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.work:
			if !ok {
				return
			}
			p.process(ctx, item)
		}
	}
}

func (p *Pool[T]) process(ctx context.Context, item T) {
	p.busy.Add(1)
	if p.metrics != nil {
		p.metrics.busyWorkers.Inc()
		p.metrics.queueDepth.Set(float64(len(p.work)))
	}

	start := time.Now()
	err := p.safeProcess(ctx, item)
	elapsed := time.Since(start)

	p.busy.Add(-1)
	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
		if p.onError != nil {
			p.onError(item, err)
		}
	}

	if p.metrics != nil {
		p.metrics.busyWorkers.Dec()
		p.metrics.processed.Inc()
		status := "success"
		if err != nil {
			p.metrics.failed.Inc()
			status = "error"
		}
		p.metrics.processingTime.WithLabelValues(status).Observe(elapsed.Seconds())
	}
}

func (p *Pool[T]) safeProcess(ctx context.Context, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return p.processor(ctx, item)
}
