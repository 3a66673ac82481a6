package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Stats counts dispatcher outcomes.
type Stats struct {
	Delivered int64
	Failed    int64
	Dropped   int64
}

// Dispatcher is a bounded asynchronous Notifier in front of a Sink.
// When the queue is full new records are dropped and counted.
type Dispatcher struct {
	sink    Sink
	queue   chan Record
	timeout time.Duration
	logger  *slog.Logger

	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*dispatcherConfig)

type dispatcherConfig struct {
	queueSize int
	workers   int
	timeout   time.Duration
	logger    *slog.Logger
}

// WithQueueSize bounds the number of pending records.
func WithQueueSize(n int) DispatcherOption {
	return func(c *dispatcherConfig) { c.queueSize = n }
}

// WithWorkers sets the number of delivery goroutines.
func WithWorkers(n int) DispatcherOption {
	return func(c *dispatcherConfig) { c.workers = n }
}

// WithWriteTimeout bounds each sink write.
func WithWriteTimeout(d time.Duration) DispatcherOption {
	return func(c *dispatcherConfig) { c.timeout = d }
}

// WithLogger overrides the dispatcher logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(c *dispatcherConfig) { c.logger = l }
}

// NewDispatcher starts the delivery workers.
func NewDispatcher(sink Sink, opts ...DispatcherOption) *Dispatcher {
	cfg := dispatcherConfig{
		queueSize: 1024,
		workers:   2,
		timeout:   5 * time.Second,
		logger:    slog.Default().With("component", "audit"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.workers < 1 {
		cfg.workers = 1
	}
	if cfg.queueSize < 1 {
		cfg.queueSize = 1
	}

	d := &Dispatcher{
		sink:    sink,
		queue:   make(chan Record, cfg.queueSize),
		timeout: cfg.timeout,
		logger:  cfg.logger,
	}
	for i := 0; i < cfg.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Notify enqueues rec without blocking.
func (d *Dispatcher) Notify(_ context.Context, rec Record) {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- rec:
	default:
		d.dropped.Add(1)
		d.logger.Warn("audit queue full, record dropped", "transaction_id", rec.TransactionID)
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for rec := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.sink.Write(ctx, rec)
		cancel()
		if err != nil {
			d.failed.Add(1)
			d.logger.Warn("audit delivery failed", "transaction_id", rec.TransactionID, "error", err)
			continue
		}
		d.delivered.Add(1)
	}
}

// Close stops accepting records and waits for the queue to drain or ctx
// to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeMu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}
