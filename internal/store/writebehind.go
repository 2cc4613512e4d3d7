package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"priceresolver/internal/price"
)

const (
	// DefaultQueueSize bounds the number of records waiting to be persisted.
	DefaultQueueSize      = 256
	defaultPersistTimeout = 5 * time.Second
)

// Stats counts write-behind activity.
type Stats struct {
	Persisted int64 `json:"persisted"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// WriteBehind persists records on a single background worker. Enqueue never
// blocks: when the queue is full the record is dropped and counted.
type WriteBehind struct {
	sink    Sink
	queue   chan price.Record
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	persisted atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// WriteBehindOption configures a WriteBehind.
type WriteBehindOption func(*WriteBehind)

// WithLogger sets the logger for persistence failures.
func WithLogger(logger *slog.Logger) WriteBehindOption {
	return func(w *WriteBehind) {
		w.logger = logger
	}
}

// WithPersistTimeout bounds each Persist call.
func WithPersistTimeout(d time.Duration) WriteBehindOption {
	return func(w *WriteBehind) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// NewWriteBehind starts the worker.
func NewWriteBehind(sink Sink, size int, opts ...WriteBehindOption) *WriteBehind {
	if size <= 0 {
		size = DefaultQueueSize
	}
	w := &WriteBehind{
		sink:    sink,
		queue:   make(chan price.Record, size),
		timeout: defaultPersistTimeout,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.run()
	return w
}

// Enqueue schedules rec for persistence. It reports false if the record was
// dropped because the queue is full or closed.
func (w *WriteBehind) Enqueue(rec price.Record) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return false
	}
	select {
	case w.queue <- rec:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

func (w *WriteBehind) run() {
	defer close(w.done)
	for rec := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := w.sink.Persist(ctx, rec)
		cancel()
		if err != nil {
			w.failed.Add(1)
			w.logger.Warn("failed to persist price",
				"key", rec.Key().String(),
				"error", err)
			continue
		}
		w.persisted.Add(1)
	}
}

// Close stops accepting records and waits for the queue to drain, or for ctx.
func (w *WriteBehind) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the current counters.
func (w *WriteBehind) Stats() Stats {
	return Stats{
		Persisted: w.persisted.Load(),
		Failed:    w.failed.Load(),
		Dropped:   w.dropped.Load(),
	}
}
