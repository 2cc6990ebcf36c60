// Package batchqueue provides a generic write-accumulation primitive that
// flushes buffered items in batches under size, count, or time triggers.
package batchqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	TotalAdded   int64
	TotalFlushed int64
	FlushCount   int64
	Errors       int64
	QueueLength  int
	LastFlushAt  time.Time
}

// FlushFunc writes a batch durably. A non-nil error causes the batch to be
// requeued at the head of the queue; it is never dropped.
type FlushFunc[T any] func(ctx context.Context, items []T) error

// Config holds construction parameters for a Queue. Zero values fall back
// to the defaults below.
type Config[T any] struct {
	Name            string
	FlushFn         FlushFunc[T]
	BatchSize       int           // default 13
	FlushInterval   time.Duration // default 5s
	MaxQueueSize    int           // default 89
	OnError         func(err error)
	Logger          *slog.Logger
}

const (
	defaultBatchSize     = 13
	defaultFlushInterval = 5 * time.Second
	defaultMaxQueueSize  = 89
)

// Queue is a generic batch-accumulating write buffer. See SPEC_FULL.md §4.3.
type Queue[T any] struct {
	name          string
	flushFn       FlushFunc[T]
	batchSize     int
	flushInterval time.Duration
	maxQueueSize  int
	onError       func(err error)
	logger        *slog.Logger

	mu       sync.Mutex
	items    []T
	flushing bool
	closed   bool

	totalAdded   int64
	totalFlushed int64
	flushCount   int64
	errCount     int64
	lastFlushAt  time.Time

	flushTrigger chan struct{}
	stopTicker   chan struct{}
	tickerDone   chan struct{}
}

// New constructs a Queue from cfg, applying defaults for zero-valued fields,
// and starts its background flush ticker bound to ctx.
func New[T any](ctx context.Context, cfg Config[T]) *Queue[T] {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = defaultMaxQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnError == nil {
		cfg.OnError = func(error) {}
	}

	q := &Queue[T]{
		name:          cfg.Name,
		flushFn:       cfg.FlushFn,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		maxQueueSize:  cfg.MaxQueueSize,
		onError:       cfg.OnError,
		logger:        cfg.Logger,
		flushTrigger:  make(chan struct{}, 1),
		stopTicker:    make(chan struct{}),
		tickerDone:    make(chan struct{}),
	}
	go q.tickerLoop(ctx)
	return q
}

func (q *Queue[T]) tickerLoop(ctx context.Context) {
	defer close(q.tickerDone)
	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopTicker:
			return
		case <-ticker.C:
			q.maybeBackgroundFlush(ctx)
		case <-q.flushTrigger:
			q.maybeBackgroundFlush(ctx)
		}
	}
}

func (q *Queue[T]) maybeBackgroundFlush(ctx context.Context) {
	q.mu.Lock()
	if len(q.items) == 0 || q.flushing {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	if _, err := q.Flush(ctx); err != nil {
		q.logger.Warn("batchqueue: background flush failed", "name", q.name, "error", err)
	}
}

// Add enqueues item. If the queue is at maxQueueSize it performs a
// synchronous-awaited flush before returning (the error, if any,
// propagates to the caller). Otherwise, if the queue has reached
// batchSize and no flush is in progress, a non-blocking background
// flush is triggered.
func (q *Queue[T]) Add(ctx context.Context, item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("batchqueue: %s is closed", q.name)
	}
	q.items = append(q.items, item)
	q.totalAdded++
	overCapacity := len(q.items) >= q.maxQueueSize
	reachedBatch := len(q.items) >= q.batchSize && !q.flushing
	q.mu.Unlock()

	if overCapacity {
		_, err := q.Flush(ctx)
		return err
	}
	if reachedBatch {
		select {
		case q.flushTrigger <- struct{}{}:
		default:
		}
	}
	return nil
}

// AddMany is Add repeated for each item, in order.
func (q *Queue[T]) AddMany(ctx context.Context, items []T) error {
	for _, item := range items {
		if err := q.Add(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// Flush forces an immediate flush. Returns the number of items flushed, or
// 0 if the queue was empty or a flush was already in progress. On flushFn
// failure the batch is requeued at the head and the error is returned.
func (q *Queue[T]) Flush(ctx context.Context) (int, error) {
	q.mu.Lock()
	if q.flushing || len(q.items) == 0 {
		q.mu.Unlock()
		return 0, nil
	}
	q.flushing = true
	batch := q.items
	q.items = nil
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	err := q.flushFn(ctx, batch)
	if err != nil {
		q.mu.Lock()
		// Requeue at the head: anything added during the in-flight flush
		// stays behind the requeued batch, preserving arrival order.
		q.items = append(batch, q.items...)
		q.errCount++
		q.mu.Unlock()
		q.onError(err)
		return 0, err
	}

	q.mu.Lock()
	q.totalFlushed += int64(len(batch))
	q.flushCount++
	q.lastFlushAt = time.Now()
	q.mu.Unlock()
	return len(batch), nil
}

// Close stops the periodic ticker, performs a final flush, and rejects
// further Add calls. Safe to call more than once.
func (q *Queue[T]) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stopTicker)
	<-q.tickerDone

	_, err := q.Flush(ctx)
	return err
}

// Len returns the current number of buffered, un-flushed items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// GetStats returns a snapshot of queue counters.
func (q *Queue[T]) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		TotalAdded:   q.totalAdded,
		TotalFlushed: q.totalFlushed,
		FlushCount:   q.flushCount,
		Errors:       q.errCount,
		QueueLength:  len(q.items),
		LastFlushAt:  q.lastFlushAt,
	}
}
