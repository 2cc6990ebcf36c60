package batchqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FlushesOnBatchSize(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var flushed []int

	q := New(ctx, Config[int]{
		Name:          "test",
		BatchSize:     3,
		FlushInterval: time.Hour,
		MaxQueueSize:  100,
		FlushFn: func(_ context.Context, items []int) error {
			mu.Lock()
			defer mu.Unlock()
			flushed = append(flushed, items...)
			return nil
		},
	})

	require.NoError(t, q.Add(ctx, 1))
	require.NoError(t, q.Add(ctx, 2))
	require.NoError(t, q.Add(ctx, 3))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushed) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, flushed)
	mu.Unlock()
}

func TestQueue_SynchronousFlushOnOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var flushCalls int
	q := New(ctx, Config[int]{
		Name:          "overflow",
		BatchSize:     100,
		FlushInterval: time.Hour,
		MaxQueueSize:  2,
		FlushFn: func(_ context.Context, items []int) error {
			flushCalls++
			return nil
		},
	})

	require.NoError(t, q.Add(ctx, 1))
	require.NoError(t, q.Add(ctx, 2))

	assert.Equal(t, 1, flushCalls, "overflow at maxQueueSize must flush synchronously")
	assert.Equal(t, 0, q.Len())
}

func TestQueue_RequeuesAtHeadOnFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attempt := 0
	var onErrCount int
	q := New(ctx, Config[int]{
		Name:          "retry",
		BatchSize:     100,
		FlushInterval: time.Hour,
		MaxQueueSize:  100,
		OnError:       func(error) { onErrCount++ },
		FlushFn: func(_ context.Context, items []int) error {
			attempt++
			if attempt == 1 {
				return errors.New("transient storage failure")
			}
			return nil
		},
	})

	require.NoError(t, q.Add(ctx, 42))
	require.NoError(t, q.Add(ctx, 43))

	n, err := q.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, onErrCount)
	assert.Equal(t, 2, q.Len(), "failed batch must be requeued, not lost")

	n, err = q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_CloseFlushesRemaining(t *testing.T) {
	ctx := context.Background()

	var flushed []string
	q := New(ctx, Config[string]{
		Name:          "close",
		BatchSize:     100,
		FlushInterval: time.Hour,
		MaxQueueSize:  100,
		FlushFn: func(_ context.Context, items []string) error {
			flushed = append(flushed, items...)
			return nil
		},
	})

	require.NoError(t, q.Add(ctx, "a"))
	require.NoError(t, q.Add(ctx, "b"))

	require.NoError(t, q.Close(ctx))
	assert.Equal(t, []string{"a", "b"}, flushed)

	err := q.Add(ctx, "c")
	assert.Error(t, err, "Add after Close must be rejected")
}

func TestQueue_GetStats(t *testing.T) {
	ctx := context.Background()
	q := New(ctx, Config[int]{
		Name:          "stats",
		BatchSize:     100,
		FlushInterval: time.Hour,
		MaxQueueSize:  100,
		FlushFn:       func(_ context.Context, items []int) error { return nil },
	})

	require.NoError(t, q.Add(ctx, 1))
	n, err := q.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stats := q.GetStats()
	assert.Equal(t, int64(1), stats.TotalAdded)
	assert.Equal(t, int64(1), stats.TotalFlushed)
	assert.Equal(t, int64(1), stats.FlushCount)
	assert.Equal(t, int64(0), stats.Errors)
}
