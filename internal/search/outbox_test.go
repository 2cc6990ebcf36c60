package search

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hantei-ai/hantei/internal/batchqueue"
)

type fakeEmbedder struct {
	mu      sync.Mutex
	calls   int
	failOn  string
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOn != "" && text == f.failOn {
		return nil, fmt.Errorf("embed: boom")
	}
	return []float32{1, 2, 3}, nil
}

type fakeIndex struct {
	mu      sync.Mutex
	upserts map[string]string // id -> kind
	failIDs map[string]bool
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{upserts: make(map[string]string)}
}

func (f *fakeIndex) Upsert(ctx context.Context, id, kind string, embedding []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[id] {
		return fmt.Errorf("index: boom on %s", id)
	}
	f.upserts[id] = kind
	return nil
}

func (f *fakeIndex) Search(ctx context.Context, embedding []float32, limit int) ([]VectorResult, error) {
	return nil, nil
}

func (f *fakeIndex) Healthy(ctx context.Context) error { return nil }

func TestOutbox_EnqueueJudgmentFlushesToIndex(t *testing.T) {
	embedder := &fakeEmbedder{}
	index := newFakeIndex()
	ob := NewOutbox(context.Background(), embedder, index, batchqueue.Config[outboxItem]{
		BatchSize:     1,
		FlushInterval: time.Hour,
	})
	defer ob.Close(context.Background())

	require.NoError(t, ob.EnqueueJudgment(context.Background(), "j1", "some judged content"))

	require.Eventually(t, func() bool {
		index.mu.Lock()
		defer index.mu.Unlock()
		return index.upserts["j1"] == "judgment"
	}, time.Second, 10*time.Millisecond)
}

func TestOutbox_EnqueueDigestFlushesToIndex(t *testing.T) {
	embedder := &fakeEmbedder{}
	index := newFakeIndex()
	ob := NewOutbox(context.Background(), embedder, index, batchqueue.Config[outboxItem]{
		BatchSize:     1,
		FlushInterval: time.Hour,
	})
	defer ob.Close(context.Background())

	require.NoError(t, ob.EnqueueDigest(context.Background(), "d1", "some digest content"))

	require.Eventually(t, func() bool {
		index.mu.Lock()
		defer index.mu.Unlock()
		return index.upserts["d1"] == "digest"
	}, time.Second, 10*time.Millisecond)
}

func TestOutbox_EmbedFailureRequeuesBatch(t *testing.T) {
	embedder := &fakeEmbedder{failOn: "bad content"}
	index := newFakeIndex()
	ob := NewOutbox(context.Background(), embedder, index, batchqueue.Config[outboxItem]{
		BatchSize:     1,
		FlushInterval: time.Hour,
	})
	defer ob.Close(context.Background())

	require.NoError(t, ob.EnqueueJudgment(context.Background(), "j2", "bad content"))

	require.Eventually(t, func() bool {
		return ob.Stats().Errors >= 1
	}, time.Second, 10*time.Millisecond)

	// The item was requeued, not dropped.
	assert.Equal(t, 1, ob.Stats().QueueLength)
}

func TestOutbox_CloseFlushesRemaining(t *testing.T) {
	embedder := &fakeEmbedder{}
	index := newFakeIndex()
	ob := NewOutbox(context.Background(), embedder, index, batchqueue.Config[outboxItem]{
		BatchSize:     10,
		FlushInterval: time.Hour,
	})

	require.NoError(t, ob.EnqueueJudgment(context.Background(), "j3", "content"))
	require.NoError(t, ob.Close(context.Background()))

	index.mu.Lock()
	defer index.mu.Unlock()
	assert.Equal(t, "judgment", index.upserts["j3"])
}
