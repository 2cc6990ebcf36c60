package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hantei-ai/hantei/internal/batchqueue"
)

// outboxItem is one pending embedding job: a judgment or digest that was
// just written to Persistence and still needs a vector upserted into the
// index.
type outboxItem struct {
	ID      string
	Kind    string // "judgment" or "digest"
	Content string
}

// Outbox asynchronously embeds and indexes judgments and digests after they
// are written, so the write path never blocks on an embedding call. Grounded
// on the teacher's internal/search/outbox.go poll-and-sync shape, but
// generalized from a Postgres search_outbox table to a batchqueue.Queue: not
// every Persistence backend in this module is Postgres, so there is no
// shared durable table to poll across backends. A batchqueue.Queue gives the
// same retry posture the teacher's outbox gave (a failed batch is requeued
// at the head rather than dropped) without requiring a specific SQL backend.
// Entries not yet flushed at process exit are lost, same as the teacher's
// worker loses unflushed locked_until rows on a hard crash; a periodic
// reindex sweep (outside this package) is the analogue of the teacher's
// dead-letter recovery.
type Outbox struct {
	queue *batchqueue.Queue[outboxItem]
}

// NewOutbox wires embedder and index into a batchqueue.Queue whose flush
// function embeds each pending item and upserts it. cfg.FlushFn is always
// overwritten; set the other Config fields (BatchSize, FlushInterval,
// MaxQueueSize, Logger) to tune batching behavior.
func NewOutbox(ctx context.Context, embedder EmbeddingProvider, index VectorIndex, cfg batchqueue.Config[outboxItem]) *Outbox {
	if cfg.Name == "" {
		cfg.Name = "search-outbox"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.FlushFn = func(ctx context.Context, items []outboxItem) error {
		for _, it := range items {
			emb, err := embedder.Embed(ctx, it.Content)
			if err != nil {
				return fmt.Errorf("search outbox: embed %s %s: %w", it.Kind, it.ID, err)
			}
			if err := index.Upsert(ctx, it.ID, it.Kind, emb); err != nil {
				return fmt.Errorf("search outbox: upsert %s %s: %w", it.Kind, it.ID, err)
			}
		}
		return nil
	}
	return &Outbox{queue: batchqueue.New(ctx, cfg)}
}

// EnqueueJudgment schedules a judgment for embedding and indexing. content
// is whatever text the caller wants embedded (typically the judgment's item
// content plus rationale).
func (o *Outbox) EnqueueJudgment(ctx context.Context, id, content string) error {
	return o.queue.Add(ctx, outboxItem{ID: id, Kind: "judgment", Content: content})
}

// EnqueueDigest schedules a digest for embedding and indexing.
func (o *Outbox) EnqueueDigest(ctx context.Context, id, content string) error {
	return o.queue.Add(ctx, outboxItem{ID: id, Kind: "digest", Content: content})
}

// Stats returns the underlying queue's counters, useful for health/metrics
// reporting.
func (o *Outbox) Stats() batchqueue.Stats {
	return o.queue.GetStats()
}

// Close flushes any remaining entries and stops the background ticker.
func (o *Outbox) Close(ctx context.Context) error {
	return o.queue.Close(ctx)
}
