// Package pipeline orchestrates the end-to-end judgment path: score, store,
// seal into the PoJ chain, publish. Grounded on the teacher's
// internal/service/decisions.Service.Trace orchestration shape — compute
// first, persist, then notify after the durable write succeeds — narrowed
// from the teacher's embedding+quality+conflict-scoring pipeline to the
// spec's score-then-seal-then-publish sequence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hantei-ai/hantei/internal/apierr"
	"github.com/hantei-ai/hantei/internal/chain"
	"github.com/hantei-ai/hantei/internal/eventbus"
	"github.com/hantei-ai/hantei/internal/judge"
	"github.com/hantei-ai/hantei/internal/model"
	"github.com/hantei-ai/hantei/internal/storage"
)

// Pipeline wires a Judge, a Persistence backend, a chain Manager, and an
// event Bus into the single "submit an Item, get back a Judgment" path.
type Pipeline struct {
	judge  *judge.Judge
	store  storage.Persistence
	chain  *chain.Manager
	bus    *eventbus.Bus
	logger *slog.Logger
}

// New constructs a Pipeline. bus may be nil to disable event publication
// (e.g. in tests that only care about the stored/sealed result).
func New(j *judge.Judge, store storage.Persistence, ch *chain.Manager, bus *eventbus.Bus, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{judge: j, store: store, chain: ch, bus: bus, logger: logger}
}

// Submit scores item, persists the resulting Judgment, enqueues it onto the
// PoJ chain, and publishes a "judgment" event. Failure semantics:
//   - a scoring error (malformed Item) is InvalidInput and has no side effects.
//   - a persistence failure surfaces as StorageError; nothing was sealed or
//     published, so the caller can safely resubmit.
//   - the chain enqueue cannot itself fail the way storage can: the
//     BatchQueue re-queues unsealed items on its own failed flush attempts,
//     so a transient sealing failure does not lose the judgment — it
//     remains pending until the next successful flush, or is recovered via
//     AdoptOrphanedJudgments.
//   - a failure to publish the event is logged but never returned: the
//     judgment is already durable and chain-pending by that point, and
//     SSE subscribers have no replay guarantee regardless.
func (p *Pipeline) Submit(ctx context.Context, item model.Item, pctx model.Context) (model.Judgment, error) {
	j, err := p.judge.Score(item, pctx)
	if err != nil {
		return model.Judgment{}, apierr.InvalidInput(err.Error())
	}

	id, createdAt, err := p.store.StoreJudgment(ctx, j)
	if err != nil {
		return model.Judgment{}, apierr.Storage(fmt.Errorf("store judgment: %w", err))
	}
	j.ID = id
	j.CreatedAt = createdAt

	if p.chain != nil {
		ref := chain.JudgmentRef{ID: id, QScore: j.QScore, Verdict: j.Verdict, CreatedAt: createdAt}
		if err := p.chain.AddJudgment(ctx, ref); err != nil {
			p.logger.Error("pipeline: chain enqueue failed, judgment remains orphaned until recovery",
				"judgment_id", id, "error", err)
		}
	}

	if p.bus != nil {
		p.bus.Publish(ctx, eventbus.TopicJudgment, j)
	}

	return j, nil
}

// Get fetches a previously stored Judgment by id.
func (p *Pipeline) Get(ctx context.Context, id string) (model.Judgment, error) {
	j, err := p.store.GetJudgment(ctx, id)
	if err != nil {
		return model.Judgment{}, translateNotFound(err, "judgment")
	}
	return *j, nil
}

func translateNotFound(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apierr.NotFound(fmt.Sprintf("%s not found", what))
	}
	return apierr.Storage(err)
}
