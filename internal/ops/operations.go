package ops

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/hantei-ai/hantei/internal/chain"
	"github.com/hantei-ai/hantei/internal/digest"
	"github.com/hantei-ai/hantei/internal/learning"
	"github.com/hantei-ai/hantei/internal/model"
	"github.com/hantei-ai/hantei/internal/pipeline"
	"github.com/hantei-ai/hantei/internal/search"
	"github.com/hantei-ai/hantei/internal/storage"
	"github.com/hantei-ai/hantei/internal/trigger"
)

// decodeArgs round-trips args through JSON into dst, the same pattern
// internal/trigger/condition.go uses to normalize arbitrary payload shapes.
func decodeArgs(args map[string]any, dst any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("ops: marshal args: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("ops: decode args: %w", err)
	}
	return nil
}

// RegisterCore wires the fixed operation table from SPEC_FULL.md §6 (judge,
// digest, search, feedback, chain, trigger, learning) into r, backed by the
// given components. The handlers call into the components without nil
// checks, so invoking an operation whose component was passed as nil panics.
func RegisterCore(r *Registry, pl *pipeline.Pipeline, store storage.Persistence, ch *chain.Manager, tr *trigger.Engine, lp *learning.Loop, dg *digest.Service, se *search.Service) {
	registerJudgeOps(r, pl)
	registerDigestOp(r, dg)
	registerSearchOp(r, se)
	registerFeedbackOp(r, store, lp)
	registerChainOps(r, ch)
	registerTriggerOps(r, tr)
	registerLearningOps(r, lp)
}

func registerJudgeOps(r *Registry, pl *pipeline.Pipeline) {
	r.Register("judge", func(ctx context.Context, args map[string]any) (any, error) {
		var req struct {
			Item model.Item    `json:"item"`
			Ctx  model.Context `json:"context"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return pl.Submit(ctx, req.Item, req.Ctx)
	},
		mcplib.WithDescription("Score an item against the fixed rubric, store the judgment, and seal it into the Proof-of-Judgment chain."),
		mcplib.WithObject("item", mcplib.Description("The item to judge: {type, content, sources?, verified?}"), mcplib.Required()),
		mcplib.WithObject("context", mcplib.Description("Optional scoring context: a prior kScore hint.")),
	)

	r.Register("judge.get", func(ctx context.Context, args map[string]any) (any, error) {
		var req struct {
			ID string `json:"id"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return pl.Get(ctx, req.ID)
	},
		mcplib.WithDescription("Fetch a previously stored judgment by id."),
		mcplib.WithString("id", mcplib.Required()),
	)
}

func registerDigestOp(r *Registry, dg *digest.Service) {
	r.Register("digest", func(ctx context.Context, args map[string]any) (any, error) {
		var req struct {
			Content string `json:"content"`
			Source  string `json:"source"`
			Type    string `json:"type"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return dg.Digest(ctx, req.Content, req.Source, req.Type)
	},
		mcplib.WithDescription("Extract patterns and insights from a text blob and store it as a searchable digest."),
		mcplib.WithString("content", mcplib.Required()),
		mcplib.WithString("source", mcplib.Description("Where content came from, e.g. a file path or URL.")),
		mcplib.WithString("type", mcplib.Description("Caller-defined category, e.g. \"code\" or \"note\".")),
	)
}

func registerSearchOp(r *Registry, se *search.Service) {
	r.Register("search", func(ctx context.Context, args map[string]any) (any, error) {
		var req struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return se.Search(ctx, req.Query, req.Limit)
	},
		mcplib.WithDescription("Search judgments and digests by full text, plus vector similarity when an embedder is configured."),
		mcplib.WithString("query", mcplib.Required()),
		mcplib.WithNumber("limit", mcplib.Min(1), mcplib.Max(100), mcplib.DefaultNumber(20)),
	)
}

func registerFeedbackOp(r *Registry, store storage.Persistence, lp *learning.Loop) {
	r.Register("feedback", func(ctx context.Context, args map[string]any) (any, error) {
		var req struct {
			JudgmentID  string   `json:"judgmentId"`
			Outcome     string   `json:"outcome"`
			Reason      *string  `json:"reason"`
			ActualScore *float64 `json:"actualScore"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		j, err := store.GetJudgment(ctx, req.JudgmentID)
		if err != nil {
			return nil, fmt.Errorf("ops: feedback: load judgment: %w", err)
		}
		f := model.Feedback{
			JudgmentID:  req.JudgmentID,
			Outcome:     model.Outcome(req.Outcome),
			Reason:      req.Reason,
			ActualScore: req.ActualScore,
		}
		return lp.ProcessFeedback(ctx, f, *j)
	},
		mcplib.WithDescription("Record a post-hoc outcome for a judgment and feed it into the learning loop."),
		mcplib.WithString("judgmentId", mcplib.Required()),
		mcplib.WithString("outcome", mcplib.Description("correct, incorrect, or partial"), mcplib.Required()),
		mcplib.WithString("reason", mcplib.Description("Optional free-text explanation.")),
		mcplib.WithNumber("actualScore", mcplib.Description("Optional ground-truth score in [0, 100].")),
	)
}

func registerChainOps(r *Registry, ch *chain.Manager) {
	r.Register("chain.status", func(ctx context.Context, args map[string]any) (any, error) {
		return ch.Status(), nil
	}, mcplib.WithDescription("Report the chain's head slot, pending-judgment count, and sealing queue stats."))

	r.Register("chain.verify", func(ctx context.Context, args map[string]any) (any, error) {
		var req struct {
			FromSlot int64 `json:"fromSlot"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return ch.VerifyIntegrity(ctx, req.FromSlot)
	},
		mcplib.WithDescription("Recompute and verify every block's hash and Merkle root from fromSlot onward."),
		mcplib.WithNumber("fromSlot", mcplib.DefaultNumber(0)),
	)

	r.Register("chain.reset", func(ctx context.Context, args map[string]any) (any, error) {
		var req struct {
			ConfirmationToken string `json:"confirmationToken"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return nil, ch.ResetAll(ctx, req.ConfirmationToken)
	},
		mcplib.WithDescription("Irreversibly erase every judgment, block, and the chain head. Requires the fixed confirmation token. Admin-only."),
		mcplib.WithString("confirmationToken", mcplib.Required()),
	)

	r.Register("chain.flush", func(ctx context.Context, args map[string]any) (any, error) {
		return ch.Flush(ctx)
	}, mcplib.WithDescription("Force-seal any pending judgments into a block now, instead of waiting for the batch/size/time trigger. Returns nil if nothing was pending. Admin-only."))

	r.Register("chain.relink", func(ctx context.Context, args map[string]any) (any, error) {
		relinked, err := ch.RelinkOrphanedJudgments(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"relinked": relinked}, nil
	}, mcplib.WithDescription("Restore blockSlot on judgments that are present in a sealed block but whose own record never recorded it. Idempotent. Admin-only."))

	r.Register("chain.adopt", func(ctx context.Context, args map[string]any) (any, error) {
		return ch.AdoptOrphanedJudgments(ctx)
	}, mcplib.WithDescription("Seal a recovery block over every judgment with no blockSlot at all, in stored creation order. Returns nil if there are none. Admin-only."))
}

func registerTriggerOps(r *Registry, tr *trigger.Engine) {
	r.Register("trigger.list", func(ctx context.Context, args map[string]any) (any, error) {
		return tr.List(), nil
	}, mcplib.WithDescription("List every registered trigger."))

	r.Register("trigger.upsert", func(ctx context.Context, args map[string]any) (any, error) {
		var t model.Trigger
		if err := decodeArgs(args, &t); err != nil {
			return nil, err
		}
		return tr.UpsertTrigger(ctx, t)
	},
		mcplib.WithDescription("Create or update a trigger rule. Leave id empty to register a new one; the generated id is returned. Admin-only."),
		mcplib.WithString("name", mcplib.Required()),
		mcplib.WithString("type", mcplib.Description("event, periodic, pattern, threshold, or composite"), mcplib.Required()),
		mcplib.WithObject("condition", mcplib.Required()),
		mcplib.WithString("action", mcplib.Description("judge, log, alert, block, review, or notify"), mcplib.Required()),
	)

	r.Register("trigger.delete", func(ctx context.Context, args map[string]any) (any, error) {
		var req struct {
			ID string `json:"id"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return nil, tr.DeleteTrigger(ctx, req.ID)
	},
		mcplib.WithDescription("Delete a trigger by id. Admin-only."),
		mcplib.WithString("id", mcplib.Required()),
	)

	r.Register("trigger.enable", func(ctx context.Context, args map[string]any) (any, error) {
		var req struct {
			ID string `json:"id"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return nil, tr.SetTriggerEnabled(ctx, req.ID, true)
	},
		mcplib.WithDescription("Enable a trigger by id. Admin-only."),
		mcplib.WithString("id", mcplib.Required()),
	)

	r.Register("trigger.disable", func(ctx context.Context, args map[string]any) (any, error) {
		var req struct {
			ID string `json:"id"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return nil, tr.SetTriggerEnabled(ctx, req.ID, false)
	},
		mcplib.WithDescription("Disable a trigger by id without deleting it. Admin-only."),
		mcplib.WithString("id", mcplib.Required()),
	)

	r.Register("trigger.process", func(ctx context.Context, args map[string]any) (any, error) {
		var req struct {
			Topic   string         `json:"topic"`
			Payload map[string]any `json:"payload"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		tr.Process(ctx, req.Topic, req.Payload)
		return nil, nil
	},
		mcplib.WithDescription("Manually evaluate every matching trigger against a payload as if it had arrived on topic, without publishing it on the event bus. Useful for dry-running a trigger's condition. Admin-only."),
		mcplib.WithString("topic", mcplib.Required()),
		mcplib.WithObject("payload", mcplib.Required()),
	)
}

func registerLearningOps(r *Registry, lp *learning.Loop) {
	r.Register("learning.calibrate", func(ctx context.Context, args map[string]any) (any, error) {
		return lp.Calibrate(ctx)
	}, mcplib.WithDescription("Force an immediate calibration pass over the pending feedback backlog. Admin-only."))

	r.Register("learning.biases", func(ctx context.Context, args map[string]any) (any, error) {
		return lp.DetectBiases(), nil
	}, mcplib.WithDescription("Report dimensions with a non-zero weight modifier and the direction/magnitude of the correction."))

	r.Register("learning.reset", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, lp.Reset(ctx)
	}, mcplib.WithDescription("Discard the learning state and feedback backlog, reverting to zero modifiers. Admin-only."))

	r.Register("learning.state", func(ctx context.Context, args map[string]any) (any, error) {
		return lp.GetState(), nil
	}, mcplib.WithDescription("Report the current dimension weight modifiers, per-verdict feedback counts, detected biases, and calibration count."))
}
