// Package storage defines the Persistence capability the core consumes
// (SPEC_FULL.md §4.2). Concrete backends (postgres, sqlite, memory) live in
// subpackages and all satisfy the Persistence interface; the core is
// agnostic to which one is wired in.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hantei-ai/hantei/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrResetTokenInvalid is returned by ResetAll when the confirmation token
// does not match the required literal (spec P10).
var ErrResetTokenInvalid = errors.New("storage: reset confirmation token invalid")

// ResetConfirmationToken is the one literal token ResetAll accepts.
const ResetConfirmationToken = "BURN_IT_ALL"

// SearchOptions bounds a search/listing call.
type SearchOptions struct {
	Limit int
}

// Capabilities describes what a backend can do, surfaced on GET /health.
type Capabilities struct {
	FullText bool
	Vector   bool
}

// Persistence is the durable, queryable store the core requires. Every
// operation is idempotent where it makes sense and either fully completes
// or returns a wrapped error with no partial effect.
type Persistence interface {
	// Judgments
	StoreJudgment(ctx context.Context, j model.Judgment) (id string, createdAt time.Time, err error)
	SetJudgmentBlockSlot(ctx context.Context, id string, slot int64) error
	GetJudgment(ctx context.Context, id string) (*model.Judgment, error)
	SearchJudgments(ctx context.Context, query string, opts SearchOptions) ([]model.Judgment, error)
	GetRecentJudgments(ctx context.Context, limit int) ([]model.Judgment, error)
	CountUnlinkedJudgments(ctx context.Context) (int, error)
	FindOrphanedJudgments(ctx context.Context) ([]model.Judgment, error)

	// Blocks — StoreBlock must be transactional with SetJudgmentBlockSlot
	// for each of block.JudgmentIDs.
	StoreBlockSealed(ctx context.Context, block model.Block) error
	GetBlockBySlot(ctx context.Context, slot int64) (*model.Block, error)
	GetHeadBlock(ctx context.Context) (*model.Block, error)
	GetRecentBlocks(ctx context.Context, limit int) ([]model.Block, error)

	// Feedback
	StoreFeedback(ctx context.Context, f model.Feedback) (string, error)
	GetFeedbackFor(ctx context.Context, judgmentID string) ([]model.Feedback, error)

	// Knowledge / digests
	StoreKnowledge(ctx context.Context, d model.Digest) (string, error)
	SearchKnowledge(ctx context.Context, query string, opts SearchOptions) ([]model.Digest, error)

	// Triggers
	UpsertTrigger(ctx context.Context, t model.Trigger) error
	ListTriggers(ctx context.Context) ([]model.Trigger, error)
	DeleteTrigger(ctx context.Context, id string) error
	SetTriggerEnabled(ctx context.Context, id string, enabled bool) error

	// Learning state
	LoadLearningState(ctx context.Context) (*model.LearningState, error)
	SaveLearningState(ctx context.Context, s *model.LearningState) error

	// Operator
	ResetAll(ctx context.Context, confirmationToken string) error

	// Agents — optional caller identity, used to label judgments and to
	// gate admin-only operations. Never required for the scored domain
	// model itself.
	CreateAgent(ctx context.Context, a model.Agent) error
	GetAgentByName(ctx context.Context, name string) (*model.Agent, error)

	// Health
	Ping(ctx context.Context) error
	Capabilities() Capabilities
	Backend() string

	Close(ctx context.Context) error
}
