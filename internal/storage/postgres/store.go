package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hantei-ai/hantei/internal/model"
	"github.com/hantei-ai/hantei/internal/storage"
)

// Store implements storage.Persistence on top of a DB. Grounded on the
// teacher's internal/storage per-table files, generalized from the
// decisions/runs/orgs schema to judgments/blocks/feedback/knowledge.
type Store struct {
	db *DB
}

var _ storage.Persistence = (*Store)(nil)

// NewStore wraps an already-connected DB as a Persistence implementation.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

func (s *Store) StoreJudgment(ctx context.Context, j model.Judgment) (string, time.Time, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}

	dims, err := json.Marshal(j.DimensionScores)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("postgres: marshal dimension scores: %w", err)
	}
	axioms, err := json.Marshal(j.AxiomScores)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("postgres: marshal axiom scores: %w", err)
	}
	weaknesses, err := json.Marshal(j.Weaknesses)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("postgres: marshal weaknesses: %w", err)
	}

	_, err = s.db.pool.Exec(ctx,
		`INSERT INTO judgments (id, item_type, item_content, dimension_scores, axiom_scores,
		 q_score, verdict, confidence, weaknesses, block_slot, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		j.ID, j.ItemType, j.ItemContent, dims, axioms,
		j.QScore, string(j.Verdict), j.Confidence, weaknesses, j.BlockSlot, j.CreatedAt,
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("postgres: store judgment: %w", err)
	}
	return j.ID, j.CreatedAt, nil
}

func (s *Store) SetJudgmentBlockSlot(ctx context.Context, id string, slot int64) error {
	tag, err := s.db.pool.Exec(ctx, `UPDATE judgments SET block_slot = $1 WHERE id = $2`, slot, id)
	if err != nil {
		return fmt.Errorf("postgres: set judgment block slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: judgment %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func scanJudgment(row pgx.Row) (*model.Judgment, error) {
	var j model.Judgment
	var dims, axioms, weaknesses []byte
	var verdict string
	err := row.Scan(&j.ID, &j.ItemType, &j.ItemContent, &dims, &axioms,
		&j.QScore, &verdict, &j.Confidence, &weaknesses, &j.BlockSlot, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	j.Verdict = model.Verdict(verdict)
	if err := json.Unmarshal(dims, &j.DimensionScores); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal dimension scores: %w", err)
	}
	if err := json.Unmarshal(axioms, &j.AxiomScores); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal axiom scores: %w", err)
	}
	if err := json.Unmarshal(weaknesses, &j.Weaknesses); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal weaknesses: %w", err)
	}
	return &j, nil
}

const judgmentColumns = `id, item_type, item_content, dimension_scores, axiom_scores,
	 q_score, verdict, confidence, weaknesses, block_slot, created_at`

func (s *Store) GetJudgment(ctx context.Context, id string) (*model.Judgment, error) {
	row := s.db.pool.QueryRow(ctx, `SELECT `+judgmentColumns+` FROM judgments WHERE id = $1`, id)
	j, err := scanJudgment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: judgment %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: get judgment: %w", err)
	}
	return j, nil
}

func (s *Store) SearchJudgments(ctx context.Context, query string, opts storage.SearchOptions) ([]model.Judgment, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.pool.Query(ctx,
		`SELECT `+judgmentColumns+` FROM judgments
		 WHERE search_vector @@ plainto_tsquery('english', $1)
		 ORDER BY ts_rank(search_vector, plainto_tsquery('english', $1)) DESC
		 LIMIT $2`,
		query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: search judgments: %w", err)
	}
	defer rows.Close()

	var out []model.Judgment
	for rows.Next() {
		j, err := scanJudgment(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan judgment: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *Store) GetRecentJudgments(ctx context.Context, limit int) ([]model.Judgment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.pool.Query(ctx,
		`SELECT `+judgmentColumns+` FROM judgments ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: get recent judgments: %w", err)
	}
	defer rows.Close()

	var out []model.Judgment
	for rows.Next() {
		j, err := scanJudgment(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan judgment: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *Store) CountUnlinkedJudgments(ctx context.Context) (int, error) {
	var n int
	err := s.db.pool.QueryRow(ctx, `SELECT count(*) FROM judgments WHERE block_slot IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count unlinked judgments: %w", err)
	}
	return n, nil
}

func (s *Store) FindOrphanedJudgments(ctx context.Context) ([]model.Judgment, error) {
	rows, err := s.db.pool.Query(ctx,
		`SELECT `+judgmentColumns+` FROM judgments WHERE block_slot IS NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: find orphaned judgments: %w", err)
	}
	defer rows.Close()

	var out []model.Judgment
	for rows.Next() {
		j, err := scanJudgment(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan judgment: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// StoreBlockSealed inserts block and fans its judgment IDs' block_slot out in
// a single transaction: either the block and all its judgment links land
// together, or none of them do.
func (s *Store) StoreBlockSealed(ctx context.Context, block model.Block) error {
	err := WithRetry(ctx, 3, 100*time.Millisecond, func() error {
		tx, err := s.db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin seal block tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		_, err = tx.Exec(ctx,
			`INSERT INTO blocks (slot, prev_hash, merkle_root, judgment_ids, hash, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			block.Slot, block.PrevHash, block.MerkleRoot, block.JudgmentIDs, block.Hash, block.CreatedAt)
		if err != nil {
			return fmt.Errorf("postgres: insert block: %w", err)
		}

		for _, id := range block.JudgmentIDs {
			tag, err := tx.Exec(ctx, `UPDATE judgments SET block_slot = $1 WHERE id = $2`, block.Slot, id)
			if err != nil {
				return fmt.Errorf("postgres: link judgment %s to block: %w", id, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("postgres: link judgment %s to block: %w", id, storage.ErrNotFound)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("postgres: commit seal block tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.db.HasNotifyConn() {
		if _, err := s.db.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, BlockSealedChannel, block.Hash); err != nil {
			s.db.logger.Warn("postgres: notify block sealed failed", "error", err)
		}
	}
	return nil
}

func scanBlock(row pgx.Row) (*model.Block, error) {
	var b model.Block
	err := row.Scan(&b.Slot, &b.PrevHash, &b.MerkleRoot, &b.JudgmentIDs, &b.Hash, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

const blockColumns = `slot, prev_hash, merkle_root, judgment_ids, hash, created_at`

func (s *Store) GetBlockBySlot(ctx context.Context, slot int64) (*model.Block, error) {
	row := s.db.pool.QueryRow(ctx, `SELECT `+blockColumns+` FROM blocks WHERE slot = $1`, slot)
	b, err := scanBlock(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: block at slot %d: %w", slot, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: get block: %w", err)
	}
	return b, nil
}

func (s *Store) GetHeadBlock(ctx context.Context) (*model.Block, error) {
	row := s.db.pool.QueryRow(ctx, `SELECT `+blockColumns+` FROM blocks ORDER BY slot DESC LIMIT 1`)
	b, err := scanBlock(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: head block: %w", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: get head block: %w", err)
	}
	return b, nil
}

func (s *Store) GetRecentBlocks(ctx context.Context, limit int) ([]model.Block, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.pool.Query(ctx, `SELECT `+blockColumns+` FROM blocks ORDER BY slot DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: get recent blocks: %w", err)
	}
	defer rows.Close()

	var out []model.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan block: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *Store) StoreFeedback(ctx context.Context, f model.Feedback) (string, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.pool.Exec(ctx,
		`INSERT INTO feedback (id, judgment_id, outcome, comment, created_at) VALUES ($1, $2, $3, $4, $5)`,
		f.ID, f.JudgmentID, string(f.Outcome), f.Reason, f.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("postgres: store feedback: %w", err)
	}
	return f.ID, nil
}

func (s *Store) GetFeedbackFor(ctx context.Context, judgmentID string) ([]model.Feedback, error) {
	rows, err := s.db.pool.Query(ctx,
		`SELECT id, judgment_id, outcome, comment, created_at FROM feedback WHERE judgment_id = $1 ORDER BY created_at ASC`,
		judgmentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get feedback: %w", err)
	}
	defer rows.Close()

	var out []model.Feedback
	for rows.Next() {
		var f model.Feedback
		var outcome string
		if err := rows.Scan(&f.ID, &f.JudgmentID, &outcome, &f.Reason, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan feedback: %w", err)
		}
		f.Outcome = model.Outcome(outcome)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) StoreKnowledge(ctx context.Context, d model.Digest) (string, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	metadata, err := json.Marshal(d.Metadata)
	if err != nil {
		return "", fmt.Errorf("postgres: marshal digest metadata: %w", err)
	}
	_, err = s.db.pool.Exec(ctx,
		`INSERT INTO knowledge (id, source, item_type, patterns, stats, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.Source, d.Type, d.Patterns, metadata, d.Content, d.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("postgres: store knowledge: %w", err)
	}
	return d.ID, nil
}

func (s *Store) SearchKnowledge(ctx context.Context, query string, opts storage.SearchOptions) ([]model.Digest, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.pool.Query(ctx,
		`SELECT id, source, item_type, patterns, stats, content, created_at FROM knowledge
		 WHERE search_vector @@ plainto_tsquery('english', $1)
		 ORDER BY ts_rank(search_vector, plainto_tsquery('english', $1)) DESC
		 LIMIT $2`,
		query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: search knowledge: %w", err)
	}
	defer rows.Close()

	var out []model.Digest
	for rows.Next() {
		var d model.Digest
		var statsRaw []byte
		if err := rows.Scan(&d.ID, &d.Source, &d.Type, &d.Patterns, &statsRaw, &d.Content, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan knowledge: %w", err)
		}
		if len(statsRaw) > 0 {
			if err := json.Unmarshal(statsRaw, &d.Metadata); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal knowledge metadata: %w", err)
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) UpsertTrigger(ctx context.Context, t model.Trigger) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	condition, err := json.Marshal(t.Condition)
	if err != nil {
		return fmt.Errorf("postgres: marshal trigger condition: %w", err)
	}
	actions, err := json.Marshal(struct {
		Action model.TriggerAction    `json:"action"`
		Config map[string]interface{} `json:"config,omitempty"`
	}{t.Action, t.ActionConfig})
	if err != nil {
		return fmt.Errorf("postgres: marshal trigger actions: %w", err)
	}
	_, err = s.db.pool.Exec(ctx,
		`INSERT INTO triggers (id, name, type, condition, actions, priority, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET name = $2, type = $3, condition = $4, actions = $5, priority = $6, enabled = $7`,
		t.ID, t.Name, string(t.Type), condition, actions, t.Priority, t.Enabled)
	if err != nil {
		return fmt.Errorf("postgres: upsert trigger: %w", err)
	}
	return nil
}

func (s *Store) ListTriggers(ctx context.Context) ([]model.Trigger, error) {
	rows, err := s.db.pool.Query(ctx,
		`SELECT id, name, type, condition, actions, priority, enabled FROM triggers ORDER BY priority DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list triggers: %w", err)
	}
	defer rows.Close()

	var out []model.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trigger: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTrigger(row pgx.Row) (*model.Trigger, error) {
	var t model.Trigger
	var typ string
	var conditionRaw, actionsRaw []byte
	if err := row.Scan(&t.ID, &t.Name, &typ, &conditionRaw, &actionsRaw, &t.Priority, &t.Enabled); err != nil {
		return nil, err
	}
	t.Type = model.TriggerType(typ)
	if err := json.Unmarshal(conditionRaw, &t.Condition); err != nil {
		return nil, fmt.Errorf("unmarshal condition: %w", err)
	}
	var actions struct {
		Action model.TriggerAction    `json:"action"`
		Config map[string]interface{} `json:"config,omitempty"`
	}
	if err := json.Unmarshal(actionsRaw, &actions); err != nil {
		return nil, fmt.Errorf("unmarshal actions: %w", err)
	}
	t.Action = actions.Action
	t.ActionConfig = actions.Config
	return &t, nil
}

func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	tag, err := s.db.pool.Exec(ctx, `DELETE FROM triggers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: trigger %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) SetTriggerEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.db.pool.Exec(ctx, `UPDATE triggers SET enabled = $1 WHERE id = $2`, enabled, id)
	if err != nil {
		return fmt.Errorf("postgres: set trigger enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: trigger %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) LoadLearningState(ctx context.Context) (*model.LearningState, error) {
	row := s.db.pool.QueryRow(ctx,
		`SELECT weight_modifiers, verdict_counts, biases, calibration_count FROM learning_state WHERE id = true`)
	var weightModifiers, verdictCounts, biases []byte
	var calibrationCount int64
	err := row.Scan(&weightModifiers, &verdictCounts, &biases, &calibrationCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewLearningState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load learning state: %w", err)
	}

	ls := model.NewLearningState()
	if err := json.Unmarshal(weightModifiers, &ls.WeightModifiers); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal weight modifiers: %w", err)
	}
	if err := json.Unmarshal(verdictCounts, &ls.VerdictCounts); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal verdict counts: %w", err)
	}
	if err := json.Unmarshal(biases, &ls.Biases); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal biases: %w", err)
	}
	ls.CalibrationCount = calibrationCount
	return ls, nil
}

func (s *Store) SaveLearningState(ctx context.Context, ls *model.LearningState) error {
	weightModifiers, err := json.Marshal(ls.WeightModifiers)
	if err != nil {
		return fmt.Errorf("postgres: marshal weight modifiers: %w", err)
	}
	verdictCounts, err := json.Marshal(ls.VerdictCounts)
	if err != nil {
		return fmt.Errorf("postgres: marshal verdict counts: %w", err)
	}
	biases, err := json.Marshal(ls.Biases)
	if err != nil {
		return fmt.Errorf("postgres: marshal biases: %w", err)
	}
	_, err = s.db.pool.Exec(ctx,
		`INSERT INTO learning_state (id, weight_modifiers, verdict_counts, biases, calibration_count, updated_at)
		 VALUES (true, $1, $2, $3, $4, now())
		 ON CONFLICT (id) DO UPDATE SET weight_modifiers = $1, verdict_counts = $2, biases = $3,
		 calibration_count = $4, updated_at = now()`,
		weightModifiers, verdictCounts, biases, ls.CalibrationCount)
	if err != nil {
		return fmt.Errorf("postgres: save learning state: %w", err)
	}
	return nil
}

// ResetAll truncates every domain table. Irreversible; gated on the fixed
// confirmation token. agents intentionally survives ResetAll: wiping
// judgment/chain/trigger state should not also lock the admin bootstrap
// agent out of the API.
func (s *Store) ResetAll(ctx context.Context, confirmationToken string) error {
	if confirmationToken != storage.ResetConfirmationToken {
		return storage.ErrResetTokenInvalid
	}
	_, err := s.db.pool.Exec(ctx,
		`TRUNCATE judgments, blocks, feedback, knowledge, triggers, learning_state`)
	if err != nil {
		return fmt.Errorf("postgres: reset all: %w", err)
	}
	return nil
}

func (s *Store) CreateAgent(ctx context.Context, a model.Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.pool.Exec(ctx,
		`INSERT INTO agents (id, name, role, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name) DO UPDATE SET role = $3, api_key_hash = $4`,
		a.ID, a.Name, string(a.Role), a.APIKeyHash, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgentByName(ctx context.Context, name string) (*model.Agent, error) {
	row := s.db.pool.QueryRow(ctx,
		`SELECT id, name, role, api_key_hash, created_at FROM agents WHERE name = $1`, name)
	var a model.Agent
	var role string
	err := row.Scan(&a.ID, &a.Name, &role, &a.APIKeyHash, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: agent %s: %w", name, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: get agent: %w", err)
	}
	a.Role = model.Role(role)
	return &a, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) Capabilities() storage.Capabilities {
	return storage.Capabilities{FullText: true, Vector: true}
}

func (s *Store) Backend() string {
	return "postgres"
}

func (s *Store) Close(ctx context.Context) error {
	return s.db.Close(ctx)
}
