// Package sqlite is a Persistence implementation backed by
// modernc.org/sqlite, for single-node deployments that don't need a
// separate Postgres server. Full-text search over judgments/knowledge uses
// an FTS5 virtual table kept in sync via triggers.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hantei-ai/hantei/internal/model"
	"github.com/hantei-ai/hantei/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS judgments (
	id TEXT PRIMARY KEY,
	item_type TEXT NOT NULL,
	item_content TEXT NOT NULL,
	dimension_scores TEXT NOT NULL,
	axiom_scores TEXT NOT NULL,
	q_score INTEGER NOT NULL,
	verdict TEXT NOT NULL,
	confidence REAL NOT NULL,
	weaknesses TEXT NOT NULL DEFAULT '[]',
	block_slot INTEGER,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS judgments_block_slot_idx ON judgments (block_slot);
CREATE INDEX IF NOT EXISTS judgments_created_at_idx ON judgments (created_at);

CREATE VIRTUAL TABLE IF NOT EXISTS judgments_fts USING fts5(id UNINDEXED, item_content, content='');

CREATE TRIGGER IF NOT EXISTS judgments_ai AFTER INSERT ON judgments BEGIN
	INSERT INTO judgments_fts(rowid, id, item_content) VALUES (new.rowid, new.id, new.item_content);
END;

CREATE TABLE IF NOT EXISTS blocks (
	slot INTEGER PRIMARY KEY,
	prev_hash TEXT NOT NULL,
	merkle_root TEXT NOT NULL,
	judgment_ids TEXT NOT NULL,
	hash TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS feedback (
	id TEXT PRIMARY KEY,
	judgment_id TEXT NOT NULL REFERENCES judgments(id) ON DELETE CASCADE,
	outcome TEXT NOT NULL,
	comment TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS feedback_judgment_id_idx ON feedback (judgment_id);

CREATE TABLE IF NOT EXISTS knowledge (
	id TEXT PRIMARY KEY,
	source TEXT,
	item_type TEXT,
	patterns TEXT NOT NULL DEFAULT '[]',
	stats TEXT NOT NULL DEFAULT '{}',
	content TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_fts USING fts5(id UNINDEXED, content, content='');

CREATE TRIGGER IF NOT EXISTS knowledge_ai AFTER INSERT ON knowledge BEGIN
	INSERT INTO knowledge_fts(rowid, id, content) VALUES (new.rowid, new.id, new.content);
END;

CREATE TABLE IF NOT EXISTS triggers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	condition TEXT NOT NULL,
	actions TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS learning_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	weight_modifiers TEXT NOT NULL DEFAULT '{}',
	verdict_counts TEXT NOT NULL DEFAULT '{}',
	biases TEXT NOT NULL DEFAULT '[]',
	calibration_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL,
	api_key_hash TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// Store implements storage.Persistence over a single SQLite database file.
type Store struct {
	db *sql.DB
}

var _ storage.Persistence = (*Store)(nil)

// Open opens (creating if needed) the SQLite database at path and applies
// the schema. path may be ":memory:" for an ephemeral database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time avoids SQLITE_BUSY

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) StoreJudgment(ctx context.Context, j model.Judgment) (string, time.Time, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}

	dims, err := json.Marshal(j.DimensionScores)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sqlite: marshal dimension scores: %w", err)
	}
	axioms, err := json.Marshal(j.AxiomScores)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sqlite: marshal axiom scores: %w", err)
	}
	weaknesses, err := json.Marshal(j.Weaknesses)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sqlite: marshal weaknesses: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO judgments (id, item_type, item_content, dimension_scores, axiom_scores,
		 q_score, verdict, confidence, weaknesses, block_slot, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.ItemType, j.ItemContent, dims, axioms, j.QScore, string(j.Verdict),
		j.Confidence, weaknesses, j.BlockSlot, j.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sqlite: store judgment: %w", err)
	}
	return j.ID, j.CreatedAt, nil
}

func (s *Store) SetJudgmentBlockSlot(ctx context.Context, id string, slot int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE judgments SET block_slot = ? WHERE id = ?`, slot, id)
	if err != nil {
		return fmt.Errorf("sqlite: set judgment block slot: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type judgmentRow interface {
	Scan(dest ...any) error
}

func scanJudgment(row judgmentRow) (*model.Judgment, error) {
	var j model.Judgment
	var dims, axioms, weaknesses, createdAt, verdict string
	err := row.Scan(&j.ID, &j.ItemType, &j.ItemContent, &dims, &axioms,
		&j.QScore, &verdict, &j.Confidence, &weaknesses, &j.BlockSlot, &createdAt)
	if err != nil {
		return nil, err
	}
	j.Verdict = model.Verdict(verdict)
	if err := json.Unmarshal([]byte(dims), &j.DimensionScores); err != nil {
		return nil, fmt.Errorf("unmarshal dimension scores: %w", err)
	}
	if err := json.Unmarshal([]byte(axioms), &j.AxiomScores); err != nil {
		return nil, fmt.Errorf("unmarshal axiom scores: %w", err)
	}
	if err := json.Unmarshal([]byte(weaknesses), &j.Weaknesses); err != nil {
		return nil, fmt.Errorf("unmarshal weaknesses: %w", err)
	}
	j.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &j, nil
}

const judgmentColumns = `id, item_type, item_content, dimension_scores, axiom_scores,
	 q_score, verdict, confidence, weaknesses, block_slot, created_at`

func (s *Store) GetJudgment(ctx context.Context, id string) (*model.Judgment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+judgmentColumns+` FROM judgments WHERE id = ?`, id)
	j, err := scanJudgment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get judgment: %w", err)
	}
	return j, nil
}

func (s *Store) SearchJudgments(ctx context.Context, query string, opts storage.SearchOptions) ([]model.Judgment, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT j.id, j.item_type, j.item_content, j.dimension_scores, j.axiom_scores,
		 j.q_score, j.verdict, j.confidence, j.weaknesses, j.block_slot, j.created_at
		 FROM judgments_fts f JOIN judgments j ON j.rowid = f.rowid
		 WHERE judgments_fts MATCH ? ORDER BY rank LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search judgments: %w", err)
	}
	defer rows.Close()

	var out []model.Judgment
	for rows.Next() {
		j, err := scanJudgment(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan judgment: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *Store) GetRecentJudgments(ctx context.Context, limit int) ([]model.Judgment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+judgmentColumns+` FROM judgments ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get recent judgments: %w", err)
	}
	defer rows.Close()

	var out []model.Judgment
	for rows.Next() {
		j, err := scanJudgment(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan judgment: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *Store) CountUnlinkedJudgments(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM judgments WHERE block_slot IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count unlinked judgments: %w", err)
	}
	return n, nil
}

func (s *Store) FindOrphanedJudgments(ctx context.Context) ([]model.Judgment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+judgmentColumns+` FROM judgments WHERE block_slot IS NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find orphaned judgments: %w", err)
	}
	defer rows.Close()

	var out []model.Judgment
	for rows.Next() {
		j, err := scanJudgment(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan judgment: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *Store) StoreBlockSealed(ctx context.Context, block model.Block) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin seal block tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	idsJSON, err := json.Marshal(block.JudgmentIDs)
	if err != nil {
		return fmt.Errorf("sqlite: marshal judgment ids: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO blocks (slot, prev_hash, merkle_root, judgment_ids, hash, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		block.Slot, block.PrevHash, block.MerkleRoot, idsJSON, block.Hash, block.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: insert block: %w", err)
	}

	for _, id := range block.JudgmentIDs {
		res, err := tx.ExecContext(ctx, `UPDATE judgments SET block_slot = ? WHERE id = ?`, block.Slot, id)
		if err != nil {
			return fmt.Errorf("sqlite: link judgment %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("sqlite: link judgment %s: %w", id, storage.ErrNotFound)
		}
	}

	return tx.Commit()
}

func scanBlock(row judgmentRow) (*model.Block, error) {
	var b model.Block
	var idsJSON, createdAt string
	if err := row.Scan(&b.Slot, &b.PrevHash, &b.MerkleRoot, &idsJSON, &b.Hash, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(idsJSON), &b.JudgmentIDs); err != nil {
		return nil, fmt.Errorf("unmarshal judgment ids: %w", err)
	}
	var err error
	b.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &b, nil
}

const blockColumns = `slot, prev_hash, merkle_root, judgment_ids, hash, created_at`

func (s *Store) GetBlockBySlot(ctx context.Context, slot int64) (*model.Block, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE slot = ?`, slot)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get block: %w", err)
	}
	return b, nil
}

func (s *Store) GetHeadBlock(ctx context.Context) (*model.Block, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks ORDER BY slot DESC LIMIT 1`)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get head block: %w", err)
	}
	return b, nil
}

func (s *Store) GetRecentBlocks(ctx context.Context, limit int) ([]model.Block, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+blockColumns+` FROM blocks ORDER BY slot DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get recent blocks: %w", err)
	}
	defer rows.Close()

	var out []model.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan block: %w", err)
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, judgment_id, outcome, comment, created_at) VALUES (?, ?, ?, ?, ?)`,
		f.ID, f.JudgmentID, string(f.Outcome), f.Reason, f.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("sqlite: store feedback: %w", err)
	}
	return f.ID, nil
}

func (s *Store) GetFeedbackFor(ctx context.Context, judgmentID string) ([]model.Feedback, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, judgment_id, outcome, comment, created_at FROM feedback WHERE judgment_id = ? ORDER BY created_at ASC`,
		judgmentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get feedback: %w", err)
	}
	defer rows.Close()

	var out []model.Feedback
	for rows.Next() {
		var f model.Feedback
		var outcome, createdAt string
		if err := rows.Scan(&f.ID, &f.JudgmentID, &outcome, &f.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan feedback: %w", err)
		}
		f.Outcome = model.Outcome(outcome)
		f.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("sqlite: parse feedback created_at: %w", err)
		}
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
	patterns, err := json.Marshal(d.Patterns)
	if err != nil {
		return "", fmt.Errorf("sqlite: marshal patterns: %w", err)
	}
	metadata, err := json.Marshal(d.Metadata)
	if err != nil {
		return "", fmt.Errorf("sqlite: marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO knowledge (id, source, item_type, patterns, stats, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Source, d.Type, patterns, metadata, d.Content, d.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("sqlite: store knowledge: %w", err)
	}
	return d.ID, nil
}

func (s *Store) SearchKnowledge(ctx context.Context, query string, opts storage.SearchOptions) ([]model.Digest, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT k.id, k.source, k.item_type, k.patterns, k.stats, k.content, k.created_at
		 FROM knowledge_fts f JOIN knowledge k ON k.rowid = f.rowid
		 WHERE knowledge_fts MATCH ? ORDER BY rank LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search knowledge: %w", err)
	}
	defer rows.Close()

	var out []model.Digest
	for rows.Next() {
		var d model.Digest
		var patterns, metadata, createdAt string
		if err := rows.Scan(&d.ID, &d.Source, &d.Type, &patterns, &metadata, &d.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan knowledge: %w", err)
		}
		if err := json.Unmarshal([]byte(patterns), &d.Patterns); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal patterns: %w", err)
		}
		if err := json.Unmarshal([]byte(metadata), &d.Metadata); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal metadata: %w", err)
		}
		d.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("sqlite: parse created_at: %w", err)
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
		return fmt.Errorf("sqlite: marshal condition: %w", err)
	}
	actions, err := json.Marshal(struct {
		Action model.TriggerAction    `json:"action"`
		Config map[string]interface{} `json:"config,omitempty"`
	}{t.Action, t.ActionConfig})
	if err != nil {
		return fmt.Errorf("sqlite: marshal actions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO triggers (id, name, type, condition, actions, priority, enabled) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type, condition=excluded.condition,
		 actions=excluded.actions, priority=excluded.priority, enabled=excluded.enabled`,
		t.ID, t.Name, string(t.Type), condition, actions, t.Priority, t.Enabled)
	if err != nil {
		return fmt.Errorf("sqlite: upsert trigger: %w", err)
	}
	return nil
}

func (s *Store) ListTriggers(ctx context.Context) ([]model.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, type, condition, actions, priority, enabled FROM triggers ORDER BY priority DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list triggers: %w", err)
	}
	defer rows.Close()

	var out []model.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan trigger: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTrigger(row judgmentRow) (*model.Trigger, error) {
	var t model.Trigger
	var typ, conditionRaw, actionsRaw string
	if err := row.Scan(&t.ID, &t.Name, &typ, &conditionRaw, &actionsRaw, &t.Priority, &t.Enabled); err != nil {
		return nil, err
	}
	t.Type = model.TriggerType(typ)
	if err := json.Unmarshal([]byte(conditionRaw), &t.Condition); err != nil {
		return nil, fmt.Errorf("unmarshal condition: %w", err)
	}
	var actions struct {
		Action model.TriggerAction    `json:"action"`
		Config map[string]interface{} `json:"config,omitempty"`
	}
	if err := json.Unmarshal([]byte(actionsRaw), &actions); err != nil {
		return nil, fmt.Errorf("unmarshal actions: %w", err)
	}
	t.Action = actions.Action
	t.ActionConfig = actions.Config
	return &t, nil
}

func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete trigger: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) SetTriggerEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE triggers SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("sqlite: set trigger enabled: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) LoadLearningState(ctx context.Context) (*model.LearningState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT weight_modifiers, verdict_counts, biases, calibration_count FROM learning_state WHERE id = 1`)
	var weightModifiers, verdictCounts, biases string
	var calibrationCount int64
	err := row.Scan(&weightModifiers, &verdictCounts, &biases, &calibrationCount)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewLearningState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load learning state: %w", err)
	}

	ls := model.NewLearningState()
	if err := json.Unmarshal([]byte(weightModifiers), &ls.WeightModifiers); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal weight modifiers: %w", err)
	}
	if err := json.Unmarshal([]byte(verdictCounts), &ls.VerdictCounts); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal verdict counts: %w", err)
	}
	if err := json.Unmarshal([]byte(biases), &ls.Biases); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal biases: %w", err)
	}
	ls.CalibrationCount = calibrationCount
	return ls, nil
}

func (s *Store) SaveLearningState(ctx context.Context, ls *model.LearningState) error {
	weightModifiers, err := json.Marshal(ls.WeightModifiers)
	if err != nil {
		return fmt.Errorf("sqlite: marshal weight modifiers: %w", err)
	}
	verdictCounts, err := json.Marshal(ls.VerdictCounts)
	if err != nil {
		return fmt.Errorf("sqlite: marshal verdict counts: %w", err)
	}
	biases, err := json.Marshal(ls.Biases)
	if err != nil {
		return fmt.Errorf("sqlite: marshal biases: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO learning_state (id, weight_modifiers, verdict_counts, biases, calibration_count) VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET weight_modifiers=excluded.weight_modifiers, verdict_counts=excluded.verdict_counts,
		 biases=excluded.biases, calibration_count=excluded.calibration_count`,
		weightModifiers, verdictCounts, biases, ls.CalibrationCount)
	if err != nil {
		return fmt.Errorf("sqlite: save learning state: %w", err)
	}
	return nil
}

func (s *Store) ResetAll(ctx context.Context, confirmationToken string) error {
	if confirmationToken != storage.ResetConfirmationToken {
		return storage.ErrResetTokenInvalid
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin reset tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// agents intentionally survives ResetAll: wiping judgment/chain/trigger
	// state should not also lock the admin bootstrap agent out of the API.
	for _, table := range []string{"judgments", "blocks", "feedback", "knowledge", "triggers", "learning_state"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("sqlite: reset %s: %w", table, err)
		}
	}
	// The FTS5 tables are contentless and reject DELETE; 'delete-all' clears them.
	for _, fts := range []string{"judgments_fts", "knowledge_fts"} {
		if _, err := tx.ExecContext(ctx, "INSERT INTO "+fts+"("+fts+") VALUES('delete-all')"); err != nil {
			return fmt.Errorf("sqlite: reset %s: %w", fts, err)
		}
	}
	return tx.Commit()
}

func (s *Store) CreateAgent(ctx context.Context, a model.Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, role, api_key_hash, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET role=excluded.role, api_key_hash=excluded.api_key_hash`,
		a.ID, a.Name, string(a.Role), a.APIKeyHash, a.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: create agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgentByName(ctx context.Context, name string) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, role, api_key_hash, created_at FROM agents WHERE name = ?`, name)
	var a model.Agent
	var role, createdAt string
	err := row.Scan(&a.ID, &a.Name, &role, &a.APIKeyHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get agent: %w", err)
	}
	a.Role = model.Role(role)
	a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("sqlite: parse agent created_at: %w", err)
	}
	return &a, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Capabilities() storage.Capabilities {
	return storage.Capabilities{FullText: true, Vector: false}
}

func (s *Store) Backend() string {
	return "sqlite"
}

func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}
