// Package memory is an in-process Persistence implementation backed by
// plain Go maps under a mutex. Used by unit tests for every component that
// needs a store without a real database, and as a standalone single-process
// deployment backend.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hantei-ai/hantei/internal/model"
	"github.com/hantei-ai/hantei/internal/storage"
)

// Store is a Persistence implementation with no external dependencies.
type Store struct {
	mu sync.RWMutex

	judgments map[string]model.Judgment
	blocks    map[int64]model.Block
	headSlot  int64
	hasHead   bool
	feedback  map[string][]model.Feedback
	knowledge map[string]model.Digest
	triggers  map[string]model.Trigger
	learning  *model.LearningState
	agents    map[string]model.Agent // keyed by name
}

var _ storage.Persistence = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		judgments: make(map[string]model.Judgment),
		blocks:    make(map[int64]model.Block),
		feedback:  make(map[string][]model.Feedback),
		knowledge: make(map[string]model.Digest),
		triggers:  make(map[string]model.Trigger),
		learning:  model.NewLearningState(),
		agents:    make(map[string]model.Agent),
	}
}

func (s *Store) CreateAgent(ctx context.Context, a model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.agents[a.Name] = a
	return nil
}

func (s *Store) GetAgentByName(ctx context.Context, name string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := a
	return &out, nil
}

func (s *Store) StoreJudgment(ctx context.Context, j model.Judgment) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	s.judgments[j.ID] = j
	return j.ID, j.CreatedAt, nil
}

func (s *Store) SetJudgmentBlockSlot(ctx context.Context, id string, slot int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.judgments[id]
	if !ok {
		return storage.ErrNotFound
	}
	slotCopy := slot
	j.BlockSlot = &slotCopy
	s.judgments[id] = j
	return nil
}

func (s *Store) GetJudgment(ctx context.Context, id string) (*model.Judgment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.judgments[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := j
	return &out, nil
}

func (s *Store) SearchJudgments(ctx context.Context, query string, opts storage.SearchOptions) ([]model.Judgment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	q := strings.ToLower(query)
	var out []model.Judgment
	for _, j := range sortedJudgments(s.judgments) {
		if q == "" || strings.Contains(strings.ToLower(j.ItemContent), q) {
			out = append(out, j)
		}
	}
	return limitJudgments(out, limit), nil
}

func (s *Store) GetRecentJudgments(ctx context.Context, limit int) ([]model.Judgment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	all := sortedJudgments(s.judgments)
	return limitJudgments(all, limit), nil
}

func sortedJudgments(m map[string]model.Judgment) []model.Judgment {
	out := make([]model.Judgment, 0, len(m))
	for _, j := range m {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out
}

func limitJudgments(js []model.Judgment, limit int) []model.Judgment {
	if len(js) > limit {
		return js[:limit]
	}
	return js
}

func (s *Store) CountUnlinkedJudgments(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, j := range s.judgments {
		if j.BlockSlot == nil {
			n++
		}
	}
	return n, nil
}

func (s *Store) FindOrphanedJudgments(ctx context.Context) ([]model.Judgment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Judgment
	for _, j := range s.judgments {
		if j.BlockSlot == nil {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *Store) StoreBlockSealed(ctx context.Context, block model.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range block.JudgmentIDs {
		if _, ok := s.judgments[id]; !ok {
			return storage.ErrNotFound
		}
	}

	s.blocks[block.Slot] = block
	if !s.hasHead || block.Slot > s.headSlot {
		s.headSlot = block.Slot
		s.hasHead = true
	}
	for _, id := range block.JudgmentIDs {
		j := s.judgments[id]
		slot := block.Slot
		j.BlockSlot = &slot
		s.judgments[id] = j
	}
	return nil
}

func (s *Store) GetBlockBySlot(ctx context.Context, slot int64) (*model.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blocks[slot]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &b, nil
}

func (s *Store) GetHeadBlock(ctx context.Context) (*model.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.hasHead {
		return nil, storage.ErrNotFound
	}
	b := s.blocks[s.headSlot]
	return &b, nil
}

func (s *Store) GetRecentBlocks(ctx context.Context, limit int) ([]model.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	out := make([]model.Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Slot > out[k].Slot })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) StoreFeedback(ctx context.Context, f model.Feedback) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	s.feedback[f.JudgmentID] = append(s.feedback[f.JudgmentID], f)
	return f.ID, nil
}

func (s *Store) GetFeedbackFor(ctx context.Context, judgmentID string) ([]model.Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]model.Feedback(nil), s.feedback[judgmentID]...)
	return out, nil
}

func (s *Store) StoreKnowledge(ctx context.Context, d model.Digest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	s.knowledge[d.ID] = d
	return d.ID, nil
}

func (s *Store) SearchKnowledge(ctx context.Context, query string, opts storage.SearchOptions) ([]model.Digest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	q := strings.ToLower(query)
	var out []model.Digest
	for _, d := range s.knowledge {
		if q == "" || strings.Contains(strings.ToLower(d.Content), q) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpsertTrigger(ctx context.Context, t model.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	s.triggers[t.ID] = t
	return nil
}

func (s *Store) ListTriggers(ctx context.Context) ([]model.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Priority > out[k].Priority })
	return out, nil
}

func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.triggers[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.triggers, id)
	return nil
}

func (s *Store) SetTriggerEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.triggers[id]
	if !ok {
		return storage.ErrNotFound
	}
	t.Enabled = enabled
	s.triggers[id] = t
	return nil
}

func (s *Store) LoadLearningState(ctx context.Context) (*model.LearningState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.learning.Clone(), nil
}

func (s *Store) SaveLearningState(ctx context.Context, ls *model.LearningState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.learning = ls.Clone()
	return nil
}

// ResetAll clears every domain map. agents intentionally survives ResetAll:
// wiping judgment/chain/trigger state should not also lock the admin
// bootstrap agent out of the API.
func (s *Store) ResetAll(ctx context.Context, confirmationToken string) error {
	if confirmationToken != storage.ResetConfirmationToken {
		return storage.ErrResetTokenInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.judgments = make(map[string]model.Judgment)
	s.blocks = make(map[int64]model.Block)
	s.headSlot = 0
	s.hasHead = false
	s.feedback = make(map[string][]model.Feedback)
	s.knowledge = make(map[string]model.Digest)
	s.triggers = make(map[string]model.Trigger)
	s.learning = model.NewLearningState()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) Capabilities() storage.Capabilities {
	return storage.Capabilities{FullText: false, Vector: false}
}

func (s *Store) Backend() string {
	return "memory"
}

func (s *Store) Close(ctx context.Context) error {
	return nil
}
