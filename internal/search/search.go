// Package search provides combined full-text search over judgments and
// digests, with optional vector search over Qdrant when an
// EmbeddingProvider is configured. Grounded on the teacher's
// internal/search/search.go (Searcher interface + fallback posture), but
// without the teacher's ReScore multi-signal formula: a judgment has no
// "assessment"/"citation"/"conflict" history of its own to weigh the way a
// decision trace does, so relevance here is full-text exact-match (1.0) vs
// vector cosine similarity, merged and capped to the caller's limit.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hantei-ai/hantei/internal/model"
	"github.com/hantei-ai/hantei/internal/storage"
)

// EmbeddingProvider turns text into a vector for semantic search.
// cmd/hantei adapts the providers in internal/service/embedding to it.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorResult is one hit from a vector index, identified by the
// judgment/digest id it was indexed under plus a raw similarity score.
type VectorResult struct {
	ID    string
	Score float32
}

// VectorIndex is the interface a Qdrant-backed index satisfies. Kept
// narrow so Service can run with it nil (full-text only).
type VectorIndex interface {
	Upsert(ctx context.Context, id string, kind string, embedding []float32) error
	Search(ctx context.Context, embedding []float32, limit int) ([]VectorResult, error)
	Healthy(ctx context.Context) error
}

// Result is one combined search hit: a judgment or a digest. A judgment
// found by both full-text and vector search appears once, with the higher
// of the two scores.
type Result struct {
	JudgmentID string          `json:"judgmentId,omitempty"`
	DigestID   string          `json:"digestId,omitempty"`
	Judgment   *model.Judgment `json:"judgment,omitempty"`
	Digest     *model.Digest   `json:"digest,omitempty"`
	Score      float32         `json:"score"`
}

// Service combines a Persistence backend's full-text search with an
// optional VectorIndex. Persistence is always consulted since it is the
// source of truth and every backend implements full-text search; vector
// search is an additive enhancement that degrades gracefully.
type Service struct {
	store    storage.Persistence
	embedder EmbeddingProvider
	index    VectorIndex
}

// New constructs a Service. embedder and index may both be nil, in which
// case Search falls back entirely to Persistence full-text search.
func New(store storage.Persistence, embedder EmbeddingProvider, index VectorIndex) *Service {
	return &Service{store: store, embedder: embedder, index: index}
}

// Search returns up to limit results across judgments and digests, ranked
// by relevance.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search: query is required")
	}
	if limit <= 0 {
		limit = 20
	}

	byID := make(map[string]*Result)

	judgments, err := s.store.SearchJudgments(ctx, query, storage.SearchOptions{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("search: judgments: %w", err)
	}
	for i := range judgments {
		j := judgments[i]
		byID["j:"+j.ID] = &Result{JudgmentID: j.ID, Judgment: &j, Score: 1.0}
	}

	digests, err := s.store.SearchKnowledge(ctx, query, storage.SearchOptions{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("search: knowledge: %w", err)
	}
	for i := range digests {
		d := digests[i]
		byID["d:"+d.ID] = &Result{DigestID: d.ID, Digest: &d, Score: 1.0}
	}

	if s.embedder != nil && s.index != nil {
		s.mergeVectorHits(ctx, query, limit, byID)
	}

	out := make([]Result, 0, len(byID))
	for _, r := range byID {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// mergeVectorHits folds vector search results into byID. Failures here are
// swallowed: vector search is a best-effort enhancement over the full-text
// results the caller already has.
func (s *Service) mergeVectorHits(ctx context.Context, query string, limit int, byID map[string]*Result) {
	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return
	}
	hits, err := s.index.Search(ctx, emb, limit)
	if err != nil {
		return
	}
	for _, h := range hits {
		key := "j:" + h.ID
		if existing, ok := byID[key]; ok {
			if h.Score > existing.Score {
				existing.Score = h.Score
			}
			continue
		}
		j, err := s.store.GetJudgment(ctx, h.ID)
		if err != nil {
			continue
		}
		byID[key] = &Result{JudgmentID: h.ID, Judgment: j, Score: h.Score}
	}
}
