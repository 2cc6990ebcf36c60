package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hantei-ai/hantei/internal/model"
	"github.com/hantei-ai/hantei/internal/storage/memory"
)

func TestService_SearchFullTextOnlyWithNoEmbedder(t *testing.T) {
	store := memory.New()
	_, _, err := store.StoreJudgment(context.Background(), model.Judgment{
		ItemContent: "revenue grew quickly",
		Verdict:     model.VerdictAccept,
	})
	require.NoError(t, err)

	svc := New(store, nil, nil)
	results, err := svc.Search(context.Background(), "revenue", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, float32(1.0), results[0].Score)
	assert.NotEmpty(t, results[0].JudgmentID)
}

func TestService_SearchRejectsEmptyQuery(t *testing.T) {
	svc := New(memory.New(), nil, nil)
	_, err := svc.Search(context.Background(), "   ", 10)
	require.Error(t, err)
}

func TestService_SearchMergesVectorHitNotInFullText(t *testing.T) {
	store := memory.New()
	id, _, err := store.StoreJudgment(context.Background(), model.Judgment{
		ItemContent: "unrelated text entirely",
		Verdict:     model.VerdictAccept,
	})
	require.NoError(t, err)

	embedder := &fakeEmbedder{}
	// vectorIndexStub stands in for a real index, returning a fixed hit for
	// this judgment regardless of the embedding computed from the query.
	svc := New(store, embedder, vectorIndexStub{VectorResult{ID: id, Score: 0.87}})

	results, err := svc.Search(context.Background(), "query with no lexical overlap", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].JudgmentID)
	assert.Equal(t, float32(0.87), results[0].Score)
}

func TestService_SearchCapsToLimit(t *testing.T) {
	store := memory.New()
	for i := 0; i < 5; i++ {
		_, _, err := store.StoreJudgment(context.Background(), model.Judgment{
			ItemContent: "repeated keyword here",
			Verdict:     model.VerdictAccept,
		})
		require.NoError(t, err)
	}

	svc := New(store, nil, nil)
	results, err := svc.Search(context.Background(), "keyword", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

// vectorIndexStub returns a fixed set of hits regardless of the embedding
// passed in, so tests can control vector results without a real index.
type vectorIndexStub []VectorResult

func (v vectorIndexStub) Upsert(ctx context.Context, id, kind string, embedding []float32) error {
	return nil
}

func (v vectorIndexStub) Search(ctx context.Context, embedding []float32, limit int) ([]VectorResult, error) {
	return v, nil
}

func (v vectorIndexStub) Healthy(ctx context.Context) error { return nil }
