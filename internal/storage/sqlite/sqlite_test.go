package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hantei-ai/hantei/internal/model"
	"github.com/hantei-ai/hantei/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestStore_StoreAndGetJudgment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, _, err := s.StoreJudgment(ctx, model.Judgment{
		ItemType:        "note",
		ItemContent:     "hello world",
		DimensionScores: map[string]float64{model.DimCitationPresence: 0.5},
		AxiomScores:     map[string]float64{model.AxiomIntegrity: 0.5},
		QScore:          60,
		Verdict:         model.VerdictAccept,
		Confidence:      0.5,
	})
	require.NoError(t, err)

	got, err := s.GetJudgment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello world", got.ItemContent)
	assert.Equal(t, 0.5, got.DimensionScores[model.DimCitationPresence])
}

func TestStore_GetJudgment_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetJudgment(context.Background(), "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestStore_SearchJudgments_FTS(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.StoreJudgment(ctx, model.Judgment{ItemType: "note", ItemContent: "the benchmark regression was rolled back"})
	require.NoError(t, err)
	_, _, err = s.StoreJudgment(ctx, model.Judgment{ItemType: "note", ItemContent: "unrelated content about cooking"})
	require.NoError(t, err)

	results, err := s.SearchJudgments(ctx, "benchmark", storage.SearchOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].ItemContent, "benchmark")
}

func TestStore_StoreBlockSealed_Transactional(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, _, err := s.StoreJudgment(ctx, model.Judgment{ItemType: "note", ItemContent: "x"})
	require.NoError(t, err)

	err = s.StoreBlockSealed(ctx, model.Block{Slot: 1, PrevHash: model.ZeroHash, Hash: "h1", JudgmentIDs: []string{id}})
	require.NoError(t, err)

	j, err := s.GetJudgment(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, j.BlockSlot)
	assert.Equal(t, int64(1), *j.BlockSlot)
}

func TestStore_StoreBlockSealed_RollsBackOnUnknownJudgment(t *testing.T) {
	s := openTestStore(t)
	err := s.StoreBlockSealed(context.Background(), model.Block{Slot: 1, Hash: "h1", JudgmentIDs: []string{"missing"}})
	require.Error(t, err)

	_, err = s.GetBlockBySlot(context.Background(), 1)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestStore_ResetAll_RequiresToken(t *testing.T) {
	s := openTestStore(t)
	err := s.ResetAll(context.Background(), "wrong")
	assert.True(t, errors.Is(err, storage.ErrResetTokenInvalid))
}
