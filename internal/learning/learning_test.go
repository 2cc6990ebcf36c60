package learning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hantei-ai/hantei/internal/judge"
	"github.com/hantei-ai/hantei/internal/model"
	"github.com/hantei-ai/hantei/internal/storage/memory"
)

func newLoop(t *testing.T, cfg Config) *Loop {
	t.Helper()
	store := memory.New()
	l := New(store, cfg)
	require.NoError(t, l.Init(context.Background()))
	return l
}

func TestLoop_ProcessFeedbackUpdatesVerdictCounts(t *testing.T) {
	l := newLoop(t, Config{})
	j := model.Judgment{Verdict: model.VerdictAccept, QScore: 70, DimensionScores: map[string]float64{model.DimRelevance: 0.8}}

	result, err := l.ProcessFeedback(context.Background(), model.Feedback{Outcome: model.OutcomeCorrect}, j)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Stats[model.VerdictAccept])
}

func TestLoop_AutoCalibrateFiresAtThresholdAndLowersScore(t *testing.T) {
	l := newLoop(t, Config{AutoCalibrate: true, CalibrateThreshold: 21})
	j := judge.New(judge.NewConfig())

	item := model.Item{
		Type:    "claim",
		Content: "Revenue grew 12% year over year, confirmed by two independent audits.",
		Sources: []string{"https://example.com/audit-one", "https://example.com/audit-two"},
		Verified: boolPtr(true),
	}

	first, err := j.Score(item, model.Context{LearningState: l.GetState()})
	require.NoError(t, err)
	require.Equal(t, model.VerdictAccept, first.Verdict)

	actual := 10.0
	var lastResult ProcessResult
	for i := 0; i < 21; i++ {
		scored, err := j.Score(item, model.Context{LearningState: l.GetState()})
		require.NoError(t, err)
		lastResult, err = l.ProcessFeedback(context.Background(), model.Feedback{
			Outcome: model.OutcomeIncorrect, ActualScore: &actual,
		}, scored)
		require.NoError(t, err)
	}

	require.NotNil(t, lastResult.Calibration)
	assert.True(t, lastResult.Calibration.Updated)

	state := l.GetState()
	decreased := false
	for _, mod := range state.WeightModifiers {
		if mod < 0 {
			decreased = true
			break
		}
	}
	assert.True(t, decreased)

	next, err := j.Score(item, model.Context{LearningState: state})
	require.NoError(t, err)
	assert.Less(t, next.QScore, first.QScore)
}

func TestLoop_DetectBiasesReflectsModifiers(t *testing.T) {
	l := newLoop(t, Config{})
	state := l.GetState()
	state.WeightModifiers[model.DimRelevance] = -0.1
	require.NoError(t, l.store.SaveLearningState(context.Background(), state))
	require.NoError(t, l.Init(context.Background()))

	biases := l.DetectBiases()
	require.NotEmpty(t, biases)
	found := false
	for _, b := range biases {
		if b.Dimension == model.DimRelevance {
			found = true
			assert.Equal(t, "over", b.Direction)
		}
	}
	assert.True(t, found)
}

func TestLoop_ResetClearsState(t *testing.T) {
	l := newLoop(t, Config{})
	state := l.GetState()
	state.WeightModifiers[model.DimRelevance] = 0.1
	require.NoError(t, l.store.SaveLearningState(context.Background(), state))
	require.NoError(t, l.Reset(context.Background()))

	fresh := l.GetState()
	assert.Equal(t, 0.0, fresh.WeightModifiers[model.DimRelevance])
}

func boolPtr(b bool) *bool { return &b }
