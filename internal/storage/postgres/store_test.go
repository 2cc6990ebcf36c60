package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hantei-ai/hantei/internal/model"
	"github.com/hantei-ai/hantei/internal/storage/postgres"
	"github.com/hantei-ai/hantei/internal/testutil"
)

// testStore holds a shared store for all tests in this package, backed by a
// containerized pgvector-enabled Postgres instance.
var testStore *postgres.Store

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = db.Close(context.Background()) }()

	testStore = postgres.NewStore(db)
	os.Exit(m.Run())
}

func sampleJudgment() model.Judgment {
	return model.Judgment{
		ItemType:    "statement",
		ItemContent: "The system passed all integration checks.",
		DimensionScores: map[string]float64{
			model.DimLogicalStructure: 0.9,
			model.DimRelevance:       0.8,
		},
		AxiomScores: map[string]float64{
			model.AxiomRigor:   0.9,
			model.AxiomUtility: 0.8,
		},
		QScore:     85,
		Verdict:    model.VerdictAccept,
		Confidence: 0.95,
	}
}

func TestStore_StoreAndGetJudgment(t *testing.T) {
	ctx := context.Background()

	id, createdAt, err := testStore.StoreJudgment(ctx, sampleJudgment())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.False(t, createdAt.IsZero())

	got, err := testStore.GetJudgment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "statement", got.ItemType)
	assert.Equal(t, model.VerdictAccept, got.Verdict)
	assert.Equal(t, 85, got.QScore)
}

func TestStore_SetJudgmentBlockSlot(t *testing.T) {
	ctx := context.Background()

	id, _, err := testStore.StoreJudgment(ctx, sampleJudgment())
	require.NoError(t, err)

	require.NoError(t, testStore.SetJudgmentBlockSlot(ctx, id, 7))

	got, err := testStore.GetJudgment(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.BlockSlot)
	assert.Equal(t, int64(7), *got.BlockSlot)
}

func TestStore_CreateAndGetAgent(t *testing.T) {
	ctx := context.Background()

	name := "integration-agent"
	require.NoError(t, testStore.CreateAgent(ctx, model.Agent{
		Name:       name,
		Role:       model.RoleCaller,
		APIKeyHash: "$argon2id$dummy",
	}))

	got, err := testStore.GetAgentByName(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, model.RoleCaller, got.Role)

	// CreateAgent is idempotent on name: a second call updates, not duplicates.
	require.NoError(t, testStore.CreateAgent(ctx, model.Agent{
		Name:       name,
		Role:       model.RoleAdmin,
		APIKeyHash: "$argon2id$dummy2",
	}))
	got, err = testStore.GetAgentByName(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, got.Role)
}

func TestStore_PingAndBackend(t *testing.T) {
	assert.Equal(t, "postgres", testStore.Backend())
	assert.NoError(t, testStore.Ping(context.Background()))
}

func TestStore_TriggerLifecycle(t *testing.T) {
	ctx := context.Background()

	tr := model.Trigger{
		Name:      "low-score-alert",
		Type:      model.TriggerThreshold,
		Topic:     "judgment.created",
		Condition: map[string]interface{}{"dimension": "qScore", "op": "<", "value": 50},
		Action:    model.ActionLog,
		Enabled:   true,
		Priority:  1,
	}
	require.NoError(t, testStore.UpsertTrigger(ctx, tr))

	triggers, err := testStore.ListTriggers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, triggers)

	var found *model.Trigger
	for i := range triggers {
		if triggers[i].Name == "low-score-alert" {
			found = &triggers[i]
		}
	}
	require.NotNil(t, found)

	require.NoError(t, testStore.SetTriggerEnabled(ctx, found.ID, false))
	require.NoError(t, testStore.DeleteTrigger(ctx, found.ID))
}
