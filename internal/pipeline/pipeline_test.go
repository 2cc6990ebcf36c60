package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hantei-ai/hantei/internal/apierr"
	"github.com/hantei-ai/hantei/internal/chain"
	"github.com/hantei-ai/hantei/internal/eventbus"
	"github.com/hantei-ai/hantei/internal/judge"
	"github.com/hantei-ai/hantei/internal/model"
	"github.com/hantei-ai/hantei/internal/storage/memory"
)

func newPipeline(t *testing.T) (*Pipeline, *eventbus.Bus) {
	t.Helper()
	store := memory.New()
	ch := chain.New(store, chain.Config{BatchSize: 1, FlushInterval: time.Hour, MaxQueueSize: 100})
	require.NoError(t, ch.Init(context.Background()))
	ch.Start(context.Background())
	t.Cleanup(func() { _ = ch.Close(context.Background()) })

	bus := eventbus.New(8)
	p := New(judge.New(judge.NewConfig()), store, ch, bus, nil)
	return p, bus
}

func TestPipeline_SubmitScoresStoresSealsAndPublishes(t *testing.T) {
	p, bus := newPipeline(t)
	sub := bus.Subscribe(eventbus.TopicJudgment)
	defer bus.Unsubscribe(sub)

	j, err := p.Submit(context.Background(), model.Item{
		Type:    "claim",
		Content: "Global temperatures rose 1.1C since 1900, per NOAA and NASA datasets.",
		Sources: []string{"https://noaa.gov/report", "https://nasa.gov/climate"},
	}, model.Context{})
	require.NoError(t, err)
	assert.NotEmpty(t, j.ID)
	assert.NotZero(t, j.CreatedAt)

	select {
	case ev := <-sub.Recv():
		assert.Equal(t, eventbus.TopicJudgment, ev.Topic)
		got := ev.Payload.(model.Judgment)
		assert.Equal(t, j.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for judgment event")
	}

	deadline := time.Now().Add(2 * time.Second)
	var fetched model.Judgment
	for time.Now().Before(deadline) {
		fetched, err = p.Get(context.Background(), j.ID)
		require.NoError(t, err)
		if fetched.BlockSlot != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, fetched.BlockSlot)
}

func TestPipeline_SubmitRejectsInvalidItem(t *testing.T) {
	p, _ := newPipeline(t)
	_, err := p.Submit(context.Background(), model.Item{}, model.Context{})
	require.Error(t, err)
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, model.KindInvalidInput, e.Kind)
}

func TestPipeline_GetNotFound(t *testing.T) {
	p, _ := newPipeline(t)
	_, err := p.Get(context.Background(), "missing")
	require.Error(t, err)
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, model.KindNotFound, e.Kind)
}
