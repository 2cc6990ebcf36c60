package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToMatchingTopic(t *testing.T) {
	b := New(4)
	ctx := context.Background()

	sub := b.Subscribe(TopicJudgment)
	defer b.Unsubscribe(sub)

	b.Publish(ctx, TopicBlock, "ignored")
	b.Publish(ctx, TopicJudgment, "hello")

	select {
	case ev := <-sub.Recv():
		assert.Equal(t, TopicJudgment, ev.Topic)
		assert.Equal(t, "hello", ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_MultipleSubscribersEachGetTheEvent(t *testing.T) {
	b := New(4)
	ctx := context.Background()

	s1 := b.Subscribe(TopicAlert)
	s2 := b.Subscribe(TopicAlert)
	defer b.Unsubscribe(s1)
	defer b.Unsubscribe(s2)

	b.Publish(ctx, TopicAlert, 1)

	for _, s := range []*Subscription{s1, s2} {
		select {
		case ev := <-s.Recv():
			assert.Equal(t, 1, ev.Payload)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBus_FullChannelDropsOldest(t *testing.T) {
	b := New(2)
	ctx := context.Background()

	sub := b.Subscribe(TopicPattern)
	defer b.Unsubscribe(sub)

	b.Publish(ctx, TopicPattern, 1)
	b.Publish(ctx, TopicPattern, 2)
	b.Publish(ctx, TopicPattern, 3) // channel cap 2, should drop "1"

	var got []any
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Recv():
			got = append(got, ev.Payload)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	assert.Equal(t, []any{2, 3}, got)
	assert.Equal(t, int64(1), sub.Dropped())
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New(4)
	ctx := context.Background()

	sub := b.Subscribe(TopicConnection)
	b.Unsubscribe(sub)

	b.Publish(ctx, TopicConnection, "after-close")

	_, ok := <-sub.Recv()
	assert.False(t, ok)
}

func TestBus_SubscribeOnlyReceivesRequestedTopics(t *testing.T) {
	b := New(4)
	ctx := context.Background()

	sub := b.Subscribe(TopicToolPre, TopicToolPost)
	defer b.Unsubscribe(sub)

	b.Publish(ctx, TopicBlock, "nope")
	b.Publish(ctx, TopicToolPost, "yes")

	select {
	case ev := <-sub.Recv():
		assert.Equal(t, TopicToolPost, ev.Topic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	b := New(4)
	sub := b.Subscribe(TopicJudgment)
	require.NotPanics(t, func() {
		sub.Close()
		sub.Close()
	})
}
