// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsubscribe := bus.Subscribe(context.Background(), Filter{})
	defer unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), Event{
		Type:        StepCompleted,
		ExecutionID: "ex-1",
		StepID:      "restart",
	}))

	got := receive(t, ch)
	assert.Equal(t, StepCompleted, got.Type)
	assert.Equal(t, "ex-1", got.ExecutionID)
	assert.False(t, got.Timestamp.IsZero(), "publish stamps the event")
}

func TestSubscribeFilterByType(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsubscribe := bus.Subscribe(context.Background(), Filter{
		Types: []Type{ExecutionCompleted, ExecutionFailed},
	})
	defer unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), Event{Type: StepStarted}))
	require.NoError(t, bus.Publish(context.Background(), Event{Type: ExecutionFailed}))

	got := receive(t, ch)
	assert.Equal(t, ExecutionFailed, got.Type)
}

func TestSubscribeFilterByExecution(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsubscribe := bus.Subscribe(context.Background(), Filter{ExecutionID: "ex-2"})
	defer unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), Event{Type: StepStarted, ExecutionID: "ex-1"}))
	require.NoError(t, bus.Publish(context.Background(), Event{Type: StepStarted, ExecutionID: "ex-2"}))

	got := receive(t, ch)
	assert.Equal(t, "ex-2", got.ExecutionID)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsubscribe := bus.Subscribe(context.Background(), Filter{})
	unsubscribe()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := NewBus(WithBufferSize(1))
	defer bus.Close()

	_, unsubscribe := bus.Subscribe(context.Background(), Filter{})
	defer unsubscribe()

	// Nobody drains the channel, so everything after the first publish
	// is dropped rather than blocking the publisher.
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), Event{Type: StepStarted}))
	}

	delivered, dropped := bus.Stats()
	assert.Equal(t, int64(1), delivered)
	assert.Equal(t, int64(4), dropped)
}

func TestCloseIdempotent(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe(context.Background(), Filter{})

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	_, open := <-ch
	assert.False(t, open)

	assert.Error(t, bus.Publish(context.Background(), Event{Type: StepStarted}))
}
