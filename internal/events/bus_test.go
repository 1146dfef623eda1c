package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/skychat/backend/internal/events"
)

func receive(t *testing.T, ch <-chan events.Envelope) events.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		require.True(t, ok, "channel closed")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return events.Envelope{}
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx, events.TopicChat)
	require.NoError(t, err)

	go func() {
		for i := 0; i < 20; i++ {
			_ = bus.Publish(events.TopicChat, "delta", map[string]int{"i": i})
		}
	}()

	var lastSeq uint64
	for i := 0; i < 20; i++ {
		env := receive(t, ch)
		assert.Equal(t, events.TopicChat, env.Topic)
		assert.Equal(t, "delta", env.Event)
		assert.Greater(t, env.Seq, lastSeq)
		lastSeq = env.Seq

		var data map[string]int
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Equal(t, i, data["i"])
	}
}

func TestBusSubscriptionClosesWithContext(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, events.TopicChat, events.TopicSky)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(events.TopicSky, "freeze", nil))
	env := receive(t, ch)
	assert.Equal(t, "freeze", env.Event)
	assert.Empty(t, env.Data)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBusDropsStalledSubscriber(t *testing.T) {
	bus := events.NewBus(events.WithStallTimeout(50 * time.Millisecond))
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stalled, err := bus.Subscribe(ctx, events.TopicSky)
	require.NoError(t, err)
	healthy, err := bus.Subscribe(ctx, events.TopicSky)
	require.NoError(t, err)

	const total = 100
	received := make(chan int, 1)
	go func() {
		n := 0
		for range healthy {
			n++
			if n == total {
				break
			}
		}
		received <- n
	}()

	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < total; i++ {
			_ = bus.Publish(events.TopicSky, "spawn", map[string]int{"i": i})
		}
	}()

	select {
	case <-published:
	case <-time.After(5 * time.Second):
		t.Fatal("publishers blocked behind a subscriber that never drains")
	}
	select {
	case n := <-received:
		assert.Equal(t, total, n)
	case <-time.After(2 * time.Second):
		t.Fatal("healthy subscriber missed events")
	}

	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-stalled:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
}
