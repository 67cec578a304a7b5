package messaging

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBus_TypedSubscriptionAndUnsubscribe(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var got []string
	sub := On(bus, func(m SystemMonitor) { got = append(got, m.Event) })

	bus.Publish(SystemMonitor{Event: "a"})
	bus.Publish(SyncComplete{})
	sub.Unsubscribe()
	sub.Unsubscribe()
	bus.Publish(SystemMonitor{Event: "b"})

	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, 0, bus.HandlerCount(TopicSystemMonitor))
}

func TestBus_HandlerMayPublishAndUnsubscribe(t *testing.T) {
	bus := NewBus(nil)

	var completes int
	On(bus, func(SyncComplete) { completes++ })

	var sub *Subscription
	sub = On(bus, func(HistoryUpdated) {
		sub.Unsubscribe()
		bus.Publish(SyncComplete{})
	})

	bus.Publish(HistoryUpdated{})
	bus.Publish(HistoryUpdated{})
	assert.Equal(t, 1, completes)
}

func TestStreamForwarder_WritesToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bus := NewBus(zap.NewNop())
	fwd := NewStreamForwarder(client, "breathsync:events", zap.NewNop())
	fwd.Start(bus)

	bus.Publish(SyncFailed{Reason: "timeout"})
	bus.Publish(SummaryUpdated{IDs: []string{"OVERUSE"}})
	fwd.Stop()
	bus.Publish(SyncComplete{})

	entries, err := client.XRange(context.Background(), "breathsync:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, TopicSyncFailed, entries[0].Values["topic"])
	assert.JSONEq(t, `{"reason":"timeout"}`, entries[0].Values["data"].(string))
	assert.Equal(t, TopicSummaryUpdated, entries[1].Values["topic"])
}
