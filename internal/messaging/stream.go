package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StreamForwarder copies bus messages onto a Redis stream so processes
// outside this one can observe sync and history activity.
type StreamForwarder struct {
	client  *redis.Client
	stream  string
	timeout time.Duration
	logger  *zap.Logger
	sub     *Subscription
}

// NewStreamForwarder creates a forwarder for stream.
func NewStreamForwarder(client *redis.Client, stream string, logger *zap.Logger) *StreamForwarder {
	return &StreamForwarder{
		client:  client,
		stream:  stream,
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

// Start subscribes to every topic on bus. Call Stop to detach.
func (f *StreamForwarder) Start(bus *Bus) {
	f.sub = bus.Subscribe(AllTopics, func(m Message) {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()
		if _, err := f.Publish(ctx, m); err != nil {
			f.logger.Warn("failed to forward message",
				zap.String("topic", m.Topic()),
				zap.String("stream", f.stream),
				zap.Error(err))
		}
	})
}

// Stop detaches the forwarder from the bus.
func (f *StreamForwarder) Stop() {
	f.sub.Unsubscribe()
}

// Publish appends one message to the stream and returns its entry id.
func (f *StreamForwarder) Publish(ctx context.Context, m Message) (string, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s message: %w", m.Topic(), err)
	}

	return f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: f.stream,
		Values: map[string]interface{}{
			"topic":     m.Topic(),
			"data":      string(payload),
			"timestamp": time.Now().Unix(),
		},
	}).Result()
}
