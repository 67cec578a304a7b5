// Package messaging provides the in-process message bus that connects the
// history store, dashboard and sync layers.
//
// Handlers are registered per topic and removed through the returned
// Subscription. Publish delivers synchronously to a snapshot of the handlers
// registered at the time of the call, so a handler may unsubscribe itself or
// publish further messages without deadlocking.
package messaging

import (
	"sync"

	"go.uber.org/zap"
)

// Message is anything that can travel on the bus.
type Message interface {
	Topic() string
}

// Handler receives messages for one topic.
type Handler func(Message)

// AllTopics subscribes a handler to every message.
const AllTopics = "*"

// Bus is a typed publish/subscribe hub.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]Handler
	nextID   uint64
	logger   *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[string]map[uint64]Handler),
		logger:   logger,
	}
}

// Subscription is a scoped handler registration.
type Subscription struct {
	bus   *Bus
	topic string
	id    uint64
	once  sync.Once
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		delete(s.bus.handlers[s.topic], s.id)
		if len(s.bus.handlers[s.topic]) == 0 {
			delete(s.bus.handlers, s.topic)
		}
	})
}

// Subscribe registers h for topic.
func (b *Bus) Subscribe(topic string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[uint64]Handler)
	}
	b.handlers[topic][b.nextID] = h
	return &Subscription{bus: b, topic: topic, id: b.nextID}
}

// On registers a handler for messages of type T.
func On[T Message](b *Bus, h func(T)) *Subscription {
	var zero T
	return b.Subscribe(zero.Topic(), func(m Message) {
		if typed, ok := m.(T); ok {
			h(typed)
		}
	})
}

// Publish delivers msg to the topic handlers, then to AllTopics handlers.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.handlers[msg.Topic()])+len(b.handlers[AllTopics]))
	for _, h := range b.handlers[msg.Topic()] {
		targets = append(targets, h)
	}
	for _, h := range b.handlers[AllTopics] {
		targets = append(targets, h)
	}
	b.mu.RUnlock()

	b.logger.Debug("publish", zap.String("topic", msg.Topic()), zap.Int("handlers", len(targets)))
	for _, h := range targets {
		h(msg)
	}
}

// HandlerCount returns the number of handlers registered for topic.
func (b *Bus) HandlerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}
