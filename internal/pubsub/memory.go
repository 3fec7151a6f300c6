package pubsub

import (
	"context"
	"log/slog"
	"sync"
)

type memorySubscription struct {
	ps    *MemoryPubSub
	topic string
	id    uint64
	queue *queue
}

func (s *memorySubscription) Unsubscribe() error {
	s.ps.remove(s.topic, s.id)
	s.queue.stop()
	return nil
}

// MemoryPubSub delivers within one process. It backs single-instance relays,
// in-process softphones and tests.
type MemoryPubSub struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]*memorySubscription
	nextID uint64
	closed bool
	logger *slog.Logger
}

// NewMemoryPubSub creates an empty in-process bus.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		topics: make(map[string]map[uint64]*memorySubscription),
		logger: slog.Default().With("component", "pubsub", "backend", "memory"),
	}
}

// Publish queues msg for every current subscriber of topic. Each subscriber
// sees messages in the order they were published; subscribers do not wait
// for each other.
func (ps *MemoryPubSub) Publish(ctx context.Context, topic string, msg *Message) error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if ps.closed {
		return ErrClosed
	}

	subs := ps.topics[topic]
	if len(subs) == 0 {
		// Callee offline or call already torn down.
		ps.logger.Debug("no subscribers", "topic", topic, "msg_type", msg.Type)
		return nil
	}
	for _, sub := range subs {
		sub.queue.push(msg)
	}
	return nil
}

// Subscribe starts delivering topic to handler.
func (ps *MemoryPubSub) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil, ErrClosed
	}

	ps.nextID++
	sub := &memorySubscription{ps: ps, topic: topic, id: ps.nextID, queue: newQueue(handler)}
	if ps.topics[topic] == nil {
		ps.topics[topic] = make(map[uint64]*memorySubscription)
	}
	ps.topics[topic][sub.id] = sub
	return sub, nil
}

func (ps *MemoryPubSub) remove(topic string, id uint64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	subs, ok := ps.topics[topic]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(ps.topics, topic)
	}
}

// Close stops every subscription. Later calls return ErrClosed.
func (ps *MemoryPubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	for _, subs := range ps.topics {
		for _, sub := range subs {
			sub.queue.stop()
		}
	}
	ps.topics = make(map[string]map[uint64]*memorySubscription)
	return nil
}

// SubscriberCount returns the number of subscribers of topic.
func (ps *MemoryPubSub) SubscriberCount(topic string) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.topics[topic])
}

// TopicCount returns the number of topics with at least one subscriber.
func (ps *MemoryPubSub) TopicCount() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.topics)
}

// Backlog returns how many messages on topic wait for a busy handler.
func (ps *MemoryPubSub) Backlog(topic string) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	n := 0
	for _, sub := range ps.topics[topic] {
		n += sub.queue.backlog()
	}
	return n
}
