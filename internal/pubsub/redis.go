package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisPubSub spans relay instances: a caller on one instance reaches a callee
// connected to another. All local subscriptions share one Redis connection;
// a channel is subscribed while at least one local handler wants it.
type RedisPubSub struct {
	client *redis.Client
	conn   *redis.PubSub
	logger *slog.Logger
	done   chan struct{}

	mu     sync.RWMutex
	topics map[string]map[uint64]*redisSubscription
	nextID uint64
	closed bool
}

type redisSubscription struct {
	ps    *RedisPubSub
	topic string
	id    uint64
	queue *queue
}

func (s *redisSubscription) Unsubscribe() error {
	s.queue.stop()
	return s.ps.remove(s.topic, s.id)
}

// NewRedisPubSub connects to url (redis://[:password@]host:port[/db]).
func NewRedisPubSub(ctx context.Context, url string, logger *slog.Logger) (*RedisPubSub, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ps := &RedisPubSub{
		client: client,
		conn:   client.Subscribe(ctx),
		logger: logger.With("component", "pubsub", "backend", "redis"),
		done:   make(chan struct{}),
		topics: make(map[string]map[uint64]*redisSubscription),
	}
	go ps.dispatch()

	ps.logger.Info("connected to redis", "addr", opts.Addr)
	return ps, nil
}

// Ping reports whether the Redis server is reachable.
func (ps *RedisPubSub) Ping(ctx context.Context) error {
	return ps.client.Ping(ctx).Err()
}

// Publish sends msg to every subscriber of topic on every instance.
func (ps *RedisPubSub) Publish(ctx context.Context, topic string, msg *Message) error {
	ps.mu.RLock()
	closed := ps.closed
	ps.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	receivers, err := ps.client.Publish(ctx, topic, data).Result()
	if err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	// Zero receivers is normal for a callee that went offline.
	ps.logger.Debug("published", "topic", topic, "msg_type", msg.Type, "receivers", receivers)
	return nil
}

// Subscribe starts delivering topic to handler. The first local subscriber of
// a topic issues SUBSCRIBE on the shared connection before returning.
func (ps *RedisPubSub) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil, ErrClosed
	}

	if len(ps.topics[topic]) == 0 {
		if err := ps.conn.Subscribe(ctx, topic); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		ps.topics[topic] = make(map[uint64]*redisSubscription)
	}

	ps.nextID++
	sub := &redisSubscription{ps: ps, topic: topic, id: ps.nextID, queue: newQueue(handler)}
	ps.topics[topic][sub.id] = sub

	ps.logger.Debug("subscribed", "topic", topic, "sub_id", sub.id)
	return sub, nil
}

func (ps *RedisPubSub) remove(topic string, id uint64) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	subs, ok := ps.topics[topic]
	if !ok || ps.closed {
		return nil
	}
	delete(subs, id)
	if len(subs) > 0 {
		return nil
	}
	delete(ps.topics, topic)
	if err := ps.conn.Unsubscribe(context.Background(), topic); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// dispatch fans messages from the shared connection out to local queues.
func (ps *RedisPubSub) dispatch() {
	defer close(ps.done)
	for rm := range ps.conn.Channel() {
		var msg Message
		if err := json.Unmarshal([]byte(rm.Payload), &msg); err != nil {
			ps.logger.Error("undecodable message", "error", err, "topic", rm.Channel)
			continue
		}

		ps.mu.RLock()
		for _, sub := range ps.topics[rm.Channel] {
			sub.queue.push(&msg)
		}
		ps.mu.RUnlock()
	}
}

// Close stops every subscription and closes the Redis client.
func (ps *RedisPubSub) Close() error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil
	}
	ps.closed = true
	for _, subs := range ps.topics {
		for _, sub := range subs {
			sub.queue.stop()
		}
	}
	ps.topics = make(map[string]map[uint64]*redisSubscription)
	ps.mu.Unlock()

	_ = ps.conn.Close()
	<-ps.done

	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	ps.logger.Info("redis pubsub closed")
	return nil
}

// SubscriberCount returns the number of local subscribers of topic. Other
// instances are not counted.
func (ps *RedisPubSub) SubscriberCount(topic string) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.topics[topic])
}
