package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/observer/owlycall/internal/pubsub"
)

// PubSubBus is a Bus bound to one user over a pubsub backend. Emits go to the
// relay topic stamped with the user's identity; the user's inbox topic feeds
// registered handlers. It serves in-process deployments and tests, where the
// relay Router subscribes to the same backend.
type PubSubBus struct {
	ps       pubsub.PubSub
	userID   string
	handlers *handlerSet
	logger   *slog.Logger

	mu     sync.Mutex
	sub    pubsub.Subscription
	closed bool
}

// NewPubSubBus subscribes to userID's inbox and returns the bus.
func NewPubSubBus(ctx context.Context, ps pubsub.PubSub, userID string, logger *slog.Logger) (*PubSubBus, error) {
	b := &PubSubBus{
		ps:       ps,
		userID:   userID,
		handlers: newHandlerSet(),
		logger:   logger.With("component", "pubsub_bus", "user_id", userID),
	}

	sub, err := ps.Subscribe(ctx, pubsub.Topics.User(userID), b.deliver)
	if err != nil {
		return nil, fmt.Errorf("subscribe inbox: %w", err)
	}
	b.sub = sub
	return b, nil
}

// Emit publishes event to the relay topic.
func (b *PubSubBus) Emit(ctx context.Context, event string, payload any) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrChannelUnavailable
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	msg := &pubsub.Message{
		Topic:   pubsub.Topics.Relay(),
		Type:    event,
		From:    b.userID,
		Payload: data,
	}
	if err := b.ps.Publish(ctx, msg.Topic, msg); err != nil {
		if errors.Is(err, pubsub.ErrClosed) {
			return ErrChannelUnavailable
		}
		return err
	}
	return nil
}

// On registers h for event.
func (b *PubSubBus) On(event string, h Handler) func() {
	return b.handlers.add(event, h)
}

// Close stops receiving. Further emits fail with ErrChannelUnavailable.
func (b *PubSubBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.sub.Unsubscribe()
}

func (b *PubSubBus) deliver(ctx context.Context, msg *pubsub.Message) {
	if n := b.handlers.dispatch(ctx, msg.Type, msg.Payload); n == 0 {
		b.logger.Debug("no handler for event", "event", msg.Type)
	}
}
