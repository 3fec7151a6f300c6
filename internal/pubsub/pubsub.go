// Package pubsub provides an interface-driven pub/sub system used to fan signaling
// events out to users. The in-memory backend serves single-instance relays and
// in-process calls; the Redis backend lets several relay instances share users.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned by operations on a closed PubSub.
var ErrClosed = errors.New("pubsub: closed")

// Message is one signaling event travelling over a topic.
type Message struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	// From is the authenticated sender. Set by whoever owns the identity
	// (socket client or in-process bus), never taken from the payload.
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Handler processes one message. A subscription's handler is never called
// concurrently with itself and sees messages in publish order; handlers of
// different subscriptions run independently. Handlers must not block on a
// later message to their own subscription.
type Handler func(ctx context.Context, msg *Message)

// Subscription represents an active subscription that can be closed
type Subscription interface {
	// Unsubscribe removes the subscription
	Unsubscribe() error
}

// PubSub defines the interface for publish/subscribe operations.
// All implementations must be safe for concurrent use.
type PubSub interface {
	// Publish sends a message to all subscribers of the given topic.
	Publish(ctx context.Context, topic string, msg *Message) error

	// Subscribe registers a handler for messages on the given topic.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)

	// Close shuts down the pub/sub system and releases resources.
	Close() error
}

// TopicBuilder helps construct consistent topic names
type TopicBuilder struct{}

// User returns the inbox topic of one user. Every connection of that user
// receives what is published here.
func (t TopicBuilder) User(userID string) string {
	return "user:" + userID
}

// Relay returns the topic the relay router consumes client-originated events from.
func (t TopicBuilder) Relay() string {
	return "relay"
}

// Call returns the topic scoped to one call attempt.
func (t TopicBuilder) Call(callID string) string {
	return "call:" + callID
}

// Topics is a helper for building topic names
var Topics = TopicBuilder{}
