package pubsub

import (
	"context"
	"fmt"
	"log/slog"
)

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// New builds the backend selected by configuration.
func New(ctx context.Context, backend, redisURL string, logger *slog.Logger) (PubSub, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryPubSub(), nil
	case BackendRedis:
		if redisURL == "" {
			return nil, fmt.Errorf("pubsub: %s backend requires a redis URL", BackendRedis)
		}
		return NewRedisPubSub(ctx, redisURL, logger)
	default:
		return nil, fmt.Errorf("pubsub: unknown backend %q", backend)
	}
}
