// Package signaling exposes the realtime event bus to call sessions: typed
// fire-and-forget sends, and handler scopes that are torn down with the session
// that registered them.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	// ErrChannelUnavailable is returned by a Bus when the underlying channel is
	// disconnected. The adapter drops the emit.
	ErrChannelUnavailable = errors.New("signaling: channel unavailable")

	// ErrHandlerRegistered is returned when a scope already owns a handler for
	// the event name.
	ErrHandlerRegistered = errors.New("signaling: handler already registered")

	// ErrScopeClosed is returned when registering on a closed scope.
	ErrScopeClosed = errors.New("signaling: scope closed")
)

// Handler receives the raw payload of one inbound event.
type Handler func(ctx context.Context, payload json.RawMessage)

// Bus is a bidirectional event bus with at-least-once, possibly reordered,
// possibly duplicated delivery. Any number of handlers may share an event name.
type Bus interface {
	Emit(ctx context.Context, event string, payload any) error
	On(event string, h Handler) (off func())
}

// Adapter wraps a Bus for call sessions.
type Adapter struct {
	bus     Bus
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewAdapter creates an adapter over bus.
func NewAdapter(bus Bus, logger *slog.Logger) *Adapter {
	return &Adapter{
		bus:    bus,
		logger: logger.With("component", "signaling"),
	}
}

// Send emits event without waiting for, or reporting, delivery. A failed emit
// is logged and dropped; callers never change state based on it.
func (a *Adapter) Send(ctx context.Context, event string, payload any) {
	if err := a.bus.Emit(ctx, event, payload); err != nil {
		a.dropped.Add(1)
		a.logger.Warn("signaling emit dropped", "event", event, "error", err)
	}
}

// Dropped returns how many emits failed since the adapter was created.
func (a *Adapter) Dropped() int64 {
	return a.dropped.Load()
}

// Scope opens a handler group owned by one session (or by the orchestrator).
func (a *Adapter) Scope(owner string) *Scope {
	return &Scope{
		adapter: a,
		owner:   owner,
		offs:    make(map[string]func()),
	}
}

// Scope holds at most one handler per event name. Closing it unregisters every
// handler; deliveries racing with Close are suppressed so a superseded session
// is never mutated.
type Scope struct {
	adapter *Adapter
	owner   string

	mu     sync.Mutex
	offs   map[string]func()
	closed atomic.Bool
}

// On registers h for event.
func (s *Scope) On(event string, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrScopeClosed
	}
	if _, ok := s.offs[event]; ok {
		return fmt.Errorf("%w: %s for %s", ErrHandlerRegistered, event, s.owner)
	}

	s.offs[event] = s.adapter.bus.On(event, func(ctx context.Context, payload json.RawMessage) {
		if s.closed.Load() {
			return
		}
		h(ctx, payload)
	})
	return nil
}

// Registered reports whether the scope holds a handler for event.
func (s *Scope) Registered(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.offs[event]
	return ok
}

// Len returns the number of registered handlers.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offs)
}

// Close unregisters all handlers. Idempotent.
func (s *Scope) Close() {
	if s.closed.Swap(true) {
		return
	}

	s.mu.Lock()
	offs := s.offs
	s.offs = make(map[string]func())
	s.mu.Unlock()

	for _, off := range offs {
		off()
	}
}

// handlerSet is the per-event handler table shared by the Bus implementations.
type handlerSet struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]Handler
	nextID   uint64
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: make(map[string]map[uint64]Handler)}
}

func (hs *handlerSet) add(event string, h Handler) func() {
	hs.mu.Lock()
	hs.nextID++
	id := hs.nextID
	if hs.handlers[event] == nil {
		hs.handlers[event] = make(map[uint64]Handler)
	}
	hs.handlers[event][id] = h
	hs.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			hs.mu.Lock()
			defer hs.mu.Unlock()
			if m, ok := hs.handlers[event]; ok {
				delete(m, id)
				if len(m) == 0 {
					delete(hs.handlers, event)
				}
			}
		})
	}
}

func (hs *handlerSet) dispatch(ctx context.Context, event string, payload json.RawMessage) int {
	hs.mu.RLock()
	handlers := make([]Handler, 0, len(hs.handlers[event]))
	for _, h := range hs.handlers[event] {
		handlers = append(handlers, h)
	}
	hs.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, payload)
	}
	return len(handlers)
}

func (hs *handlerSet) count(event string) int {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return len(hs.handlers[event])
}
