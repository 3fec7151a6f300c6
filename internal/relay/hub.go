package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/observer/owlycall/internal/auth"
	"github.com/observer/owlycall/internal/metrics"
	"github.com/observer/owlycall/internal/pubsub"
	"github.com/observer/owlycall/internal/signaling"
)

// Hub maintains the set of active socket clients and hands their events to
// the router.
type Hub struct {
	// Registered clients by user ID (one user can have multiple connections)
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu sync.RWMutex

	tokens  *auth.TokenService
	router  *Router
	ps      pubsub.PubSub
	limiter *RateLimiter
	metrics *metrics.Relay
	logger  *slog.Logger
}

// NewHub creates a new Hub
func NewHub(tokens *auth.TokenService, router *Router, ps pubsub.PubSub, limiter *RateLimiter, m *metrics.Relay, logger *slog.Logger) *Hub {
	if limiter == nil {
		limiter = NewRateLimiter(0)
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		tokens:     tokens,
		router:     router,
		ps:         ps,
		limiter:    limiter,
		metrics:    m,
		logger:     logger.With("component", "hub"),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.handleRegister(client)
		case client := <-h.unregister:
			h.handleUnregister(client)
		}
	}
}

// Stopped reports whether Run has returned.
func (h *Hub) Stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client from the hub. After Run has returned the
// client is torn down directly.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		client.unsubscribe()
		client.close()
	}
}

func (h *Hub) handleRegister(client *Client) {
	h.logger.Debug("client connected", "remote_addr", client.conn.RemoteAddr())
}

func (h *Hub) handleUnregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userID := client.UserID()
	if userID != "" {
		if clients, ok := h.clients[userID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.clients, userID)
			}
		}
		h.metrics.Disconnected()
	}
	client.unsubscribe()
	client.close()
	h.logger.Debug("client disconnected", "user_id", userID)
}

// HandleMessage processes one envelope read from a client.
func (h *Hub) HandleMessage(ctx context.Context, client *Client, env *signaling.Envelope) {
	if env.Type == signaling.EventAuth {
		h.handleAuth(ctx, client, env.Payload)
		return
	}

	userID := client.UserID()
	if userID == "" {
		client.sendError(CodeNotAuthenticated, "Must authenticate first")
		return
	}
	if !h.limiter.Allow(userID) {
		h.metrics.RateLimited()
		client.sendError(CodeRateLimited, "rate limit exceeded, slow down")
		return
	}

	if err := h.router.Route(ctx, userID, env.Type, env.Payload); err != nil {
		var rerr *Error
		if !errors.As(err, &rerr) {
			rerr = newError(CodeInternal, "internal error")
		}
		h.metrics.Rejected(rerr.Code)
		h.logger.Debug("event rejected", "event", env.Type, "user_id", userID, "error", err)
		client.sendError(rerr.Code, rerr.Message)
	}
}

func (h *Hub) handleAuth(ctx context.Context, client *Client, payload json.RawMessage) {
	if client.UserID() != "" {
		client.sendError(CodeInvalidPayload, "Already authenticated")
		return
	}

	p, err := signaling.Decode[signaling.AuthPayload](payload)
	if err != nil {
		client.sendError(CodeInvalidPayload, "Invalid auth payload")
		return
	}

	claims, err := h.tokens.ValidateAccessToken(p.Token)
	if err != nil {
		h.metrics.Rejected(CodeAuthFailed)
		client.sendError(CodeAuthFailed, "Invalid or expired token")
		return
	}

	// Deliver the user's inbox to this connection.
	sub, err := h.ps.Subscribe(ctx, pubsub.Topics.User(claims.UserID), func(ctx context.Context, msg *pubsub.Message) {
		client.SendRaw(msg.Type, msg.Payload)
	})
	if err != nil {
		h.logger.Error("subscribe user topic", "user_id", claims.UserID, "error", err)
		client.sendError(CodeInternal, "Failed to subscribe")
		return
	}

	client.SetUser(claims.UserID, claims.Username, sub)

	h.mu.Lock()
	if h.clients[claims.UserID] == nil {
		h.clients[claims.UserID] = make(map[*Client]bool)
	}
	h.clients[claims.UserID][client] = true
	h.mu.Unlock()
	h.metrics.Connected()

	client.Send(signaling.EventAuthSuccess, signaling.AuthSuccessPayload{
		UserID:   claims.UserID,
		Username: claims.Username,
	})

	h.logger.Info("client authenticated", "user_id", claims.UserID, "username", claims.Username)
}

// IsUserOnline checks if a user has any active connections
func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients, ok := h.clients[userID]
	return ok && len(clients) > 0
}

// OnlineCount returns the number of users with at least one connection.
func (h *Hub) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
