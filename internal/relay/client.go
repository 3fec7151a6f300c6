package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/observer/owlycall/internal/pubsub"
	"github.com/observer/owlycall/internal/signaling"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// pingPeriod must stay below pongWait.
	pingPeriod = (pongWait * 9) / 10
	// authWait bounds how long a socket may stay anonymous.
	authWait = 10 * time.Second

	// SDP blobs are the largest messages.
	maxMessageSize = 65536
	sendBuffer     = 256
)

// Client is one signaling socket. Every event queued for it is delivered in
// order or the socket is dropped: a peer that silently missed a hang-up or an
// ICE candidate is worse off than one that reconnects.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	mu       sync.RWMutex
	userID   string
	username string
	userSub  pubsub.Subscription
	closed   bool
	stalled  bool
}

func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: logger,
	}
}

// SetUser records the authenticated identity and its inbox subscription.
func (c *Client) SetUser(userID, username string, sub pubsub.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.username = username
	c.userSub = sub
}

// UserID is empty until the socket authenticates.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// Stalled reports whether the socket was dropped for not keeping up.
func (c *Client) Stalled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stalled
}

func (c *Client) unsubscribe() {
	c.mu.Lock()
	sub := c.userSub
	c.userSub = nil
	c.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

// close ends the write pump. Idempotent.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ReadPump feeds socket messages to the hub until the connection fails. An
// anonymous socket gets authWait to authenticate; after that the deadline is
// kept alive by pongs.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(authWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	authenticated := false
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", "error", err, "user_id", c.UserID())
			}
			return
		}

		var env signaling.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError(CodeInvalidPayload, "Failed to parse message")
			continue
		}
		c.hub.HandleMessage(ctx, c, &env)

		if !authenticated && c.UserID() != "" {
			authenticated = true
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
}

// WritePump writes queued events, coalescing whatever is already waiting into
// one newline-separated frame, and pings the peer.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case first, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeFrame(first); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeFrame(first []byte) error {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	_, _ = w.Write(first)
	for n := len(c.send); n > 0; n-- {
		next, ok := <-c.send
		if !ok {
			break
		}
		_, _ = w.Write([]byte{'\n'})
		_, _ = w.Write(next)
	}
	return w.Close()
}

// Send queues an event for the client.
func (c *Client) Send(event string, payload any) {
	env, err := signaling.NewEnvelope(event, payload)
	if err != nil {
		c.logger.Error("encode envelope", "event", event, "error", err)
		return
	}
	c.enqueue(env)
}

// SendRaw queues an event whose payload is already encoded.
func (c *Client) SendRaw(event string, payload json.RawMessage) {
	c.enqueue(&signaling.Envelope{Type: event, Payload: payload, Timestamp: time.Now()})
}

func (c *Client) enqueue(env *signaling.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.stalled {
		return
	}
	select {
	case c.send <- data:
	default:
		c.stalled = true
		c.logger.Warn("client not keeping up, dropping socket", "user_id", c.userID, "event", env.Type)
		if c.conn != nil {
			// Unblocks ReadPump, which unregisters the client.
			go c.conn.Close()
		}
	}
}

func (c *Client) sendError(code, message string) {
	c.Send(signaling.EventError, signaling.ErrorPayload{Code: code, Message: message})
}
