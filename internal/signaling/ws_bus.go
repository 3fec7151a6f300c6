package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the relay
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the relay
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// SDP offers with many candidates can exceed a few KB
	maxMessageSize = 65536

	authTimeout = 10 * time.Second
)

// WSBus is a Bus over a relay websocket. It speaks the envelope protocol and
// authenticates with a JWT before any call event flows.
type WSBus struct {
	conn     *websocket.Conn
	send     chan []byte
	handlers *handlerSet
	logger   *slog.Logger

	userID   string
	username string

	mu        sync.RWMutex
	connected bool
	done      chan struct{}
	closeOnce sync.Once
}

// DialWS connects to url, authenticates with token and starts the pumps.
func DialWS(ctx context.Context, url, token string, logger *slog.Logger) (*WSBus, error) {
	dialer := websocket.Dialer{HandshakeTimeout: authTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	b := &WSBus{
		conn:     conn,
		send:     make(chan []byte, 256),
		handlers: newHandlerSet(),
		logger:   logger.With("component", "ws_bus"),
		done:     make(chan struct{}),
	}

	if err := b.authenticate(token); err != nil {
		_ = conn.Close()
		return nil, err
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	go b.writePump()
	go b.readPump()

	b.logger.Info("connected to relay", "url", url, "user_id", b.userID)
	return b, nil
}

func (b *WSBus) authenticate(token string) error {
	env, err := NewEnvelope(EventAuth, AuthPayload{Token: token})
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	_ = b.conn.SetReadDeadline(time.Now().Add(authTimeout))
	for {
		_, message, err := b.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await auth: %w", err)
		}
		for _, env := range splitEnvelopes(message) {
			switch env.Type {
			case EventAuthSuccess:
				p, err := Decode[AuthSuccessPayload](env.Payload)
				if err != nil {
					return fmt.Errorf("decode auth.success: %w", err)
				}
				b.userID, b.username = p.UserID, p.Username
				return nil
			case EventError:
				p, _ := Decode[ErrorPayload](env.Payload)
				return fmt.Errorf("relay rejected auth: %s: %s", p.Code, p.Message)
			}
		}
	}
}

// UserID returns the identity the relay authenticated.
func (b *WSBus) UserID() string { return b.userID }

// Username returns the authenticated display name.
func (b *WSBus) Username() string { return b.username }

// Connected reports whether the socket is still up.
func (b *WSBus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Done is closed when the connection is gone.
func (b *WSBus) Done() <-chan struct{} { return b.done }

// Emit queues event for the relay.
func (b *WSBus) Emit(ctx context.Context, event string, payload any) error {
	if !b.Connected() {
		return ErrChannelUnavailable
	}

	env, err := NewEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	select {
	case b.send <- data:
		return nil
	case <-b.done:
		return ErrChannelUnavailable
	default:
		return fmt.Errorf("%w: send buffer full", ErrChannelUnavailable)
	}
}

// On registers h for event.
func (b *WSBus) On(event string, h Handler) func() {
	return b.handlers.add(event, h)
}

// Close closes the socket. Idempotent.
func (b *WSBus) Close() error {
	b.shutdown()
	return nil
}

func (b *WSBus) shutdown() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.connected = false
		b.mu.Unlock()
		close(b.done)
		_ = b.conn.Close()
	})
}

func (b *WSBus) readPump() {
	defer b.shutdown()

	b.conn.SetReadLimit(maxMessageSize)
	_ = b.conn.SetReadDeadline(time.Now().Add(pongWait))
	b.conn.SetPongHandler(func(string) error {
		_ = b.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ctx := context.Background()
	for {
		_, message, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				b.logger.Warn("relay read error", "error", err)
			}
			return
		}

		for _, env := range splitEnvelopes(message) {
			if env.Type == EventError {
				p, _ := Decode[ErrorPayload](env.Payload)
				b.logger.Warn("relay error", "code", p.Code, "message", p.Message)
				continue
			}
			if n := b.handlers.dispatch(ctx, env.Type, env.Payload); n == 0 {
				b.logger.Debug("no handler for event", "event", env.Type)
			}
		}
	}
}

func (b *WSBus) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		b.shutdown()
	}()

	for {
		select {
		case <-b.done:
			_ = b.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case message := <-b.send:
			_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := b.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				b.logger.Warn("relay write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := b.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// splitEnvelopes decodes a frame that may batch several newline-separated
// envelopes. Undecodable lines are skipped.
func splitEnvelopes(frame []byte) []Envelope {
	lines := bytes.Split(frame, []byte{'\n'})
	envs := make([]Envelope, 0, len(lines))
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}
		envs = append(envs, env)
	}
	return envs
}

var _ Bus = (*WSBus)(nil)
var _ Bus = (*PubSubBus)(nil)

// IsUnavailable reports whether err means the channel could not carry an emit.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrChannelUnavailable)
}
