// Package orchestrator owns the process-wide call state: at most one pending
// incoming call and at most one active session.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/observer/owlycall/internal/call"
	"github.com/observer/owlycall/internal/media"
	"github.com/observer/owlycall/internal/metrics"
	"github.com/observer/owlycall/internal/signaling"
)

const DefaultIncomingTimeout = 30 * time.Second

var (
	ErrBusy         = errors.New("orchestrator: a call is already in progress")
	ErrNoIncoming   = errors.New("orchestrator: no incoming call")
	ErrNoActiveCall = errors.New("orchestrator: no active call")
	ErrClosed       = errors.New("orchestrator: closed")
)

// Ringtone is the looping ring sound. Start replaces any running instance.
type Ringtone interface {
	Start()
	Stop()
}

type silentRingtone struct{}

func (silentRingtone) Start() {}
func (silentRingtone) Stop()  {}

// IncomingCall is a call waiting for the local user to accept or reject it.
type IncomingCall struct {
	CallID          string
	FromUserID      string
	FromDisplayName string
	FromAvatar      string
	ConversationID  string
	Kind            media.Kind
	ReceivedAt      time.Time
}

// Config holds registry settings. The session fields are copied into every
// session the registry creates.
type Config struct {
	LocalUserID     string
	IncomingTimeout time.Duration

	RetryDelay     time.Duration
	RestartTimeout time.Duration
	TickInterval   time.Duration
	RingTimeout    time.Duration

	// OnIncoming is told about a surfaced incoming call and about it going
	// away (nil). It must not block.
	OnIncoming func(*IncomingCall)
	// Observer receives every session snapshot.
	Observer func(call.Snapshot)
}

// Deps are shared by the registry and every session it creates.
type Deps struct {
	Signaling *signaling.Adapter
	Media     media.Factory
	Devices   media.Devices
	Ringtone  Ringtone
	Logger    *slog.Logger
	Metrics   *metrics.Calls
	Now       func() time.Time
}

// Registry is constructed once per process and injected where calls are
// placed or answered.
type Registry struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	scope  *signaling.Scope

	mu            sync.Mutex
	incoming      *IncomingCall
	incomingTimer *time.Timer
	active        *call.Session
	closed        bool
}

// New creates the registry and starts listening for incoming calls.
func New(cfg Config, deps Deps) (*Registry, error) {
	if cfg.LocalUserID == "" {
		return nil, errors.New("orchestrator: local user id is required")
	}
	if cfg.IncomingTimeout <= 0 {
		cfg.IncomingTimeout = DefaultIncomingTimeout
	}
	if deps.Ringtone == nil {
		deps.Ringtone = silentRingtone{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := &Registry{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("component", "orchestrator", "user_id", cfg.LocalUserID),
		scope:  deps.Signaling.Scope("registry"),
	}

	handlers := map[string]signaling.Handler{
		signaling.EventIncomingCall:  r.handleIncoming,
		signaling.EventCallCancelled: r.handleTerminal(signaling.EventCallCancelled, call.ReasonRemoteCancelled),
		signaling.EventHangUp:        r.handleTerminal(signaling.EventHangUp, call.ReasonRemoteHangUp),
		signaling.EventCallRejected:  r.handleTerminal(signaling.EventCallRejected, call.ReasonRejected),
	}
	for event, h := range handlers {
		if err := r.scope.On(event, h); err != nil {
			r.scope.Close()
			return nil, err
		}
	}
	return r, nil
}

// Incoming returns the pending incoming call, if any.
func (r *Registry) Incoming() (IncomingCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.incoming == nil {
		return IncomingCall{}, false
	}
	return *r.incoming, true
}

// Active returns the active session or nil.
func (r *Registry) Active() *call.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// ============================================================================
// User intents
// ============================================================================

// Call places an outgoing call to remote.
func (r *Registry) Call(ctx context.Context, conversationID string, remote call.Participant, kind media.Kind) (*call.Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if r.active != nil || r.incoming != nil {
		r.mu.Unlock()
		return nil, ErrBusy
	}

	s, err := r.newSession(call.Config{
		ConversationID: conversationID,
		ReceiverID:     remote.ID,
		Remote:         remote,
		Kind:           kind,
	})
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Accept answers the pending incoming call with a receiver session.
func (r *Registry) Accept(ctx context.Context) (*call.Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	in := r.incoming
	if in == nil {
		r.mu.Unlock()
		return nil, ErrNoIncoming
	}
	if r.active != nil {
		r.mu.Unlock()
		return nil, ErrBusy
	}

	r.clearIncomingLocked()
	s, err := r.newSession(call.Config{
		CallID:         in.CallID,
		ConversationID: in.ConversationID,
		ReceiverID:     r.cfg.LocalUserID,
		Remote: call.Participant{
			ID:          in.FromUserID,
			DisplayName: in.FromDisplayName,
			Avatar:      in.FromAvatar,
		},
		Kind: in.Kind,
	})
	r.mu.Unlock()
	r.notifyIncoming(nil)
	if err != nil {
		// The notification is gone; don't leave the caller ringing.
		r.logger.Error("create receiver session", "error", err, "call_id", in.CallID)
		r.sendReject(ctx, in)
		r.deps.Metrics.Incoming("failed")
		return nil, err
	}

	r.deps.Metrics.Incoming("accepted")
	if err := s.Accept(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reject declines the pending incoming call. No session is created.
func (r *Registry) Reject(ctx context.Context) error {
	r.mu.Lock()
	in := r.incoming
	if in == nil {
		r.mu.Unlock()
		return ErrNoIncoming
	}
	r.clearIncomingLocked()
	r.mu.Unlock()

	r.sendReject(ctx, in)
	r.notifyIncoming(nil)
	r.deps.Metrics.Incoming("rejected")
	return nil
}

// HangUp ends the active call.
func (r *Registry) HangUp() error {
	s := r.Active()
	if s == nil {
		return ErrNoActiveCall
	}
	return s.HangUp()
}

// Close stops listening, declines a pending call and hangs up the active one.
// It waits for the session to release its resources or ctx to expire.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.scope.Close()
	in := r.incoming
	r.clearIncomingLocked()
	s := r.active
	r.mu.Unlock()

	if in != nil {
		r.sendReject(ctx, in)
		r.notifyIncoming(nil)
	}
	if s == nil {
		return nil
	}

	snap := s.Snapshot()
	if !snap.Ended() && snap.State != call.StateIdle {
		r.deps.Signaling.Send(ctx, signaling.EventHangUp, signaling.HangUpPayload{
			ConversationID: s.ConversationID(),
			ToUserID:       s.Remote().ID,
			CallID:         s.CallID(),
		})
	}
	if err := s.Terminate(call.ReasonShutdown); err != nil && !errors.Is(err, call.ErrSessionEnded) {
		return err
	}

	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// Signaling
// ============================================================================

func (r *Registry) handleIncoming(ctx context.Context, raw json.RawMessage) {
	p, err := signaling.Decode[signaling.IncomingCallPayload](raw)
	if err != nil {
		r.logger.Warn("undecodable incoming call", "error", err)
		return
	}
	if p.CallID == "" || p.FromUserID == r.cfg.LocalUserID {
		return
	}
	kind, err := media.ParseKind(p.CallType)
	if err != nil {
		kind = media.KindAudio
	}

	in := &IncomingCall{
		CallID:          p.CallID,
		FromUserID:      p.FromUserID,
		FromDisplayName: p.FromUsername,
		FromAvatar:      p.FromAvatar,
		ConversationID:  p.ConversationID,
		Kind:            kind,
		ReceivedAt:      r.deps.Now(),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if (r.incoming != nil && r.incoming.CallID == in.CallID) ||
		(r.active != nil && r.active.CallID() == in.CallID) {
		r.mu.Unlock()
		r.deps.Metrics.Incoming("duplicate")
		return
	}
	if r.active != nil || r.incoming != nil {
		r.mu.Unlock()
		r.logger.Info("rejecting incoming call while busy", "call_id", in.CallID, "from", in.FromUserID)
		r.sendReject(ctx, in)
		r.deps.Metrics.Incoming("busy")
		return
	}

	r.incoming = in
	callID := in.CallID
	r.incomingTimer = time.AfterFunc(r.cfg.IncomingTimeout, func() { r.expireIncoming(callID) })
	// Started under the lock so Accept or Reject cannot clear the call
	// before the ring begins.
	r.deps.Ringtone.Start()
	r.mu.Unlock()

	r.logger.Info("incoming call", "call_id", in.CallID, "from", in.FromUserID, "kind", in.Kind)
	r.deps.Metrics.RingtoneStarted()
	r.deps.Metrics.Incoming("ringing")
	cp := *in
	r.notifyIncoming(&cp)
}

// handleTerminal clears a pending call the caller gave up on, and tears down
// the active session when the signal names it.
func (r *Registry) handleTerminal(event string, reason call.EndReason) signaling.Handler {
	return func(ctx context.Context, raw json.RawMessage) {
		p, err := signaling.Decode[signaling.CallActionPayload](raw)
		if err != nil {
			r.logger.Warn("undecodable terminal signal", "event", event, "error", err)
			return
		}
		if p.CallID == "" || p.FromUserID == r.cfg.LocalUserID {
			return
		}

		r.mu.Lock()
		if r.incoming != nil && r.incoming.CallID == p.CallID {
			r.clearIncomingLocked()
			r.mu.Unlock()
			r.logger.Info("incoming call withdrawn", "call_id", p.CallID, "event", event)
			r.notifyIncoming(nil)
			r.deps.Metrics.Incoming("withdrawn")
			return
		}
		s := r.active
		r.mu.Unlock()

		if s == nil || s.CallID() != p.CallID {
			return
		}
		r.deps.Ringtone.Stop()
		if err := s.Terminate(reason); err != nil && !errors.Is(err, call.ErrSessionEnded) {
			r.logger.Warn("terminate session", "error", err)
		}
	}
}

func (r *Registry) expireIncoming(callID string) {
	r.mu.Lock()
	in := r.incoming
	if in == nil || in.CallID != callID {
		r.mu.Unlock()
		return
	}
	r.incomingTimer = nil
	r.clearIncomingLocked()
	r.mu.Unlock()

	r.logger.Info("incoming call not answered", "call_id", callID)
	r.sendReject(context.Background(), in)
	r.notifyIncoming(nil)
	r.deps.Metrics.Incoming("timeout")
}

func (r *Registry) sendReject(ctx context.Context, in *IncomingCall) {
	r.deps.Signaling.Send(ctx, signaling.EventRejectCall, signaling.CallActionPayload{
		ConversationID: in.ConversationID,
		FromUserID:     r.cfg.LocalUserID,
		CallID:         in.CallID,
	})
}

// clearIncomingLocked drops the pending call and silences the ringtone.
func (r *Registry) clearIncomingLocked() {
	if r.incomingTimer != nil {
		r.incomingTimer.Stop()
		r.incomingTimer = nil
	}
	if r.incoming != nil {
		r.incoming = nil
		r.deps.Ringtone.Stop()
	}
}

func (r *Registry) notifyIncoming(in *IncomingCall) {
	if r.cfg.OnIncoming != nil {
		r.cfg.OnIncoming(in)
	}
}

// ============================================================================
// Sessions
// ============================================================================

// newSession creates a session and makes it active. Callers hold r.mu.
func (r *Registry) newSession(cfg call.Config) (*call.Session, error) {
	cfg.LocalUserID = r.cfg.LocalUserID
	cfg.RetryDelay = r.cfg.RetryDelay
	cfg.RestartTimeout = r.cfg.RestartTimeout
	cfg.TickInterval = r.cfg.TickInterval
	cfg.RingTimeout = r.cfg.RingTimeout
	cfg.Observer = r.cfg.Observer

	s, err := call.NewSession(cfg, call.Deps{
		Signaling: r.deps.Signaling,
		Media:     r.deps.Media,
		Devices:   r.deps.Devices,
		Logger:    r.deps.Logger,
		Metrics:   r.deps.Metrics,
		Now:       r.deps.Now,
	})
	if err != nil {
		return nil, err
	}
	r.active = s
	go r.watch(s)
	return s, nil
}

// watch clears the active slot once s has ended.
func (r *Registry) watch(s *call.Session) {
	<-s.Done()
	r.mu.Lock()
	if r.active == s {
		r.active = nil
	}
	r.mu.Unlock()
	r.logger.Debug("session released", "call_id", s.CallID(), "reason", s.Snapshot().Reason)
}
