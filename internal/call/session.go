// Package call implements the call session state machine: one audio or video
// call between the local user and a remote participant, from initiation or
// acceptance through negotiation, connection, retry and teardown.
//
// A Session is an actor. One goroutine owns every mutable field; user intents,
// signaling events, media callbacks and timers are posted to its mailbox and
// run to completion in arrival order.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/observer/owlycall/internal/media"
	"github.com/observer/owlycall/internal/metrics"
	"github.com/observer/owlycall/internal/signaling"
)

const (
	DefaultRetryDelay   = 3 * time.Second
	DefaultTickInterval = time.Second
	DefaultRingTimeout  = 30 * time.Second

	// DefaultRestartTimeout bounds how long a retried negotiation may take to
	// reconnect before the call is given up.
	DefaultRestartTimeout = 10 * time.Second
)

// Participant identifies the remote party.
type Participant struct {
	ID          string
	DisplayName string
	Avatar      string
}

// Config describes one call. Role is derived from LocalUserID and ReceiverID.
type Config struct {
	CallID         string
	ConversationID string
	LocalUserID    string
	// ReceiverID is the call's recorded receiver. The local user is the
	// receiver exactly when it equals LocalUserID.
	ReceiverID string
	Remote     Participant
	Kind       media.Kind

	RetryDelay     time.Duration
	RestartTimeout time.Duration
	TickInterval   time.Duration
	RingTimeout    time.Duration

	// Observer receives a snapshot after every change. It runs on the
	// session goroutine and must not block.
	Observer func(Snapshot)
}

// Deps are the collaborators of a session.
type Deps struct {
	Signaling *signaling.Adapter
	Media     media.Factory
	Devices   media.Devices
	Logger    *slog.Logger
	Metrics   *metrics.Calls
	Now       func() time.Time
}

// Session is one call attempt.
type Session struct {
	cfg     Config
	role    Role
	deps    Deps
	logger  *slog.Logger
	scope   *signaling.Scope
	mailbox *mailbox
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	snapMu sync.RWMutex
	snap   Snapshot

	// Owned by the session goroutine.
	state       State
	accepted    bool
	startedAt   time.Time
	connectedAt time.Time
	reason      EndReason
	status      string

	pc           media.Session
	local        *media.LocalStream
	remote       *media.RemoteStream
	pendingOffer *media.Description
	offerSent    bool

	pendingICE []media.Candidate
	iceDrained bool

	retried      bool
	retryTimer   *time.Timer
	restartTimer *time.Timer
	ringTimer    *time.Timer

	tickStop   chan struct{}
	tickStarts int
	elapsed    time.Duration

	stopAcquire context.CancelFunc

	audioOn       bool
	videoOn       bool
	screen        *media.LocalTrack
	remoteAudioOn bool
	remoteVideoOn bool
	remoteSharing bool
}

// NewSession creates a session in Idle, registers its signaling handlers and
// starts its goroutine. An initiator without a CallID gets a fresh one.
func NewSession(cfg Config, deps Deps) (*Session, error) {
	if cfg.LocalUserID == "" || cfg.ConversationID == "" {
		return nil, fmt.Errorf("%w: local user and conversation are required", ErrInvalidConfig)
	}
	if deps.Signaling == nil || deps.Media == nil || deps.Devices == nil {
		return nil, fmt.Errorf("%w: signaling, media and devices are required", ErrInvalidConfig)
	}

	role := RoleInitiator
	if cfg.LocalUserID == cfg.ReceiverID {
		role = RoleReceiver
	}
	if cfg.CallID == "" {
		if role == RoleReceiver {
			return nil, fmt.Errorf("%w: receiver needs the caller's call id", ErrInvalidConfig)
		}
		cfg.CallID = uuid.NewString()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.RestartTimeout <= 0 {
		cfg.RestartTimeout = DefaultRestartTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:           cfg,
		role:          role,
		deps:          deps,
		logger:        deps.Logger.With("component", "call", "call_id", cfg.CallID, "role", role.String()),
		scope:         deps.Signaling.Scope(cfg.CallID),
		mailbox:       newMailbox(),
		done:          make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		state:         StateIdle,
		audioOn:       true,
		videoOn:       cfg.Kind == media.KindVideo,
		remoteAudioOn: true,
		remoteVideoOn: cfg.Kind == media.KindVideo,
	}

	if err := s.registerHandlers(); err != nil {
		s.scope.Close()
		cancel()
		return nil, err
	}

	s.publish()
	deps.Metrics.SessionStarted(role.String(), cfg.Kind.String())
	go s.run()
	return s, nil
}

// CallID returns the immutable call id.
func (s *Session) CallID() string { return s.cfg.CallID }

// Role returns the local role.
func (s *Session) Role() Role { return s.role }

// Kind returns the media kind.
func (s *Session) Kind() media.Kind { return s.cfg.Kind }

// ConversationID returns the conversation the call belongs to.
func (s *Session) ConversationID() string { return s.cfg.ConversationID }

// Remote returns the remote participant.
func (s *Session) Remote() Participant { return s.cfg.Remote }

// Done is closed once the session has ended and released everything.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns the latest published view of the session.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// ============================================================================
// Intents
// ============================================================================

// Start places the call: acquire media, announce it, ring. ctx bounds media
// acquisition only.
func (s *Session) Start(ctx context.Context) error {
	if s.role != RoleInitiator {
		return ErrWrongRole
	}
	return s.intent(func() {
		if s.state != StateIdle {
			s.logger.Debug("start ignored", "state", s.state)
			return
		}
		s.startedAt = s.deps.Now()
		s.setState(StateInitiating)
		s.acquire(ctx)
	})
}

// Accept answers an incoming call: tell the caller, then acquire media.
func (s *Session) Accept(ctx context.Context) error {
	if s.role != RoleReceiver {
		return ErrWrongRole
	}
	return s.intent(func() {
		if s.state != StateIdle {
			s.logger.Debug("accept ignored", "state", s.state)
			return
		}
		s.startedAt = s.deps.Now()
		s.accepted = true
		s.setState(StateAcceptedAwaitingMedia)
		s.send(signaling.EventAnswerCall, signaling.CallActionPayload{
			ConversationID: s.cfg.ConversationID,
			FromUserID:     s.cfg.LocalUserID,
			CallID:         s.cfg.CallID,
		})
		s.acquire(ctx)
	})
}

// HangUp ends the call locally. An initiator that was never accepted cancels;
// everyone else ends with duration metadata. Both notify the peer.
func (s *Session) HangUp() error {
	return s.intent(s.hangUp)
}

// Terminate ends the session without notifying the peer. It is used when the
// peer already ended the call or the registry tears the session down. A
// rejection takes the same path as a call-rejected event.
func (s *Session) Terminate(reason EndReason) error {
	return s.intent(func() {
		if reason == ReasonRejected {
			s.remoteRejected()
			return
		}
		s.end(reason)
	})
}

// ToggleAudio mutes or unmutes the microphone and tells the peer.
func (s *Session) ToggleAudio() error {
	return s.intent(func() {
		if s.local == nil || s.local.Audio() == nil {
			return
		}
		s.audioOn = !s.audioOn
		s.local.Audio().SetEnabled(s.audioOn)
		s.send(signaling.EventToggleAudio, signaling.ToggleAudioPayload{
			ConversationID: s.cfg.ConversationID,
			ToUserID:       s.cfg.Remote.ID,
			CallID:         s.cfg.CallID,
			FromUserID:     s.cfg.LocalUserID,
			IsAudioOn:      s.audioOn,
		})
	})
}

// ToggleVideo turns the camera on or off and tells the peer. No-op on audio
// calls.
func (s *Session) ToggleVideo() error {
	return s.intent(func() {
		if s.local == nil || s.local.Video() == nil {
			return
		}
		s.videoOn = !s.videoOn
		s.local.Video().SetEnabled(s.videoOn)
		s.send(signaling.EventToggleVideo, signaling.ToggleVideoPayload{
			ConversationID: s.cfg.ConversationID,
			ToUserID:       s.cfg.Remote.ID,
			CallID:         s.cfg.CallID,
			FromUserID:     s.cfg.LocalUserID,
			IsVideoOn:      s.videoOn,
		})
	})
}

// StartScreenShare sends track in place of the camera. The session owns track
// from here on and stops it when sharing stops or the call ends.
func (s *Session) StartScreenShare(track *media.LocalTrack) error {
	return s.intent(func() {
		if s.pc == nil || s.screen != nil {
			track.Stop()
			return
		}
		if err := s.pc.ReplaceOutgoingVideoTrack(track); err != nil {
			s.logger.Warn("screen share", "error", err)
			track.Stop()
			return
		}
		s.screen = track
		s.send(signaling.EventStartScreenShare, s.screenPayload())
	})
}

// StopScreenShare restores the camera track.
func (s *Session) StopScreenShare() error {
	return s.intent(func() {
		if s.screen == nil {
			return
		}
		if s.pc != nil && s.local != nil && s.local.Video() != nil {
			if err := s.pc.ReplaceOutgoingVideoTrack(s.local.Video()); err != nil {
				s.logger.Warn("restore camera", "error", err)
			}
		}
		s.screen.Stop()
		s.screen = nil
		s.send(signaling.EventStopScreenShare, s.screenPayload())
	})
}

func (s *Session) screenPayload() signaling.ScreenSharePayload {
	return signaling.ScreenSharePayload{
		ConversationID: s.cfg.ConversationID,
		ToUserID:       s.cfg.Remote.ID,
		CallID:         s.cfg.CallID,
		FromUserID:     s.cfg.LocalUserID,
	}
}

func (s *Session) intent(fn func()) error {
	if !s.post(fn) {
		return ErrSessionEnded
	}
	return nil
}

// ============================================================================
// Loop
// ============================================================================

func (s *Session) post(fn func()) bool {
	return s.mailbox.post(fn)
}

func (s *Session) run() {
	defer close(s.done)

	for range s.mailbox.notify {
		for _, fn := range s.mailbox.drain() {
			fn()
			s.publish()
		}
		if s.state == StateEnded {
			break
		}
	}

	// Run whatever was queued before the mailbox closed. Handlers see Ended
	// and only release what they carry.
	for _, fn := range s.mailbox.close() {
		fn()
	}
}

func (s *Session) setState(to State) {
	from := s.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		s.logger.Warn("illegal transition", "from", from, "to", to)
		return
	}

	if from == StateConnected {
		s.stopTick()
	}
	s.state = to
	s.status = statusFor(to)
	s.deps.Metrics.Transition(from.String(), to.String())
	s.logger.Debug("state", "from", from, "to", to)
}

func (s *Session) live() bool {
	return s.state != StateEnded
}

func (s *Session) send(event string, payload any) {
	s.deps.Signaling.Send(s.ctx, event, payload)
}

// ============================================================================
// Media acquisition
// ============================================================================

func (s *Session) acquire(ctx context.Context) {
	actx, cancel := context.WithCancel(ctx)
	s.stopAcquire = cancel

	go func() {
		stream, err := s.deps.Devices.Acquire(actx, s.cfg.Kind)
		delivered := s.post(func() { s.onMediaAcquired(stream, err) })
		if !delivered && stream != nil {
			stream.Stop()
		}
	}()
}

func (s *Session) onMediaAcquired(stream *media.LocalStream, err error) {
	if s.stopAcquire != nil {
		s.stopAcquire()
		s.stopAcquire = nil
	}
	if !s.live() {
		if stream != nil {
			stream.Stop()
		}
		return
	}
	if err != nil {
		s.logger.Warn("media acquisition failed", "error", err)
		s.setState(StateFailed)
		s.fail(ReasonMediaFailed)
		return
	}

	s.local = stream
	if err := s.ensurePeer(); err != nil {
		s.logger.Error("create peer connection", "error", err)
		s.fail(ReasonConnectionFailed)
		return
	}
	if err := s.pc.AttachLocalTracks(stream); err != nil {
		s.logger.Error("attach local tracks", "error", err)
		s.fail(ReasonConnectionFailed)
		return
	}

	switch s.role {
	case RoleInitiator:
		s.send(signaling.EventInitiateCall, signaling.InitiateCallPayload{
			ConversationID: s.cfg.ConversationID,
			CallType:       s.cfg.Kind.String(),
			CallID:         s.cfg.CallID,
		})
		s.setState(StateRinging)
		s.armRingTimer()

	case RoleReceiver:
		s.setState(StateExchanging)
		s.send(signaling.EventCallReady, signaling.CallActionPayload{
			ConversationID: s.cfg.ConversationID,
			FromUserID:     s.cfg.LocalUserID,
			CallID:         s.cfg.CallID,
		})
		if offer := s.pendingOffer; offer != nil {
			s.pendingOffer = nil
			s.answerOffer(*offer)
		}
	}
}

// ensurePeer creates the media session once and wires its callbacks back into
// the mailbox.
func (s *Session) ensurePeer() error {
	if s.pc != nil {
		return nil
	}
	pc, err := s.deps.Media.NewSession(s.ctx)
	if err != nil {
		return err
	}

	pc.OnICECandidate(func(c *media.Candidate) {
		if c == nil {
			return
		}
		cand := *c
		s.post(func() { s.sendCandidate(cand) })
	})
	pc.OnConnectionStateChange(func(state media.ConnectionState) {
		s.post(func() { s.onConnectionState(state) })
	})
	pc.OnRemoteTrack(func(rs *media.RemoteStream) {
		s.post(func() { s.onRemoteTrack(rs) })
	})

	s.pc = pc
	return nil
}

// ============================================================================
// Timers
// ============================================================================

func (s *Session) armRingTimer() {
	s.ringTimer = time.AfterFunc(s.cfg.RingTimeout, func() {
		s.post(s.onRingTimeout)
	})
}

func (s *Session) stopRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *Session) onRingTimeout() {
	if s.state != StateRinging || s.accepted {
		return
	}
	s.logger.Info("no answer")
	s.send(signaling.EventCallMissed, s.missedPayload())
	s.send(signaling.EventHangUp, s.hangUpPayload())
	s.end(ReasonMissed)
}

func (s *Session) scheduleRetry() {
	if s.retryTimer != nil {
		return
	}
	s.retryTimer = time.AfterFunc(s.cfg.RetryDelay, func() {
		s.post(s.onRetry)
	})
}

func (s *Session) stopRetryTimer() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *Session) onRetry() {
	s.retryTimer = nil
	if s.state != StateFailed {
		return
	}
	s.restart()
	if s.role == RoleInitiator {
		s.sendOffer(true)
	}
}

// restart spends the single retry: back to Exchanging, with RestartTimeout
// to reach Connected again.
func (s *Session) restart() {
	s.stopRetryTimer()
	s.retried = true
	s.deps.Metrics.Retry()
	s.logger.Info("retrying negotiation")
	s.setState(StateExchanging)

	s.stopRestartTimer()
	s.restartTimer = time.AfterFunc(s.cfg.RestartTimeout, func() {
		s.post(s.onRestartTimeout)
	})
}

func (s *Session) stopRestartTimer() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
}

// onRestartTimeout gives up on a retry that never reconnected, typically
// because the peer is gone and the restart offer went unanswered.
func (s *Session) onRestartTimeout() {
	s.restartTimer = nil
	if s.state != StateExchanging || !s.retried {
		return
	}
	s.logger.Warn("connection not restored after retry", "timeout", s.cfg.RestartTimeout)
	s.setState(StateFailed)
	s.fail(ReasonConnectionFailed)
}

// startTick runs the duration tick unless it is already running.
func (s *Session) startTick() {
	if s.tickStop != nil {
		return
	}
	stop := make(chan struct{})
	s.tickStop = stop
	s.tickStarts++

	go func() {
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.post(s.onTick)
			}
		}
	}()
}

func (s *Session) stopTick() {
	if s.tickStop != nil {
		close(s.tickStop)
		s.tickStop = nil
	}
}

func (s *Session) onTick() {
	if s.state != StateConnected {
		return
	}
	s.elapsed = s.duration()
}

func (s *Session) duration() time.Duration {
	if s.connectedAt.IsZero() {
		return 0
	}
	d := s.deps.Now().Sub(s.connectedAt)
	if d < 0 {
		return 0
	}
	return d
}

// ============================================================================
// Termination
// ============================================================================

func (s *Session) hangUp() {
	if !s.live() {
		return
	}
	if s.state == StateIdle {
		s.end(ReasonHangUp)
		return
	}

	if s.role == RoleInitiator && !s.accepted {
		s.send(signaling.EventCancelCall, signaling.CancelCallPayload{
			ConversationID: s.cfg.ConversationID,
			ToUserID:       s.cfg.Remote.ID,
			CallID:         s.cfg.CallID,
			FromUserID:     s.cfg.LocalUserID,
		})
		s.send(signaling.EventHangUp, s.hangUpPayload())
		s.end(ReasonCancelled)
		return
	}

	s.send(signaling.EventHangUp, s.hangUpPayload())
	s.send(signaling.EventCallEnded, s.endedPayload())
	s.end(ReasonHangUp)
}

func (s *Session) hangUpPayload() signaling.HangUpPayload {
	return signaling.HangUpPayload{
		ConversationID: s.cfg.ConversationID,
		ToUserID:       s.cfg.Remote.ID,
		CallID:         s.cfg.CallID,
	}
}

func (s *Session) missedPayload() signaling.CallMissedPayload {
	return signaling.CallMissedPayload{
		ConversationID: s.cfg.ConversationID,
		CallID:         s.cfg.CallID,
		CallType:       s.cfg.Kind.String(),
	}
}

func (s *Session) endedPayload() signaling.CallEndedPayload {
	initiator := s.cfg.LocalUserID
	if s.role == RoleReceiver {
		initiator = s.cfg.Remote.ID
	}
	start := s.connectedAt
	if start.IsZero() {
		start = s.startedAt
	}
	return signaling.CallEndedPayload{
		ConversationID: s.cfg.ConversationID,
		CallID:         s.cfg.CallID,
		CallType:       s.cfg.Kind.String(),
		Duration:       int(s.duration() / time.Second),
		InitiatorID:    initiator,
		StartTime:      start,
	}
}

// fail ends the call after a local failure. Once the call was accepted the
// peer is waiting on this side, so it is told the call is over.
func (s *Session) fail(reason EndReason) {
	if !s.live() {
		return
	}
	if s.accepted {
		s.send(signaling.EventHangUp, s.hangUpPayload())
		s.send(signaling.EventCallEnded, s.endedPayload())
	}
	s.end(reason)
}

// end moves to Ended and releases everything the session holds. Every exit
// path goes through here.
func (s *Session) end(reason EndReason) {
	if !s.live() {
		return
	}

	s.stopRetryTimer()
	s.stopRestartTimer()
	s.stopRingTimer()
	s.stopTick()
	if s.stopAcquire != nil {
		s.stopAcquire()
		s.stopAcquire = nil
	}

	s.elapsed = s.duration()
	if s.pc != nil {
		s.pc.Release()
		s.pc = nil
	}
	if s.local != nil {
		s.local.Stop()
		s.local = nil
	}
	if s.screen != nil {
		s.screen.Stop()
		s.screen = nil
	}
	s.scope.Close()
	s.remote = nil
	s.pendingOffer = nil
	s.pendingICE = nil

	from := s.state
	s.state = StateEnded
	s.reason = reason
	s.status = endStatus(reason)
	s.deps.Metrics.Transition(from.String(), StateEnded.String())
	s.deps.Metrics.SessionEnded(string(reason), s.elapsed)
	s.logger.Info("call ended", "reason", reason, "from", from, "duration", s.elapsed.Round(time.Second))

	s.cancel()
}
