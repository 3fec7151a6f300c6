package call

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/observer/owlycall/internal/media"
	"github.com/observer/owlycall/internal/signaling"
)

// registerHandlers binds one handler per inbound event to the session scope.
// Payloads are decoded on the delivering goroutine and handled in the loop.
func (s *Session) registerHandlers() error {
	handlers := map[string]signaling.Handler{
		signaling.EventCallAnswered:     decodeInto(s, s.onCallAnswered),
		signaling.EventCallReady:        decodeInto(s, s.onCallReady),
		signaling.EventCallRejected:     decodeInto(s, s.onCallRejected),
		signaling.EventCallCancelled:    decodeInto(s, s.onCallCancelled),
		signaling.EventHangUp:           decodeInto(s, s.onHangUp),
		signaling.EventOffer:            decodeInto(s, s.onOffer),
		signaling.EventAnswer:           decodeInto(s, s.onAnswer),
		signaling.EventICECandidate:     decodeInto(s, s.onICECandidate),
		signaling.EventToggleAudio:      decodeInto(s, s.onRemoteToggleAudio),
		signaling.EventToggleVideo:      decodeInto(s, s.onRemoteToggleVideo),
		signaling.EventStartScreenShare: decodeInto(s, s.onRemoteScreenShare(true)),
		signaling.EventStopScreenShare:  decodeInto(s, s.onRemoteScreenShare(false)),
	}
	for event, h := range handlers {
		if err := s.scope.On(event, h); err != nil {
			return fmt.Errorf("register %s: %w", event, err)
		}
	}
	return nil
}

func decodeInto[T any](s *Session, handle func(T)) signaling.Handler {
	return func(ctx context.Context, raw json.RawMessage) {
		p, err := signaling.Decode[T](raw)
		if err != nil {
			s.logger.Warn("undecodable signaling payload", "error", err)
			return
		}
		s.post(func() { handle(p) })
	}
}

// admit applies the self-echo and staleness filters. Dropped events are
// expected traffic on a shared channel.
func (s *Session) admit(event, callID, fromUserID string) bool {
	if !s.live() {
		return false
	}
	if fromUserID != "" && fromUserID == s.cfg.LocalUserID {
		s.dropped(event, "self-echo")
		return false
	}
	if callID != s.cfg.CallID {
		s.dropped(event, "stale")
		return false
	}
	return true
}

func (s *Session) dropped(event, reason string) {
	s.deps.Metrics.EventDropped(event, reason)
	s.logger.Debug("signaling event dropped", "event", event, "reason", reason, "error", ErrStaleEvent)
}

// ============================================================================
// Call control
// ============================================================================

func (s *Session) onCallAnswered(p signaling.CallAnsweredPayload) {
	if !s.admit(signaling.EventCallAnswered, p.CallID, p.FromUserID) || s.role != RoleInitiator {
		return
	}
	s.markAccepted()
}

func (s *Session) onCallReady(p signaling.CallActionPayload) {
	if !s.admit(signaling.EventCallReady, p.CallID, p.FromUserID) || s.role != RoleInitiator {
		return
	}
	s.markAccepted()
	if s.state == StateExchanging && !s.offerSent {
		s.sendOffer(false)
	}
}

func (s *Session) markAccepted() {
	s.accepted = true
	s.stopRingTimer()
	if s.state == StateRinging {
		s.setState(StateExchanging)
	}
}

func (s *Session) onCallRejected(p signaling.CallActionPayload) {
	if !s.admit(signaling.EventCallRejected, p.CallID, p.FromUserID) {
		return
	}
	s.remoteRejected()
}

// remoteRejected records a declined call as missed on the caller's side when
// it was never accepted.
func (s *Session) remoteRejected() {
	if !s.live() {
		return
	}
	if s.role == RoleInitiator && !s.accepted {
		s.send(signaling.EventCallMissed, s.missedPayload())
	}
	s.end(ReasonRejected)
}

func (s *Session) onCallCancelled(p signaling.CancelCallPayload) {
	if !s.admit(signaling.EventCallCancelled, p.CallID, p.FromUserID) {
		return
	}
	s.end(ReasonRemoteCancelled)
}

func (s *Session) onHangUp(p signaling.HangUpPayload) {
	if !s.admit(signaling.EventHangUp, p.CallID, p.FromUserID) {
		return
	}
	s.end(ReasonRemoteHangUp)
}

// ============================================================================
// Offer / answer
// ============================================================================

func (s *Session) sendOffer(restart bool) {
	if s.pc == nil {
		return
	}
	offer, err := s.pc.CreateOffer(s.ctx, media.OfferOptions{ICERestart: restart})
	if err != nil {
		s.logger.Error("create offer", "error", err, "ice_restart", restart)
		return
	}
	s.offerSent = true
	s.send(signaling.EventOffer, signaling.DescriptionPayload{
		ConversationID: s.cfg.ConversationID,
		SDP:            offer.SDP,
		ToUserID:       s.cfg.Remote.ID,
		CallID:         s.cfg.CallID,
		FromUserID:     s.cfg.LocalUserID,
	})
}

func (s *Session) onOffer(p signaling.DescriptionPayload) {
	if !s.admit(signaling.EventOffer, p.CallID, p.FromUserID) || s.role != RoleReceiver {
		return
	}
	if err := s.ensurePeer(); err != nil {
		s.logger.Error("create peer connection", "error", err)
		return
	}

	offer := media.Description{Type: media.SDPOffer, SDP: p.SDP}
	if s.local == nil {
		// Media still being acquired; answer once tracks are attached.
		s.pendingOffer = &offer
		return
	}
	s.answerOffer(offer)
}

func (s *Session) answerOffer(offer media.Description) {
	if s.state == StateFailed {
		// The caller's restart offer beat our own retry timer.
		s.restart()
	}

	if err := s.pc.SetRemoteDescription(s.ctx, offer); err != nil {
		s.logger.Error("apply offer", "error", err)
		return
	}
	s.drainICE()

	answer, err := s.pc.CreateAnswer(s.ctx)
	if err != nil {
		s.logger.Error("create answer", "error", err)
		return
	}
	s.send(signaling.EventAnswer, signaling.DescriptionPayload{
		ConversationID: s.cfg.ConversationID,
		SDP:            answer.SDP,
		ToUserID:       s.cfg.Remote.ID,
		CallID:         s.cfg.CallID,
		FromUserID:     s.cfg.LocalUserID,
	})
}

func (s *Session) onAnswer(p signaling.DescriptionPayload) {
	if !s.admit(signaling.EventAnswer, p.CallID, p.FromUserID) || s.role != RoleInitiator {
		return
	}
	if s.pc == nil || !s.offerSent {
		s.logger.Debug("answer without offer")
		return
	}
	if err := s.pc.SetRemoteDescription(s.ctx, media.Description{Type: media.SDPAnswer, SDP: p.SDP}); err != nil {
		s.logger.Error("apply answer", "error", err)
		return
	}
	s.drainICE()
}

// ============================================================================
// ICE
// ============================================================================

func (s *Session) sendCandidate(c media.Candidate) {
	if !s.live() {
		return
	}
	s.send(signaling.EventICECandidate, signaling.ICECandidatePayload{
		ConversationID: s.cfg.ConversationID,
		Candidate: signaling.Candidate{
			Candidate:        c.Candidate,
			SDPMid:           c.SDPMid,
			SDPMLineIndex:    c.SDPMLineIndex,
			UsernameFragment: c.UsernameFragment,
		},
		ToUserID:   s.cfg.Remote.ID,
		CallID:     s.cfg.CallID,
		FromUserID: s.cfg.LocalUserID,
	})
}

func (s *Session) onICECandidate(p signaling.ICECandidatePayload) {
	if !s.admit(signaling.EventICECandidate, p.CallID, p.FromUserID) {
		return
	}
	c := media.Candidate{
		Candidate:        p.Candidate.Candidate,
		SDPMid:           p.Candidate.SDPMid,
		SDPMLineIndex:    p.Candidate.SDPMLineIndex,
		UsernameFragment: p.Candidate.UsernameFragment,
	}

	if !s.iceDrained {
		s.pendingICE = append(s.pendingICE, c)
		return
	}
	s.applyCandidate(c)
}

// drainICE replays buffered candidates once, in arrival order, after the first
// remote description. Later candidates bypass the buffer.
func (s *Session) drainICE() {
	if s.iceDrained {
		return
	}
	s.iceDrained = true
	pending := s.pendingICE
	s.pendingICE = nil
	for _, c := range pending {
		s.applyCandidate(c)
	}
}

func (s *Session) applyCandidate(c media.Candidate) {
	if s.pc == nil {
		return
	}
	if err := s.pc.AddRemoteICECandidate(c); err != nil {
		s.logger.Debug("ice candidate not applied", "error", err)
	}
}

// ============================================================================
// Media callbacks
// ============================================================================

func (s *Session) onConnectionState(state media.ConnectionState) {
	if !s.live() {
		return
	}
	s.logger.Debug("connection state", "state", state)

	switch state {
	case media.StateConnected, media.StateCompleted:
		if s.state == StateFailed {
			s.stopRetryTimer()
			s.setState(StateExchanging)
		}
		if s.state == StateExchanging {
			s.markConnected()
		}

	case media.StateFailed:
		if s.state != StateExchanging && s.state != StateConnected {
			return
		}
		if s.retried {
			s.logger.Warn("connection failed after retry")
			s.setState(StateFailed)
			s.fail(ReasonConnectionFailed)
			return
		}
		s.setState(StateFailed)
		s.scheduleRetry()
	}
}

func (s *Session) onRemoteTrack(rs *media.RemoteStream) {
	if !s.live() {
		return
	}
	s.remote = rs
	if s.state == StateExchanging {
		s.markConnected()
	}
}

// markConnected is reached from both the remote track and ICE paths; whichever
// comes first wins and the tick is started once.
func (s *Session) markConnected() {
	if s.state == StateConnected {
		return
	}
	s.stopRestartTimer()
	s.setState(StateConnected)
	if s.connectedAt.IsZero() {
		s.connectedAt = s.deps.Now()
	}
	s.startTick()
}

// ============================================================================
// Remote media state
// ============================================================================

func (s *Session) onRemoteToggleAudio(p signaling.ToggleAudioPayload) {
	if !s.admit(signaling.EventToggleAudio, p.CallID, p.FromUserID) {
		return
	}
	s.remoteAudioOn = p.IsAudioOn
}

func (s *Session) onRemoteToggleVideo(p signaling.ToggleVideoPayload) {
	if !s.admit(signaling.EventToggleVideo, p.CallID, p.FromUserID) {
		return
	}
	s.remoteVideoOn = p.IsVideoOn
}

func (s *Session) onRemoteScreenShare(on bool) func(signaling.ScreenSharePayload) {
	return func(p signaling.ScreenSharePayload) {
		event := signaling.EventStopScreenShare
		if on {
			event = signaling.EventStartScreenShare
		}
		if !s.admit(event, p.CallID, p.FromUserID) {
			return
		}
		s.remoteSharing = on
	}
}
