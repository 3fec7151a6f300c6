package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// PeerFactory builds pion peer connections sharing one API instance.
type PeerFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *slog.Logger
}

// NewPeerFactory registers the default codecs (Opus, VP8, ...) and pion's
// default interceptors (NACK, RTCP reports, TWCC).
func NewPeerFactory(cfg PeerConfig, logger *slog.Logger) (*PeerFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.DisconnectedTimeout > 0 || cfg.FailedTimeout > 0 || cfg.KeepAliveInterval > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	return &PeerFactory{
		api:    api,
		config: webrtc.Configuration{ICEServers: cfg.PionICEServers()},
		logger: logger.With("component", "peer"),
	}, nil
}

// NewSession opens a new peer connection.
func (f *PeerFactory) NewSession(ctx context.Context) (Session, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newPeerSession(pc, f.logger), nil
}

// PeerSession is a Session on a pion PeerConnection.
type PeerSession struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger
	remote *RemoteStream

	mu          sync.Mutex
	senders     map[string]*webrtc.RTPSender
	local       []*LocalTrack
	videoSender *webrtc.RTPSender
	onRemote    func(*RemoteStream)
	onState     func(ConnectionState)
	onCandidate func(*Candidate)
	released    bool
}

func newPeerSession(pc *webrtc.PeerConnection, logger *slog.Logger) *PeerSession {
	s := &PeerSession{
		pc:      pc,
		logger:  logger,
		remote:  NewRemoteStream(),
		senders: make(map[string]*webrtc.RTPSender),
	}

	pc.OnTrack(s.handleTrack)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		s.mu.Lock()
		cb := s.onCandidate
		s.mu.Unlock()
		if cb == nil {
			return
		}
		if c == nil {
			cb(nil)
			return
		}
		init := c.ToJSON()
		cb(&Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.logger.Debug("ice state", "state", state.String())
		s.mu.Lock()
		cb := s.onState
		s.mu.Unlock()
		if cb != nil {
			cb(mapICEState(state))
		}
	})

	return s
}

func mapICEState(state webrtc.ICEConnectionState) ConnectionState {
	switch state {
	case webrtc.ICEConnectionStateChecking:
		return StateChecking
	case webrtc.ICEConnectionStateConnected:
		return StateConnected
	case webrtc.ICEConnectionStateCompleted:
		return StateCompleted
	case webrtc.ICEConnectionStateFailed:
		return StateFailed
	case webrtc.ICEConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.ICEConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

func (s *PeerSession) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := KindAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = KindVideo
	}

	added := s.remote.Add(RemoteTrack{
		ID:       track.ID(),
		StreamID: track.StreamID(),
		Kind:     kind,
		remote:   track,
	})
	if !added {
		return
	}
	s.logger.Info("remote track", "track_id", track.ID(), "kind", kind, "codec", track.Codec().MimeType)

	if kind == KindVideo {
		s.RequestKeyframe(track)
	}

	s.mu.Lock()
	cb := s.onRemote
	s.mu.Unlock()
	if cb != nil {
		cb(s.remote)
	}
}

// RequestKeyframe sends a PLI for a remote video track.
func (s *PeerSession) RequestKeyframe(track *webrtc.TrackRemote) {
	_ = s.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	})
}

func (s *PeerSession) AttachLocalTracks(stream *LocalStream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return ErrReleased
	}

	for _, t := range stream.Tracks() {
		if _, ok := s.senders[t.ID()]; ok {
			continue
		}
		sender, err := s.pc.AddTrack(t.Track())
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		s.senders[t.ID()] = sender
		s.local = append(s.local, t)
		if t.Kind() == KindVideo && s.videoSender == nil {
			s.videoSender = sender
		}
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads incoming RTCP so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (s *PeerSession) OnRemoteTrack(cb func(*RemoteStream)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRemote = cb
}

func (s *PeerSession) OnICECandidate(cb func(*Candidate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCandidate = cb
}

func (s *PeerSession) OnConnectionStateChange(cb func(ConnectionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = cb
}

func (s *PeerSession) CreateOffer(ctx context.Context, opts OfferOptions) (Description, error) {
	if s.isReleased() {
		return Description{}, ErrReleased
	}
	offer, err := s.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: opts.ICERestart})
	if err != nil {
		return Description{}, fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return Description{}, fmt.Errorf("%w: set local offer: %v", ErrNegotiation, err)
	}
	return Description{Type: SDPOffer, SDP: offer.SDP}, nil
}

func (s *PeerSession) CreateAnswer(ctx context.Context) (Description, error) {
	if s.isReleased() {
		return Description{}, ErrReleased
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return Description{}, fmt.Errorf("%w: set local answer: %v", ErrNegotiation, err)
	}
	return Description{Type: SDPAnswer, SDP: answer.SDP}, nil
}

func (s *PeerSession) SetRemoteDescription(ctx context.Context, desc Description) error {
	if s.isReleased() {
		return ErrReleased
	}
	sdpType := webrtc.SDPTypeOffer
	if desc.Type == SDPAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", ErrNegotiation, desc.Type, err)
	}
	return nil
}

func (s *PeerSession) HasRemoteDescription() bool {
	return s.pc.RemoteDescription() != nil
}

func (s *PeerSession) AddRemoteICECandidate(c Candidate) error {
	if !s.HasRemoteDescription() {
		return fmt.Errorf("%w: no remote description", ErrICEApply)
	}
	err := s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrICEApply, err)
	}
	return nil
}

func (s *PeerSession) ReplaceOutgoingVideoTrack(track *LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return ErrReleased
	}
	if s.videoSender == nil {
		return ErrNoVideoSender
	}
	if err := s.videoSender.ReplaceTrack(track.Track()); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}
	return nil
}

// RemoteStream returns the accumulated remote stream.
func (s *PeerSession) RemoteStream() *RemoteStream { return s.remote }

func (s *PeerSession) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	local := s.local
	s.local = nil
	s.onRemote, s.onState, s.onCandidate = nil, nil, nil
	s.mu.Unlock()

	for _, t := range local {
		t.Stop()
	}
	if err := s.pc.Close(); err != nil {
		s.logger.Warn("close peer connection", "error", err)
	}
}

func (s *PeerSession) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

var _ Session = (*PeerSession)(nil)
var _ Factory = (*PeerFactory)(nil)
