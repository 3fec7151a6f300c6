package call

import (
	"time"

	"github.com/observer/owlycall/internal/media"
)

// Snapshot is an immutable view of a session, published after every change.
type Snapshot struct {
	CallID         string
	ConversationID string
	Role           Role
	Kind           media.Kind
	Remote         Participant

	State    State
	Accepted bool
	Status   string
	Reason   EndReason

	ConnectedAt time.Time
	Duration    time.Duration

	// Local and RemoteStream are nil once the session ended.
	Local        *media.LocalStream
	RemoteStream *media.RemoteStream
	RemoteTracks int

	AudioOn       bool
	VideoOn       bool
	ScreenSharing bool
	RemoteAudioOn bool
	RemoteVideoOn bool
	RemoteSharing bool
}

// Ended reports whether the session reached its terminal state.
func (s Snapshot) Ended() bool { return s.State == StateEnded }

func (s *Session) buildSnapshot() Snapshot {
	snap := Snapshot{
		CallID:         s.cfg.CallID,
		ConversationID: s.cfg.ConversationID,
		Role:           s.role,
		Kind:           s.cfg.Kind,
		Remote:         s.cfg.Remote,
		State:          s.state,
		Accepted:       s.accepted,
		Status:         s.status,
		Reason:         s.reason,
		ConnectedAt:    s.connectedAt,
		Duration:       s.elapsed,
		Local:          s.local,
		RemoteStream:   s.remote,
		AudioOn:        s.audioOn,
		VideoOn:        s.videoOn,
		ScreenSharing:  s.screen != nil,
		RemoteAudioOn:  s.remoteAudioOn,
		RemoteVideoOn:  s.remoteVideoOn,
		RemoteSharing:  s.remoteSharing,
	}
	if s.remote != nil {
		snap.RemoteTracks = s.remote.Len()
	}
	return snap
}

// publish stores the current snapshot and notifies the observer if it changed.
func (s *Session) publish() {
	snap := s.buildSnapshot()

	s.snapMu.Lock()
	changed := snap != s.snap
	s.snap = snap
	s.snapMu.Unlock()

	if changed && s.cfg.Observer != nil {
		s.cfg.Observer(snap)
	}
}
