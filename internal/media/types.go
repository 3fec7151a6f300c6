// Package media is the peer-to-peer media capability used by call sessions:
// local capture, offer/answer negotiation, trickled ICE and remote track
// collection on top of pion/webrtc.
package media

import (
	"context"
	"fmt"
)

// Kind is the media kind of a call.
type Kind int

const (
	KindAudio Kind = iota
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps the wire callType onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "audio":
		return KindAudio, nil
	case "video":
		return KindVideo, nil
	}
	return 0, fmt.Errorf("unknown media kind %q", s)
}

// ConnectionState is the ICE connectivity state of a session.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateChecking
	StateConnected
	StateCompleted
	StateFailed
	StateDisconnected
	StateClosed
)

var connectionStateNames = [...]string{"new", "checking", "connected", "completed", "failed", "disconnected", "closed"}

func (s ConnectionState) String() string {
	if int(s) < len(connectionStateNames) {
		return connectionStateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// SDPType distinguishes offers from answers.
type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// Description is a session description exchanged through signaling.
type Description struct {
	Type SDPType
	SDP  string
}

// Candidate is a trickled ICE candidate in RTCIceCandidateInit shape.
type Candidate struct {
	Candidate        string
	SDPMid           *string
	SDPMLineIndex    *uint16
	UsernameFragment *string
}

// OfferOptions tunes CreateOffer.
type OfferOptions struct {
	ICERestart bool
}

// Session is one peer connection. Callbacks are invoked on pion goroutines and
// must not block.
type Session interface {
	// AttachLocalTracks adds the stream's tracks as outgoing. Tracks already
	// attached are skipped.
	AttachLocalTracks(stream *LocalStream) error

	// OnRemoteTrack is called with the accumulated remote stream every time a
	// new remote track arrives.
	OnRemoteTrack(func(*RemoteStream))

	CreateOffer(ctx context.Context, opts OfferOptions) (Description, error)
	CreateAnswer(ctx context.Context) (Description, error)
	SetRemoteDescription(ctx context.Context, desc Description) error
	HasRemoteDescription() bool

	// AddRemoteICECandidate fails with ErrICEApply before a remote description.
	AddRemoteICECandidate(c Candidate) error

	// OnICECandidate delivers local candidates. A nil candidate marks the end
	// of gathering.
	OnICECandidate(func(*Candidate))

	OnConnectionStateChange(func(ConnectionState))

	// ReplaceOutgoingVideoTrack swaps the video sender's track without
	// renegotiation.
	ReplaceOutgoingVideoTrack(track *LocalTrack) error

	// Release stops attached tracks and closes the connection. Idempotent.
	Release()
}

// Factory creates sessions.
type Factory interface {
	NewSession(ctx context.Context) (Session, error)
}

// Devices acquires exclusive local capture streams.
type Devices interface {
	Acquire(ctx context.Context, kind Kind) (*LocalStream, error)
}
