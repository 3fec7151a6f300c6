package call

import "fmt"

// State is the lifecycle state of a call session.
type State int

const (
	StateIdle State = iota
	StateInitiating
	StateRinging
	StateAcceptedAwaitingMedia
	StateExchanging
	StateConnected
	StateEnded
	StateFailed
)

var stateNames = [...]string{
	"idle",
	"initiating",
	"ringing",
	"accepted-awaiting-media",
	"exchanging",
	"connected",
	"ended",
	"failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the allowed edges. Every live state may also end.
var transitions = map[State][]State{
	StateIdle:                  {StateInitiating, StateAcceptedAwaitingMedia},
	StateInitiating:            {StateRinging, StateFailed},
	StateRinging:               {StateExchanging},
	StateAcceptedAwaitingMedia: {StateExchanging, StateFailed},
	StateExchanging:            {StateConnected, StateFailed},
	StateConnected:             {StateFailed},
	StateFailed:                {StateExchanging},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	if from == StateEnded {
		return false
	}
	if to == StateEnded {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Role is fixed at session creation.
type Role int

const (
	RoleInitiator Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "initiator"
}

// EndReason records why a session ended.
type EndReason string

const (
	ReasonNone             EndReason = ""
	ReasonHangUp           EndReason = "hang-up"
	ReasonCancelled        EndReason = "cancelled"
	ReasonRejected         EndReason = "rejected"
	ReasonRemoteHangUp     EndReason = "remote-hang-up"
	ReasonRemoteCancelled  EndReason = "remote-cancelled"
	ReasonMissed           EndReason = "missed"
	ReasonMediaFailed      EndReason = "media-failed"
	ReasonConnectionFailed EndReason = "connection-failed"
	ReasonSuperseded       EndReason = "superseded"
	ReasonShutdown         EndReason = "shutdown"
)

// Status strings shown to the user.
const (
	StatusStarting     = "Starting call"
	StatusRinging      = "Ringing"
	StatusConnecting   = "Connecting"
	StatusConnected    = "Connected"
	StatusReconnecting = "Reconnecting"
	StatusEnded        = "Call ended"
	StatusCancelled    = "Call cancelled"
	StatusDeclined     = "Call declined"
	StatusNoAnswer     = "No answer"
	StatusMediaFailed  = "Camera or microphone unavailable"
)

func statusFor(s State) string {
	switch s {
	case StateInitiating:
		return StatusStarting
	case StateRinging:
		return StatusRinging
	case StateAcceptedAwaitingMedia, StateExchanging:
		return StatusConnecting
	case StateConnected:
		return StatusConnected
	case StateFailed:
		return StatusReconnecting
	case StateEnded:
		return StatusEnded
	}
	return ""
}

func endStatus(r EndReason) string {
	switch r {
	case ReasonCancelled, ReasonRemoteCancelled:
		return StatusCancelled
	case ReasonRejected:
		return StatusDeclined
	case ReasonMissed:
		return StatusNoAnswer
	case ReasonMediaFailed:
		return StatusMediaFailed
	default:
		return StatusEnded
	}
}
