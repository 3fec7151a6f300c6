package signaling

import (
	"encoding/json"
	"time"
)

// Call signaling events. "out" events are emitted by a client, "in" events are
// delivered to a client by the relay; several names travel in both directions.
const (
	EventInitiateCall     = "initiate-call"
	EventIncomingCall     = "incoming-call"
	EventAnswerCall       = "answer-call"
	EventCallReady        = "call-ready"
	EventCallAnswered     = "call-answered"
	EventOffer            = "offer"
	EventAnswer           = "answer"
	EventICECandidate     = "ice-candidate"
	EventRejectCall       = "reject-call"
	EventCallRejected     = "call-rejected"
	EventCancelCall       = "cancel-call"
	EventCallCancelled    = "call-cancelled"
	EventHangUp           = "hang-up"
	EventCallEnded        = "call-ended"
	EventCallMissed       = "call-missed"
	EventToggleAudio      = "toggle-audio"
	EventToggleVideo      = "toggle-video"
	EventStartScreenShare = "start-screen-share"
	EventStopScreenShare  = "stop-screen-share"
)

// Connection control events shared with the relay socket protocol.
const (
	EventAuth        = "auth"
	EventAuthSuccess = "auth.success"
	EventError       = "error"
)

// Envelope is the socket message wrapper
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// NewEnvelope creates an envelope with the current timestamp
func NewEnvelope(eventType string, payload any) (*Envelope, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      eventType,
		Payload:   payloadBytes,
		Timestamp: time.Now(),
	}, nil
}

// Decode unmarshals a raw payload into T.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

// ============================================================================
// Call setup
// ============================================================================

// InitiateCallPayload announces a new call attempt to the relay.
type InitiateCallPayload struct {
	ConversationID string `json:"conversationId"`
	CallType       string `json:"callType"`
	CallID         string `json:"callId"`
}

// IncomingCallPayload is delivered to every callee of a new call attempt.
type IncomingCallPayload struct {
	CallID         string `json:"callId"`
	FromUserID     string `json:"fromUserId"`
	FromUsername   string `json:"fromUsername"`
	FromAvatar     string `json:"fromAvatar,omitempty"`
	ConversationID string `json:"conversationId"`
	CallType       string `json:"callType"`
}

// CallActionPayload is shared by answer-call, call-ready, reject-call and
// call-rejected. FromUserID names the callee acting on the call.
type CallActionPayload struct {
	ConversationID string `json:"conversationId"`
	FromUserID     string `json:"fromUserId"`
	CallID         string `json:"callId"`
}

// CallAnsweredPayload tells the caller's UI that the callee accepted.
type CallAnsweredPayload struct {
	CallID     string `json:"callId"`
	FromUserID string `json:"fromUserId,omitempty"`
}

// ============================================================================
// Negotiation
// ============================================================================

// DescriptionPayload carries an offer or an answer.
type DescriptionPayload struct {
	ConversationID string `json:"conversationId"`
	SDP            string `json:"sdp"`
	ToUserID       string `json:"toUserId"`
	CallID         string `json:"callId"`
	FromUserID     string `json:"fromUserId"`
}

// Candidate mirrors RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ICECandidatePayload carries one trickled candidate.
type ICECandidatePayload struct {
	ConversationID string    `json:"conversationId"`
	Candidate      Candidate `json:"candidate"`
	ToUserID       string    `json:"toUserId"`
	CallID         string    `json:"callId"`
	FromUserID     string    `json:"fromUserId"`
}

// ============================================================================
// Termination
// ============================================================================

// CancelCallPayload is sent by a caller hanging up before the callee accepted.
type CancelCallPayload struct {
	ConversationID string `json:"conversationId"`
	ToUserID       string `json:"toUserId"`
	CallID         string `json:"callId"`
	FromUserID     string `json:"fromUserId"`
}

// HangUpPayload is the generic peer-termination signal. The relay stamps
// FromUserID with the authenticated sender.
type HangUpPayload struct {
	ConversationID string `json:"conversationId"`
	ToUserID       string `json:"toUserId"`
	CallID         string `json:"callId"`
	FromUserID     string `json:"fromUserId,omitempty"`
}

// CallEndedPayload is a history record; it plays no part in teardown.
type CallEndedPayload struct {
	ConversationID string    `json:"conversationId"`
	CallID         string    `json:"callId,omitempty"`
	CallType       string    `json:"callType"`
	Duration       int       `json:"duration"`
	InitiatorID    string    `json:"initiatorId"`
	StartTime      time.Time `json:"startTime"`
}

// CallMissedPayload records a call that was never accepted.
type CallMissedPayload struct {
	ConversationID string `json:"conversationId"`
	CallID         string `json:"callId,omitempty"`
	CallType       string `json:"callType"`
}

// ============================================================================
// In-call controls
// ============================================================================

// ToggleAudioPayload reports the local microphone state to the peer.
type ToggleAudioPayload struct {
	ConversationID string `json:"conversationId"`
	ToUserID       string `json:"toUserId"`
	CallID         string `json:"callId,omitempty"`
	FromUserID     string `json:"fromUserId,omitempty"`
	IsAudioOn      bool   `json:"isAudioOn"`
}

// ToggleVideoPayload reports the local camera state to the peer.
type ToggleVideoPayload struct {
	ConversationID string `json:"conversationId"`
	ToUserID       string `json:"toUserId"`
	CallID         string `json:"callId,omitempty"`
	FromUserID     string `json:"fromUserId,omitempty"`
	IsVideoOn      bool   `json:"isVideoOn"`
}

// ScreenSharePayload is used by start-screen-share and stop-screen-share.
type ScreenSharePayload struct {
	ConversationID string `json:"conversationId"`
	ToUserID       string `json:"toUserId"`
	CallID         string `json:"callId,omitempty"`
	FromUserID     string `json:"fromUserId,omitempty"`
}

// ============================================================================
// Connection control
// ============================================================================

// AuthPayload authenticates a socket with a JWT access token.
type AuthPayload struct {
	Token string `json:"token"`
}

// AuthSuccessPayload confirms authentication.
type AuthSuccessPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// ErrorPayload reports a socket-level failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
