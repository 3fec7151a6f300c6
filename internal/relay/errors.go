package relay

import "errors"

// Error is a socket-level failure reported back to the sender as an "error"
// event. It never reaches the peer.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Error codes.
const (
	CodeInvalidPayload   = "invalid_payload"
	CodeNotAuthenticated = "not_authenticated"
	CodeAuthFailed       = "auth_failed"
	CodeUnknownEvent     = "unknown_event"
	CodeUnknownCall      = "unknown_call"
	CodeNotMember        = "not_member"
	CodeNotParticipant   = "not_participant"
	CodeNoCallees        = "no_callees"
	CodeAlreadyAnswered  = "already_answered"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal"
)

var (
	ErrCallExists   = errors.New("relay: call already exists")
	ErrCallNotFound = errors.New("relay: call not found")
	ErrNotCallee    = errors.New("relay: user is not a callee")
	ErrAnswered     = errors.New("relay: call already answered")

	ErrUnknownConversation = errors.New("relay: unknown conversation")
)

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// code extracts the error code of err, CodeInternal for foreign errors.
func code(err error) string {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Code
	}
	return CodeInternal
}
