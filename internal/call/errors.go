package call

import "errors"

var (
	// ErrWrongRole is returned by Start on a receiver and Accept on an initiator.
	ErrWrongRole = errors.New("call: operation not valid for role")

	// ErrSessionEnded is returned for intents posted after the session ended.
	ErrSessionEnded = errors.New("call: session ended")

	// ErrStaleEvent marks inbound events dropped by the callId or self-echo
	// filters. It is logged at debug level and never surfaced.
	ErrStaleEvent = errors.New("call: stale event")

	// ErrInvalidConfig is returned by NewSession for missing identifiers.
	ErrInvalidConfig = errors.New("call: invalid config")
)
