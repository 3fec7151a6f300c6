package media

import "errors"

var (
	// ErrMediaAcquisition is returned when local capture devices cannot be
	// opened (denied, missing, unreadable source).
	ErrMediaAcquisition = errors.New("media: acquisition failed")

	// ErrDeviceInUse is returned while another stream holds the device.
	ErrDeviceInUse = errors.New("media: device in use")

	// ErrNegotiation wraps offer/answer creation and remote description failures.
	ErrNegotiation = errors.New("media: negotiation failed")

	// ErrICEApply is returned when a remote candidate cannot be applied, including
	// before any remote description is set.
	ErrICEApply = errors.New("media: ice candidate rejected")

	// ErrNoVideoSender is returned by ReplaceOutgoingVideoTrack on a session
	// that never attached a video track.
	ErrNoVideoSender = errors.New("media: no outgoing video sender")

	// ErrReleased is returned by operations on a released session.
	ErrReleased = errors.New("media: session released")
)
