package media

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

// Track sources.
const (
	SourceMicrophone = "microphone"
	SourceCamera     = "camera"
	SourceScreen     = "screen"
)

// LocalTrack is an outgoing track fed by a capture source. Disabling it mutes
// the source without touching negotiation.
type LocalTrack struct {
	kind   Kind
	source string
	track  *webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	stopped atomic.Bool
	done    chan struct{}

	stopOnce sync.Once
	onStop   func()
}

// NewLocalTrack creates an enabled Opus (audio) or VP8 (video) track.
func NewLocalTrack(kind Kind, source, streamID string) (*LocalTrack, error) {
	mime := webrtc.MimeTypeOpus
	if kind == KindVideo {
		mime = webrtc.MimeTypeVP8
	}
	id := fmt.Sprintf("%s-%s", source, uuid.NewString()[:8])
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, streamID)
	if err != nil {
		return nil, err
	}

	t := &LocalTrack{
		kind:   kind,
		source: source,
		track:  track,
		done:   make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) ID() string     { return t.track.ID() }
func (t *LocalTrack) Kind() Kind     { return t.kind }
func (t *LocalTrack) Source() string { return t.source }

// Track returns the pion track for attaching to a peer connection.
func (t *LocalTrack) Track() webrtc.TrackLocal { return t.track }

func (t *LocalTrack) Enabled() bool         { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(on bool)    { t.enabled.Store(on) }
func (t *LocalTrack) Stopped() bool         { return t.stopped.Load() }
func (t *LocalTrack) Done() <-chan struct{} { return t.done }

// WriteSample forwards a sample from the source. Samples are discarded while
// the track is disabled or stopped.
func (t *LocalTrack) WriteSample(s pionmedia.Sample) error {
	if t.stopped.Load() || !t.enabled.Load() {
		return nil
	}
	return t.track.WriteSample(s)
}

// Stop ends the source. Idempotent.
func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		close(t.done)
		if t.onStop != nil {
			t.onStop()
		}
	})
}

// LocalStream groups the tracks acquired for one call.
type LocalStream struct {
	id     string
	kind   Kind
	tracks []*LocalTrack

	stopOnce sync.Once
	release  func()
}

func newLocalStream(kind Kind, release func()) *LocalStream {
	return &LocalStream{id: uuid.NewString(), kind: kind, release: release}
}

func (s *LocalStream) ID() string { return s.id }
func (s *LocalStream) Kind() Kind { return s.kind }
func (s *LocalStream) Tracks() []*LocalTrack {
	out := make([]*LocalTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Audio returns the first audio track or nil.
func (s *LocalStream) Audio() *LocalTrack { return s.first(KindAudio) }

// Video returns the first video track or nil.
func (s *LocalStream) Video() *LocalTrack { return s.first(KindVideo) }

func (s *LocalStream) first(kind Kind) *LocalTrack {
	for _, t := range s.tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

// Stop stops every track and releases the devices. Idempotent.
func (s *LocalStream) Stop() {
	s.stopOnce.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
		if s.release != nil {
			s.release()
		}
	})
}

// RemoteTrack describes one track received from the peer.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     Kind

	remote *webrtc.TrackRemote
}

// Remote returns the pion track, nil for tracks not backed by a connection.
func (t RemoteTrack) Remote() *webrtc.TrackRemote { return t.remote }

// RemoteStream accumulates remote tracks for the lifetime of one session.
type RemoteStream struct {
	mu     sync.RWMutex
	tracks []RemoteTrack
}

// NewRemoteStream returns an empty stream.
func NewRemoteStream() *RemoteStream { return &RemoteStream{} }

// Add appends t unless a track with the same id is already present.
func (r *RemoteStream) Add(t RemoteTrack) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tracks {
		if existing.ID == t.ID {
			return false
		}
	}
	r.tracks = append(r.tracks, t)
	return true
}

func (r *RemoteStream) Tracks() []RemoteTrack {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RemoteTrack, len(r.tracks))
	copy(out, r.tracks)
	return out
}

func (r *RemoteStream) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracks)
}

func (r *RemoteStream) HasKind(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tracks {
		if t.Kind == kind {
			return true
		}
	}
	return false
}
