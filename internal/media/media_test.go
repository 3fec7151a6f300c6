package media

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// =============================================================================
// Kinds and states
// =============================================================================

func TestParseKind(t *testing.T) {
	k, err := ParseKind("video")
	require.NoError(t, err)
	assert.Equal(t, KindVideo, k)
	assert.Equal(t, "video", k.String())

	k, err = ParseKind("audio")
	require.NoError(t, err)
	assert.Equal(t, KindAudio, k)

	_, err = ParseKind("hologram")
	assert.Error(t, err)
}

func TestMapICEState(t *testing.T) {
	tests := []struct {
		in   webrtc.ICEConnectionState
		want ConnectionState
	}{
		{webrtc.ICEConnectionStateNew, StateNew},
		{webrtc.ICEConnectionStateChecking, StateChecking},
		{webrtc.ICEConnectionStateConnected, StateConnected},
		{webrtc.ICEConnectionStateCompleted, StateCompleted},
		{webrtc.ICEConnectionStateFailed, StateFailed},
		{webrtc.ICEConnectionStateDisconnected, StateDisconnected},
		{webrtc.ICEConnectionStateClosed, StateClosed},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, mapICEState(tt.in))
		})
	}
}

// =============================================================================
// Tracks and devices
// =============================================================================

func TestLocalTrack_SetEnabledAndStop(t *testing.T) {
	track, err := NewLocalTrack(KindAudio, SourceMicrophone, "s1")
	require.NoError(t, err)

	assert.True(t, track.Enabled())
	track.SetEnabled(false)
	assert.False(t, track.Enabled())

	stops := 0
	track.onStop = func() { stops++ }
	track.Stop()
	track.Stop()
	assert.True(t, track.Stopped())
	assert.Equal(t, 1, stops)

	select {
	case <-track.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestSyntheticDevices_Exclusive(t *testing.T) {
	d := NewSyntheticDevices(testLogger())
	ctx := context.Background()

	stream, err := d.Acquire(ctx, KindVideo)
	require.NoError(t, err)
	require.NotNil(t, stream.Audio())
	require.NotNil(t, stream.Video())
	assert.True(t, d.InUse(SourceMicrophone))
	assert.True(t, d.InUse(SourceCamera))

	_, err = d.Acquire(ctx, KindAudio)
	assert.True(t, errors.Is(err, ErrMediaAcquisition))

	stream.Stop()
	stream.Stop()
	assert.False(t, d.InUse(SourceMicrophone))
	assert.True(t, stream.Audio().Stopped())
	assert.True(t, stream.Video().Stopped())

	again, err := d.Acquire(ctx, KindAudio)
	require.NoError(t, err)
	assert.Nil(t, again.Video())
	again.Stop()
}

func TestSyntheticDevices_Failure(t *testing.T) {
	d := NewSyntheticDevices(testLogger())
	d.SetFailure(errors.New("permission denied"))

	_, err := d.Acquire(context.Background(), KindAudio)
	assert.ErrorIs(t, err, ErrMediaAcquisition)
	assert.False(t, d.InUse(SourceMicrophone))

	d.SetFailure(nil)
	stream, err := d.Acquire(context.Background(), KindAudio)
	require.NoError(t, err)
	stream.Stop()
}

func TestFileDevices(t *testing.T) {
	dir := t.TempDir()
	audioPath := filepath.Join(dir, "mic.ogg")
	w, err := oggwriter.New(audioPath, opusClockRate, 2)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	d := NewFileDevices(audioPath, filepath.Join(dir, "missing.ivf"), testLogger())

	stream, err := d.Acquire(context.Background(), KindAudio)
	require.NoError(t, err)
	assert.True(t, d.InUse(SourceMicrophone))
	stream.Stop()
	assert.False(t, d.InUse(SourceMicrophone))

	_, err = d.Acquire(context.Background(), KindVideo)
	assert.ErrorIs(t, err, ErrMediaAcquisition)
	assert.False(t, d.InUse(SourceMicrophone))
}

func TestRemoteStream_Accumulates(t *testing.T) {
	rs := NewRemoteStream()
	assert.True(t, rs.Add(RemoteTrack{ID: "a", Kind: KindAudio}))
	assert.False(t, rs.Add(RemoteTrack{ID: "a", Kind: KindAudio}))
	assert.True(t, rs.Add(RemoteTrack{ID: "v", Kind: KindVideo}))

	assert.Equal(t, 2, rs.Len())
	assert.True(t, rs.HasKind(KindVideo))
}

func TestRecorder_RejectsTrackWithoutRemote(t *testing.T) {
	r := NewRecorder(t.TempDir(), testLogger())
	err := r.Record(context.Background(), "call", RemoteTrack{ID: "a"})
	assert.ErrorIs(t, err, ErrNotRecordable)
	assert.Equal(t, ".ivf", filepath.Ext(r.Path("call", RemoteTrack{ID: "v", Kind: KindVideo})))
}

// =============================================================================
// Peer sessions
// =============================================================================

func newPeers(t *testing.T) (Session, Session) {
	t.Helper()
	f, err := NewPeerFactory(PeerConfig{}, testLogger())
	require.NoError(t, err)

	a, err := f.NewSession(context.Background())
	require.NoError(t, err)
	b, err := f.NewSession(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Release()
		b.Release()
	})
	return a, b
}

func TestPeerSession_OfferAnswer(t *testing.T) {
	a, b := newPeers(t)
	ctx := context.Background()
	devices := NewSyntheticDevices(testLogger())

	stream, err := devices.Acquire(ctx, KindVideo)
	require.NoError(t, err)
	defer stream.Stop()

	require.NoError(t, a.AttachLocalTracks(stream))
	require.NoError(t, a.AttachLocalTracks(stream))

	offer, err := a.CreateOffer(ctx, OfferOptions{})
	require.NoError(t, err)
	assert.Equal(t, SDPOffer, offer.Type)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, offer.SDP, "m=video")

	assert.False(t, b.HasRemoteDescription())
	require.NoError(t, b.SetRemoteDescription(ctx, offer))
	assert.True(t, b.HasRemoteDescription())

	answer, err := b.CreateAnswer(ctx)
	require.NoError(t, err)
	assert.Equal(t, SDPAnswer, answer.Type)
	require.NoError(t, a.SetRemoteDescription(ctx, answer))

	restart, err := a.CreateOffer(ctx, OfferOptions{ICERestart: true})
	require.NoError(t, err)
	assert.NotEqual(t, offer.SDP, restart.SDP)
}

func TestPeerSession_CandidateBeforeRemoteDescription(t *testing.T) {
	a, _ := newPeers(t)
	err := a.AddRemoteICECandidate(Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"})
	assert.ErrorIs(t, err, ErrICEApply)
}

func TestPeerSession_BadRemoteDescription(t *testing.T) {
	a, _ := newPeers(t)
	err := a.SetRemoteDescription(context.Background(), Description{Type: SDPOffer, SDP: "garbage"})
	assert.ErrorIs(t, err, ErrNegotiation)
}

func TestPeerSession_ReplaceVideo(t *testing.T) {
	a, _ := newPeers(t)
	ctx := context.Background()

	screen, err := NewScreenTrack("screen")
	require.NoError(t, err)
	assert.ErrorIs(t, a.ReplaceOutgoingVideoTrack(screen), ErrNoVideoSender)

	stream, err := NewSyntheticDevices(testLogger()).Acquire(ctx, KindVideo)
	require.NoError(t, err)
	require.NoError(t, a.AttachLocalTracks(stream))
	require.NoError(t, a.ReplaceOutgoingVideoTrack(screen))
	require.NoError(t, a.ReplaceOutgoingVideoTrack(stream.Video()))
}

func TestPeerSession_ReleaseIdempotent(t *testing.T) {
	a, _ := newPeers(t)
	ctx := context.Background()
	stream, err := NewSyntheticDevices(testLogger()).Acquire(ctx, KindAudio)
	require.NoError(t, err)
	require.NoError(t, a.AttachLocalTracks(stream))

	a.Release()
	a.Release()

	assert.True(t, stream.Audio().Stopped())
	assert.ErrorIs(t, a.AttachLocalTracks(stream), ErrReleased)
	_, err = a.CreateOffer(ctx, OfferOptions{})
	assert.ErrorIs(t, err, ErrReleased)
}
