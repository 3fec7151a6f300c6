package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
)

const (
	opusFrameDuration = 20 * time.Millisecond
	opusClockRate     = 48000
)

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// deviceLock makes capture sources exclusive within the process.
type deviceLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *deviceLock) take(sources ...string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held == nil {
		l.held = make(map[string]bool)
	}
	for _, src := range sources {
		if l.held[src] {
			return nil, fmt.Errorf("%w: %s", ErrDeviceInUse, src)
		}
	}
	for _, src := range sources {
		l.held[src] = true
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for _, src := range sources {
				delete(l.held, src)
			}
		})
	}, nil
}

func (l *deviceLock) inUse(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[source]
}

func sourcesFor(kind Kind) []string {
	if kind == KindVideo {
		return []string{SourceMicrophone, SourceCamera}
	}
	return []string{SourceMicrophone}
}

// buildStream creates the stream's tracks for kind. release is called once
// when the stream stops.
func buildStream(kind Kind, release func()) (*LocalStream, error) {
	stream := newLocalStream(kind, release)

	audio, err := NewLocalTrack(KindAudio, SourceMicrophone, stream.id)
	if err != nil {
		return nil, err
	}
	stream.tracks = append(stream.tracks, audio)

	if kind == KindVideo {
		video, err := NewLocalTrack(KindVideo, SourceCamera, stream.id)
		if err != nil {
			return nil, err
		}
		stream.tracks = append(stream.tracks, video)
	}
	return stream, nil
}

// ============================================================================
// Synthetic devices
// ============================================================================

// SyntheticDevices produces silent tracks. It backs headless clients and
// tests; SetFailure simulates denied permissions.
type SyntheticDevices struct {
	lock   deviceLock
	logger *slog.Logger

	mu      sync.Mutex
	failure error
}

func NewSyntheticDevices(logger *slog.Logger) *SyntheticDevices {
	return &SyntheticDevices{logger: logger.With("component", "devices", "source", "synthetic")}
}

// SetFailure makes subsequent acquisitions fail with err (nil clears it).
func (d *SyntheticDevices) SetFailure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failure = err
}

// InUse reports whether source is held by a live stream.
func (d *SyntheticDevices) InUse(source string) bool { return d.lock.inUse(source) }

func (d *SyntheticDevices) Acquire(ctx context.Context, kind Kind) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}

	d.mu.Lock()
	failure := d.failure
	d.mu.Unlock()
	if failure != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAcquisition, failure)
	}

	release, err := d.lock.take(sourcesFor(kind)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}

	stream, err := buildStream(kind, release)
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}

	go pumpSilence(stream.Audio())
	d.logger.Debug("acquired", "kind", kind, "stream_id", stream.ID())
	return stream, nil
}

func pumpSilence(t *LocalTrack) {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-t.Done():
			return
		case <-ticker.C:
			_ = t.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: opusFrameDuration})
		}
	}
}

// NewScreenTrack returns a VP8 track for screen sharing. The caller feeds it.
func NewScreenTrack(streamID string) (*LocalTrack, error) {
	return NewLocalTrack(KindVideo, SourceScreen, streamID)
}

// ============================================================================
// File devices
// ============================================================================

// FileDevices plays Ogg/Opus and IVF/VP8 files in a loop as microphone and
// camera.
type FileDevices struct {
	AudioPath string
	VideoPath string

	lock   deviceLock
	logger *slog.Logger
}

func NewFileDevices(audioPath, videoPath string, logger *slog.Logger) *FileDevices {
	return &FileDevices{
		AudioPath: audioPath,
		VideoPath: videoPath,
		logger:    logger.With("component", "devices", "source", "file"),
	}
}

func (d *FileDevices) Acquire(ctx context.Context, kind Kind) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}
	if err := probeOgg(d.AudioPath); err != nil {
		return nil, fmt.Errorf("%w: microphone: %v", ErrMediaAcquisition, err)
	}
	if kind == KindVideo {
		if err := probeIVF(d.VideoPath); err != nil {
			return nil, fmt.Errorf("%w: camera: %v", ErrMediaAcquisition, err)
		}
	}

	release, err := d.lock.take(sourcesFor(kind)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}

	stream, err := buildStream(kind, release)
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}

	go d.loop(stream.Audio(), d.AudioPath, playOgg)
	if v := stream.Video(); v != nil {
		go d.loop(v, d.VideoPath, playIVF)
	}
	return stream, nil
}

// InUse reports whether source is held by a live stream.
func (d *FileDevices) InUse(source string) bool { return d.lock.inUse(source) }

type playFunc func(f io.Reader, t *LocalTrack) (frames int, err error)

// loop replays path into t until the track stops. A pass that yields no frames
// ends the loop.
func (d *FileDevices) loop(t *LocalTrack, path string, play playFunc) {
	for {
		f, err := os.Open(path)
		if err != nil {
			d.logger.Warn("open media file", "path", path, "error", err)
			return
		}
		frames, err := play(f, t)
		f.Close()

		if err != nil && !errors.Is(err, io.EOF) {
			d.logger.Warn("media file playback", "path", path, "error", err)
		}
		if t.Stopped() || frames == 0 {
			return
		}
	}
}

func probeOgg(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, _, err = oggreader.NewWith(f)
	return err
}

func probeIVF(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, _, err = ivfreader.NewWith(f)
	return err
}

func playOgg(r io.Reader, t *LocalTrack) (int, error) {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		return 0, err
	}

	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	var lastGranule uint64
	frames := 0
	for {
		select {
		case <-t.Done():
			return frames, nil
		case <-ticker.C:
		}

		page, header, err := ogg.ParseNextPage()
		if err != nil {
			return frames, err
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples)/opusClockRate*1000) * time.Millisecond

		_ = t.WriteSample(pionmedia.Sample{Data: page, Duration: duration})
		frames++
	}
}

func playIVF(r io.Reader, t *LocalTrack) (int, error) {
	ivf, header, err := ivfreader.NewWith(r)
	if err != nil {
		return 0, err
	}

	interval := 33 * time.Millisecond
	if header.TimebaseDenominator != 0 {
		if d := time.Duration(float64(header.TimebaseNumerator)/float64(header.TimebaseDenominator)*1000) * time.Millisecond; d > 0 {
			interval = d
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	frames := 0
	for {
		select {
		case <-t.Done():
			return frames, nil
		case <-ticker.C:
		}

		frame, _, err := ivf.ParseNextFrame()
		if err != nil {
			return frames, err
		}
		_ = t.WriteSample(pionmedia.Sample{Data: frame, Duration: interval})
		frames++
	}
}

var (
	_ Devices = (*SyntheticDevices)(nil)
	_ Devices = (*FileDevices)(nil)
)
