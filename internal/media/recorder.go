package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
)

// ErrNotRecordable is returned for tracks without a pion remote.
var ErrNotRecordable = errors.New("media: track cannot be recorded")

// Recorder writes remote tracks to <dir>/<callID>-<trackID>.ogg|.ivf.
type Recorder struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	writers map[string]pionmedia.Writer
	wg      sync.WaitGroup
}

func NewRecorder(dir string, logger *slog.Logger) *Recorder {
	return &Recorder{
		dir:     dir,
		logger:  logger.With("component", "recorder"),
		writers: make(map[string]pionmedia.Writer),
	}
}

// Path returns the file a track of callID is written to.
func (r *Recorder) Path(callID string, t RemoteTrack) string {
	ext := ".ogg"
	if t.Kind == KindVideo {
		ext = ".ivf"
	}
	return filepath.Join(r.dir, fmt.Sprintf("%s-%s%s", callID, t.ID, ext))
}

// Record copies t's RTP into a file until the track ends or ctx is done.
// Recording the same track twice is a no-op.
func (r *Recorder) Record(ctx context.Context, callID string, t RemoteTrack) error {
	remote := t.Remote()
	if remote == nil {
		return ErrNotRecordable
	}

	path := r.Path(callID, t)

	r.mu.Lock()
	if _, ok := r.writers[path]; ok {
		r.mu.Unlock()
		return nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("create recording dir: %w", err)
	}

	var w pionmedia.Writer
	var err error
	if t.Kind == KindVideo {
		w, err = ivfwriter.New(path)
	} else {
		w, err = oggwriter.New(path, opusClockRate, 2)
	}
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("open %s: %w", path, err)
	}
	r.writers[path] = w
	r.mu.Unlock()

	r.logger.Info("recording track", "call_id", callID, "track_id", t.ID, "path", path)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.finish(path)
		for {
			if ctx.Err() != nil {
				return
			}
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				return
			}
			if err := w.WriteRTP(pkt); err != nil {
				r.logger.Warn("write rtp", "path", path, "error", err)
				return
			}
		}
	}()
	return nil
}

func (r *Recorder) finish(path string) {
	r.mu.Lock()
	w, ok := r.writers[path]
	delete(r.writers, path)
	r.mu.Unlock()
	if ok {
		if err := w.Close(); err != nil {
			r.logger.Warn("close recording", "path", path, "error", err)
		}
	}
}

// Wait blocks until every recording has finished.
func (r *Recorder) Wait() { r.wg.Wait() }
