// Package presenter turns session snapshots into what a call screen shows.
// Audio and video calls share one state machine; they differ only here, in
// which tracks get attached.
package presenter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/observer/owlycall/internal/call"
	"github.com/observer/owlycall/internal/media"
)

// View is where a presenter attaches media.
type View interface {
	AttachRemote(callID string, t media.RemoteTrack)
	AttachPreview(callID string, t *media.LocalTrack)
	Status(line StatusLine)
}

// StatusLine is the text a call screen shows.
type StatusLine struct {
	CallID   string
	Remote   string
	Status   string
	Duration string
	Muted    bool
	CameraOn bool
	Sharing  bool
	Ended    bool
}

// layout decides which tracks a kind of call renders.
type layout interface {
	wantsRemote(kind media.Kind) bool
	preview() bool
}

type audioLayout struct{}

func (audioLayout) wantsRemote(kind media.Kind) bool { return kind == media.KindAudio }
func (audioLayout) preview() bool                    { return false }

type videoLayout struct{}

func (videoLayout) wantsRemote(media.Kind) bool { return true }
func (videoLayout) preview() bool               { return true }

// Presenter renders snapshots of one call at a time. Render is safe to use as
// a session observer.
type Presenter struct {
	kind   media.Kind
	layout layout
	view   View

	mu       sync.Mutex
	callID   string
	attached map[string]bool
	preview  string
	last     StatusLine
}

// NewAudioPresenter attaches remote audio only.
func NewAudioPresenter(view View) *Presenter {
	return newPresenter(media.KindAudio, audioLayout{}, view)
}

// NewVideoPresenter attaches remote audio and video plus a self preview.
func NewVideoPresenter(view View) *Presenter {
	return newPresenter(media.KindVideo, videoLayout{}, view)
}

// ForKind picks the presenter for a call's media kind.
func ForKind(kind media.Kind, view View) *Presenter {
	if kind == media.KindVideo {
		return NewVideoPresenter(view)
	}
	return NewAudioPresenter(view)
}

func newPresenter(kind media.Kind, l layout, view View) *Presenter {
	return &Presenter{
		kind:     kind,
		layout:   l,
		view:     view,
		attached: make(map[string]bool),
	}
}

// Kind returns the media kind this presenter renders.
func (p *Presenter) Kind() media.Kind { return p.kind }

// Render brings the view up to date with snap.
func (p *Presenter) Render(snap call.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.CallID != p.callID {
		p.callID = snap.CallID
		p.attached = make(map[string]bool)
		p.preview = ""
		p.last = StatusLine{}
	}

	if !snap.Ended() {
		if snap.RemoteStream != nil {
			for _, t := range snap.RemoteStream.Tracks() {
				if p.attached[t.ID] || !p.layout.wantsRemote(t.Kind) {
					continue
				}
				p.attached[t.ID] = true
				p.view.AttachRemote(snap.CallID, t)
			}
		}
		if p.layout.preview() && snap.Local != nil {
			if v := snap.Local.Video(); v != nil && p.preview != v.ID() {
				p.preview = v.ID()
				p.view.AttachPreview(snap.CallID, v)
			}
		}
	}

	line := StatusLine{
		CallID:   snap.CallID,
		Remote:   remoteName(snap.Remote),
		Status:   snap.Status,
		Duration: FormatDuration(snap.Duration),
		Muted:    !snap.AudioOn,
		CameraOn: snap.VideoOn && p.kind == media.KindVideo,
		Sharing:  snap.ScreenSharing,
		Ended:    snap.Ended(),
	}
	if line != p.last {
		p.last = line
		p.view.Status(line)
	}
}

func remoteName(r call.Participant) string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.ID
}

// FormatDuration renders d as mm:ss, or h:mm:ss past an hour.
func FormatDuration(d time.Duration) string {
	secs := int(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	h, m, s := secs/3600, secs/60%60, secs%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// ============================================================================
// Headless view
// ============================================================================

// Recorder persists attached remote tracks.
type Recorder interface {
	Record(ctx context.Context, callID string, t media.RemoteTrack) error
}

// LogView prints status changes and optionally records remote tracks.
type LogView struct {
	logger   *slog.Logger
	recorder Recorder
	ctx      context.Context
}

// NewLogView creates a headless view. recorder may be nil.
func NewLogView(ctx context.Context, logger *slog.Logger, recorder Recorder) *LogView {
	return &LogView{
		logger:   logger.With("component", "presenter"),
		recorder: recorder,
		ctx:      ctx,
	}
}

func (v *LogView) AttachRemote(callID string, t media.RemoteTrack) {
	v.logger.Info("remote track", "call_id", callID, "track_id", t.ID, "kind", t.Kind)
	if v.recorder == nil {
		return
	}
	if err := v.recorder.Record(v.ctx, callID, t); err != nil {
		v.logger.Warn("record remote track", "track_id", t.ID, "error", err)
	}
}

func (v *LogView) AttachPreview(callID string, t *media.LocalTrack) {
	v.logger.Info("self preview", "call_id", callID, "track_id", t.ID(), "source", t.Source())
}

func (v *LogView) Status(line StatusLine) {
	v.logger.Info(line.Status,
		"call_id", line.CallID,
		"remote", line.Remote,
		"duration", line.Duration,
		"muted", line.Muted,
		"camera", line.CameraOn,
		"sharing", line.Sharing,
		"ended", line.Ended,
	)
}
