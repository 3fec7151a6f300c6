// Command softphone is a headless call client: it connects to a relay, places
// and answers calls from stdin commands, and records what the remote side
// sends.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/observer/owlycall/internal/call"
	"github.com/observer/owlycall/internal/config"
	"github.com/observer/owlycall/internal/media"
	"github.com/observer/owlycall/internal/metrics"
	"github.com/observer/owlycall/internal/orchestrator"
	"github.com/observer/owlycall/internal/presenter"
	"github.com/observer/owlycall/internal/ringtone"
	"github.com/observer/owlycall/internal/signaling"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadClient()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdin); err != nil {
		slog.Error("softphone stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ClientConfig, logger *slog.Logger, in io.Reader) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	bus, err := signaling.DialWS(dialCtx, cfg.RelayURL, cfg.Token, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("connect relay: %w", err)
	}
	defer bus.Close()
	slog.Info("connected to relay", "url", cfg.RelayURL, "user_id", bus.UserID(), "username", bus.Username())

	reg := prometheus.NewRegistry()
	m := metrics.NewCalls(reg)
	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, reg)
	}

	factory, err := media.NewPeerFactory(media.PeerConfig{
		STUNURLs:     cfg.ICESTUNURLs,
		TURNURLs:     cfg.ICETURNURLs,
		TURNUsername: cfg.TURNUsername,
		TURNPassword: cfg.TURNPassword,
	}, logger)
	if err != nil {
		return fmt.Errorf("peer factory: %w", err)
	}

	var devices media.Devices = media.NewSyntheticDevices(logger)
	if cfg.AudioFile != "" || cfg.VideoFile != "" {
		devices = media.NewFileDevices(cfg.AudioFile, cfg.VideoFile, logger)
	}

	ring := ringtone.NewPlayer(ringtone.Bell{W: os.Stdout, Duration: time.Second}, cfg.RingtoneGap, logger)
	ring.OnFailure = func(error) { m.RingtoneFailed() }
	defer ring.Stop()

	var recorder presenter.Recorder
	var mediaRecorder *media.Recorder
	if cfg.RecordDir != "" {
		mediaRecorder = media.NewRecorder(cfg.RecordDir, logger)
		recorder = mediaRecorder
	}

	p := &phone{
		view:       presenter.NewLogView(ctx, logger, recorder),
		presenters: make(map[string]*presenter.Presenter),
		autoAnswer: cfg.AutoAnswer,
		incoming:   make(chan orchestrator.IncomingCall, 1),
	}

	registry, err := orchestrator.New(orchestrator.Config{
		LocalUserID:     bus.UserID(),
		IncomingTimeout: cfg.IncomingTimeout,
		RetryDelay:      cfg.RetryDelay,
		RestartTimeout:  cfg.RestartTimeout,
		RingTimeout:     cfg.RingTimeout,
		OnIncoming:      p.onIncoming,
		Observer:        p.render,
	}, orchestrator.Deps{
		Signaling: signaling.NewAdapter(bus, logger),
		Media:     factory,
		Devices:   devices,
		Ringtone:  ring,
		Logger:    logger,
		Metrics:   m,
	})
	if err != nil {
		return err
	}
	p.registry = registry

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Println("commands: call <conversation> <user> [audio|video] | accept | reject | hangup | mute | camera | share | unshare | quit")

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-bus.Done():
			slog.Warn("relay connection lost")
			break loop
		case ic := <-p.incoming:
			if _, err := registry.Accept(ctx); err != nil {
				slog.Warn("auto-answer failed", "call_id", ic.CallID, "error", err)
			}
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if quit := p.command(ctx, line); quit {
				break loop
			}
		}
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := registry.Close(closeCtx); err != nil {
		slog.Warn("close registry", "error", err)
	}
	if mediaRecorder != nil {
		mediaRecorder.Wait()
	}
	return nil
}

// phone glues stdin commands and presenters to the registry.
type phone struct {
	registry   *orchestrator.Registry
	view       presenter.View
	autoAnswer bool
	incoming   chan orchestrator.IncomingCall

	mu         sync.Mutex
	presenters map[string]*presenter.Presenter
	screen     *media.LocalTrack
}

func (p *phone) onIncoming(ic *orchestrator.IncomingCall) {
	if ic == nil {
		fmt.Println("incoming call withdrawn")
		return
	}
	fmt.Printf("incoming %s call from %s (%s), type accept or reject\n", ic.Kind, ic.FromDisplayName, ic.CallID)
	if p.autoAnswer {
		select {
		case p.incoming <- *ic:
		default:
		}
	}
}

// render routes a snapshot to the presenter matching its call's media kind.
func (p *phone) render(snap call.Snapshot) {
	p.mu.Lock()
	pr, ok := p.presenters[snap.CallID]
	if !ok {
		pr = presenter.ForKind(snap.Kind, p.view)
		p.presenters[snap.CallID] = pr
	}
	if snap.State == call.StateEnded {
		delete(p.presenters, snap.CallID)
	}
	p.mu.Unlock()

	pr.Render(snap)
}

func (p *phone) command(ctx context.Context, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch fields[0] {
	case "call":
		err = p.place(ctx, fields[1:])
	case "accept":
		_, err = p.registry.Accept(ctx)
	case "reject":
		err = p.registry.Reject(ctx)
	case "hangup":
		err = p.registry.HangUp()
	case "mute":
		err = p.withActive(func(s *call.Session) error { return s.ToggleAudio() })
	case "camera":
		err = p.withActive(func(s *call.Session) error { return s.ToggleVideo() })
	case "share":
		err = p.startShare()
	case "unshare":
		err = p.stopShare()
	case "quit", "exit":
		return true
	default:
		err = fmt.Errorf("unknown command %q", fields[0])
	}
	if err != nil {
		fmt.Println("error:", err)
	}
	return false
}

func (p *phone) place(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: call <conversation> <user> [audio|video]")
	}
	kind := media.KindAudio
	if len(args) > 2 {
		k, err := media.ParseKind(args[2])
		if err != nil {
			return err
		}
		kind = k
	}
	s, err := p.registry.Call(ctx, args[0], call.Participant{ID: args[1], DisplayName: args[1]}, kind)
	if err != nil {
		return err
	}
	fmt.Printf("calling %s (%s)\n", args[1], s.CallID())
	return nil
}

func (p *phone) withActive(fn func(*call.Session) error) error {
	s := p.registry.Active()
	if s == nil {
		return errors.New("no active call")
	}
	return fn(s)
}

// startShare sends a blank screen track in place of the camera. Feeding it
// frames is left to whoever embeds the phone.
func (p *phone) startShare() error {
	return p.withActive(func(s *call.Session) error {
		track, err := media.NewScreenTrack("screen-" + s.CallID())
		if err != nil {
			return err
		}
		if err := s.StartScreenShare(track); err != nil {
			track.Stop()
			return err
		}
		p.mu.Lock()
		p.screen = track
		p.mu.Unlock()
		return nil
	})
}

func (p *phone) stopShare() error {
	err := p.withActive(func(s *call.Session) error { return s.StopScreenShare() })
	p.mu.Lock()
	if p.screen != nil {
		p.screen.Stop()
		p.screen = nil
	}
	p.mu.Unlock()
	return err
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server", "error", err)
	}
}
