// Package ringtone plays the single looping ring sound of the process.
package ringtone

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// MinGap is the shortest pause between plays.
	MinGap = 10 * time.Millisecond

	// failureBackoff is the pause after a failed play.
	failureBackoff = 200 * time.Millisecond
)

// Sink plays the ring sound once, returning when it finishes or ctx is done.
type Sink interface {
	Play(ctx context.Context) error
}

// Player loops a Sink. Starting it while playing stops the running loop first,
// so two rings never overlap. Sink errors are logged and swallowed.
type Player struct {
	sink   Sink
	gap    time.Duration
	logger *slog.Logger

	// OnFailure, if set, is called for every swallowed sink error.
	OnFailure func(error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPlayer creates a player that waits gap between plays, at least MinGap.
func NewPlayer(sink Sink, gap time.Duration, logger *slog.Logger) *Player {
	gap = max(gap, MinGap)
	return &Player{
		sink:   sink,
		gap:    gap,
		logger: logger.With("component", "ringtone"),
	}
}

// Start begins looping, replacing any running loop.
func (p *Player) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	go p.loop(ctx, done)
}

// Stop ends playback and waits for the sink to return. Idempotent.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Playing reports whether a loop is running.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Player) stopLocked() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil
}

func (p *Player) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		wait := p.gap
		if err := p.sink.Play(ctx); err != nil && ctx.Err() == nil {
			p.logger.Debug("ringtone playback failed", "error", err)
			if p.OnFailure != nil {
				p.OnFailure(err)
			}
			wait = max(wait, failureBackoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Bell rings the terminal bell and holds for the ring duration.
type Bell struct {
	W        io.Writer
	Duration time.Duration
}

func (b Bell) Play(ctx context.Context) error {
	if _, err := io.WriteString(b.W, "\a"); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-time.After(b.Duration):
	}
	return nil
}
