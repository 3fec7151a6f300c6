package ringtone

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// countingSink tracks concurrent plays.
type countingSink struct {
	active  atomic.Int32
	maxSeen atomic.Int32
	plays   atomic.Int32
	err     error
}

func (s *countingSink) Play(ctx context.Context) error {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		m := s.maxSeen.Load()
		if n <= m || s.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	s.plays.Add(1)
	if s.err != nil {
		return s.err
	}
	select {
	case <-ctx.Done():
	case <-time.After(20 * time.Millisecond):
	}
	return nil
}

func TestPlayer_NeverOverlaps(t *testing.T) {
	sink := &countingSink{}
	p := NewPlayer(sink, time.Millisecond, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Start()
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return sink.plays.Load() > 0 }, time.Second, time.Millisecond)
	assert.True(t, p.Playing())

	p.Stop()
	p.Stop()
	assert.False(t, p.Playing())
	assert.Equal(t, int32(1), sink.maxSeen.Load())
	assert.Equal(t, int32(0), sink.active.Load())
}

func TestPlayer_LoopsUntilStopped(t *testing.T) {
	sink := &countingSink{}
	p := NewPlayer(sink, time.Millisecond, testLogger())
	p.Start()

	require.Eventually(t, func() bool { return sink.plays.Load() >= 3 }, time.Second, time.Millisecond)
	p.Stop()

	plays := sink.plays.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, plays, sink.plays.Load())
}

func TestPlayer_SwallowsFailures(t *testing.T) {
	sink := &countingSink{err: errors.New("autoplay blocked")}
	p := NewPlayer(sink, time.Millisecond, testLogger())

	var failures atomic.Int32
	p.OnFailure = func(error) { failures.Add(1) }

	p.Start()
	require.Eventually(t, func() bool { return failures.Load() >= 2 }, time.Second, time.Millisecond)
	p.Stop()
}

func TestPlayer_FailingSinkBacksOff(t *testing.T) {
	sink := &countingSink{err: errors.New("no audio device")}
	p := NewPlayer(sink, 0, testLogger())

	p.Start()
	time.Sleep(100 * time.Millisecond)
	p.Stop()

	assert.Equal(t, int32(1), sink.plays.Load())
}

func TestBell(t *testing.T) {
	var buf bytes.Buffer
	b := Bell{W: &buf, Duration: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, b.Play(ctx))
	assert.Equal(t, "\a", buf.String())
}
