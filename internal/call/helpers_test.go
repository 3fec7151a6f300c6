package call

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/observer/owlycall/internal/media"
	"github.com/observer/owlycall/internal/signaling"
	"github.com/stretchr/testify/require"
)

const (
	alice = "alice"
	bob   = "bob"
	conv  = "conv-1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// =============================================================================
// Recording bus
// =============================================================================

type emitted struct {
	event   string
	payload json.RawMessage
}

type recordingBus struct {
	mu       sync.Mutex
	handlers map[string]map[int]signaling.Handler
	nextID   int
	emits    []emitted
	fail     error
}

func newRecordingBus() *recordingBus {
	return &recordingBus{handlers: make(map[string]map[int]signaling.Handler)}
}

func (b *recordingBus) Emit(ctx context.Context, event string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.emits = append(b.emits, emitted{event: event, payload: data})
	return nil
}

func (b *recordingBus) On(event string, h signaling.Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[int]signaling.Handler)
	}
	b.handlers[event][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[event], id)
	}
}

func (b *recordingBus) deliver(event string, payload any) {
	data, _ := json.Marshal(payload)
	b.mu.Lock()
	hs := make([]signaling.Handler, 0, len(b.handlers[event]))
	for _, h := range b.handlers[event] {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(context.Background(), data)
	}
}

func (b *recordingBus) handlerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, hs := range b.handlers {
		n += len(hs)
	}
	return n
}

func (b *recordingBus) events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.emits))
	for _, e := range b.emits {
		out = append(out, e.event)
	}
	return out
}

func (b *recordingBus) count(event string) int {
	n := 0
	for _, e := range b.events() {
		if e == event {
			n++
		}
	}
	return n
}

func lastPayload[T any](t *testing.T, b *recordingBus, event string) T {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.emits) - 1; i >= 0; i-- {
		if b.emits[i].event == event {
			v, err := signaling.Decode[T](b.emits[i].payload)
			require.NoError(t, err)
			return v
		}
	}
	t.Fatalf("no %s emitted", event)
	var zero T
	return zero
}

// =============================================================================
// Fake media session
// =============================================================================

type fakePeer struct {
	mu          sync.Mutex
	attached    map[string]bool
	hasRemote   bool
	applied     []string
	applyErrors int
	offers      []media.OfferOptions
	answers     int
	releases    int
	replaced    []string

	onState  func(media.ConnectionState)
	onTrack  func(*media.RemoteStream)
	onCand   func(*media.Candidate)
	remote   *media.RemoteStream
	failNext error
}

func newFakePeer() *fakePeer {
	return &fakePeer{attached: make(map[string]bool), remote: media.NewRemoteStream()}
}

func (p *fakePeer) AttachLocalTracks(stream *media.LocalStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range stream.Tracks() {
		p.attached[t.ID()] = true
	}
	return nil
}

func (p *fakePeer) OnRemoteTrack(cb func(*media.RemoteStream)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = cb
}

func (p *fakePeer) CreateOffer(ctx context.Context, opts media.OfferOptions) (media.Description, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers = append(p.offers, opts)
	return media.Description{Type: media.SDPOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer(ctx context.Context) (media.Description, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	return media.Description{Type: media.SDPAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetRemoteDescription(ctx context.Context, desc media.Description) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return err
	}
	p.hasRemote = true
	return nil
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasRemote
}

func (p *fakePeer) AddRemoteICECandidate(c media.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasRemote {
		p.applyErrors++
		return media.ErrICEApply
	}
	p.applied = append(p.applied, c.Candidate)
	return nil
}

func (p *fakePeer) OnICECandidate(cb func(*media.Candidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCand = cb
}

func (p *fakePeer) OnConnectionStateChange(cb func(media.ConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = cb
}

func (p *fakePeer) ReplaceOutgoingVideoTrack(track *media.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replaced = append(p.replaced, track.Source())
	return nil
}

func (p *fakePeer) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases++
}

func (p *fakePeer) failNextRemote(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = err
}

func (p *fakePeer) state(s media.ConnectionState) {
	p.mu.Lock()
	cb := p.onState
	p.mu.Unlock()
	cb(s)
}

func (p *fakePeer) track(id string, kind media.Kind) {
	p.mu.Lock()
	cb := p.onTrack
	p.mu.Unlock()
	p.remote.Add(media.RemoteTrack{ID: id, Kind: kind})
	cb(p.remote)
}

func (p *fakePeer) candidate(c *media.Candidate) {
	p.mu.Lock()
	cb := p.onCand
	p.mu.Unlock()
	cb(c)
}

type peerStats struct {
	applied     []string
	applyErrors int
	offers      []media.OfferOptions
	answers     int
	releases    int
	replaced    []string
	attached    int
}

func (p *fakePeer) stats() peerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return peerStats{
		applied:     append([]string(nil), p.applied...),
		applyErrors: p.applyErrors,
		offers:      append([]media.OfferOptions(nil), p.offers...),
		answers:     p.answers,
		releases:    p.releases,
		replaced:    append([]string(nil), p.replaced...),
		attached:    len(p.attached),
	}
}

type fakeFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
	err   error
}

func (f *fakeFactory) NewSession(ctx context.Context) (media.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := newFakePeer()
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) peer(t *testing.T) *fakePeer {
	t.Helper()
	var p *fakePeer
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.peers) == 0 {
			return false
		}
		p = f.peers[0]
		return true
	}, time.Second, 5*time.Millisecond)
	return p
}

// =============================================================================
// Devices and clock
// =============================================================================

// gatedDevices holds acquisition until open is closed.
type gatedDevices struct {
	inner *media.SyntheticDevices
	open  chan struct{}
	got   chan *media.LocalStream
}

func newGatedDevices() *gatedDevices {
	return &gatedDevices{
		inner: media.NewSyntheticDevices(testLogger()),
		open:  make(chan struct{}),
		got:   make(chan *media.LocalStream, 1),
	}
}

func (d *gatedDevices) Acquire(ctx context.Context, kind media.Kind) (*media.LocalStream, error) {
	<-d.open
	s, err := d.inner.Acquire(context.Background(), kind)
	if err == nil {
		d.got <- s
	}
	return s, err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	bus     *recordingBus
	adapter *signaling.Adapter
	factory *fakeFactory
	devices media.Devices
	clock   *fakeClock
	session *Session
}

type option func(*Config, *harness)

func withDevices(d media.Devices) option {
	return func(_ *Config, h *harness) { h.devices = d }
}

func withRetryDelay(d time.Duration) option {
	return func(c *Config, _ *harness) { c.RetryDelay = d }
}

func withRestartTimeout(d time.Duration) option {
	return func(c *Config, _ *harness) { c.RestartTimeout = d }
}

func withRingTimeout(d time.Duration) option {
	return func(c *Config, _ *harness) { c.RingTimeout = d }
}

func withKind(k media.Kind) option {
	return func(c *Config, _ *harness) { c.Kind = k }
}

// newInitiator builds alice calling bob.
func newInitiator(t *testing.T, opts ...option) *harness {
	return newHarness(t, Config{
		CallID:         "call-A",
		ConversationID: conv,
		LocalUserID:    alice,
		ReceiverID:     bob,
		Remote:         Participant{ID: bob, DisplayName: "Bob"},
		Kind:           media.KindAudio,
	}, opts...)
}

// newReceiver builds bob answering alice.
func newReceiver(t *testing.T, opts ...option) *harness {
	return newHarness(t, Config{
		CallID:         "call-A",
		ConversationID: conv,
		LocalUserID:    bob,
		ReceiverID:     bob,
		Remote:         Participant{ID: alice, DisplayName: "Alice"},
		Kind:           media.KindAudio,
	}, opts...)
}

func newHarness(t *testing.T, cfg Config, opts ...option) *harness {
	t.Helper()
	h := &harness{
		bus:     newRecordingBus(),
		factory: &fakeFactory{},
		devices: media.NewSyntheticDevices(testLogger()),
		clock:   newFakeClock(),
	}
	cfg.TickInterval = 5 * time.Millisecond
	for _, o := range opts {
		o(&cfg, h)
	}
	h.adapter = signaling.NewAdapter(h.bus, testLogger())

	s, err := NewSession(cfg, Deps{
		Signaling: h.adapter,
		Media:     h.factory,
		Devices:   h.devices,
		Logger:    testLogger(),
		Now:       h.clock.Now,
	})
	require.NoError(t, err)
	h.session = s
	t.Cleanup(func() {
		_ = s.Terminate(ReasonShutdown)
		<-s.Done()
	})
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.session.Snapshot().State == want
	}, 2*time.Second, 2*time.Millisecond, "want state %s, have %s", want, h.session.Snapshot().State)
}

func (h *harness) waitEnded(t *testing.T) Snapshot {
	t.Helper()
	select {
	case <-h.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not end, state %s", h.session.Snapshot().State)
	}
	return h.session.Snapshot()
}

// inspect runs fn on the session goroutine and waits for it.
func (h *harness) inspect(t *testing.T, fn func(s *Session)) {
	t.Helper()
	ran := make(chan struct{})
	if !h.session.post(func() { fn(h.session); close(ran) }) {
		<-h.session.Done()
		fn(h.session)
		return
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("inspect timed out")
	}
}

// flush waits until everything queued so far has been handled.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	h.inspect(t, func(*Session) {})
}

// ringing starts alice's call and waits for Ringing.
func (h *harness) ringing(t *testing.T) *fakePeer {
	t.Helper()
	require.NoError(t, h.session.Start(context.Background()))
	h.waitState(t, StateRinging)
	return h.factory.peer(t)
}

// connected drives an initiator all the way to Connected.
func (h *harness) connected(t *testing.T) *fakePeer {
	t.Helper()
	peer := h.ringing(t)
	h.bus.deliver(signaling.EventCallReady, signaling.CallActionPayload{ConversationID: conv, FromUserID: bob, CallID: "call-A"})
	h.waitState(t, StateExchanging)
	h.bus.deliver(signaling.EventAnswer, signaling.DescriptionPayload{ConversationID: conv, SDP: "v=0 answer", CallID: "call-A", FromUserID: bob})
	h.flush(t)
	peer.state(media.StateConnected)
	h.waitState(t, StateConnected)
	return peer
}

var errBoom = errors.New("boom")
