package orchestrator

import (
	"context"
	"encoding/json"
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
	local  = "bob"
	caller = "alice"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// =============================================================================
// Bus
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
}

func newRecordingBus() *recordingBus {
	return &recordingBus{handlers: make(map[string]map[int]signaling.Handler)}
}

func (b *recordingBus) Emit(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
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

func (b *recordingBus) payloads(event string) []json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []json.RawMessage
	for _, e := range b.emits {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func (b *recordingBus) count(event string) int {
	return len(b.payloads(event))
}

// =============================================================================
// Media
// =============================================================================

// stubPeer accepts everything and never connects.
type stubPeer struct {
	mu       sync.Mutex
	remote   bool
	released int
}

func (p *stubPeer) AttachLocalTracks(*media.LocalStream) error { return nil }
func (p *stubPeer) OnRemoteTrack(func(*media.RemoteStream))    {}
func (p *stubPeer) OnICECandidate(func(*media.Candidate))      {}
func (p *stubPeer) OnConnectionStateChange(func(media.ConnectionState)) {
}

func (p *stubPeer) CreateOffer(context.Context, media.OfferOptions) (media.Description, error) {
	return media.Description{Type: media.SDPOffer, SDP: "offer"}, nil
}

func (p *stubPeer) CreateAnswer(context.Context) (media.Description, error) {
	return media.Description{Type: media.SDPAnswer, SDP: "answer"}, nil
}

func (p *stubPeer) SetRemoteDescription(context.Context, media.Description) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = true
	return nil
}

func (p *stubPeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *stubPeer) AddRemoteICECandidate(media.Candidate) error       { return nil }
func (p *stubPeer) ReplaceOutgoingVideoTrack(*media.LocalTrack) error { return nil }

func (p *stubPeer) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
}

type stubFactory struct{}

func (stubFactory) NewSession(context.Context) (media.Session, error) { return &stubPeer{}, nil }

// =============================================================================
// Ringtone
// =============================================================================

type fakeRingtone struct {
	mu      sync.Mutex
	playing bool
	starts  int
	stops   int

	// When gate is set, Start reports on entered and waits for gate.
	gate    chan struct{}
	entered chan struct{}
}

func (r *fakeRingtone) Start() {
	r.mu.Lock()
	gate, entered := r.gate, r.entered
	r.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	r.playing = true
}

func (r *fakeRingtone) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	r.playing = false
}

func (r *fakeRingtone) state() (playing bool, starts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing, r.starts
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	bus      *recordingBus
	ring     *fakeRingtone
	devices  *media.SyntheticDevices
	registry *Registry

	mu      sync.Mutex
	surface []*IncomingCall
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		bus:     newRecordingBus(),
		ring:    &fakeRingtone{},
		devices: media.NewSyntheticDevices(testLogger()),
	}
	cfg := Config{
		LocalUserID:  local,
		RetryDelay:   50 * time.Millisecond,
		TickInterval: 5 * time.Millisecond,
		OnIncoming: func(in *IncomingCall) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.surface = append(h.surface, in)
		},
	}
	for _, o := range opts {
		o(&cfg)
	}

	r, err := New(cfg, Deps{
		Signaling: signaling.NewAdapter(h.bus, testLogger()),
		Media:     stubFactory{},
		Devices:   h.devices,
		Ringtone:  h.ring,
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	h.registry = r
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return h
}

func (h *harness) surfaced() []*IncomingCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*IncomingCall(nil), h.surface...)
}

func incoming(callID string) signaling.IncomingCallPayload {
	return signaling.IncomingCallPayload{
		CallID:         callID,
		FromUserID:     caller,
		FromUsername:   "Alice",
		ConversationID: "conv-1",
		CallType:       "video",
	}
}

func rejectedIDs(t *testing.T, b *recordingBus) []string {
	t.Helper()
	var ids []string
	for _, raw := range b.payloads(signaling.EventRejectCall) {
		p, err := signaling.Decode[signaling.CallActionPayload](raw)
		require.NoError(t, err)
		ids = append(ids, p.CallID)
	}
	return ids
}
