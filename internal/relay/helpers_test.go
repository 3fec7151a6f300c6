package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/observer/owlycall/internal/pubsub"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// inbox collects everything published to one user's topic.
type inbox struct {
	mu   sync.Mutex
	msgs []*pubsub.Message
}

func subscribeInbox(t *testing.T, ps pubsub.PubSub, userID string) *inbox {
	t.Helper()
	in := &inbox{}
	sub, err := ps.Subscribe(context.Background(), pubsub.Topics.User(userID), func(ctx context.Context, msg *pubsub.Message) {
		in.mu.Lock()
		in.msgs = append(in.msgs, msg)
		in.mu.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return in
}

func (in *inbox) find(event string) *pubsub.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, m := range in.msgs {
		if m.Type == event {
			return m
		}
	}
	return nil
}

func (in *inbox) count(event string) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := 0
	for _, m := range in.msgs {
		if m.Type == event {
			n++
		}
	}
	return n
}

// waitFor blocks until event shows up and decodes its payload into out.
func (in *inbox) waitFor(t *testing.T, event string, out any) {
	t.Helper()
	require.Eventually(t, func() bool { return in.find(event) != nil }, time.Second, 5*time.Millisecond,
		"no %s delivered", event)
	if out != nil {
		require.NoError(t, json.Unmarshal(in.find(event).Payload, out))
	}
}

// fakeRecorder keeps history calls in order and applies first-outcome-wins.
type fakeRecorder struct {
	mu       sync.Mutex
	ringing  []string
	answered map[string]string
	outcomes map[string]string
	duration map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		answered: make(map[string]string),
		outcomes: make(map[string]string),
		duration: make(map[string]int),
	}
}

func (f *fakeRecorder) Ringing(_ context.Context, callID, _, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ringing = append(f.ringing, callID)
	return nil
}

func (f *fakeRecorder) Answered(_ context.Context, callID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered[callID] = userID
	return nil
}

func (f *fakeRecorder) Finished(_ context.Context, callID, outcome string, d int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.outcomes[callID]; ok {
		return nil
	}
	f.outcomes[callID] = outcome
	f.duration[callID] = d
	return nil
}

func (f *fakeRecorder) outcome(callID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcomes[callID]
}

func (f *fakeRecorder) ringCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ringing)
}

func testDirectory() *StaticDirectory {
	return &StaticDirectory{
		Users: []Profile{
			{ID: "alice", Username: "Alice", Avatar: "https://example.test/a.png"},
			{ID: "bob", Username: "Bob"},
			{ID: "carol", Username: "Carol"},
		},
		Conversations: map[string][]string{
			"dm":    {"alice", "bob"},
			"group": {"alice", "bob", "carol"},
			"solo":  {"alice"},
		},
	}
}

type routerHarness struct {
	router   *Router
	ps       *pubsub.MemoryPubSub
	recorder *fakeRecorder
	now      time.Time
	mu       sync.Mutex
}

func newRouterHarness(t *testing.T) *routerHarness {
	t.Helper()
	ps := pubsub.NewMemoryPubSub()
	t.Cleanup(func() { _ = ps.Close() })

	h := &routerHarness{
		ps:       ps,
		recorder: newFakeRecorder(),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.router = NewRouter(RouterConfig{RingTimeout: 45 * time.Second}, testDirectory(), h.recorder, ps, nil, testLogger())
	h.router.now = h.clock
	return h
}

func (h *routerHarness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *routerHarness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func (h *routerHarness) route(t *testing.T, from, event string, payload any) error {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return h.router.Route(context.Background(), from, event, data)
}

func requireCode(t *testing.T, err error, want string) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, want, code(err))
}
