package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/observer/owlycall/internal/auth"
	"github.com/observer/owlycall/internal/config"
	"github.com/observer/owlycall/internal/database"
	"github.com/observer/owlycall/internal/metrics"
	"github.com/observer/owlycall/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigningKey = "server-test-signing-key-0123456789abcdef"

type fakeHistory struct {
	calls  map[string]*database.CallLog
	missed int
	err    error

	gotUser   string
	gotLimit  int
	gotOffset int
	gotSince  time.Time
}

func (f *fakeHistory) History(ctx context.Context, userID string, limit, offset int) ([]database.CallLog, error) {
	f.gotUser, f.gotLimit, f.gotOffset = userID, limit, offset
	if f.err != nil {
		return nil, f.err
	}
	var out []database.CallLog
	for _, c := range f.calls {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeHistory) GetCallLog(ctx context.Context, callID string) (*database.CallLog, error) {
	c, ok := f.calls[callID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return c, nil
}

func (f *fakeHistory) MissedCallCount(ctx context.Context, userID string, since time.Time) (int, error) {
	f.gotSince = since
	return f.missed, f.err
}

type harness struct {
	handler http.Handler
	tokens  *auth.TokenService
	history *fakeHistory
	reg     *prometheus.Registry
}

func newHarness(t *testing.T, env string, ready map[string]ReadyCheck) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens, err := auth.NewTokenService(testSigningKey, time.Hour)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()

	history := &fakeHistory{calls: map[string]*database.CallLog{
		"call-1": {ID: "call-1", ConversationID: "dm", InitiatorID: "alice", CallType: "audio", Status: database.CallStatusEnded},
	}, missed: 3}
	dir := &relay.StaticDirectory{
		Users:         []relay.Profile{{ID: "alice", Username: "Alice"}, {ID: "bob", Username: "Bob"}, {ID: "carol", Username: "Carol"}},
		Conversations: map[string][]string{"dm": {"alice", "bob"}},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { panic("boom") })

	deps := &Dependencies{
		Tokens:      tokens,
		CallHandler: NewCallHandler(history, dir, logger),
		WSHandler:   mux,
		Ready:       ready,
		Gatherer:    reg,
		Metrics:     metrics.NewRelay(reg),
		Logger:      logger,
	}
	cfg := &config.Config{ServerAddr: ":0", Env: env}
	return &harness{handler: Handler(cfg, deps), tokens: tokens, history: history, reg: reg}
}

func (h *harness) do(t *testing.T, method, path, user string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if user != "" {
		token, _, err := h.tokens.GenerateAccessToken(user, user)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

// ============================================================================
// Health and readiness
// ============================================================================

func TestHealthz(t *testing.T) {
	h := newHarness(t, "production", nil)

	rec := h.do(t, http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody[map[string]string](t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyz(t *testing.T) {
	ok := func(ctx context.Context) error { return nil }
	down := func(ctx context.Context) error { return errors.New("connection refused") }

	t.Run("all checks pass", func(t *testing.T) {
		h := newHarness(t, "production", map[string]ReadyCheck{"database": ok, "pubsub": ok})
		rec := h.do(t, http.MethodGet, "/readyz", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ready", decodeBody[map[string]string](t, rec)["status"])
	})

	t.Run("failing check", func(t *testing.T) {
		h := newHarness(t, "production", map[string]ReadyCheck{"database": ok, "pubsub": down})
		rec := h.do(t, http.MethodGet, "/readyz", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "pubsub unavailable", decodeBody[map[string]string](t, rec)["error"])
	})
}

// ============================================================================
// Middleware
// ============================================================================

func TestRequestIDIsEchoed(t *testing.T) {
	h := newHarness(t, "production", nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()

	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestPanicBecomes500(t *testing.T) {
	h := newHarness(t, "production", nil)

	rec := h.do(t, http.MethodGet, "/ws", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decodeBody[map[string]string](t, rec)["error"])
}

func TestUnmatchedRouteIsCounted(t *testing.T) {
	h := newHarness(t, "production", nil)
	h.do(t, http.MethodGet, "/nope", "")

	rec := h.do(t, http.MethodGet, "/metrics", "")

	assert.Contains(t, rec.Body.String(), `route="unmatched",status="404"`)
}

func TestCORS(t *testing.T) {
	t.Run("development answers preflight", func(t *testing.T) {
		h := newHarness(t, "development", nil)
		req := httptest.NewRequest(http.MethodOptions, "/calls", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		rec := httptest.NewRecorder()

		h.handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("production sends no headers", func(t *testing.T) {
		h := newHarness(t, "production", nil)
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		rec := httptest.NewRecorder()

		h.handler.ServeHTTP(rec, req)

		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, "production", nil)
	h.do(t, http.MethodGet, "/healthz", "")

	rec := h.do(t, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `owlycall_http_requests_total{method="GET",route="GET /healthz",status="200"}`)
}

// ============================================================================
// Call history
// ============================================================================

func TestCallHistory_RequiresToken(t *testing.T) {
	h := newHarness(t, "production", nil)

	for _, path := range []string{"/calls", "/calls/call-1", "/calls/missed/count"} {
		rec := h.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestCallHistory_Pagination(t *testing.T) {
	h := newHarness(t, "production", nil)

	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", 50, 0},
		{"?limit=10&offset=20", 10, 20},
		{"?limit=1000", 100, 0},
		{"?limit=abc&offset=-3", 50, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := h.do(t, http.MethodGet, "/calls"+tt.query, "alice")
			require.Equal(t, http.StatusOK, rec.Code)

			resp := decodeBody[CallHistoryResponse](t, rec)
			assert.Equal(t, tt.wantLimit, resp.Limit)
			assert.Equal(t, tt.wantOffset, resp.Offset)
			assert.Len(t, resp.Calls, 1)
			assert.Equal(t, "alice", h.history.gotUser)
			assert.Equal(t, tt.wantLimit, h.history.gotLimit)
		})
	}
}

func TestCallHistory_StoreError(t *testing.T) {
	h := newHarness(t, "production", nil)
	h.history.err = errors.New("db down")

	rec := h.do(t, http.MethodGet, "/calls", "alice")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetCall(t *testing.T) {
	h := newHarness(t, "production", nil)

	tests := []struct {
		name string
		user string
		path string
		want int
	}{
		{"member", "bob", "/calls/call-1", http.StatusOK},
		{"non-member", "carol", "/calls/call-1", http.StatusForbidden},
		{"missing", "alice", "/calls/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodGet, tt.path, tt.user)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want == http.StatusOK {
				assert.Equal(t, "call-1", decodeBody[database.CallLog](t, rec).ID)
			}
		})
	}
}

type failingDirectory struct{}

func (failingDirectory) Members(ctx context.Context, conversationID string) ([]string, error) {
	return nil, errors.New("directory down")
}

func (failingDirectory) Profile(ctx context.Context, userID string) (relay.Profile, error) {
	return relay.Profile{}, errors.New("directory down")
}

func TestGetCall_DirectoryFailures(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	history := &fakeHistory{calls: map[string]*database.CallLog{
		"gone": {ID: "gone", ConversationID: "deleted"},
		"dm":   {ID: "dm", ConversationID: "dm"},
	}}

	tests := []struct {
		name   string
		dir    relay.Directory
		callID string
		want   int
	}{
		{"conversation removed", &relay.StaticDirectory{}, "gone", http.StatusForbidden},
		{"directory down", failingDirectory{}, "dm", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewCallHandler(history, tt.dir, logger)
			req := httptest.NewRequest(http.MethodGet, "/calls/"+tt.callID, nil)
			req.SetPathValue("id", tt.callID)
			req = req.WithContext(auth.WithUser(req.Context(), "alice", "Alice"))
			rec := httptest.NewRecorder()

			handler.GetCall(rec, req)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestMissedCallCount(t *testing.T) {
	h := newHarness(t, "production", nil)

	rec := h.do(t, http.MethodGet, "/calls/missed/count", "alice")

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[MissedCallsResponse](t, rec)
	assert.Equal(t, 3, resp.Count)
	assert.WithinDuration(t, time.Now().Add(-7*24*time.Hour), h.history.gotSince, time.Minute)
	assert.True(t, resp.Since.Equal(h.history.gotSince))
}

func TestMissedCallCount_Window(t *testing.T) {
	h := newHarness(t, "production", nil)

	rec := h.do(t, http.MethodGet, "/calls/missed/count?since=24h", "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), h.history.gotSince, time.Minute)

	for _, bad := range []string{"yesterday", "-1h", "0s"} {
		rec := h.do(t, http.MethodGet, "/calls/missed/count?since="+bad, "alice")
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestMissedCallCount_StoreError(t *testing.T) {
	h := newHarness(t, "production", nil)
	h.history.err = errors.New("db down")

	rec := h.do(t, http.MethodGet, "/calls/missed/count", "alice")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDocsServed(t *testing.T) {
	h := newHarness(t, "production", nil)

	rec := h.do(t, http.MethodGet, "/docs/doc.json", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "/calls/missed/count"))
}
