package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/observer/owlycall/internal/auth"
	"github.com/observer/owlycall/internal/database"
	"github.com/observer/owlycall/internal/relay"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
	missedWindow    = 7 * 24 * time.Hour
)

// CallHistory is the read side of the call log.
type CallHistory interface {
	History(ctx context.Context, userID string, limit, offset int) ([]database.CallLog, error)
	GetCallLog(ctx context.Context, callID string) (*database.CallLog, error)
	MissedCallCount(ctx context.Context, userID string, since time.Time) (int, error)
}

// CallHandler serves the call log to its participants. Visibility follows
// conversation membership, so a user sees calls they ignored or were
// cancelled on, not only the ones they joined.
type CallHandler struct {
	calls  CallHistory
	dir    relay.Directory
	now    func() time.Time
	logger *slog.Logger
}

func NewCallHandler(calls CallHistory, dir relay.Directory, logger *slog.Logger) *CallHandler {
	return &CallHandler{
		calls:  calls,
		dir:    dir,
		now:    time.Now,
		logger: logger.With("component", "call-history"),
	}
}

// CallHistoryResponse is a page of call history.
type CallHistoryResponse struct {
	Calls  []database.CallLog `json:"calls"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// MissedCallsResponse counts calls missed since a point in time.
type MissedCallsResponse struct {
	Count int       `json:"count"`
	Since time.Time `json:"since"`
}

// GetCallHistory godoc
// @Summary Get user's call history
// @Tags calls
// @Security BearerAuth
// @Produce json
// @Param limit query int false "Page size (default 50, max 100)"
// @Param offset query int false "Offset (default 0)"
// @Success 200 {object} CallHistoryResponse
// @Router /calls [get]
func (h *CallHandler) GetCallHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	limit, offset := pageParams(r)
	calls, err := h.calls.History(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("load call history", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "Failed to get call history")
		return
	}
	if calls == nil {
		calls = []database.CallLog{}
	}

	writeJSON(w, http.StatusOK, CallHistoryResponse{Calls: calls, Limit: limit, Offset: offset})
}

// pageParams reads limit and offset. Unparseable values fall back to the
// defaults; oversized pages are clamped.
func pageParams(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	q := r.URL.Query()
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = min(n, maxPageSize)
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		offset = n
	}
	return limit, offset
}

// GetCall godoc
// @Summary Get a specific call
// @Tags calls
// @Security BearerAuth
// @Produce json
// @Param id path string true "Call ID"
// @Success 200 {object} database.CallLog
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /calls/{id} [get]
func (h *CallHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	callID := r.PathValue("id")
	call, err := h.calls.GetCallLog(r.Context(), callID)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Call not found")
		return
	}
	if err != nil {
		h.logger.Error("load call", "error", err, "call_id", callID)
		writeError(w, http.StatusInternalServerError, "Failed to get call")
		return
	}

	members, err := h.dir.Members(r.Context(), call.ConversationID)
	switch {
	case errors.Is(err, relay.ErrUnknownConversation):
		// Conversation removed since the call; nobody can prove membership.
		writeError(w, http.StatusForbidden, "Not a member of this conversation")
		return
	case err != nil:
		h.logger.Error("load conversation members", "error", err, "conversation_id", call.ConversationID)
		writeError(w, http.StatusInternalServerError, "Failed to get call")
		return
	case !slices.Contains(members, userID):
		writeError(w, http.StatusForbidden, "Not a member of this conversation")
		return
	}

	writeJSON(w, http.StatusOK, call)
}

// GetMissedCallCount godoc
// @Summary Count missed calls
// @Description Calls the user never answered within the window (default 7 days).
// @Tags calls
// @Security BearerAuth
// @Produce json
// @Param since query string false "Window as a Go duration, e.g. 24h"
// @Success 200 {object} MissedCallsResponse
// @Failure 400 {object} map[string]string
// @Router /calls/missed/count [get]
func (h *CallHandler) GetMissedCallCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	window := missedWindow
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "since must be a positive duration")
			return
		}
		window = d
	}
	since := h.now().Add(-window).UTC()

	count, err := h.calls.MissedCallCount(r.Context(), userID, since)
	if err != nil {
		h.logger.Error("count missed calls", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "Failed to count missed calls")
		return
	}

	writeJSON(w, http.StatusOK, MissedCallsResponse{Count: count, Since: since})
}
