package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/rtcbridge/internal/message"
	"github.com/MrWong99/rtcbridge/pkg/history"
	"github.com/go-chi/chi/v5"
)

// defaultListLimit caps history listings without an explicit limit.
const defaultListLimit = 50

// recorder is a [message.Processor] that appends room messages to the run
// history of the active session.
type recorder struct {
	store history.Store
	runID func() string
	now   func() time.Time
}

var _ message.Processor = (*recorder)(nil)

// Process implements [message.Processor]. Messages received while no run is
// recorded are skipped.
func (r *recorder) Process(msg message.Message) {
	runID := r.runID()
	if runID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	err := r.store.WriteEntry(ctx, history.Entry{
		RunID:      runID,
		RoomID:     msg.RoomID,
		UserID:     msg.UserID,
		Payload:    msg.Payload,
		Binary:     msg.Binary,
		ReceivedAt: r.now().UTC(),
	})
	if err != nil {
		slog.Warn("app: record message failed", "run_id", runID, "err", err)
	}
}

// runMessage is one entry of GET /runs/{runID}/messages. Text carries
// printable payloads, Payload everything else.
type runMessage struct {
	RoomID     string    `json:"room_id"`
	UserID     string    `json:"user_id"`
	ReceivedAt time.Time `json:"received_at"`
	Binary     bool      `json:"binary"`
	Text       string    `json:"text,omitempty"`
	Payload    []byte    `json:"payload,omitempty"`
}

func (a *App) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}
	runs, err := a.history.Runs(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *App) handleRunMessages(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}
	entries, err := a.history.Entries(r.Context(), chi.URLParam(r, "runID"), limit)
	switch {
	case errors.Is(err, history.ErrRunNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	out := make([]runMessage, 0, len(entries))
	for _, e := range entries {
		m := runMessage{
			RoomID:     e.RoomID,
			UserID:     e.UserID,
			ReceivedAt: e.ReceivedAt,
			Binary:     e.Binary,
		}
		if !e.Binary && utf8.Valid(e.Payload) {
			m.Text = string(e.Payload)
		} else {
			m.Payload = e.Payload
		}
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, out)
}

// listLimit parses the optional ?limit= query parameter. It writes a 400
// response and returns false for malformed values.
func listLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
		return 0, false
	}
	return n, true
}
