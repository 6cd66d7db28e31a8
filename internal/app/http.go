package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/rtcbridge/internal/bridge"
	"github.com/MrWong99/rtcbridge/internal/health"
	"github.com/MrWong99/rtcbridge/internal/observe"
	"github.com/MrWong99/rtcbridge/internal/resilience"
	"github.com/MrWong99/rtcbridge/pkg/audio"
	"github.com/MrWong99/rtcbridge/pkg/audio/stream"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// statusResponse is the JSON body of GET /status.
type statusResponse struct {
	Active            bool       `json:"active"`
	RunID             string     `json:"run_id,omitempty"`
	Engine            string     `json:"engine"`
	RoomID            string     `json:"room_id,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	JoinState         string     `json:"join_state"`
	UplinkRunning     bool       `json:"uplink_running"`
	DownlinkRunning   bool       `json:"downlink_running"`
	WakeGateOpen      bool       `json:"wake_gate_open"`
	QueueLen          int        `json:"queue_len"`
	QueueCap          int        `json:"queue_cap"`
	OutstandingFrames int64      `json:"outstanding_frames"`
}

// errorResponse is the JSON body of failed control requests.
type errorResponse struct {
	Error string `json:"error"`
}

// routes builds the control API:
//
//	GET  /healthz, /readyz  liveness and readiness
//	GET  /metrics           Prometheus scrape endpoint
//	GET  /status            session status
//	POST /session/start     start the session (503 while the start breaker is open)
//	POST /session/stop      stop the session
//	POST /wake/start        raise a wake start event
//	POST /wake/end          raise a wake end event
//	GET  /runs              recorded runs, newest first
//	GET  /runs/{runID}/messages  room messages of a run
func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(a.metrics))

	health.New(
		health.StateChecker("session", func() (string, bool) {
			s := a.sessions.Status().JoinState
			return s.String(), s == bridge.JoinJoined
		}),
	).Register(r)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/status", a.handleStatus)

	r.Route("/session", func(r chi.Router) {
		r.Post("/start", a.handleSessionStart)
		r.Post("/stop", a.handleSessionStop)
	})
	r.Route("/wake", func(r chi.Router) {
		r.Post("/start", a.handleWake(audio.RecorderWakeStart))
		r.Post("/end", a.handleWake(audio.RecorderWakeEnd))
	})
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", a.handleRuns)
		r.Get("/{runID}/messages", a.handleRunMessages)
	})
	return r
}

func (a *App) status() statusResponse {
	info := a.sessions.Info()
	st := a.sessions.Status()
	res := statusResponse{
		Active:            a.sessions.IsActive(),
		RunID:             info.RunID,
		Engine:            a.sessions.Config().Engine.Name,
		RoomID:            st.RoomID,
		JoinState:         st.JoinState.String(),
		UplinkRunning:     st.UplinkRunning,
		DownlinkRunning:   st.DownlinkRunning,
		WakeGateOpen:      st.WakeGateOpen,
		QueueLen:          st.QueueLen,
		QueueCap:          st.QueueCap,
		OutstandingFrames: st.OutstandingFrames,
	}
	if !info.StartedAt.IsZero() {
		res.StartedAt = &info.StartedAt
	}
	return res
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.status())
}

func (a *App) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	err := a.sessions.Start(r.Context())
	switch {
	case errors.Is(err, ErrSessionActive):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, resilience.ErrCircuitOpen):
		w.Header().Set("Retry-After", "30")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case err != nil:
		observe.Logger(r.Context()).Warn("app: session start request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, a.status())
	}
}

func (a *App) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	err := a.sessions.Stop(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, ErrNoSession):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case err != nil:
		observe.Logger(r.Context()).Warn("app: session stop request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, a.status())
	}
}

func (a *App) handleWake(t audio.RecorderEventType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := a.Wake(t)
		switch {
		case errors.Is(err, stream.ErrNoRecorder):
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("app: write response failed", "err", err)
	}
}
