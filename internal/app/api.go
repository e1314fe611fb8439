package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/session"
	"github.com/MrWong99/voxline/pkg/audio/playback"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// routes builds the control API mux.
func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.metricsH)

	mux.HandleFunc("GET /network", a.handleNetwork)
	mux.HandleFunc("GET /providers", a.handleProviders)

	mux.HandleFunc("GET /sessions", a.handleListSessions)
	mux.HandleFunc("POST /sessions/{id}", a.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", a.withSession(a.handleGetSession))
	mux.HandleFunc("DELETE /sessions/{id}", a.handleCloseSession)
	mux.HandleFunc("POST /sessions/{id}/turns", a.withSession(a.handleBeginTurn))
	mux.HandleFunc("POST /sessions/{id}/say", a.withSession(a.handleSay))
	mux.HandleFunc("POST /sessions/{id}/stream", a.withSession(a.handleStream))
	mux.HandleFunc("POST /sessions/{id}/interrupt", a.withSession(a.handleInterrupt))
	mux.HandleFunc("POST /sessions/{id}/resume", a.withSession(a.handleResume))
	mux.HandleFunc("POST /sessions/{id}/reset", a.withSession(a.handleReset))
	return mux
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, s *session.Session)

// withSession resolves the {id} path value to a live session.
func (a *App) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		s, err := a.sessions.Get(id)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		h(w, r.WithContext(observe.WithSession(r.Context(), id)), s)
	}
}

// networkResponse is the body of GET /network.
type networkResponse struct {
	Quality      string   `json:"quality"`
	Timeout      string   `json:"timeout"`
	LargeTimeout string   `json:"large_payload_timeout"`
	Latencies    []string `json:"latencies"`
}

func (a *App) handleNetwork(w http.ResponseWriter, r *http.Request) {
	cfg := a.monitor.Config()
	resp := networkResponse{
		Quality:      a.monitor.Quality().String(),
		Timeout:      a.monitor.AdaptiveTimeout(0).String(),
		LargeTimeout: a.monitor.AdaptiveTimeout(cfg.LargePayloadBytes).String(),
		Latencies:    []string{},
	}
	for _, s := range a.monitor.History() {
		resp.Latencies = append(resp.Latencies, s.Latency.Round(time.Millisecond).String())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleProviders(w http.ResponseWriter, r *http.Request) {
	states := a.synth.States()
	out := make(map[string]string, len(states))
	for name, st := range states {
		out[name] = st.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order":     a.synth.Names(),
		"states":    out,
		"streaming": a.stream != nil,
	})
}

func (a *App) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.List())
}

func (a *App) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.Create(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, ErrSessionExists):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.Info())
}

func (a *App) handleGetSession(w http.ResponseWriter, r *http.Request, s *session.Session) {
	writeJSON(w, http.StatusOK, s.Info())
}

func (a *App) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Close(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleBeginTurn(w http.ResponseWriter, r *http.Request, s *session.Session) {
	turn, err := s.BeginTurn()
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"turn": turn})
}

// sayRequest is the body of POST /sessions/{id}/say and /stream. A nil Index
// appends after the highest index used so far in the turn.
type sayRequest struct {
	Index *int   `json:"index"`
	Text  string `json:"text"`
}

func (a *App) handleSay(w http.ResponseWriter, r *http.Request, s *session.Session) {
	var req sayRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}

	if req.Index == nil {
		frags := make(chan string, 1)
		frags <- req.Text
		close(frags)
		n, err := s.Speak(r.Context(), frags)
		if err != nil {
			failRequest(w, r, enqueueStatus(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]int{"sentences": n})
		return
	}

	if err := s.Say(*req.Index, req.Text); err != nil {
		failRequest(w, r, enqueueStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"index": *req.Index})
}

func (a *App) handleStream(w http.ResponseWriter, r *http.Request, s *session.Session) {
	var req sayRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Text == "" || req.Index == nil {
		writeError(w, http.StatusBadRequest, errors.New("index and text are required"))
		return
	}
	if err := s.StreamSentence(r.Context(), *req.Index, req.Text); err != nil {
		if errors.Is(err, session.ErrNoStreaming) {
			writeError(w, http.StatusNotImplemented, err)
			return
		}
		failRequest(w, r, enqueueStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"index": *req.Index})
}

func (a *App) handleInterrupt(w http.ResponseWriter, r *http.Request, s *session.Session) {
	s.Interrupt()
	writeJSON(w, http.StatusOK, s.Info())
}

func (a *App) handleResume(w http.ResponseWriter, r *http.Request, s *session.Session) {
	s.Resume()
	writeJSON(w, http.StatusOK, s.Info())
}

func (a *App) handleReset(w http.ResponseWriter, r *http.Request, s *session.Session) {
	s.Reset()
	writeJSON(w, http.StatusOK, s.Info())
}

// enqueueStatus maps queue and session errors to HTTP status codes.
func enqueueStatus(err error) int {
	switch {
	case errors.Is(err, playback.ErrDuplicateIndex), errors.Is(err, playback.ErrIndexPassed):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed), errors.Is(err, playback.ErrClosed):
		return http.StatusGone
	default:
		return http.StatusBadGateway
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// failRequest writes err and logs it when the failure is on our side.
func failRequest(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Warn("request failed", "route", r.Pattern, "status", status, "err", err)
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
