// Package server exposes the session operations over HTTP plus a
// websocket event stream fed by the bus. It is a thin adapter: every
// route delegates to the supervise.Manager.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"loom/internal/agent"
	"loom/internal/bus"
	"loom/internal/provider"
	"loom/internal/session"
	"loom/internal/supervise"
	"loom/pkg/logger"
)

// Server is the HTTP/websocket surface.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	mgr        *supervise.Manager
	broker     *bus.Bus
}

// New creates the server listening on addr.
func New(addr string, mgr *supervise.Manager, broker *bus.Bus) *Server {
	router := mux.NewRouter()
	s := &Server{
		httpServer: &http.Server{
			Addr:        addr,
			ReadTimeout: 60 * time.Second,
			IdleTimeout: 120 * time.Second,
		},
		router: router,
		mgr:    mgr,
		broker: broker,
	}
	s.routes()
	s.httpServer.Handler = recoverMiddleware(logMiddleware(router))
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/sessions", s.handleStartSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleStopSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/prompt", s.handlePrompt).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/abort", s.handleAbort).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/model", s.handleSetModel).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/thinking", s.handleSetThinking).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/state", s.handleGetState).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/context", s.handleGetContext).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/compact", s.handleCompact).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/branch", s.handleBranch).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/events", s.handleEvents).Methods(http.MethodGet)
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	logger.Info().Str("addr", s.httpServer.Addr).Msg("server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startSessionRequest struct {
	SessionID    string `json:"session_id,omitempty"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	WorkingDir   string `json:"working_dir,omitempty"`
	Persist      bool   `json:"persist,omitempty"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decode(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, errCodeInvalidRequest, err.Error())
		return
	}

	st, err := s.mgr.StartSession(supervise.SessionOptions{
		SessionID:    req.SessionID,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		WorkingDir:   req.WorkingDir,
		Persist:      req.Persist,
	})
	if err != nil {
		switch {
		case errors.Is(err, supervise.ErrMaxSessions):
			sendError(w, http.StatusConflict, errCodeMaxSessions, err.Error())
		case errors.Is(err, supervise.ErrInvalidWorkingDir),
			errors.Is(err, agent.ErrUnknownModel),
			errors.Is(err, supervise.ErrSessionExists):
			sendError(w, http.StatusBadRequest, errCodeInvalidRequest, err.Error())
		default:
			sendError(w, http.StatusInternalServerError, errCodeInternal, err.Error())
		}
		return
	}
	sendJSON(w, http.StatusCreated, st)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, s.mgr.ListSessions())
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.StopSession(mux.Vars(r)["id"]); err != nil {
		s.sessionError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type promptRequest struct {
	Text string `json:"text"`
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := decode(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, errCodeInvalidRequest, err.Error())
		return
	}
	queued, err := s.mgr.Prompt(mux.Vars(r)["id"], req.Text)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]bool{"queued": queued})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Abort(mux.Vars(r)["id"]); err != nil {
		s.sessionError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

func (s *Server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if err := decode(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, errCodeInvalidRequest, err.Error())
		return
	}
	if err := s.mgr.SetModel(mux.Vars(r)["id"], req.Model); err != nil {
		s.sessionError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"model": req.Model})
}

func (s *Server) handleSetThinking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level string `json:"level"`
	}
	if err := decode(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, errCodeInvalidRequest, err.Error())
		return
	}
	if err := s.mgr.SetThinkingLevel(mux.Vars(r)["id"], provider.ThinkingLevel(req.Level)); err != nil {
		s.sessionError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"level": req.Level})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	st, err := s.mgr.GetState(mux.Vars(r)["id"])
	if err != nil {
		s.sessionError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.mgr.GetContext(mux.Vars(r)["id"])
	if err != nil {
		s.sessionError(w, err)
		return
	}
	if msgs == nil {
		msgs = []session.Message{}
	}
	sendJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeepRecentTokens int `json:"keep_recent_tokens,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, errCodeInvalidRequest, err.Error())
		return
	}
	if err := s.mgr.Compact(mux.Vars(r)["id"], req.KeepRecentTokens); err != nil {
		s.sessionError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "compacted"})
}

func (s *Server) handleBranch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID string `json:"message_id"`
	}
	if err := decode(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, errCodeInvalidRequest, err.Error())
		return
	}
	if err := s.mgr.Branch(mux.Vars(r)["id"], req.MessageID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			sendError(w, http.StatusNotFound, errCodeNotFound, err.Error())
			return
		}
		s.sessionError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "branched"})
}

// sessionError maps manager errors onto HTTP statuses.
func (s *Server) sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, supervise.ErrSessionNotFound):
		sendError(w, http.StatusNotFound, errCodeNotFound, err.Error())
	case errors.Is(err, agent.ErrEmptyPrompt),
		errors.Is(err, agent.ErrUnknownModel),
		errors.Is(err, agent.ErrNoThinking),
		errors.Is(err, agent.ErrBusy):
		sendError(w, http.StatusBadRequest, errCodeInvalidRequest, err.Error())
	default:
		sendError(w, http.StatusInternalServerError, errCodeInternal, err.Error())
	}
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}
