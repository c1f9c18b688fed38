package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/csiro-workspace/workspace-go/internal/model"
	"github.com/csiro-workspace/workspace-go/internal/store"
	"github.com/csiro-workspace/workspace-go/internal/supervisor"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// openSessionRequest is the JSON body for POST /v1/sessions.
type openSessionRequest struct {
	File string `json:"file"`
}

// sessionView is the live view of a supervised session.
type sessionView struct {
	ID    string `json:"id"`
	Key   int    `json:"key"`
	File  string `json:"file"`
	State string `json:"state"`
	PID   int    `json:"pid"`
}

// listSessionsResponse wraps the paginated journal list response.
type listSessionsResponse struct {
	Sessions []*model.Session `json:"sessions"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

func viewOf(sess *supervisor.Session) sessionView {
	return sessionView{
		ID:    sess.ID(),
		Key:   int(sess.Key().Key),
		File:  sess.File(),
		State: sess.State().String(),
		PID:   sess.PID(),
	}
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.File == "" {
		s.writeError(w, http.StatusBadRequest, "file is required")
		return
	}

	sess, err := s.registry.Open(r.Context(), req.File)
	if err != nil {
		if errors.Is(err, supervisor.ErrConnect) {
			s.logger.Error("open session", "file", req.File, "error", err)
			s.writeError(w, http.StatusBadGateway, "engine failed to connect")
			return
		}
		s.logger.Error("open session", "file", req.File, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to open session")
		return
	}

	s.writeJSON(w, http.StatusCreated, viewOf(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	sessions, total, err := s.store.ListSessions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list sessions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	if sessions == nil {
		sessions = []*model.Session{}
	}

	s.writeJSON(w, http.StatusOK, listSessionsResponse{
		Sessions: sessions,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

// handleGetSession prefers the live registry view and falls back to the
// journal for sessions that have already terminated.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if sess, ok := s.registry.Get(id); ok {
		s.writeJSON(w, http.StatusOK, viewOf(sess))
		return
	}

	rec, err := s.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("get session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.liveSession(w, r)
	if !ok {
		return
	}

	if err := sess.Terminate(); err != nil {
		s.logger.Error("terminate session", "session", sess.ID(), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to terminate session")
		return
	}

	s.writeJSON(w, http.StatusAccepted, viewOf(sess))
}

// runRequest is the JSON body for POST /v1/sessions/{id}/run. Wait is only
// honored for once mode; a continuous run has no single completion to wait
// for.
type runRequest struct {
	Mode string `json:"mode"`
	Wait bool   `json:"wait"`
}

type runResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.liveSession(w, r)
	if !ok {
		return
	}

	var req runRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Mode == "" {
		req.Mode = model.ModeOnce
	}

	switch req.Mode {
	case model.ModeOnce:
		if req.Wait {
			success, err := sess.RunOnceAndWait(r.Context())
			if err != nil {
				s.runError(w, sess, err)
				return
			}
			status := model.StatusSucceeded
			if !success {
				status = model.StatusFailed
			}
			s.writeJSON(w, http.StatusOK, runResponse{Status: status})
			return
		}
		if err := sess.RunOnce(); err != nil {
			s.runError(w, sess, err)
			return
		}
	case model.ModeContinuous:
		if err := sess.RunContinuously(); err != nil {
			s.runError(w, sess, err)
			return
		}
	default:
		s.writeError(w, http.StatusBadRequest, "mode must be once or continuous")
		return
	}

	s.writeJSON(w, http.StatusAccepted, runResponse{Status: model.StatusRunning})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.liveSession(w, r)
	if !ok {
		return
	}

	if err := sess.Stop(); err != nil {
		s.runError(w, sess, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, runResponse{Status: model.StatusStopped})
}

// setValueRequest is the JSON body for the input and global PUT endpoints.
type setValueRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleSetInput(w http.ResponseWriter, r *http.Request) {
	s.setItem(w, r, func(sess *supervisor.Session, name, value string) error {
		return sess.SetInput(name, value)
	})
}

func (s *Server) handleSetGlobalName(w http.ResponseWriter, r *http.Request) {
	s.setItem(w, r, func(sess *supervisor.Session, name, value string) error {
		return sess.SetGlobalName(name, value)
	})
}

func (s *Server) setItem(w http.ResponseWriter, r *http.Request, apply func(*supervisor.Session, string, string) error) {
	sess, ok := s.liveSession(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	var req setValueRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := apply(sess, name, req.Value); err != nil {
		s.runError(w, sess, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetInputs(w http.ResponseWriter, r *http.Request) {
	s.getItems(w, r, supervisor.CategoryInputs)
}

func (s *Server) handleGetOutputs(w http.ResponseWriter, r *http.Request) {
	s.getItems(w, r, supervisor.CategoryOutputs)
}

func (s *Server) handleGetGlobalNames(w http.ResponseWriter, r *http.Request) {
	s.getItems(w, r, supervisor.CategoryGlobalNames)
}

func (s *Server) getItems(w http.ResponseWriter, r *http.Request, category string) {
	sess, ok := s.liveSession(w, r)
	if !ok {
		return
	}

	var (
		items map[string]supervisor.Entry
		err   error
	)
	switch category {
	case supervisor.CategoryInputs:
		items, err = sess.Inputs(r.Context())
	case supervisor.CategoryOutputs:
		items, err = sess.Outputs(r.Context())
	default:
		items, err = sess.GlobalNames(r.Context())
	}
	if err != nil {
		s.logger.Error("list items", "session", sess.ID(), "category", category, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query engine")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{category: items})
}

// listRunsResponse wraps the run journal for one session.
type listRunsResponse struct {
	SessionID string       `json:"session_id"`
	Runs      []*model.Run `json:"runs"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// The journal outlives the session, so runs stay queryable after
	// termination; only a never-seen id is a 404.
	if _, ok := s.registry.Get(id); !ok {
		if _, err := s.store.GetSession(r.Context(), id); errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		} else if err != nil {
			s.logger.Error("get session for runs", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get session")
			return
		}
	}

	runs, err := s.store.ListRuns(r.Context(), id)
	if err != nil {
		s.logger.Error("list runs", "session", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{SessionID: id, Runs: runs})
}

// liveSession resolves the id route parameter to a live session, writing the
// appropriate error response when it cannot.
func (s *Server) liveSession(w http.ResponseWriter, r *http.Request) (*supervisor.Session, bool) {
	id := chi.URLParam(r, "id")
	sess, ok := s.registry.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found or terminated")
		return nil, false
	}
	return sess, true
}

func (s *Server) runError(w http.ResponseWriter, sess *supervisor.Session, err error) {
	if errors.Is(err, supervisor.ErrTerminated) {
		s.writeError(w, http.StatusConflict, "session is terminated")
		return
	}
	s.logger.Error("session command", "session", sess.ID(), "error", err)
	s.writeError(w, http.StatusInternalServerError, "engine command failed")
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
