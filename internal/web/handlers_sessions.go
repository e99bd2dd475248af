package web

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/asheshgoplani/ptydeck/internal/agent"
	"github.com/asheshgoplani/ptydeck/internal/pty"
)

type spawnRequest struct {
	ID string `json:"id,omitempty"`
	pty.SpawnOptions
}

type inputRequest struct {
	Data    string `json:"data"`
	TraceID string `json:"traceId,omitempty"`
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type sessionListResponse struct {
	Sessions []pty.Snapshot `json:"sessions"`
}

type sessionDetailsResponse struct {
	Info     pty.Info     `json:"info"`
	Snapshot pty.Snapshot `json:"snapshot"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !s.guard(w, r, false) {
			return
		}
		writeJSON(w, http.StatusOK, sessionListResponse{Sessions: s.manager.All()})

	case http.MethodPost:
		if !s.guard(w, r, true) {
			return
		}
		var req spawnRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id := strings.TrimSpace(req.ID)
		if id == "" {
			id = uuid.NewString()
		}
		if strings.Contains(id, "/") {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session id must not contain '/'")
			return
		}
		req.Kind = agent.NormalizeKind(string(req.Kind))
		if err := s.manager.Spawn(id, req.SpawnOptions); err != nil {
			webLog.Warn("spawn_request_failed", slog.String("session_id", id), slog.String("error", err.Error()))
			writeAPIError(w, http.StatusInternalServerError, "SPAWN_FAILED", err.Error())
			return
		}
		info, ok := s.manager.Get(id)
		if !ok {
			// Exited before we could look at it.
			writeJSON(w, http.StatusCreated, map[string]string{"id": id})
			return
		}
		writeJSON(w, http.StatusCreated, info)

	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

// handleSessionByID routes /api/sessions/{id} and its actions.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/sessions/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	sessionID, action, _ := strings.Cut(rest, "/")
	if sessionID == "" || strings.Contains(action, "/") {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session id is required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		if !s.guard(w, r, false) {
			return
		}
		info, ok := s.manager.Get(sessionID)
		if !ok {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
			return
		}
		snap, _ := s.manager.Snapshot(sessionID)
		writeJSON(w, http.StatusOK, sessionDetailsResponse{Info: info, Snapshot: snap})

	case action == "" && r.Method == http.MethodDelete:
		if !s.guard(w, r, true) {
			return
		}
		reason := strings.TrimSpace(r.URL.Query().Get("reason"))
		s.writeResult(w, s.manager.Kill(sessionID, reason), http.StatusAccepted)

	case action == "checked" && r.Method == http.MethodPost:
		if !s.guard(w, r, true) {
			return
		}
		s.writeResult(w, s.manager.MarkChecked(sessionID), http.StatusOK)

	case action == "input" && r.Method == http.MethodPost:
		if !s.guard(w, r, true) {
			return
		}
		var req inputRequest
		if !decodeBody(w, r, &req) {
			return
		}
		s.writeResult(w, s.manager.WriteTraced(sessionID, []byte(req.Data), req.TraceID), http.StatusOK)

	case action == "resize" && r.Method == http.MethodPost:
		if !s.guard(w, r, true) {
			return
		}
		var req resizeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		s.writeResult(w, s.manager.Resize(sessionID, req.Cols, req.Rows), http.StatusOK)

	case action == "" || action == "checked" || action == "input" || action == "resize":
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")

	default:
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	}
}

func (s *Server) writeResult(w http.ResponseWriter, err error, okStatus int) {
	switch {
	case err == nil:
		writeJSON(w, okStatus, map[string]bool{"ok": true})
	case errors.Is(err, pty.ErrUnknownSession):
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
	default:
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

type patternsResponse struct {
	Kinds []patternKind `json:"kinds"`
}

type patternKind struct {
	Kind         agent.Kind `json:"kind"`
	Agent        bool       `json:"agent"`
	BusyCount    int        `json:"busyPatterns"`
	PromptCount  int        `json:"promptPatterns"`
	SpinnerCheck bool       `json:"spinner"`
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.guard(w, r, false) {
		return
	}
	registry := s.manager.Registry()
	resp := patternsResponse{Kinds: []patternKind{}}
	for _, k := range registry.Kinds() {
		p, ok := registry.Patterns(k)
		if !ok {
			continue
		}
		resp.Kinds = append(resp.Kinds, patternKind{
			Kind:         k,
			Agent:        k.IsAgent(),
			BusyCount:    len(p.BusyStrings) + len(p.BusyRegexps),
			PromptCount:  len(p.PromptStrings) + len(p.PromptRegexps),
			SpinnerCheck: p.SpinnerActive != nil,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
