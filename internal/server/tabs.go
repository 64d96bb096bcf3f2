package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/entl/termhub/internal/storage"
)

type tabRequest struct {
	Action string `json:"action"`
	ID     string `json:"id"`
	Title  string `json:"title"`
}

// ListTabs returns the tab list, creating the first tab when there is none.
func (s *Server) ListTabs(w http.ResponseWriter, r *http.Request) {
	tabs, err := s.db.EnsureDefaultTab(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list tabs")
		writeError(w, http.StatusInternalServerError, "Failed to list tabs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tabs": tabs})
}

// PostTabs creates, renames or activates a tab. The action defaults to
// create.
func (s *Server) PostTabs(w http.ResponseWriter, r *http.Request) {
	var req tabRequest
	if r.Body != nil {
		// An unreadable body is treated as an empty create request.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Action == "" {
		req.Action = "create"
	}

	switch req.Action {
	case "create":
		tab, err := s.db.CreateTab(r.Context(), req.Title)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to create tab")
			writeError(w, http.StatusInternalServerError, "Failed to create tab")
			return
		}
		s.respondWithTabs(w, r, http.StatusCreated, &tab)

	case "rename":
		if req.ID == "" || strings.TrimSpace(req.Title) == "" {
			writeError(w, http.StatusBadRequest, "Missing id/title")
			return
		}
		tab, err := s.db.RenameTab(r.Context(), req.ID, req.Title)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Not found")
			return
		}
		if err != nil {
			s.logger.Error().Err(err).Str("tabId", req.ID).Msg("failed to rename tab")
			writeError(w, http.StatusInternalServerError, "Failed to rename tab")
			return
		}
		s.respondWithTabs(w, r, http.StatusOK, &tab)

	case "set-active":
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusBadRequest, "Unsupported action")
	}
}

// DeleteTab removes a tab and forgets its history and logged commands.
func (s *Server) DeleteTab(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing id")
		return
	}

	err := s.db.DeleteTab(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
		return
	case errors.Is(err, storage.ErrLastTab):
		writeError(w, http.StatusBadRequest, "Cannot remove last tab")
		return
	case err != nil:
		s.logger.Error().Err(err).Str("tabId", id).Msg("failed to delete tab")
		writeError(w, http.StatusInternalServerError, "Failed to delete tab")
		return
	}

	if err := s.history.Forget(r.Context(), id); err != nil {
		// The tab is gone either way; a leftover file is only wasted space.
		s.logger.Warn().Err(err).Str("tabId", id).Msg("failed to forget tab history")
	}
	s.respondWithTabs(w, r, http.StatusOK, nil)
}

func (s *Server) respondWithTabs(w http.ResponseWriter, r *http.Request, status int, tab *storage.Tab) {
	tabs, err := s.db.ListTabs(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list tabs")
		writeError(w, http.StatusInternalServerError, "Failed to list tabs")
		return
	}
	resp := map[string]any{"ok": true, "tabs": tabs}
	if tab != nil {
		resp["tab"] = tab
	}
	writeJSON(w, status, resp)
}
