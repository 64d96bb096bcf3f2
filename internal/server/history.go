package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/entl/termhub/internal/history"
	"github.com/entl/termhub/internal/storage"
	"github.com/entl/termhub/internal/suggest"
	"github.com/go-chi/chi/v5"
)

const (
	defaultCommandLimit = 100
	maxCommandLimit     = 500
)

// GetHistory returns the persisted record for a session key.
func (s *Server) GetHistory(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	rec, err := s.history.Load(r.Context(), key)
	if err != nil {
		if errors.Is(err, history.ErrInvalidKey) {
			writeError(w, http.StatusBadRequest, "Invalid session id")
			return
		}
		s.logger.Error().Err(err).Str("sessionKey", key).Msg("failed to load history")
		writeError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// QueryCommands returns recent or prefix-filtered commands from the
// command log.
func (s *Server) QueryCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	limit := defaultCommandLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	if limit <= 0 || limit > maxCommandLimit {
		limit = defaultCommandLimit
	}

	var results []*storage.Command
	var err error

	if q != "" {
		results, err = s.db.SearchCommands(r.Context(), q, limit)
	} else {
		results, err = s.db.GetRecentCommands(r.Context(), limit)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to query commands")
		writeError(w, http.StatusInternalServerError, "Failed to query commands")
		return
	}
	if results == nil {
		results = []*storage.Command{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"commands": results})
}

// SuggestCommands returns completions for a command-line prefix.
func (s *Server) SuggestCommands(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	suggestions := s.suggest.Suggest(r.Context(), prefix)
	if suggestions == nil {
		suggestions = []suggest.Suggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}
