package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/tako0614/coding-agent-sub001/internal/store"
)

func (s *Server) handleOrphanedList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.bus.Orphaned(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_ids": ids})
}

func (s *Server) handleOrphanedDelete(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if _, err := s.db.DeleteLogs(r.Context(), runID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleParallelGet(w http.ResponseWriter, r *http.Request) {
	ps, err := s.db.GetParallelSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":    json.RawMessage(ps.Data),
		"version": ps.Version,
	})
}

func (s *Server) handleParallelPut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data    json.RawMessage `json:"data"`
		Version int64           `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(body.Data) == 0 {
		writeError(w, http.StatusBadRequest, "data is required")
		return
	}
	next, err := s.db.PutParallelSessions(r.Context(), string(body.Data), body.Version)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			writeErrorCode(w, http.StatusConflict, "VERSION_CONFLICT", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": next})
}

func (s *Server) handleShellTabsGet(w http.ResponseWriter, r *http.Request) {
	data, err := s.db.GetShellTabs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": json.RawMessage(data)})
}

func (s *Server) handleShellTabsPut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(body.Data) == 0 {
		writeError(w, http.StatusBadRequest, "data is required")
		return
	}
	if err := s.db.PutShellTabs(r.Context(), string(body.Data)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

const (
	minContextTokens = 10_000
	maxContextTokens = 500_000
)

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	all, err := s.db.AllSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	masked := make(map[string]string, len(all))
	for k, v := range all {
		if store.IsSensitiveKey(k) {
			masked[k] = store.MaskValue(v)
		} else {
			masked[k] = v
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": masked})
}

func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "no settings provided")
		return
	}
	for k, v := range body {
		if k == "max_context_tokens" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "max_context_tokens must be an integer")
				return
			}
			if n < minContextTokens {
				n = minContextTokens
			}
			if n > maxContextTokens {
				n = maxContextTokens
			}
			v = strconv.Itoa(n)
		}
		if err := s.db.SetSetting(r.Context(), k, v); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleSettingsDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := s.db.DeleteSetting(r.Context(), key); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
