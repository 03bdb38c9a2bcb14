package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tako0614/coding-agent-sub001/internal/config"
	"github.com/tako0614/coding-agent-sub001/internal/store"
	"github.com/tako0614/coding-agent-sub001/internal/supervisor"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   Version,
		"timestamp": time.Now().UnixMilli(),
	})
}

type modelPolicyBody struct {
	Planner  string `json:"planner"`
	Executor string `json:"executor"`
}

type securityPolicyBody struct {
	AllowedCommands []string `json:"allowed_commands"`
	DeniedCommands  []string `json:"denied_commands"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	var pol *config.RunPolicy
	if len(req.ModelPolicy) > 0 || len(req.SecurityPolicy) > 0 {
		pol = &config.RunPolicy{}
		if len(req.ModelPolicy) > 0 {
			var mp modelPolicyBody
			if err := json.Unmarshal(req.ModelPolicy, &mp); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid model_policy: %v", err))
				return
			}
			pol.Models.Planner = mp.Planner
			pol.Models.Executor = mp.Executor
		}
		if len(req.SecurityPolicy) > 0 {
			var sp securityPolicyBody
			if err := json.Unmarshal(req.SecurityPolicy, &sp); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid security_policy: %v", err))
				return
			}
			pol.Security.AllowedCommands = sp.AllowedCommands
			pol.Security.DeniedCommands = sp.DeniedCommands
		}
	}

	runID, err := s.sup.StartRun(r.Context(), supervisor.RunParams{
		Goal:      req.Goal,
		RepoPath:  req.RepoPath,
		ProjectID: req.ProjectID,
		Mode:      req.Mode,
		Policy:    pol,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, RunResponse{RunID: runID, Status: "accepted"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	var (
		views any
		err   error
	)
	if pid := r.URL.Query().Get("project_id"); pid != "" {
		views, err = s.runs.ListByProject(r.Context(), pid)
	} else {
		views, err = s.runs.List(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": views})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	v, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if s.runs.IsLive(runID) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("run %s is still running; cancel it first", runID))
		return
	}
	if _, err := s.runs.Get(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.runs.Delete(r.Context(), runID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body) // reason is optional
	if !s.sup.Cancel(runID, body.Reason) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s is not live", runID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an integer log id")
			return
		}
		since = n
	}
	logs, err := s.bus.LogsSinceID(r.Context(), runID, since, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []store.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}
