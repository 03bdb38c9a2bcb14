package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tako0614/coding-agent-sub001/internal/store"
	"github.com/tako0614/coding-agent-sub001/internal/supervisor"
)

// modelID is the synthetic model the OpenAI-compatible surface advertises.
// Requests naming any model are accepted; the engine routes per run policy.
const modelID = "run-engine-1"

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{{
			"id":       modelID,
			"object":   "model",
			"created":  time.Now().Unix(),
			"owned_by": "supervisord",
		}},
	})
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// handleChatCompletions bridges an OpenAI chat request to a run: the last
// user message becomes the goal, the request blocks until the run settles,
// and the final report comes back as the assistant message.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Stream {
		writeError(w, http.StatusBadRequest, "streaming is not supported on this endpoint; use /api/events")
		return
	}
	goal := ""
	for _, m := range req.Messages {
		if m.Role == "user" && m.Content != "" {
			goal = m.Content
		}
	}
	if goal == "" {
		writeError(w, http.StatusBadRequest, "at least one user message is required")
		return
	}

	runID, err := s.sup.StartRun(r.Context(), supervisor.RunParams{
		Goal:     goal,
		RepoPath: s.cfg.WorkspaceRoot,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.runs.Wait(r.Context(), runID); err != nil {
		writeError(w, http.StatusRequestTimeout, fmt.Sprintf("run %s still executing: %v", runID, err))
		return
	}

	v, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	content := v.FinalReport
	finish := "stop"
	if v.Status != store.StatusCompleted {
		content = "run " + string(v.Status) + ": " + v.Error
		finish = "error"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      "chatcmpl-" + runID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   modelID,
		"choices": []map[string]any{{
			"index":         0,
			"message":       chatMessage{Role: "assistant", Content: content},
			"finish_reason": finish,
		}},
	})
}
