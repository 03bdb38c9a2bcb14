package server

import (
	"encoding/json"
	"net/http"
)

// CreateRunRequest is the POST /api/runs body.
type CreateRunRequest struct {
	Goal           string          `json:"goal"`
	RepoPath       string          `json:"repo_path"`
	ProjectID      string          `json:"project_id,omitempty"`
	Mode           string          `json:"mode,omitempty"`
	ModelPolicy    json.RawMessage `json:"model_policy,omitempty"`
	SecurityPolicy json.RawMessage `json:"security_policy,omitempty"`
}

// RunResponse acknowledges a created run.
type RunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}
