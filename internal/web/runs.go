package web

import (
	"encoding/json"
	"net/http"
	"strings"

	"praetor/internal/agent"
)

// handleRuns starts an agent run. The run context is taken from the body and
// cross-checked against the workspace header when both are present.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.Runs == nil {
		http.Error(w, "orchestrator unavailable", http.StatusServiceUnavailable)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req agent.StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if header := workspaceFromRequest(r); header != "" {
		if req.RunContext.WorkspaceID == "" {
			req.RunContext.WorkspaceID = header
		} else if req.RunContext.WorkspaceID != header {
			errorJSON(w, http.StatusBadRequest, "workspace_id mismatch")
			return
		}
	}
	if err := req.RunContext.Validate(); err != nil {
		errorJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		errorJSON(w, http.StatusBadRequest, "prompt required")
		return
	}
	result, err := s.Runs.StartRun(r.Context(), req)
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}
