package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"praetor/internal/agent"
)

// ApprovalStore is the persistence surface the handlers read from. *db.DB
// satisfies it.
type ApprovalStore interface {
	ListSessionApprovals(ctx context.Context, workspaceID, sessionID string, limit, offset int) ([]byte, int, error)
}

// RunController starts runs and forwards decision batches to them.
// *agent.TemporalStarter satisfies it.
type RunController interface {
	StartRun(ctx context.Context, req agent.StartRunRequest) (agent.StartRunResult, error)
	SetApprovals(ctx context.Context, sessionID string, batch agent.SetApprovalsInput) (agent.SetApprovalsResult, error)
	RunStatus(ctx context.Context, sessionID string) (agent.RunStatus, error)
}

// handleSessionSubresource dispatches /v1/sessions/{id}/approvals and
// /v1/sessions/{id}/status.
func (s *Server) handleSessionSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	sessionID := parts[0]
	switch parts[1] {
	case "approvals":
		switch r.Method {
		case http.MethodGet:
			s.handleListApprovals(w, r, sessionID)
		case http.MethodPost:
			s.handleSetApprovals(w, r, sessionID)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case "status":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleRunStatus(w, r, sessionID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request, sessionID string) {
	if s.Store == nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	workspaceID := workspaceFromRequest(r)
	if workspaceID == "" {
		errorJSON(w, http.StatusBadRequest, "workspace_id required")
		return
	}
	limit, offset := parsePagination(r)
	payload, total, err := s.Store.ListSessionApprovals(r.Context(), workspaceID, sessionID, limit, offset)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	paginatedResponse(w, payload, limit, offset, total)
}

// SetApprovalsRequest is the HTTP shape for a decision batch.
type SetApprovalsRequest struct {
	Decisions  map[string]*agent.DecisionResponse `json:"decisions"`
	ApprovedBy string                             `json:"approved_by"`
}

// handleSetApprovals forwards the batch to the workflow's update handler. A
// rejected batch (wrong id set, malformed decision) comes back as 400 with
// the full mismatch report in the error message.
func (s *Server) handleSetApprovals(w http.ResponseWriter, r *http.Request, sessionID string) {
	if s.Runs == nil {
		http.Error(w, "orchestrator unavailable", http.StatusServiceUnavailable)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req SetApprovalsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if len(req.Decisions) == 0 {
		errorJSON(w, http.StatusBadRequest, "decisions required")
		return
	}
	result, err := s.Runs.SetApprovals(r.Context(), sessionID, agent.SetApprovalsInput{
		Decisions:  req.Decisions,
		ApprovedBy: req.ApprovedBy,
	})
	if err != nil {
		errorJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request, sessionID string) {
	if s.Runs == nil {
		http.Error(w, "orchestrator unavailable", http.StatusServiceUnavailable)
		return
	}
	status, err := s.Runs.RunStatus(r.Context(), sessionID)
	if err != nil {
		errorJSON(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}
