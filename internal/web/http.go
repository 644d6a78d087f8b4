// Package web exposes the read surface for approvals and the submission
// endpoints that forward decision batches to a running agent workflow.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"praetor/internal/metrics"
)

const maxRequestBody = 1 << 20

type Server struct {
	Mux       *http.ServeMux
	Store     ApprovalStore
	Runs      RunController
	AuthToken string
}

func NewServer(store ApprovalStore, runs RunController, authToken string) *Server {
	s := &Server{
		Mux:       http.NewServeMux(),
		Store:     store,
		Runs:      runs,
		AuthToken: authToken,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.Mux.Handle("/metrics", metrics.Handler())
	s.Mux.Handle("/v1/runs", s.withAuth(http.HandlerFunc(s.handleRuns)))
	s.Mux.Handle("/v1/sessions/", s.withAuth(http.HandlerFunc(s.handleSessionSubresource)))
}

// Handler wraps the mux with request metrics.
func (s *Server) Handler() http.Handler {
	return metrics.Middleware(s.Mux)
}

// withAuth requires the static bearer token when one is configured.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AuthToken != "" {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.AuthToken)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// workspaceFromRequest resolves the tenant scope; every data endpoint is
// workspace-scoped.
func workspaceFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Workspace-ID")); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("workspace_id"))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "error", err)
	}
}

func errorJSON(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// PaginationMeta carries pagination metadata in list responses.
type PaginationMeta struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// parsePagination extracts limit and offset from query parameters.
// Defaults: limit=50, max limit=200, offset>=0.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func paginatedResponse(w http.ResponseWriter, data json.RawMessage, limit, offset, total int) {
	writeJSON(w, http.StatusOK, map[string]any{
		"data": data,
		"pagination": PaginationMeta{
			Limit:  limit,
			Offset: offset,
			Total:  total,
		},
	})
}
