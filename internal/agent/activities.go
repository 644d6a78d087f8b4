package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"praetor/internal/db"
	"praetor/internal/metrics"
)

// ApprovalStore is the persistence surface the activities need for tool
// approvals. *db.DB satisfies it.
type ApprovalStore interface {
	RecordApprovalRequests(ctx context.Context, workspaceID, sessionID string, requests []db.ApprovalRequestRow) error
	ApplyApprovalDecisions(ctx context.Context, workspaceID, sessionID string, decisions []db.ApprovalDecisionRow) error
	UpdateApproval(ctx context.Context, workspaceID, sessionID, toolCallID string, update db.ApprovalUpdate) (db.ApprovalRow, error)
	ListSessionApprovals(ctx context.Context, workspaceID, sessionID string, limit, offset int) ([]byte, int, error)
}

// SessionStore is the persistence surface for session rows. *db.DB satisfies it.
type SessionStore interface {
	CreateSession(ctx context.Context, row db.SessionRow) error
	GetSession(ctx context.Context, workspaceID, sessionID string) (db.SessionRow, bool, error)
	IncrementSessionTurn(ctx context.Context, workspaceID, sessionID string) (int, error)
}

// TurnEngine runs one model turn and executes approved tool calls. The
// orchestrator treats it as opaque; only the TurnResult contract matters.
type TurnEngine interface {
	RunTurn(ctx context.Context, input TurnInput) (TurnResult, error)
	ExecuteTools(ctx context.Context, input ToolExecutionInput) (ToolExecutionResult, error)
}

// ToolResolver looks up tool definitions (input schema, approval flag) from
// the runtime's registry. *engine.Client satisfies it.
type ToolResolver interface {
	ResolveTools(ctx context.Context, filters ResolveFilters) (ResolvedTools, error)
}

// Recommender produces advisory approve/deny suggestions for a pending batch.
// Failures are logged and skipped; recommendations never gate the wait.
type Recommender interface {
	Recommend(ctx context.Context, input RecommendDecisionsInput) (RecommendDecisionsOutput, error)
}

// Activities holds the worker-side dependencies of the run workflow. The
// workflow invokes them by method name.
type Activities struct {
	Store       ApprovalStore
	Sessions    SessionStore
	Engine      TurnEngine
	Resolver    ToolResolver
	Recommender Recommender
}

// ApprovalRequestItem is one tool call entering the pending state.
type ApprovalRequestItem struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args,omitempty"`
}

type RecordApprovalRequestsInput struct {
	RunContext RunContext            `json:"run_context"`
	SessionID  string                `json:"session_id"`
	Requests   []ApprovalRequestItem `json:"requests"`
}

// ApprovalDecisionItem is one resolved decision to persist.
type ApprovalDecisionItem struct {
	ToolCallID string          `json:"tool_call_id"`
	Status     string          `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	Decision   json.RawMessage `json:"decision,omitempty"`
	ApprovedBy string          `json:"approved_by,omitempty"`
}

type ApplyApprovalDecisionsInput struct {
	RunContext  RunContext             `json:"run_context"`
	SessionID   string                 `json:"session_id"`
	Decisions   []ApprovalDecisionItem `json:"decisions"`
	WaitSeconds float64                `json:"wait_seconds,omitempty"`
}

type CreateSessionInput struct {
	RunContext      RunContext      `json:"run_context"`
	SessionID       string          `json:"session_id"`
	ParentSessionID string          `json:"parent_session_id,omitempty"`
	RootSessionID   string          `json:"root_session_id,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

type AdvanceSessionTurnInput struct {
	RunContext RunContext `json:"run_context"`
	SessionID  string     `json:"session_id"`
}

type AdvanceSessionTurnOutput struct {
	Turn int `json:"turn"`
}

type ReloadSessionInput struct {
	RunContext RunContext `json:"run_context"`
	SessionID  string     `json:"session_id"`
}

// ReloadSessionOutput is the durable session state after tool execution.
type ReloadSessionOutput struct {
	Found    bool            `json:"found"`
	Turn     int             `json:"turn"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type ResolveApprovalToolsInput struct {
	RunContext RunContext `json:"run_context"`
	SessionID  string     `json:"session_id"`
	ToolNames  []string   `json:"tool_names"`
}

type ResolveApprovalToolsOutput struct {
	Tools []ResolvedTool `json:"tools,omitempty"`
}

type RecommendDecisionsInput struct {
	RunContext RunContext `json:"run_context"`
	SessionID  string     `json:"session_id"`
	Items      []ToolCall `json:"items"`
}

// RecommendDecisionsOutput maps tool_call_id to an advisory suggestion.
type RecommendDecisionsOutput struct {
	Suggestions map[string]string `json:"suggestions,omitempty"`
}

// RecordApprovalRequests upserts pending approval rows for the batch.
func (a *Activities) RecordApprovalRequests(ctx context.Context, input RecordApprovalRequestsInput) error {
	if a.Store == nil {
		return errors.New("approval store required")
	}
	rows := make([]db.ApprovalRequestRow, 0, len(input.Requests))
	for _, req := range input.Requests {
		rows = append(rows, db.ApprovalRequestRow{
			ToolCallID:   req.ToolCallID,
			ToolName:     req.ToolName,
			ToolCallArgs: req.Args,
		})
	}
	err := a.Store.RecordApprovalRequests(ctx, input.RunContext.WorkspaceID, input.SessionID, rows)
	if err != nil {
		metrics.ActivityFailuresTotal.WithLabelValues("RecordApprovalRequests").Inc()
	}
	return err
}

// ApplyApprovalDecisions persists the resolved batch and records the
// approval metrics. Metrics live here, not in workflow code, so replays do
// not double count.
func (a *Activities) ApplyApprovalDecisions(ctx context.Context, input ApplyApprovalDecisionsInput) error {
	if a.Store == nil {
		return errors.New("approval store required")
	}
	rows := make([]db.ApprovalDecisionRow, 0, len(input.Decisions))
	for _, item := range input.Decisions {
		rows = append(rows, db.ApprovalDecisionRow{
			ToolCallID: item.ToolCallID,
			Status:     item.Status,
			Reason:     item.Reason,
			Decision:   item.Decision,
			ApprovedBy: item.ApprovedBy,
		})
	}
	if err := a.Store.ApplyApprovalDecisions(ctx, input.RunContext.WorkspaceID, input.SessionID, rows); err != nil {
		metrics.ActivityFailuresTotal.WithLabelValues("ApplyApprovalDecisions").Inc()
		return err
	}
	for _, item := range input.Decisions {
		metrics.ApprovalsTotal.WithLabelValues(item.Status).Inc()
	}
	if input.WaitSeconds > 0 {
		metrics.ApprovalWaitDuration.Observe(input.WaitSeconds)
	}
	return nil
}

// CreateSession inserts the session row; replays converge on the existing row.
func (a *Activities) CreateSession(ctx context.Context, input CreateSessionInput) error {
	if a.Sessions == nil {
		return errors.New("session store required")
	}
	err := a.Sessions.CreateSession(ctx, db.SessionRow{
		SessionID:       input.SessionID,
		WorkspaceID:     input.RunContext.WorkspaceID,
		OrganizationID:  input.RunContext.OrganizationID,
		ParentSessionID: input.ParentSessionID,
		RootSessionID:   input.RootSessionID,
		Metadata:        input.Metadata,
	})
	if err != nil {
		metrics.ActivityFailuresTotal.WithLabelValues("CreateSession").Inc()
		return err
	}
	metrics.AgentRunsTotal.WithLabelValues("started").Inc()
	return nil
}

// ReloadSession reads the durable session row back after tool execution so
// the workflow can reconcile state a tool mutated concurrently.
func (a *Activities) ReloadSession(ctx context.Context, input ReloadSessionInput) (ReloadSessionOutput, error) {
	if a.Sessions == nil {
		return ReloadSessionOutput{}, errors.New("session store required")
	}
	row, found, err := a.Sessions.GetSession(ctx, input.RunContext.WorkspaceID, input.SessionID)
	if err != nil {
		metrics.ActivityFailuresTotal.WithLabelValues("ReloadSession").Inc()
		return ReloadSessionOutput{}, err
	}
	if !found {
		return ReloadSessionOutput{}, nil
	}
	return ReloadSessionOutput{Found: true, Turn: row.Turn, Metadata: row.Metadata}, nil
}

// AdvanceSessionTurn bumps the session's turn counter and returns the new value.
func (a *Activities) AdvanceSessionTurn(ctx context.Context, input AdvanceSessionTurnInput) (AdvanceSessionTurnOutput, error) {
	if a.Sessions == nil {
		return AdvanceSessionTurnOutput{}, errors.New("session store required")
	}
	turn, err := a.Sessions.IncrementSessionTurn(ctx, input.RunContext.WorkspaceID, input.SessionID)
	if err != nil {
		metrics.ActivityFailuresTotal.WithLabelValues("AdvanceSessionTurn").Inc()
		return AdvanceSessionTurnOutput{}, err
	}
	return AdvanceSessionTurnOutput{Turn: turn}, nil
}

// ResolveApprovalTools fetches registry definitions for the named tools so
// the workflow can attach input schemas to the pending approval batch.
func (a *Activities) ResolveApprovalTools(ctx context.Context, input ResolveApprovalToolsInput) (ResolveApprovalToolsOutput, error) {
	if a.Resolver == nil {
		return ResolveApprovalToolsOutput{}, errors.New("tool resolver required")
	}
	resolved, err := a.Resolver.ResolveTools(ctx, ResolveFilters{ToolNames: input.ToolNames})
	if err != nil {
		metrics.ActivityFailuresTotal.WithLabelValues("ResolveApprovalTools").Inc()
		return ResolveApprovalToolsOutput{}, err
	}
	return ResolveApprovalToolsOutput{Tools: resolved.Tools}, nil
}

// ExecuteAgentTurn runs one model turn through the engine.
func (a *Activities) ExecuteAgentTurn(ctx context.Context, input TurnInput) (TurnResult, error) {
	if a.Engine == nil {
		return TurnResult{}, errors.New("turn engine required")
	}
	result, err := a.Engine.RunTurn(ctx, input)
	if err != nil {
		metrics.ActivityFailuresTotal.WithLabelValues("ExecuteAgentTurn").Inc()
		metrics.AgentTurnsTotal.WithLabelValues("failed").Inc()
		// A reported turn failure is non-retryable, so the run dies with it.
		metrics.AgentRunsTotal.WithLabelValues("failed").Inc()
		return TurnResult{}, err
	}
	switch {
	case result.ApprovalRequested:
		metrics.AgentTurnsTotal.WithLabelValues("deferred").Inc()
	default:
		metrics.AgentTurnsTotal.WithLabelValues("completed").Inc()
	}
	if result.Completed {
		metrics.AgentRunsTotal.WithLabelValues("completed").Inc()
	}
	return result, nil
}

// ExecuteApprovedTools runs the post-decision tool batch. Denied calls are
// forwarded so the engine can record their outcomes in the conversation.
func (a *Activities) ExecuteApprovedTools(ctx context.Context, input ToolExecutionInput) (ToolExecutionResult, error) {
	if a.Engine == nil {
		return ToolExecutionResult{}, errors.New("turn engine required")
	}
	result, err := a.Engine.ExecuteTools(ctx, input)
	if err != nil {
		metrics.ActivityFailuresTotal.WithLabelValues("ExecuteApprovedTools").Inc()
		return ToolExecutionResult{}, err
	}
	return result, nil
}

// RecommendDecisions asks the advisory model for suggestions on a pending
// batch and writes each one onto its pending approval row so the read surface
// shows it to approvers. It is best-effort; the workflow logs and ignores
// failures.
func (a *Activities) RecommendDecisions(ctx context.Context, input RecommendDecisionsInput) (RecommendDecisionsOutput, error) {
	if a.Recommender == nil {
		return RecommendDecisionsOutput{}, errors.New("recommender not configured")
	}
	if a.Store == nil {
		return RecommendDecisionsOutput{}, errors.New("approval store required")
	}
	out, err := a.Recommender.Recommend(ctx, input)
	if err != nil {
		return RecommendDecisionsOutput{}, fmt.Errorf("recommend decisions: %w", err)
	}
	for _, item := range input.Items {
		suggestion, ok := out.Suggestions[item.ToolCallID]
		if !ok || suggestion == "" {
			continue
		}
		if _, err := a.Store.UpdateApproval(ctx, input.RunContext.WorkspaceID, input.SessionID, item.ToolCallID, db.ApprovalUpdate{Suggestion: &suggestion}); err != nil {
			metrics.ActivityFailuresTotal.WithLabelValues("RecommendDecisions").Inc()
			return RecommendDecisionsOutput{}, fmt.Errorf("record suggestion %s: %w", item.ToolCallID, err)
		}
	}
	return out, nil
}
