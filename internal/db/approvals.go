package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrApprovalNotFound is returned by point lookups and partial updates when no
// row matches the (workspace, session, tool_call) key.
var ErrApprovalNotFound = errors.New("approval not found")

// Approval statuses. A row leaves "pending" exactly once.
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
)

// placeholderToolName marks rows created by ApplyApprovalDecisions for a
// tool_call_id that was never recorded by a prepare step.
const placeholderToolName = "unknown"

// ApprovalRow is one persisted tool approval.
type ApprovalRow struct {
	ApprovalID   string          `json:"approval_id"`
	WorkspaceID  string          `json:"workspace_id"`
	SessionID    string          `json:"session_id"`
	ToolCallID   string          `json:"tool_call_id"`
	ToolName     string          `json:"tool_name"`
	Status       string          `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	ToolCallArgs json.RawMessage `json:"tool_call_args,omitempty"`
	Decision     json.RawMessage `json:"decision,omitempty"`
	ApprovedBy   string          `json:"approved_by,omitempty"`
	Suggestion   string          `json:"suggestion,omitempty"`
	ApprovedAt   *time.Time      `json:"approved_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ApprovalRequestRow is one tool call entering the pending state.
type ApprovalRequestRow struct {
	ToolCallID   string          `json:"tool_call_id"`
	ToolName     string          `json:"tool_name"`
	ToolCallArgs json.RawMessage `json:"tool_call_args,omitempty"`
}

// ApprovalDecisionRow is one resolved decision to persist.
type ApprovalDecisionRow struct {
	ToolCallID string          `json:"tool_call_id"`
	Status     string          `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	Decision   json.RawMessage `json:"decision,omitempty"`
	ApprovedBy string          `json:"approved_by,omitempty"`
}

// ApprovalUpdate carries the fields of a partial update. Nil fields are left
// untouched.
type ApprovalUpdate struct {
	Status     *string
	Reason     *string
	Decision   json.RawMessage
	ApprovedBy *string
	Suggestion *string
}

// RecordApprovalRequests upserts one PENDING row per requested tool call.
// An existing row for the same (workspace, session, tool_call) is reset to
// pending with refreshed tool name/args and cleared decision state, so a
// replayed prepare converges instead of duplicating rows.
func (d *DB) RecordApprovalRequests(ctx context.Context, workspaceID, sessionID string, requests []ApprovalRequestRow) error {
	if d == nil || d.conn == nil {
		return errors.New("db not initialized")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	sessionID = strings.TrimSpace(sessionID)
	if workspaceID == "" || sessionID == "" {
		return errors.New("workspace_id and session_id required")
	}
	now := time.Now().UTC()
	return d.withTx(ctx, func(conn dbConn) error {
		for _, req := range requests {
			callID := strings.TrimSpace(req.ToolCallID)
			if callID == "" {
				return errors.New("tool_call_id required")
			}
			toolName := strings.TrimSpace(req.ToolName)
			if toolName == "" {
				toolName = placeholderToolName
			}
			_, err := conn.ExecContext(ctx, `
				INSERT INTO tool_approvals(approval_id, workspace_id, session_id, tool_call_id, tool_name, status, tool_call_args, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, $7)
				ON CONFLICT (workspace_id, session_id, tool_call_id) DO UPDATE SET
					tool_name=excluded.tool_name,
					tool_call_args=excluded.tool_call_args,
					status='pending',
					reason=NULL,
					decision=NULL,
					approved_by=NULL,
					suggestion=NULL,
					approved_at=NULL,
					updated_at=excluded.updated_at
			`, newID("approval"), workspaceID, sessionID, callID, toolName, nullJSON(req.ToolCallArgs), now)
			if err != nil {
				return fmt.Errorf("record approval request %s: %w", callID, err)
			}
		}
		return nil
	})
}

// ApplyApprovalDecisions moves rows to their terminal status. A decision for a
// tool_call_id with no existing row first creates a pending placeholder so the
// decision is never dropped. approved_at is set only on the pending→terminal
// transition, which keeps retries convergent.
func (d *DB) ApplyApprovalDecisions(ctx context.Context, workspaceID, sessionID string, decisions []ApprovalDecisionRow) error {
	if d == nil || d.conn == nil {
		return errors.New("db not initialized")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	sessionID = strings.TrimSpace(sessionID)
	if workspaceID == "" || sessionID == "" {
		return errors.New("workspace_id and session_id required")
	}
	now := time.Now().UTC()
	return d.withTx(ctx, func(conn dbConn) error {
		for _, dec := range decisions {
			callID := strings.TrimSpace(dec.ToolCallID)
			if callID == "" {
				return errors.New("tool_call_id required")
			}
			if dec.Status != ApprovalStatusApproved && dec.Status != ApprovalStatusRejected {
				return fmt.Errorf("decision for %s has non-terminal status %q", callID, dec.Status)
			}
			_, err := conn.ExecContext(ctx, `
				INSERT INTO tool_approvals(approval_id, workspace_id, session_id, tool_call_id, tool_name, status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, 'pending', $6, $6)
				ON CONFLICT (workspace_id, session_id, tool_call_id) DO NOTHING
			`, newID("approval"), workspaceID, sessionID, callID, placeholderToolName, now)
			if err != nil {
				return fmt.Errorf("ensure approval row %s: %w", callID, err)
			}
			_, err = conn.ExecContext(ctx, `
				UPDATE tool_approvals
				SET status=$4,
					reason=$5,
					decision=$6,
					approved_by=$7,
					approved_at=CASE WHEN status='pending' THEN $8 ELSE approved_at END,
					updated_at=$8
				WHERE workspace_id=$1 AND session_id=$2 AND tool_call_id=$3
			`, workspaceID, sessionID, callID, dec.Status, nullString(dec.Reason), nullJSON(dec.Decision), nullString(dec.ApprovedBy), now)
			if err != nil {
				return fmt.Errorf("apply approval decision %s: %w", callID, err)
			}
		}
		return nil
	})
}

const approvalColumns = `approval_id, workspace_id, session_id, tool_call_id, tool_name, status, reason, tool_call_args, decision, approved_by, suggestion, approved_at, created_at, updated_at`

func scanApproval(row rowScanner) (ApprovalRow, error) {
	var out ApprovalRow
	var reason, approvedBy, suggestion sql.NullString
	var args, decision []byte
	var approvedAt sql.NullTime
	err := row.Scan(
		&out.ApprovalID, &out.WorkspaceID, &out.SessionID, &out.ToolCallID, &out.ToolName,
		&out.Status, &reason, &args, &decision, &approvedBy, &suggestion, &approvedAt,
		&out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return ApprovalRow{}, err
	}
	out.Reason = reason.String
	out.ApprovedBy = approvedBy.String
	out.Suggestion = suggestion.String
	if len(args) > 0 {
		out.ToolCallArgs = json.RawMessage(args)
	}
	if len(decision) > 0 {
		out.Decision = json.RawMessage(decision)
	}
	if approvedAt.Valid {
		at := approvedAt.Time.UTC()
		out.ApprovedAt = &at
	}
	return out, nil
}

// GetApproval looks up one approval by its (workspace, session, tool_call) key.
func (d *DB) GetApproval(ctx context.Context, workspaceID, sessionID, toolCallID string) (ApprovalRow, error) {
	if d == nil || d.conn == nil {
		return ApprovalRow{}, errors.New("db not initialized")
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT `+approvalColumns+`
		FROM tool_approvals
		WHERE workspace_id=$1 AND session_id=$2 AND tool_call_id=$3
	`, workspaceID, sessionID, toolCallID)
	out, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ApprovalRow{}, ErrApprovalNotFound
	}
	return out, err
}

// UpdateApproval applies a partial field update and returns the post-commit
// row state via RETURNING.
func (d *DB) UpdateApproval(ctx context.Context, workspaceID, sessionID, toolCallID string, update ApprovalUpdate) (ApprovalRow, error) {
	if d == nil || d.conn == nil {
		return ApprovalRow{}, errors.New("db not initialized")
	}
	sets := []string{}
	args := []any{workspaceID, sessionID, toolCallID}
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if update.Status != nil {
		status := *update.Status
		switch status {
		case ApprovalStatusPending, ApprovalStatusApproved, ApprovalStatusRejected:
		default:
			return ApprovalRow{}, fmt.Errorf("invalid status %q", status)
		}
		sets = append(sets, "status="+next(status))
		if status == ApprovalStatusPending {
			sets = append(sets, "approved_at=NULL")
		} else {
			sets = append(sets, "approved_at=CASE WHEN status='pending' THEN now() ELSE approved_at END")
		}
	}
	if update.Reason != nil {
		sets = append(sets, "reason="+next(nullString(*update.Reason)))
	}
	if update.Decision != nil {
		sets = append(sets, "decision="+next(nullJSON(update.Decision)))
	}
	if update.ApprovedBy != nil {
		sets = append(sets, "approved_by="+next(nullString(*update.ApprovedBy)))
	}
	if update.Suggestion != nil {
		sets = append(sets, "suggestion="+next(nullString(*update.Suggestion)))
	}
	if len(sets) == 0 {
		return d.GetApproval(ctx, workspaceID, sessionID, toolCallID)
	}
	sets = append(sets, "updated_at="+next(time.Now().UTC()))
	query := `UPDATE tool_approvals SET ` + strings.Join(sets, ", ") + `
		WHERE workspace_id=$1 AND session_id=$2 AND tool_call_id=$3
		RETURNING ` + approvalColumns
	out, err := scanApproval(d.conn.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return ApprovalRow{}, ErrApprovalNotFound
	}
	return out, err
}

// ListSessionApprovals returns the session's approvals as a JSON array plus
// the total count, always scoped to the caller's workspace.
func (d *DB) ListSessionApprovals(ctx context.Context, workspaceID, sessionID string, limit, offset int) ([]byte, int, error) {
	if d == nil || d.conn == nil {
		return nil, 0, errors.New("db not initialized")
	}
	limit, offset = clampPagination(limit, offset)
	query := `WITH total AS (
		SELECT COUNT(*) AS cnt FROM tool_approvals WHERE workspace_id=$1 AND session_id=$2
	)
	SELECT COALESCE(jsonb_agg(
		jsonb_build_object(
			'approval_id', approval_id,
			'tool_call_id', tool_call_id,
			'tool_name', tool_name,
			'status', status,
			'reason', reason,
			'tool_call_args', tool_call_args,
			'decision', decision,
			'approved_by', approved_by,
			'suggestion', suggestion,
			'approved_at', approved_at,
			'created_at', created_at,
			'updated_at', updated_at
		) ORDER BY created_at ASC
	), '[]'::jsonb),
	(SELECT cnt FROM total)
	FROM (
		SELECT * FROM tool_approvals
		WHERE workspace_id=$1 AND session_id=$2
		ORDER BY created_at ASC LIMIT $3 OFFSET $4
	) AS sub`
	row := d.conn.QueryRowContext(ctx, query, workspaceID, sessionID, limit, offset)
	var out []byte
	var total int
	if err := row.Scan(&out, &total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ListStalePendingApprovals returns pending approvals created before cutoff,
// across workspaces, as a JSON array. Used by the reminder sweeper.
func (d *DB) ListStalePendingApprovals(ctx context.Context, cutoff time.Time, limit int) ([]byte, error) {
	if d == nil || d.conn == nil {
		return nil, errors.New("db not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT COALESCE(jsonb_agg(
		jsonb_build_object(
			'approval_id', approval_id,
			'workspace_id', workspace_id,
			'session_id', session_id,
			'tool_call_id', tool_call_id,
			'tool_name', tool_name,
			'created_at', created_at
		) ORDER BY created_at ASC
	), '[]'::jsonb)
	FROM (
		SELECT * FROM tool_approvals
		WHERE status='pending' AND created_at < $1
		ORDER BY created_at ASC LIMIT $2
	) AS sub`
	row := d.conn.QueryRowContext(ctx, query, cutoff.UTC(), limit)
	var out []byte
	if err := row.Scan(&out); err != nil {
		return nil, err
	}
	return out, nil
}
