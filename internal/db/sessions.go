package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// SessionRow is one agent conversation. The session id doubles as the durable
// workflow correlation key, so creation is idempotent by id.
type SessionRow struct {
	SessionID       string          `json:"session_id"`
	WorkspaceID     string          `json:"workspace_id"`
	OrganizationID  string          `json:"organization_id"`
	ParentSessionID string          `json:"parent_session_id,omitempty"`
	RootSessionID   string          `json:"root_session_id,omitempty"`
	Turn            int             `json:"turn"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CreateSession inserts a session row if one does not already exist for the
// id. Re-running the create (workflow replay) is a no-op.
func (d *DB) CreateSession(ctx context.Context, row SessionRow) error {
	if d == nil || d.conn == nil {
		return errors.New("db not initialized")
	}
	sessionID := strings.TrimSpace(row.SessionID)
	workspace := strings.TrimSpace(row.WorkspaceID)
	org := strings.TrimSpace(row.OrganizationID)
	if sessionID == "" || workspace == "" || org == "" {
		return errors.New("session_id, workspace_id and organization_id required")
	}
	now := time.Now().UTC()
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO agent_sessions(session_id, workspace_id, organization_id, parent_session_id, root_session_id, turn, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
		ON CONFLICT (session_id) DO NOTHING
	`, sessionID, workspace, org, nullString(strings.TrimSpace(row.ParentSessionID)), nullString(strings.TrimSpace(row.RootSessionID)), nullJSON(row.Metadata), now)
	return err
}

// GetSession loads a session scoped to the workspace. The second return value
// reports whether a row was found.
func (d *DB) GetSession(ctx context.Context, workspaceID, sessionID string) (SessionRow, bool, error) {
	if d == nil || d.conn == nil {
		return SessionRow{}, false, errors.New("db not initialized")
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT session_id, workspace_id, organization_id, parent_session_id, root_session_id, turn, metadata, created_at, updated_at
		FROM agent_sessions
		WHERE workspace_id=$1 AND session_id=$2
	`, workspaceID, sessionID)
	var out SessionRow
	var parent, root sql.NullString
	var metadata []byte
	err := row.Scan(&out.SessionID, &out.WorkspaceID, &out.OrganizationID, &parent, &root, &out.Turn, &metadata, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRow{}, false, nil
	}
	if err != nil {
		return SessionRow{}, false, err
	}
	out.ParentSessionID = parent.String
	out.RootSessionID = root.String
	if len(metadata) > 0 {
		out.Metadata = json.RawMessage(metadata)
	}
	return out, true, nil
}

// IncrementSessionTurn advances the turn counter and returns the new value.
func (d *DB) IncrementSessionTurn(ctx context.Context, workspaceID, sessionID string) (int, error) {
	if d == nil || d.conn == nil {
		return 0, errors.New("db not initialized")
	}
	row := d.conn.QueryRowContext(ctx, `
		UPDATE agent_sessions
		SET turn=turn+1, updated_at=$3
		WHERE workspace_id=$1 AND session_id=$2
		RETURNING turn
	`, workspaceID, sessionID, time.Now().UTC())
	var turn int
	if err := row.Scan(&turn); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, errors.New("session not found")
		}
		return 0, err
	}
	return turn, nil
}

// UpdateSessionMetadata replaces the session's metadata document.
func (d *DB) UpdateSessionMetadata(ctx context.Context, workspaceID, sessionID string, metadata json.RawMessage) error {
	if d == nil || d.conn == nil {
		return errors.New("db not initialized")
	}
	_, err := d.conn.ExecContext(ctx, `
		UPDATE agent_sessions
		SET metadata=$3, updated_at=$4
		WHERE workspace_id=$1 AND session_id=$2
	`, workspaceID, sessionID, nullJSON(metadata), time.Now().UTC())
	return err
}
