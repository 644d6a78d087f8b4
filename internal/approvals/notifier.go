package approvals

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebhookNotifier posts pending-approval reminders to an operator-provided
// endpoint (chat webhook, pager bridge).
type WebhookNotifier struct {
	URL        string
	HTTPClient *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:        url,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type reminderPayload struct {
	Kind        string    `json:"kind"`
	ApprovalID  string    `json:"approval_id"`
	WorkspaceID string    `json:"workspace_id"`
	SessionID   string    `json:"session_id"`
	ToolCallID  string    `json:"tool_call_id"`
	ToolName    string    `json:"tool_name"`
	PendingFor  string    `json:"pending_for"`
	CreatedAt   time.Time `json:"created_at"`
}

func (n *WebhookNotifier) NotifyPendingApproval(ctx context.Context, approval PendingApproval) error {
	if n == nil || strings.TrimSpace(n.URL) == "" {
		return errors.New("webhook url required")
	}
	httpClient := n.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	body, err := json.Marshal(reminderPayload{
		Kind:        "approval_reminder",
		ApprovalID:  approval.ApprovalID,
		WorkspaceID: approval.WorkspaceID,
		SessionID:   approval.SessionID,
		ToolCallID:  approval.ToolCallID,
		ToolName:    approval.ToolName,
		PendingFor:  time.Since(approval.CreatedAt).Round(time.Minute).String(),
		CreatedAt:   approval.CreatedAt,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return nil
}
