package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"

	"praetor/internal/config"
)

// StartRunRequest is the caller-facing shape for launching a run. SessionID
// is optional; one is generated when absent.
type StartRunRequest struct {
	SessionID       string       `json:"session_id,omitempty"`
	Prompt          string       `json:"prompt"`
	RunContext      RunContext   `json:"run_context"`
	Config          *RunConfig   `json:"config,omitempty"`
	Preset          string       `json:"preset,omitempty"`
	Overrides       RunOverrides `json:"overrides,omitempty"`
	ParentSessionID string       `json:"parent_session_id,omitempty"`
	MaxToolCalls    int          `json:"max_tool_calls,omitempty"`
}

// StartRunResult reports the launched run's identifiers.
type StartRunResult struct {
	SessionID  string `json:"session_id"`
	WorkflowID string `json:"workflow_id"`
}

// TemporalStarter launches agent runs and forwards approval batches to the
// running workflow.
type TemporalStarter struct {
	Client    client.Client
	TaskQueue string
	Presets   []config.PresetConfig
	// DefaultPreset is used when a request names neither a config nor a
	// preset.
	DefaultPreset string
}

// StartRun snapshots the preset catalog into the run input so preset
// resolution inside the workflow stays deterministic across replays and
// config reloads.
func (s *TemporalStarter) StartRun(ctx context.Context, req StartRunRequest) (StartRunResult, error) {
	if s == nil || s.Client == nil {
		return StartRunResult{}, errors.New("temporal client required")
	}
	if err := req.RunContext.Validate(); err != nil {
		return StartRunResult{}, err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return StartRunResult{}, errors.New("prompt required")
	}
	input := buildRunInput(req, s.DefaultPreset, s.Presets)
	if input.Config == nil && input.Preset == "" {
		return StartRunResult{}, errors.New("config or preset required and no default preset is configured")
	}
	opts := client.StartWorkflowOptions{
		ID:        "agent-" + input.SessionID,
		TaskQueue: s.TaskQueue,
	}
	run, err := s.Client.ExecuteWorkflow(ctx, opts, AgentRunWorkflow, input)
	if err != nil {
		return StartRunResult{}, err
	}
	return StartRunResult{SessionID: input.SessionID, WorkflowID: run.GetID()}, nil
}

// buildRunInput assembles the workflow input: generated session id when the
// caller supplied none, root session defaulting, the preset catalog snapshot,
// and the default preset when the request names neither config nor preset.
func buildRunInput(req StartRunRequest, defaultPreset string, presets []config.PresetConfig) RunInput {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "sess_" + uuid.NewString()
	}
	rootSessionID := sessionID
	if req.ParentSessionID != "" {
		rootSessionID = req.ParentSessionID
	}
	preset := strings.TrimSpace(req.Preset)
	if req.Config == nil && preset == "" {
		preset = strings.TrimSpace(defaultPreset)
	}
	return RunInput{
		SessionID:       sessionID,
		Prompt:          req.Prompt,
		RunContext:      req.RunContext,
		Config:          req.Config,
		Preset:          preset,
		Overrides:       req.Overrides,
		Presets:         presetCatalog(presets),
		ParentSessionID: req.ParentSessionID,
		RootSessionID:   rootSessionID,
		MaxToolCalls:    req.MaxToolCalls,
	}
}

// SetApprovals delivers a decision batch to the run's update handler and
// waits for acceptance or rejection. Validation errors surface to the caller.
func (s *TemporalStarter) SetApprovals(ctx context.Context, sessionID string, batch SetApprovalsInput) (SetApprovalsResult, error) {
	if s == nil || s.Client == nil {
		return SetApprovalsResult{}, errors.New("temporal client required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return SetApprovalsResult{}, errors.New("session_id required")
	}
	handle, err := s.Client.UpdateWorkflow(ctx, client.UpdateWorkflowOptions{
		WorkflowID:   "agent-" + sessionID,
		UpdateName:   UpdateSetApprovals,
		Args:         []interface{}{batch},
		WaitForStage: client.WorkflowUpdateStageCompleted,
	})
	if err != nil {
		return SetApprovalsResult{}, err
	}
	var result SetApprovalsResult
	if err := handle.Get(ctx, &result); err != nil {
		return SetApprovalsResult{}, err
	}
	return result, nil
}

// RunStatus queries the run's progress.
func (s *TemporalStarter) RunStatus(ctx context.Context, sessionID string) (RunStatus, error) {
	if s == nil || s.Client == nil {
		return RunStatus{}, errors.New("temporal client required")
	}
	resp, err := s.Client.QueryWorkflow(ctx, "agent-"+sessionID, "", QueryRunStatus)
	if err != nil {
		return RunStatus{}, err
	}
	var status RunStatus
	if err := resp.Get(&status); err != nil {
		return RunStatus{}, err
	}
	return status, nil
}

func presetCatalog(presets []config.PresetConfig) map[string]RunConfig {
	if len(presets) == 0 {
		return nil
	}
	out := make(map[string]RunConfig, len(presets))
	for _, p := range presets {
		out[p.Name] = RunConfig{
			Model:        p.Model,
			Instructions: p.Instructions,
			Actions:      append([]string{}, p.Actions...),
			Capabilities: append([]string{}, p.Capabilities...),
		}
	}
	return out
}
