package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	// UpdateSetApprovals is the update name approvers submit decisions on.
	UpdateSetApprovals = "set_approvals"
	// QueryRunStatus exposes the run's progress and pending approval set.
	QueryRunStatus = "run_status"
)

// SetApprovalsInput is one decision batch submitted via update. Keys are
// tool_call_ids; a nil value is rejected at validation.
type SetApprovalsInput struct {
	Decisions  map[string]*DecisionResponse `json:"decisions"`
	ApprovedBy string                       `json:"approved_by,omitempty"`
}

// SetApprovalsResult acknowledges an accepted batch.
type SetApprovalsResult struct {
	Accepted int `json:"accepted"`
}

// RunStatus is the query-visible state of a run.
type RunStatus struct {
	Turns              int      `json:"turns"`
	AwaitingApproval   bool     `json:"awaiting_approval"`
	PendingToolCallIDs []string `json:"pending_tool_call_ids,omitempty"`
}

// AgentRunWorkflow drives one agent session: model turns interleaved with
// human approval gates, durable across worker restarts. The approval wait is
// unbounded; everything else runs under activity timeouts.
func AgentRunWorkflow(ctx workflow.Context, input RunInput) (FinalOutput, error) {
	logger := workflow.GetLogger(ctx)
	if err := input.RunContext.Validate(); err != nil {
		return FinalOutput{}, temporal.NewNonRetryableApplicationError(err.Error(), "invalid_run_context", err)
	}
	if strings.TrimSpace(input.SessionID) == "" {
		return FinalOutput{}, temporal.NewNonRetryableApplicationError("session_id required", "invalid_input", nil)
	}
	config, err := resolveRunConfig(input)
	if err != nil {
		return FinalOutput{}, temporal.NewNonRetryableApplicationError(err.Error(), "invalid_config", err)
	}

	manager := newApprovalManager(input.RunContext, input.SessionID)
	status := RunStatus{}

	if err := workflow.SetQueryHandler(ctx, QueryRunStatus, func() (RunStatus, error) {
		out := status
		if manager.awaiting() {
			out.AwaitingApproval = true
			out.PendingToolCallIDs = manager.expectedIDs()
		}
		return out, nil
	}); err != nil {
		return FinalOutput{}, err
	}

	if err := workflow.SetUpdateHandlerWithOptions(
		ctx,
		UpdateSetApprovals,
		func(ctx workflow.Context, in SetApprovalsInput) (SetApprovalsResult, error) {
			// The validator already ran, but state may have moved between
			// validation and execution; check again before accepting.
			if !manager.awaiting() && manager.phase != phaseReady {
				return SetApprovalsResult{}, errors.New("no approval batch is pending")
			}
			if err := ValidateApprovalResponses(manager.expectedIDs(), in.Decisions); err != nil {
				return SetApprovalsResult{}, err
			}
			decisions, err := normalizeResponses(in.Decisions)
			if err != nil {
				return SetApprovalsResult{}, err
			}
			manager.Set(ctx, decisions, in.ApprovedBy)
			return SetApprovalsResult{Accepted: len(decisions)}, nil
		},
		workflow.UpdateHandlerOptions{
			// The validator must not mutate state; rejection here leaves no
			// trace in history.
			Validator: func(ctx workflow.Context, in SetApprovalsInput) error {
				if !manager.awaiting() && manager.phase != phaseReady {
					return errors.New("no approval batch is pending")
				}
				if err := ValidateApprovalResponses(manager.expectedIDs(), in.Decisions); err != nil {
					return err
				}
				_, err := normalizeResponses(in.Decisions)
				return err
			},
		},
	); err != nil {
		return FinalOutput{}, err
	}

	persistCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    3,
		},
	})
	turnCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			// Model turns are not safely retryable; a failed turn fails the run.
			MaximumAttempts: 1,
		},
	})

	if err := workflow.ExecuteActivity(persistCtx, "CreateSession", CreateSessionInput{
		RunContext:      input.RunContext,
		SessionID:       input.SessionID,
		ParentSessionID: input.ParentSessionID,
		RootSessionID:   input.RootSessionID,
	}).Get(ctx, nil); err != nil {
		return FinalOutput{}, err
	}

	var (
		usage        Usage
		resume       json.RawMessage
		sessionState json.RawMessage
		prompt       = input.Prompt
	)
	for {
		// The loop itself is unbounded; only a caller-supplied limit or
		// cancellation of the run ends it early.
		if input.MaxToolCalls > 0 && status.Turns >= input.MaxToolCalls {
			return FinalOutput{}, temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("run exceeded %d turns", input.MaxToolCalls), "turn_budget_exhausted", nil)
		}
		status.Turns++

		var result TurnResult
		if err := workflow.ExecuteActivity(turnCtx, "ExecuteAgentTurn", TurnInput{
			RunContext: input.RunContext,
			SessionID:  input.SessionID,
			Turn:       status.Turns,
			Prompt:       prompt,
			Config:       config,
			Resume:       resume,
			SessionState: sessionState,
		}).Get(ctx, &result); err != nil {
			return FinalOutput{}, err
		}
		prompt = ""
		resume = nil
		usage.Add(result.Usage)

		if result.Completed {
			return FinalOutput{
				SessionID: input.SessionID,
				Output:    result.Output,
				Turns:     status.Turns,
				Usage:     usage,
			}, nil
		}
		if !result.ApprovalRequested {
			return FinalOutput{}, temporal.NewNonRetryableApplicationError(
				"turn neither completed nor requested approval", "invalid_turn_result", nil)
		}
		if !config.HasCapability(CapabilityApprovals) {
			return FinalOutput{}, temporal.NewNonRetryableApplicationError(
				"agent requested tool approval without the approvals capability", "capability_denied", nil)
		}
		if len(result.ApprovalItems) == 0 {
			return FinalOutput{}, temporal.NewNonRetryableApplicationError(
				"approval requested with no tool calls", "invalid_turn_result", nil)
		}

		if err := attachToolSchemas(persistCtx, ctx, input, result.ApprovalItems); err != nil {
			return FinalOutput{}, err
		}
		if err := manager.Prepare(persistCtx, result.ApprovalItems); err != nil {
			return FinalOutput{}, err
		}
		requestRecommendations(ctx, manager, input)

		logger.Info("awaiting approval decisions",
			"session_id", input.SessionID, "turn", status.Turns,
			"tool_calls", len(result.ApprovalItems))
		if err := manager.Wait(ctx); err != nil {
			return FinalOutput{}, err
		}
		if err := manager.HandleDecisions(persistCtx); err != nil {
			return FinalOutput{}, err
		}

		approved, denied := BuildToolLists(result.ApprovalItems, manager.Get())
		var execResult ToolExecutionResult
		if err := workflow.ExecuteActivity(turnCtx, "ExecuteApprovedTools", ToolExecutionInput{
			RunContext: input.RunContext,
			SessionID:  input.SessionID,
			Turn:       status.Turns,
			Approved:   approved,
			Denied:     denied,
		}).Get(ctx, &execResult); err != nil {
			return FinalOutput{}, err
		}
		usage.Add(execResult.Usage)

		payload, err := json.Marshal(execResult)
		if err != nil {
			return FinalOutput{}, temporal.NewNonRetryableApplicationError(
				"marshal tool results: "+err.Error(), "internal", err)
		}
		resume = payload

		// Tools may have written to the session row; pick up that state
		// before the next turn and keep the turn counter in step with the
		// durable one.
		var reloaded ReloadSessionOutput
		if err := workflow.ExecuteActivity(persistCtx, "ReloadSession", ReloadSessionInput{
			RunContext: input.RunContext,
			SessionID:  input.SessionID,
		}).Get(ctx, &reloaded); err != nil {
			return FinalOutput{}, err
		}
		sessionState = reloaded.Metadata

		var advanced AdvanceSessionTurnOutput
		if err := workflow.ExecuteActivity(persistCtx, "AdvanceSessionTurn", AdvanceSessionTurnInput{
			RunContext: input.RunContext,
			SessionID:  input.SessionID,
		}).Get(ctx, &advanced); err != nil {
			return FinalOutput{}, err
		}
		if advanced.Turn > 0 && advanced.Turn != status.Turns {
			logger.Warn("session turn counter drift",
				"session_id", input.SessionID,
				"durable_turn", advanced.Turn, "run_turn", status.Turns)
			status.Turns = advanced.Turn
		}
		manager.reset()
	}
}

// attachToolSchemas resolves the pending tools against the runtime's registry
// and fills in missing input schemas so override arguments can be validated.
func attachToolSchemas(actCtx, ctx workflow.Context, input RunInput, items []ToolCall) error {
	names := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if item.ToolName == "" || seen[item.ToolName] {
			continue
		}
		seen[item.ToolName] = true
		names = append(names, item.ToolName)
	}
	if len(names) == 0 {
		return nil
	}
	var resolved ResolveApprovalToolsOutput
	if err := workflow.ExecuteActivity(actCtx, "ResolveApprovalTools", ResolveApprovalToolsInput{
		RunContext: input.RunContext,
		SessionID:  input.SessionID,
		ToolNames:  names,
	}).Get(ctx, &resolved); err != nil {
		return err
	}
	schemas := make(map[string]json.RawMessage, len(resolved.Tools))
	for _, tool := range resolved.Tools {
		if len(tool.InputSchema) > 0 {
			schemas[tool.Name] = tool.InputSchema
		}
		if !tool.ApprovalRequired {
			workflow.GetLogger(ctx).Info("approval requested for tool the registry does not flag",
				"session_id", input.SessionID, "tool", tool.Name)
		}
	}
	for i := range items {
		if len(items[i].ArgsSchema) == 0 {
			items[i].ArgsSchema = schemas[items[i].ToolName]
		}
	}
	return nil
}

// requestRecommendations asks the advisory model for suggestions on the
// pending batch. Best-effort: any failure is logged and the wait proceeds.
func requestRecommendations(ctx workflow.Context, manager *approvalManager, input RunInput) {
	recCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	items := make([]ToolCall, 0, len(manager.order))
	for _, id := range manager.order {
		items = append(items, manager.expected[id])
	}
	var out RecommendDecisionsOutput
	if err := workflow.ExecuteActivity(recCtx, "RecommendDecisions", RecommendDecisionsInput{
		RunContext: input.RunContext,
		SessionID:  input.SessionID,
		Items:      items,
	}).Get(ctx, &out); err != nil {
		workflow.GetLogger(ctx).Warn("approval recommendations unavailable",
			"session_id", input.SessionID, "error", err)
		return
	}
	workflow.GetLogger(ctx).Info("approval recommendations ready",
		"session_id", input.SessionID, "suggestions", len(out.Suggestions))
}

// resolveRunConfig picks the effective config: an explicit config wins;
// otherwise the named preset (from the catalog snapshot taken at start) with
// overrides layered on. An unknown preset is a fatal misconfiguration.
func resolveRunConfig(input RunInput) (RunConfig, error) {
	var config RunConfig
	switch {
	case input.Config != nil:
		config = *input.Config
	case input.Preset != "":
		preset, ok := input.Presets[input.Preset]
		if !ok {
			return RunConfig{}, fmt.Errorf("unknown preset %q", input.Preset)
		}
		config = preset
	default:
		return RunConfig{}, errors.New("run requires a config or a preset")
	}
	if extra := strings.TrimSpace(input.Overrides.ExtraInstructions); extra != "" {
		if config.Instructions != "" {
			config.Instructions += "\n\n" + extra
		} else {
			config.Instructions = extra
		}
	}
	if len(input.Overrides.ExtraActions) > 0 {
		config.Actions = append(append([]string{}, config.Actions...), input.Overrides.ExtraActions...)
	}
	if strings.TrimSpace(config.Model) == "" {
		return RunConfig{}, errors.New("resolved config missing model")
	}
	return config, nil
}
