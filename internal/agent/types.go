package agent

import (
	"encoding/json"
	"errors"
	"strings"
)

// CapabilityApprovals gates human-in-the-loop tool approvals. A run whose
// resolved configuration lacks it cannot defer tool calls for approval.
const CapabilityApprovals = "approvals"

// RunContext identifies the caller of a run. It is immutable and threaded
// explicitly through every call; there is no ambient "current role".
type RunContext struct {
	WorkspaceID    string `json:"workspace_id"`
	OrganizationID string `json:"organization_id"`
	ActorID        string `json:"actor_id,omitempty"`
}

// Validate reports the fatal misconfiguration of a missing tenant scope.
func (c RunContext) Validate() error {
	if strings.TrimSpace(c.WorkspaceID) == "" {
		return errors.New("run context missing workspace_id")
	}
	if strings.TrimSpace(c.OrganizationID) == "" {
		return errors.New("run context missing organization_id")
	}
	return nil
}

// RunConfig is the effective agent configuration for one run.
type RunConfig struct {
	Model        string   `json:"model"`
	Instructions string   `json:"instructions,omitempty"`
	Actions      []string `json:"actions,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (c RunConfig) HasCapability(name string) bool {
	for _, cap := range c.Capabilities {
		if cap == name {
			return true
		}
	}
	return false
}

// RunOverrides layers extra instructions/actions on top of a preset.
type RunOverrides struct {
	ExtraInstructions string   `json:"extra_instructions,omitempty"`
	ExtraActions      []string `json:"extra_actions,omitempty"`
}

// RunInput starts one agent run. Presets is a snapshot of the preset catalog
// taken by the starter, so config resolution inside the workflow is
// deterministic across replays.
type RunInput struct {
	SessionID       string               `json:"session_id"`
	Prompt          string               `json:"prompt"`
	RunContext      RunContext           `json:"run_context"`
	Config          *RunConfig           `json:"config,omitempty"`
	Preset          string               `json:"preset,omitempty"`
	Overrides       RunOverrides         `json:"overrides,omitempty"`
	Presets         map[string]RunConfig `json:"presets,omitempty"`
	ParentSessionID string               `json:"parent_session_id,omitempty"`
	RootSessionID   string               `json:"root_session_id,omitempty"`
	MaxToolCalls    int                  `json:"max_tool_calls,omitempty"`
}

// Usage accumulates model token counts across turns.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// FinalOutput is the terminal result of a run.
type FinalOutput struct {
	SessionID string          `json:"session_id"`
	Output    json.RawMessage `json:"output,omitempty"`
	Turns     int             `json:"turns"`
	Usage     Usage           `json:"usage"`
}

// ToolCall is one tool invocation the agent wants to make. ArgsSchema, when
// present, is the tool definition's JSON input schema and is used to check
// approver-supplied override arguments.
type ToolCall struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args,omitempty"`
	ArgsSchema json.RawMessage `json:"args_schema,omitempty"`
}

// TurnInput is the contract with the model/tool-execution engine for one turn.
type TurnInput struct {
	RunContext RunContext      `json:"run_context"`
	SessionID  string          `json:"session_id"`
	Turn       int             `json:"turn"`
	Prompt     string          `json:"prompt,omitempty"`
	Config     RunConfig       `json:"config"`
	Resume     json.RawMessage `json:"resume,omitempty"`
	// SessionState is the durable session metadata reloaded after the
	// previous turn's tool execution.
	SessionState json.RawMessage `json:"session_state,omitempty"`
}

// TurnResult is what the engine reports back. Exactly one of Completed or
// ApprovalRequested is set for a successful turn; an engine error is surfaced
// as the activity's error and treated as non-retryable by the orchestrator.
type TurnResult struct {
	Completed         bool            `json:"completed"`
	Output            json.RawMessage `json:"output,omitempty"`
	ApprovalRequested bool            `json:"approval_requested"`
	ApprovalItems     []ToolCall      `json:"approval_items,omitempty"`
	Usage             Usage           `json:"usage"`
}

// ApprovedToolCall carries the effective arguments after override merging.
type ApprovedToolCall struct {
	ToolCall
	EffectiveArgs json.RawMessage `json:"effective_args,omitempty"`
}

// DeniedToolCall carries the human-readable denial reason.
type DeniedToolCall struct {
	ToolCall
	Reason string `json:"reason"`
}

// ToolExecutionInput asks the engine to execute approved calls. Denied calls
// are included so their outcomes reach the conversation history.
type ToolExecutionInput struct {
	RunContext RunContext         `json:"run_context"`
	SessionID  string             `json:"session_id"`
	Turn       int                `json:"turn"`
	Approved   []ApprovedToolCall `json:"approved,omitempty"`
	Denied     []DeniedToolCall   `json:"denied,omitempty"`
}

// ToolResult is the outcome of one executed (or denied) tool call.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Success    bool            `json:"success"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
}

type ToolExecutionResult struct {
	Results []ToolResult `json:"results,omitempty"`
	Usage   Usage        `json:"usage"`
}

// ResolveFilters selects tool definitions from the registry.
type ResolveFilters struct {
	Actions   []string `json:"actions,omitempty"`
	ToolNames []string `json:"tool_names,omitempty"`
}

// ResolvedTool is one registry entry with its approval flag.
type ResolvedTool struct {
	Name             string          `json:"name"`
	InputSchema      json.RawMessage `json:"input_schema,omitempty"`
	ApprovalRequired bool            `json:"approval_required"`
}

type ResolvedTools struct {
	Tools []ResolvedTool `json:"tools,omitempty"`
}
