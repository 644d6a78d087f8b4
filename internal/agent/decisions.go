package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// NoDecisionReason is the fail-closed denial applied to any expected tool call
// the approver left undecided.
const NoDecisionReason = "no approval decision received"

// Decision kinds form a closed set; the normalization boundary rejects
// anything else as a programming error.
const (
	DecisionKindApproved = "approved"
	DecisionKindDenied   = "denied"
)

// Decision is the persisted decision shape for one tool call.
type Decision struct {
	Kind         string         `json:"kind"`
	OverrideArgs map[string]any `json:"override_args,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// DecisionResponse is the submission shape accepted from approvers. A bare
// JSON boolean is shorthand for approve/deny without details; the object form
// adds override arguments or a denial reason.
type DecisionResponse struct {
	Approved     bool           `json:"approved"`
	OverrideArgs map[string]any `json:"override_args,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

func (d *DecisionResponse) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	var b bool
	if err := json.Unmarshal(trimmed, &b); err == nil {
		*d = DecisionResponse{Approved: b}
		return nil
	}
	type plain DecisionResponse
	var p plain
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return fmt.Errorf("decision must be a boolean or {approved, override_args?, reason?}: %w", err)
	}
	*d = DecisionResponse(p)
	return nil
}

// marshalDecision serializes a decision for the audit column on its row.
func marshalDecision(d Decision) (json.RawMessage, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal decision: %w", err)
	}
	return payload, nil
}

// normalizeDecision converts a submitted response into the persisted decision
// shape. Override arguments on a denial are a programming error.
func normalizeDecision(resp DecisionResponse) (Decision, error) {
	if resp.Approved {
		return Decision{Kind: DecisionKindApproved, OverrideArgs: resp.OverrideArgs}, nil
	}
	if len(resp.OverrideArgs) > 0 {
		return Decision{}, fmt.Errorf("denied decision carries override_args")
	}
	return Decision{Kind: DecisionKindDenied, Message: resp.Reason}, nil
}

// BuildToolLists splits the last batch of requested tool calls into disjoint
// approved and denied lists from the resolved decision map. Any expected
// tool_call_id without a decision is denied — ambiguity never executes.
func BuildToolLists(requested []ToolCall, decisions map[string]Decision) (approved []ApprovedToolCall, denied []DeniedToolCall) {
	for _, call := range requested {
		decision, ok := decisions[call.ToolCallID]
		if !ok {
			denied = append(denied, DeniedToolCall{ToolCall: call, Reason: NoDecisionReason})
			continue
		}
		switch decision.Kind {
		case DecisionKindApproved:
			effective, err := mergeArgs(call, decision.OverrideArgs)
			if err != nil {
				denied = append(denied, DeniedToolCall{ToolCall: call, Reason: err.Error()})
				continue
			}
			approved = append(approved, ApprovedToolCall{ToolCall: call, EffectiveArgs: effective})
		case DecisionKindDenied:
			reason := decision.Message
			if strings.TrimSpace(reason) == "" {
				reason = "denied by approver"
			}
			denied = append(denied, DeniedToolCall{ToolCall: call, Reason: reason})
		default:
			denied = append(denied, DeniedToolCall{ToolCall: call, Reason: fmt.Sprintf("unrecognized decision kind %q", decision.Kind)})
		}
	}
	return approved, denied
}

// mergeArgs shallow-merges approver overrides onto the original arguments and
// checks the result against the tool's input schema when one is known.
// Failures deny the call rather than executing unvalidated input.
func mergeArgs(call ToolCall, overrides map[string]any) (json.RawMessage, error) {
	if len(overrides) == 0 {
		return call.Args, nil
	}
	base := map[string]any{}
	if len(call.Args) > 0 {
		if err := json.Unmarshal(call.Args, &base); err != nil {
			return nil, fmt.Errorf("original arguments are not an object: %v", err)
		}
	}
	for key, value := range overrides {
		base[key] = value
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("merge arguments: %v", err)
	}
	if len(call.ArgsSchema) > 0 {
		result, err := gojsonschema.Validate(
			gojsonschema.NewBytesLoader(call.ArgsSchema),
			gojsonschema.NewBytesLoader(merged),
		)
		if err != nil {
			return nil, fmt.Errorf("validate override arguments: %v", err)
		}
		if !result.Valid() {
			msgs := make([]string, 0, len(result.Errors()))
			for _, desc := range result.Errors() {
				msgs = append(msgs, desc.String())
			}
			return nil, fmt.Errorf("override arguments rejected by tool schema: %s", strings.Join(msgs, "; "))
		}
	}
	return merged, nil
}
