package agent

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"
)

type approvalPhase int

const (
	phaseIdle approvalPhase = iota
	phasePending
	phaseReady
)

// approvalManager coordinates the orchestrator's blocking wait with the
// externally-delivered decision batch. It lives only for the duration of one
// workflow run and is reset each turn by Prepare.
type approvalManager struct {
	runCtx    RunContext
	sessionID string

	phase      approvalPhase
	expected   map[string]ToolCall
	order      []string
	decisions  map[string]Decision
	approvedBy string
	waitedFor  time.Duration
}

func newApprovalManager(runCtx RunContext, sessionID string) *approvalManager {
	return &approvalManager{runCtx: runCtx, sessionID: sessionID}
}

// expectedIDs returns the awaited tool_call_ids in request order.
func (m *approvalManager) expectedIDs() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

func (m *approvalManager) awaiting() bool {
	return m.phase == phasePending
}

// Prepare clears prior decisions, records the expected tool call set, and
// persists one PENDING row per call before the wait begins.
func (m *approvalManager) Prepare(ctx workflow.Context, calls []ToolCall) error {
	if len(calls) == 0 {
		return errors.New("prepare requires at least one tool call")
	}
	m.decisions = nil
	m.approvedBy = ""
	m.waitedFor = 0
	m.expected = make(map[string]ToolCall, len(calls))
	m.order = m.order[:0]
	requests := make([]ApprovalRequestItem, 0, len(calls))
	for _, call := range calls {
		if strings.TrimSpace(call.ToolCallID) == "" {
			return errors.New("tool call missing tool_call_id")
		}
		if _, dup := m.expected[call.ToolCallID]; dup {
			return fmt.Errorf("duplicate tool_call_id %s", call.ToolCallID)
		}
		m.expected[call.ToolCallID] = call
		m.order = append(m.order, call.ToolCallID)
		requests = append(requests, ApprovalRequestItem{
			ToolCallID: call.ToolCallID,
			ToolName:   call.ToolName,
			Args:       call.Args,
		})
	}
	m.phase = phasePending
	input := RecordApprovalRequestsInput{
		RunContext: m.runCtx,
		SessionID:  m.sessionID,
		Requests:   requests,
	}
	return workflow.ExecuteActivity(ctx, "RecordApprovalRequests", input).Get(ctx, nil)
}

// Wait suspends the run until a validated decision batch arrives. This is the
// only unbounded suspension point: it has no timeout and is bounded solely by
// cancellation of the enclosing run.
func (m *approvalManager) Wait(ctx workflow.Context) error {
	start := workflow.Now(ctx)
	if err := workflow.Await(ctx, func() bool { return m.phase == phaseReady }); err != nil {
		return err
	}
	m.waitedFor = workflow.Now(ctx).Sub(start)
	return nil
}

// Set stores a validated decision batch and releases the wait. A second batch
// arriving before the first is consumed overwrites it (last write wins); this
// mirrors the store's upsert semantics and is logged rather than rejected.
func (m *approvalManager) Set(ctx workflow.Context, decisions map[string]Decision, approvedBy string) {
	if m.phase == phaseReady {
		workflow.GetLogger(ctx).Warn("overwriting unconsumed approval decisions",
			"session_id", m.sessionID, "approved_by", approvedBy)
	}
	m.decisions = decisions
	m.approvedBy = approvedBy
	m.phase = phaseReady
}

// HandleDecisions persists the decision batch and clears the acting approver.
func (m *approvalManager) HandleDecisions(ctx workflow.Context) error {
	records := make([]ApprovalDecisionItem, 0, len(m.order))
	for _, callID := range m.order {
		decision, ok := m.decisions[callID]
		if !ok {
			continue
		}
		record, err := decisionRecord(callID, decision, m.approvedBy)
		if err != nil {
			return err
		}
		records = append(records, record)
	}
	input := ApplyApprovalDecisionsInput{
		RunContext:  m.runCtx,
		SessionID:   m.sessionID,
		Decisions:   records,
		WaitSeconds: m.waitedFor.Seconds(),
	}
	if err := workflow.ExecuteActivity(ctx, "ApplyApprovalDecisions", input).Get(ctx, nil); err != nil {
		return err
	}
	// One-shot: the approver identity is consumed with the batch.
	m.approvedBy = ""
	return nil
}

// Get returns the current decision map; nil means no decisions yet.
func (m *approvalManager) Get() map[string]Decision {
	if len(m.decisions) == 0 {
		return nil
	}
	out := make(map[string]Decision, len(m.decisions))
	for id, decision := range m.decisions {
		out[id] = decision
	}
	return out
}

// reset returns the manager to idle between turns.
func (m *approvalManager) reset() {
	m.phase = phaseIdle
	m.expected = nil
	m.order = nil
	m.decisions = nil
	m.approvedBy = ""
	m.waitedFor = 0
}

// ValidationError enumerates every mismatch in a rejected submission.
type ValidationError struct {
	Missing    []string
	Unexpected []string
	NullIDs    []string
}

func (e *ValidationError) Error() string {
	parts := []string{"approval submission does not match expected tool calls"}
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, "unexpected: "+strings.Join(e.Unexpected, ", "))
	}
	if len(e.NullIDs) > 0 {
		parts = append(parts, "null decision: "+strings.Join(e.NullIDs, ", "))
	}
	return strings.Join(parts, "; ")
}

// ValidateApprovalResponses accepts a submission iff the provided ids exactly
// equal the expected set and no provided decision is null. It reports every
// missing and unexpected id, not just the first mismatch.
func ValidateApprovalResponses(expected []string, provided map[string]*DecisionResponse) error {
	verr := &ValidationError{}
	expectedSet := make(map[string]bool, len(expected))
	for _, id := range expected {
		expectedSet[id] = true
		if _, ok := provided[id]; !ok {
			verr.Missing = append(verr.Missing, id)
		}
	}
	for id, resp := range provided {
		if !expectedSet[id] {
			verr.Unexpected = append(verr.Unexpected, id)
			continue
		}
		if resp == nil {
			verr.NullIDs = append(verr.NullIDs, id)
		}
	}
	if len(verr.Missing) == 0 && len(verr.Unexpected) == 0 && len(verr.NullIDs) == 0 {
		return nil
	}
	sort.Strings(verr.Missing)
	sort.Strings(verr.Unexpected)
	sort.Strings(verr.NullIDs)
	return verr
}

// normalizeResponses converts a validated submission into the decision map.
func normalizeResponses(provided map[string]*DecisionResponse) (map[string]Decision, error) {
	out := make(map[string]Decision, len(provided))
	for id, resp := range provided {
		if resp == nil {
			return nil, fmt.Errorf("null decision for %s", id)
		}
		decision, err := normalizeDecision(*resp)
		if err != nil {
			return nil, fmt.Errorf("decision for %s: %w", id, err)
		}
		out[id] = decision
	}
	return out, nil
}

// decisionRecord maps a decision onto the persisted row fields.
func decisionRecord(callID string, decision Decision, approvedBy string) (ApprovalDecisionItem, error) {
	payload, err := marshalDecision(decision)
	if err != nil {
		return ApprovalDecisionItem{}, err
	}
	switch decision.Kind {
	case DecisionKindApproved:
		return ApprovalDecisionItem{
			ToolCallID: callID,
			Status:     "approved",
			Decision:   payload,
			ApprovedBy: approvedBy,
		}, nil
	case DecisionKindDenied:
		return ApprovalDecisionItem{
			ToolCallID: callID,
			Status:     "rejected",
			Reason:     decision.Message,
			Decision:   payload,
			ApprovedBy: approvedBy,
		}, nil
	default:
		return ApprovalDecisionItem{}, fmt.Errorf("decision for %s has unknown kind %q", callID, decision.Kind)
	}
}
