package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"praetor/internal/db"
)

type fakeApprovalStore struct {
	requests    []db.ApprovalRequestRow
	decisions   []db.ApprovalDecisionRow
	suggestions map[string]string
	workspace   string
	session     string
	err         error
}

func (f *fakeApprovalStore) RecordApprovalRequests(ctx context.Context, workspaceID, sessionID string, requests []db.ApprovalRequestRow) error {
	f.workspace, f.session = workspaceID, sessionID
	f.requests = append(f.requests, requests...)
	return f.err
}

func (f *fakeApprovalStore) ApplyApprovalDecisions(ctx context.Context, workspaceID, sessionID string, decisions []db.ApprovalDecisionRow) error {
	f.workspace, f.session = workspaceID, sessionID
	f.decisions = append(f.decisions, decisions...)
	return f.err
}

func (f *fakeApprovalStore) UpdateApproval(ctx context.Context, workspaceID, sessionID, toolCallID string, update db.ApprovalUpdate) (db.ApprovalRow, error) {
	if f.err != nil {
		return db.ApprovalRow{}, f.err
	}
	f.workspace, f.session = workspaceID, sessionID
	if update.Suggestion != nil {
		if f.suggestions == nil {
			f.suggestions = map[string]string{}
		}
		f.suggestions[toolCallID] = *update.Suggestion
	}
	return db.ApprovalRow{ToolCallID: toolCallID}, nil
}

func (f *fakeApprovalStore) ListSessionApprovals(ctx context.Context, workspaceID, sessionID string, limit, offset int) ([]byte, int, error) {
	return []byte("[]"), 0, f.err
}

type fakeSessionStore struct {
	created db.SessionRow
	turn    int
	err     error
}

func (f *fakeSessionStore) CreateSession(ctx context.Context, row db.SessionRow) error {
	f.created = row
	return f.err
}

func (f *fakeSessionStore) GetSession(ctx context.Context, workspaceID, sessionID string) (db.SessionRow, bool, error) {
	return f.created, f.created.SessionID == sessionID, f.err
}

func (f *fakeSessionStore) IncrementSessionTurn(ctx context.Context, workspaceID, sessionID string) (int, error) {
	f.turn++
	return f.turn, f.err
}

type fakeRecommender struct {
	out RecommendDecisionsOutput
	err error
}

func (f *fakeRecommender) Recommend(ctx context.Context, input RecommendDecisionsInput) (RecommendDecisionsOutput, error) {
	return f.out, f.err
}

type fakeResolver struct {
	tools   ResolvedTools
	err     error
	filters ResolveFilters
}

func (f *fakeResolver) ResolveTools(ctx context.Context, filters ResolveFilters) (ResolvedTools, error) {
	f.filters = filters
	return f.tools, f.err
}

func TestRecordApprovalRequestsActivity(t *testing.T) {
	store := &fakeApprovalStore{}
	acts := &Activities{Store: store}
	err := acts.RecordApprovalRequests(context.Background(), RecordApprovalRequestsInput{
		RunContext: runContextForTest(),
		SessionID:  "sess_1",
		Requests: []ApprovalRequestItem{
			{ToolCallID: "tc_1", ToolName: "http_fetch"},
		},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if store.workspace != "ws_1" || store.session != "sess_1" {
		t.Fatalf("scope: %s %s", store.workspace, store.session)
	}
	if len(store.requests) != 1 || store.requests[0].ToolCallID != "tc_1" {
		t.Fatalf("requests: %#v", store.requests)
	}
}

func TestApplyApprovalDecisionsActivity(t *testing.T) {
	store := &fakeApprovalStore{}
	acts := &Activities{Store: store}
	err := acts.ApplyApprovalDecisions(context.Background(), ApplyApprovalDecisionsInput{
		RunContext: runContextForTest(),
		SessionID:  "sess_1",
		Decisions: []ApprovalDecisionItem{
			{ToolCallID: "tc_1", Status: "approved", ApprovedBy: "alice"},
			{ToolCallID: "tc_2", Status: "rejected", Reason: "no"},
		},
		WaitSeconds: 12.5,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(store.decisions) != 2 || store.decisions[1].Reason != "no" {
		t.Fatalf("decisions: %#v", store.decisions)
	}
}

func TestActivitiesRequireDependencies(t *testing.T) {
	acts := &Activities{}
	if err := acts.RecordApprovalRequests(context.Background(), RecordApprovalRequestsInput{}); err == nil {
		t.Fatalf("expected store error")
	}
	if err := acts.ApplyApprovalDecisions(context.Background(), ApplyApprovalDecisionsInput{}); err == nil {
		t.Fatalf("expected store error")
	}
	if err := acts.CreateSession(context.Background(), CreateSessionInput{}); err == nil {
		t.Fatalf("expected session store error")
	}
	if _, err := acts.ExecuteAgentTurn(context.Background(), TurnInput{}); err == nil {
		t.Fatalf("expected engine error")
	}
	if _, err := acts.RecommendDecisions(context.Background(), RecommendDecisionsInput{}); err == nil {
		t.Fatalf("expected recommender error")
	}
	if _, err := acts.ReloadSession(context.Background(), ReloadSessionInput{}); err == nil {
		t.Fatalf("expected session store error")
	}
	if _, err := acts.ResolveApprovalTools(context.Background(), ResolveApprovalToolsInput{}); err == nil {
		t.Fatalf("expected resolver error")
	}
	acts.Recommender = &fakeRecommender{}
	if _, err := acts.RecommendDecisions(context.Background(), RecommendDecisionsInput{}); err == nil {
		t.Fatalf("expected store error")
	}
}

func TestRecommendDecisionsPersistsSuggestions(t *testing.T) {
	store := &fakeApprovalStore{}
	rec := &fakeRecommender{out: RecommendDecisionsOutput{Suggestions: map[string]string{
		"tc_1": "approve: read-only lookup",
		"tc_9": "deny",
	}}}
	acts := &Activities{Store: store, Recommender: rec}
	out, err := acts.RecommendDecisions(context.Background(), RecommendDecisionsInput{
		RunContext: runContextForTest(),
		SessionID:  "sess_1",
		Items:      []ToolCall{{ToolCallID: "tc_1"}, {ToolCallID: "tc_2"}},
	})
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if len(out.Suggestions) != 2 {
		t.Fatalf("suggestions: %#v", out.Suggestions)
	}
	// Only suggestions for tools in the batch land on rows; tc_2 had no
	// suggestion, tc_9 is not in the batch.
	if len(store.suggestions) != 1 || store.suggestions["tc_1"] != "approve: read-only lookup" {
		t.Fatalf("persisted: %#v", store.suggestions)
	}
	if store.workspace != "ws_1" || store.session != "sess_1" {
		t.Fatalf("scope: %s %s", store.workspace, store.session)
	}
}

func TestRecommendDecisionsSurfacesPersistError(t *testing.T) {
	store := &fakeApprovalStore{err: errors.New("db down")}
	rec := &fakeRecommender{out: RecommendDecisionsOutput{Suggestions: map[string]string{"tc_1": "deny"}}}
	acts := &Activities{Store: store, Recommender: rec}
	_, err := acts.RecommendDecisions(context.Background(), RecommendDecisionsInput{
		RunContext: runContextForTest(),
		SessionID:  "sess_1",
		Items:      []ToolCall{{ToolCallID: "tc_1"}},
	})
	if err == nil || !strings.Contains(err.Error(), "tc_1") {
		t.Fatalf("err: %v", err)
	}
}

func TestReloadSessionActivity(t *testing.T) {
	sessions := &fakeSessionStore{created: db.SessionRow{
		SessionID: "sess_1",
		Turn:      4,
		Metadata:  json.RawMessage(`{"phase":"containment"}`),
	}}
	acts := &Activities{Sessions: sessions}
	out, err := acts.ReloadSession(context.Background(), ReloadSessionInput{
		RunContext: runContextForTest(),
		SessionID:  "sess_1",
	})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !out.Found || out.Turn != 4 || string(out.Metadata) != `{"phase":"containment"}` {
		t.Fatalf("out: %+v", out)
	}

	missing, err := acts.ReloadSession(context.Background(), ReloadSessionInput{
		RunContext: runContextForTest(),
		SessionID:  "sess_other",
	})
	if err != nil || missing.Found {
		t.Fatalf("missing session: %+v %v", missing, err)
	}
}

func TestResolveApprovalToolsActivity(t *testing.T) {
	resolver := &fakeResolver{tools: ResolvedTools{Tools: []ResolvedTool{
		{Name: "http_fetch", InputSchema: json.RawMessage(`{"type":"object"}`), ApprovalRequired: true},
	}}}
	acts := &Activities{Resolver: resolver}
	out, err := acts.ResolveApprovalTools(context.Background(), ResolveApprovalToolsInput{
		RunContext: runContextForTest(),
		SessionID:  "sess_1",
		ToolNames:  []string{"http_fetch"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(resolver.filters.ToolNames) != 1 || resolver.filters.ToolNames[0] != "http_fetch" {
		t.Fatalf("filters: %#v", resolver.filters)
	}
	if len(out.Tools) != 1 || out.Tools[0].Name != "http_fetch" {
		t.Fatalf("tools: %#v", out.Tools)
	}
}

func TestCreateSessionActivityScopesTenant(t *testing.T) {
	sessions := &fakeSessionStore{}
	acts := &Activities{Sessions: sessions}
	err := acts.CreateSession(context.Background(), CreateSessionInput{
		RunContext:    runContextForTest(),
		SessionID:     "sess_1",
		RootSessionID: "sess_1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sessions.created.WorkspaceID != "ws_1" || sessions.created.OrganizationID != "org_1" {
		t.Fatalf("created: %#v", sessions.created)
	}
}

func TestAdvanceSessionTurnActivity(t *testing.T) {
	sessions := &fakeSessionStore{turn: 2}
	acts := &Activities{Sessions: sessions}
	out, err := acts.AdvanceSessionTurn(context.Background(), AdvanceSessionTurnInput{
		RunContext: runContextForTest(),
		SessionID:  "sess_1",
	})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if out.Turn != 3 {
		t.Fatalf("turn: %d", out.Turn)
	}
}

func TestApplyApprovalDecisionsActivitySurfacesStoreError(t *testing.T) {
	store := &fakeApprovalStore{err: errors.New("db down")}
	acts := &Activities{Store: store}
	err := acts.ApplyApprovalDecisions(context.Background(), ApplyApprovalDecisionsInput{
		RunContext: runContextForTest(),
		SessionID:  "sess_1",
	})
	if err == nil || err.Error() != "db down" {
		t.Fatalf("err: %v", err)
	}
}
