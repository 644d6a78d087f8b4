package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeStaleStore struct {
	stale  []PendingApproval
	cutoff time.Time
	err    error
	calls  int
}

func (f *fakeStaleStore) ListStalePendingApprovals(ctx context.Context, cutoff time.Time, limit int) ([]byte, error) {
	f.calls++
	f.cutoff = cutoff
	if f.err != nil {
		return nil, f.err
	}
	return json.Marshal(f.stale)
}

type fakeNotifier struct {
	sent []PendingApproval
	err  error
}

func (f *fakeNotifier) NotifyPendingApproval(ctx context.Context, approval PendingApproval) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, approval)
	return nil
}

func staleApproval(id string) PendingApproval {
	return PendingApproval{
		ApprovalID:  id,
		WorkspaceID: "ws_1",
		SessionID:   "sess_1",
		ToolCallID:  "tc_" + id,
		ToolName:    "shell_exec",
		CreatedAt:   time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestSweeperSendsReminders(t *testing.T) {
	store := &fakeStaleStore{stale: []PendingApproval{staleApproval("ap_1"), staleApproval("ap_2")}}
	notifier := &fakeNotifier{}
	sweeper := NewSweeper(store, notifier)
	sweeper.After = time.Hour
	sweeper.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	count, err := sweeper.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 2 || len(notifier.sent) != 2 {
		t.Fatalf("count=%d sent=%d", count, len(notifier.sent))
	}
	wantCutoff := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	if !store.cutoff.Equal(wantCutoff) {
		t.Fatalf("cutoff: %v", store.cutoff)
	}
}

func TestSweeperDedupes(t *testing.T) {
	store := &fakeStaleStore{stale: []PendingApproval{staleApproval("ap_1")}}
	notifier := &fakeNotifier{}
	sweeper := NewSweeper(store, notifier)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sweeper.Now = func() time.Time { return now }

	if _, err := sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	now = now.Add(time.Hour)
	count, err := sweeper.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if count != 0 || len(notifier.sent) != 1 {
		t.Fatalf("count=%d sent=%d", count, len(notifier.sent))
	}
}

func TestSweeperHonorsSchedule(t *testing.T) {
	store := &fakeStaleStore{}
	sweeper := NewSweeper(store, &fakeNotifier{})
	sweeper.Schedule = "0 * * * *"
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sweeper.Now = func() time.Time { return now }

	if _, err := sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	now = now.Add(10 * time.Minute)
	if _, err := sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if store.calls != 1 {
		t.Fatalf("store calls: %d", store.calls)
	}
	now = now.Add(time.Hour)
	if _, err := sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("third sweep: %v", err)
	}
	if store.calls != 2 {
		t.Fatalf("store calls: %d", store.calls)
	}
}

func TestSweeperNotifierFailureSkips(t *testing.T) {
	store := &fakeStaleStore{stale: []PendingApproval{staleApproval("ap_1")}}
	notifier := &fakeNotifier{err: errors.New("webhook down")}
	sweeper := NewSweeper(store, notifier)
	sweeper.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	count, err := sweeper.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 0 {
		t.Fatalf("count: %d", count)
	}
}

func TestSweeperRequiresDependencies(t *testing.T) {
	sweeper := &Sweeper{}
	if _, err := sweeper.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if err := sweeper.Run(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestWebhookNotifier(t *testing.T) {
	var got reminderPayload
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
	}))
	defer ts.Close()

	notifier := NewWebhookNotifier(ts.URL)
	notifier.HTTPClient = ts.Client()
	if err := notifier.NotifyPendingApproval(context.Background(), staleApproval("ap_1")); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.Kind != "approval_reminder" || got.ApprovalID != "ap_1" || got.ToolName != "shell_exec" {
		t.Fatalf("payload: %#v", got)
	}
}

func TestWebhookNotifierStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	notifier := NewWebhookNotifier(ts.URL)
	notifier.HTTPClient = ts.Client()
	if err := notifier.NotifyPendingApproval(context.Background(), staleApproval("ap_1")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestWebhookNotifierRequiresURL(t *testing.T) {
	notifier := &WebhookNotifier{}
	if err := notifier.NotifyPendingApproval(context.Background(), staleApproval("ap_1")); err == nil {
		t.Fatalf("expected error")
	}
}
