// Package approvals nags humans about tool approvals that have sat pending
// too long. The sweeper polls the store on a cron schedule and sends one
// reminder per stale approval.
package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"praetor/internal/metrics"
)

// PendingApproval is the reminder-relevant slice of a pending approval row.
type PendingApproval struct {
	ApprovalID  string    `json:"approval_id"`
	WorkspaceID string    `json:"workspace_id"`
	SessionID   string    `json:"session_id"`
	ToolCallID  string    `json:"tool_call_id"`
	ToolName    string    `json:"tool_name"`
	CreatedAt   time.Time `json:"created_at"`
}

type StaleStore interface {
	ListStalePendingApprovals(ctx context.Context, cutoff time.Time, limit int) ([]byte, error)
}

type Notifier interface {
	NotifyPendingApproval(ctx context.Context, approval PendingApproval) error
}

type Sweeper struct {
	Store        StaleStore
	Notifier     Notifier
	Schedule     string
	After        time.Duration
	PollInterval time.Duration
	Now          func() time.Time
	Parser       *cron.Parser

	lastSweep time.Time
	notified  map[string]bool
}

func NewSweeper(store StaleStore, notifier Notifier) *Sweeper {
	return &Sweeper{
		Store:        store,
		Notifier:     notifier,
		Schedule:     "*/15 * * * *",
		After:        time.Hour,
		PollInterval: 30 * time.Second,
		Now:          time.Now,
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Store == nil {
		return errors.New("store required")
	}
	if s.Notifier == nil {
		return errors.New("notifier required")
	}
	s.defaults()
	if _, err := s.RunOnce(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				return err
			}
		}
	}
}

// RunOnce sweeps if the cron schedule is due and returns the number of
// reminders sent.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if s.Store == nil || s.Notifier == nil {
		return 0, errors.New("store and notifier required")
	}
	s.defaults()
	now := s.Now().UTC()
	spec, err := s.Parser.Parse(strings.TrimSpace(s.Schedule))
	if err != nil {
		return 0, err
	}
	if !s.lastSweep.IsZero() && spec.Next(s.lastSweep).After(now) {
		return 0, nil
	}
	s.lastSweep = now

	payload, err := s.Store.ListStalePendingApprovals(ctx, now.Add(-s.After), 200)
	if err != nil {
		return 0, err
	}
	var stale []PendingApproval
	if err := json.Unmarshal(payload, &stale); err != nil {
		return 0, err
	}
	count := 0
	for _, approval := range stale {
		if s.notified[approval.ApprovalID] {
			continue
		}
		if err := s.Notifier.NotifyPendingApproval(ctx, approval); err != nil {
			slog.Warn("approval reminder failed",
				"approval_id", approval.ApprovalID,
				"session_id", approval.SessionID,
				"error", err)
			continue
		}
		s.notified[approval.ApprovalID] = true
		metrics.ApprovalRemindersTotal.Inc()
		count++
	}
	return count, nil
}

func (s *Sweeper) defaults() {
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Parser == nil {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		s.Parser = &parser
	}
	if strings.TrimSpace(s.Schedule) == "" {
		s.Schedule = "*/15 * * * *"
	}
	if s.After <= 0 {
		s.After = time.Hour
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 30 * time.Second
	}
	if s.notified == nil {
		s.notified = map[string]bool{}
	}
}
