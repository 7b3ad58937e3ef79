package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/workcell/internal/channel"
)

func newTaskStore(t *testing.T) *TaskStore {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenTaskStore(filepath.Join(dir, "tasks.db"))
	if err != nil {
		t.Fatalf("open task store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOneShotDueAndComplete(t *testing.T) {
	ctx := context.Background()
	s := newTaskStore(t)

	past := time.Now().Add(-time.Minute)
	id, err := s.CreateTask(ctx, ScheduledTaskRequest{
		EmployeeID: "emp-1",
		Kind:       KindRunTask,
		RunTask:    &RunTaskTask{WorkspaceDir: "/ws", Channel: channel.Slack},
		Schedule:   Schedule{OneShot: &ScheduleOneShot{RunAt: past}},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	due, err := s.DueTasks(ctx, time.Now())
	if err != nil {
		t.Fatalf("due tasks: %v", err)
	}
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("expected task %s to be due, got %+v", id, due)
	}

	claimed, err := s.ClaimTask(ctx, id, "scheduler-1", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("claim task: claimed=%v err=%v", claimed, err)
	}
	if err := s.StartRun(ctx, id); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := s.CompleteRun(ctx, id, nil); err != nil {
		t.Fatalf("complete run: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != TaskSucceeded {
		t.Fatalf("expected one-shot task to be SUCCEEDED, got %s", got.Status)
	}

	stillDue, err := s.DueTasks(ctx, time.Now())
	if err != nil {
		t.Fatalf("due tasks after complete: %v", err)
	}
	if len(stillDue) != 0 {
		t.Fatalf("completed one-shot task should not be due again, got %+v", stillDue)
	}
}

func TestCronReschedulesAfterSuccess(t *testing.T) {
	ctx := context.Background()
	s := newTaskStore(t)

	now := time.Now()
	id, err := s.CreateTask(ctx, ScheduledTaskRequest{
		EmployeeID: "emp-1",
		Kind:       KindRunTask,
		RunTask:    &RunTaskTask{WorkspaceDir: "/ws", Channel: channel.Slack},
		Schedule:   Schedule{Cron: &ScheduleCron{Expression: "0 0 * * * *", NextRun: &now}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ClaimTask(ctx, id, "owner", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_ = s.StartRun(ctx, id)

	next := now.Add(time.Hour)
	if err := s.CompleteRun(ctx, id, &next); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != TaskQueued {
		t.Fatalf("expected cron task to go back to QUEUED, got %s", got.Status)
	}
	if got.Schedule.Cron == nil || got.Schedule.Cron.NextRun == nil || !got.Schedule.Cron.NextRun.Equal(next) {
		t.Fatalf("expected next_run to advance to %v, got %+v", next, got.Schedule.Cron)
	}
}

func TestFailureLimitDisablesTask(t *testing.T) {
	ctx := context.Background()
	s := newTaskStore(t)

	id, err := s.CreateTask(ctx, ScheduledTaskRequest{
		EmployeeID: "emp-1",
		Kind:       KindRunTask,
		RunTask:    &RunTaskTask{WorkspaceDir: "/ws", Channel: channel.Slack},
		Schedule:   Schedule{OneShot: &ScheduleOneShot{RunAt: time.Now().Add(-time.Minute)}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var disabled bool
	for i := 0; i < RunTaskFailureLimit; i++ {
		if _, err := s.ClaimTask(ctx, id, "owner", time.Minute); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		disabled, err = s.FailRun(ctx, id, "run failed")
		if err != nil {
			t.Fatalf("fail run %d: %v", i, err)
		}
		if i < RunTaskFailureLimit-1 {
			// Re-arm for the next attempt like the scheduler would: a FAILED
			// one-shot task is still eligible until disabled.
			if _, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET status = 'FAILED' WHERE id = ?;`, id); err != nil {
				t.Fatalf("rearm: %v", err)
			}
		}
	}
	if !disabled {
		t.Fatalf("expected task to be disabled after %d consecutive failures", RunTaskFailureLimit)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Enabled {
		t.Fatalf("expected task to be disabled")
	}
	if got.ConsecutiveFailures != RunTaskFailureLimit {
		t.Fatalf("expected consecutive_failures=%d, got %d", RunTaskFailureLimit, got.ConsecutiveFailures)
	}
}

func TestRequeueExpiredLeasesRecoversCrashedClaim(t *testing.T) {
	ctx := context.Background()
	s := newTaskStore(t)

	id, err := s.CreateTask(ctx, ScheduledTaskRequest{
		EmployeeID: "emp-1",
		Kind:       KindRunTask,
		RunTask:    &RunTaskTask{WorkspaceDir: "/ws", Channel: channel.Slack},
		Schedule:   Schedule{OneShot: &ScheduleOneShot{RunAt: time.Now().Add(-time.Minute)}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ClaimTask(ctx, id, "owner-crashed", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_ = s.StartRun(ctx, id)

	// Simulate the owning process having crashed mid-run: no restart path
	// trusts a stale lease, it just force-reclaims everything in flight.
	n, err := s.ReclaimAllLeases(ctx)
	if err != nil {
		t.Fatalf("reclaim all: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 task reclaimed, got %d", n)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != TaskQueued || got.LeaseOwner != "" {
		t.Fatalf("expected task requeued with no lease owner, got status=%s owner=%q", got.Status, got.LeaseOwner)
	}
}
