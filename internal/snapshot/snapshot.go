// Package snapshot writes a concise JSON view of a workspace's upcoming
// scheduled work, for human debugging and for the agent's own
// introspection on its next turn. It is pure and stateless: given a task
// list and a clock, it computes what to write and writes it.
package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/basket/workcell/internal/persistence"
)

const (
	filename   = "scheduler_snapshot.json"
	windowDays = 7
)

// Schedule is the tagged union rendered for one task's schedule in the
// snapshot, mirroring the two ways a ScheduledTask can be due.
type Schedule struct {
	Type       string     `json:"type"`
	Expression string     `json:"expression,omitempty"`
	RunAt      *time.Time `json:"run_at,omitempty"`
	NextRun    time.Time  `json:"next_run"`
}

// Task is one row of the snapshot's upcoming list.
type Task struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Schedule Schedule  `json:"schedule"`
	NextRun  time.Time `json:"next_run"`
	LastRun  *time.Time `json:"last_run,omitempty"`
	Status   string    `json:"status"`
	Label    string    `json:"label,omitempty"`
}

// Snapshot is the full on-disk document.
type Snapshot struct {
	GeneratedAt       time.Time `json:"generated_at"`
	WindowStart       time.Time `json:"window_start"`
	WindowEnd         time.Time `json:"window_end"`
	TotalEnabled      int       `json:"total_enabled"`
	Upcoming          []Task    `json:"upcoming"`
	OmittedPastDue    int       `json:"omitted_past_due"`
	OmittedAfterWindow int      `json:"omitted_after_window"`
}

// Build computes the snapshot for tasks as of now. Disabled tasks are
// excluded entirely; past-due and beyond-the-window tasks are counted but
// not listed.
func Build(tasks []*persistence.ScheduledTask, now time.Time) Snapshot {
	windowEnd := now.Add(windowDays * 24 * time.Hour)

	snap := Snapshot{
		GeneratedAt: now,
		WindowStart: now,
		WindowEnd:   windowEnd,
	}

	for _, task := range tasks {
		if !task.Enabled {
			continue
		}
		snap.TotalEnabled++

		next := scheduleNextRun(task.Schedule)
		if next.Before(now) {
			snap.OmittedPastDue++
			continue
		}
		if next.After(windowEnd) {
			snap.OmittedAfterWindow++
			continue
		}

		snap.Upcoming = append(snap.Upcoming, Task{
			ID:       task.ID,
			Kind:     string(task.Kind),
			Schedule: snapshotSchedule(task.Schedule),
			NextRun:  next,
			LastRun:  task.LastRunAt,
			Status:   taskStatusLabel(task, now),
			Label:    taskLabel(task),
		})
	}

	sort.Slice(snap.Upcoming, func(i, j int) bool {
		return snap.Upcoming[i].NextRun.Before(snap.Upcoming[j].NextRun)
	})

	return snap
}

// Write computes and persists the snapshot to workspace/scheduler_snapshot.json.
func Write(workspaceDir string, tasks []*persistence.ScheduledTask, now time.Time) error {
	snap := Build(tasks, now)
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(workspaceDir, filename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func scheduleNextRun(s persistence.Schedule) time.Time {
	switch {
	case s.Cron != nil && s.Cron.NextRun != nil:
		return *s.Cron.NextRun
	case s.OneShot != nil:
		return s.OneShot.RunAt
	default:
		return time.Time{}
	}
}

func snapshotSchedule(s persistence.Schedule) Schedule {
	switch {
	case s.Cron != nil:
		next := scheduleNextRun(s)
		return Schedule{Type: "cron", Expression: s.Cron.Expression, NextRun: next}
	case s.OneShot != nil:
		runAt := s.OneShot.RunAt
		return Schedule{Type: "one_shot", RunAt: &runAt, NextRun: runAt}
	default:
		return Schedule{Type: "unknown"}
	}
}

func taskStatusLabel(task *persistence.ScheduledTask, now time.Time) string {
	if !task.Enabled {
		if task.LastRunAt != nil {
			return "completed"
		}
		return "disabled"
	}
	if task.Schedule.IsDue(now) {
		return "due"
	}
	return "scheduled"
}

const labelMaxLen = 120

func taskLabel(task *persistence.ScheduledTask) string {
	switch task.Kind {
	case persistence.KindSendReply:
		if task.SendReply == nil {
			return ""
		}
		return truncateLabel(task.SendReply.Subject)
	case persistence.KindRunTask:
		if task.RunTask == nil {
			return ""
		}
		if task.RunTask.ThreadID != "" {
			return truncateLabel(task.RunTask.ThreadID)
		}
		return truncateLabel(filepath.Base(task.RunTask.WorkspaceDir))
	default:
		return ""
	}
}

func truncateLabel(value string) string {
	if value == "" || value == "." || value == string(filepath.Separator) {
		return ""
	}
	if len(value) <= labelMaxLen {
		return value
	}
	return value[:labelMaxLen-3] + "..."
}
