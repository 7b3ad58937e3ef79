// Package failurenotify reacts to a RunTask task being disabled after
// hitting its consecutive-failure limit: it writes a user-facing notice
// back out the task's channel and an admin-facing report to disk.
package failurenotify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/workcell/internal/persistence"
)

const (
	// FailureNoticeText is the message sent back to the user on the
	// channel the failing task was running for.
	FailureNoticeText = "This task hit a repeated error and has been paused. An operator has been notified."

	failureNotificationsDir = "failure_notifications"
	failureReportsDir       = "failure_reports"
)

// Notifier writes both halves of a disablement: the draft the scheduler
// will send back as a SendReply task, and a structured report for whoever
// is on call.
type Notifier struct {
	ReportsRoot string
}

// Report is the admin-facing JSON artifact for one disabled task.
type Report struct {
	TaskID     string    `json:"task_id"`
	EmployeeID string    `json:"employee_id"`
	Channel    string    `json:"channel,omitempty"`
	LastError  string    `json:"last_error"`
	Failures   int       `json:"consecutive_failures"`
	DisabledAt time.Time `json:"disabled_at"`
}

// Notify writes the admin report and, if the task names reply recipients,
// creates a one-shot SendReply task carrying FailureNoticeText.
func (n *Notifier) Notify(ctx context.Context, store *persistence.TaskStore, task *persistence.ScheduledTask) error {
	report := Report{
		TaskID:     task.ID,
		EmployeeID: task.EmployeeID,
		LastError:  task.LastError,
		Failures:   task.ConsecutiveFailures,
		DisabledAt: time.Now(),
	}
	if task.RunTask != nil {
		report.Channel = string(task.RunTask.Channel)
	}
	if err := n.writeReport(report); err != nil {
		return fmt.Errorf("failurenotify: write report: %w", err)
	}

	if task.RunTask == nil || len(task.RunTask.ReplyTo) == 0 {
		return nil
	}

	noticePath, err := n.writeNotice(task.ID)
	if err != nil {
		return fmt.Errorf("failurenotify: write notice: %w", err)
	}

	_, err = store.CreateTask(ctx, persistence.ScheduledTaskRequest{
		EmployeeID: task.EmployeeID,
		Kind:       persistence.KindSendReply,
		SendReply: &persistence.SendReplyTask{
			Channel:  task.RunTask.Channel,
			From:     task.RunTask.ReplyFrom,
			To:       task.RunTask.ReplyTo,
			ThreadID: task.RunTask.ThreadID,
			TextPath: noticePath,
		},
		Schedule: persistence.Schedule{OneShot: &persistence.ScheduleOneShot{RunAt: time.Now()}},
	})
	if err != nil {
		return fmt.Errorf("failurenotify: schedule notice: %w", err)
	}
	return nil
}

func (n *Notifier) writeNotice(taskID string) (string, error) {
	dir := filepath.Join(n.ReportsRoot, failureNotificationsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, taskID+".txt")
	if err := os.WriteFile(path, []byte(FailureNoticeText), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (n *Notifier) writeReport(report Report) error {
	dir := filepath.Join(n.ReportsRoot, failureReportsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.json", report.TaskID, report.DisabledAt.Unix()))
	return os.WriteFile(path, data, 0o644)
}
