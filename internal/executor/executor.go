// Package executor implements the TaskExecutor strategy the scheduler
// calls into: it runs one claimed ScheduledTask to completion and reports
// follow-up work back as a TaskExecution, never touching the scheduler's
// own store directly (one-way data flow).
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/basket/workcell/internal/channel"
	"github.com/basket/workcell/internal/memorydiff"
	"github.com/basket/workcell/internal/persistence"
	"github.com/basket/workcell/internal/runner"
	"github.com/basket/workcell/internal/safety"
	"github.com/basket/workcell/internal/workspace"
)

const (
	failureNoticeFilename = "failure_notifications"
)

// Executor runs ScheduledTasks. It implements scheduler.Executor.
type Executor struct {
	Runner      runner.Runner
	MemoryQ     *memorydiff.WriteQueue
	Outbound    map[channel.Kind]channel.OutboundAdapter
	LeakScanner *safety.LeakDetector
	Logger      *slog.Logger
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Executor) leakScanner() *safety.LeakDetector {
	if e.LeakScanner != nil {
		return e.LeakScanner
	}
	return safety.NewLeakDetector()
}

// Execute dispatches on the task's kind.
func (e *Executor) Execute(ctx context.Context, task *persistence.ScheduledTask) (persistence.TaskExecution, error) {
	switch task.Kind {
	case persistence.KindNoop:
		return persistence.TaskExecution{}, nil
	case persistence.KindSendReply:
		return e.executeSendReply(ctx, task)
	case persistence.KindRunTask:
		return e.executeRunTask(ctx, task)
	default:
		return persistence.TaskExecution{}, fmt.Errorf("executor: unknown task kind %q", task.Kind)
	}
}

func (e *Executor) executeSendReply(ctx context.Context, task *persistence.ScheduledTask) (persistence.TaskExecution, error) {
	srt := task.SendReply
	if srt == nil {
		return persistence.TaskExecution{}, fmt.Errorf("executor: send_reply task missing payload")
	}

	if srt.ThreadStatePath != "" {
		ok, err := workspace.EpochMatches(srt.ThreadStatePath, srt.ThreadEpoch)
		if err != nil {
			return persistence.TaskExecution{}, fmt.Errorf("executor: check thread epoch: %w", err)
		}
		if !ok {
			e.logger().Info("skipping send_reply: thread epoch is stale", "task_id", task.ID, "thread_id", srt.ThreadID)
			return persistence.TaskExecution{}, nil
		}
	}

	adapter, ok := e.Outbound[srt.Channel]
	if !ok {
		return persistence.TaskExecution{}, fmt.Errorf("executor: no outbound adapter registered for channel %q", srt.Channel)
	}
	result, err := adapter.Send(channel.OutboundMessage{
		Channel:    srt.Channel,
		To:         srt.To,
		CC:         srt.CC,
		BCC:        srt.BCC,
		From:       srt.From,
		Subject:    srt.Subject,
		TextPath:   srt.TextPath,
		HTMLPath:   srt.HTMLPath,
		AttachDir:  srt.AttachmentsDir,
		InReplyTo:  srt.InReplyTo,
		References: srt.References,
		ThreadID:   srt.ThreadID,
	})
	if err != nil {
		return persistence.TaskExecution{}, fmt.Errorf("executor: send reply: %w", err)
	}
	if !result.Success {
		return persistence.TaskExecution{}, fmt.Errorf("executor: send reply: channel reported non-success delivery")
	}
	return persistence.TaskExecution{}, nil
}

func (e *Executor) executeRunTask(ctx context.Context, task *persistence.ScheduledTask) (persistence.TaskExecution, error) {
	rtt := task.RunTask
	if rtt == nil {
		return persistence.TaskExecution{}, fmt.Errorf("executor: run_task missing payload")
	}

	result, err := e.Runner.Run(ctx, runner.Spec{
		Runner:       rtt.Runner,
		ModelName:    rtt.ModelName,
		WorkspaceDir: rtt.WorkspaceDir,
	})
	if err != nil {
		return persistence.TaskExecution{}, fmt.Errorf("executor: run agent: %w", err)
	}
	if !result.Success() {
		return persistence.TaskExecution{}, fmt.Errorf("executor: agent exited %d: %s", result.ExitCode, truncate(result.Stderr, 2000))
	}

	for _, warning := range e.leakScanner().Scan(result.Stdout + "\n" + result.Stderr) {
		e.logger().Warn("agent output matched a secret pattern", "task_id", task.ID, "pattern", warning.Pattern, "sample", warning.Sample)
	}

	if rtt.MemoryDir != "" && e.MemoryQ != nil {
		if err := e.applyMemoryDiff(rtt); err != nil {
			e.logger().Error("apply memory diff failed", "task_id", task.ID, "error", err)
		}
	}

	execution := persistence.TaskExecution{}
	if action, ok := e.autoReply(rtt); ok {
		execution.SchedulerActions = append(execution.SchedulerActions, action)
	}
	return execution, nil
}

// applyMemoryDiff computes the diff between the agent's working copy of the
// memo (written into the workspace alongside its input) and the durable
// memo file, then submits it through the write queue so concurrent runs
// against the same employee never interleave their writes.
func (e *Executor) applyMemoryDiff(rtt *persistence.RunTaskTask) error {
	workingCopy := filepath.Join(rtt.WorkspaceDir, "memo.md")
	modified, err := os.ReadFile(workingCopy)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // agent didn't touch memory this run
		}
		return fmt.Errorf("read working memo: %w", err)
	}
	durablePath := filepath.Join(rtt.MemoryDir, "memo.md")
	original, err := os.ReadFile(durablePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read durable memo: %w", err)
	}
	diff := memorydiff.Compute(string(original), string(modified))
	if len(diff.Changes) == 0 {
		return nil
	}
	return e.MemoryQ.Submit(memorydiff.WriteRequest{
		Key:  rtt.EmployeeID,
		Path: durablePath,
		Diff: diff,
	})
}

// autoReply mirrors the reference scheduler's auto-reply wiring: if the
// task named reply recipients and the agent wrote a reply draft at the
// channel's conventional filename, arm an immediate one-shot SendReply
// task for it. Skipped entirely if the thread's epoch has already moved on.
func (e *Executor) autoReply(rtt *persistence.RunTaskTask) (persistence.ScheduledTaskRequest, bool) {
	if len(rtt.ReplyTo) == 0 {
		return persistence.ScheduledTaskRequest{}, false
	}
	if rtt.ThreadStatePath != "" {
		ok, err := workspace.EpochMatches(rtt.ThreadStatePath, rtt.ThreadEpoch)
		if err != nil || !ok {
			return persistence.ScheduledTaskRequest{}, false
		}
	}

	filename, attachDirName := rtt.Channel.ReplyFiles()
	replyPath := filepath.Join(rtt.WorkspaceDir, filename)
	if _, err := os.Stat(replyPath); err != nil {
		return persistence.ScheduledTaskRequest{}, false
	}

	srt := &persistence.SendReplyTask{
		Channel:         rtt.Channel,
		From:            rtt.ReplyFrom,
		To:              rtt.ReplyTo,
		ThreadID:        rtt.ThreadID,
		ThreadEpoch:     rtt.ThreadEpoch,
		ThreadStatePath: rtt.ThreadStatePath,
		AttachmentsDir:  filepath.Join(rtt.WorkspaceDir, attachDirName),
	}
	if rtt.Channel == channel.Email || rtt.Channel == channel.GoogleDocs {
		srt.HTMLPath = replyPath
	} else {
		srt.TextPath = replyPath
	}

	return persistence.ScheduledTaskRequest{
		EmployeeID: rtt.EmployeeID,
		Kind:       persistence.KindSendReply,
		SendReply:  srt,
		Schedule:   persistence.Schedule{OneShot: &persistence.ScheduleOneShot{}},
	}, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
