// Package consumer claims envelopes off the durable ingestion queue and
// turns each into either an immediate quick response or a freshly scheduled
// RunTask. It is the "consumer" referred to throughout the ingestion and
// quick-response sections: the thing standing between an admitted envelope
// and the scheduler ever seeing a new task.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/basket/workcell/internal/channel"
	"github.com/basket/workcell/internal/memorydiff"
	"github.com/basket/workcell/internal/persistence"
	"github.com/basket/workcell/internal/quickresponse"
	"github.com/basket/workcell/internal/safety"
	"github.com/basket/workcell/internal/userstore"
	"github.com/basket/workcell/internal/workspace"
)

// Stores resolves an employee id to its durable scheduler database and
// on-disk paths, lazily opening and caching each employee's TaskStore.
type Stores interface {
	TaskStore(employeeID string) (*persistence.TaskStore, error)
	Paths(employeeID string) userstore.Paths
}

// Consumer claims envelopes one at a time and drives them to completion.
// Per employee, envelopes are processed strictly in received order: the
// ingestion queue's ordering guarantee only holds if nothing claims two
// envelopes for the same employee concurrently, so a deployment runs
// exactly one Consumer per process and relies on ClaimNext's row-level
// locking to keep multiple processes from stepping on each other.
type Consumer struct {
	Queue         *persistence.QueueStore
	Stores        Stores
	Classifier    quickresponse.Classifier
	Sanitizer     *safety.Sanitizer
	Outbound      map[channel.Kind]channel.OutboundAdapter
	MemoryQ       *memorydiff.WriteQueue
	Owner         string
	LeaseDuration time.Duration
	PollInterval  time.Duration
	Logger        *slog.Logger
}

func (c *Consumer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Consumer) sanitizer() *safety.Sanitizer {
	if c.Sanitizer != nil {
		return c.Sanitizer
	}
	return safety.NewSanitizer()
}

// Start claims and processes envelopes until ctx is canceled, draining any
// backlog before falling back to polling at PollInterval.
func (c *Consumer) Start(ctx context.Context) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for c.tick(ctx) {
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick claims and fully processes one envelope. It reports whether it found
// one, so Start can keep draining without waiting out the poll interval.
func (c *Consumer) tick(ctx context.Context) bool {
	env, err := c.Queue.ClaimNext(ctx, c.Owner, c.LeaseDuration)
	if err != nil {
		c.logger().Error("claim envelope failed", "error", err)
		return false
	}
	if env == nil {
		return false
	}

	if err := c.process(ctx, env); err != nil {
		c.logger().Error("process envelope failed", "envelope_id", env.ID, "error", err)
		if nackErr := c.Queue.Nack(ctx, env.ID, err.Error()); nackErr != nil {
			c.logger().Error("nack envelope failed", "envelope_id", env.ID, "error", nackErr)
		}
		return true
	}
	if err := c.Queue.Ack(ctx, env.ID); err != nil {
		c.logger().Error("ack envelope failed", "envelope_id", env.ID, "error", err)
	}
	return true
}

func (c *Consumer) process(ctx context.Context, env *persistence.Envelope) error {
	msg := env.Message
	paths := c.Stores.Paths(msg.EmployeeID)
	store, err := c.Stores.TaskStore(msg.EmployeeID)
	if err != nil {
		return fmt.Errorf("consumer: open task store: %w", err)
	}

	epoch, err := workspace.BumpThreadEpoch(paths.ThreadStatePath(msg.ThreadID))
	if err != nil {
		return fmt.Errorf("consumer: bump thread epoch: %w", err)
	}
	if n, staleErr := store.DisableStaleThreadTasks(ctx, msg.ThreadID, epoch); staleErr != nil {
		c.logger().Error("disable stale thread tasks failed", "thread_id", msg.ThreadID, "error", staleErr)
	} else if n > 0 {
		c.logger().Info("canceled stale thread tasks", "thread_id", msg.ThreadID, "employee_id", msg.EmployeeID, "count", n)
	}

	if check := c.sanitizer().Check(msg.TextBody); check.Action == safety.ActionBlock {
		c.logger().Warn("blocked inbound message: prompt injection detected", "employee_id", msg.EmployeeID, "thread_id", msg.ThreadID, "reason", check.Reason)
		return c.respondTrivial(paths, msg, quickresponse.Verdict{
			Trivial: true,
			Reply:   "I can't act on that message as written; could you rephrase it?",
		})
	}

	memo := readMemo(paths.MemoPath())

	verdict, err := c.classify(ctx, msg, memo)
	if err != nil {
		return fmt.Errorf("consumer: classify: %w", err)
	}
	if verdict.Trivial {
		return c.respondTrivial(paths, msg, verdict)
	}
	return c.scheduleRunTask(ctx, store, paths, msg, epoch)
}

func (c *Consumer) classify(ctx context.Context, msg channel.InboundMessage, memo string) (quickresponse.Verdict, error) {
	if c.Classifier == nil {
		return quickresponse.Verdict{}, nil
	}
	return c.Classifier.Classify(ctx, msg, memo)
}

// respondTrivial implements the Simple{response, memory_update?} decision:
// post the canned reply (if any) through the channel's outbound adapter,
// append the memory update (if any) to the user's memo, and return without
// ever touching the scheduler. Any error reaching the outbound adapter is
// returned so the envelope falls through to a Nack/retry rather than
// silently dropping the user's message.
func (c *Consumer) respondTrivial(paths userstore.Paths, msg channel.InboundMessage, verdict quickresponse.Verdict) error {
	if verdict.Reply != "" {
		if err := c.sendQuickReply(paths, msg, verdict.Reply); err != nil {
			return fmt.Errorf("consumer: send quick reply: %w", err)
		}
	}
	if verdict.MemoryUpdate != "" && c.MemoryQ != nil {
		diff := memorydiff.Diff{Changes: map[string]memorydiff.SectionChange{
			"Quick Responses": {Kind: memorydiff.Added, Lines: []string{verdict.MemoryUpdate}},
		}}
		if err := c.MemoryQ.Submit(memorydiff.WriteRequest{
			Key:  msg.EmployeeID,
			Path: paths.MemoPath(),
			Diff: diff,
		}); err != nil {
			return fmt.Errorf("consumer: apply memory update: %w", err)
		}
	}
	return nil
}

func (c *Consumer) sendQuickReply(paths userstore.Paths, msg channel.InboundMessage, reply string) error {
	adapter, ok := c.Outbound[msg.Channel]
	if !ok {
		return fmt.Errorf("no outbound adapter registered for channel %q", msg.Channel)
	}
	if len(msg.ReplyTo) == 0 {
		return fmt.Errorf("inbound message has no reply_to destination")
	}

	replyDir := filepath.Join(paths.ThreadDir(msg.ThreadID), "quick_replies")
	if err := os.MkdirAll(replyDir, 0o755); err != nil {
		return fmt.Errorf("create quick reply dir: %w", err)
	}
	textPath := filepath.Join(replyDir, uuid.NewString()+".txt")
	if err := os.WriteFile(textPath, []byte(reply), 0o644); err != nil {
		return fmt.Errorf("write quick reply body: %w", err)
	}

	result, err := adapter.Send(channel.OutboundMessage{
		Channel:   msg.Channel,
		To:        msg.ReplyTo,
		Subject:   msg.Subject,
		TextPath:  textPath,
		ThreadID:  msg.ThreadID,
		InReplyTo: msg.ExternalMsgID,
	})
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("channel reported non-success delivery")
	}
	return nil
}

// scheduleRunTask implements the Complex/Passthrough decision: arm a
// zero-delay RunTask pinned to the thread's freshly bumped epoch, so a
// later stale-thread cancellation (triggered by the next inbound message)
// can find and disable it if it hasn't fired yet.
func (c *Consumer) scheduleRunTask(ctx context.Context, store *persistence.TaskStore, paths userstore.Paths, msg channel.InboundMessage, epoch uint64) error {
	taskID := uuid.NewString()
	rtt := &persistence.RunTaskTask{
		WorkspaceDir:    paths.WorkspaceDir(msg.ThreadID, taskID),
		MemoryDir:       filepath.Dir(paths.MemoPath()),
		ReplyTo:         msg.ReplyTo,
		ThreadID:        msg.ThreadID,
		ThreadEpoch:     &epoch,
		ThreadStatePath: paths.ThreadStatePath(msg.ThreadID),
		Channel:         msg.Channel,
		EmployeeID:      msg.EmployeeID,
	}
	_, err := store.CreateTask(ctx, persistence.ScheduledTaskRequest{
		EmployeeID: msg.EmployeeID,
		Kind:       persistence.KindRunTask,
		RunTask:    rtt,
		Schedule:   persistence.Schedule{OneShot: &persistence.ScheduleOneShot{RunAt: time.Now()}},
	})
	if err != nil {
		return fmt.Errorf("consumer: schedule run task: %w", err)
	}
	return nil
}

func readMemo(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}
