package persistence

import (
	"time"

	"github.com/basket/workcell/internal/channel"
)

// RunTaskFailureLimit is the number of consecutive RunTask failures after
// which the failure notifier disables the task and reports it.
const RunTaskFailureLimit = 3

// TaskStatus is the run state of one fire of a ScheduledTask.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskClaimed   TaskStatus = "CLAIMED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCanceled  TaskStatus = "CANCELED"
)

// TaskKindName discriminates the polymorphic task payload.
type TaskKindName string

const (
	KindSendReply TaskKindName = "send_reply"
	KindRunTask   TaskKindName = "run_task"
	KindNoop      TaskKindName = "noop"
)

// SendReplyTask delivers a previously-written reply draft back out a channel.
type SendReplyTask struct {
	Channel         channel.Kind `json:"channel"`
	Subject         string       `json:"subject,omitempty"`
	TextPath        string       `json:"text_path,omitempty"`
	HTMLPath        string       `json:"html_path,omitempty"`
	AttachmentsDir  string       `json:"attachments_dir,omitempty"`
	From            string       `json:"from,omitempty"`
	To              []string     `json:"to"`
	CC              []string     `json:"cc,omitempty"`
	BCC             []string     `json:"bcc,omitempty"`
	InReplyTo       string       `json:"in_reply_to,omitempty"`
	References      string       `json:"references,omitempty"`
	ThreadID        string       `json:"thread_id,omitempty"`
	ThreadEpoch     *uint64      `json:"thread_epoch,omitempty"`
	ThreadStatePath string       `json:"thread_state_path,omitempty"`
}

// RunTaskTask invokes the agent subprocess against a prepared workspace.
type RunTaskTask struct {
	WorkspaceDir       string       `json:"workspace_dir"`
	InputDir           string       `json:"input_dir,omitempty"`
	InputAttachmentsDir string      `json:"input_attachments_dir,omitempty"`
	MemoryDir          string       `json:"memory_dir,omitempty"`
	ReferenceDir       string       `json:"reference_dir,omitempty"`
	ModelName          string       `json:"model_name,omitempty"`
	Runner             string       `json:"runner,omitempty"`
	ReplyTo            []string     `json:"reply_to,omitempty"`
	ReplyFrom          string       `json:"reply_from,omitempty"`
	ThreadID           string       `json:"thread_id,omitempty"`
	ThreadEpoch        *uint64      `json:"thread_epoch,omitempty"`
	ThreadStatePath    string       `json:"thread_state_path,omitempty"`
	Channel            channel.Kind `json:"channel"`
	EmployeeID         string       `json:"employee_id,omitempty"`
}

// ScheduleCron is a 6-field (seconds-inclusive) cron expression.
type ScheduleCron struct {
	Expression string     `json:"expression"`
	NextRun    *time.Time `json:"next_run,omitempty"`
}

// ScheduleOneShot fires exactly once at RunAt and is not re-armed.
type ScheduleOneShot struct {
	RunAt time.Time `json:"run_at"`
}

// Schedule is the union of the two ways a ScheduledTask can be due.
type Schedule struct {
	Cron    *ScheduleCron    `json:"cron,omitempty"`
	OneShot *ScheduleOneShot `json:"one_shot,omitempty"`
}

func (s Schedule) IsDue(now time.Time) bool {
	switch {
	case s.Cron != nil:
		return s.Cron.NextRun != nil && !s.Cron.NextRun.After(now)
	case s.OneShot != nil:
		return !s.OneShot.RunAt.After(now)
	default:
		return false
	}
}

// TaskExecution is the one-way report a TaskExecutor hands back to the
// scheduler after running a task: new work to enqueue, never a direct
// mutation of the scheduler's own store.
type TaskExecution struct {
	FollowUpTasks        []channel.InboundMessage `json:"follow_up_tasks,omitempty"`
	FollowUpError        string                   `json:"follow_up_error,omitempty"`
	SchedulerActions     []ScheduledTaskRequest    `json:"scheduler_actions,omitempty"`
	SchedulerActionsError string                  `json:"scheduler_actions_error,omitempty"`
}

func (t TaskExecution) Empty() bool {
	return len(t.FollowUpTasks) == 0 && t.FollowUpError == "" &&
		len(t.SchedulerActions) == 0 && t.SchedulerActionsError == ""
}

// ScheduledTaskRequest is a request to create a new ScheduledTask, produced
// by a TaskExecution and consumed by the scheduler's own store — never
// executed inline by the executor itself.
type ScheduledTaskRequest struct {
	EmployeeID string
	Kind       TaskKindName
	SendReply  *SendReplyTask
	RunTask    *RunTaskTask
	Schedule   Schedule
}

// ScheduledTask is one row in a user's scheduler database.
type ScheduledTask struct {
	ID                  string
	EmployeeID          string
	Kind                TaskKindName
	SendReply           *SendReplyTask
	RunTask             *RunTaskTask
	Schedule            Schedule
	Enabled             bool
	Status              TaskStatus
	Attempt             int
	ConsecutiveFailures int
	LeaseOwner          string
	LeaseExpiresAt      *time.Time
	LastRunAt           *time.Time
	LastError           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
