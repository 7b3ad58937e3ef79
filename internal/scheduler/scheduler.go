// Package scheduler ticks every user's durable task store, claims due
// work under process-wide and per-user concurrency limits, and hands each
// claimed task to an Executor. It never runs agent logic itself.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/workcell/internal/channel"
	"github.com/basket/workcell/internal/persistence"
)

// cronParser accepts 6 fields: seconds, minutes, hours, day-of-month,
// month, day-of-week. The 5-field form used elsewhere in this codebase's
// ancestry doesn't give callers second-granularity schedules, which this
// system's short-interval digests need.
var cronParser = cronlib.NewParser(cronlib.Second | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// NextCronRun parses expr and returns the next fire time strictly after
// after.
func NextCronRun(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(after), nil
}

// Executor runs one claimed task to completion and reports follow-up work.
// It never mutates the scheduler's store directly: every effect it wants —
// a new inbound message, a new scheduled task — comes back in the
// TaskExecution it returns and the scheduler applies it.
type Executor interface {
	Execute(ctx context.Context, task *persistence.ScheduledTask) (persistence.TaskExecution, error)
}

// FailureNotifier reacts to a task being disabled after exhausting its
// consecutive-failure budget.
type FailureNotifier interface {
	Notify(ctx context.Context, store *persistence.TaskStore, task *persistence.ScheduledTask) error
}

// ActionSink applies the follow-up effects of a TaskExecution: ingesting
// generated inbound messages and creating newly requested scheduled tasks.
// Implemented by a thin adapter over the ingestion gateway and each user's
// TaskStore — the scheduler itself never reaches into either directly.
type ActionSink interface {
	IngestFollowUpMessage(ctx context.Context, msg channel.InboundMessage) error
	CreateScheduledTask(ctx context.Context, req persistence.ScheduledTaskRequest) error
}

// UserStores resolves an employee id to its scheduler database, opening one
// lazily on first use and keeping it cached for the process lifetime.
type UserStores interface {
	For(employeeID string) (*persistence.TaskStore, error)
	EmployeeIDs() []string
}

// Config controls the scheduler's pacing and concurrency.
type Config struct {
	Interval          time.Duration // tick frequency
	LeaseDuration     time.Duration
	GlobalConcurrency int // max tasks running at once across all users
	PerUserConcurrency int // max tasks running at once for a single user
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 5 * time.Minute
	}
	if c.GlobalConcurrency <= 0 {
		c.GlobalConcurrency = 16
	}
	if c.PerUserConcurrency <= 0 {
		c.PerUserConcurrency = 2
	}
	return c
}

// Scheduler ticks every employee's task store looking for due work.
type Scheduler struct {
	stores   UserStores
	executor Executor
	sink     ActionSink
	onFailed FailureNotifier
	logger   *slog.Logger
	cfg      Config
	owner    string

	globalSem chan struct{}
	userSemMu sync.Mutex
	userSem   map[string]chan struct{}
}

func New(stores UserStores, executor Executor, sink ActionSink, logger *slog.Logger, owner string, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		stores:    stores,
		executor:  executor,
		sink:      sink,
		logger:    logger,
		cfg:       cfg,
		owner:     owner,
		globalSem: make(chan struct{}, cfg.GlobalConcurrency),
		userSem:   make(map[string]chan struct{}),
	}
}

// WithFailureNotifier registers a hook invoked whenever a task run crosses
// the consecutive-failure limit and gets disabled.
func (s *Scheduler) WithFailureNotifier(n FailureNotifier) *Scheduler {
	s.onFailed = n
	return s
}

func (s *Scheduler) userSemaphore(employeeID string) chan struct{} {
	s.userSemMu.Lock()
	defer s.userSemMu.Unlock()
	if sem, ok := s.userSem[employeeID]; ok {
		return sem
	}
	sem := make(chan struct{}, s.cfg.PerUserConcurrency)
	s.userSem[employeeID] = sem
	return sem
}

// Recover force-reclaims every in-flight lease in every known user's store.
// No lease is trusted to have survived a restart: call this once before
// Start.
func (s *Scheduler) Recover(ctx context.Context) error {
	for _, employeeID := range s.stores.EmployeeIDs() {
		store, err := s.stores.For(employeeID)
		if err != nil {
			return err
		}
		n, err := store.ReclaimAllLeases(ctx)
		if err != nil {
			return fmt.Errorf("scheduler: recover %s: %w", employeeID, err)
		}
		if n > 0 {
			s.logger.Info("reclaimed stale leases on startup", "employee_id", employeeID, "count", n)
		}
	}
	return nil
}

// Start runs the tick loop until ctx is canceled, firing immediately and
// then on Interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.tick(ctx)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	for _, employeeID := range s.stores.EmployeeIDs() {
		store, err := s.stores.For(employeeID)
		if err != nil {
			s.logger.Error("open user task store failed", "employee_id", employeeID, "error", err)
			continue
		}
		due, err := store.DueTasks(ctx, time.Now())
		if err != nil {
			s.logger.Error("list due tasks failed", "employee_id", employeeID, "error", err)
			continue
		}
		for _, task := range due {
			s.fire(ctx, employeeID, store, task)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, employeeID string, store *persistence.TaskStore, task *persistence.ScheduledTask) {
	claimed, err := store.ClaimTask(ctx, task.ID, s.owner, s.cfg.LeaseDuration)
	if err != nil {
		s.logger.Error("claim task failed", "task_id", task.ID, "error", err)
		return
	}
	if !claimed {
		return // another scheduler process (or a concurrent tick) won the race
	}

	userSem := s.userSemaphore(employeeID)
	select {
	case s.globalSem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	select {
	case userSem <- struct{}{}:
	case <-ctx.Done():
		<-s.globalSem
		return
	}

	go func() {
		defer func() { <-userSem; <-s.globalSem }()
		s.run(ctx, store, task)
	}()
}

func (s *Scheduler) run(ctx context.Context, store *persistence.TaskStore, task *persistence.ScheduledTask) {
	if err := store.StartRun(ctx, task.ID); err != nil {
		s.logger.Error("start run failed", "task_id", task.ID, "error", err)
		return
	}

	heartbeatCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.heartbeat(heartbeatCtx, store, task.ID)

	execution, err := s.executor.Execute(ctx, task)
	if err != nil {
		disabled, failErr := store.FailRun(ctx, task.ID, err.Error())
		if failErr != nil {
			s.logger.Error("record task failure failed", "task_id", task.ID, "error", failErr)
		}
		if disabled {
			s.logger.Warn("task disabled after reaching consecutive failure limit", "task_id", task.ID, "employee_id", task.EmployeeID)
			if s.onFailed != nil {
				disabledTask, getErr := store.Get(ctx, task.ID)
				if getErr != nil {
					s.logger.Error("reload disabled task for notifier failed", "task_id", task.ID, "error", getErr)
				} else if notifyErr := s.onFailed.Notify(ctx, store, disabledTask); notifyErr != nil {
					s.logger.Error("failure notifier failed", "task_id", task.ID, "error", notifyErr)
				}
			}
		}
		return
	}

	s.applyExecution(ctx, task, execution)

	var nextCron *time.Time
	if task.Schedule.Cron != nil {
		next, cronErr := NextCronRun(task.Schedule.Cron.Expression, time.Now())
		if cronErr != nil {
			s.logger.Error("advance cron schedule failed", "task_id", task.ID, "error", cronErr)
		} else {
			nextCron = &next
		}
	}
	if err := store.CompleteRun(ctx, task.ID, nextCron); err != nil {
		s.logger.Error("complete run failed", "task_id", task.ID, "error", err)
	}
}

func (s *Scheduler) applyExecution(ctx context.Context, task *persistence.ScheduledTask, execution persistence.TaskExecution) {
	if execution.FollowUpError != "" {
		s.logger.Warn("task execution reported a follow-up error", "task_id", task.ID, "error", execution.FollowUpError)
	}
	if execution.SchedulerActionsError != "" {
		s.logger.Warn("task execution reported a scheduler-action error", "task_id", task.ID, "error", execution.SchedulerActionsError)
	}
	if s.sink == nil {
		return
	}
	for _, msg := range execution.FollowUpTasks {
		if err := s.sink.IngestFollowUpMessage(ctx, msg); err != nil {
			s.logger.Error("ingest follow-up message failed", "task_id", task.ID, "error", err)
		}
	}
	for _, req := range execution.SchedulerActions {
		if err := s.sink.CreateScheduledTask(ctx, req); err != nil {
			s.logger.Error("apply scheduler action failed", "task_id", task.ID, "error", err)
		}
	}
}

func (s *Scheduler) heartbeat(ctx context.Context, store *persistence.TaskStore, taskID string) {
	interval := s.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.HeartbeatLease(ctx, taskID, s.cfg.LeaseDuration); err != nil {
				s.logger.Error("heartbeat lease failed", "task_id", taskID, "error", err)
			}
		}
	}
}
