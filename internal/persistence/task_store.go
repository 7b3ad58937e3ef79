package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStore is a single user's durable scheduler database: one SQLite file
// holding every ScheduledTask that user owns, independent of every other
// user's store so a crash or lock contention on one user never touches
// another's work.
type TaskStore struct {
	db *sql.DB
}

func OpenTaskStore(path string) (*TaskStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	s := &TaskStore{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *TaskStore) Close() error { return s.db.Close() }

func (s *TaskStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			employee_id TEXT NOT NULL,
			kind TEXT NOT NULL CHECK(kind IN ('send_reply','run_task','noop')),
			payload_json TEXT NOT NULL,
			schedule_json TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'QUEUED' CHECK(status IN ('QUEUED','CLAIMED','RUNNING','SUCCEEDED','FAILED','CANCELED')),
			attempt INTEGER NOT NULL DEFAULT 0,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT,
			lease_expires_at DATETIME,
			last_run_at DATETIME,
			last_error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(enabled, status);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES scheduled_tasks(id),
			event_type TEXT NOT NULL,
			detail TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("task store schema: %w", err)
		}
	}
	return nil
}

type taskPayload struct {
	SendReply *SendReplyTask `json:"send_reply,omitempty"`
	RunTask   *RunTaskTask   `json:"run_task,omitempty"`
}

// CreateTask inserts req as a new row, armed per its schedule.
func (s *TaskStore) CreateTask(ctx context.Context, req ScheduledTaskRequest) (string, error) {
	payload, err := json.Marshal(taskPayload{SendReply: req.SendReply, RunTask: req.RunTask})
	if err != nil {
		return "", err
	}
	sched, err := json.Marshal(req.Schedule)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	err = retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_tasks (id, employee_id, kind, payload_json, schedule_json, enabled, status)
			VALUES (?, ?, ?, ?, ?, 1, 'QUEUED');
		`, id, req.EmployeeID, string(req.Kind), payload, sched)
		return execErr
	})
	if err != nil {
		return "", err
	}
	_ = s.recordEvent(ctx, id, "task.created", "")
	return id, nil
}

func (s *TaskStore) recordEvent(ctx context.Context, taskID, eventType, detail string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO task_events (task_id, event_type, detail) VALUES (?, ?, ?);`, taskID, eventType, detail)
	return err
}

func scanTask(row interface{ Scan(dest ...any) error }) (*ScheduledTask, error) {
	var t ScheduledTask
	var payload, sched []byte
	var leaseOwner, lastError sql.NullString
	var leaseExpires, lastRunAt sql.NullTime
	if err := row.Scan(&t.ID, &t.EmployeeID, &t.Kind, &payload, &sched, &t.Enabled, &t.Status,
		&t.Attempt, &t.ConsecutiveFailures, &leaseOwner, &leaseExpires, &lastRunAt, &lastError,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var p taskPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal task payload: %w", err)
	}
	t.SendReply = p.SendReply
	t.RunTask = p.RunTask
	if err := json.Unmarshal(sched, &t.Schedule); err != nil {
		return nil, fmt.Errorf("unmarshal schedule: %w", err)
	}
	t.LeaseOwner = leaseOwner.String
	t.LastError = lastError.String
	if leaseExpires.Valid {
		t.LeaseExpiresAt = &leaseExpires.Time
	}
	if lastRunAt.Valid {
		t.LastRunAt = &lastRunAt.Time
	}
	return &t, nil
}

const taskColumns = `id, employee_id, kind, payload_json, schedule_json, enabled, status,
	attempt, consecutive_failures, lease_owner, lease_expires_at, last_run_at, last_error,
	created_at, updated_at`

func (s *TaskStore) Get(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?;`, id)
	return scanTask(row)
}

// DueTasks returns every enabled, non-terminal task whose schedule has
// fired, ordered by creation so simultaneous cron fires break ties in
// insertion order.
func (s *TaskStore) DueTasks(ctx context.Context, now time.Time) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE enabled = 1 AND status IN ('QUEUED','FAILED')
		ORDER BY created_at ASC, id ASC;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var due []*ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if t.Schedule.IsDue(now) {
			due = append(due, t)
		}
	}
	return due, rows.Err()
}

// ClaimTask transitions a due task to CLAIMED under a lease, so a concurrent
// scheduler tick (or a second process) can't fire the same task twice.
func (s *TaskStore) ClaimTask(ctx context.Context, id, owner string, leaseDuration time.Duration) (bool, error) {
	if leaseDuration <= 0 {
		leaseDuration = defaultLeaseDuration
	}
	var claimed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET status = 'CLAIMED', lease_owner = ?, lease_expires_at = datetime(CURRENT_TIMESTAMP, ?), attempt = attempt + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND enabled = 1 AND status IN ('QUEUED','FAILED');
		`, owner, fmt.Sprintf("+%d seconds", int(leaseDuration.Seconds())), id)
		if execErr != nil {
			return execErr
		}
		n, execErr := res.RowsAffected()
		claimed = n > 0
		return execErr
	})
	if err == nil && claimed {
		_ = s.recordEvent(ctx, id, "task.claimed", owner)
	}
	return claimed, err
}

func (s *TaskStore) StartRun(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET status = 'RUNNING', updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'CLAIMED';
		`, id)
		return err
	})
}

func (s *TaskStore) HeartbeatLease(ctx context.Context, id string, leaseDuration time.Duration) error {
	if leaseDuration <= 0 {
		leaseDuration = defaultLeaseDuration
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET lease_expires_at = datetime(CURRENT_TIMESTAMP, ?), updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status IN ('CLAIMED','RUNNING');
		`, fmt.Sprintf("+%d seconds", int(leaseDuration.Seconds())), id)
		return err
	})
}

// CompleteRun marks a run SUCCEEDED, resets the failure counter, advances a
// cron schedule's next_run, and disarms a one-shot schedule entirely.
func (s *TaskStore) CompleteRun(ctx context.Context, id string, nextCronRun *time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		task, err := s.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		status := "QUEUED"
		if task.Schedule.OneShot != nil {
			status = "SUCCEEDED"
		}
		if task.Schedule.Cron != nil {
			task.Schedule.Cron.NextRun = nextCronRun
		}
		sched, err := json.Marshal(task.Schedule)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET status = ?, schedule_json = ?, consecutive_failures = 0, lease_owner = NULL, lease_expires_at = NULL,
			    last_run_at = CURRENT_TIMESTAMP, last_error = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, status, sched, id); err != nil {
			return err
		}
		if err := s.recordEventTx(ctx, tx, id, "task.succeeded", ""); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// FailRun marks a run FAILED, bumps the consecutive-failure counter, and
// disables the task once RunTaskFailureLimit is reached. The caller (the
// failure notifier) is responsible for surfacing that disablement; this
// only records it.
func (s *TaskStore) FailRun(ctx context.Context, id, errMsg string) (disabled bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer tx.Rollback()

		var failures int
		if scanErr := tx.QueryRowContext(ctx, `SELECT consecutive_failures FROM scheduled_tasks WHERE id = ?;`, id).Scan(&failures); scanErr != nil {
			return scanErr
		}
		failures++
		disabled = failures >= RunTaskFailureLimit
		if _, execErr := tx.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET status = 'FAILED', consecutive_failures = ?, enabled = CASE WHEN ? THEN 0 ELSE enabled END,
			    lease_owner = NULL, lease_expires_at = NULL, last_run_at = CURRENT_TIMESTAMP, last_error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, failures, disabled, errMsg, id); execErr != nil {
			return execErr
		}
		if err := s.recordEventTx(ctx, tx, id, "task.failed", errMsg); err != nil {
			return err
		}
		return tx.Commit()
	})
	return disabled, err
}

func (s *TaskStore) recordEventTx(ctx context.Context, tx *sql.Tx, taskID, eventType, detail string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_events (task_id, event_type, detail) VALUES (?, ?, ?);`, taskID, eventType, detail)
	return err
}

func (s *TaskStore) getTx(ctx context.Context, tx *sql.Tx, id string) (*ScheduledTask, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?;`, id)
	return scanTask(row)
}

// RequeueExpiredLeases recovers CLAIMED/RUNNING tasks whose lease lapsed
// without a heartbeat, typically because the process holding them crashed.
// No lease survives a restart: this is also called once, unconditionally,
// at process start before the scheduler loop begins ticking.
func (s *TaskStore) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET status = 'QUEUED', lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE status IN ('CLAIMED','RUNNING') AND (lease_expires_at IS NULL OR lease_expires_at < CURRENT_TIMESTAMP);
		`)
		if execErr != nil {
			return execErr
		}
		var rowErr error
		n, rowErr = res.RowsAffected()
		return rowErr
	})
	return n, err
}

// ReclaimAllLeases forces every CLAIMED/RUNNING task back to QUEUED,
// regardless of lease expiry. Called once at startup: no in-flight work
// from a previous process is trusted to still be running.
func (s *TaskStore) ReclaimAllLeases(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET status = 'QUEUED', lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE status IN ('CLAIMED','RUNNING');
		`)
		if execErr != nil {
			return execErr
		}
		var rowErr error
		n, rowErr = res.RowsAffected()
		return rowErr
	})
	return n, err
}

func (s *TaskStore) ListTasks(ctx context.Context) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY created_at ASC;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *TaskStore) Disable(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET enabled = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, id)
	return err
}

// DisableStaleThreadTasks disables every enabled RunTask/SendReply pinned to
// threadID whose thread_epoch is older than newEpoch. Called once a new
// inbound message has bumped the thread's epoch, so in-flight or queued
// work against the stale view of the thread never fires.
func (s *TaskStore) DisableStaleThreadTasks(ctx context.Context, threadID string, newEpoch uint64) (int64, error) {
	tasks, err := s.ListTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("task store: list tasks: %w", err)
	}
	var n int64
	for _, t := range tasks {
		if !t.Enabled {
			continue
		}
		epoch, tid := taskThreadEpoch(t)
		if tid != threadID || epoch == nil || *epoch >= newEpoch {
			continue
		}
		if err := s.Disable(ctx, t.ID); err != nil {
			return n, fmt.Errorf("task store: disable stale task %s: %w", t.ID, err)
		}
		n++
	}
	return n, nil
}

func taskThreadEpoch(t *ScheduledTask) (*uint64, string) {
	switch {
	case t.RunTask != nil:
		return t.RunTask.ThreadEpoch, t.RunTask.ThreadID
	case t.SendReply != nil:
		return t.SendReply.ThreadEpoch, t.SendReply.ThreadID
	default:
		return nil, ""
	}
}

// KVGet/KVSet store small per-user scalar state (e.g. a channel poll cursor)
// alongside the scheduler database, avoiding a separate file for one string.
func (s *TaskStore) KVGet(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?;`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *TaskStore) KVSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
	`, key, value)
	return err
}
