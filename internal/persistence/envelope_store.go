package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/workcell/internal/channel"
)

// EnvelopeStatus tracks an ingestion envelope through the queue.
type EnvelopeStatus string

const (
	EnvelopeQueued     EnvelopeStatus = "QUEUED"
	EnvelopeClaimed    EnvelopeStatus = "CLAIMED"
	EnvelopeDone       EnvelopeStatus = "DONE"
	EnvelopeDeadLetter EnvelopeStatus = "DEAD_LETTER"
)

// Envelope is a durable row in the ingestion queue: one normalized inbound
// message plus the delivery bookkeeping needed for at-least-once processing.
type Envelope struct {
	ID            string
	TenantID      string
	EmployeeID    string
	Channel       channel.Kind
	ExternalMsgID string
	DedupeKey     string
	ReceivedAt    time.Time
	Message       channel.InboundMessage
	RawPayloadRef string
	Status        EnvelopeStatus
	Attempt       int
	MaxAttempts   int
	LeaseOwner    string
	LeaseExpires  sql.NullTime
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EnqueueResult reports whether Enqueue inserted a new row or found the
// dedupe key already present.
type EnqueueResult struct {
	ID       string
	Inserted bool
}

// QueueStore is the durable, at-least-once ingestion queue shared by every
// channel adapter.
type QueueStore struct {
	db *sql.DB
}

func OpenQueueStore(path string) (*QueueStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	s := &QueueStore{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *QueueStore) Close() error { return s.db.Close() }

func (s *QueueStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS envelopes (
			id TEXT PRIMARY KEY,
			tenant_id TEXT,
			employee_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			external_message_id TEXT,
			dedupe_key TEXT NOT NULL,
			received_at DATETIME NOT NULL,
			message_json TEXT NOT NULL,
			raw_payload_ref TEXT,
			status TEXT NOT NULL CHECK(status IN ('QUEUED','CLAIMED','DONE','DEAD_LETTER')),
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			lease_owner TEXT,
			lease_expires_at DATETIME,
			last_error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_envelopes_dedupe ON envelopes(employee_id, dedupe_key);`,
		`CREATE INDEX IF NOT EXISTS idx_envelopes_claimable ON envelopes(status, received_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("envelope schema: %w", err)
		}
	}
	return nil
}

// Enqueue inserts msg if its (employee_id, dedupe_key) pair hasn't been seen
// before; otherwise it's a no-op and Inserted is false. This is the single
// idempotency boundary every inbound adapter relies on for at-least-once
// delivery without duplicate processing.
func (s *QueueStore) Enqueue(ctx context.Context, msg channel.InboundMessage, rawPayloadRef string) (EnqueueResult, error) {
	if err := msg.Validate(); err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue: %w", err)
	}
	id := uuid.NewString()
	payload, err := json.Marshal(msg)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("marshal envelope payload: %w", err)
	}
	var result EnqueueResult
	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO envelopes
				(id, tenant_id, employee_id, channel, external_message_id, dedupe_key, received_at, message_json, raw_payload_ref, status, max_attempts)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, ?, ?, 'QUEUED', ?);
		`, id, msg.TenantID, msg.EmployeeID, string(msg.Channel), msg.ExternalMsgID, msg.DedupeKey, payload, rawPayloadRef, defaultMaxAttempts)
		if execErr != nil {
			return execErr
		}
		n, execErr := res.RowsAffected()
		if execErr != nil {
			return execErr
		}
		if n == 0 {
			var existingID string
			if qErr := s.db.QueryRowContext(ctx, `SELECT id FROM envelopes WHERE employee_id = ? AND dedupe_key = ?;`, msg.EmployeeID, msg.DedupeKey).Scan(&existingID); qErr != nil {
				return qErr
			}
			result = EnqueueResult{ID: existingID, Inserted: false}
			return nil
		}
		result = EnqueueResult{ID: id, Inserted: true}
		return nil
	})
	return result, err
}

// ClaimNext atomically claims the oldest queued envelope for processing,
// setting a lease so a crashed worker's claim eventually expires and the
// row becomes reclaimable.
func (s *QueueStore) ClaimNext(ctx context.Context, owner string, leaseDuration time.Duration) (*Envelope, error) {
	if leaseDuration <= 0 {
		leaseDuration = defaultLeaseDuration
	}
	var env *Envelope
	err := retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer tx.Rollback()

		var id string
		row := tx.QueryRowContext(ctx, `
			SELECT id FROM envelopes
			WHERE (status = 'QUEUED' AND received_at <= CURRENT_TIMESTAMP)
			   OR (status = 'CLAIMED' AND lease_expires_at < CURRENT_TIMESTAMP)
			ORDER BY received_at ASC, id ASC
			LIMIT 1;
		`)
		if scanErr := row.Scan(&id); scanErr != nil {
			if scanErr == sql.ErrNoRows {
				env = nil
				return nil
			}
			return scanErr
		}
		if _, execErr := tx.ExecContext(ctx, `
			UPDATE envelopes
			SET status = 'CLAIMED', lease_owner = ?, lease_expires_at = datetime(CURRENT_TIMESTAMP, ?), attempt = attempt + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, owner, fmt.Sprintf("+%d seconds", int(leaseDuration.Seconds())), id); execErr != nil {
			return execErr
		}
		loaded, loadErr := s.getTx(ctx, tx, id)
		if loadErr != nil {
			return loadErr
		}
		env = loaded
		return tx.Commit()
	})
	return env, err
}

// Ack marks an envelope DONE after its owning worker has durably enqueued
// (or short-circuited) the work it represents.
func (s *QueueStore) Ack(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE envelopes SET status = 'DONE', lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'CLAIMED';
		`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConflict
		}
		return nil
	})
}

// Nack releases the lease and re-queues the envelope for retry, or moves it
// to the dead-letter status once max_attempts is exhausted.
func (s *QueueStore) Nack(ctx context.Context, id string, errMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		var attempt, maxAttempts int
		if err := s.db.QueryRowContext(ctx, `SELECT attempt, max_attempts FROM envelopes WHERE id = ?;`, id).Scan(&attempt, &maxAttempts); err != nil {
			return err
		}
		if attempt >= maxAttempts {
			_, err := s.db.ExecContext(ctx, `
				UPDATE envelopes SET status = 'DEAD_LETTER', lease_owner = NULL, lease_expires_at = NULL, last_error = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, errMsg, id)
			return err
		}
		delay := retryDelay(id, attempt)
		_, err := s.db.ExecContext(ctx, `
			UPDATE envelopes
			SET status = 'QUEUED', lease_owner = NULL, lease_expires_at = NULL, last_error = ?,
			    received_at = datetime(CURRENT_TIMESTAMP, ?), updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, errMsg, fmt.Sprintf("+%d seconds", int(delay.Seconds())), id)
		return err
	})
}

// RequeueExpiredLeases returns CLAIMED envelopes whose lease has lapsed back
// to QUEUED. Safe to call on a timer from every process; the predicate in
// ClaimNext already tolerates lapsed leases, this just keeps the status
// column honest for observability.
func (s *QueueStore) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE envelopes
			SET status = 'QUEUED', lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE status = 'CLAIMED' AND lease_expires_at < CURRENT_TIMESTAMP;
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

func (s *QueueStore) getTx(ctx context.Context, tx *sql.Tx, id string) (*Envelope, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, employee_id, channel, external_message_id, dedupe_key, received_at,
		       message_json, raw_payload_ref, status, attempt, max_attempts, lease_owner, lease_expires_at,
		       last_error, created_at, updated_at
		FROM envelopes WHERE id = ?;
	`, id)
	return scanEnvelope(row)
}

func scanEnvelope(row interface {
	Scan(dest ...any) error
}) (*Envelope, error) {
	var e Envelope
	var tenantID, extMsgID, rawRef, leaseOwner, lastError sql.NullString
	var leaseExpires sql.NullTime
	var payload []byte
	var chKind string
	if err := row.Scan(&e.ID, &tenantID, &e.EmployeeID, &chKind, &extMsgID, &e.DedupeKey, &e.ReceivedAt,
		&payload, &rawRef, &e.Status, &e.Attempt, &e.MaxAttempts, &leaseOwner, &leaseExpires,
		&lastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.TenantID = tenantID.String
	e.ExternalMsgID = extMsgID.String
	e.RawPayloadRef = rawRef.String
	e.LeaseOwner = leaseOwner.String
	e.LastError = lastError.String
	e.LeaseExpires = leaseExpires
	e.Channel = channel.Kind(chKind)
	if err := json.Unmarshal(payload, &e.Message); err != nil {
		return nil, fmt.Errorf("unmarshal envelope payload: %w", err)
	}
	return &e, nil
}

// Get loads an envelope by id, mainly for tests and operational tooling.
func (s *QueueStore) Get(ctx context.Context, id string) (*Envelope, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, employee_id, channel, external_message_id, dedupe_key, received_at,
		       message_json, raw_payload_ref, status, attempt, max_attempts, lease_owner, lease_expires_at,
		       last_error, created_at, updated_at
		FROM envelopes WHERE id = ?;
	`, id)
	return scanEnvelope(row)
}

// CountByStatus reports queue depth per status, used by the snapshot reporter.
func (s *QueueStore) CountByStatus(ctx context.Context) (map[EnvelopeStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM envelopes GROUP BY status;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[EnvelopeStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[EnvelopeStatus(status)] = n
	}
	return out, rows.Err()
}
