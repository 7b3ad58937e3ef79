package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/workcell/internal/channel"
)

func newQueueStore(t *testing.T) *QueueStore {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenQueueStore(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatalf("open queue store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleMessage(dedupe string) channel.InboundMessage {
	return channel.InboundMessage{
		Channel:    channel.Slack,
		EmployeeID: "emp-1",
		Sender:     "U123",
		TextBody:   "hello",
		DedupeKey:  dedupe,
	}
}

func TestEnqueueDedupe(t *testing.T) {
	ctx := context.Background()
	s := newQueueStore(t)

	r1, err := s.Enqueue(ctx, sampleMessage("dk-1"), "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !r1.Inserted {
		t.Fatalf("expected first enqueue to insert")
	}

	r2, err := s.Enqueue(ctx, sampleMessage("dk-1"), "")
	if err != nil {
		t.Fatalf("enqueue dup: %v", err)
	}
	if r2.Inserted {
		t.Fatalf("expected duplicate dedupe_key to be a no-op")
	}
	if r2.ID != r1.ID {
		t.Fatalf("expected duplicate to resolve to original id, got %s want %s", r2.ID, r1.ID)
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count by status: %v", err)
	}
	if counts[EnvelopeQueued] != 1 {
		t.Fatalf("expected exactly one queued envelope, got %d", counts[EnvelopeQueued])
	}
}

func TestClaimAckLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newQueueStore(t)

	if _, err := s.Enqueue(ctx, sampleMessage("dk-2"), ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	env, err := s.ClaimNext(ctx, "worker-a", 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if env == nil {
		t.Fatalf("expected a claimable envelope")
	}
	if env.Status != EnvelopeClaimed {
		t.Fatalf("expected status CLAIMED, got %s", env.Status)
	}

	next, err := s.ClaimNext(ctx, "worker-b", 0)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if next != nil {
		t.Fatalf("expected no second claimable envelope while lease is live")
	}

	if err := s.Ack(ctx, env.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[EnvelopeDone] != 1 {
		t.Fatalf("expected envelope to be DONE, got counts %+v", counts)
	}
}

func TestNackExhaustsToDeadLetter(t *testing.T) {
	ctx := context.Background()
	s := newQueueStore(t)

	if _, err := s.Enqueue(ctx, sampleMessage("dk-3"), ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var id string
	for i := 0; i < defaultMaxAttempts; i++ {
		env, err := s.ClaimNext(ctx, "worker", 0)
		if err != nil {
			t.Fatalf("claim attempt %d: %v", i, err)
		}
		if env == nil {
			t.Fatalf("expected claimable envelope on attempt %d", i)
		}
		id = env.ID
		if err := s.Nack(ctx, env.ID, "boom"); err != nil {
			t.Fatalf("nack attempt %d: %v", i, err)
		}
		// Collapse the backoff window so the next iteration's ClaimNext sees
		// the row as immediately due again instead of sleeping in the test.
		if _, err := s.db.ExecContext(ctx, `UPDATE envelopes SET received_at = CURRENT_TIMESTAMP WHERE id = ?;`, id); err != nil {
			t.Fatalf("collapse backoff: %v", err)
		}
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != EnvelopeDeadLetter {
		t.Fatalf("expected DEAD_LETTER after exhausting attempts, got %s", got.Status)
	}
}
