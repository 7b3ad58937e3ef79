// Package ingestion is the front door every channel adapter writes
// through: it uploads the raw payload, resolves the sender to an employee,
// and enqueues a deduplicated envelope for the scheduler side to pick up.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/workcell/internal/channel"
	"github.com/basket/workcell/internal/persistence"
	"github.com/basket/workcell/internal/rawstore"
	"github.com/basket/workcell/internal/userstore"
)

// Gateway is the single entry point adapters call once they've parsed a raw
// transport payload into one or more InboundMessages.
type Gateway struct {
	Queue  *persistence.QueueStore
	Raw    rawstore.Store
	Router *userstore.Router
	Logger *slog.Logger
}

// Admit resolves msg's sender to an employee via the routing table, uploads
// raw (if non-empty) to the blob store, and enqueues the envelope. It
// returns the enqueue result so callers can distinguish a fresh admission
// from a at-least-once redelivery of the same dedupe key.
func (g *Gateway) Admit(ctx context.Context, ch channel.Kind, externalSenderID string, msg channel.InboundMessage, raw []byte) (persistence.EnqueueResult, error) {
	if msg.EmployeeID == "" {
		route, ok := g.Router.Resolve(ch, externalSenderID)
		if !ok {
			return persistence.EnqueueResult{}, fmt.Errorf("ingestion: no route for channel=%s external=%s", ch, externalSenderID)
		}
		msg.EmployeeID = route.EmployeeID
		msg.TenantID = route.TenantID
	}
	msg.Channel = ch

	var rawRef string
	if len(raw) > 0 && g.Raw != nil {
		ref, err := g.Raw.Upload(ctx, envelopeIDSeed(msg), time.Now(), raw)
		if err != nil {
			g.logger().Warn("raw payload upload failed, continuing without it", "error", err)
		} else {
			rawRef = ref
		}
	}

	result, err := g.Queue.Enqueue(ctx, msg, rawRef)
	if err != nil {
		return persistence.EnqueueResult{}, fmt.Errorf("ingestion: enqueue: %w", err)
	}
	if !result.Inserted {
		g.logger().Debug("duplicate inbound message, dedupe_key already queued", "dedupe_key", msg.DedupeKey)
	}
	return result, nil
}

func (g *Gateway) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// envelopeIDSeed derives a stable-enough identifier for the raw payload
// store's object path before the queue has assigned the envelope its own
// row id; the queue store holds the canonical id, this is purely a storage
// key so re-delivery of the same message overwrites instead of duplicating.
func envelopeIDSeed(msg channel.InboundMessage) string {
	return string(msg.Channel) + "-" + msg.EmployeeID + "-" + msg.DedupeKey
}

// Sweeper periodically reclaims envelopes whose processing lease expired
// without an ack, e.g. because the worker holding them crashed.
type Sweeper struct {
	Queue    *persistence.QueueStore
	Interval time.Duration
	Logger   *slog.Logger
}

func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Queue.RequeueExpiredLeases(ctx)
			if err != nil {
				s.logger().Error("sweep expired envelope leases failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger().Info("requeued envelopes with expired leases", "count", n)
			}
		}
	}
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
