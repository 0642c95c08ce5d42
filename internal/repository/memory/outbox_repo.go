package memory

import (
	"context"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/NordCoder/Herald/internal/domain/outbox"
)

var _ outbox.Repository = (*OutboxRepo)(nil)

type OutboxRepo struct{ s *Store }

// Enqueue ignores a key that was already enqueued.
func (r *OutboxRepo) Enqueue(ctx context.Context, key string, kind outbox.Kind, data []byte) error {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.outbox[key]; ok {
		return nil
	}
	now := r.s.now()
	r.s.outbox[key] = &outboxRow{
		msg: outbox.Message{
			IdempotencyKey: key,
			Kind:           kind,
			Data:           slices.Clone(data),
			Status:         outbox.StatusCreated,
			CreatedAt:      now,
			UpdatedAt:      now,
			Traceparent:    carrier.Get("traceparent"),
			Tracestate:     carrier.Get("tracestate"),
			Baggage:        carrier.Get("baggage"),
		},
		updatedAt: now,
	}
	r.s.outboxOrder = append(r.s.outboxOrder, key)
	return nil
}

func (r *OutboxRepo) PickBatch(_ context.Context, batch int, inProgressTTL time.Duration) ([]outbox.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	var out []outbox.Message
	for _, key := range r.s.outboxOrder {
		if batch > 0 && len(out) >= batch {
			break
		}
		row := r.s.outbox[key]
		switch row.msg.Status {
		case outbox.StatusCreated:
		case outbox.StatusInProgress:
			if row.updatedAt.After(now.Add(-inProgressTTL)) {
				continue
			}
		default:
			continue
		}
		row.msg.Status = outbox.StatusInProgress
		row.msg.UpdatedAt = now
		row.updatedAt = now
		msg := row.msg
		msg.Data = slices.Clone(row.msg.Data)
		out = append(out, msg)
	}
	return out, nil
}

func (r *OutboxRepo) MarkSuccess(_ context.Context, keys []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	for _, key := range keys {
		if row, ok := r.s.outbox[key]; ok {
			row.msg.Status = outbox.StatusSuccess
			row.msg.UpdatedAt = now
			row.updatedAt = now
		}
	}
	return nil
}

// Pending counts messages not yet marked successful.
func (r *OutboxRepo) Pending() int {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := 0
	for _, row := range r.s.outbox {
		if row.msg.Status != outbox.StatusSuccess {
			n++
		}
	}
	return n
}
