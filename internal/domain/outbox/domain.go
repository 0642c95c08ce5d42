package outbox

import (
	"context"
	"strconv"
	"time"
)

type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
)

// Kind is stored as an integer column; values must never be renumbered.
type Kind int

const (
	KindNotificationReady Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindNotificationReady:
		return "notification_ready"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Message is one pending side effect, written in the same transaction as the
// state change it announces. The trace fields carry the writer's span.
type Message struct {
	IdempotencyKey string
	Kind           Kind
	Data           []byte
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Tracestate     string
	Traceparent    string
	Baggage        string
}

type Repository interface {
	// Enqueue is a no-op for a key that already exists.
	Enqueue(ctx context.Context, key string, kind Kind, data []byte) error
	// PickBatch moves up to batch messages to IN_PROGRESS. Messages stuck in
	// IN_PROGRESS longer than inProgressTTL are picked again.
	PickBatch(ctx context.Context, batch int, inProgressTTL time.Duration) ([]Message, error)
	MarkSuccess(ctx context.Context, keys []string) error
}

type KindHandler func(ctx context.Context, data []byte) error

type GlobalHandler func(kind Kind) (KindHandler, error)
