// Package enqueue creates notifications together with the outbox work item
// that hands them to the dispatcher.
package enqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/domain/outbox"
	intoutbox "github.com/NordCoder/Herald/internal/outbox"
)

type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Enqueuer struct {
	tx            Transactor
	notifications notification.Repo
	outbox        outbox.Repository
}

func New(tx Transactor, notifications notification.Repo, ob outbox.Repository) *Enqueuer {
	return &Enqueuer{tx: tx, notifications: notifications, outbox: ob}
}

// Enqueue inserts n and its work item in one transaction. n.ID is set on success.
func (e *Enqueuer) Enqueue(ctx context.Context, n *notification.Notification) error {
	return e.tx.WithTx(ctx, func(ctx context.Context) error {
		return e.InTx(ctx, n)
	})
}

// InTx is Enqueue for callers that already hold a transaction in ctx.
func (e *Enqueuer) InTx(ctx context.Context, n *notification.Notification) error {
	if len(n.Targets) == 0 {
		return errors.New("notification has no targets")
	}
	if len(n.Channels) == 0 {
		return errors.New("notification has no channels")
	}
	if err := e.notifications.Create(ctx, n); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	data, err := json.Marshal(intoutbox.ReadyPayload{NotificationID: n.ID, EnqueuedAt: n.CreatedAt})
	if err != nil {
		return err
	}
	if err := e.outbox.Enqueue(ctx, intoutbox.ReadyKey(n.ID), outbox.KindNotificationReady, data); err != nil {
		return fmt.Errorf("outbox enqueue: %w", err)
	}
	return nil
}
