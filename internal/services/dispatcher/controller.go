package dispatcher

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/NordCoder/Herald/internal/domain"
	kafkax "github.com/NordCoder/Herald/internal/repository/kafka"
)

type WorkItems interface {
	Consume(ctx context.Context, h kafkax.Handler) error
}

// Controller consumes "notification ready" work items and dispatches each
// notification as soon as it is enqueued.
type Controller struct {
	Log *zap.Logger
	Sub WorkItems
	D   *Dispatcher
}

func (c *Controller) Run(ctx context.Context) error {
	return c.Sub.Consume(ctx, c.Handler())
}

// Handler dispatches one notification per work item. Unknown notifications
// are dropped; store errors leave the message uncommitted.
func (c *Controller) Handler() kafkax.Handler {
	return kafkax.NotificationReadyHandler(func(ctx context.Context, id int64) error {
		sum, err := c.D.DispatchOne(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			workItems.WithLabelValues("unknown").Inc()
			c.Log.Warn("work item for unknown notification", zap.Int64("notification_id", id))
			return nil
		case err != nil:
			workItems.WithLabelValues("error").Inc()
			return err
		}
		if sum.Claimed == 0 {
			workItems.WithLabelValues("skipped").Inc()
			return nil
		}
		workItems.WithLabelValues("dispatched").Inc()
		c.Log.Debug("work item dispatched", zap.Int64("notification_id", id), zap.Object("summary", sum))
		return nil
	})
}
