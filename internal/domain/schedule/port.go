package schedule

import (
	"context"
	"time"
)

type Repo interface {
	// ListActive pages active schedules in id order, starting after afterID.
	ListActive(ctx context.Context, afterID int64, limit int) ([]*Schedule, error)
	// ClaimFire sets last_fired_at to fire only if it still equals prev.
	ClaimFire(ctx context.Context, id int64, prev *time.Time, fire time.Time) (bool, error)
}
