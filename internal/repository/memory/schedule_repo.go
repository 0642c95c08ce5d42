package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/NordCoder/Herald/internal/domain"
	"github.com/NordCoder/Herald/internal/domain/schedule"
)

var _ schedule.Repo = (*ScheduleRepo)(nil)

type ScheduleRepo struct{ s *Store }

func (r *ScheduleRepo) ListActive(_ context.Context, afterID int64, limit int) ([]*schedule.Schedule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*schedule.Schedule
	for _, sc := range r.s.schedules {
		if sc.Active && sc.ID > afterID {
			out = append(out, cloneSchedule(sc))
		}
	}
	slices.SortFunc(out, func(a, b *schedule.Schedule) int { return cmp.Compare(a.ID, b.ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ScheduleRepo) ClaimFire(_ context.Context, id int64, prev *time.Time, fire time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	sc, ok := r.s.schedules[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !sameInstant(sc.LastFiredAt, prev) {
		return false, nil
	}
	at := fire
	sc.LastFiredAt = &at
	return true, nil
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
