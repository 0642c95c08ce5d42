package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/domain/schedule"
)

var _ schedule.Repo = (*ScheduleRepoImpl)(nil)

type ScheduleRepoImpl struct{ db *DB }

func NewScheduleRepo(db *DB) *ScheduleRepoImpl { return &ScheduleRepoImpl{db: db} }

const (
	qScheduleActive = `
SELECT id, name, cron, template, title, targets, channels, category, priority, vars, ttl_sec,
       active, last_fired_at, created_at
FROM schedules
WHERE active AND id > $1
ORDER BY id
LIMIT $2;`

	qScheduleClaimFire = `
UPDATE schedules
SET last_fired_at = $3
WHERE id = $1 AND last_fired_at IS NOT DISTINCT FROM $2::timestamptz;`
)

func (r *ScheduleRepoImpl) ListActive(ctx context.Context, afterID int64, limit int) ([]*schedule.Schedule, error) {
	if limit <= 0 {
		limit = 500
	}
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.execQueryer(ctx).Query(ctx, qScheduleActive, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []*schedule.Schedule
	for rows.Next() {
		var (
			s             schedule.Schedule
			targets, vars []byte
			channels      []string
			priority      string
			ttlSec        int64
		)
		if err := rows.Scan(&s.ID, &s.Name, &s.Cron, &s.Template, &s.Title, &targets, &channels, &s.Category,
			&priority, &vars, &ttlSec, &s.Active, &s.LastFiredAt, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if err := decodeJSON(targets, &s.Targets); err != nil {
			return nil, err
		}
		if err := decodeJSON(vars, &s.Vars); err != nil {
			return nil, err
		}
		s.Channels = stringsToTypes(channels)
		s.Priority = notification.Priority(priority)
		s.TTL = time.Duration(ttlSec) * time.Second
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (r *ScheduleRepoImpl) ClaimFire(ctx context.Context, id int64, prev *time.Time, fire time.Time) (bool, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	cmd, err := r.db.execQueryer(ctx).Exec(ctx, qScheduleClaimFire, id, prev, fire)
	if err != nil {
		return false, fmt.Errorf("claim schedule fire: %w", err)
	}
	return cmd.RowsAffected() == 1, nil
}
