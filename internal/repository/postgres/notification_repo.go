package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/NordCoder/Herald/internal/domain/notification"
)

var _ notification.Repo = (*NotificationRepoImpl)(nil)

type NotificationRepoImpl struct{ db *DB }

func NewNotificationRepo(db *DB) *NotificationRepoImpl { return &NotificationRepoImpl{db: db} }

const notifCols = `id, targets, category, title, template, body, vars, priority, channels, status,
not_before, expires_at, cancel_requested, claimed_at, fanned_out_at, source, created_at, updated_at`

const (
	qNotifInsert = `
INSERT INTO notifications (targets, category, title, template, body, vars, priority, channels, status,
                           not_before, expires_at, source)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, now()), $11, $12)
RETURNING id, not_before, created_at, updated_at;`

	qNotifByID = `SELECT ` + notifCols + ` FROM notifications WHERE id = $1;`

	qNotifPromote = `
UPDATE notifications
SET status = CASE WHEN expires_at IS NOT NULL AND expires_at < $1 THEN 'expired' ELSE 'scheduled' END,
    updated_at = $1
WHERE status = 'pending'
  AND cancel_requested = FALSE
  AND (not_before <= $1 OR (expires_at IS NOT NULL AND expires_at < $1));`

	// claimed rows past their expiry move to expired instead of sending
	qNotifClaim = `
WITH cand AS (
    SELECT id AS cid
    FROM notifications
    WHERE cancel_requested = FALSE
      AND (status = 'scheduled'
        OR (status = 'sending' AND fanned_out_at IS NULL AND claimed_at < $1::timestamptz - $4::interval))
      AND (priority = 'urgent') = $3
    ORDER BY not_before, id
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE notifications n
SET status     = CASE WHEN n.expires_at IS NOT NULL AND n.expires_at < $1 THEN 'expired' ELSE 'sending' END,
    claimed_at = CASE WHEN n.expires_at IS NOT NULL AND n.expires_at < $1 THEN n.claimed_at ELSE $1 END,
    updated_at = $1
FROM cand
WHERE n.id = cand.cid
RETURNING ` + notifCols + `;`

	qNotifClaimByID = `
WITH cand AS (
    SELECT id AS cid
    FROM notifications
    WHERE id = $2
      AND cancel_requested = FALSE
      AND (status = 'scheduled'
        OR (status = 'pending' AND not_before <= $1)
        OR (status = 'sending' AND fanned_out_at IS NULL AND claimed_at < $1::timestamptz - $3::interval))
    FOR UPDATE SKIP LOCKED
)
UPDATE notifications n
SET status     = CASE WHEN n.expires_at IS NOT NULL AND n.expires_at < $1 THEN 'expired' ELSE 'sending' END,
    claimed_at = CASE WHEN n.expires_at IS NOT NULL AND n.expires_at < $1 THEN n.claimed_at ELSE $1 END,
    updated_at = $1
FROM cand
WHERE n.id = cand.cid
RETURNING ` + notifCols + `;`

	qNotifExists = `SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1);`

	qNotifFannedOut = `UPDATE notifications SET fanned_out_at = $2, updated_at = $2 WHERE id = $1;`

	qNotifTransition = `UPDATE notifications SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2;`

	qNotifCancel = `
UPDATE notifications
SET cancel_requested = TRUE,
    status = CASE WHEN status IN ('pending', 'scheduled') THEN 'cancelled' ELSE status END,
    updated_at = $2
WHERE id = $1
RETURNING status;`

	qNotifSettling = `
SELECT n.id
FROM notifications n
WHERE n.status = 'sending'
  AND n.fanned_out_at IS NOT NULL
  AND NOT EXISTS (
      SELECT 1 FROM deliveries d
      WHERE d.notification_id = n.id AND d.status NOT IN ('sent', 'exhausted'))
ORDER BY n.id
LIMIT $1;`
)

func scanNotification(row pgx.Row, n *notification.Notification) error {
	var (
		targets, vars            []byte
		channels                 []string
		priority, status, source string
	)
	if err := row.Scan(
		&n.ID, &targets, &n.Category, &n.Title, &n.Template, &n.Body, &vars, &priority, &channels, &status,
		&n.NotBefore, &n.ExpiresAt, &n.CancelRequested, &n.ClaimedAt, &n.FannedOutAt, &source,
		&n.CreatedAt, &n.UpdatedAt,
	); err != nil {
		return mapErr("scan notification", err)
	}
	if err := decodeJSON(targets, &n.Targets); err != nil {
		return err
	}
	if err := decodeJSON(vars, &n.Vars); err != nil {
		return err
	}
	n.Priority = notification.Priority(priority)
	n.Status = notification.Status(status)
	n.Source = notification.Source(source)
	n.Channels = stringsToTypes(channels)
	return nil
}

func (r *NotificationRepoImpl) Create(ctx context.Context, n *notification.Notification) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	if n.Status == "" {
		n.Status = notification.StatusPending
	}
	if n.Priority == "" {
		n.Priority = notification.PriorityNormal
	}
	if n.Source == "" {
		n.Source = notification.SourceAPI
	}
	targets, err := encodeJSON(n.Targets)
	if err != nil {
		return err
	}
	vars, err := encodeJSON(n.Vars)
	if err != nil {
		return err
	}

	eq := r.db.execQueryer(ctx)
	if err := eq.QueryRow(ctx, qNotifInsert,
		targets, n.Category, n.Title, n.Template, n.Body, vars,
		string(n.Priority), typesToStrings(n.Channels), string(n.Status),
		nullTime(n.NotBefore), n.ExpiresAt, string(n.Source),
	).Scan(&n.ID, &n.NotBefore, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *NotificationRepoImpl) GetByID(ctx context.Context, id int64) (*notification.Notification, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var n notification.Notification
	if err := scanNotification(r.db.execQueryer(ctx).QueryRow(ctx, qNotifByID, id), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *NotificationRepoImpl) Promote(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	cmd, err := r.db.execQueryer(ctx).Exec(ctx, qNotifPromote, now)
	if err != nil {
		return 0, fmt.Errorf("promote notifications: %w", err)
	}
	return int(cmd.RowsAffected()), nil
}

func (r *NotificationRepoImpl) Claim(ctx context.Context, q notification.ClaimQuery) ([]*notification.Notification, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.execQueryer(ctx).Query(ctx, qNotifClaim, q.Now, q.Limit, q.Urgent, interval(q.LeaseTTL))
	if err != nil {
		return nil, fmt.Errorf("claim notifications: %w", err)
	}
	defer rows.Close()

	var out []*notification.Notification
	for rows.Next() {
		var n notification.Notification
		if err := scanNotification(rows, &n); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (r *NotificationRepoImpl) ClaimByID(ctx context.Context, id int64, now time.Time, leaseTTL time.Duration) (*notification.Notification, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	eq := r.db.execQueryer(ctx)
	var n notification.Notification
	err := scanNotification(eq.QueryRow(ctx, qNotifClaimByID, now, id, interval(leaseTTL)), &n)
	if err == nil {
		return &n, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var exists bool
	if err := eq.QueryRow(ctx, qNotifExists, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("notification exists: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, nil
}

func (r *NotificationRepoImpl) MarkFannedOut(ctx context.Context, id int64, now time.Time) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	cmd, err := r.db.execQueryer(ctx).Exec(ctx, qNotifFannedOut, id, now)
	if err != nil {
		return fmt.Errorf("mark fanned out: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *NotificationRepoImpl) Transition(ctx context.Context, id int64, from, to notification.Status, now time.Time) (bool, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	cmd, err := r.db.execQueryer(ctx).Exec(ctx, qNotifTransition, id, string(from), string(to), now)
	if err != nil {
		return false, fmt.Errorf("transition notification: %w", err)
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *NotificationRepoImpl) RequestCancel(ctx context.Context, id int64, now time.Time) (notification.Status, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var status string
	if err := r.db.execQueryer(ctx).QueryRow(ctx, qNotifCancel, id, now).Scan(&status); err != nil {
		return "", mapErr("cancel notification", err)
	}
	return notification.Status(status), nil
}

func (r *NotificationRepoImpl) ListSettling(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.execQueryer(ctx).Query(ctx, qNotifSettling, limit)
	if err != nil {
		return nil, fmt.Errorf("list settling: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}
