package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/NordCoder/Herald/internal/domain/channel"
	"github.com/NordCoder/Herald/internal/domain/delivery"
)

var _ delivery.Repo = (*DeliveryRepoImpl)(nil)

type DeliveryRepoImpl struct{ db *DB }

func NewDeliveryRepo(db *DB) *DeliveryRepoImpl { return &DeliveryRepoImpl{db: db} }

const deliveryCols = `id, notification_id, channel_id, channel_type, user_id, attempt_count, status,
last_error, provider_message_id, next_attempt_at, claimed_at, sent_at, created_at, updated_at`

const (
	qDeliveryInsert = `
INSERT INTO deliveries (notification_id, user_id, channel_id, channel_type, status, next_attempt_at, created_at, updated_at)
SELECT $1, x.u, x.c, x.t, 'queued', $5, $5, $5
FROM unnest($2::bigint[], $3::bigint[], $4::text[]) AS x(u, c, t)
ON CONFLICT (notification_id, user_id, channel_id) DO NOTHING;`

	qDeliveryByNotification = `SELECT ` + deliveryCols + ` FROM deliveries WHERE notification_id = $1 ORDER BY id;`

	qDeliveryClaim = `
UPDATE deliveries
SET status = 'sending', attempt_count = attempt_count + 1, claimed_at = $2, updated_at = $2
WHERE id = $1 AND status IN ('queued', 'failed') AND next_attempt_at <= $2
RETURNING ` + deliveryCols + `;`

	qDeliveryClaimDue = `
WITH cand AS (
    SELECT d.id AS cid
    FROM deliveries d
    JOIN notifications n ON n.id = d.notification_id
    WHERE n.status = 'sending'
      AND ((d.status IN ('queued', 'failed') AND d.next_attempt_at <= $1)
        OR (d.status = 'sending' AND d.claimed_at < $1::timestamptz - $3::interval AND d.attempt_count < $4))
    ORDER BY d.next_attempt_at, d.id
    LIMIT $2
    FOR UPDATE OF d SKIP LOCKED
)
UPDATE deliveries
SET status = 'sending', attempt_count = attempt_count + 1, claimed_at = $1, updated_at = $1
FROM cand
WHERE deliveries.id = cand.cid
RETURNING ` + deliveryCols + `;`

	qDeliveryComplete = `
UPDATE deliveries
SET status              = $2::text,
    last_error          = $3,
    provider_message_id = CASE WHEN $4::text = '' THEN provider_message_id ELSE $4::text END,
    next_attempt_at     = COALESCE($5, next_attempt_at),
    attempt_count       = CASE WHEN $6::boolean AND attempt_count > 0 THEN attempt_count - 1 ELSE attempt_count END,
    sent_at             = CASE WHEN $2::text = 'sent' THEN $7::timestamptz ELSE sent_at END,
    claimed_at          = NULL,
    updated_at          = $7
WHERE id = $1 AND status = 'sending';`

	qDeliveryCloseOpen = `
UPDATE deliveries
SET status = 'exhausted', last_error = $2, updated_at = $3
WHERE notification_id = $1 AND status IN ('queued', 'failed');`

	qDeliveryExhaustStale = `
UPDATE deliveries
SET status = 'exhausted', last_error = 'claim lease expired', claimed_at = NULL, updated_at = $1
WHERE status = 'sending' AND claimed_at < $1::timestamptz - $2::interval
  AND (attempt_count >= $3
    OR NOT EXISTS (SELECT 1 FROM notifications n WHERE n.id = deliveries.notification_id AND n.status = 'sending'));`
)

func scanDelivery(row pgx.Row, d *delivery.Delivery) error {
	var chType, status string
	if err := row.Scan(
		&d.ID, &d.NotificationID, &d.ChannelID, &chType, &d.UserID, &d.AttemptCount, &status,
		&d.LastError, &d.ProviderMessageID, &d.NextAttemptAt, &d.ClaimedAt, &d.SentAt, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return mapErr("scan delivery", err)
	}
	d.ChannelType = channel.Type(chType)
	d.Status = delivery.Status(status)
	return nil
}

func collectDeliveries(rows pgx.Rows) ([]*delivery.Delivery, error) {
	defer rows.Close()
	var out []*delivery.Delivery
	for rows.Next() {
		var d delivery.Delivery
		if err := scanDelivery(rows, &d); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (r *DeliveryRepoImpl) CreateMissing(ctx context.Context, notificationID int64, drafts []delivery.Draft, now time.Time) (int, error) {
	if len(drafts) == 0 {
		return 0, nil
	}
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	users := make([]int64, len(drafts))
	chans := make([]int64, len(drafts))
	types := make([]string, len(drafts))
	for i, d := range drafts {
		users[i], chans[i], types[i] = d.UserID, d.ChannelID, string(d.ChannelType)
	}
	cmd, err := r.db.execQueryer(ctx).Exec(ctx, qDeliveryInsert, notificationID, users, chans, types, now)
	if err != nil {
		return 0, fmt.Errorf("insert deliveries: %w", err)
	}
	return int(cmd.RowsAffected()), nil
}

func (r *DeliveryRepoImpl) ListByNotification(ctx context.Context, notificationID int64) ([]*delivery.Delivery, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.execQueryer(ctx).Query(ctx, qDeliveryByNotification, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

func (r *DeliveryRepoImpl) Claim(ctx context.Context, id int64, now time.Time) (*delivery.Delivery, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var d delivery.Delivery
	if err := scanDelivery(r.db.execQueryer(ctx).QueryRow(ctx, qDeliveryClaim, id, now), &d); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func (r *DeliveryRepoImpl) ClaimDue(ctx context.Context, q delivery.ClaimQuery) ([]*delivery.Delivery, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.execQueryer(ctx).Query(ctx, qDeliveryClaimDue, q.Now, q.Limit, interval(q.LeaseTTL), q.Ceiling)
	if err != nil {
		return nil, fmt.Errorf("claim deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

func (r *DeliveryRepoImpl) Complete(ctx context.Context, id int64, out delivery.Outcome, now time.Time) (bool, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	cmd, err := r.db.execQueryer(ctx).Exec(ctx, qDeliveryComplete,
		id, string(out.Status), out.LastError, out.ProviderMessageID, nullTime(out.NextAttemptAt), out.Refund, now)
	if err != nil {
		return false, fmt.Errorf("complete delivery: %w", err)
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *DeliveryRepoImpl) CloseOpen(ctx context.Context, notificationID int64, reason string, now time.Time) (int, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	cmd, err := r.db.execQueryer(ctx).Exec(ctx, qDeliveryCloseOpen, notificationID, reason, now)
	if err != nil {
		return 0, fmt.Errorf("close open deliveries: %w", err)
	}
	return int(cmd.RowsAffected()), nil
}

func (r *DeliveryRepoImpl) ExhaustStale(ctx context.Context, now time.Time, leaseTTL time.Duration, ceiling int) (int, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	cmd, err := r.db.execQueryer(ctx).Exec(ctx, qDeliveryExhaustStale, now, interval(leaseTTL), ceiling)
	if err != nil {
		return 0, fmt.Errorf("exhaust stale deliveries: %w", err)
	}
	return int(cmd.RowsAffected()), nil
}
