package delivery

import (
	"context"
	"time"
)

type ClaimQuery struct {
	Now      time.Time
	Limit    int
	LeaseTTL time.Duration
	Ceiling  int
}

type Repo interface {
	// CreateMissing inserts drafts that do not exist yet for the notification.
	// The (notification, user, channel) triple is unique.
	CreateMissing(ctx context.Context, notificationID int64, drafts []Draft, now time.Time) (int, error)
	ListByNotification(ctx context.Context, notificationID int64) ([]*Delivery, error)

	// Claim moves a due queued or failed delivery to sending and counts an
	// attempt. It returns nil when the row is not claimable.
	Claim(ctx context.Context, id int64, now time.Time) (*Delivery, error)
	// ClaimDue claims due deliveries of notifications that are still sending,
	// including rows whose claim lease expired below the attempt ceiling.
	ClaimDue(ctx context.Context, q ClaimQuery) ([]*Delivery, error)

	// Complete releases a claimed delivery. It reports false when the row
	// was no longer in sending.
	Complete(ctx context.Context, id int64, out Outcome, now time.Time) (bool, error)
	// CloseOpen exhausts every queued or failed delivery of a notification.
	CloseOpen(ctx context.Context, notificationID int64, reason string, now time.Time) (int, error)
	// ExhaustStale exhausts deliveries stuck in sending past the lease whose
	// attempts reached the ceiling or whose notification left sending.
	ExhaustStale(ctx context.Context, now time.Time, leaseTTL time.Duration, ceiling int) (int, error)
}
