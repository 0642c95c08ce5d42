package notification

import (
	"context"
	"time"
)

type ClaimQuery struct {
	Now    time.Time
	Limit  int
	Urgent bool
	// LeaseTTL bounds how long a claimed notification may stay in sending
	// without fanning out before another worker may reclaim it.
	LeaseTTL time.Duration
}

type Repo interface {
	Create(ctx context.Context, n *Notification) error
	GetByID(ctx context.Context, id int64) (*Notification, error)

	// Promote moves due pending notifications to scheduled, or to expired when
	// their expiry has passed.
	Promote(ctx context.Context, now time.Time) (int, error)

	// Claim atomically moves claimable notifications to sending. Rows whose
	// expiry has passed move to expired instead and are returned with that status.
	Claim(ctx context.Context, q ClaimQuery) ([]*Notification, error)
	// ClaimByID is Claim for a single row. It returns nil when the row is not claimable.
	ClaimByID(ctx context.Context, id int64, now time.Time, leaseTTL time.Duration) (*Notification, error)

	MarkFannedOut(ctx context.Context, id int64, now time.Time) error
	Transition(ctx context.Context, id int64, from, to Status, now time.Time) (bool, error)
	RequestCancel(ctx context.Context, id int64, now time.Time) (Status, error)

	// ListSettling returns sending notifications that fanned out and have no open deliveries.
	ListSettling(ctx context.Context, limit int) ([]int64, error)
}
