package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/NordCoder/Herald/internal/domain"
	"github.com/NordCoder/Herald/internal/domain/notification"
)

var _ notification.Repo = (*NotificationRepo)(nil)

type NotificationRepo struct{ s *Store }

func (r *NotificationRepo) Create(_ context.Context, n *notification.Notification) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	n.ID = r.s.nextID()
	if n.Status == "" {
		n.Status = notification.StatusPending
	}
	if n.Priority == "" {
		n.Priority = notification.PriorityNormal
	}
	if n.Source == "" {
		n.Source = notification.SourceAPI
	}
	if n.NotBefore.IsZero() {
		n.NotBefore = now
	}
	n.CreatedAt, n.UpdatedAt = now, now
	r.s.notifications[n.ID] = cloneNotification(n)
	return nil
}

func (r *NotificationRepo) GetByID(_ context.Context, id int64) (*notification.Notification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n, ok := r.s.notifications[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneNotification(n), nil
}

func (r *NotificationRepo) Promote(_ context.Context, now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	moved := 0
	for _, n := range r.s.notifications {
		if n.Status != notification.StatusPending || n.CancelRequested {
			continue
		}
		switch {
		case n.ExpiredAt(now):
			n.Status = notification.StatusExpired
		case !n.NotBefore.After(now):
			n.Status = notification.StatusScheduled
		default:
			continue
		}
		n.UpdatedAt = now
		moved++
	}
	return moved, nil
}

func claimable(n *notification.Notification, now time.Time, leaseTTL time.Duration) bool {
	if n.CancelRequested {
		return false
	}
	switch n.Status {
	case notification.StatusScheduled:
		return true
	case notification.StatusSending:
		return n.FannedOutAt == nil && n.ClaimedAt != nil && n.ClaimedAt.Before(now.Add(-leaseTTL))
	}
	return false
}

func applyClaim(n *notification.Notification, now time.Time) {
	if n.ExpiredAt(now) {
		n.Status = notification.StatusExpired
	} else {
		n.Status = notification.StatusSending
		claimed := now
		n.ClaimedAt = &claimed
	}
	n.UpdatedAt = now
}

func (r *NotificationRepo) Claim(_ context.Context, q notification.ClaimQuery) ([]*notification.Notification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var cand []*notification.Notification
	for _, n := range r.s.notifications {
		if n.Urgent() != q.Urgent || !claimable(n, q.Now, q.LeaseTTL) {
			continue
		}
		cand = append(cand, n)
	}
	slices.SortFunc(cand, func(a, b *notification.Notification) int {
		if c := a.NotBefore.Compare(b.NotBefore); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if q.Limit > 0 && len(cand) > q.Limit {
		cand = cand[:q.Limit]
	}

	out := make([]*notification.Notification, 0, len(cand))
	for _, n := range cand {
		applyClaim(n, q.Now)
		out = append(out, cloneNotification(n))
	}
	return out, nil
}

func (r *NotificationRepo) ClaimByID(_ context.Context, id int64, now time.Time, leaseTTL time.Duration) (*notification.Notification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n, ok := r.s.notifications[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	due := n.Status == notification.StatusPending && !n.CancelRequested && !n.NotBefore.After(now)
	if !due && !claimable(n, now, leaseTTL) {
		return nil, nil
	}
	applyClaim(n, now)
	return cloneNotification(n), nil
}

func (r *NotificationRepo) MarkFannedOut(_ context.Context, id int64, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n, ok := r.s.notifications[id]
	if !ok {
		return domain.ErrNotFound
	}
	at := now
	n.FannedOutAt = &at
	n.UpdatedAt = now
	return nil
}

func (r *NotificationRepo) Transition(_ context.Context, id int64, from, to notification.Status, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n, ok := r.s.notifications[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if n.Status != from {
		return false, nil
	}
	n.Status = to
	n.UpdatedAt = now
	return true, nil
}

func (r *NotificationRepo) RequestCancel(_ context.Context, id int64, now time.Time) (notification.Status, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n, ok := r.s.notifications[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	n.CancelRequested = true
	if n.Status == notification.StatusPending || n.Status == notification.StatusScheduled {
		n.Status = notification.StatusCancelled
	}
	n.UpdatedAt = now
	return n.Status, nil
}

func (r *NotificationRepo) ListSettling(_ context.Context, limit int) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	open := make(map[int64]bool)
	for _, d := range r.s.deliveries {
		if !d.Status.Terminal() {
			open[d.NotificationID] = true
		}
	}
	var out []int64
	for id, n := range r.s.notifications {
		if n.Status == notification.StatusSending && n.FannedOutAt != nil && !open[id] {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
