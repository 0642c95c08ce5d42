package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/NordCoder/Herald/internal/domain/delivery"
	"github.com/NordCoder/Herald/internal/domain/notification"
)

var _ delivery.Repo = (*DeliveryRepo)(nil)

type DeliveryRepo struct{ s *Store }

func (r *DeliveryRepo) CreateMissing(_ context.Context, notificationID int64, drafts []delivery.Draft, now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	inserted := 0
	for _, d := range drafts {
		key := deliveryKey{notificationID: notificationID, userID: d.UserID, channelID: d.ChannelID}
		if _, ok := r.s.deliveryKeys[key]; ok {
			continue
		}
		row := &delivery.Delivery{
			ID:             r.s.nextID(),
			NotificationID: notificationID,
			ChannelID:      d.ChannelID,
			ChannelType:    d.ChannelType,
			UserID:         d.UserID,
			Status:         delivery.StatusQueued,
			NextAttemptAt:  now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		r.s.deliveries[row.ID] = row
		r.s.deliveryKeys[key] = row.ID
		inserted++
	}
	return inserted, nil
}

func (r *DeliveryRepo) ListByNotification(_ context.Context, notificationID int64) ([]*delivery.Delivery, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*delivery.Delivery
	for _, d := range r.s.deliveries {
		if d.NotificationID == notificationID {
			out = append(out, cloneDelivery(d))
		}
	}
	slices.SortFunc(out, func(a, b *delivery.Delivery) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func due(d *delivery.Delivery, now time.Time) bool {
	return (d.Status == delivery.StatusQueued || d.Status == delivery.StatusFailed) && !d.NextAttemptAt.After(now)
}

func stale(d *delivery.Delivery, now time.Time, leaseTTL time.Duration) bool {
	return d.Status == delivery.StatusSending && d.ClaimedAt != nil && d.ClaimedAt.Before(now.Add(-leaseTTL))
}

func claimDelivery(d *delivery.Delivery, now time.Time) {
	d.Status = delivery.StatusSending
	d.AttemptCount++
	claimed := now
	d.ClaimedAt = &claimed
	d.UpdatedAt = now
}

func (r *DeliveryRepo) Claim(_ context.Context, id int64, now time.Time) (*delivery.Delivery, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	d, ok := r.s.deliveries[id]
	if !ok || !due(d, now) {
		return nil, nil
	}
	claimDelivery(d, now)
	return cloneDelivery(d), nil
}

func (r *DeliveryRepo) ClaimDue(_ context.Context, q delivery.ClaimQuery) ([]*delivery.Delivery, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var cand []*delivery.Delivery
	for _, d := range r.s.deliveries {
		n, ok := r.s.notifications[d.NotificationID]
		if !ok || n.Status != notification.StatusSending {
			continue
		}
		if due(d, q.Now) || (stale(d, q.Now, q.LeaseTTL) && d.AttemptCount < q.Ceiling) {
			cand = append(cand, d)
		}
	}
	slices.SortFunc(cand, func(a, b *delivery.Delivery) int {
		if c := a.NextAttemptAt.Compare(b.NextAttemptAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if q.Limit > 0 && len(cand) > q.Limit {
		cand = cand[:q.Limit]
	}

	out := make([]*delivery.Delivery, 0, len(cand))
	for _, d := range cand {
		claimDelivery(d, q.Now)
		out = append(out, cloneDelivery(d))
	}
	return out, nil
}

func (r *DeliveryRepo) Complete(_ context.Context, id int64, out delivery.Outcome, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	d, ok := r.s.deliveries[id]
	if !ok || d.Status != delivery.StatusSending {
		return false, nil
	}
	d.Status = out.Status
	d.LastError = out.LastError
	if out.ProviderMessageID != "" {
		d.ProviderMessageID = out.ProviderMessageID
	}
	if !out.NextAttemptAt.IsZero() {
		d.NextAttemptAt = out.NextAttemptAt
	}
	if out.Refund && d.AttemptCount > 0 {
		d.AttemptCount--
	}
	if out.Status == delivery.StatusSent {
		sent := now
		d.SentAt = &sent
	}
	d.ClaimedAt = nil
	d.UpdatedAt = now
	return true, nil
}

func (r *DeliveryRepo) CloseOpen(_ context.Context, notificationID int64, reason string, now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	closed := 0
	for _, d := range r.s.deliveries {
		if d.NotificationID != notificationID {
			continue
		}
		if d.Status == delivery.StatusQueued || d.Status == delivery.StatusFailed {
			d.Status = delivery.StatusExhausted
			d.LastError = reason
			d.UpdatedAt = now
			closed++
		}
	}
	return closed, nil
}

func (r *DeliveryRepo) ExhaustStale(_ context.Context, now time.Time, leaseTTL time.Duration, ceiling int) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := 0
	for _, d := range r.s.deliveries {
		if !stale(d, now, leaseTTL) {
			continue
		}
		nt, ok := r.s.notifications[d.NotificationID]
		orphaned := !ok || nt.Status != notification.StatusSending
		if d.AttemptCount >= ceiling || orphaned {
			d.Status = delivery.StatusExhausted
			d.LastError = "claim lease expired"
			d.ClaimedAt = nil
			d.UpdatedAt = now
			n++
		}
	}
	return n, nil
}
