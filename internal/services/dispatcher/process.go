package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/NordCoder/Herald/internal/domain"
	"github.com/NordCoder/Herald/internal/domain/channel"
	"github.com/NordCoder/Herald/internal/domain/delivery"
	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/domain/template"
	"github.com/NordCoder/Herald/internal/domain/user"
	"github.com/NordCoder/Herald/internal/services/resolver"
)

const tracerName = "dispatcher"

// job is everything an attempt needs about one notification, loaded once.
type job struct {
	n         *notification.Notification
	templates []*template.Template
	users     map[int64]*user.User
	channels  map[int64]*channel.Channel

	expired atomic.Bool
}

// ProcessBatch runs one dispatcher tick. Urgent notifications are claimed
// before the rest. Store errors abort the tick; per-delivery failures are
// recorded on the delivery and counted.
func (d *Dispatcher) ProcessBatch(ctx context.Context, limit int) (Summary, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "dispatcher.tick",
		trace.WithAttributes(attribute.Int("batch.limit", limit)),
	)
	defer span.End()

	var sum Summary
	fail := func(err error) (Summary, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return sum, err
	}

	now := d.clock.Now()
	if _, err := d.notifications.Promote(ctx, now); err != nil {
		return fail(fmt.Errorf("promote: %w", err))
	}

	claimed, err := d.notifications.Claim(ctx, notification.ClaimQuery{
		Now: now, Limit: limit, Urgent: true, LeaseTTL: d.cfg.LeaseTTL,
	})
	if err != nil {
		return fail(fmt.Errorf("claim urgent: %w", err))
	}
	if rest := limit - len(claimed); rest > 0 {
		normal, err := d.notifications.Claim(ctx, notification.ClaimQuery{
			Now: now, Limit: rest, Urgent: false, LeaseTTL: d.cfg.LeaseTTL,
		})
		if err != nil {
			return fail(fmt.Errorf("claim: %w", err))
		}
		claimed = append(claimed, normal...)
	}

	for _, n := range claimed {
		sum.Claimed++
		s, err := d.dispatch(ctx, n)
		sum.Add(s)
		if err != nil {
			return fail(err)
		}
	}

	s, err := d.sweep(ctx, limit)
	sum.Add(s)
	if err != nil {
		return fail(err)
	}
	s, err = d.settle(ctx, limit)
	sum.Add(s)
	if err != nil {
		return fail(err)
	}

	span.SetAttributes(
		attribute.Int("batch.claimed", sum.Claimed),
		attribute.Int("batch.sent", sum.Sent),
		attribute.Int("batch.retried", sum.Retried),
		attribute.Int("batch.exhausted", sum.Exhausted),
	)
	return sum, nil
}

// DispatchOne handles a single work item. It is a no-op when the
// notification is already claimed, not yet due, or terminal.
func (d *Dispatcher) DispatchOne(ctx context.Context, id int64) (Summary, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "dispatcher.work_item",
		trace.WithAttributes(attribute.Int64("notification.id", id)),
	)
	defer span.End()

	n, err := d.notifications.ClaimByID(ctx, id, d.clock.Now(), d.cfg.LeaseTTL)
	if err != nil {
		span.RecordError(err)
		return Summary{}, fmt.Errorf("claim notification %d: %w", id, err)
	}
	if n == nil {
		span.SetAttributes(attribute.Bool("claimed", false))
		return Summary{}, nil
	}
	sum := Summary{Claimed: 1}
	s, err := d.dispatch(ctx, n)
	sum.Add(s)
	if err != nil {
		span.RecordError(err)
	}
	return sum, err
}

func (d *Dispatcher) dispatch(ctx context.Context, n *notification.Notification) (Summary, error) {
	log := d.log.With(zap.Int64("notification_id", n.ID))
	var sum Summary

	if n.Status == notification.StatusExpired {
		notificationsTotal.WithLabelValues(string(notification.StatusExpired)).Inc()
		log.Info("notification expired before dispatch")
		sum.Expired++
		return sum, nil
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "dispatcher.notification",
		trace.WithAttributes(
			attribute.Int64("notification.id", n.ID),
			attribute.String("notification.priority", string(n.Priority)),
		),
	)
	defer span.End()

	recipients, err := d.resolver.Resolve(ctx, n.Targets, n.Channels, n.Category)
	var rerr *resolver.ResolutionError
	if errors.As(err, &rerr) {
		log.Warn("recipient resolution failed", zap.String("target", rerr.Target.String()), zap.Error(rerr.Err))
		ok, err := d.transition(ctx, n.ID, notification.StatusFailed)
		if err != nil {
			return sum, err
		}
		if ok {
			sum.Failed++
		}
		return sum, nil
	}
	if err != nil {
		return sum, fmt.Errorf("resolve notification %d: %w", n.ID, err)
	}

	j, err := d.newJob(ctx, n, recipients)
	if err != nil {
		return sum, err
	}
	drafts, skipped, err := d.drafts(ctx, j, recipients)
	if err != nil {
		return sum, err
	}
	sum.Skipped += skipped

	now := d.clock.Now()
	created, err := d.deliveries.CreateMissing(ctx, n.ID, drafts, now)
	if err != nil {
		return sum, fmt.Errorf("create deliveries for %d: %w", n.ID, err)
	}
	if err := d.notifications.MarkFannedOut(ctx, n.ID, now); err != nil {
		return sum, fmt.Errorf("mark fanned out %d: %w", n.ID, err)
	}
	span.SetAttributes(attribute.Int("deliveries.created", created))
	if len(drafts) == 0 {
		log.Info("no eligible recipients")
	}

	rows, err := d.deliveries.ListByNotification(ctx, n.ID)
	if err != nil {
		return sum, fmt.Errorf("list deliveries for %d: %w", n.ID, err)
	}
	rows = slices.DeleteFunc(rows, func(r *delivery.Delivery) bool {
		return r.Status != delivery.StatusQueued && r.Status != delivery.StatusFailed
	})
	s, err := d.run(ctx, j, rows, true)
	sum.Add(s)
	if err != nil {
		return sum, err
	}

	s, err = d.finalize(ctx, n.ID)
	sum.Add(s)
	return sum, err
}

func (d *Dispatcher) newJob(ctx context.Context, n *notification.Notification, recipients []resolver.Recipient) (*job, error) {
	j := &job{
		n:        n,
		users:    make(map[int64]*user.User),
		channels: make(map[int64]*channel.Channel),
	}
	if n.Template != "" {
		ts, err := d.templates.ListActiveByName(ctx, n.Template)
		if err != nil {
			return nil, fmt.Errorf("load template %q: %w", n.Template, err)
		}
		j.templates = ts
	}

	ids := make([]int64, 0, len(recipients))
	for _, r := range recipients {
		ids = append(ids, r.UserID)
	}
	if len(ids) == 0 {
		return j, nil
	}
	us, err := d.users.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load recipients of %d: %w", n.ID, err)
	}
	for _, u := range us {
		j.users[u.ID] = u
	}
	return j, nil
}

// drafts binds every resolved pair to the active channel of its type. Pairs
// without an active channel or a transport are dropped.
func (d *Dispatcher) drafts(ctx context.Context, j *job, recipients []resolver.Recipient) ([]delivery.Draft, int, error) {
	byType := make(map[channel.Type]*channel.Channel)
	missing := make(map[channel.Type]bool)
	var (
		out     []delivery.Draft
		skipped int
	)
	for _, r := range recipients {
		if missing[r.ChannelType] {
			skipped++
			continue
		}
		ch, ok := byType[r.ChannelType]
		if !ok {
			c, err := d.channels.ActiveByType(ctx, r.ChannelType)
			switch {
			case errors.Is(err, domain.ErrNotFound):
				d.log.Warn("no active channel for type", zap.String("channel_type", string(r.ChannelType)), zap.Int64("notification_id", j.n.ID))
				missing[r.ChannelType] = true
				skipped++
				continue
			case err != nil:
				return nil, 0, fmt.Errorf("channel for %s: %w", r.ChannelType, err)
			}
			if _, ok := d.transports.Get(c.Type); !ok {
				d.log.Warn("no transport for channel type", zap.String("channel_type", string(c.Type)))
				missing[r.ChannelType] = true
				skipped++
				continue
			}
			byType[r.ChannelType] = c
			j.channels[c.ID] = c
			ch = c
		}
		out = append(out, delivery.Draft{UserID: r.UserID, ChannelID: ch.ID, ChannelType: ch.Type})
	}
	return out, skipped, nil
}

// sweep retries due deliveries of notifications still sending, takes over
// deliveries whose claim lease expired and exhausts those at the ceiling.
func (d *Dispatcher) sweep(ctx context.Context, limit int) (Summary, error) {
	var sum Summary
	now := d.clock.Now()

	stale, err := d.deliveries.ExhaustStale(ctx, now, d.cfg.LeaseTTL, d.cfg.Ceiling)
	if err != nil {
		return sum, fmt.Errorf("exhaust stale: %w", err)
	}
	if stale > 0 {
		d.log.Warn("exhausted deliveries with expired claims", zap.Int("count", stale))
		sum.Exhausted += stale
	}

	rows, err := d.deliveries.ClaimDue(ctx, delivery.ClaimQuery{
		Now: now, Limit: limit, LeaseTTL: d.cfg.LeaseTTL, Ceiling: d.cfg.Ceiling,
	})
	if err != nil {
		return sum, fmt.Errorf("claim due deliveries: %w", err)
	}

	var order []int64
	groups := make(map[int64][]*delivery.Delivery)
	for _, r := range rows {
		if _, ok := groups[r.NotificationID]; !ok {
			order = append(order, r.NotificationID)
		}
		groups[r.NotificationID] = append(groups[r.NotificationID], r)
	}

	for _, nid := range order {
		s, err := d.retry(ctx, nid, groups[nid])
		sum.Add(s)
		if err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func (d *Dispatcher) retry(ctx context.Context, nid int64, rows []*delivery.Delivery) (Summary, error) {
	var sum Summary
	n, err := d.notifications.GetByID(ctx, nid)
	if err != nil {
		return sum, fmt.Errorf("load notification %d: %w", nid, err)
	}
	if n.Status != notification.StatusSending {
		for _, r := range rows {
			o, err := d.complete(ctx, r, delivery.Outcome{
				Status:    delivery.StatusExhausted,
				LastError: "notification " + string(n.Status),
			}, outcomeExhausted)
			if err != nil {
				return sum, err
			}
			sum.count(o)
		}
		return sum, nil
	}

	seen := make(map[int64]bool)
	var rcpts []resolver.Recipient
	for _, r := range rows {
		rcpts = append(rcpts, resolver.Recipient{UserID: r.UserID, ChannelType: r.ChannelType})
	}
	j, err := d.newJob(ctx, n, rcpts)
	if err != nil {
		return sum, err
	}
	for _, r := range rows {
		if seen[r.ChannelID] {
			continue
		}
		seen[r.ChannelID] = true
		ch, err := d.channels.GetByID(ctx, r.ChannelID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return sum, fmt.Errorf("load channel %d: %w", r.ChannelID, err)
		}
		j.channels[ch.ID] = ch
	}

	return d.run(ctx, j, rows, false)
}

func (d *Dispatcher) settle(ctx context.Context, limit int) (Summary, error) {
	var sum Summary
	ids, err := d.notifications.ListSettling(ctx, limit)
	if err != nil {
		return sum, fmt.Errorf("list settling: %w", err)
	}
	for _, id := range ids {
		s, err := d.finalize(ctx, id)
		sum.Add(s)
		if err != nil {
			return sum, err
		}
	}
	return sum, nil
}

// finalize settles a notification once every delivery is terminal. Any sent
// delivery makes it delivered; none makes it failed; no deliveries at all is
// delivered.
func (d *Dispatcher) finalize(ctx context.Context, id int64) (Summary, error) {
	var sum Summary
	rows, err := d.deliveries.ListByNotification(ctx, id)
	if err != nil {
		return sum, fmt.Errorf("list deliveries for %d: %w", id, err)
	}
	sent := 0
	for _, r := range rows {
		if !r.Status.Terminal() {
			return sum, nil
		}
		if r.Status == delivery.StatusSent {
			sent++
		}
	}

	to := notification.StatusFailed
	if sent > 0 || len(rows) == 0 {
		to = notification.StatusDelivered
	}
	ok, err := d.transition(ctx, id, to)
	if err != nil || !ok {
		return sum, err
	}
	if to == notification.StatusDelivered {
		sum.Delivered++
	} else {
		sum.Failed++
	}
	d.log.Info("notification settled",
		zap.Int64("notification_id", id),
		zap.String("status", string(to)),
		zap.Int("deliveries", len(rows)),
		zap.Int("sent", sent),
	)
	return sum, nil
}

// transition moves a sending notification to a terminal status. It reports
// false when another worker got there first.
func (d *Dispatcher) transition(ctx context.Context, id int64, to notification.Status) (bool, error) {
	ok, err := d.notifications.Transition(ctx, id, notification.StatusSending, to, d.clock.Now())
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("transition %d to %s: %w", id, to, err)
	}
	if ok {
		notificationsTotal.WithLabelValues(string(to)).Inc()
	}
	return ok, nil
}
