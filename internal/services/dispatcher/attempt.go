package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/NordCoder/Herald/internal/domain/channel"
	"github.com/NordCoder/Herald/internal/domain/delivery"
	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/domain/template"
	"github.com/NordCoder/Herald/internal/services/ratelimit"
	"github.com/NordCoder/Herald/internal/services/render"
)

// run attempts rows concurrently. With claim set each row is claimed first;
// otherwise the rows are already claimed by the caller.
func (d *Dispatcher) run(ctx context.Context, j *job, rows []*delivery.Delivery, claim bool) (Summary, error) {
	var sum Summary
	if len(rows) == 0 {
		return sum, nil
	}

	p := pool.NewWithResults[outcome]().WithErrors().WithMaxGoroutines(d.cfg.Concurrency)
	for _, row := range rows {
		p.Go(func() (outcome, error) {
			if claim {
				c, err := d.deliveries.Claim(ctx, row.ID, d.clock.Now())
				if err != nil {
					return outcomeNone, fmt.Errorf("claim delivery %d: %w", row.ID, err)
				}
				if c == nil {
					return outcomeNone, nil
				}
				row = c
			}
			return d.attempt(ctx, j, row)
		})
	}
	outs, err := p.Wait()
	for _, o := range outs {
		sum.count(o)
	}
	if j.expired.Load() {
		sum.Expired++
	}
	return sum, err
}

// attempt performs one claimed delivery. The returned error is a store error;
// transport and render failures end up on the delivery row.
func (d *Dispatcher) attempt(ctx context.Context, j *job, dl *delivery.Delivery) (outcome, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "dispatcher.delivery",
		trace.WithAttributes(
			attribute.Int64("delivery.id", dl.ID),
			attribute.String("delivery.channel_type", string(dl.ChannelType)),
			attribute.Int("delivery.attempt", dl.AttemptCount),
		),
	)
	defer span.End()

	now := d.clock.Now()
	if j.n.ExpiredAt(now) {
		if err := d.expire(ctx, j, now); err != nil {
			return outcomeNone, err
		}
		return d.complete(ctx, dl, delivery.Outcome{
			Status:    delivery.StatusExhausted,
			LastError: ErrExpired.Error(),
		}, outcomeExpired)
	}

	ch := j.channels[dl.ChannelID]
	if ch == nil || !ch.Active {
		return d.exhaust(ctx, dl, errors.New("channel unavailable"))
	}
	tr, ok := d.transports.Get(dl.ChannelType)
	if !ok {
		return d.exhaust(ctx, dl, fmt.Errorf("no transport for %s", dl.ChannelType))
	}

	if d.limiter != nil {
		dec, err := d.limiter.Admit(ctx, ratelimit.Key{Scope: ratelimit.ScopeDispatch, Actor: strconv.FormatInt(ch.ID, 10)})
		if err != nil {
			return d.fail(ctx, dl, fmt.Errorf("rate limiter: %w", err))
		}
		if !dec.Allowed {
			return d.complete(ctx, dl, delivery.Outcome{
				Status:        delivery.StatusQueued,
				LastError:     ratelimit.ErrRateLimited.Error(),
				NextAttemptAt: dec.ResetAt,
				Refund:        true,
			}, outcomeRateLimited)
		}
	}

	content, err := d.render(j, dl.ChannelType)
	if err != nil {
		return d.exhaust(ctx, dl, err)
	}

	u := j.users[dl.UserID]
	if u == nil || !u.Active {
		return d.exhaust(ctx, dl, errors.New("recipient unavailable"))
	}
	rcpt := channel.Recipient{UserID: u.ID, Name: u.Name, Address: u.Address(dl.ChannelType)}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	start := time.Now()
	res, err := tr.Send(sendCtx, rcpt, content, ch)
	cancel()
	sendDuration.WithLabelValues(string(dl.ChannelType)).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		return d.fail(ctx, dl, err)
	}
	return d.complete(ctx, dl, delivery.Outcome{
		Status:            delivery.StatusSent,
		ProviderMessageID: res.ProviderMessageID,
	}, outcomeSent)
}

// fail schedules a retry for retryable errors below the ceiling and
// exhausts the delivery otherwise.
func (d *Dispatcher) fail(ctx context.Context, dl *delivery.Delivery, err error) (outcome, error) {
	if !channel.IsRetryable(err) || dl.AttemptCount >= d.cfg.Ceiling {
		return d.exhaust(ctx, dl, err)
	}
	next := d.clock.Now().Add(d.backoff.Next(dl.AttemptCount - 1))
	d.log.Debug("delivery attempt failed",
		zap.Int64("delivery_id", dl.ID),
		zap.Int("attempt", dl.AttemptCount),
		zap.Time("next_attempt_at", next),
		zap.Error(err),
	)
	return d.complete(ctx, dl, delivery.Outcome{
		Status:        delivery.StatusFailed,
		LastError:     err.Error(),
		NextAttemptAt: next,
	}, outcomeRetried)
}

func (d *Dispatcher) exhaust(ctx context.Context, dl *delivery.Delivery, err error) (outcome, error) {
	d.log.Warn("delivery exhausted",
		zap.Int64("delivery_id", dl.ID),
		zap.Int64("notification_id", dl.NotificationID),
		zap.Int("attempt", dl.AttemptCount),
		zap.Error(err),
	)
	return d.complete(ctx, dl, delivery.Outcome{
		Status:    delivery.StatusExhausted,
		LastError: err.Error(),
	}, outcomeExhausted)
}

func (d *Dispatcher) complete(ctx context.Context, dl *delivery.Delivery, out delivery.Outcome, o outcome) (outcome, error) {
	ok, err := d.deliveries.Complete(ctx, dl.ID, out, d.clock.Now())
	if err != nil {
		return outcomeNone, fmt.Errorf("complete delivery %d: %w", dl.ID, err)
	}
	if !ok {
		d.log.Warn("delivery claim lost", zap.Int64("delivery_id", dl.ID))
		return outcomeNone, nil
	}
	deliveriesTotal.WithLabelValues(string(dl.ChannelType), o.String()).Inc()
	return o, nil
}

func (d *Dispatcher) render(j *job, ct channel.Type) (channel.Content, error) {
	var tmpl *template.Template
	if j.n.Template != "" {
		t, err := render.Select(j.templates, ct)
		if err != nil {
			return channel.Content{}, &render.Error{Template: j.n.Template, Err: err}
		}
		tmpl = t
	}
	return render.Render(tmpl, j.n, ct)
}

// expire moves the notification to expired and closes its open deliveries.
// Sent deliveries are left as they are.
func (d *Dispatcher) expire(ctx context.Context, j *job, now time.Time) error {
	ok, err := d.notifications.Transition(ctx, j.n.ID, notification.StatusSending, notification.StatusExpired, now)
	if err != nil {
		return fmt.Errorf("expire %d: %w", j.n.ID, err)
	}
	if ok {
		j.expired.Store(true)
		notificationsTotal.WithLabelValues(string(notification.StatusExpired)).Inc()
		d.log.Info("notification expired during dispatch", zap.Int64("notification_id", j.n.ID))
	}
	if _, err := d.deliveries.CloseOpen(ctx, j.n.ID, ErrExpired.Error(), now); err != nil {
		return fmt.Errorf("close deliveries of %d: %w", j.n.ID, err)
	}
	return nil
}
