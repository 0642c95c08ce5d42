// Package scheduler materialises notifications from cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/NordCoder/Herald/internal/domain"
	"github.com/NordCoder/Herald/internal/domain/group"
	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/domain/schedule"
	"github.com/NordCoder/Herald/internal/domain/user"
)

type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Enqueuer writes a notification and its work item inside the caller's transaction.
type Enqueuer interface {
	InTx(ctx context.Context, n *notification.Notification) error
}

type Usecase struct {
	Schedules schedule.Repo
	Users     user.Repo
	Groups    group.Repo
	Enqueuer  Enqueuer
	Tx        Transactor
	Clock     notification.Clock
	Log       *zap.Logger
}

var errMissingTarget = errors.New("schedule target missing")

// Tick fires every active schedule that is due, reading them in pages of
// limit. It returns how many schedules were fetched, how many fired, and how
// many failed.
func (u *Usecase) Tick(ctx context.Context, limit int) (int, int, int, error) {
	if limit <= 0 {
		limit = 100
	}

	tr := otel.Tracer("scheduler.uc")
	ctxTick, span := tr.Start(ctx, "scheduler.tick",
		trace.WithAttributes(attribute.Int("batch.limit", limit)),
	)
	defer span.End()

	now := u.Clock.Now()
	var (
		fetched, fired, errs int
		cursor               int64
	)
	for {
		page, err := u.Schedules.ListActive(ctxTick, cursor, limit)
		if err != nil {
			span.RecordError(err)
			return fetched, fired, errs + 1, fmt.Errorf("list schedules: %w", err)
		}
		fetched += len(page)
		for _, sc := range page {
			switch u.evaluate(ctxTick, sc, now) {
			case fireOK:
				fired++
			case fireError:
				errs++
			}
		}
		if len(page) < limit {
			break
		}
		cursor = page[len(page)-1].ID
	}

	span.SetAttributes(
		attribute.Int("batch.fetched", fetched),
		attribute.Int("batch.fired", fired),
		attribute.Int("batch.errors", errs),
	)
	return fetched, fired, errs, nil
}

type fireStatus int

const (
	fireNone fireStatus = iota
	fireOK
	fireError
)

func (u *Usecase) evaluate(ctx context.Context, sc *schedule.Schedule, now time.Time) fireStatus {
	cs, err := Parse(sc.Cron)
	if err != nil {
		u.Log.Warn("invalid schedule", zap.Int64("schedule_id", sc.ID), zap.Error(err))
		return fireError
	}
	fire, due := latestFire(cs, sc.Base(), now)
	if !due {
		return fireNone
	}

	_, sp := otel.Tracer("scheduler.uc").Start(ctx, "scheduler.fire",
		trace.WithAttributes(
			attribute.Int64("schedule.id", sc.ID),
			attribute.String("schedule.fire", fire.String()),
		),
	)
	defer sp.End()

	ok, err := u.fire(ctx, sc, fire)
	switch {
	case err != nil:
		sp.RecordError(err)
		sp.SetAttributes(attribute.String("fire.status", "error"))
		u.Log.Warn("schedule fire failed", zap.Int64("schedule_id", sc.ID), zap.Error(err))
		return fireError
	case ok:
		sp.SetAttributes(attribute.String("fire.status", "ok"))
		return fireOK
	default:
		sp.SetAttributes(attribute.String("fire.status", "skipped"))
		return fireNone
	}
}

// fire claims the fire instant and materialises the notification in the
// same transaction. It reports false when another instance won the claim or
// the target no longer exists.
func (u *Usecase) fire(ctx context.Context, sc *schedule.Schedule, fire time.Time) (bool, error) {
	materialised := false
	err := u.Tx.WithTx(ctx, func(ctx context.Context) error {
		won, err := u.Schedules.ClaimFire(ctx, sc.ID, sc.LastFiredAt, fire)
		if err != nil {
			return fmt.Errorf("claim fire: %w", err)
		}
		if !won {
			return nil
		}

		if err := u.checkTargets(ctx, sc.Targets); err != nil {
			if errors.Is(err, errMissingTarget) {
				u.Log.Warn("schedule fire skipped", zap.Int64("schedule_id", sc.ID), zap.Error(err))
				return nil
			}
			return err
		}

		n := &notification.Notification{
			Targets:   sc.Targets,
			Category:  sc.Category,
			Title:     sc.Title,
			Template:  sc.Template,
			Vars:      maps.Clone(sc.Vars),
			Priority:  sc.Priority,
			Channels:  sc.Channels,
			Status:    notification.StatusPending,
			NotBefore: u.Clock.Now(),
			Source:    notification.SourceSchedule,
		}
		if sc.TTL > 0 {
			exp := fire.Add(sc.TTL)
			n.ExpiresAt = &exp
		}
		if err := u.Enqueuer.InTx(ctx, n); err != nil {
			return err
		}
		materialised = true
		return nil
	})
	return materialised, err
}

func (u *Usecase) checkTargets(ctx context.Context, targets []notification.Target) error {
	for _, t := range targets {
		var err error
		switch t.Kind {
		case notification.TargetUser:
			_, err = u.Users.GetByID(ctx, t.UserID)
		case notification.TargetGroup:
			_, err = u.Groups.GetByID(ctx, t.GroupID)
		}
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: %s", errMissingTarget, t)
		}
		if err != nil {
			return fmt.Errorf("check target %s: %w", t, err)
		}
	}
	return nil
}
