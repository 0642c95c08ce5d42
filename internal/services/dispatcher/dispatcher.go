// Package dispatcher moves notifications from scheduled to a terminal state:
// it claims them, fans them out to per-recipient deliveries, attempts each
// delivery through its channel transport and settles the notification.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/NordCoder/Herald/internal/domain/channel"
	"github.com/NordCoder/Herald/internal/domain/delivery"
	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/domain/template"
	"github.com/NordCoder/Herald/internal/domain/user"
	"github.com/NordCoder/Herald/internal/obs/retry"
	"github.com/NordCoder/Herald/internal/services/ratelimit"
	"github.com/NordCoder/Herald/internal/services/resolver"
)

var ErrExpired = errors.New("notification expired")

type Resolver interface {
	Resolve(ctx context.Context, targets []notification.Target, channels []channel.Type, category string) ([]resolver.Recipient, error)
}

type Admitter interface {
	Admit(ctx context.Context, key ratelimit.Key) (ratelimit.Decision, error)
}

type Transports interface {
	Get(t channel.Type) (channel.Transport, bool)
}

type Config struct {
	// Ceiling is the maximum number of attempts per delivery.
	Ceiling int `mapstructure:"ceiling"`
	// LeaseTTL is how long a claim may be held before another worker may take it over.
	LeaseTTL    time.Duration    `mapstructure:"lease_ttl"`
	SendTimeout time.Duration    `mapstructure:"send_timeout"`
	Concurrency int              `mapstructure:"concurrency"`
	Backoff     retry.ExpoJitter `mapstructure:"backoff"`
}

func (c Config) withDefaults() Config {
	if c.Ceiling <= 0 {
		c.Ceiling = 5
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = retry.DefaultDeliveryBackoff()
	}
	return c
}

type Deps struct {
	Notifications notification.Repo
	Deliveries    delivery.Repo
	Templates     template.Repo
	Channels      channel.Repo
	Users         user.Repo
	Resolver      Resolver
	// Limiter is optional. Without it every send is admitted.
	Limiter    Admitter
	Transports Transports
	Clock      notification.Clock
	Log        *zap.Logger
}

type Dispatcher struct {
	notifications notification.Repo
	deliveries    delivery.Repo
	templates     template.Repo
	channels      channel.Repo
	users         user.Repo
	resolver      Resolver
	limiter       Admitter
	transports    Transports
	clock         notification.Clock
	log           *zap.Logger

	cfg     Config
	backoff retry.Backoff
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func New(d Deps, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	if d.Clock == nil {
		d.Clock = systemClock{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Dispatcher{
		notifications: d.Notifications,
		deliveries:    d.Deliveries,
		templates:     d.Templates,
		channels:      d.Channels,
		users:         d.Users,
		resolver:      d.Resolver,
		limiter:       d.Limiter,
		transports:    d.Transports,
		clock:         d.Clock,
		log:           d.Log.With(zap.String("component", "dispatcher")),
		cfg:           cfg,
		backoff:       cfg.Backoff,
	}
}

// Cancel records a cancellation request. Pending and scheduled notifications
// are cancelled at once; a notification already sending runs to completion.
func (d *Dispatcher) Cancel(ctx context.Context, id int64) (notification.Status, error) {
	st, err := d.notifications.RequestCancel(ctx, id, d.clock.Now())
	if err != nil {
		return "", err
	}
	if st == notification.StatusCancelled {
		notificationsTotal.WithLabelValues(string(st)).Inc()
	}
	d.log.Info("cancel requested", zap.Int64("notification_id", id), zap.String("status", string(st)))
	return st, nil
}
