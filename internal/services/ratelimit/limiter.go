// Package ratelimit admits requests against sliding-window policies kept in
// a shared store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrRateLimited  = errors.New("rate limited")
	ErrUnknownScope = errors.New("unknown rate limit scope")
)

const (
	ScopeDispatch = "dispatch"
	ScopeWebhook  = "webhook"
)

type Key struct {
	Scope string
	Actor string
}

func (k Key) String() string { return "ratelimit:" + k.Scope + ":" + k.Actor }

type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long a denied caller should wait, rounded up to a second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return time.Second
	}
	return wait.Truncate(time.Second) + time.Second
}

// WindowState is what the store saw after one atomic record call.
type WindowState struct {
	Allowed bool
	Count   int
	Oldest  time.Time
}

// WindowStore drops entries older than now-window, counts the rest and
// records a new entry only while the count is below limit, all in one step.
type WindowStore interface {
	Record(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (WindowState, error)
}

var decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "herald_ratelimit_decisions_total",
	Help: "Rate limit decisions by scope and outcome.",
}, []string{"scope", "outcome"})

type Limiter struct {
	store    WindowStore
	policies map[string]Policy
	now      func() time.Time
}

func NewLimiter(store WindowStore, policies map[string]Policy, now func() time.Time) *Limiter {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Limiter{store: store, policies: policies, now: now}
}

func (l *Limiter) Admit(ctx context.Context, key Key) (Decision, error) {
	pol, ok := l.policies[key.Scope]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownScope, key.Scope)
	}
	now := l.now()
	st, err := l.store.Record(ctx, key.String(), now, pol.Window, pol.Limit)
	if err != nil {
		return Decision{}, fmt.Errorf("record %s: %w", key, err)
	}

	oldest := st.Oldest
	if oldest.IsZero() {
		oldest = now
	}
	d := Decision{
		Allowed:   st.Allowed,
		Limit:     pol.Limit,
		Remaining: max(pol.Limit-st.Count, 0),
		ResetAt:   oldest.Add(pol.Window),
	}
	outcome := "allowed"
	if !d.Allowed {
		outcome = "denied"
	}
	decisions.WithLabelValues(key.Scope, outcome).Inc()
	return d, nil
}
