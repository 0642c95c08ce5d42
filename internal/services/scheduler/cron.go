package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Standard five-field cron plus @hourly, @daily, @weekly, @monthly, @yearly
// and @every descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func Parse(expr string) (cron.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return s, nil
}

// NextFire returns the most recent fire instant t with lastFired < t <= now.
// Missed fires coalesce into the latest one. It reports false when nothing
// is due or the expression does not parse.
func NextFire(expr string, lastFired, now time.Time) (time.Time, bool) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, false
	}
	return latestFire(s, lastFired, now)
}

func latestFire(s cron.Schedule, after, now time.Time) (time.Time, bool) {
	t := s.Next(after.UTC())
	if t.IsZero() || t.After(now) {
		return time.Time{}, false
	}
	for {
		next := s.Next(t)
		if next.IsZero() || next.After(now) {
			return t, true
		}
		t = next
	}
}
