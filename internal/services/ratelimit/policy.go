package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Policy struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
	// Rate is the "N/period" shorthand. It wins over Limit and Window when set.
	Rate string `mapstructure:"rate"`
}

var periods = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "second": time.Second,
	"m": time.Minute, "min": time.Minute, "minute": time.Minute,
	"h": time.Hour, "hour": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour,
}

// ParseRate parses "50/hour", "1000/h", "30/m", "10/s" or "5/d".
func ParseRate(s string) (Policy, error) {
	n, unit, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Policy{}, fmt.Errorf("rate %q: want N/period", s)
	}
	limit, err := strconv.Atoi(strings.TrimSpace(n))
	if err != nil || limit <= 0 {
		return Policy{}, fmt.Errorf("rate %q: bad count", s)
	}
	window, ok := periods[strings.ToLower(strings.TrimSpace(unit))]
	if !ok {
		return Policy{}, fmt.Errorf("rate %q: unknown period %q", s, unit)
	}
	return Policy{Limit: limit, Window: window}, nil
}

// Normalize resolves Rate into Limit and Window and validates the result.
func (p Policy) Normalize() (Policy, error) {
	if p.Rate != "" {
		parsed, err := ParseRate(p.Rate)
		if err != nil {
			return Policy{}, err
		}
		parsed.Rate = p.Rate
		return parsed, nil
	}
	if p.Limit <= 0 || p.Window <= 0 {
		return Policy{}, fmt.Errorf("policy needs a positive limit and window, got %d/%s", p.Limit, p.Window)
	}
	return p, nil
}

// Policies normalizes a scope to policy map as loaded from config.
func Policies(in map[string]Policy) (map[string]Policy, error) {
	out := make(map[string]Policy, len(in))
	for scope, p := range in {
		np, err := p.Normalize()
		if err != nil {
			return nil, fmt.Errorf("scope %s: %w", scope, err)
		}
		out[scope] = np
	}
	return out, nil
}
