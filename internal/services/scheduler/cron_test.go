package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNextFire(t *testing.T) {
	cases := []struct {
		name      string
		expr      string
		last, now string
		want      string
		due       bool
	}{
		{"not due", "0 9 * * *", "2026-01-01T09:00:00Z", "2026-01-01T10:00:00Z", "", false},
		{"next day", "0 9 * * *", "2026-01-01T09:00:00Z", "2026-01-02T09:30:00Z", "2026-01-02T09:00:00Z", true},
		{"coalesces missed fires", "0 9 * * *", "2026-01-01T09:00:00Z", "2026-01-05T10:00:00Z", "2026-01-05T09:00:00Z", true},
		{"fire equal to now", "*/5 * * * *", "2026-01-01T12:00:00Z", "2026-01-01T12:05:00Z", "2026-01-01T12:05:00Z", true},
		{"last fire excluded", "*/5 * * * *", "2026-01-01T12:05:00Z", "2026-01-01T12:05:00Z", "", false},
		{"every descriptor", "@every 5m", "2026-01-01T12:00:00Z", "2026-01-01T12:17:00Z", "2026-01-01T12:15:00Z", true},
		{"hourly descriptor", "@hourly", "2026-01-01T12:00:00Z", "2026-01-01T14:59:00Z", "2026-01-01T14:00:00Z", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := NextFire(tc.expr, at(tc.last), at(tc.now))
			require.Equal(t, tc.due, ok)
			if tc.due {
				assert.True(t, at(tc.want).Equal(got), "got %s", got)
			}
		})
	}
}

func TestNextFire_InvalidExpression(t *testing.T) {
	_, ok := NextFire("not a cron", at("2026-01-01T00:00:00Z"), at("2026-02-01T00:00:00Z"))
	assert.False(t, ok)

	_, err := Parse("61 * * * *")
	require.Error(t, err)
}
