package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRate(t *testing.T) {
	cases := []struct {
		in     string
		limit  int
		window time.Duration
	}{
		{"50/hour", 50, time.Hour},
		{"1000/h", 1000, time.Hour},
		{"30/m", 30, time.Minute},
		{"10/s", 10, time.Second},
		{"5/d", 5, 24 * time.Hour},
		{" 7 / Minute ", 7, time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			p, err := ParseRate(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.limit, p.Limit)
			assert.Equal(t, tc.window, p.Window)
		})
	}
}

func TestParseRate_Invalid(t *testing.T) {
	for _, in := range []string{"", "50", "x/h", "0/h", "-1/h", "10/week"} {
		_, err := ParseRate(in)
		assert.Error(t, err, in)
	}
}

func TestPolicies_RateWinsOverExplicitFields(t *testing.T) {
	got, err := Policies(map[string]Policy{
		ScopeDispatch: {Rate: "50/hour", Limit: 1, Window: time.Second},
		ScopeWebhook:  {Limit: 1000, Window: time.Hour},
	})
	require.NoError(t, err)
	assert.Equal(t, 50, got[ScopeDispatch].Limit)
	assert.Equal(t, time.Hour, got[ScopeDispatch].Window)
	assert.Equal(t, 1000, got[ScopeWebhook].Limit)

	_, err = Policies(map[string]Policy{"bad": {}})
	assert.Error(t, err)
}
