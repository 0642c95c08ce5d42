package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, limit int, window time.Duration) (*Limiter, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLimiter(NewMemoryStore(), map[string]Policy{
		ScopeWebhook: {Limit: limit, Window: window},
	}, clk.Now)
	return l, clk
}

func TestAdmit_CeilingPlusOneDeniesExactlyOnce(t *testing.T) {
	const ceiling = 5
	l, clk := newLimiter(t, ceiling, time.Minute)
	key := Key{Scope: ScopeWebhook, Actor: "42"}
	start := clk.Now()

	denied := 0
	for i := 0; i < ceiling+1; i++ {
		d, err := l.Admit(context.Background(), key)
		require.NoError(t, err)
		if !d.Allowed {
			denied++
			assert.Equal(t, start.Add(time.Minute), d.ResetAt)
			assert.Zero(t, d.Remaining)
		}
		clk.Advance(time.Second)
	}
	assert.Equal(t, 1, denied)

	clk.Advance(time.Minute)
	d, err := l.Admit(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ceiling-1, d.Remaining)
}

func TestAdmit_DeniedRequestsAreNotRecorded(t *testing.T) {
	l, clk := newLimiter(t, 1, 10*time.Second)
	key := Key{Scope: ScopeWebhook, Actor: "a"}

	d, err := l.Admit(context.Background(), key)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		d, err = l.Admit(context.Background(), key)
		require.NoError(t, err)
		require.False(t, d.Allowed)
	}

	// the window is anchored on the single admitted entry
	clk.Advance(5 * time.Second)
	d, err = l.Admit(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAdmit_ActorsAreIndependent(t *testing.T) {
	l, _ := newLimiter(t, 1, time.Minute)

	for _, actor := range []string{"a", "b", "c"} {
		d, err := l.Admit(context.Background(), Key{Scope: ScopeWebhook, Actor: actor})
		require.NoError(t, err)
		assert.True(t, d.Allowed, actor)
	}
}

func TestAdmit_UnknownScope(t *testing.T) {
	l, _ := newLimiter(t, 1, time.Minute)

	_, err := l.Admit(context.Background(), Key{Scope: "nope", Actor: "a"})
	require.ErrorIs(t, err, ErrUnknownScope)
}

func TestAdmit_ConcurrentCallersShareOneWindow(t *testing.T) {
	const ceiling = 10
	l, _ := newLimiter(t, ceiling, time.Hour)
	key := Key{Scope: ScopeWebhook, Actor: "shared"}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Admit(context.Background(), key)
			if err == nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, ceiling, allowed)
}

func TestDecision_RetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 31*time.Second, Decision{ResetAt: now.Add(30*time.Second + 200*time.Millisecond)}.RetryAfter(now))
	assert.Equal(t, time.Second, Decision{ResetAt: now.Add(-time.Second)}.RetryAfter(now))
}
