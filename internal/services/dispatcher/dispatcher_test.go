package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/NordCoder/Herald/internal/domain"
	"github.com/NordCoder/Herald/internal/domain/channel"
	"github.com/NordCoder/Herald/internal/domain/delivery"
	"github.com/NordCoder/Herald/internal/domain/group"
	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/domain/template"
	"github.com/NordCoder/Herald/internal/obs/retry"
	"github.com/NordCoder/Herald/internal/repository/memory"
	"github.com/NordCoder/Herald/internal/services/ratelimit"
)

func TestProcessBatch_DeliversToEveryPair(t *testing.T) {
	e := newEnv(t)
	a, b := e.user(t, "ann"), e.user(t, "bob")
	n := e.notify(t, notification.Notification{
		Targets:  []notification.Target{notification.UserTarget(a.ID), notification.UserTarget(b.ID)},
		Channels: []channel.Type{channel.TypeChat, channel.TypeEmail},
		Body:     "Hi {{.title}}",
	})

	sum, err := e.d.ProcessBatch(e.ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Claimed)
	assert.Equal(t, 4, sum.Sent)
	assert.Equal(t, 1, sum.Delivered)
	assert.Equal(t, notification.StatusDelivered, e.status(t, n.ID))

	rows := e.deliveries(t, n.ID)
	require.Len(t, rows, 4)
	for _, r := range rows {
		assert.Equal(t, delivery.StatusSent, r.Status)
		assert.Equal(t, 1, r.AttemptCount)
		assert.NotEmpty(t, r.ProviderMessageID)
		assert.NotNil(t, r.SentAt)
	}
	assert.Equal(t, 2, e.chat.calls())
	assert.Equal(t, 2, e.email.calls())
}

func TestDispatchOne_ConcurrentWorkItemsCreateOneDeliveryPerTriple(t *testing.T) {
	e := newEnv(t)
	a, b := e.user(t, "ann"), e.user(t, "bob")
	n := e.notify(t, notification.Notification{
		Targets:  []notification.Target{notification.UserTarget(a.ID), notification.UserTarget(b.ID), notification.UserTarget(a.ID)},
		Channels: []channel.Type{channel.TypeChat, channel.TypeEmail},
	})

	var (
		wg      sync.WaitGroup
		claimed atomic.Int64
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum, err := e.d.DispatchOne(e.ctx, n.ID)
			assert.NoError(t, err)
			claimed.Add(int64(sum.Claimed))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), claimed.Load())
	assert.Len(t, e.deliveries(t, n.ID), 4)
	assert.Equal(t, 4, e.chat.calls()+e.email.calls())
	assert.Equal(t, notification.StatusDelivered, e.status(t, n.ID))
}

func TestCreateMissing_ConcurrentFanOutIsDeduplicated(t *testing.T) {
	e := newEnv(t)
	n := e.notify(t, notification.Notification{Channels: []channel.Type{channel.TypeChat}})
	drafts := []delivery.Draft{
		{UserID: 1, ChannelID: e.chatCh.ID, ChannelType: channel.TypeChat},
		{UserID: 2, ChannelID: e.chatCh.ID, ChannelType: channel.TypeChat},
	}

	var (
		wg       sync.WaitGroup
		inserted atomic.Int64
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := e.store.Deliveries().CreateMissing(e.ctx, n.ID, drafts, e.clk.Now())
			assert.NoError(t, err)
			inserted.Add(int64(c))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(2), inserted.Load())
	assert.Len(t, e.deliveries(t, n.ID), 2)
}

func TestProcessBatch_ExpiredAtClaimCreatesNoDeliveries(t *testing.T) {
	e := newEnv(t)
	a := e.user(t, "ann")
	exp := e.clk.Now().Add(time.Minute)
	n := e.notify(t, notification.Notification{
		Targets:   []notification.Target{notification.UserTarget(a.ID)},
		Channels:  []channel.Type{channel.TypeChat},
		ExpiresAt: &exp,
	})
	_, err := e.store.Notifications().Promote(e.ctx, e.clk.Now())
	require.NoError(t, err)

	e.clk.Advance(2 * time.Minute)
	sum, err := e.d.ProcessBatch(e.ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Claimed)
	assert.Equal(t, 1, sum.Expired)
	assert.Equal(t, notification.StatusExpired, e.status(t, n.ID))
	assert.Empty(t, e.deliveries(t, n.ID))
	assert.Zero(t, e.chat.calls())
}

func TestProcessBatch_PendingPastExpiryNeverSends(t *testing.T) {
	e := newEnv(t)
	a := e.user(t, "ann")
	exp := e.clk.Now().Add(-time.Second)
	n := e.notify(t, notification.Notification{
		Targets:   []notification.Target{notification.UserTarget(a.ID)},
		Channels:  []channel.Type{channel.TypeChat},
		ExpiresAt: &exp,
	})

	_, err := e.d.ProcessBatch(e.ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, notification.StatusExpired, e.status(t, n.ID))
	assert.Zero(t, e.chat.calls())
}

func TestProcessBatch_RetryableFailuresExhaustAtCeiling(t *testing.T) {
	e := newEnv(t)
	e.cfg.Ceiling = 2
	e.rebuild()
	e.chat.reply = func(channel.Recipient, int) error { return errFlaky }

	a := e.user(t, "ann")
	n := e.notify(t, notification.Notification{
		Targets:  []notification.Target{notification.UserTarget(a.ID)},
		Channels: []channel.Type{channel.TypeChat},
	})

	sum, err := e.d.ProcessBatch(e.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Retried)

	rows := e.deliveries(t, n.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, delivery.StatusFailed, rows[0].Status)
	assert.Equal(t, e.clk.Now().Add(time.Minute), rows[0].NextAttemptAt)
	assert.Contains(t, rows[0].LastError, "service unavailable")

	e.clk.Advance(30 * time.Second)
	_, err = e.d.ProcessBatch(e.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, e.chat.calls(), "retry is not due before its backoff")

	e.clk.Advance(31 * time.Second)
	sum, err = e.d.ProcessBatch(e.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Exhausted)
	assert.Equal(t, 1, sum.Failed)

	rows = e.deliveries(t, n.ID)
	assert.Equal(t, delivery.StatusExhausted, rows[0].Status)
	assert.Equal(t, 2, rows[0].AttemptCount)
	assert.Equal(t, notification.StatusFailed, e.status(t, n.ID))

	e.clk.Advance(24 * time.Hour)
	_, err = e.d.ProcessBatch(e.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, e.chat.calls(), "exhausted deliveries are never attempted again")
}

func TestProcessBatch_PermanentFailureExhaustsImmediately(t *testing.T) {
	e := newEnv(t)
	e.chat.reply = func(channel.Recipient, int) error {
		return channel.Permanent("telegram_403", errors.New("bot was blocked"))
	}
	a := e.user(t, "ann")
	n := e.notify(t, notification.Notification{
		Targets:  []notification.Target{notification.UserTarget(a.ID)},
		Channels: []channel.Type{channel.TypeChat, channel.TypeEmail},
	})

	sum, err := e.d.ProcessBatch(e.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
	assert.Equal(t, 1, sum.Exhausted)
	assert.Equal(t, notification.StatusDelivered, e.status(t, n.ID), "partial failure still delivers")

	for _, r := range e.deliveries(t, n.ID) {
		if r.ChannelType == channel.TypeChat {
			assert.Equal(t, delivery.StatusExhausted, r.Status)
			assert.Equal(t, 1, r.AttemptCount)
		}
	}
}

func TestProcessBatch_UrgentClaimedFirst(t *testing.T) {
	e := newEnv(t)
	a := e.user(t, "ann")
	normal := e.notify(t, notification.Notification{
		Targets:  []notification.Target{notification.UserTarget(a.ID)},
		Channels: []channel.Type{channel.TypeChat},
	})
	urgent := e.notify(t, notification.Notification{
		Targets:  []notification.Target{notification.UserTarget(a.ID)},
		Channels: []channel.Type{channel.TypeChat},
		Priority: notification.PriorityUrgent,
	})

	_, err := e.d.ProcessBatch(e.ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, notification.StatusDelivered, e.status(t, urgent.ID))
	assert.Equal(t, notification.StatusScheduled, e.status(t, normal.ID))
}

func TestProcessBatch_ResolutionErrorFailsNotification(t *testing.T) {
	e := newEnv(t)
	n := e.notify(t, notification.Notification{
		Targets:  []notification.Target{notification.UserTarget(999)},
		Channels: []channel.Type{channel.TypeChat},
	})

	sum, err := e.d.ProcessBatch(e.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, notification.StatusFailed, e.status(t, n.ID))
	assert.Empty(t, e.deliveries(t, n.ID))
}

func TestProcessBatch_ZeroRecipientsDelivers(t *testing.T) {
	e := newEnv(t)
	g := e.store.PutGroup(group.Group{Name: "empty", Active: true})
	n := e.notify(t, notification.Notification{
		Targets:  []notification.Target{notification.GroupTarget(g.ID)},
		Channels: []channel.Type{channel.TypeChat},
	})

	sum, err := e.d.ProcessBatch(e.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Delivered)
	assert.Equal(t, notification.StatusDelivered, e.status(t, n.ID))
}

func TestProcessBatch_PairsWithoutActiveChannelAreSkipped(t *testing.T) {
	e := newEnv(t)
	a := e.user(t, "ann")
	n := e.notify(t, notification.Notification{
		Targets:  []notification.Target{notification.UserTarget(a.ID)},
		Channels: []channel.Type{channel.TypeChat, channel.TypePush},
	})

	sum, err := e.d.ProcessBatch(e.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 1, sum.Sent)
	assert.Len(t, e.deliveries(t, n.ID), 1)
}

func TestProcessBatch_MissingTemplateExhaustsWithoutSending(t *testing.T) {
	e := newEnv(t)
	a := e.user(t, "ann")
	n := e.notify(t, notification.Notification{
		Targets:  []notification.Target{notification.UserTarget(a.ID)},
		Channels: []channel.Type{channel.TypeChat},
		Template: "nope",
	})

	_, err := e.d.ProcessBatch(e.ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, e.chat.calls())
	rows := e.deliveries(t, n.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, delivery.StatusExhausted, rows[0].Status)
	assert.Contains(t, rows[0].LastError, "template not found")
	assert.Equal(t, notification.StatusFailed, e.status(t, n.ID))
}

func TestProcessBatch_StoredTemplateByChannelAffinity(t *testing.T) {
	e := newEnv(t)
	var bodies sync.Map
	e.chat.reply = nil
	e.deps.Transports = registryFunc(func(ct channel.Type) (channel.Transport, bool) {
		return contentRecorder{typ: ct, seen: &bodies}, true
	})
	e.rebuild()

	e.store.PutTemplate(template.Template{Name: "welcome", Body: "generic {{.who}}", Active: true, Version: 1})
	e.store.PutTemplate(template.Template{Name: "welcome", ChannelType: channel.TypeChat, Body: "chat {{.who}}", Active: true, Version: 1})
	a := e.user(t, "ann")
	e.notify(t, notification.Notification{
		Targets:  []notification.Target{notification.UserTarget(a.ID)},
		Channels: []channel.Type{channel.TypeChat, channel.TypeEmail},
		Template: "welcome",
		Vars:     map[string]any{"who": "Ann"},
	})

	_, err := e.d.ProcessBatch(e.ctx, 10)
	require.NoError(t, err)

	chat, _ := bodies.Load(channel.TypeChat)
	email, _ := bodies.Load(channel.TypeEmail)
	assert.Equal(t, "chat Ann", chat)
	assert.Equal(t, "generic Ann", email)
}

func TestProcessBatch_RateLimitedIsRequeuedWithoutCountingAttempt(t *testing.T) {
	e := newEnv(t)
	e.deps.Limiter = ratelimit.NewLimiter(ratelimit.NewMemoryStore(), map[string]ratelimit.Policy{
		ratelimit.ScopeDispatch: {Limit: 1, Window: time.Hour},
	}, e.clk.Now)
	e.cfg.Concurrency = 1
	e.rebuild()

	a, b := e.user(t, "ann"), e.user(t, "bob")
	start := e.clk.Now()
	n := e.notify(t, notification.Notification{
		Targets:  []notification.Target{notification.UserTarget(a.ID), notification.UserTarget(b.ID)},
		Channels: []channel.Type{channel.TypeChat},
	})

	sum, err := e.d.ProcessBatch(e.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
	assert.Equal(t, 1, sum.RateLimited)

	var limited *delivery.Delivery
	for _, r := range e.deliveries(t, n.ID) {
		if r.Status == delivery.StatusQueued {
			limited = r
		}
	}
	require.NotNil(t, limited)
	assert.Zero(t, limited.AttemptCount)
	assert.Equal(t, start.Add(time.Hour), limited.NextAttemptAt)
	assert.Equal(t, notification.StatusSending, e.status(t, n.ID))

	e.clk.Advance(time.Hour + time.Second)
	sum, err = e.d.ProcessBatch(e.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
	assert.Equal(t, notification.StatusDelivered, e.status(t, n.ID))
	assert.Equal(t, 2, e.chat.calls())
}

func TestProcessBatch_ExpiryBeforeRetryClosesOpenDeliveries(t *testing.T) {
	e := newEnv(t)
	a, b := e.user(t, "ann"), e.user(t, "bob")
	e.chat.reply = func(r channel.Recipient, _ int) error {
		if r.UserID == b.ID {
			return errFlaky
		}
		return nil
	}
	exp := e.clk.Now().Add(30 * time.Second)
	n := e.notify(t, notification.Notification{
		Targets:   []notification.Target{notification.UserTarget(a.ID), notification.UserTarget(b.ID)},
		Channels:  []channel.Type{channel.TypeChat},
		ExpiresAt: &exp,
	})

	_, err := e.d.ProcessBatch(e.ctx, 10)
	require.NoError(t, err)
	require.Equal(t, notification.StatusSending, e.status(t, n.ID))

	e.clk.Advance(2 * time.Minute)
	sum, err := e.d.ProcessBatch(e.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Expired)
	assert.Equal(t, notification.StatusExpired, e.status(t, n.ID))
	assert.Equal(t, 2, e.chat.calls(), "no transport call after expiry")

	for _, r := range e.deliveries(t, n.ID) {
		if r.UserID == a.ID {
			assert.Equal(t, delivery.StatusSent, r.Status)
		} else {
			assert.Equal(t, delivery.StatusExhausted, r.Status)
			assert.Equal(t, ErrExpired.Error(), r.LastError)
		}
	}
}

func TestCancel(t *testing.T) {
	e := newEnv(t)
	a := e.user(t, "ann")
	n := e.notify(t, notification.Notification{
		Targets:  []notification.Target{notification.UserTarget(a.ID)},
		Channels: []channel.Type{channel.TypeChat},
	})

	st, err := e.d.Cancel(e.ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusCancelled, st)

	_, err = e.d.ProcessBatch(e.ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, e.chat.calls())
	assert.Equal(t, notification.StatusCancelled, e.status(t, n.ID))

	_, err = e.d.Cancel(e.ctx, 12345)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancel_SendingNotificationRunsToCompletion(t *testing.T) {
	e := newEnv(t)
	a := e.user(t, "ann")
	e.chat.reply = func(channel.Recipient, int) error { return errFlaky }
	n := e.notify(t, notification.Notification{
		Targets:  []notification.Target{notification.UserTarget(a.ID)},
		Channels: []channel.Type{channel.TypeChat},
	})
	_, err := e.d.ProcessBatch(e.ctx, 10)
	require.NoError(t, err)

	st, err := e.d.Cancel(e.ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusSending, st)

	e.chat.reply = nil
	e.clk.Advance(time.Hour)
	_, err = e.d.ProcessBatch(e.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusDelivered, e.status(t, n.ID))
}

func TestProcessBatch_ExhaustsStaleClaimOfFinishedNotification(t *testing.T) {
	e := newEnv(t)
	a := e.user(t, "ann")
	n := e.notify(t, notification.Notification{
		Targets:  []notification.Target{notification.UserTarget(a.ID)},
		Channels: []channel.Type{channel.TypeChat},
	})

	now := e.clk.Now()
	claimed, err := e.store.Notifications().ClaimByID(e.ctx, n.ID, now, e.cfg.LeaseTTL)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = e.store.Deliveries().CreateMissing(e.ctx, n.ID, []delivery.Draft{
		{UserID: a.ID, ChannelID: e.chatCh.ID, ChannelType: channel.TypeChat},
	}, now)
	require.NoError(t, err)
	rows := e.deliveries(t, n.ID)
	require.Len(t, rows, 1)
	dl, err := e.store.Deliveries().Claim(e.ctx, rows[0].ID, now)
	require.NoError(t, err)
	require.NotNil(t, dl)

	ok, err := e.store.Notifications().Transition(e.ctx, n.ID, notification.StatusSending, notification.StatusExpired, now)
	require.NoError(t, err)
	require.True(t, ok)

	e.clk.Advance(e.cfg.LeaseTTL + time.Second)
	sum, err := e.d.ProcessBatch(e.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Exhausted)
	assert.Zero(t, e.chat.calls())

	rows = e.deliveries(t, n.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, delivery.StatusExhausted, rows[0].Status)
	assert.Equal(t, 1, rows[0].AttemptCount)
	assert.Equal(t, notification.StatusExpired, e.status(t, n.ID))
}

// lossyDeliveries loses the acknowledgement of successful sends.
type lossyDeliveries struct {
	*memory.DeliveryRepo
}

func (l lossyDeliveries) Complete(ctx context.Context, id int64, out delivery.Outcome, now time.Time) (bool, error) {
	if out.Status == delivery.StatusSent {
		return false, errors.New("connection reset by peer")
	}
	return l.DeliveryRepo.Complete(ctx, id, out, now)
}

func TestProcessBatch_LostAcksBoundDuplicatesByCeiling(t *testing.T) {
	e := newEnv(t)
	e.deps.Deliveries = lossyDeliveries{e.store.Deliveries()}
	e.rebuild()

	a := e.user(t, "ann")
	n := e.notify(t, notification.Notification{
		Targets:  []notification.Target{notification.UserTarget(a.ID)},
		Channels: []channel.Type{channel.TypeChat},
	})

	for range 10 {
		_, _ = e.d.ProcessBatch(e.ctx, 10)
		e.clk.Advance(e.cfg.LeaseTTL + time.Second)
	}

	assert.Equal(t, e.cfg.Ceiling, e.chat.calls())
	rows := e.deliveries(t, n.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, delivery.StatusExhausted, rows[0].Status)
	assert.Equal(t, notification.StatusFailed, e.status(t, n.ID))
}

func TestController_Handler(t *testing.T) {
	e := newEnv(t)
	c := &Controller{Log: zap.NewNop(), D: e.d}
	h := c.Handler()

	a := e.user(t, "ann")
	n := e.notify(t, notification.Notification{
		Targets:  []notification.Target{notification.UserTarget(a.ID)},
		Channels: []channel.Type{channel.TypeChat},
	})

	value, err := proto.Marshal(wrapperspb.Int64(n.ID))
	require.NoError(t, err)
	require.NoError(t, h(e.ctx, nil, value))
	assert.Equal(t, notification.StatusDelivered, e.status(t, n.ID))

	require.NoError(t, h(e.ctx, nil, value), "redelivered work item is a no-op")
	assert.Equal(t, 1, e.chat.calls())

	unknown, _ := proto.Marshal(wrapperspb.Int64(777))
	require.NoError(t, h(e.ctx, nil, unknown))

	err = h(e.ctx, nil, []byte{0xff, 0xff})
	require.Error(t, err)
	assert.True(t, retry.IsStop(err), "undecodable work items are dropped")

	zero, _ := proto.Marshal(wrapperspb.Int64(0))
	assert.True(t, retry.IsStop(h(e.ctx, nil, zero)))
}

type registryFunc func(channel.Type) (channel.Transport, bool)

func (f registryFunc) Get(t channel.Type) (channel.Transport, bool) { return f(t) }

type contentRecorder struct {
	typ  channel.Type
	seen *sync.Map
}

func (c contentRecorder) Type() channel.Type { return c.typ }

func (c contentRecorder) Send(_ context.Context, _ channel.Recipient, content channel.Content, _ *channel.Channel) (channel.Result, error) {
	c.seen.Store(c.typ, content.Body)
	return channel.Result{}, nil
}
