package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NordCoder/Herald/internal/domain"
	"github.com/NordCoder/Herald/internal/domain/channel"
	"github.com/NordCoder/Herald/internal/domain/conversation"
	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/repository/memory"
	"github.com/NordCoder/Herald/internal/services/enqueue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder captures what the service enqueues.
type recorder struct {
	mu  sync.Mutex
	got []*notification.Notification
}

func (r *recorder) InTx(_ context.Context, n *notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

// conflicting fails the first n saves with ErrConflict.
type conflicting struct {
	conversation.Repo
	mu sync.Mutex
	n  int
}

func (c *conflicting) Save(ctx context.Context, s *conversation.Session) error {
	c.mu.Lock()
	fail := c.n > 0
	if fail {
		c.n--
	}
	c.mu.Unlock()
	if fail {
		return domain.ErrConflict
	}
	return c.Repo.Save(ctx, s)
}

func newService(repo conversation.Repo, enq Enqueuer, tx Transactor, clock *fakeClock) *Service {
	return NewService(repo, enq, tx, NewMachine(), clock, zap.NewNop(), Config{SessionTTL: 10 * time.Minute, MaxRetries: 3})
}

func TestService_ConfirmEnqueuesNotification(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := &fakeClock{now: now}
	svc := newService(store.Sessions(), enqueue.New(store, store.Notifications(), store.Outbox()), store, clock)

	for _, ev := range []conversation.Event{cmd("/send_notification"), text("Deploy"), text("v2 is {{live}}")} {
		_, err := svc.Handle(ctx, 5, channel.TypeChat, ev)
		require.NoError(t, err)
	}
	before := store.Outbox().Pending()

	res, err := svc.Handle(ctx, 5, channel.TypeChat, text("yes"))
	require.NoError(t, err)
	assert.Equal(t, StateIdle, res.State)
	assert.Equal(t, before+2, store.Outbox().Pending())

	ss, err := store.Sessions().Get(ctx, conversation.Key{UserID: 5, Channel: channel.TypeChat})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, ss.State)
	assert.EqualValues(t, 4, ss.Version)
}

func TestService_MaterialisesForSender(t *testing.T) {
	store := memory.New()
	rec := &recorder{}
	svc := newService(store.Sessions(), rec, store, &fakeClock{now: now})

	_, err := svc.Handle(context.Background(), 9, channel.TypeChat, cmd("/help"))
	require.NoError(t, err)

	require.Len(t, rec.got, 1)
	n := rec.got[0]
	assert.Equal(t, []notification.Target{notification.UserTarget(9)}, n.Targets)
	assert.Equal(t, []channel.Type{channel.TypeChat}, n.Channels)
	assert.Equal(t, notification.SourceConversation, n.Source)
	assert.Equal(t, "{{.body}}", n.Body)
	assert.Equal(t, msgUsage, n.Vars["body"])
}

func TestService_IdleSessionPastTTLResets(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := &fakeClock{now: now}
	svc := newService(store.Sessions(), &recorder{}, store, clock)

	_, err := svc.Handle(ctx, 1, channel.TypeChat, cmd("/send_notification"))
	require.NoError(t, err)
	res, err := svc.Handle(ctx, 1, channel.TypeChat, text("Title"))
	require.NoError(t, err)
	require.Equal(t, StateAwaitingBody, res.State)

	clock.Advance(11 * time.Minute)

	res, err = svc.Handle(ctx, 1, channel.TypeChat, text("late body"))
	require.NoError(t, err)
	assert.Equal(t, StateIdle, res.State)
	assert.NotContains(t, res.Context, "title")
	assert.NotContains(t, res.Context, "body")
	assert.False(t, res.Handled)
}

func TestService_WithinTTLContinues(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := &fakeClock{now: now}
	svc := newService(store.Sessions(), &recorder{}, store, clock)

	_, err := svc.Handle(ctx, 1, channel.TypeChat, cmd("/send_notification"))
	require.NoError(t, err)
	clock.Advance(9 * time.Minute)

	res, err := svc.Handle(ctx, 1, channel.TypeChat, text("Title"))
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingBody, res.State)
}

func TestService_UnhandledEventKeepsActivityClock(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := &fakeClock{now: now}
	svc := newService(store.Sessions(), &recorder{}, store, clock)

	_, err := svc.Handle(ctx, 1, channel.TypeChat, cmd("/send_notification"))
	require.NoError(t, err)
	res, err := svc.Handle(ctx, 1, channel.TypeChat, text("Title"))
	require.NoError(t, err)
	require.Equal(t, StateAwaitingBody, res.State)

	clock.Advance(6 * time.Minute)
	res, err = svc.Handle(ctx, 1, channel.TypeChat, cmd("/bogus"))
	require.NoError(t, err)
	require.False(t, res.Handled)
	assert.Equal(t, StateAwaitingBody, res.State)

	ss, err := store.Sessions().Get(ctx, conversation.Key{UserID: 1, Channel: channel.TypeChat})
	require.NoError(t, err)
	assert.True(t, now.Equal(ss.UpdatedAt))
	assert.NotEmpty(t, ss.Diagnostic)

	clock.Advance(5 * time.Minute)
	res, err = svc.Handle(ctx, 1, channel.TypeChat, text("late body"))
	require.NoError(t, err)
	assert.Equal(t, StateIdle, res.State)
	assert.NotContains(t, res.Context, "title")
}

func TestService_RetriesOnConflict(t *testing.T) {
	store := memory.New()
	repo := &conflicting{Repo: store.Sessions(), n: 2}
	rec := &recorder{}
	svc := newService(repo, rec, store, &fakeClock{now: now})

	res, err := svc.Handle(context.Background(), 1, channel.TypeChat, cmd("/send_notification"))
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingTitle, res.State)
	assert.Len(t, rec.got, 1)
}

func TestService_GivesUpAfterRetries(t *testing.T) {
	store := memory.New()
	repo := &conflicting{Repo: store.Sessions(), n: 10}
	rec := &recorder{}
	svc := newService(repo, rec, store, &fakeClock{now: now})

	_, err := svc.Handle(context.Background(), 1, channel.TypeChat, cmd("/send_notification"))
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Empty(t, rec.got)
}

func TestService_SessionsKeyedByChannel(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newService(store.Sessions(), &recorder{}, store, &fakeClock{now: now})

	_, err := svc.Handle(ctx, 1, channel.TypeChat, cmd("/send_notification"))
	require.NoError(t, err)

	res, err := svc.Handle(ctx, 1, channel.TypeWebhook, text("Title"))
	require.NoError(t, err)
	assert.Equal(t, StateIdle, res.State)
	assert.False(t, res.Handled)
}
