package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NordCoder/Herald/internal/domain"
	"github.com/NordCoder/Herald/internal/domain/channel"
	"github.com/NordCoder/Herald/internal/domain/group"
	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/domain/subscription"
	"github.com/NordCoder/Herald/internal/domain/user"
	"github.com/NordCoder/Herald/internal/repository/memory"
)

var (
	chat  = channel.TypeChat
	email = channel.TypeEmail
	push  = channel.TypePush
)

type fixture struct {
	store *memory.Store
	r     *Resolver
	a, b  *user.User
	g     *group.Group
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	a := s.PutUser(user.User{Name: "A", Active: true})
	b := s.PutUser(user.User{Name: "B", Active: true})
	g := s.PutGroup(group.Group{Name: "G", Active: true, Members: []int64{a.ID, b.ID}})
	s.PutSubscription(subscription.Subscription{UserID: a.ID, Category: "ops", Channels: []channel.Type{chat}, Active: true})
	s.PutSubscription(subscription.Subscription{UserID: b.ID, Category: "ops", Channels: []channel.Type{chat, email}, Active: true})
	return &fixture{
		store: s,
		r:     New(s.Users(), s.Groups(), s.Subscriptions()),
		a:     a,
		b:     b,
		g:     g,
	}
}

func TestResolve_GroupScenario(t *testing.T) {
	f := newFixture(t)

	got, err := f.r.Resolve(context.Background(),
		[]notification.Target{notification.GroupTarget(f.g.ID)},
		[]channel.Type{chat, email}, "ops")
	require.NoError(t, err)
	assert.Equal(t, []Recipient{
		{UserID: f.a.ID, ChannelType: chat},
		{UserID: f.b.ID, ChannelType: chat},
		{UserID: f.b.ID, ChannelType: email},
	}, got)
}

func TestResolve_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	targets := []notification.Target{
		notification.GroupTarget(f.g.ID),
		notification.UserTarget(f.a.ID),
		notification.CategoryTarget("ops"),
	}
	channels := []channel.Type{email, chat}

	first, err := f.r.Resolve(context.Background(), targets, channels, "ops")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := f.r.Resolve(context.Background(), targets, channels, "ops")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestResolve_DeduplicatesOverlappingTargets(t *testing.T) {
	f := newFixture(t)

	got, err := f.r.Resolve(context.Background(), []notification.Target{
		notification.UserTarget(f.b.ID),
		notification.GroupTarget(f.g.ID),
	}, []channel.Type{chat, email}, "ops")
	require.NoError(t, err)
	assert.Equal(t, []Recipient{
		{UserID: f.b.ID, ChannelType: chat},
		{UserID: f.b.ID, ChannelType: email},
		{UserID: f.a.ID, ChannelType: chat},
	}, got)
}

func TestResolve_DirectUserIgnoresSubscriptions(t *testing.T) {
	f := newFixture(t)

	got, err := f.r.Resolve(context.Background(),
		[]notification.Target{notification.UserTarget(f.a.ID)},
		[]channel.Type{push, email}, "ops")
	require.NoError(t, err)
	assert.Equal(t, []Recipient{
		{UserID: f.a.ID, ChannelType: push},
		{UserID: f.a.ID, ChannelType: email},
	}, got)
}

func TestResolve_CategoryFiltersBySubscription(t *testing.T) {
	f := newFixture(t)
	c := f.store.PutUser(user.User{Name: "C", Active: true})
	f.store.PutSubscription(subscription.Subscription{UserID: c.ID, Channels: []channel.Type{email}, Active: true})
	d := f.store.PutUser(user.User{Name: "D", Active: true})
	f.store.PutSubscription(subscription.Subscription{UserID: d.ID, Category: "billing", Channels: []channel.Type{email}, Active: true})

	got, err := f.r.Resolve(context.Background(),
		[]notification.Target{notification.CategoryTarget("ops")},
		[]channel.Type{email}, "ops")
	require.NoError(t, err)
	assert.Equal(t, []Recipient{
		{UserID: f.b.ID, ChannelType: email},
		{UserID: c.ID, ChannelType: email},
	}, got, "empty category subscribes to all; other categories are excluded")
}

func TestResolve_DropsInactiveAndMissingMembersSilently(t *testing.T) {
	f := newFixture(t)
	off := f.store.PutUser(user.User{Name: "off", Active: false})
	f.store.PutSubscription(subscription.Subscription{UserID: off.ID, Category: "ops", Channels: []channel.Type{chat}, Active: true})
	g := f.store.PutGroup(group.Group{Name: "mixed", Active: true, Members: []int64{off.ID, 9999, f.a.ID}})

	got, err := f.r.Resolve(context.Background(),
		[]notification.Target{notification.GroupTarget(g.ID)},
		[]channel.Type{chat, email}, "ops")
	require.NoError(t, err)
	assert.Equal(t, []Recipient{{UserID: f.a.ID, ChannelType: chat}}, got)
}

func TestResolve_MissingTargetIsResolutionError(t *testing.T) {
	f := newFixture(t)

	for _, tgt := range []notification.Target{notification.UserTarget(4242), notification.GroupTarget(4242)} {
		_, err := f.r.Resolve(context.Background(), []notification.Target{tgt}, []channel.Type{chat}, "ops")
		var rerr *ResolutionError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, tgt, rerr.Target)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	}
}
