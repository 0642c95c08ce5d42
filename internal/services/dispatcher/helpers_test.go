package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NordCoder/Herald/internal/domain/channel"
	"github.com/NordCoder/Herald/internal/domain/delivery"
	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/domain/user"
	"github.com/NordCoder/Herald/internal/obs/retry"
	"github.com/NordCoder/Herald/internal/repository/memory"
	"github.com/NordCoder/Herald/internal/services/resolver"
	"github.com/NordCoder/Herald/internal/transport"
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

var errFlaky = channel.Retryable("http_503", errors.New("service unavailable"))

type fakeTransport struct {
	typ channel.Type

	mu    sync.Mutex
	sent  []channel.Recipient
	reply func(rcpt channel.Recipient, call int) error
}

func (f *fakeTransport) Type() channel.Type { return f.typ }

func (f *fakeTransport) Send(_ context.Context, rcpt channel.Recipient, _ channel.Content, _ *channel.Channel) (channel.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, rcpt)
	if f.reply != nil {
		if err := f.reply(rcpt, len(f.sent)); err != nil {
			return channel.Result{}, err
		}
	}
	return channel.Result{ProviderMessageID: "msg-" + rcpt.Address}, nil
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type env struct {
	ctx   context.Context
	clk   *fakeClock
	store *memory.Store
	chat  *fakeTransport
	email *fakeTransport
	deps  Deps
	cfg   Config
	d     *Dispatcher

	chatCh  *channel.Channel
	emailCh *channel.Channel
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.New().WithClock(clk.Now)

	e := &env{
		ctx:   context.Background(),
		clk:   clk,
		store: store,
		chat:  &fakeTransport{typ: channel.TypeChat},
		email: &fakeTransport{typ: channel.TypeEmail},
		cfg: Config{
			Ceiling:     3,
			LeaseTTL:    5 * time.Minute,
			SendTimeout: time.Second,
			Concurrency: 4,
			Backoff:     retry.ExpoJitter{Base: time.Minute, Max: time.Hour},
		},
	}
	e.chatCh = store.PutChannel(channel.Channel{Name: "bot", Type: channel.TypeChat, Active: true})
	e.emailCh = store.PutChannel(channel.Channel{Name: "smtp", Type: channel.TypeEmail, Active: true})
	e.deps = Deps{
		Notifications: store.Notifications(),
		Deliveries:    store.Deliveries(),
		Templates:     store.Templates(),
		Channels:      store.Channels(),
		Users:         store.Users(),
		Resolver:      resolver.New(store.Users(), store.Groups(), store.Subscriptions()),
		Transports:    transport.NewRegistry(e.chat, e.email),
		Clock:         clk,
	}
	e.rebuild()
	return e
}

func (e *env) rebuild() { e.d = New(e.deps, e.cfg) }

func (e *env) user(t *testing.T, name string) *user.User {
	t.Helper()
	return e.store.PutUser(user.User{
		Name:   name,
		Active: true,
		Contacts: map[channel.Type]string{
			channel.TypeChat:  name + "-chat",
			channel.TypeEmail: name + "@example.com",
		},
	})
}

func (e *env) notify(t *testing.T, n notification.Notification) *notification.Notification {
	t.Helper()
	if n.Title == "" {
		n.Title = "Heads up"
	}
	if n.Body == "" {
		n.Body = "Hello"
	}
	require.NoError(t, e.store.Notifications().Create(e.ctx, &n))
	return &n
}

func (e *env) status(t *testing.T, id int64) notification.Status {
	t.Helper()
	n, err := e.store.Notifications().GetByID(e.ctx, id)
	require.NoError(t, err)
	return n.Status
}

func (e *env) deliveries(t *testing.T, id int64) []*delivery.Delivery {
	t.Helper()
	rows, err := e.store.Deliveries().ListByNotification(e.ctx, id)
	require.NoError(t, err)
	return rows
}
