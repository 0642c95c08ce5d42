// Package memory keeps every entity in process memory behind a single lock.
// It honours the same compare-and-set semantics as the Postgres repositories
// and backs unit tests and single-process deployments.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/NordCoder/Herald/internal/domain/channel"
	"github.com/NordCoder/Herald/internal/domain/conversation"
	"github.com/NordCoder/Herald/internal/domain/delivery"
	"github.com/NordCoder/Herald/internal/domain/group"
	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/domain/outbox"
	"github.com/NordCoder/Herald/internal/domain/schedule"
	"github.com/NordCoder/Herald/internal/domain/subscription"
	"github.com/NordCoder/Herald/internal/domain/template"
	"github.com/NordCoder/Herald/internal/domain/user"
)

type deliveryKey struct {
	notificationID int64
	userID         int64
	channelID      int64
}

type outboxRow struct {
	msg       outbox.Message
	updatedAt time.Time
}

type Store struct {
	mu  sync.Mutex
	seq int64

	notifications map[int64]*notification.Notification
	deliveries    map[int64]*delivery.Delivery
	deliveryKeys  map[deliveryKey]int64

	users         map[int64]*user.User
	groups        map[int64]*group.Group
	subscriptions []subscription.Subscription
	templates     map[int64]*template.Template
	channels      map[int64]*channel.Channel
	schedules     map[int64]*schedule.Schedule
	sessions      map[conversation.Key]*conversation.Session

	outbox      map[string]*outboxRow
	outboxOrder []string

	now func() time.Time
}

func New() *Store {
	return &Store{
		notifications: make(map[int64]*notification.Notification),
		deliveries:    make(map[int64]*delivery.Delivery),
		deliveryKeys:  make(map[deliveryKey]int64),
		users:         make(map[int64]*user.User),
		groups:        make(map[int64]*group.Group),
		templates:     make(map[int64]*template.Template),
		channels:      make(map[int64]*channel.Channel),
		schedules:     make(map[int64]*schedule.Schedule),
		sessions:      make(map[conversation.Key]*conversation.Session),
		outbox:        make(map[string]*outboxRow),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used for timestamps the store fills in itself.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

// WithTx runs fn directly. Every repository call is atomic on its own.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *Store) Notifications() *NotificationRepo { return &NotificationRepo{s: s} }
func (s *Store) Deliveries() *DeliveryRepo { return &DeliveryRepo{s: s} }
func (s *Store) Users() *UserRepo { return &UserRepo{s: s} }
func (s *Store) Groups() *GroupRepo { return &GroupRepo{s: s} }
func (s *Store) Subscriptions() *SubscriptionRepo { return &SubscriptionRepo{s: s} }
func (s *Store) Templates() *TemplateRepo { return &TemplateRepo{s: s} }
func (s *Store) Channels() *ChannelRepo { return &ChannelRepo{s: s} }
func (s *Store) Schedules() *ScheduleRepo { return &ScheduleRepo{s: s} }
func (s *Store) Sessions() *SessionRepo { return &SessionRepo{s: s} }
func (s *Store) Outbox() *OutboxRepo { return &OutboxRepo{s: s} }

// Seeding helpers. IDs are assigned when zero.

func (s *Store) PutUser(u user.User) *user.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		u.ID = s.nextID()
	}
	u.Contacts = maps.Clone(u.Contacts)
	s.users[u.ID] = &u
	return cloneUser(&u)
}

func (s *Store) PutGroup(g group.Group) *group.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == 0 {
		g.ID = s.nextID()
	}
	g.Members = slices.Clone(g.Members)
	s.groups[g.ID] = &g
	cp := g
	cp.Members = slices.Clone(g.Members)
	return &cp
}

func (s *Store) PutSubscription(sub subscription.Subscription) subscription.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == 0 {
		sub.ID = s.nextID()
	}
	sub.Channels = slices.Clone(sub.Channels)
	s.subscriptions = append(s.subscriptions, sub)
	return sub
}

func (s *Store) PutTemplate(t template.Template) *template.Template {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		t.ID = s.nextID()
	}
	s.templates[t.ID] = &t
	cp := t
	return &cp
}

func (s *Store) PutChannel(c channel.Channel) *channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.nextID()
	}
	c.Config = maps.Clone(c.Config)
	s.channels[c.ID] = &c
	return cloneChannel(&c)
}

func (s *Store) PutSchedule(sc schedule.Schedule) *schedule.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.ID == 0 {
		sc.ID = s.nextID()
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = s.now()
	}
	cp := cloneSchedule(&sc)
	s.schedules[sc.ID] = cp
	return cloneSchedule(cp)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneNotification(n *notification.Notification) *notification.Notification {
	cp := *n
	cp.Targets = slices.Clone(n.Targets)
	cp.Channels = slices.Clone(n.Channels)
	cp.Vars = maps.Clone(n.Vars)
	cp.ExpiresAt = cloneTime(n.ExpiresAt)
	cp.ClaimedAt = cloneTime(n.ClaimedAt)
	cp.FannedOutAt = cloneTime(n.FannedOutAt)
	return &cp
}

func cloneDelivery(d *delivery.Delivery) *delivery.Delivery {
	cp := *d
	cp.ClaimedAt = cloneTime(d.ClaimedAt)
	cp.SentAt = cloneTime(d.SentAt)
	return &cp
}

func cloneUser(u *user.User) *user.User {
	cp := *u
	cp.Contacts = maps.Clone(u.Contacts)
	return &cp
}

func cloneChannel(c *channel.Channel) *channel.Channel {
	cp := *c
	cp.Config = maps.Clone(c.Config)
	return &cp
}

func cloneSchedule(sc *schedule.Schedule) *schedule.Schedule {
	cp := *sc
	cp.Targets = slices.Clone(sc.Targets)
	cp.Channels = slices.Clone(sc.Channels)
	cp.Vars = maps.Clone(sc.Vars)
	cp.LastFiredAt = cloneTime(sc.LastFiredAt)
	return &cp
}

func cloneSession(ss *conversation.Session) *conversation.Session {
	cp := *ss
	cp.Context = maps.Clone(ss.Context)
	return &cp
}
