package memory

import (
	"cmp"
	"context"
	"slices"

	"github.com/NordCoder/Herald/internal/domain"
	"github.com/NordCoder/Herald/internal/domain/channel"
	"github.com/NordCoder/Herald/internal/domain/group"
	"github.com/NordCoder/Herald/internal/domain/subscription"
	"github.com/NordCoder/Herald/internal/domain/template"
	"github.com/NordCoder/Herald/internal/domain/user"
)

var (
	_ user.Repo         = (*UserRepo)(nil)
	_ group.Repo        = (*GroupRepo)(nil)
	_ subscription.Repo = (*SubscriptionRepo)(nil)
	_ template.Repo     = (*TemplateRepo)(nil)
	_ channel.Repo      = (*ChannelRepo)(nil)
)

type UserRepo struct{ s *Store }

func (r *UserRepo) GetByID(_ context.Context, id int64) (*user.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneUser(u), nil
}

func (r *UserRepo) ListByIDs(_ context.Context, ids []int64) ([]*user.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*user.User
	for _, id := range ids {
		if u, ok := r.s.users[id]; ok {
			out = append(out, cloneUser(u))
		}
	}
	slices.SortFunc(out, func(a, b *user.User) int { return cmp.Compare(a.ID, b.ID) })
	return slices.CompactFunc(out, func(a, b *user.User) bool { return a.ID == b.ID }), nil
}

func (r *UserRepo) GetByContact(_ context.Context, t channel.Type, address string) (*user.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, u := range r.s.users {
		if address != "" && u.Contacts[t] == address {
			return cloneUser(u), nil
		}
	}
	return nil, domain.ErrNotFound
}

type GroupRepo struct{ s *Store }

func (r *GroupRepo) GetByID(_ context.Context, id int64) (*group.Group, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	g, ok := r.s.groups[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *g
	cp.Members = slices.Clone(g.Members)
	return &cp, nil
}

type SubscriptionRepo struct{ s *Store }

func (r *SubscriptionRepo) ListByUsers(_ context.Context, userIDs []int64) ([]subscription.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []subscription.Subscription
	for _, sub := range r.s.subscriptions {
		if slices.Contains(userIDs, sub.UserID) {
			sub.Channels = slices.Clone(sub.Channels)
			out = append(out, sub)
		}
	}
	return out, nil
}

func (r *SubscriptionRepo) ListByCategory(_ context.Context, category string) ([]subscription.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []subscription.Subscription
	for _, sub := range r.s.subscriptions {
		if sub.Category == category || sub.Category == "" {
			sub.Channels = slices.Clone(sub.Channels)
			out = append(out, sub)
		}
	}
	return out, nil
}

type TemplateRepo struct{ s *Store }

func (r *TemplateRepo) ListActiveByName(_ context.Context, name string) ([]*template.Template, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*template.Template
	for _, t := range r.s.templates {
		if t.Active && t.Name == name {
			cp := *t
			out = append(out, &cp)
		}
	}
	// newest version first
	slices.SortFunc(out, func(a, b *template.Template) int {
		if c := cmp.Compare(b.Version, a.Version); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, nil
}

type ChannelRepo struct{ s *Store }

func (r *ChannelRepo) GetByID(_ context.Context, id int64) (*channel.Channel, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.channels[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneChannel(c), nil
}

func (r *ChannelRepo) ActiveByType(_ context.Context, t channel.Type) (*channel.Channel, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var best *channel.Channel
	for _, c := range r.s.channels {
		if c.Active && c.Type == t && (best == nil || c.ID < best.ID) {
			best = c
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound
	}
	return cloneChannel(best), nil
}
