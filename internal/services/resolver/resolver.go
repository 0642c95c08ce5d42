// Package resolver expands notification targets into (user, channel) pairs.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/NordCoder/Herald/internal/domain"
	"github.com/NordCoder/Herald/internal/domain/channel"
	"github.com/NordCoder/Herald/internal/domain/group"
	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/domain/subscription"
	"github.com/NordCoder/Herald/internal/domain/user"
)

type Recipient struct {
	UserID      int64
	ChannelType channel.Type
}

// ResolutionError means a target reference itself does not exist.
type ResolutionError struct {
	Target notification.Target
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Target, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

type Resolver struct {
	users  user.Repo
	groups group.Repo
	subs   subscription.Repo
}

func New(users user.Repo, groups group.Repo, subs subscription.Repo) *Resolver {
	return &Resolver{users: users, groups: groups, subs: subs}
}

type collector struct {
	seen map[Recipient]struct{}
	out  []Recipient
}

func (c *collector) add(userID int64, ct channel.Type) {
	r := Recipient{UserID: userID, ChannelType: ct}
	if _, ok := c.seen[r]; ok {
		return
	}
	c.seen[r] = struct{}{}
	c.out = append(c.out, r)
}

// Resolve returns pairs ordered by target, then member, then requested
// channel. Direct user targets get every requested channel; group and
// category members only get channels their subscriptions enable for category.
func (r *Resolver) Resolve(ctx context.Context, targets []notification.Target, channels []channel.Type, category string) ([]Recipient, error) {
	c := &collector{seen: make(map[Recipient]struct{})}

	for _, t := range targets {
		var err error
		switch t.Kind {
		case notification.TargetUser:
			err = r.resolveUser(ctx, c, t, channels)
		case notification.TargetGroup:
			err = r.resolveGroup(ctx, c, t, channels, category)
		case notification.TargetCategory:
			err = r.resolveCategory(ctx, c, t, channels)
		default:
			err = &ResolutionError{Target: t, Err: fmt.Errorf("unknown target kind %q", t.Kind)}
		}
		if err != nil {
			return nil, err
		}
	}
	return c.out, nil
}

func (r *Resolver) resolveUser(ctx context.Context, c *collector, t notification.Target, channels []channel.Type) error {
	u, err := r.users.GetByID(ctx, t.UserID)
	if err != nil {
		return wrapLookup(t, err)
	}
	if !u.Active {
		return nil
	}
	for _, ct := range channels {
		c.add(u.ID, ct)
	}
	return nil
}

func (r *Resolver) resolveGroup(ctx context.Context, c *collector, t notification.Target, channels []channel.Type, category string) error {
	g, err := r.groups.GetByID(ctx, t.GroupID)
	if err != nil {
		return wrapLookup(t, err)
	}
	if !g.Active || len(g.Members) == 0 {
		return nil
	}
	return r.addMembers(ctx, c, g.Members, channels, category)
}

func (r *Resolver) resolveCategory(ctx context.Context, c *collector, t notification.Target, channels []channel.Type) error {
	subs, err := r.subs.ListByCategory(ctx, t.Category)
	if err != nil {
		return fmt.Errorf("list subscriptions for %s: %w", t, err)
	}
	var ids []int64
	for _, s := range subs {
		if s.Matches(t.Category) && !slices.Contains(ids, s.UserID) {
			ids = append(ids, s.UserID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return r.addMembers(ctx, c, ids, channels, t.Category)
}

// addMembers keeps member order and drops missing or inactive users.
func (r *Resolver) addMembers(ctx context.Context, c *collector, ids []int64, channels []channel.Type, category string) error {
	users, err := r.users.ListByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	active := make(map[int64]bool, len(users))
	for _, u := range users {
		active[u.ID] = u.Active
	}

	subs, err := r.subs.ListByUsers(ctx, ids)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	enabled := make(map[int64]map[channel.Type]bool)
	for _, s := range subs {
		if !s.Matches(category) {
			continue
		}
		if enabled[s.UserID] == nil {
			enabled[s.UserID] = make(map[channel.Type]bool)
		}
		for _, ct := range s.Channels {
			enabled[s.UserID][ct] = true
		}
	}

	for _, id := range ids {
		if !active[id] {
			continue
		}
		for _, ct := range channels {
			if enabled[id][ct] {
				c.add(id, ct)
			}
		}
	}
	return nil
}

func wrapLookup(t notification.Target, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return &ResolutionError{Target: t, Err: err}
	}
	return fmt.Errorf("lookup %s: %w", t, err)
}
