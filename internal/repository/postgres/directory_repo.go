package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

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

const (
	qUserByID = `
SELECT id, name, active, contacts, created_at, updated_at
FROM users
WHERE id = $1;`

	qUsersByIDs = `
SELECT id, name, active, contacts, created_at, updated_at
FROM users
WHERE id = ANY($1)
ORDER BY id;`

	qUserByContact = `
SELECT id, name, active, contacts, created_at, updated_at
FROM users
WHERE contacts ->> $1 = $2
ORDER BY id
LIMIT 1;`

	qGroupByID = `
SELECT g.id, g.name, g.active, g.created_at,
       COALESCE(array_agg(m.user_id ORDER BY m.user_id) FILTER (WHERE m.user_id IS NOT NULL), '{}')
FROM groups g
LEFT JOIN group_members m ON m.group_id = g.id
WHERE g.id = $1
GROUP BY g.id;`

	qSubsByUsers = `
SELECT id, user_id, category, channels, active
FROM subscriptions
WHERE user_id = ANY($1)
ORDER BY id;`

	qSubsByCategory = `
SELECT id, user_id, category, channels, active
FROM subscriptions
WHERE category = $1 OR category = ''
ORDER BY id;`

	qTemplatesByName = `
SELECT id, name, channel_type, subject, body, version, active, created_at
FROM templates
WHERE name = $1 AND active
ORDER BY version DESC, id DESC;`

	qChannelByID = `
SELECT id, name, type, config, active, created_at, updated_at
FROM channels
WHERE id = $1;`

	qChannelActiveByType = `
SELECT id, name, type, config, active, created_at, updated_at
FROM channels
WHERE type = $1 AND active
ORDER BY id
LIMIT 1;`
)

type UserRepo struct{ db *DB }

func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

func scanUser(row pgx.Row, u *user.User) error {
	var contacts []byte
	if err := row.Scan(&u.ID, &u.Name, &u.Active, &contacts, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return mapErr("scan user", err)
	}
	return decodeJSON(contacts, &u.Contacts)
}

func (r *UserRepo) GetByID(ctx context.Context, id int64) (*user.User, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var u user.User
	if err := scanUser(r.db.execQueryer(ctx).QueryRow(ctx, qUserByID, id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepo) ListByIDs(ctx context.Context, ids []int64) ([]*user.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.execQueryer(ctx).Query(ctx, qUsersByIDs, ids)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []*user.User
	for rows.Next() {
		var u user.User
		if err := scanUser(rows, &u); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (r *UserRepo) GetByContact(ctx context.Context, t channel.Type, address string) (*user.User, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var u user.User
	if err := scanUser(r.db.execQueryer(ctx).QueryRow(ctx, qUserByContact, string(t), address), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

type GroupRepo struct{ db *DB }

func NewGroupRepo(db *DB) *GroupRepo { return &GroupRepo{db: db} }

func (r *GroupRepo) GetByID(ctx context.Context, id int64) (*group.Group, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var g group.Group
	if err := r.db.execQueryer(ctx).QueryRow(ctx, qGroupByID, id).
		Scan(&g.ID, &g.Name, &g.Active, &g.CreatedAt, &g.Members); err != nil {
		return nil, mapErr("get group", err)
	}
	return &g, nil
}

type SubscriptionRepo struct{ db *DB }

func NewSubscriptionRepo(db *DB) *SubscriptionRepo { return &SubscriptionRepo{db: db} }

func (r *SubscriptionRepo) list(ctx context.Context, q string, arg any) ([]subscription.Subscription, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.execQueryer(ctx).Query(ctx, q, arg)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []subscription.Subscription
	for rows.Next() {
		var (
			s        subscription.Subscription
			channels []string
		)
		if err := rows.Scan(&s.ID, &s.UserID, &s.Category, &channels, &s.Active); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		s.Channels = stringsToTypes(channels)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (r *SubscriptionRepo) ListByUsers(ctx context.Context, userIDs []int64) ([]subscription.Subscription, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	return r.list(ctx, qSubsByUsers, userIDs)
}

func (r *SubscriptionRepo) ListByCategory(ctx context.Context, category string) ([]subscription.Subscription, error) {
	return r.list(ctx, qSubsByCategory, category)
}

type TemplateRepo struct{ db *DB }

func NewTemplateRepo(db *DB) *TemplateRepo { return &TemplateRepo{db: db} }

func (r *TemplateRepo) ListActiveByName(ctx context.Context, name string) ([]*template.Template, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.execQueryer(ctx).Query(ctx, qTemplatesByName, name)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var out []*template.Template
	for rows.Next() {
		var (
			t      template.Template
			chType string
		)
		if err := rows.Scan(&t.ID, &t.Name, &chType, &t.Subject, &t.Body, &t.Version, &t.Active, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		t.ChannelType = channel.Type(chType)
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

type ChannelRepo struct{ db *DB }

func NewChannelRepo(db *DB) *ChannelRepo { return &ChannelRepo{db: db} }

func scanChannel(row pgx.Row, c *channel.Channel) error {
	var (
		chType string
		config []byte
	)
	if err := row.Scan(&c.ID, &c.Name, &chType, &config, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return mapErr("scan channel", err)
	}
	c.Type = channel.Type(chType)
	return decodeJSON(config, &c.Config)
}

func (r *ChannelRepo) GetByID(ctx context.Context, id int64) (*channel.Channel, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var c channel.Channel
	if err := scanChannel(r.db.execQueryer(ctx).QueryRow(ctx, qChannelByID, id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ChannelRepo) ActiveByType(ctx context.Context, t channel.Type) (*channel.Channel, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var c channel.Channel
	if err := scanChannel(r.db.execQueryer(ctx).QueryRow(ctx, qChannelActiveByType, string(t)), &c); err != nil {
		return nil, err
	}
	return &c, nil
}
