package subscription

import (
	"context"
	"slices"

	"github.com/NordCoder/Herald/internal/domain/channel"
)

type Subscription struct {
	ID       int64          `json:"id"`
	UserID   int64          `json:"user_id"`
	// Category is the notification category; empty subscribes to every category.
	Category string         `json:"category"`
	Channels []channel.Type `json:"channels"`
	Active   bool           `json:"active"`
}

func (s Subscription) Matches(category string) bool {
	return s.Active && (s.Category == "" || s.Category == category)
}

func (s Subscription) Enables(t channel.Type) bool { return slices.Contains(s.Channels, t) }

type Repo interface {
	ListByUsers(ctx context.Context, userIDs []int64) ([]Subscription, error)
	ListByCategory(ctx context.Context, category string) ([]Subscription, error)
}
